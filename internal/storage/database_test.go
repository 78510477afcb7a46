package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/config"
)

func TestOpenAndMigrateSQLite(t *testing.T) {
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := Open("sqlite3", cfg)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(db, "sqlite3"))
	// migrations must be re-runnable
	require.NoError(t, Migrate(db, "sqlite3"), "second migrate")

	for _, table := range []string{"users", "user_tokens", "conversations", "messages"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		assert.NoError(t, err, "table %s missing", table)
	}

	var activity int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('messages') WHERE name = 'last_write_at'`).Scan(&activity))
	assert.Equal(t, 1, activity, "messages must track last_write_at")
}

func TestOpenUnknownDriver(t *testing.T) {
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{"postgres": {DSN: "x"}},
	}
	_, err := Open("postgres", cfg)
	assert.Error(t, err, "unsupported driver")
	_, err = Open("sqlite3", cfg)
	assert.Error(t, err, "missing config")
}
