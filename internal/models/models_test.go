package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitions(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending:   {StatusStreaming, StatusError},
		StatusStreaming: {StatusStreaming, StatusDone, StatusError},
	}
	all := []Status{StatusPending, StatusStreaming, StatusDone, StatusError}
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
	assert.True(t, StatusDone.Terminal())
	assert.True(t, StatusError.Terminal())
	assert.False(t, StatusStreaming.Terminal())
	assert.False(t, StatusPending.Terminal())
}

func TestSourcesFor(t *testing.T) {
	assert.Equal(t, []Status{StatusPending, StatusStreaming}, SourcesFor(StatusError))
	assert.Empty(t, SourcesFor(StatusPending), "nothing may move back to pending")
}
