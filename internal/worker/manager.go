package worker

import (
	"context"
	"errors"
	"time"

	"chatrelay/internal/config"
)

var (
	// ErrDispatcherBusy is returned when the job queue is full.
	ErrDispatcherBusy = errors.New("worker: dispatcher queue is full")
	// ErrManagerClosed is returned for jobs submitted to, or stranded in, a closed manager.
	ErrManagerClosed = errors.New("worker: manager closed")
	// ErrJobCancelled is returned for queued jobs dropped by CancelUser.
	ErrJobCancelled = errors.New("worker: job cancelled")
)

const (
	defaultMinWorkers = 2
	defaultMaxWorkers = 16
	defaultQueueSize  = 128
)

type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

// ConfigFromBasic maps server configuration onto dispatcher settings.
func ConfigFromBasic(cfg config.BasicConfig) DispatcherConfig {
	return DispatcherConfig{
		MinWorkers:  cfg.MinWorkers,
		MaxWorkers:  cfg.MaxWorkers,
		QueueSize:   cfg.QueueSize,
		IdleTimeout: time.Duration(cfg.WorkerIdleTimeout) * time.Minute,
	}
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.MinWorkers <= 0 {
		c.MinWorkers = defaultMinWorkers
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = defaultMaxWorkers
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	return c
}

// Manager runs per-user jobs on a bounded, elastic worker pool.
type Manager struct {
	dispatcher *Dispatcher
}

func NewManager(cfg DispatcherConfig) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		dispatcher: NewDispatcher(cfg.MinWorkers, cfg.MaxWorkers, cfg.QueueSize, cfg.IdleTimeout),
	}
}

// Run queues fn for the user and waits for it to finish. If ctx ends first
// Run returns ctx.Err(); a job that has not started yet is then skipped.
func (m *Manager) Run(ctx context.Context, userID int64, fn JobFunc) error {
	done := make(chan error, 1)
	if err := m.dispatcher.Submit(Job{Type: Run, UserID: userID, ctx: ctx, fn: fn, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Go queues fn for the user without waiting for its result.
func (m *Manager) Go(ctx context.Context, userID int64, fn JobFunc) error {
	return m.dispatcher.Submit(Job{Type: Run, UserID: userID, ctx: ctx, fn: fn})
}

// CancelUser drops the user's queued jobs and reports how many were dropped.
func (m *Manager) CancelUser(userID int64) int {
	return m.dispatcher.CancelUser(userID)
}

// Workers reports how many pooled workers are alive.
func (m *Manager) Workers() int {
	return m.dispatcher.pool.Running()
}

func (m *Manager) Close() {
	m.dispatcher.Close()
}
