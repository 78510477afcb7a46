package worker

import (
	"context"
	"fmt"
	"runtime/debug"
)

// JobType tells a worker what to do with a job.
type JobType int

const (
	Run JobType = iota
	Stop
)

func (t JobType) String() string {
	switch t {
	case Run:
		return "run"
	case Stop:
		return "stop"
	default:
		return fmt.Sprintf("JobType(%d)", int(t))
	}
}

// JobFunc is the unit of work executed on a pooled worker.
type JobFunc func(ctx context.Context) error

// Job is what travels from the dispatcher to a worker.
type Job struct {
	Type   JobType
	UserID int64
	ctx    context.Context
	fn     JobFunc
	done   chan error // buffered; nil for fire-and-forget jobs
}

func (j Job) finish(err error) {
	if j.done != nil {
		j.done <- err
	}
}

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool) *Worker {
	return &Worker{id: id, pool: pool, jobChannel: make(chan Job)}
}

// Start registers the worker as idle after every job until it receives Stop.
func (w *Worker) Start() {
	go func() {
		for {
			if !w.pool.Release(w.jobChannel) {
				w.pool.retire(w.jobChannel)
				return
			}
			job := <-w.jobChannel
			switch job.Type {
			case Stop:
				debugLog("worker stopped", "worker", w.id)
				w.pool.retire(w.jobChannel)
				return
			case Run:
				job.finish(w.execute(job))
			}
		}
	}()
}

func (w *Worker) execute(job Job) (err error) {
	ctx := job.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	// the caller may have given up while the job was queued
	if err := ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker job panicked: %v", r)
			debugLog("job panic", "worker", w.id, "user_id", job.UserID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	debugLog("job start", "worker", w.id, "user_id", job.UserID)
	return job.fn(ctx)
}
