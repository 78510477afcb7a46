package generation

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultDebounceInterval is the minimum spacing of intermediate writes.
const DefaultDebounceInterval = 500 * time.Millisecond

var errPersisterClosed = errors.New("persister already finished")

// WriteFunc commits the full accumulated text. final is set only for the
// write issued by Finish.
type WriteFunc func(ctx context.Context, text string, final bool) error

// Persister accumulates fragments and commits them at most once per interval,
// plus one forced write on Finish. At most one deferred flush is pending.
type Persister struct {
	mu       sync.Mutex
	write    WriteFunc
	interval time.Duration
	now      func() time.Time

	text      string
	committed string
	lastWrite time.Time
	timer     *time.Timer
	timerSeq  uint64
	asyncErr  error
	closed    bool
	writes    int
}

// NewPersister starts the interval clock at construction time.
func NewPersister(interval time.Duration, write WriteFunc) *Persister {
	if interval <= 0 {
		interval = DefaultDebounceInterval
	}
	p := &Persister{write: write, interval: interval, now: time.Now}
	p.lastWrite = p.now()
	return p
}

// Append adds fragment and commits now if the interval has elapsed since the
// last write, otherwise makes sure one deferred flush is scheduled. A failed
// deferred flush is returned here.
func (p *Persister) Append(ctx context.Context, fragment string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errPersisterClosed
	}
	if p.asyncErr != nil {
		return p.asyncErr
	}
	p.text += fragment

	now := p.now()
	if now.Sub(p.lastWrite) >= p.interval {
		p.stopTimerLocked()
		return p.commitLocked(ctx, false)
	}
	if p.timer == nil {
		seq := p.timerSeq
		delay := p.lastWrite.Add(p.interval).Sub(now)
		p.timer = time.AfterFunc(delay, func() { p.deferredFlush(ctx, seq) })
	}
	return nil
}

// Finish cancels any pending flush and commits the final text regardless of
// the interval. It returns the committed text.
func (p *Persister) Finish(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return p.text, errPersisterClosed
	}
	p.stopTimerLocked()
	p.closed = true
	if p.asyncErr != nil {
		return p.text, p.asyncErr
	}
	return p.text, p.commitLocked(ctx, true)
}

// Abort drops the pending flush without writing. Once Abort returns no
// further write is issued.
func (p *Persister) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTimerLocked()
	p.closed = true
}

// Text returns everything appended so far.
func (p *Persister) Text() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.text
}

// Writes counts committed writes, failed ones included.
func (p *Persister) Writes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

func (p *Persister) deferredFlush(ctx context.Context, seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// stale timer: cancelled or superseded after it already fired
	if p.closed || seq != p.timerSeq {
		return
	}
	p.timer = nil
	p.timerSeq++
	if p.text == p.committed {
		return
	}
	if err := p.commitLocked(ctx, false); err != nil && p.asyncErr == nil {
		p.asyncErr = err
	}
}

func (p *Persister) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.timerSeq++
}

func (p *Persister) commitLocked(ctx context.Context, final bool) error {
	text := p.text
	err := p.write(ctx, text, final)
	p.writes++
	p.lastWrite = p.now()
	if err != nil {
		return err
	}
	p.committed = text
	return nil
}
