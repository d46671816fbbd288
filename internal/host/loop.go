// Package host runs the rcond frame loop and wires the RCON server, the
// console and their stores together.
package host

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/rcond/internal/util"
)

// ErrLoopStopped is returned by Do once the loop has exited.
var ErrLoopStopped = errors.New("frame loop stopped")

// FrameFunc runs once per tick on the loop goroutine.
type FrameFunc func(now time.Time)

// Loop is a fixed-rate frame loop. Everything that touches the RCON server,
// the dispatcher or the console runs on it; other goroutines reach it
// through Do and Submit.
type Loop struct {
	interval time.Duration
	frames   []FrameFunc
	tasks    chan func()
	done     chan struct{}
	frameNum atomic.Uint64
	logger   zerolog.Logger
}

// NewLoop creates a loop ticking every interval.
func NewLoop(interval time.Duration) *Loop {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &Loop{
		interval: interval,
		tasks:    make(chan func(), 64),
		done:     make(chan struct{}),
		logger:   util.ComponentLogger("frame_loop"),
	}
}

// OnFrame registers fn to run every tick, in registration order. It must be
// called before Run.
func (l *Loop) OnFrame(fn FrameFunc) {
	l.frames = append(l.frames, fn)
}

// Frames returns the number of completed ticks.
func (l *Loop) Frames() uint64 {
	return l.frameNum.Load()
}

// Run ticks until ctx is cancelled. Queued tasks run at the start of each
// tick, before the frame functions.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info().Dur("interval", l.interval).Msg("frame loop started")
	for {
		select {
		case <-ctx.Done():
			l.drainTasks()
			l.logger.Info().Uint64("frames", l.Frames()).Msg("frame loop stopped")
			return
		case now := <-ticker.C:
			l.tick(now)
		}
	}
}

func (l *Loop) tick(now time.Time) {
	l.drainTasks()
	for _, fn := range l.frames {
		fn(now)
	}
	l.frameNum.Add(1)
}

func (l *Loop) drainTasks() {
	for {
		select {
		case task := <-l.tasks:
			l.runTask(task)
		default:
			return
		}
	}
}

func (l *Loop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msg("loop task panicked")
		}
	}()
	task()
}

// Submit queues fn for the next tick without waiting. It reports false if
// the queue is full or the loop has stopped.
func (l *Loop) Submit(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	default:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}

	select {
	case l.tasks <- task:
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		// Run drains queued tasks before closing done.
		select {
		case <-finished:
			return nil
		default:
			return ErrLoopStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
