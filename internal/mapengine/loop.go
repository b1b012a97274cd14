package mapengine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrLoopStopped is returned by Call once the loop no longer runs tasks.
var ErrLoopStopped = errors.New("event loop stopped")

// Loop runs posted functions one at a time on a single goroutine.
//
// Every map callback, controller transition and network completion of a
// viewer session runs on its Loop, so none of them need locks.
type Loop struct {
	log *zap.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewLoop creates a loop. Nothing runs until Run is called.
func NewLoop(log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		log:  log.Named("loop"),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Post queues fn. It never blocks, so it is safe to call from the loop
// itself. It reports false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to return.
// It must not be called from the loop goroutine.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrLoopStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes tasks until Stop is called or ctx is cancelled. Tasks still
// queued at that point are dropped.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	defer l.markStopped()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-l.wake:
		}

		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			l.run(fn)
			select {
			case <-l.stop:
				return
			default:
			}
		}
	}
}

// Stop asks the loop to exit. It does not wait; use Done for that.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

func (l *Loop) markStopped() {
	l.mu.Lock()
	l.stopped = true
	l.queue = nil
	l.mu.Unlock()
}

// run shields the loop from a panicking task; the session keeps running.
func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("task panicked", zap.String("panic", fmt.Sprint(r)), zap.Stack("stack"))
		}
	}()
	fn()
}
