package services

import "sync"

// executor serializes all session state changes onto one logical thread.
//
// Do runs fn while holding the executor, then drains everything posted in the
// meantime. Post queues fn and runs it right away if the executor is free;
// otherwise the current holder drains it before releasing. Callbacks from
// transports must use Post, never Do, since they may fire while the executor
// is held by the caller that triggered them. Work registered with Defer runs
// after release, so subscriber callbacks may re-enter the session.
type executor struct {
	mu sync.Mutex

	qmu      sync.Mutex
	queue    []func()
	deferred []func()
}

func (e *executor) Do(fn func()) {
	e.mu.Lock()
	fn()
	e.release()
}

func (e *executor) Post(fn func()) {
	e.qmu.Lock()
	e.queue = append(e.queue, fn)
	e.qmu.Unlock()
	e.kick()
}

// Defer schedules fn to run once the executor is released. Must be called
// while holding it.
func (e *executor) Defer(fn func()) {
	e.qmu.Lock()
	e.deferred = append(e.deferred, fn)
	e.qmu.Unlock()
}

// release drains the queue, unlocks and runs deferred work.
func (e *executor) release() {
	for {
		fn := e.pop()
		if fn == nil {
			break
		}
		fn()
	}

	e.qmu.Lock()
	deferred := e.deferred
	e.deferred = nil
	e.qmu.Unlock()

	e.mu.Unlock()

	for _, fn := range deferred {
		fn()
	}
	e.kick()
}

// kick picks up work posted while another goroutine held the executor.
func (e *executor) kick() {
	if e.pending() && e.mu.TryLock() {
		e.release()
	}
}

func (e *executor) pop() func() {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	if len(e.queue) == 0 {
		return nil
	}
	fn := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	return fn
}

func (e *executor) pending() bool {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	return len(e.queue) > 0
}
