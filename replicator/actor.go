package replicator

import (
	"sync"

	"github.com/couchbaselabs/morse/base"
)

// actor is a serial mailbox: enqueued functions run one at a time, in enqueue
// order per sender, on the actor's own goroutine. Handlers never block on I/O;
// anything slow is done off-actor and its result enqueued back.
type actor struct {
	name string

	lock    sync.Mutex
	queue   []func()
	running bool
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func newActor(name string) *actor {
	a := &actor{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

// enqueue schedules fn on the actor. Enqueues after stop are dropped.
func (a *actor) enqueue(fn func()) {
	a.lock.Lock()
	if a.stopped {
		a.lock.Unlock()
		return
	}
	a.queue = append(a.queue, fn)
	a.lock.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// enqueueSync schedules fn and waits for it to finish. Used by BLIP handlers
// that must produce a response from actor-owned state.
func (a *actor) enqueueSync(fn func()) {
	doneCh := make(chan struct{})
	a.enqueue(func() {
		defer close(doneCh)
		fn()
	})
	select {
	case <-doneCh:
	case <-a.done:
	}
}

// stop ends the actor after the currently queued work drains.
func (a *actor) stop() {
	a.lock.Lock()
	if a.stopped {
		a.lock.Unlock()
		return
	}
	a.stopped = true
	a.lock.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *actor) run() {
	defer close(a.done)
	for {
		a.lock.Lock()
		queue := a.queue
		a.queue = nil
		stopped := a.stopped
		a.lock.Unlock()

		for _, fn := range queue {
			a.invoke(fn)
		}
		if stopped {
			a.lock.Lock()
			remaining := len(a.queue)
			a.lock.Unlock()
			if remaining == 0 {
				return
			}
			continue
		}
		<-a.wake
	}
}

func (a *actor) invoke(fn func()) {
	defer func() {
		if panicked := recover(); panicked != nil {
			base.Errorf(base.KeyReplicate, "PANIC in actor %q handler: %v", a.name, panicked)
		}
	}()
	fn()
}
