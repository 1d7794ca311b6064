package relay

import (
	"log"
	"sync"
)

// outbox runs queued tasks one at a time, in the order they were queued, on a
// dedicated goroutine. Push never blocks: the queue is unbounded, so a slow
// collaborator can delay its own work but never a routing decision.
type outbox struct {
	name string

	mu     sync.Mutex
	queue  []func()
	closed bool

	notify chan struct{}
	done   chan struct{}
}

func newOutbox(name string) *outbox {
	o := &outbox{
		name:   name,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go o.run()
	return o
}

// Push queues fn. Tasks pushed after Close are dropped.
func (o *outbox) Push(fn func()) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		log.Printf("relay: %s outbox closed, dropping task", o.name)
		return
	}
	o.queue = append(o.queue, fn)
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// Close stops accepting tasks and waits until every queued task has run.
func (o *outbox) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		<-o.done
		return
	}
	o.closed = true
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	<-o.done
}

func (o *outbox) run() {
	defer close(o.done)
	for {
		o.mu.Lock()
		batch := o.queue
		o.queue = nil
		closed := o.closed
		o.mu.Unlock()

		for _, fn := range batch {
			o.exec(fn)
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-o.notify
	}
}

func (o *outbox) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("relay: %s outbox task panicked: %v", o.name, r)
		}
	}()
	fn()
}
