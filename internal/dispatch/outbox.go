package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// delivery is one queued event publish or alert send.
type delivery struct {
	kind   string
	send   func(ctx context.Context) error
	fields []zap.Field
}

// outbox hands events and alerts to a single sender goroutine so a slow
// bus or chat adapter never holds up a dispatch pass. Every send gets its
// own deadline. A full queue drops the delivery with a warning.
type outbox struct {
	jobs    chan delivery
	timeout time.Duration

	mu      sync.Mutex
	idle    *sync.Cond
	queued  int
	dropped int
	closed  bool

	done   chan struct{}
	logger *zap.Logger
}

func newOutbox(size int, timeout time.Duration, logger *zap.Logger) *outbox {
	o := &outbox{
		jobs:    make(chan delivery, size),
		timeout: timeout,
		done:    make(chan struct{}),
		logger:  logger,
	}
	o.idle = sync.NewCond(&o.mu)
	go o.run()
	return o
}

func (o *outbox) enqueue(d delivery) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		o.logger.Warn(d.kind+" dropped, outbox closed", d.fields...)
		return
	}
	select {
	case o.jobs <- d:
		o.queued++
	default:
		o.dropped++
		o.logger.Warn(d.kind+" dropped, outbox full",
			append(d.fields, zap.Int("dropped", o.dropped))...)
	}
}

func (o *outbox) run() {
	defer close(o.done)
	for d := range o.jobs {
		o.deliver(d)
		o.mu.Lock()
		o.queued--
		if o.queued == 0 {
			o.idle.Broadcast()
		}
		o.mu.Unlock()
	}
}

func (o *outbox) deliver(d delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	if err := d.send(ctx); err != nil {
		o.logger.Warn(d.kind+" failed", append(d.fields, zap.Error(err))...)
	}
}

// flush blocks until every queued delivery has been attempted.
func (o *outbox) flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for o.queued > 0 {
		o.idle.Wait()
	}
}

// close drains the queue and stops the sender. It is safe to call twice.
func (o *outbox) close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		<-o.done
		return
	}
	o.closed = true
	close(o.jobs)
	o.mu.Unlock()
	<-o.done
}
