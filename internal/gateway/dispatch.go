package gateway

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fiberperu/voucherbot/internal/whatsapp"
	"github.com/fiberperu/voucherbot/pkg/logger"
	"github.com/fiberperu/voucherbot/pkg/metrics"
)

// Handler consumes normalized inbound events. Implemented by the dialog
// state machine.
type Handler interface {
	HandleEvent(ctx context.Context, ev whatsapp.InboundEvent)
}

// Dispatcher serializes event handling per conversation key (sender phone)
// while letting different conversations run concurrently. Two events for the
// same phone racing through the state machine could corrupt dialog state or
// double-finalize a payment.
type Dispatcher struct {
	handler Handler
	logger  *logger.Logger

	mu     sync.Mutex
	queues map[string][]whatsapp.InboundEvent
	wg     sync.WaitGroup
}

// NewDispatcher creates a per-key serializing dispatcher.
func NewDispatcher(handler Handler, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		handler: handler,
		logger:  log,
		queues:  make(map[string][]whatsapp.InboundEvent),
	}
}

// Enqueue adds an event to its conversation's queue and starts a drainer for
// the key if none is running. It returns immediately: the webhook response
// must never wait on downstream work.
func (d *Dispatcher) Enqueue(ev whatsapp.InboundEvent) {
	d.mu.Lock()
	queue, active := d.queues[ev.Phone]
	d.queues[ev.Phone] = append(queue, ev)
	d.mu.Unlock()

	metrics.DispatchQueueDepth.Inc()
	if active {
		// A drainer already owns this key.
		return
	}
	d.wg.Add(1)
	go d.drain(ev.Phone)
}

// drain processes a key's queue in FIFO order until it is empty, then
// releases the key.
func (d *Dispatcher) drain(phone string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		queue := d.queues[phone]
		if len(queue) == 0 {
			delete(d.queues, phone)
			d.mu.Unlock()
			return
		}
		ev := queue[0]
		d.queues[phone] = queue[1:]
		d.mu.Unlock()

		metrics.DispatchQueueDepth.Dec()
		d.handle(ev)
	}
}

func (d *Dispatcher) handle(ev whatsapp.InboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in event handler",
				zap.String("phone", ev.Phone),
				zap.Any("panic", r))
		}
	}()
	// The webhook is already acknowledged; downstream work runs to completion
	// or logged failure with its own timeout.
	d.handler.HandleEvent(context.Background(), ev)
}

// Wait blocks until all queued events are processed. Used on shutdown and in
// tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
