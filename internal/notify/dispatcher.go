package notify

import (
	"context"
	"time"

	"codeberg.org/mutker/ipmifanctl/internal/logger"
)

const (
	defaultQueueSize = 8
	deliveryTimeout  = 10 * time.Second
)

// Dispatcher queues messages and delivers them from its own goroutine so a
// slow or failing notifier never blocks a control tick.
type Dispatcher struct {
	next   Notifier
	queue  chan Message
	logger logger.Logger
}

func NewDispatcher(next Notifier, size int, log logger.Logger) *Dispatcher {
	if size <= 0 {
		size = defaultQueueSize
	}

	return &Dispatcher{
		next:   next,
		queue:  make(chan Message, size),
		logger: log,
	}
}

// Notify enqueues msg. It never blocks; when the queue is full the message is
// dropped with a warning.
func (d *Dispatcher) Notify(_ context.Context, msg Message) error {
	select {
	case d.queue <- msg:
	default:
		d.logger.Warn().
			Str("direction", string(msg.Direction)).
			Int("speed", int(msg.Speed)).
			Msg("Notification queue full, dropping message")
	}

	return nil
}

// Run delivers queued messages until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-d.queue:
			d.deliver(ctx, msg)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	if err := d.next.Notify(ctx, msg); err != nil {
		d.logger.Warn().Err(err).Str("direction", string(msg.Direction)).Msg("Notification failed")
		return
	}

	d.logger.Info().
		Str("direction", string(msg.Direction)).
		Int("speed", int(msg.Speed)).
		Msg("Sent notification")
}
