package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"librarycatalog/internal/util"
)

// ErrDispatcherFull is returned by Enqueue when the buffer has no room.
var ErrDispatcherFull = errors.New("notify: dispatcher buffer full")

// DispatcherConfig tunes Dispatcher. Zero values select defaults.
type DispatcherConfig struct {
	Workers int
	Buffer  int
	Timeout time.Duration
}

// Dispatcher hands messages to a Sender on background workers. Enqueue never
// blocks; overflow and send failures are logged and dropped.
type Dispatcher struct {
	sender  Sender
	queue   chan Message
	workers int
	timeout time.Duration

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

func NewDispatcher(sender Sender, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		sender:  sender,
		queue:   make(chan Message, cfg.Buffer),
		workers: cfg.Workers,
		timeout: cfg.Timeout,
	}
}

// Enqueue schedules msg for delivery.
func (d *Dispatcher) Enqueue(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	select {
	case d.queue <- msg:
		return nil
	default:
		d.dropped.Add(1)
		util.LoggerFromContext(ctx).Warn("notification dropped", "to", msg.To, "subject", msg.Subject, "err", ErrDispatcherFull)
		return ErrDispatcherFull
	}
}

// Run delivers queued messages until ctx is cancelled, then drains what is
// already buffered before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			d.work(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case msg := <-d.queue:
			d.deliver(context.WithoutCancel(ctx), msg)
		case <-ctx.Done():
			for {
				select {
				case msg := <-d.queue:
					d.deliver(context.WithoutCancel(ctx), msg)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.sender.Send(ctx, msg); err != nil {
		d.failed.Add(1)
		slog.Warn("notification failed", "to", msg.To, "subject", msg.Subject, "err", err)
		return
	}
	d.sent.Add(1)
}

// Stats reports delivery counters.
func (d *Dispatcher) Stats() (sent, failed, dropped int64) {
	return d.sent.Load(), d.failed.Load(), d.dropped.Load()
}
