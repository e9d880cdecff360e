package publish

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"modbus-tagpoller/internal/tag"
)

// DefaultTimeout bounds a single Publish call.
const DefaultTimeout = 5 * time.Second

// Dispatcher drains a change subscription and hands each change to every
// publisher in order. A failing publisher is logged and does not stop the
// others.
type Dispatcher struct {
	pubs     []Publisher
	deadband *Deadband
	timeout  time.Duration
	log      zerolog.Logger
	report   func(publisher string, err error)
}

type Option func(*Dispatcher)

func WithDeadband(d *Deadband) Option {
	return func(x *Dispatcher) { x.deadband = d }
}

func WithTimeout(t time.Duration) Option {
	return func(x *Dispatcher) {
		if t > 0 {
			x.timeout = t
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(x *Dispatcher) { x.log = l.With().Str("component", "publish").Logger() }
}

// WithReporter registers a callback invoked after every Publish call.
func WithReporter(fn func(publisher string, err error)) Option {
	return func(x *Dispatcher) { x.report = fn }
}

func NewDispatcher(pubs []Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pubs:    pubs,
		timeout: DefaultTimeout,
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Publishers returns the configured sinks.
func (d *Dispatcher) Publishers() []Publisher { return d.pubs }

// Run blocks until ctx is done or changes is closed.
func (d *Dispatcher) Run(ctx context.Context, changes <-chan tag.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			d.Dispatch(ctx, FromChange(c))
		}
	}
}

// Dispatch delivers e to every publisher and returns how many accepted it.
// Events held back by the deadband return 0.
func (d *Dispatcher) Dispatch(ctx context.Context, e Event) int {
	if !d.deadband.Pass(e) {
		return 0
	}
	n := 0
	for _, p := range d.pubs {
		pctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := p.Publish(pctx, e)
		cancel()
		if d.report != nil {
			d.report(p.Name(), err)
		}
		if err != nil {
			d.log.Warn().Err(err).Str("publisher", p.Name()).Str("tag", e.Tag).Msg("publish failed")
			continue
		}
		n++
	}
	return n
}

// Close closes every publisher.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, p := range d.pubs {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
