package master

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"modbus-tagpoller/internal/address"
	"modbus-tagpoller/internal/batch"
)

// FaultPolicy selects what the poll loop does after a read fault.
type FaultPolicy uint8

const (
	// FaultRetry waits Backoff, reconnects and retries the cycle.
	FaultRetry FaultPolicy = iota
	// FaultStop ends the loop; Connect must be called again.
	FaultStop
)

func (p FaultPolicy) String() string {
	if p == FaultStop {
		return "stop"
	}
	return "retry"
}

// ParseFaultPolicy accepts "retry" (or empty) and "stop".
func ParseFaultPolicy(s string) (FaultPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "retry":
		return FaultRetry, nil
	case "stop", "terminate":
		return FaultStop, nil
	default:
		return 0, fmt.Errorf("%w: unknown fault policy %q", ErrConfiguration, s)
	}
}

const (
	DefaultPollPeriod = 250 * time.Millisecond
	DefaultBackoff    = time.Second
	DefaultUnitID     = 1
)

// Config is consumed once by New.
type Config struct {
	PollPeriod   time.Duration
	MaxCoils     uint16
	MaxRegisters uint16
	AllowGaps    bool
	UnitID       uint8

	FaultPolicy FaultPolicy
	Backoff     time.Duration

	// RejectAliases refuses a second tag at an already registered address.
	RejectAliases bool
	// OptimisticWrites stores a written value in the tag as soon as the
	// write succeeds instead of waiting for the next poll to confirm it.
	OptimisticWrites bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		PollPeriod:   DefaultPollPeriod,
		MaxCoils:     batch.MaxCoils,
		MaxRegisters: batch.MaxRegisters,
		AllowGaps:    true,
		UnitID:       DefaultUnitID,
		FaultPolicy:  FaultRetry,
		Backoff:      DefaultBackoff,
	}
}

func (c *Config) applyDefaults() {
	if c.PollPeriod <= 0 {
		c.PollPeriod = DefaultPollPeriod
	}
	if c.MaxCoils == 0 {
		c.MaxCoils = batch.MaxCoils
	}
	if c.MaxRegisters == 0 {
		c.MaxRegisters = batch.MaxRegisters
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
}

// Validate checks the request ceilings against the protocol limits.
func (c Config) Validate() error {
	if c.MaxCoils > batch.MaxCoils {
		return fmt.Errorf("%w: max coils %d exceeds %d", ErrConfiguration, c.MaxCoils, batch.MaxCoils)
	}
	if c.MaxRegisters > batch.MaxRegisters {
		return fmt.Errorf("%w: max registers %d exceeds %d", ErrConfiguration, c.MaxRegisters, batch.MaxRegisters)
	}
	if c.FaultPolicy > FaultStop {
		return fmt.Errorf("%w: unknown fault policy %d", ErrConfiguration, c.FaultPolicy)
	}
	return nil
}

func (c Config) limits() batch.Limits {
	return batch.Limits{Coils: c.MaxCoils, Registers: c.MaxRegisters}
}

// Observer receives engine measurements. Implementations must be cheap and
// safe for concurrent use.
type Observer interface {
	CycleCompleted(d time.Duration, items int)
	ReadCompleted(table address.Table, d time.Duration, err error)
	WriteCompleted(table address.Table, err error)
	StateChanged(s State)
	PlanRebuilt(tags, items int)
	EventsDropped(n int)
}

type nopObserver struct{}

func (nopObserver) CycleCompleted(time.Duration, int)                 {}
func (nopObserver) ReadCompleted(address.Table, time.Duration, error) {}
func (nopObserver) WriteCompleted(address.Table, error)               {}
func (nopObserver) StateChanged(State)                                {}
func (nopObserver) PlanRebuilt(int, int)                              {}
func (nopObserver) EventsDropped(int)                                 {}

// Option customises a Master.
type Option func(*Master)

// WithLogger sets the logger; the default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Master) { m.log = l.With().Str("component", "master").Logger() }
}

// WithObserver installs a metrics observer.
func WithObserver(o Observer) Option {
	return func(m *Master) {
		if o != nil {
			m.obs = o
		}
	}
}
