// Package master runs the poll engine for one controller: it keeps the tag
// registry, derives the batched read plan, polls on a fixed cadence and
// writes tags through on demand.
package master

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"modbus-tagpoller/internal/address"
	"modbus-tagpoller/internal/batch"
	"modbus-tagpoller/internal/codec"
	"modbus-tagpoller/internal/tag"
)

// Master owns one Transport. Register, Unregister, Write, Connect and
// Disconnect are safe to call from any goroutine, including while the poll
// loop runs.
type Master struct {
	cfg Config
	log zerolog.Logger
	obs Observer

	// connMu is held only around a single transport call.
	connMu sync.Mutex
	tr     Transport

	regMu   sync.RWMutex
	tags    []tag.Handle
	byTable map[address.Table]map[uint16][]tag.Handle
	byName  map[string]tag.Handle
	items   []*batch.WorkItem

	stateMu sync.RWMutex
	state   State
	err     error

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	changes hub[tag.Change]
	states  hub[StateEvent]
}

// New validates cfg and returns a disconnected Master.
func New(tr Transport, cfg Config, opts ...Option) (*Master, error) {
	if tr == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrConfiguration)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Master{
		cfg:     cfg,
		log:     zerolog.Nop(),
		obs:     nopObserver{},
		tr:      tr,
		byTable: make(map[address.Table]map[uint16][]tag.Handle),
		byName:  make(map[string]tag.Handle),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Config returns the effective configuration.
func (m *Master) Config() Config { return m.cfg }

// Register validates h, makes the master its owner and rebuilds the read
// plan. The new plan is used from the next poll cycle on.
func (m *Master) Register(h tag.Handle) error {
	if err := m.validate(h); err != nil {
		return err
	}
	a := h.Address()

	m.regMu.Lock()
	defer m.regMu.Unlock()

	if slices.Contains(m.tags, h) {
		return fmt.Errorf("%w: tag %q already registered", ErrConfiguration, h.Name())
	}
	if name := h.Name(); name != "" {
		if _, dup := m.byName[name]; dup {
			return fmt.Errorf("%w: duplicate tag name %q", ErrConfiguration, name)
		}
	}
	if m.cfg.RejectAliases && len(m.byTable[a.Table][a.Index]) > 0 {
		return fmt.Errorf("%w: %s already has a tag", ErrConfiguration, a)
	}
	if err := h.Attach(m); err != nil {
		return fmt.Errorf("%w: tag %q: %v", ErrConfiguration, h.Name(), err)
	}

	m.tags = append(m.tags, h)
	idx := m.byTable[a.Table]
	if idx == nil {
		idx = make(map[uint16][]tag.Handle)
		m.byTable[a.Table] = idx
	}
	idx[a.Index] = append(idx[a.Index], h)
	if h.Name() != "" {
		m.byName[h.Name()] = h
	}
	m.rebuildLocked()
	m.log.Debug().Str("tag", h.Name()).Str("address", a.String()).Str("type", h.Kind().String()).Msg("tag registered")
	return nil
}

// Unregister stops polling h and releases it.
func (m *Master) Unregister(h tag.Handle) error {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	i := slices.Index(m.tags, h)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrNotRegistered, h.Name())
	}
	m.tags = slices.Delete(m.tags, i, i+1)

	a := h.Address()
	if idx := m.byTable[a.Table]; idx != nil {
		rest := slices.DeleteFunc(idx[a.Index], func(o tag.Handle) bool { return o == h })
		if len(rest) == 0 {
			delete(idx, a.Index)
		} else {
			idx[a.Index] = rest
		}
	}
	if m.byName[h.Name()] == h {
		delete(m.byName, h.Name())
	}
	h.Detach(m)
	m.rebuildLocked()
	m.log.Debug().Str("tag", h.Name()).Msg("tag unregistered")
	return nil
}

func (m *Master) validate(h tag.Handle) error {
	if h == nil {
		return fmt.Errorf("%w: nil tag", ErrConfiguration)
	}
	a := h.Address()
	isBool := h.Kind() == codec.Bool
	if isBool != a.Table.IsBit() {
		return fmt.Errorf("%w: tag %q of type %s cannot live in %s", ErrConfiguration, h.Name(), h.Kind(), a.Table)
	}
	if int(a.Index)+int(h.Width()) > 1<<16 {
		return fmt.Errorf("%w: tag %q at %s runs past the end of the table", ErrConfiguration, h.Name(), a)
	}
	if limit := m.cfg.limits().For(a.Table); h.Width() > limit {
		return fmt.Errorf("%w: tag %q spans %d units, request ceiling is %d", ErrConfiguration, h.Name(), h.Width(), limit)
	}
	return nil
}

func (m *Master) rebuildLocked() {
	m.items = batch.Build(m.tags, m.cfg.limits(), m.cfg.AllowGaps)
	m.obs.PlanRebuilt(len(m.tags), len(m.items))
}

// snapshot returns the read plan for one cycle.
func (m *Master) snapshot() []*batch.WorkItem {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	return m.items
}

// WorkItems returns the current read plan. Callers must not modify it.
func (m *Master) WorkItems() []*batch.WorkItem {
	return slices.Clone(m.snapshot())
}

// Tags returns the registered tags in registration order.
func (m *Master) Tags() []tag.Handle {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	return slices.Clone(m.tags)
}

// Lookup finds a registered tag by name.
func (m *Master) Lookup(name string) (tag.Handle, bool) {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	h, ok := m.byName[name]
	return h, ok
}

func (m *Master) registered(h tag.Handle) bool {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	return slices.Contains(m.tags, h)
}

// Write encodes v and writes it through m. It is the generic form of
// Tag.Set.
func Write[T codec.Value](ctx context.Context, m *Master, t *tag.Tag[T], v T) error {
	return m.WriteTag(ctx, t, codec.Encode(v))
}

// SetByName converts v to the named tag's type and writes it.
func (m *Master) SetByName(ctx context.Context, name string, v any) error {
	h, ok := m.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	if err := h.SetAny(ctx, v); err != nil {
		if classified(err) || errors.Is(err, tag.ErrDetached) {
			return err
		}
		// Anything else failed to convert v.
		return fmt.Errorf("%w: %s: %v", ErrConfiguration, name, err)
	}
	return nil
}

// WriteTag issues one write for h: a single-coil write for bool tags and a
// multi-register write of the encoded words otherwise. It does not wait for
// the poll loop but needs the master Connected; a disconnected master
// returns ErrConnection without touching the transport. Errors are returned
// to the caller.
func (m *Master) WriteTag(ctx context.Context, h tag.Handle, data []byte) error {
	if !m.registered(h) {
		return fmt.Errorf("%w: %q", ErrNotRegistered, h.Name())
	}
	a := h.Address()
	if !a.Table.Writable() {
		return fmt.Errorf("%w: %s is read-only", ErrConfiguration, a)
	}
	if len(data) != h.Kind().Size() {
		return fmt.Errorf("%w: %d bytes for %s tag %q", ErrConfiguration, len(data), h.Kind(), h.Name())
	}

	var err error
	m.connMu.Lock()
	if m.State() != Connected {
		m.connMu.Unlock()
		return fmt.Errorf("%w: %s: master is disconnected", ErrConnection, a)
	}
	if h.Kind() == codec.Bool {
		err = m.tr.WriteSingleCoil(ctx, m.cfg.UnitID, a.Index, data[0] != 0)
	} else {
		err = m.tr.WriteMultipleRegisters(ctx, m.cfg.UnitID, a.Index, codec.Words(data))
	}
	m.connMu.Unlock()

	m.obs.WriteCompleted(a.Table, err)
	if err != nil {
		m.log.Warn().Err(err).Str("tag", h.Name()).Msg("write failed")
		return fmt.Errorf("write %s: %w", a, wrapKind(err, ErrIO))
	}
	if m.cfg.OptimisticWrites {
		if c, ok := h.Store(data, time.Now()); ok {
			m.emit([]tag.Change{c})
		}
	}
	return nil
}

// State returns the connection state.
func (m *Master) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// Err returns the fault that last moved the master to Disconnected.
func (m *Master) Err() error {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.err
}

func (m *Master) setState(s State, err error) {
	m.stateMu.Lock()
	prev := m.state
	m.state = s
	m.err = err
	m.stateMu.Unlock()
	if prev == s {
		return
	}
	m.obs.StateChanged(s)
	if n := m.states.publish(StateEvent{State: s, Err: err, At: time.Now()}); n > 0 {
		m.obs.EventsDropped(n)
	}
}

// Changes subscribes to tag value changes. Events are delivered without
// blocking the poll loop; when the channel buffer is full the event is
// dropped for that subscriber. The returned func unsubscribes and closes
// the channel.
func (m *Master) Changes(buffer int) (<-chan tag.Change, func()) {
	return m.changes.subscribe(buffer)
}

// States subscribes to connection state transitions.
func (m *Master) States(buffer int) (<-chan StateEvent, func()) {
	return m.states.subscribe(buffer)
}

func (m *Master) emit(changes []tag.Change) {
	for _, c := range changes {
		if n := m.changes.publish(c); n > 0 {
			m.obs.EventsDropped(n)
		}
	}
}

// Close disconnects and closes every subscription channel.
func (m *Master) Close() error {
	err := m.Disconnect()
	m.changes.close()
	m.states.close()
	return err
}
