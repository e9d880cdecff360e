package master

import (
	"context"
	"errors"
	"fmt"
	"time"

	"modbus-tagpoller/internal/address"
	"modbus-tagpoller/internal/batch"
)

// Connect opens the transport and starts the poll loop. Calling Connect
// while the loop runs is a no-op.
func (m *Master) Connect(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.running() {
		return nil
	}
	if err := m.open(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(loopCtx, m.done)
	return nil
}

// Open connects the transport without starting the poll loop, for one-shot
// reads with PollOnce and writes. Disconnect releases it. Open is a no-op
// while the loop runs.
func (m *Master) Open(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.running() {
		return nil
	}
	return m.open(ctx)
}

func (m *Master) open(ctx context.Context) error {
	m.connMu.Lock()
	err := m.tr.Connect(ctx)
	m.connMu.Unlock()
	if err != nil {
		err = wrapKind(err, ErrConnection)
		m.setState(Disconnected, err)
		return err
	}
	m.setState(Connected, nil)
	m.log.Info().Msg("connected")
	return nil
}

// running reports whether the poll loop is active. A loop that ended on a
// fault under FaultStop is cleared. Callers hold runMu.
func (m *Master) running() bool {
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		m.cancel()
		m.cancel, m.done = nil, nil
		return false
	default:
		return true
	}
}

// Disconnect stops the poll loop after its in-flight read completes and
// closes the transport.
func (m *Master) Disconnect() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel != nil {
		m.cancel()
		<-m.done
		m.cancel, m.done = nil, nil
	}

	// State flips under connMu so a concurrent write cannot reach the
	// closed transport.
	m.connMu.Lock()
	err := m.tr.Close()
	m.setState(Disconnected, nil)
	m.connMu.Unlock()

	m.log.Info().Msg("disconnected")
	return err
}

// PollOnce runs a single cycle on the calling goroutine and returns the
// first read fault. It needs a connection from Open and fails with
// ErrLoopRunning while the poll loop owns the work items. A fault does not
// change the connection state.
func (m *Master) PollOnce(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.running() {
		return ErrLoopRunning
	}
	if m.State() != Connected {
		return fmt.Errorf("%w: master is disconnected", ErrConnection)
	}
	return m.cycle(ctx)
}

func (m *Master) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		start := time.Now()
		err := m.cycle(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.setState(Disconnected, err)
			m.log.Warn().Err(err).Str("policy", m.cfg.FaultPolicy.String()).Msg("poll fault")
			if m.cfg.FaultPolicy == FaultStop {
				m.connMu.Lock()
				_ = m.tr.Close()
				m.connMu.Unlock()
				return
			}
			if !m.reconnect(ctx) {
				return
			}
			continue
		}

		elapsed := time.Since(start)
		m.obs.CycleCompleted(elapsed, len(m.snapshot()))
		if rest := m.cfg.PollPeriod - elapsed; rest > 0 {
			if !sleep(ctx, rest) {
				return
			}
		} else {
			m.log.Debug().Dur("elapsed", elapsed).Msg("poll cycle overran period")
		}
	}
}

// cycle reads every work item in plan order and decodes each one right
// after its read. Cancellation is checked between items only.
func (m *Master) cycle(ctx context.Context) error {
	for _, w := range m.snapshot() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.read(context.WithoutCancel(ctx), w); err != nil {
			return err
		}
		m.emit(w.Decode(time.Now()))
	}
	return nil
}

func (m *Master) read(ctx context.Context, w *batch.WorkItem) error {
	var (
		bits  []bool
		words []uint16
		err   error
	)
	start := time.Now()
	unit := m.cfg.UnitID

	m.connMu.Lock()
	switch w.Table {
	case address.Coils:
		bits, err = m.tr.ReadCoils(ctx, unit, w.Start, w.Count)
	case address.DiscreteInputs:
		bits, err = m.tr.ReadDiscreteInputs(ctx, unit, w.Start, w.Count)
	case address.InputRegisters:
		words, err = m.tr.ReadInputRegisters(ctx, unit, w.Start, w.Count)
	default:
		words, err = m.tr.ReadHoldingRegisters(ctx, unit, w.Start, w.Count)
	}
	m.connMu.Unlock()

	if err == nil {
		if w.Table.IsBit() {
			err = w.FillBits(bits)
		} else {
			err = w.FillWords(words)
		}
		if errors.Is(err, batch.ErrShortReply) {
			err = fmt.Errorf("%w: %v", ErrProtocol, err)
		}
	}
	m.obs.ReadCompleted(w.Table, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("read %s: %w", w, wrapKind(err, ErrIO))
	}
	return nil
}

// reconnect retries the transport every Backoff until it connects or ctx
// ends.
func (m *Master) reconnect(ctx context.Context) bool {
	for attempt := 1; ; attempt++ {
		if !sleep(ctx, m.cfg.Backoff) {
			return false
		}
		m.connMu.Lock()
		_ = m.tr.Close()
		err := m.tr.Connect(ctx)
		m.connMu.Unlock()
		if err == nil {
			m.setState(Connected, nil)
			m.log.Info().Int("attempt", attempt).Msg("reconnected")
			return true
		}
		err = wrapKind(err, ErrConnection)
		m.setState(Disconnected, err)
		m.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
