package master

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"modbus-tagpoller/internal/address"
	"modbus-tagpoller/internal/codec"
	"modbus-tagpoller/internal/tag"
)

type writeCall struct {
	coil  bool
	addr  uint16
	value bool
	words []uint16
}

// fakeTransport is an in-memory controller.
type fakeTransport struct {
	mu         sync.Mutex
	coils      map[uint16]bool
	discrete   map[uint16]bool
	holding    map[uint16]uint16
	input      map[uint16]uint16
	reads      []string
	writes     []writeCall
	failReads  int
	readErr    error
	writeErr   error
	connectErr error
	connects   int
	closes     int
}

func newFake() *fakeTransport {
	return &fakeTransport{
		coils:    map[uint16]bool{},
		discrete: map[uint16]bool{},
		holding:  map[uint16]uint16{},
		input:    map[uint16]uint16{},
	}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) fail() error {
	if f.failReads > 0 {
		f.failReads--
		return f.readErr
	}
	return nil
}

func (f *fakeTransport) bits(src map[uint16]bool, name string, start, count uint16) ([]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, fmt.Sprintf("%s %d %d", name, start, count))
	if err := f.fail(); err != nil {
		return nil, err
	}
	out := make([]bool, count)
	for i := range out {
		out[i] = src[start+uint16(i)]
	}
	return out, nil
}

func (f *fakeTransport) words(src map[uint16]uint16, name string, start, count uint16) ([]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, fmt.Sprintf("%s %d %d", name, start, count))
	if err := f.fail(); err != nil {
		return nil, err
	}
	out := make([]uint16, count)
	for i := range out {
		out[i] = src[start+uint16(i)]
	}
	return out, nil
}

func (f *fakeTransport) ReadCoils(_ context.Context, _ uint8, start, count uint16) ([]bool, error) {
	return f.bits(f.coils, "coils", start, count)
}

func (f *fakeTransport) ReadDiscreteInputs(_ context.Context, _ uint8, start, count uint16) ([]bool, error) {
	return f.bits(f.discrete, "discrete", start, count)
}

func (f *fakeTransport) ReadHoldingRegisters(_ context.Context, _ uint8, start, count uint16) ([]uint16, error) {
	return f.words(f.holding, "holding", start, count)
}

func (f *fakeTransport) ReadInputRegisters(_ context.Context, _ uint8, start, count uint16) ([]uint16, error) {
	return f.words(f.input, "input", start, count)
}

func (f *fakeTransport) WriteSingleCoil(_ context.Context, _ uint8, addr uint16, value bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, writeCall{coil: true, addr: addr, value: value})
	if f.writeErr != nil {
		return f.writeErr
	}
	f.coils[addr] = value
	return nil
}

func (f *fakeTransport) WriteMultipleRegisters(_ context.Context, _ uint8, start uint16, words []uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, writeCall{addr: start, words: append([]uint16(nil), words...)})
	if f.writeErr != nil {
		return f.writeErr
	}
	for i, w := range words {
		f.holding[start+uint16(i)] = w
	}
	return nil
}

func (f *fakeTransport) setHolding(addr uint16, words ...uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, w := range words {
		f.holding[addr+uint16(i)] = w
	}
}

func (f *fakeTransport) failNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failReads = n
	f.readErr = err
}

func (f *fakeTransport) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reads)
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func newTestMaster(t *testing.T, tr Transport, mutate func(*Config)) *Master {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PollPeriod = 5 * time.Millisecond
	cfg.Backoff = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(tr, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func mustRegister(t *testing.T, m *Master, hs ...tag.Handle) {
	t.Helper()
	for _, h := range hs {
		if err := m.Register(h); err != nil {
			t.Fatalf("Register(%s) failed: %v", h.Name(), err)
		}
	}
}

func mustOpen(t *testing.T, m *Master) {
	t.Helper()
	if err := m.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewRejectsCeilingsAboveProtocol(t *testing.T) {
	for _, cfg := range []Config{
		{MaxCoils: 2001},
		{MaxRegisters: 126},
	} {
		if _, err := New(newFake(), cfg); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("expected ErrConfiguration for %+v, got %v", cfg, err)
		}
	}
	if _, err := New(nil, DefaultConfig()); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for nil transport, got %v", err)
	}
	m, err := New(newFake(), Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c := m.Config(); c.PollPeriod != DefaultPollPeriod || c.MaxRegisters != 125 || c.MaxCoils != 2000 {
		t.Fatalf("defaults not applied: %+v", c)
	}
}

func TestRegisterValidation(t *testing.T) {
	m := newTestMaster(t, newFake(), func(c *Config) { c.MaxRegisters = 2 })
	other := newTestMaster(t, newFake(), nil)

	owned := tag.Holding[uint16]("owned", 1)
	mustRegister(t, other, owned)

	cases := map[string]tag.Handle{
		"bool in registers":  tag.New[bool]("b", address.New(address.HoldingRegisters, 0)),
		"number in coils":    tag.New[uint16]("n", address.New(address.Coils, 0)),
		"past end of table":  tag.Holding[uint32]("end", 65535),
		"wider than ceiling": tag.Holding[float64]("wide", 0),
		"owned by other":     owned,
	}
	for name, h := range cases {
		if err := m.Register(h); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("%s: expected ErrConfiguration, got %v", name, err)
		}
	}

	a := tag.Holding[uint16]("a", 10)
	mustRegister(t, m, a)
	if err := m.Register(a); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("double register: expected ErrConfiguration, got %v", err)
	}
	if err := m.Register(tag.Holding[uint16]("a", 11)); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("duplicate name: expected ErrConfiguration, got %v", err)
	}
	if err := m.Register(tag.Holding[int16]("alias", 10)); err != nil {
		t.Fatalf("aliases are allowed by default: %v", err)
	}
	if err := m.Register(tag.Holding[uint32]("last", 65534)); err != nil {
		t.Fatalf("tag ending at the last register rejected: %v", err)
	}
}

func TestRejectAliases(t *testing.T) {
	m := newTestMaster(t, newFake(), func(c *Config) { c.RejectAliases = true })
	mustRegister(t, m, tag.Coil("a", 4))
	if err := m.Register(tag.Coil("b", 4)); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	mustRegister(t, m, tag.DiscreteInput("c", 4))
}

func planOf(m *Master) []string {
	var out []string
	for _, w := range m.WorkItems() {
		out = append(out, w.String())
	}
	return out
}

func TestRegisterAndUnregisterRebuildPlan(t *testing.T) {
	m := newTestMaster(t, newFake(), func(c *Config) { c.AllowGaps = false })
	a := tag.Holding[uint16]("a", 0)
	b := tag.Holding[uint16]("b", 1)
	c := tag.Holding[uint16]("c", 5)
	run := tag.Coil("run", 0)
	mustRegister(t, m, c, a, run, b)

	if got := fmt.Sprint(planOf(m)); got != "[coils[0..0] holding[0..1] holding[5..5]]" {
		t.Fatalf("plan = %s", got)
	}
	if err := m.Unregister(b); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if got := fmt.Sprint(planOf(m)); got != "[coils[0..0] holding[0..0] holding[5..5]]" {
		t.Fatalf("plan after unregister = %s", got)
	}
	if b.Owner() != nil {
		t.Fatalf("owner not cleared on unregister")
	}
	if _, ok := m.Lookup("b"); ok {
		t.Fatalf("unregistered tag still found by name")
	}
	if err := m.Unregister(b); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
	if h, ok := m.Lookup("c"); !ok || h != tag.Handle(c) {
		t.Fatalf("Lookup(c) = %v, %v", h, ok)
	}
	if len(m.Tags()) != 3 {
		t.Fatalf("tags = %d, want 3", len(m.Tags()))
	}
}

func TestPollOnceDecodesInPlanOrder(t *testing.T) {
	f := newFake()
	f.coils[3] = true
	f.input[7] = 0xFFFF
	f.setHolding(100, 1, 2, 3, 4)
	m := newTestMaster(t, f, nil)

	lo := tag.Holding[uint16]("lo", 100)
	hi := tag.Holding[uint32]("hi", 102)
	run := tag.Coil("run", 3)
	neg := tag.Input[int16]("neg", 7)
	mustRegister(t, m, hi, neg, lo, run)
	mustOpen(t, m)

	changes, cancel := m.Changes(16)
	defer cancel()

	if err := m.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce failed: %v", err)
	}
	if lo.Value() != 1 || hi.Value() != 0x00040003 || !run.Value() || neg.Value() != -1 {
		t.Fatalf("values lo=%d hi=%#x run=%v neg=%d", lo.Value(), hi.Value(), run.Value(), neg.Value())
	}
	want := "[coils 3 1 input 7 1 holding 100 4]"
	if got := fmt.Sprint(f.reads); got != want {
		t.Fatalf("reads = %s, want %s", got, want)
	}
	if len(changes) != 4 {
		t.Fatalf("change events = %d, want 4", len(changes))
	}

	if err := m.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce failed: %v", err)
	}
	if len(changes) != 4 {
		t.Fatalf("unchanged poll emitted events")
	}
}

func TestWriteThroughIsNotOptimistic(t *testing.T) {
	f := newFake()
	m := newTestMaster(t, f, nil)
	flow := tag.Holding[float32]("flow", 40)
	run := tag.Coil("run", 2)
	mustRegister(t, m, flow, run)
	mustOpen(t, m)

	ctx := context.Background()
	if err := flow.Set(ctx, 12.5); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := run.Set(ctx, true); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if len(f.writes) != 2 {
		t.Fatalf("writes = %d, want 2", len(f.writes))
	}
	w := f.writes[0]
	wantWords := codec.Words(codec.Encode(float32(12.5)))
	if w.coil || w.addr != 40 || fmt.Sprint(w.words) != fmt.Sprint(wantWords) {
		t.Fatalf("register write = %+v, want addr 40 words %v", w, wantWords)
	}
	if c := f.writes[1]; !c.coil || c.addr != 2 || !c.value {
		t.Fatalf("coil write = %+v", c)
	}
	if flow.Value() != 0 || run.Value() {
		t.Fatalf("cached values changed before poll")
	}

	if err := m.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce failed: %v", err)
	}
	if flow.Value() != 12.5 || !run.Value() {
		t.Fatalf("poll did not confirm writes: flow=%v run=%v", flow.Value(), run.Value())
	}
}

func TestSetByName(t *testing.T) {
	f := newFake()
	m := newTestMaster(t, f, nil)
	mustRegister(t, m, tag.Holding[int16]("bias", 7), tag.Input[uint16]("raw", 1))
	mustOpen(t, m)
	ctx := context.Background()

	if err := m.SetByName(ctx, "bias", "-3"); err != nil {
		t.Fatalf("SetByName failed: %v", err)
	}
	if len(f.writes) != 1 || f.writes[0].addr != 7 || f.writes[0].words[0] != 0xFFFD {
		t.Fatalf("writes = %+v", f.writes)
	}
	if err := m.SetByName(ctx, "nope", 1); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("unknown tag err = %v", err)
	}
	if err := m.SetByName(ctx, "bias", 40000); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("out of range err = %v", err)
	}
	if err := m.SetByName(ctx, "raw", 1); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("read-only err = %v", err)
	}
	f.mu.Lock()
	f.writeErr = fmt.Errorf("%w: no reply", ErrTimeout)
	f.mu.Unlock()
	if err := m.SetByName(ctx, "bias", 1); !errors.Is(err, ErrTimeout) {
		t.Fatalf("transport err = %v", err)
	}
}

func TestOptimisticWrites(t *testing.T) {
	f := newFake()
	m := newTestMaster(t, f, func(c *Config) { c.OptimisticWrites = true })
	sp := tag.Holding[int64]("setpoint", 0)
	mustRegister(t, m, sp)
	mustOpen(t, m)
	changes, cancel := m.Changes(4)
	defer cancel()

	if err := Write(context.Background(), m, sp, -77); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if sp.Value() != -77 {
		t.Fatalf("value = %d, want -77", sp.Value())
	}
	select {
	case c := <-changes:
		if c.Value.(int64) != -77 {
			t.Fatalf("event value = %v", c.Value)
		}
	default:
		t.Fatalf("no change event for optimistic write")
	}
	if len(f.writes) != 1 || len(f.writes[0].words) != 4 {
		t.Fatalf("writes = %+v", f.writes)
	}
}

func TestWriteErrors(t *testing.T) {
	f := newFake()
	m := newTestMaster(t, f, nil)
	ro := tag.Input[uint16]("ro", 1)
	di := tag.DiscreteInput("di", 1)
	rw := tag.Holding[uint16]("rw", 1)
	mustRegister(t, m, ro, di, rw)
	mustOpen(t, m)
	ctx := context.Background()

	if err := ro.Set(ctx, 1); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("input register write: expected ErrConfiguration, got %v", err)
	}
	if err := di.Set(ctx, true); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("discrete input write: expected ErrConfiguration, got %v", err)
	}
	if err := m.WriteTag(ctx, tag.Holding[uint16]("stranger", 9), []byte{0, 0}); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}

	f.writeErr = errors.New("broken pipe")
	if err := rw.Set(ctx, 5); !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
	f.writeErr = fmt.Errorf("%w: slow", ErrTimeout)
	if err := rw.Set(ctx, 5); !errors.Is(err, ErrTimeout) || errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrTimeout only, got %v", err)
	}
	if len(f.writes) != 2 {
		t.Fatalf("writes = %d, want 2", len(f.writes))
	}
}

func TestPollLoopUpdatesTags(t *testing.T) {
	f := newFake()
	m := newTestMaster(t, f, nil)
	v := tag.Holding[uint16]("v", 0)
	mustRegister(t, m, v)
	seen := make(chan uint16, 8)
	v.OnChange(func(_, cur uint16) {
		select {
		case seen <- cur:
		default:
		}
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if m.State() != Connected {
		t.Fatalf("state = %s, want connected", m.State())
	}
	f.setHolding(0, 42)
	select {
	case got := <-seen:
		if got != 42 {
			t.Fatalf("observer saw %d, want 42", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no change observed")
	}

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if m.State() != Disconnected {
		t.Fatalf("state = %s after Disconnect", m.State())
	}
	n := f.readCount()
	time.Sleep(30 * time.Millisecond)
	if f.readCount() != n {
		t.Fatalf("reads continued after Disconnect")
	}
}

func TestPollPeriodPacesCycles(t *testing.T) {
	f := newFake()
	m := newTestMaster(t, f, func(c *Config) { c.PollPeriod = 40 * time.Millisecond })
	mustRegister(t, m, tag.Coil("c", 0))
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	time.Sleep(210 * time.Millisecond)
	_ = m.Disconnect()
	if n := f.readCount(); n < 2 || n > 8 {
		t.Fatalf("reads in 210ms at 40ms period = %d", n)
	}
}

func TestFaultStopHaltsLoop(t *testing.T) {
	f := newFake()
	f.setHolding(0, 9)
	m := newTestMaster(t, f, func(c *Config) { c.FaultPolicy = FaultStop })
	v := tag.Holding[uint16]("v", 0)
	mustRegister(t, m, v)
	states, cancel := m.States(8)
	defer cancel()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, "first value", func() bool { return v.Value() == 9 })

	f.failNext(1, fmt.Errorf("%w: deadline exceeded", ErrTimeout))
	waitFor(t, "disconnect", func() bool { return m.State() == Disconnected })
	if !errors.Is(m.Err(), ErrTimeout) {
		t.Fatalf("Err() = %v, want ErrTimeout", m.Err())
	}

	f.setHolding(0, 10)
	n := f.readCount()
	time.Sleep(40 * time.Millisecond)
	if f.readCount() != n {
		t.Fatalf("loop kept polling under FaultStop")
	}
	if v.Value() != 9 {
		t.Fatalf("stale value lost: %d", v.Value())
	}
	if len(m.Tags()) != 1 || len(m.WorkItems()) != 1 {
		t.Fatalf("registry changed by fault")
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	waitFor(t, "refresh after reconnect", func() bool { return v.Value() == 10 })

	var got []State
	for len(states) > 0 {
		got = append(got, (<-states).State)
	}
	if fmt.Sprint(got) != "[connected disconnected connected]" {
		t.Fatalf("state events = %v", got)
	}
}

func TestFaultRetryReconnects(t *testing.T) {
	f := newFake()
	m := newTestMaster(t, f, nil)
	v := tag.Holding[uint16]("v", 0)
	mustRegister(t, m, v)
	states, cancel := m.States(8)
	defer cancel()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	<-states // connected

	f.failNext(3, errors.New("connection reset"))
	ev := <-states
	if ev.State != Disconnected || !errors.Is(ev.Err, ErrIO) {
		t.Fatalf("first event = %+v, want disconnected with ErrIO", ev)
	}
	select {
	case ev = <-states:
		if ev.State != Connected {
			t.Fatalf("second event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("master did not reconnect")
	}
	if f.connectCount() < 2 {
		t.Fatalf("connects = %d, want at least 2", f.connectCount())
	}

	f.setHolding(0, 77)
	waitFor(t, "values after retry", func() bool { return v.Value() == 77 })
	if m.State() != Connected {
		t.Fatalf("state = %s", m.State())
	}
}

func TestRetryKeepsTryingWhileConnectFails(t *testing.T) {
	f := newFake()
	m := newTestMaster(t, f, nil)
	mustRegister(t, m, tag.Coil("c", 0))
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	f.mu.Lock()
	f.connectErr = errors.New("refused")
	f.mu.Unlock()
	f.failNext(1, fmt.Errorf("%w: eof", ErrIO))

	waitFor(t, "several reconnect attempts", func() bool { return f.connectCount() >= 4 })
	if m.State() != Disconnected || !errors.Is(m.Err(), ErrConnection) {
		t.Fatalf("state = %s err = %v", m.State(), m.Err())
	}

	f.mu.Lock()
	f.connectErr = nil
	f.mu.Unlock()
	waitFor(t, "recovery", func() bool { return m.State() == Connected })
}

func TestConnectFailure(t *testing.T) {
	f := newFake()
	f.connectErr = errors.New("no route to host")
	m := newTestMaster(t, f, nil)
	err := m.Connect(context.Background())
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if m.State() != Disconnected || !errors.Is(m.Err(), ErrConnection) {
		t.Fatalf("state = %s err = %v", m.State(), m.Err())
	}
}

func TestShortReplyIsProtocolError(t *testing.T) {
	m := newTestMaster(t, shortTransport{newFake()}, nil)
	mustRegister(t, m, tag.Holding[uint32]("x", 0))
	mustOpen(t, m)
	if err := m.PollOnce(context.Background()); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

type shortTransport struct{ *fakeTransport }

func (shortTransport) ReadHoldingRegisters(context.Context, uint8, uint16, uint16) ([]uint16, error) {
	return []uint16{1}, nil
}

func TestChangesUnsubscribeAndClose(t *testing.T) {
	m := newTestMaster(t, newFake(), nil)
	ch, cancel := m.Changes(1)
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel open after cancel")
	}
	ch2, _ := m.Changes(1)
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, ok := <-ch2; ok {
		t.Fatalf("channel open after Close")
	}
}

func TestWriteWhileDisconnected(t *testing.T) {
	f := newFake()
	m := newTestMaster(t, f, nil)
	v := tag.Holding[uint16]("v", 3)
	run := tag.Coil("run", 0)
	mustRegister(t, m, v, run)
	ctx := context.Background()

	if err := v.Set(ctx, 7); !errors.Is(err, ErrConnection) {
		t.Fatalf("write before connect: expected ErrConnection, got %v", err)
	}
	if err := m.SetByName(ctx, "run", true); !errors.Is(err, ErrConnection) {
		t.Fatalf("SetByName before connect: expected ErrConnection, got %v", err)
	}
	if len(f.writes) != 0 || f.connectCount() != 0 {
		t.Fatalf("transport touched while disconnected: writes=%d connects=%d", len(f.writes), f.connectCount())
	}

	mustOpen(t, m)
	if err := v.Set(ctx, 7); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if err := v.Set(ctx, 8); !errors.Is(err, ErrConnection) {
		t.Fatalf("write after Disconnect: expected ErrConnection, got %v", err)
	}
	if len(f.writes) != 1 || f.holding[3] != 7 {
		t.Fatalf("writes = %+v holding[3] = %d", f.writes, f.holding[3])
	}
}

func TestPollOnceNeedsIdleConnectedMaster(t *testing.T) {
	f := newFake()
	f.setHolding(0, 4)
	m := newTestMaster(t, f, nil)
	v := tag.Holding[uint16]("v", 0)
	mustRegister(t, m, v)
	ctx := context.Background()

	if err := m.PollOnce(ctx); !errors.Is(err, ErrConnection) {
		t.Fatalf("PollOnce while disconnected: expected ErrConnection, got %v", err)
	}
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := m.PollOnce(ctx); !errors.Is(err, ErrLoopRunning) {
		t.Fatalf("PollOnce with loop running: expected ErrLoopRunning, got %v", err)
	}
	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	mustOpen(t, m)
	f.setHolding(0, 5)
	if err := m.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce failed: %v", err)
	}
	if v.Value() != 5 {
		t.Fatalf("value = %d, want 5", v.Value())
	}
}

// gatedTransport blocks the first holding register read until release is
// closed, after running onRead.
type gatedTransport struct {
	*fakeTransport
	once    sync.Once
	entered chan struct{}
	release chan struct{}
	onRead  func()
}

func newGated(f *fakeTransport) *gatedTransport {
	return &gatedTransport{
		fakeTransport: f,
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (g *gatedTransport) ReadHoldingRegisters(ctx context.Context, unit uint8, start, count uint16) ([]uint16, error) {
	g.once.Do(func() {
		if g.onRead != nil {
			g.onRead()
		}
		close(g.entered)
		<-g.release
	})
	return g.fakeTransport.ReadHoldingRegisters(ctx, unit, start, count)
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func TestDisconnectFinishesInflightRead(t *testing.T) {
	f := newFake()
	f.setHolding(0, 5)
	g := newGated(f)
	m := newTestMaster(t, g, nil)
	v := tag.Holding[uint16]("v", 0)
	mustRegister(t, m, v)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	<-g.entered

	done := make(chan error, 1)
	go func() { done <- m.Disconnect() }()
	select {
	case err := <-done:
		t.Fatalf("Disconnect returned during a read: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	if f.closeCount() != 0 {
		t.Fatalf("transport closed during a read")
	}

	close(g.release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Disconnect failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Disconnect did not return after the read finished")
	}
	if v.Value() != 5 {
		t.Fatalf("in-flight read not decoded: value = %d", v.Value())
	}
	if f.closeCount() != 1 {
		t.Fatalf("closes = %d, want 1", f.closeCount())
	}
	if m.State() != Disconnected {
		t.Fatalf("state = %s", m.State())
	}
}

func TestRegisterDuringCycleAppliesNextCycle(t *testing.T) {
	f := newFake()
	f.setHolding(0, 1)
	f.setHolding(50, 9)
	g := newGated(f)
	close(g.release)
	m := newTestMaster(t, g, nil)
	a := tag.Holding[uint16]("a", 0)
	b := tag.Holding[uint16]("b", 50)
	mustRegister(t, m, a)
	g.onRead = func() {
		if err := m.Register(b); err != nil {
			t.Errorf("Register during read failed: %v", err)
		}
	}
	mustOpen(t, m)
	ctx := context.Background()

	if err := m.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce failed: %v", err)
	}
	if got := fmt.Sprint(f.reads); got != "[holding 0 1]" {
		t.Fatalf("first cycle reads = %s", got)
	}
	if a.Value() != 1 || b.Value() != 0 {
		t.Fatalf("first cycle values a=%d b=%d", a.Value(), b.Value())
	}
	if got := fmt.Sprint(planOf(m)); got != "[holding[0..50]]" {
		t.Fatalf("plan after register = %s", got)
	}

	if err := m.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce failed: %v", err)
	}
	if got := fmt.Sprint(f.reads); got != "[holding 0 1 holding 0 51]" {
		t.Fatalf("reads = %s", got)
	}
	if b.Value() != 9 {
		t.Fatalf("b = %d, want 9", b.Value())
	}
}
