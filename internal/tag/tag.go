// Package tag holds named, typed cells backed by controller memory.
//
// A Tag is created by the client and becomes live once a master registers
// it. The master attaches itself as the tag's Owner; the tag only keeps that
// narrow interface and never controls the master's lifetime.
package tag

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"modbus-tagpoller/internal/address"
	"modbus-tagpoller/internal/codec"
)

var (
	// ErrDetached is returned by Set on a tag no master has registered.
	ErrDetached = errors.New("tag is not registered with a master")
	// ErrOwned is returned by Attach when another owner holds the tag.
	ErrOwned = errors.New("tag is registered with another master")
)

// Owner receives write-through requests from its tags.
type Owner interface {
	WriteTag(ctx context.Context, h Handle, data []byte) error
}

// Change describes one observed value transition.
type Change struct {
	Tag      Handle
	Previous any
	Value    any
	At       time.Time
}

// Handle is the type-erased view of a Tag used by the batcher and master.
type Handle interface {
	Name() string
	Address() address.Address
	Kind() codec.Kind
	Width() uint16
	ValueAny() any
	UpdatedAt() time.Time
	SetAny(ctx context.Context, v any) error

	Owner() Owner
	Attach(o Owner) error
	Detach(o Owner)

	// Apply decodes the tag from buf, which holds a read that began at start.
	Apply(buf []byte, start uint16, at time.Time) (Change, bool)
	// Store replaces the cached value with an encoded value.
	Store(data []byte, at time.Time) (Change, bool)
}

// Tag is a cell of type T at a fixed address.
type Tag[T codec.Value] struct {
	name string
	addr address.Address
	kind codec.Kind

	mu        sync.RWMutex
	value     T
	updated   time.Time
	owner     Owner
	nextObs   int
	observers []observer[T]
}

type observer[T codec.Value] struct {
	id int
	fn func(prev, cur T)
}

// New creates an unregistered tag.
func New[T codec.Value](name string, addr address.Address) *Tag[T] {
	return &Tag[T]{
		name: name,
		addr: addr,
		kind: codec.KindOf[T](),
	}
}

// Coil creates a bool tag in the coil table.
func Coil(name string, index uint16) *Tag[bool] {
	return New[bool](name, address.New(address.Coils, index))
}

// DiscreteInput creates a read-only bool tag.
func DiscreteInput(name string, index uint16) *Tag[bool] {
	return New[bool](name, address.New(address.DiscreteInputs, index))
}

// Holding creates a tag in the holding register table.
func Holding[T codec.Value](name string, index uint16) *Tag[T] {
	return New[T](name, address.New(address.HoldingRegisters, index))
}

// Input creates a read-only tag in the input register table.
func Input[T codec.Value](name string, index uint16) *Tag[T] {
	return New[T](name, address.New(address.InputRegisters, index))
}

func (t *Tag[T]) Name() string             { return t.name }
func (t *Tag[T]) Address() address.Address { return t.addr }
func (t *Tag[T]) Kind() codec.Kind         { return t.kind }
func (t *Tag[T]) Width() uint16            { return t.kind.Width() }

// Value returns the last decoded value. It stays stale while the master is
// disconnected.
func (t *Tag[T]) Value() T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.value
}

func (t *Tag[T]) ValueAny() any { return t.Value() }

// UpdatedAt is the time of the last decode, zero before the first poll.
func (t *Tag[T]) UpdatedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.updated
}

// Set writes v to the controller through the owning master and blocks until
// the write completes. The cached value follows the master's write mode.
func (t *Tag[T]) Set(ctx context.Context, v T) error {
	o := t.Owner()
	if o == nil {
		return ErrDetached
	}
	return o.WriteTag(ctx, t, codec.Encode(v))
}

func (t *Tag[T]) SetAny(ctx context.Context, v any) error {
	val, err := codec.Convert[T](v)
	if err != nil {
		return err
	}
	return t.Set(ctx, val)
}

// OnChange registers fn for value transitions. Observers run in
// registration order on the poll goroutine and must not block. The returned
// func removes fn.
func (t *Tag[T]) OnChange(fn func(prev, cur T)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextObs
	t.nextObs++
	t.observers = append(t.observers, observer[T]{id: id, fn: fn})
	return func() {
		t.mu.Lock()
		t.observers = slices.DeleteFunc(t.observers, func(o observer[T]) bool { return o.id == id })
		t.mu.Unlock()
	}
}

func (t *Tag[T]) Owner() Owner {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.owner
}

func (t *Tag[T]) Attach(o Owner) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owner != nil && t.owner != o {
		return ErrOwned
	}
	t.owner = o
	return nil
}

// Detach clears the owner if it is o.
func (t *Tag[T]) Detach(o Owner) {
	t.mu.Lock()
	if t.owner == o {
		t.owner = nil
	}
	t.mu.Unlock()
}

func (t *Tag[T]) Apply(buf []byte, start uint16, at time.Time) (Change, bool) {
	v := codec.Decode[T](buf, codec.ByteOffset(t.kind, t.addr.Index, start))
	return t.store(v, at)
}

func (t *Tag[T]) Store(data []byte, at time.Time) (Change, bool) {
	return t.store(codec.Decode[T](data, 0), at)
}

func (t *Tag[T]) store(v T, at time.Time) (Change, bool) {
	t.mu.Lock()
	prev := t.value
	t.value = v
	t.updated = at
	if same(prev, v) {
		t.mu.Unlock()
		return Change{}, false
	}
	obs := slices.Clone(t.observers)
	t.mu.Unlock()

	for _, o := range obs {
		o.fn(prev, v)
	}
	return Change{Tag: t, Previous: prev, Value: v, At: at}, true
}

// same treats NaN as equal to NaN so a stuck NaN reading is not a change.
func same[T codec.Value](a, b T) bool {
	return a == b || (a != a && b != b)
}
