// Package batch groups tags into the fewest protocol-legal read requests.
package batch

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"modbus-tagpoller/internal/address"
	"modbus-tagpoller/internal/codec"
	"modbus-tagpoller/internal/tag"
)

// Protocol ceilings for a single read request.
const (
	MaxCoils     = 2000
	MaxRegisters = 125
)

// ErrShortReply is returned when a reply carries fewer units than requested.
var ErrShortReply = errors.New("short reply")

// Limits caps the units per request for bit tables and register tables.
type Limits struct {
	Coils     uint16
	Registers uint16
}

// DefaultLimits returns the protocol ceilings.
func DefaultLimits() Limits {
	return Limits{Coils: MaxCoils, Registers: MaxRegisters}
}

// For returns the ceiling that applies to t.
func (l Limits) For(t address.Table) uint16 {
	if t.IsBit() {
		return l.Coils
	}
	return l.Registers
}

// WorkItem is one batched read covering Count units from Start. Tags are
// sorted by address and every tag's range lies inside the item.
type WorkItem struct {
	Table address.Table
	Start uint16
	Count uint16
	Tags  []tag.Handle

	buf []byte
}

// End returns the first unit past the item.
func (w *WorkItem) End() int {
	return int(w.Start) + int(w.Count)
}

// Covers reports whether the unit range of h lies inside the item.
func (w *WorkItem) Covers(h tag.Handle) bool {
	a := h.Address()
	return a.Table == w.Table &&
		a.Index >= w.Start &&
		int(a.Index)+int(h.Width()) <= w.End()
}

// Buffer exposes the last reply in decode layout.
func (w *WorkItem) Buffer() []byte {
	return w.buf
}

// FillBits stores a coil or discrete input reply.
func (w *WorkItem) FillBits(bits []bool) error {
	if len(bits) < int(w.Count) {
		return fmt.Errorf("%w: %d of %d bits at %s", ErrShortReply, len(bits), w.Count, w)
	}
	w.buf = w.reuse(int(w.Count))
	for i := 0; i < int(w.Count); i++ {
		if bits[i] {
			w.buf[i] = 1
		} else {
			w.buf[i] = 0
		}
	}
	return nil
}

// FillWords stores a register reply.
func (w *WorkItem) FillWords(words []uint16) error {
	if len(words) < int(w.Count) {
		return fmt.Errorf("%w: %d of %d registers at %s", ErrShortReply, len(words), w.Count, w)
	}
	w.buf = w.reuse(int(w.Count) * 2)
	copy(w.buf, codec.PutWords(words[:w.Count]))
	return nil
}

func (w *WorkItem) reuse(n int) []byte {
	if cap(w.buf) >= n {
		return w.buf[:n]
	}
	return make([]byte, n)
}

// Decode pushes the buffer into every member tag and returns the changes.
// It is a no-op before the first fill or when the item has no tags.
func (w *WorkItem) Decode(at time.Time) []tag.Change {
	if len(w.Tags) == 0 || w.buf == nil {
		return nil
	}
	var changes []tag.Change
	for _, h := range w.Tags {
		if c, ok := h.Apply(w.buf, w.Start, at); ok {
			changes = append(changes, c)
		}
	}
	return changes
}

func (w *WorkItem) String() string {
	return fmt.Sprintf("%s[%d..%d]", w.Table, w.Start, w.End()-1)
}

// BuildTable partitions the tags of one table into work items with a single
// greedy pass in address order. A tag joins the current item when the
// merged range stays within maxUnits and, unless allowGaps is set, starts no
// later than the unit right after the item. Tags of other tables are
// ignored. A tag wider than maxUnits gets an item of its own; callers
// reject such tags before building.
func BuildTable(table address.Table, tags []tag.Handle, maxUnits uint16, allowGaps bool) []*WorkItem {
	sorted := make([]tag.Handle, 0, len(tags))
	for _, h := range tags {
		if h.Address().Table == table {
			sorted = append(sorted, h)
		}
	}
	sortTags(sorted)

	var out []*WorkItem
	var cur *WorkItem
	for _, h := range sorted {
		idx := int(h.Address().Index)
		width := int(h.Width())
		if cur != nil {
			start := int(cur.Start)
			end := start + int(cur.Count) - 1
			newStart := min(start, idx)
			newEnd := max(end, idx+width-1)
			count := newEnd - newStart + 1
			if count <= int(maxUnits) && (allowGaps || idx <= start+int(cur.Count)) {
				cur.Start = uint16(newStart)
				cur.Count = uint16(count)
				cur.Tags = append(cur.Tags, h)
				continue
			}
		}
		cur = &WorkItem{
			Table: table,
			Start: uint16(idx),
			Count: uint16(width),
			Tags:  []tag.Handle{h},
		}
		out = append(out, cur)
	}
	return out
}

// Build runs BuildTable for every table, coils first and holding registers
// last.
func Build(tags []tag.Handle, limits Limits, allowGaps bool) []*WorkItem {
	var out []*WorkItem
	for _, t := range address.Tables {
		out = append(out, BuildTable(t, tags, limits.For(t), allowGaps)...)
	}
	return out
}

// sortTags orders by address, then wider first, then name, so equal tag
// sets always produce equal plans.
func sortTags(tags []tag.Handle) {
	sort.SliceStable(tags, func(i, j int) bool {
		a, b := tags[i], tags[j]
		if c := a.Address().Compare(b.Address()); c != 0 {
			return c < 0
		}
		if a.Width() != b.Width() {
			return a.Width() > b.Width()
		}
		return a.Name() < b.Name()
	})
}
