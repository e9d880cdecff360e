// Package publish fans tag changes out to external sinks.
package publish

import (
	"context"
	"time"

	"modbus-tagpoller/internal/codec"
	"modbus-tagpoller/internal/tag"
)

// Event is the sink-facing form of a tag change.
type Event struct {
	Tag       string    `json:"tag"`
	Table     string    `json:"table"`
	Index     uint16    `json:"index"`
	Type      string    `json:"type"`
	Value     any       `json:"value"`
	Previous  any       `json:"previous,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FromChange converts a change emitted by the master.
func FromChange(c tag.Change) Event {
	addr := c.Tag.Address()
	return Event{
		Tag:       c.Tag.Name(),
		Table:     addr.Table.String(),
		Index:     addr.Index,
		Type:      c.Tag.Kind().String(),
		Value:     c.Value,
		Previous:  c.Previous,
		Timestamp: c.At,
	}
}

// Float reports the event value as a float64. Boolean values report false.
func (e Event) Float() (float64, bool) {
	if _, ok := e.Value.(bool); ok {
		return 0, false
	}
	f, err := codec.Convert[float64](e.Value)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Publisher delivers events to one sink.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, e Event) error
	Close() error
}
