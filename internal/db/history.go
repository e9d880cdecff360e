package db

import (
	"context"
	"fmt"
	"math"

	"modbus-tagpoller/internal/model"
	"modbus-tagpoller/internal/publish"
)

// History is a publisher that records every event.
type History struct {
	db *DB
}

func NewHistory(d *DB) *History { return &History{db: d} }

func (h *History) Name() string { return "history" }

func (h *History) Publish(ctx context.Context, e publish.Event) error {
	return h.db.Save(ctx, Row(e))
}

// Close leaves the database open; its owner closes it.
func (h *History) Close() error { return nil }

// Row converts an event to its history row. Booleans are stored as 0 or 1 and
// non-finite floats as 0; Raw keeps the exact value.
func Row(e publish.Event) model.TagValue {
	v, ok := e.Float()
	if !ok {
		if b, isBool := e.Value.(bool); isBool && b {
			v = 1
		}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	return model.TagValue{
		Name:      e.Tag,
		Table:     e.Table,
		Index:     int(e.Index),
		Type:      e.Type,
		Value:     v,
		Raw:       fmt.Sprint(e.Value),
		Timestamp: e.Timestamp,
	}
}
