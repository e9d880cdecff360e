package model

import (
	"time"

	"modbus-tagpoller/internal/tag"
)

// TagSnapshot is the live view of a registered tag.
type TagSnapshot struct {
	Name      string    `json:"name"`
	Table     string    `json:"table"`
	Index     uint16    `json:"index"`
	Type      string    `json:"type"`
	Value     any       `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

func Snapshot(h tag.Handle) TagSnapshot {
	addr := h.Address()
	return TagSnapshot{
		Name:      h.Name(),
		Table:     addr.Table.String(),
		Index:     addr.Index,
		Type:      h.Kind().String(),
		Value:     h.ValueAny(),
		UpdatedAt: h.UpdatedAt(),
	}
}

// Snapshots preserves the order of hs.
func Snapshots(hs []tag.Handle) []TagSnapshot {
	out := make([]TagSnapshot, 0, len(hs))
	for _, h := range hs {
		out = append(out, Snapshot(h))
	}
	return out
}
