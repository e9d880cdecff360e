package publish

import (
	"math"
	"sync"
	"time"
)

// Deadband suppresses numeric events that moved less than a threshold since
// the last value let through for the same tag. Remembered values expire after
// ttl so a slowly drifting tag is still published periodically.
type Deadband struct {
	threshold float64
	ttl       time.Duration
	now       func() time.Time

	mu   sync.Mutex
	last map[string]sample
}

type sample struct {
	v  float64
	at time.Time
}

// NewDeadband returns nil when threshold is not positive. A nil Deadband
// passes every event. ttl <= 0 defaults to one hour.
func NewDeadband(threshold float64, ttl time.Duration) *Deadband {
	if threshold <= 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Deadband{
		threshold: threshold,
		ttl:       ttl,
		now:       time.Now,
		last:      make(map[string]sample, 64),
	}
}

// Pass reports whether e should be published and records it if so.
func (d *Deadband) Pass(e Event) bool {
	if d == nil {
		return true
	}
	v, ok := e.Float()
	if !ok {
		return true
	}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.last[e.Tag]; ok && now.Sub(s.at) <= d.ttl {
		if math.Abs(v-s.v) < d.threshold {
			return false
		}
	}
	d.last[e.Tag] = sample{v: v, at: now}
	return true
}

// Forget drops the remembered value for name.
func (d *Deadband) Forget(name string) {
	if d == nil {
		return
	}
	d.mu.Lock()
	delete(d.last, name)
	d.mu.Unlock()
}
