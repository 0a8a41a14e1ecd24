package alert

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"orderflow/internal/types"
)

const (
	DefaultCapacity = 10
	DefaultLifetime = 7 * time.Second
)

type Config struct {
	Capacity int
	Lifetime time.Duration
	Now      func() time.Time
}

// Ring keeps the most recent alerts. Each alert is dropped after Lifetime,
// or earlier when Capacity newer alerts have arrived.
type Ring struct {
	mu       sync.Mutex
	capacity int
	lifetime time.Duration
	now      func() time.Time
	alerts   []types.Alert
	timers   map[string]*time.Timer
}

// NewRing creates an empty ring
func NewRing(cfg Config) *Ring {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Ring{
		capacity: cfg.Capacity,
		lifetime: cfg.Lifetime,
		now:      cfg.Now,
		alerts:   make([]types.Alert, 0, cfg.Capacity),
		timers:   make(map[string]*time.Timer),
	}
}

// Push stamps alert with a fresh id and creation time, appends it and starts its
// expiry timer. The stored alert is returned.
func (r *Ring) Push(alert types.Alert) types.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()

	alert.ID = uuid.NewString()
	alert.CreatedAt = r.now()

	r.alerts = append(r.alerts, alert)
	for len(r.alerts) > r.capacity {
		r.stopTimer(r.alerts[0].ID)
		r.alerts[0] = types.Alert{}
		r.alerts = r.alerts[1:]
	}

	id := alert.ID
	r.timers[id] = time.AfterFunc(r.lifetime, func() {
		r.Remove(id)
	})

	return alert
}

// Remove drops the alert with id. It reports whether the alert was present.
func (r *Ring) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, a := range r.alerts {
		if a.ID == id {
			r.stopTimer(id)
			r.alerts = append(r.alerts[:i], r.alerts[i+1:]...)
			return true
		}
	}
	return false
}

// Clear drops every alert and cancels pending expiries
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.timers {
		r.stopTimer(id)
	}
	r.alerts = make([]types.Alert, 0, r.capacity)
}

// List returns a copy of the live alerts, newest last
func (r *Ring) List() []types.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

// stopTimer cancels the expiry of id (must be called with mutex locked)
func (r *Ring) stopTimer(id string) {
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
}
