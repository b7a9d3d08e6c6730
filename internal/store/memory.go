package store

import (
	"container/ring"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
)

// ErrNotFound is returned when an alert id is unknown
var ErrNotFound = errors.New("alert not found")

// MemoryStore keeps the most recent alerts in a ring buffer. Repeats of the
// same session, type and severity inside the cooldown are dropped.
type MemoryStore struct {
	mu        sync.RWMutex
	alerts    *ring.Ring
	dedupe    *lru.Cache[string, time.Time]
	cooldown  time.Duration
	maxAlerts int
	dedupeCap int
	now       func() time.Time

	added      uint64
	duplicates uint64
}

// Filter selects alerts in Query
type Filter struct {
	SessionID string
	Severity  string
	Limit     int
}

// NewMemoryStore creates a new memory store with specified capacities
func NewMemoryStore(maxAlerts, dedupeCap int, cooldown time.Duration) *MemoryStore {
	dedupeCache, _ := lru.New[string, time.Time](dedupeCap)

	return &MemoryStore{
		alerts:    ring.New(maxAlerts),
		dedupe:    dedupeCache,
		cooldown:  cooldown,
		maxAlerts: maxAlerts,
		dedupeCap: dedupeCap,
		now:       time.Now,
	}
}

// Persist stores alerts and ignores every other record kind
func (s *MemoryStore) Persist(ctx context.Context, rec model.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if alert, ok := rec.(*model.Alert); ok {
		s.AddAlert(alert)
	}
	return nil
}

// AddAlert adds an alert unless it repeats one seen within the cooldown
func (s *MemoryStore) AddAlert(alert *model.Alert) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := dedupeKey(alert)
	if seen, exists := s.dedupe.Get(key); exists && now.Sub(seen) < s.cooldown {
		s.duplicates++
		return false
	}
	s.dedupe.Add(key, now)

	stored := *alert
	s.alerts.Value = &stored
	s.alerts = s.alerts.Next()
	s.added++

	return true
}

// Restore reloads a previously persisted alert. It is never dropped as a
// duplicate, and the dedupe cooldown is measured from its CreatedAt.
// Callers restore oldest first so the ring keeps the newest alerts.
func (s *MemoryStore) Restore(alert *model.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupeKey(alert)
	if seen, exists := s.dedupe.Get(key); !exists || alert.CreatedAt.After(seen) {
		s.dedupe.Add(key, alert.CreatedAt)
	}

	stored := *alert
	s.alerts.Value = &stored
	s.alerts = s.alerts.Next()
}

// Alerts returns all alerts oldest first
func (s *MemoryStore) Alerts() []*model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(Filter{})
}

// Query returns matching alerts newest first, up to Limit when set
func (s *MemoryStore) Query(f Filter) []*model.Alert {
	s.mu.RLock()
	alerts := s.collect(f)
	s.mu.RUnlock()

	slices.Reverse(alerts)
	if f.Limit > 0 && len(alerts) > f.Limit {
		alerts = alerts[:f.Limit]
	}
	return alerts
}

// collect copies matching alerts oldest first. Callers hold s.mu.
func (s *MemoryStore) collect(f Filter) []*model.Alert {
	var alerts []*model.Alert
	s.alerts.Do(func(value interface{}) {
		alert, ok := value.(*model.Alert)
		if !ok {
			return
		}
		if f.SessionID != "" && alert.SessionID != f.SessionID {
			return
		}
		if f.Severity != "" && alert.Severity != f.Severity {
			return
		}
		copied := *alert
		alerts = append(alerts, &copied)
	})
	return alerts
}

// Acknowledge marks an alert as seen by whom
func (s *MemoryStore) Acknowledge(id, by string) (*model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *model.Alert
	s.alerts.Do(func(value interface{}) {
		if alert, ok := value.(*model.Alert); ok && alert.ID == id {
			found = alert
		}
	})
	if found == nil {
		return nil, ErrNotFound
	}

	if found.AcknowledgedAt == nil {
		at := s.now().UTC()
		found.AcknowledgedAt = &at
		found.AcknowledgedBy = &by
	}
	copied := *found
	return &copied, nil
}

// Clear removes all alerts and clears the dedupe cache
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < s.alerts.Len(); i++ {
		s.alerts.Value = nil
		s.alerts = s.alerts.Next()
	}
	s.dedupe.Purge()
}

// Stats returns store statistics
func (s *MemoryStore) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	s.alerts.Do(func(value interface{}) {
		if value != nil {
			count++
		}
	})

	return map[string]interface{}{
		"total_alerts": count,
		"max_alerts":   s.maxAlerts,
		"dedupe_cap":   s.dedupeCap,
		"dedupe_size":  s.dedupe.Len(),
		"added":        s.added,
		"duplicates":   s.duplicates,
	}
}

func dedupeKey(alert *model.Alert) string {
	return alert.SessionID + ":" + alert.AlertType + ":" + alert.Severity
}
