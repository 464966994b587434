// Package memstore is an in-process queue.Store.
//
// It keeps each collection in a slice ordered by (priority, queued_at,
// insertion sequence) and serialises all access with one mutex, which makes
// every operation trivially atomic. It cannot be shared between processes and
// is meant for tests and single-binary development setups.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"priorityq/internal/models"
	"priorityq/internal/queue"
)

type record struct {
	item models.Item
	seq  uint64
}

type collection struct {
	retention   time.Duration
	provisioned bool
	// ordered by priority, queued_at, seq; includes claimed and finished records
	records []*record
	byID    map[string]*record
}

type Store struct {
	mu      sync.Mutex
	seq     uint64
	colls   map[models.Namespace]*collection
	nowFn   func() time.Time
	newID   func() string
	pingErr error
}

type Option func(*Store)

// WithNowFunc sets the clock used by Expire when called with a zero time.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		colls: make(map[models.Namespace]*collection),
		nowFn: time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) coll(ns models.Namespace) *collection {
	c, ok := s.colls[ns]
	if !ok {
		c = &collection{retention: queue.DefaultRetention, byID: make(map[string]*record)}
		s.colls[ns] = c
	}
	return c
}

func less(a, b *record) bool {
	if a.item.Priority != b.item.Priority {
		return a.item.Priority < b.item.Priority
	}
	if !a.item.QueuedAt.Equal(b.item.QueuedAt) {
		return a.item.QueuedAt.Before(b.item.QueuedAt)
	}
	return a.seq < b.seq
}

func (s *Store) Provision(_ context.Context, ns models.Namespace, retention time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(ns)
	if c.provisioned {
		return nil
	}
	if retention > 0 {
		c.retention = retention
	}
	c.provisioned = true
	return nil
}

func (s *Store) Insert(_ context.Context, ns models.Namespace, item models.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(ns)
	if item.ID == "" {
		item.ID = s.newID()
	}
	item.StartedAt, item.FinishedAt, item.ClaimToken = nil, nil, ""
	s.seq++
	r := &record{item: item, seq: s.seq}
	idx := sort.Search(len(c.records), func(i int) bool { return less(r, c.records[i]) })
	c.records = append(c.records, nil)
	copy(c.records[idx+1:], c.records[idx:])
	c.records[idx] = r
	c.byID[item.ID] = r
	return nil
}

func (s *Store) ClaimNext(_ context.Context, ns models.Namespace, req queue.ClaimRequest) (models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(ns)
	for _, r := range c.records {
		if r.item.StartedAt != nil || excluded(r.item.Group, req.ExcludeGroups) {
			continue
		}
		started := req.Now
		r.item.StartedAt = &started
		r.item.ClaimToken = req.Token
		return r.item, nil
	}
	return models.Item{}, queue.ErrEmpty
}

func excluded(group string, groups []string) bool {
	if group == "" {
		return false
	}
	for _, g := range groups {
		if g == group {
			return true
		}
	}
	return false
}

func (s *Store) MarkFinished(_ context.Context, ns models.Namespace, id, token string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.coll(ns).byID[id]
	if !ok || r.item.StartedAt == nil || r.item.ClaimToken != token {
		return false, nil
	}
	finished := at
	r.item.FinishedAt = &finished
	return true, nil
}

func (s *Store) Release(_ context.Context, ns models.Namespace, id, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.coll(ns).byID[id]
	if !ok || r.item.StartedAt == nil || r.item.FinishedAt != nil || r.item.ClaimToken != token {
		return false, nil
	}
	r.item.StartedAt = nil
	r.item.ClaimToken = ""
	return true, nil
}

func (s *Store) Stats(_ context.Context, ns models.Namespace) (models.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st models.Stats
	for _, r := range s.coll(ns).records {
		switch {
		case r.item.FinishedAt != nil:
			st.Finished++
		case r.item.StartedAt != nil:
			st.Claimed++
		default:
			st.Available++
		}
	}
	return st, nil
}

// Get returns a copy of the record with id.
func (s *Store) Get(ns models.Namespace, id string) (models.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.coll(ns).byID[id]
	if !ok {
		return models.Item{}, false
	}
	return r.item, true
}

// Expire deletes finished records older than their collection's retention.
func (s *Store) Expire(_ context.Context, now time.Time) (int64, error) {
	if now.IsZero() {
		now = s.nowFn()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for _, c := range s.colls {
		cutoff := now.Add(-c.retention)
		kept := c.records[:0]
		for _, r := range c.records {
			if r.item.FinishedAt != nil && !r.item.FinishedAt.After(cutoff) {
				delete(c.byID, r.item.ID)
				deleted++
				continue
			}
			kept = append(kept, r)
		}
		for i := len(kept); i < len(c.records); i++ {
			c.records[i] = nil
		}
		c.records = kept
	}
	return deleted, nil
}

// SetPingError makes Ping fail with err; nil restores health.
func (s *Store) SetPingError(err error) {
	s.mu.Lock()
	s.pingErr = err
	s.mu.Unlock()
}

func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}
