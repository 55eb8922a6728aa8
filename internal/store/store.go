// Package store implements the two-layer Transaction Store: a bounded
// in-memory ring for fast lookup and live streaming, and a durable indexed
// log for historical query and pagination (spec §4.8).
package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aman-shahid/cheddarproxy/internal/txn"
)

// DefaultRingSize is the default in-memory ring capacity.
const DefaultRingSize = 10000

// RemotePageSizeCap is the maximum page size for remote consumers (§4.8).
const RemotePageSizeCap = 100

// LocalPageSizeCap is the maximum page size for local list APIs (§4.8).
const LocalPageSizeCap = 10000

// Filter holds AND-composed query criteria. Nil fields are unconstrained.
type Filter struct {
	Method       *string
	HostContains *string
	PathContains *string
	StatusMin    *int
	StatusMax    *int
}

// TimeRange bounds a query to [StartMS, EndMS], both optional.
type TimeRange struct {
	StartMS *int64
	EndMS   *int64
}

// HostCount is one row of list_unique_hosts.
type HostCount struct {
	Host  string
	Count int
}

// Durable is the persistence contract for the indexed log layer. It is
// satisfied by *SQLiteDurable; storage errors are logged by the caller and
// the request path continues without persistence (liveness over
// durability, per spec §7).
type Durable interface {
	Upsert(ctx context.Context, t *txn.Transaction) error
	GetByID(ctx context.Context, id string) (*txn.Transaction, error)
	Query(ctx context.Context, filter Filter, tr TimeRange, page, pageSize int) ([]*txn.Transaction, int, error)
	ListPage(ctx context.Context, beforeStartedAtMs int64, limit int) ([]*txn.Transaction, error)
	SlowerThan(ctx context.Context, filter Filter, thresholdMs int64, limit int) ([]*txn.Transaction, error)
	ListUniqueHosts(ctx context.Context, limit int) ([]HostCount, error)
	Count(ctx context.Context) (int, error)
	ClearAll(ctx context.Context) error
	PruneOlderThan(ctx context.Context, days int) (int64, error)
	Close() error
}

// Store composes the in-memory ring with an optional durable layer.
type Store struct {
	logger  *slog.Logger
	durable Durable

	mu    sync.RWMutex
	ring  []*txn.Transaction // insertion order, oldest first
	index map[string]int     // id -> position in ring
	cap   int
}

// New creates a Store with the given ring capacity. durable may be nil, in
// which case only the in-memory ring is used (e.g. storage unavailable).
func New(ringCap int, durable Durable, logger *slog.Logger) *Store {
	if ringCap <= 0 {
		ringCap = DefaultRingSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:  logger,
		durable: durable,
		ring:    make([]*txn.Transaction, 0, ringCap),
		index:   make(map[string]int, ringCap),
		cap:     ringCap,
	}
}

// Put inserts or updates a Transaction snapshot in the ring and persists it
// to the durable layer. Persistence failures are logged, not returned: the
// data plane must not fail a request because storage is unavailable.
func (s *Store) Put(ctx context.Context, t *txn.Transaction) {
	snap := t.Snapshot()

	s.mu.Lock()
	if pos, ok := s.index[snap.ID]; ok {
		s.ring[pos] = snap
	} else {
		if len(s.ring) >= s.cap {
			evicted := s.ring[0]
			s.ring = s.ring[1:]
			delete(s.index, evicted.ID)
			for id, p := range s.index {
				s.index[id] = p - 1
			}
		}
		s.ring = append(s.ring, snap)
		s.index[snap.ID] = len(s.ring) - 1
	}
	s.mu.Unlock()

	if s.durable == nil {
		return
	}
	dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.durable.Upsert(dctx, snap); err != nil {
		s.logger.Error("transaction store: durable write failed", "id", snap.ID, "error", err)
	}
	_ = ctx
}

// GetByID looks up a Transaction by id, checking the ring's id index first and
// falling back to the durable layer.
func (s *Store) GetByID(ctx context.Context, id string) (*txn.Transaction, bool) {
	s.mu.RLock()
	if pos, ok := s.index[id]; ok {
		t := s.ring[pos]
		s.mu.RUnlock()
		return t, true
	}
	s.mu.RUnlock()

	if s.durable == nil {
		return nil, false
	}
	t, err := s.durable.GetByID(ctx, id)
	if err != nil || t == nil {
		return nil, false
	}
	return t, true
}

// ListRecent returns up to limit Transactions from the ring, most-recent
// first.
func (s *Store) ListRecent(limit int) []*txn.Transaction {
	if limit <= 0 || limit > LocalPageSizeCap {
		limit = LocalPageSizeCap
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.ring)
	if limit > n {
		limit = n
	}
	out := make([]*txn.Transaction, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.ring[n-1-i]
	}
	return out
}

// Query runs the durable layer's filtered, paginated query (§4.8). page_size
// is capped at RemotePageSizeCap. When no durable layer is configured, the
// ring is filtered and paginated in memory instead.
func (s *Store) Query(ctx context.Context, filter Filter, tr TimeRange, page, pageSize int) ([]*txn.Transaction, int, error) {
	if pageSize <= 0 || pageSize > RemotePageSizeCap {
		pageSize = RemotePageSizeCap
	}
	if page < 1 {
		page = 1
	}
	if s.durable != nil {
		return s.durable.Query(ctx, filter, tr, page, pageSize)
	}
	return s.queryRing(filter, tr, page, pageSize)
}

func (s *Store) queryRing(filter Filter, tr TimeRange, page, pageSize int) ([]*txn.Transaction, int, error) {
	s.mu.RLock()
	matched := make([]*txn.Transaction, 0, len(s.ring))
	for i := len(s.ring) - 1; i >= 0; i-- {
		t := s.ring[i]
		if matches(t, filter, tr) {
			matched = append(matched, t)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Timing.StartMS != matched[j].Timing.StartMS {
			return matched[i].Timing.StartMS > matched[j].Timing.StartMS
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	start := (page - 1) * pageSize
	if start >= total {
		return []*txn.Transaction{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func matches(t *txn.Transaction, f Filter, tr TimeRange) bool {
	if f.Method != nil && !equalFold(t.Method, *f.Method) {
		return false
	}
	if f.HostContains != nil && !containsFold(t.Host, *f.HostContains) {
		return false
	}
	if f.PathContains != nil && !containsFold(t.Path, *f.PathContains) {
		return false
	}
	if f.StatusMin != nil && t.StatusCode < *f.StatusMin {
		return false
	}
	if f.StatusMax != nil && t.StatusCode > *f.StatusMax {
		return false
	}
	if tr.StartMS != nil && t.Timing.StartMS < *tr.StartMS {
		return false
	}
	if tr.EndMS != nil && t.Timing.StartMS > *tr.EndMS {
		return false
	}
	return true
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func containsFold(s, sub string) bool {
	if sub == "" {
		return true
	}
	ls, lsub := len(s), len(sub)
	if lsub > ls {
		return false
	}
	for i := 0; i+lsub <= ls; i++ {
		if equalFold(s[i:i+lsub], sub) {
			return true
		}
	}
	return false
}

// ListPage returns a page of durable-layer transactions older than
// beforeStartedAtMs, for list_transactions_page.
func (s *Store) ListPage(ctx context.Context, beforeStartedAtMs int64, limit int) ([]*txn.Transaction, error) {
	if limit <= 0 || limit > LocalPageSizeCap {
		limit = LocalPageSizeCap
	}
	if s.durable == nil {
		return nil, nil
	}
	return s.durable.ListPage(ctx, beforeStartedAtMs, limit)
}

// SlowerThan returns transactions whose total duration is at least
// thresholdMs, for get_slow_transactions.
func (s *Store) SlowerThan(ctx context.Context, filter Filter, thresholdMs int64, limit int) ([]*txn.Transaction, error) {
	if limit <= 0 || limit > LocalPageSizeCap {
		limit = LocalPageSizeCap
	}
	if s.durable == nil {
		return nil, nil
	}
	return s.durable.SlowerThan(ctx, filter, thresholdMs, limit)
}

// ListUniqueHosts groups transactions by host, ordered by count descending.
func (s *Store) ListUniqueHosts(ctx context.Context, limit int) ([]HostCount, error) {
	if s.durable != nil {
		return s.durable.ListUniqueHosts(ctx, limit)
	}
	s.mu.RLock()
	counts := make(map[string]int)
	for _, t := range s.ring {
		counts[t.Host]++
	}
	s.mu.RUnlock()
	out := make([]HostCount, 0, len(counts))
	for h, c := range counts {
		out = append(out, HostCount{Host: h, Count: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the total number of persisted transactions.
func (s *Store) Count(ctx context.Context) (int, error) {
	if s.durable != nil {
		return s.durable.Count(ctx)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ring), nil
}

// ClearAll truncates both layers.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	s.ring = s.ring[:0]
	s.index = make(map[string]int, s.cap)
	s.mu.Unlock()

	if s.durable == nil {
		return nil
	}
	return s.durable.ClearAll(ctx)
}

// PruneOlderThan deletes durable rows below the cutoff.
func (s *Store) PruneOlderThan(ctx context.Context, days int) (int64, error) {
	if s.durable == nil {
		return 0, nil
	}
	return s.durable.PruneOlderThan(ctx, days)
}

// Close releases the durable layer's resources.
func (s *Store) Close() error {
	if s.durable == nil {
		return nil
	}
	return s.durable.Close()
}
