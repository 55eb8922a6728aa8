// Package sink implements the Shared Fabric's traffic sink: a single
// current live subscriber plus a bounded broadcast channel for
// out-of-process consumers, and the body-capture helper shared by the
// connection handler (spec §4.9).
package sink

import (
	"sync"

	"github.com/aman-shahid/cheddarproxy/internal/queue"
	"github.com/aman-shahid/cheddarproxy/internal/txn"
)

// StrippedTransaction is the lightweight, body-free copy published to the
// live subscriber to keep a streaming UI's memory bounded.
type StrippedTransaction struct {
	ID         string
	Method     string
	Scheme     string
	Host       string
	Path       string
	State      txn.State
	StatusCode int
	Timing     txn.Timing
}

func strip(t *txn.Transaction) StrippedTransaction {
	return StrippedTransaction{
		ID:         t.ID,
		Method:     t.Method,
		Scheme:     t.Scheme,
		Host:       t.Host,
		Path:       t.Path,
		State:      t.State,
		StatusCode: t.StatusCode,
		Timing:     t.Timing,
	}
}

// StreamFilter narrows which stripped transactions reach a live subscriber.
// Empty fields are unconstrained; all set fields are AND-composed.
type StreamFilter struct {
	HostContains string
	Method       string
}

func (f *StreamFilter) match(t StrippedTransaction) bool {
	if f == nil {
		return true
	}
	if f.Method != "" && f.Method != t.Method {
		return false
	}
	if f.HostContains != "" && !containsFold(t.Host, f.HostContains) {
		return false
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

// DefaultBroadcastQueueSize bounds the out-of-process broadcast queue.
const DefaultBroadcastQueueSize = 1024

// TrafficSink fans out Transaction publications to at most one live
// subscriber (attaching a second replaces the first and closes its
// channel; see CreateStream) and to a bounded broadcast queue for remote
// consumers.
type TrafficSink struct {
	mu     sync.Mutex
	sub    chan StrippedTransaction
	filter *StreamFilter
	queue  *queue.Queue
}

// New creates a sink whose out-of-process broadcast queue holds up to
// queueSize items before applying backpressure eviction.
func New(queueSize int) *TrafficSink {
	if queueSize <= 0 {
		queueSize = DefaultBroadcastQueueSize
	}
	return &TrafficSink{queue: queue.NewQueue(queueSize)}
}

// CreateStream attaches a new live subscriber, replacing any prior one. The
// returned channel is closed when a subsequent CreateStream call replaces
// it.
func (s *TrafficSink) CreateStream() <-chan StrippedTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		close(s.sub)
	}
	ch := make(chan StrippedTransaction, 64)
	s.sub = ch
	return ch
}

// UpdateFilter narrows the current live subscriber's view.
func (s *TrafficSink) UpdateFilter(f *StreamFilter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = f
}

// Publish delivers a snapshot of t to the live subscriber (if any, and if
// it passes the current filter) and pushes it onto the broadcast queue for
// remote consumers. Breakpointed snapshots are always pushed at high
// priority so a paused request is never lost to backpressure eviction.
func (s *TrafficSink) Publish(t *txn.Transaction) {
	snap := strip(t)

	s.mu.Lock()
	sub, filter := s.sub, s.filter
	s.mu.Unlock()

	if sub != nil && filter.match(snap) {
		select {
		case sub <- snap:
		default:
		}
	}

	priority := queue.PriorityMedium
	if t.State == txn.Breakpointed {
		priority = queue.PriorityHigh
	}
	s.queue.Push(&queue.QueueItem{
		Data:      t.Snapshot(),
		Priority:  priority,
		FlowID:    t.ID,
		EventType: "transaction",
	})
}

// DequeueBatch drains up to n queued broadcast items for a remote consumer
// poll loop.
func (s *TrafficSink) DequeueBatch(n int) []*txn.Transaction {
	items := s.queue.PopBatch(n)
	out := make([]*txn.Transaction, 0, len(items))
	for _, item := range items {
		if t, ok := item.Data.(*txn.Transaction); ok {
			out = append(out, t)
		}
	}
	return out
}

// QueueStats exposes the broadcast queue's backpressure counters.
func (s *TrafficSink) QueueStats() queue.Stats {
	return s.queue.Stats()
}

// BodyCapture accepts data pushes and never grows past cap, independent of
// on-wire forwarding (spec §4.9).
type BodyCapture struct {
	cap       int
	buf       []byte
	truncated bool
	size      int64
}

// NewBodyCapture creates a capture bounded at capBytes.
func NewBodyCapture(capBytes int) *BodyCapture {
	return &BodyCapture{cap: capBytes}
}

// Push records up to cap-len(buf) more bytes from p and always advances the
// true wire-size counter by len(p).
func (b *BodyCapture) Push(p []byte) {
	b.size += int64(len(p))
	if len(b.buf) >= b.cap {
		if len(p) > 0 {
			b.truncated = true
		}
		return
	}
	room := b.cap - len(b.buf)
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return
	}
	b.buf = append(b.buf, p...)
}

// Bytes returns the captured (possibly truncated) prefix.
func (b *BodyCapture) Bytes() []byte { return b.buf }

// Truncated reports whether any pushed bytes were dropped.
func (b *BodyCapture) Truncated() bool { return b.truncated }

// Size returns the true wire byte count observed, independent of capture.
func (b *BodyCapture) Size() int64 { return b.size }
