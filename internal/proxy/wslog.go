package proxy

import (
	"sync"

	"github.com/aman-shahid/cheddarproxy/internal/txn"
)

// WSMessageLog is a bounded ring of recently observed WebSocket frames,
// kept separately from the Transaction Store since spec §4.8's durable
// schema has no per-message table: a WEBSOCKET_TUNNEL's messages are a
// live-inspection aid, not part of the queryable transaction history.
type WSMessageLog struct {
	mu   sync.Mutex
	buf  []*txn.WebSocketMessage
	cap  int
	next int
	full bool
}

// NewWSMessageLog creates a ring holding at most capacity messages.
func NewWSMessageLog(capacity int) *WSMessageLog {
	if capacity <= 0 {
		capacity = 1024
	}
	return &WSMessageLog{buf: make([]*txn.WebSocketMessage, capacity), cap: capacity}
}

// Push records m, overwriting the oldest entry once the ring is full.
func (l *WSMessageLog) Push(m *txn.WebSocketMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = m
	l.next = (l.next + 1) % l.cap
	if l.next == 0 {
		l.full = true
	}
}

// ForConnection returns, oldest first, every currently-retained message
// whose ConnectionID matches connID.
func (l *WSMessageLog) ForConnection(connID string) []*txn.WebSocketMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.next
	if l.full {
		n = l.cap
	}
	out := make([]*txn.WebSocketMessage, 0, n)
	start := 0
	if l.full {
		start = l.next
	}
	for i := 0; i < n; i++ {
		m := l.buf[(start+i)%l.cap]
		if m != nil && m.ConnectionID == connID {
			out = append(out, m)
		}
	}
	return out
}
