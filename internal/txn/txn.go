// Package txn defines the Transaction, the unit of capture shared by the
// connection handler, the breakpoint engine, the transaction store, and the
// shared fabric's traffic sink.
package txn

import "time"

// State is a Transaction's position in its lifecycle.
type State int

const (
	Pending State = iota
	Breakpointed
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Breakpointed:
		return "breakpointed"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// CanTransition reports whether moving from s to next is legal. Only
// Pending->{Breakpointed,Completed,Failed} and Breakpointed->{Pending,Failed}
// are permitted.
func (s State) CanTransition(next State) bool {
	switch s {
	case Pending:
		return next == Breakpointed || next == Completed || next == Failed
	case Breakpointed:
		return next == Pending || next == Failed
	default:
		return false
	}
}

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// Header is one entry of an ordered header list; lookup by name is
// case-insensitive (see HeaderSet).
type Header struct {
	Name  string
	Value string
}

// HeaderSet is an ordered header list with case-insensitive lookup by
// linear scan (no separate index), so wire order is kept on re-emission.
type HeaderSet struct {
	Ordered []Header
}

// Add appends a header, preserving wire order.
func (h *HeaderSet) Add(name, value string) {
	h.Ordered = append(h.Ordered, Header{Name: name, Value: value})
}

// Get returns the first value for name, case-insensitively, and whether it
// was found.
func (h *HeaderSet) Get(name string) (string, bool) {
	for _, kv := range h.Ordered {
		if equalFold(kv.Name, name) {
			return kv.Value, true
		}
	}
	return "", false
}

// Contains reports whether any header named name has a value containing sub,
// case-insensitively (used for the Connection: upgrade check).
func (h *HeaderSet) Contains(name, sub string) bool {
	v, ok := h.Get(name)
	if !ok {
		return false
	}
	return containsFold(v, sub)
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

// Timing records each phase duration exactly once via TimingHandle. Durations
// are nil until the corresponding phase completes.
type Timing struct {
	StartMS          int64  `json:"start_ms"`
	DNSMs            *int64 `json:"dns_ms,omitempty"`
	TCPMs            *int64 `json:"tcp_ms,omitempty"`
	TLSMs            *int64 `json:"tls_ms,omitempty"`
	RequestSendMs    *int64 `json:"request_send_ms,omitempty"`
	WaitMs           *int64 `json:"wait_ms,omitempty"`
	ContentDownloadMs *int64 `json:"content_download_ms,omitempty"`
	TotalMs          *int64 `json:"total_ms,omitempty"`
}

// ConnMeta captures connection-level metadata that doesn't change once a
// Transaction's upstream dial completes.
type ConnMeta struct {
	ServerIP        string `json:"server_ip,omitempty"`
	TLSVersion      string `json:"tls_version,omitempty"`
	TLSCipherSuite  string `json:"tls_cipher_suite,omitempty"`
	StreamID        uint32 `json:"stream_id,omitempty"`
	ConnectionReused bool  `json:"connection_reused"`
	IsWebSocket     bool   `json:"is_websocket"`
}

// Transaction is the unit of capture: one HTTP request/response pair, or a
// WebSocket upgrade and the tunnel it opens.
type Transaction struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Method          string `json:"method"`
	Scheme          string `json:"scheme"` // "http" or "https"
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Path            string `json:"path"` // includes query
	ProtocolVersion string `json:"protocol_version"`

	State State `json:"state"`

	RequestHeaders        HeaderSet `json:"request_headers"`
	RequestBody           []byte    `json:"request_body,omitempty"`
	RequestBodyTruncated  bool      `json:"request_body_truncated"`

	StatusCode int    `json:"status_code,omitempty"`
	Reason     string `json:"reason,omitempty"`

	ResponseHeaders       HeaderSet `json:"response_headers"`
	ResponseBody          []byte    `json:"response_body,omitempty"`
	ResponseBodyTruncated bool      `json:"response_body_truncated"`
	ResponseByteSize      int64     `json:"response_byte_size"`

	Timing Timing   `json:"timing"`
	Conn   ConnMeta `json:"conn"`

	Notes string `json:"notes,omitempty"`
}

// New creates a Transaction in Pending state with id and CreatedAt set.
func New(id string, method, scheme, host string, port int, path, protocolVersion string) *Transaction {
	return &Transaction{
		ID:              id,
		CreatedAt:       time.Now(),
		Method:          method,
		Scheme:          scheme,
		Host:            host,
		Port:            port,
		Path:            path,
		ProtocolVersion: protocolVersion,
		State:           Pending,
		Timing:          Timing{StartMS: time.Now().UnixMilli()},
	}
}

// Transition moves the transaction to next, returning an error if the
// transition is not legal per the state graph.
func (t *Transaction) Transition(next State) error {
	if !t.State.CanTransition(next) {
		return &IllegalTransitionError{From: t.State, To: next}
	}
	t.State = next
	return nil
}

// IllegalTransitionError reports an attempted illegal state transition.
type IllegalTransitionError struct {
	From, To State
}

func (e *IllegalTransitionError) Error() string {
	return "illegal transaction state transition: " + e.From.String() + " -> " + e.To.String()
}

// Snapshot returns a deep-enough copy suitable for publishing to the sink or
// store without risking a data race with the owning task's further edits.
// Byte slices are copied; the HeaderSet slices are copied.
func (t *Transaction) Snapshot() *Transaction {
	cp := *t
	cp.RequestHeaders.Ordered = append([]Header(nil), t.RequestHeaders.Ordered...)
	cp.ResponseHeaders.Ordered = append([]Header(nil), t.ResponseHeaders.Ordered...)
	if t.RequestBody != nil {
		cp.RequestBody = append([]byte(nil), t.RequestBody...)
	}
	if t.ResponseBody != nil {
		cp.ResponseBody = append([]byte(nil), t.ResponseBody...)
	}
	return &cp
}

// FullURL reconstructs the request URL for presentation, mirroring the
// original model's full_url() helper.
func (t *Transaction) FullURL() string {
	host := t.Host
	if (t.Scheme == "http" && t.Port != 80 && t.Port != 0) ||
		(t.Scheme == "https" && t.Port != 443 && t.Port != 0) {
		host = host + ":" + itoa(t.Port)
	}
	return t.Scheme + "://" + host + t.Path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// DurationStr renders total duration for presentation, mirroring the
// original model's duration_str() helper. Returns "-" when unset.
func (t *Transaction) DurationStr() string {
	if t.Timing.TotalMs == nil {
		return "-"
	}
	ms := *t.Timing.TotalMs
	if ms < 1000 {
		return itoa(int(ms)) + "ms"
	}
	return itoa(int(ms/1000)) + "." + itoa(int(ms%1000)/100) + "s"
}
