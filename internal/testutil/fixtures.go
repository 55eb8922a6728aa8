// Package testutil provides shared test fixtures for consistent, realistic
// transaction test data.
package testutil

import (
	"time"

	"github.com/aman-shahid/cheddarproxy/internal/txn"
)

// TransactionBuilder provides a fluent API for building test transactions.
type TransactionBuilder struct {
	t *txn.Transaction
}

// NewTransaction creates a new TransactionBuilder with sensible defaults: a
// completed GET to example.com over HTTP/1.1.
func NewTransaction() *TransactionBuilder {
	t := txn.New("txn-test-001", "GET", "https", "example.com", 443, "/", "HTTP/1.1")
	t.RequestHeaders.Add("Host", "example.com")
	t.RequestHeaders.Add("User-Agent", "cheddarproxy-test/1.0")
	totalMs := int64(42)
	t.Timing.TotalMs = &totalMs
	t.StatusCode = 200
	t.Reason = "OK"
	t.ResponseHeaders.Add("Content-Type", "text/plain")
	t.ResponseByteSize = 13
	t.ResponseBody = []byte("hello, world!")[:13]
	_ = t.Transition(txn.Completed)
	return &TransactionBuilder{t: t}
}

// WithID sets the transaction ID.
func (b *TransactionBuilder) WithID(id string) *TransactionBuilder {
	b.t.ID = id
	return b
}

// WithMethod sets the HTTP method.
func (b *TransactionBuilder) WithMethod(method string) *TransactionBuilder {
	b.t.Method = method
	return b
}

// WithHost sets the scheme, host, and port, updating the Host request header
// to match.
func (b *TransactionBuilder) WithHost(scheme, host string, port int) *TransactionBuilder {
	b.t.Scheme = scheme
	b.t.Host = host
	b.t.Port = port
	for i := range b.t.RequestHeaders.Ordered {
		if b.t.RequestHeaders.Ordered[i].Name == "Host" {
			b.t.RequestHeaders.Ordered[i].Value = host
		}
	}
	return b
}

// WithPath sets the request path, including any query string.
func (b *TransactionBuilder) WithPath(path string) *TransactionBuilder {
	b.t.Path = path
	return b
}

// WithProtocolVersion sets the wire protocol version string (e.g. "HTTP/2.0").
func (b *TransactionBuilder) WithProtocolVersion(v string) *TransactionBuilder {
	b.t.ProtocolVersion = v
	return b
}

// WithStatus sets the response status code and reason phrase.
func (b *TransactionBuilder) WithStatus(code int, reason string) *TransactionBuilder {
	b.t.StatusCode = code
	b.t.Reason = reason
	return b
}

// WithState forces the transaction into state, bypassing CanTransition
// checks so tests can set up arbitrary fixture states directly.
func (b *TransactionBuilder) WithState(state txn.State) *TransactionBuilder {
	b.t.State = state
	return b
}

// WithRequestHeader appends a request header.
func (b *TransactionBuilder) WithRequestHeader(name, value string) *TransactionBuilder {
	b.t.RequestHeaders.Add(name, value)
	return b
}

// WithResponseHeader appends a response header.
func (b *TransactionBuilder) WithResponseHeader(name, value string) *TransactionBuilder {
	b.t.ResponseHeaders.Add(name, value)
	return b
}

// WithRequestBody sets the captured request body.
func (b *TransactionBuilder) WithRequestBody(body []byte) *TransactionBuilder {
	b.t.RequestBody = body
	return b
}

// WithResponseBody sets the captured response body and byte size.
func (b *TransactionBuilder) WithResponseBody(body []byte) *TransactionBuilder {
	b.t.ResponseBody = body
	b.t.ResponseByteSize = int64(len(body))
	return b
}

// WithTruncatedBodies marks the request and/or response bodies as truncated.
func (b *TransactionBuilder) WithTruncatedBodies(request, response bool) *TransactionBuilder {
	b.t.RequestBodyTruncated = request
	b.t.ResponseBodyTruncated = response
	return b
}

// WithTiming overrides the total duration recorded for the transaction.
func (b *TransactionBuilder) WithTiming(totalMs int64) *TransactionBuilder {
	b.t.Timing.TotalMs = &totalMs
	return b
}

// WithStartTime sets the transaction's StartMS timing field and CreatedAt,
// for tests exercising time-range queries.
func (b *TransactionBuilder) WithStartTime(ts time.Time) *TransactionBuilder {
	b.t.CreatedAt = ts
	b.t.Timing.StartMS = ts.UnixMilli()
	return b
}

// WithConn sets connection metadata (TLS version/cipher, reuse, WebSocket).
func (b *TransactionBuilder) WithConn(meta txn.ConnMeta) *TransactionBuilder {
	b.t.Conn = meta
	return b
}

// WithNotes sets the free-form diagnostic notes field.
func (b *TransactionBuilder) WithNotes(notes string) *TransactionBuilder {
	b.t.Notes = notes
	return b
}

// Build returns the constructed Transaction.
func (b *TransactionBuilder) Build() *txn.Transaction {
	return b.t
}

// NewTransactionSet builds n distinct completed transactions against
// example.com, useful for pagination and bulk-query tests.
func NewTransactionSet(n int) []*txn.Transaction {
	out := make([]*txn.Transaction, n)
	base := time.Now().Add(-time.Duration(n) * time.Second)
	for i := 0; i < n; i++ {
		out[i] = NewTransaction().
			WithID(idForIndex(i)).
			WithPath("/resource/" + idForIndex(i)).
			WithStartTime(base.Add(time.Duration(i) * time.Second)).
			Build()
	}
	return out
}

func idForIndex(i int) string {
	return "txn-" + itoa(i)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
