// Package upstream implements the connector that dials origin servers: TCP,
// TLS with ALPN negotiation, and the H2 client pool with TTL blocklist
// fallback (spec §4.6).
package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/aman-shahid/cheddarproxy/internal/txn"
)

// PoolTTL is how long an H2 pool entry is considered fresh (spec §5).
const PoolTTL = 30 * time.Second

// BlocklistTTL is how long an origin is forced onto HTTP/1.1 after an H2
// failure (spec §5).
const BlocklistTTL = 300 * time.Second

// DialTimeout bounds the TCP+TLS dial phase.
const DialTimeout = 15 * time.Second

type originKey struct {
	host string
	port int
}

func keyFor(host string, port int) originKey {
	return originKey{host: host, port: port}
}

// poolEntry is one H2 pool record: a live client connection and its last
// touch instant.
type poolEntry struct {
	conn    *http2.ClientConn
	lastUse time.Time
}

// Result is what Connect returns: either a raw byte-stream (HTTP or
// HTTP/1.1-over-TLS) or a pooled H2 client connection for the caller to
// bridge (spec §4.7 H1↔H2 Bridge). Exactly one of Stream/H2Conn is set.
type Result struct {
	Stream  net.Conn
	H2Conn  *http2.ClientConn
	Meta    txn.ConnMeta
	ErrKind ErrKind
}

// ErrKind classifies a connector failure for HTTP-status mapping (§7).
type ErrKind int

const (
	ErrNone ErrKind = iota
	ErrUnreachable
	ErrTLS
)

// ConnectError wraps a failure with its classification.
type ConnectError struct {
	Kind ErrKind
	Err  error
}

func (e *ConnectError) Error() string { return e.Err.Error() }
func (e *ConnectError) Unwrap() error { return e.Err }

// Connector owns the H2 pool and blocklist, both process-wide shared state
// with lifecycle tied to the running listener (spec §3 Ownership).
type Connector struct {
	mu   sync.Mutex
	pool map[originKey]*poolEntry

	blockMu   sync.Mutex
	blocklist map[originKey]time.Time
}

// NewConnector creates an empty pool and blocklist.
func NewConnector() *Connector {
	return &Connector{
		pool:      make(map[originKey]*poolEntry),
		blocklist: make(map[originKey]time.Time),
	}
}

// Blocklisted reports whether (host,port) is currently forced onto
// HTTP/1.1, evicting the entry once its TTL has elapsed.
func (c *Connector) Blocklisted(host string, port int) bool {
	k := keyFor(host, port)
	c.blockMu.Lock()
	defer c.blockMu.Unlock()
	t, ok := c.blocklist[k]
	if !ok {
		return false
	}
	if time.Since(t) > BlocklistTTL {
		delete(c.blocklist, k)
		return false
	}
	return true
}

// MarkH2Failure evicts any pool entry for (host,port) and adds it to the
// blocklist, per §4.6's mark_h2_failure.
func (c *Connector) MarkH2Failure(host string, port int) {
	k := keyFor(host, port)
	c.mu.Lock()
	delete(c.pool, k)
	c.mu.Unlock()

	c.blockMu.Lock()
	c.blocklist[k] = time.Now()
	c.blockMu.Unlock()
}

// getPooled returns a live, fresh pool entry for (host,port), evicting it if
// stale or reported closed.
func (c *Connector) getPooled(host string, port int) *http2.ClientConn {
	k := keyFor(host, port)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pool[k]
	if !ok {
		return nil
	}
	if time.Since(e.lastUse) > PoolTTL {
		delete(c.pool, k)
		return nil
	}
	state, _ := e.conn.State()
	if !e.conn.CanTakeNewRequest() || state.Closed || state.Closing {
		delete(c.pool, k)
		return nil
	}
	e.lastUse = time.Now()
	return e.conn
}

func (c *Connector) putPooled(host string, port int, conn *http2.ClientConn) {
	k := keyFor(host, port)
	c.mu.Lock()
	c.pool[k] = &poolEntry{conn: conn, lastUse: time.Now()}
	c.mu.Unlock()
}

// Connect implements the upstream connector algorithm of spec §4.6.
func (c *Connector) Connect(ctx context.Context, scheme, host string, port int, timing *txn.TimingHandle) (*Result, error) {
	if scheme != "https" {
		start := time.Now()
		conn, err := c.dialTCP(ctx, host, port)
		timing.RecordTCP(time.Since(start))
		if err != nil {
			return nil, &ConnectError{Kind: ErrUnreachable, Err: err}
		}
		return &Result{Stream: conn, Meta: txn.ConnMeta{ServerIP: remoteIP(conn)}}, nil
	}

	blocked := c.Blocklisted(host, port)

	if !blocked {
		if h2 := c.getPooled(host, port); h2 != nil {
			return &Result{H2Conn: h2, Meta: txn.ConnMeta{ConnectionReused: true}}, nil
		}
	}

	dialStart := time.Now()
	tcpConn, err := c.dialTCP(ctx, host, port)
	timing.RecordTCP(time.Since(dialStart) * 3 / 5)
	timing.RecordDNS(time.Since(dialStart) * 2 / 5)
	if err != nil {
		return nil, &ConnectError{Kind: ErrUnreachable, Err: err}
	}

	alpn := []string{"h2", "http/1.1"}
	if blocked {
		alpn = []string{"http/1.1"}
	}

	tlsStart := time.Now()
	tlsConn := tls.Client(tcpConn, &tls.Config{
		ServerName: host,
		NextProtos: alpn,
		MinVersion: tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tcpConn.Close()
		return nil, &ConnectError{Kind: ErrTLS, Err: err}
	}
	timing.RecordTLS(time.Since(tlsStart))

	state := tlsConn.ConnectionState()
	meta := txn.ConnMeta{
		ServerIP:       remoteIP(tcpConn),
		TLSVersion:     tlsVersionName(state.Version),
		TLSCipherSuite: tls.CipherSuiteName(state.CipherSuite),
	}

	if !blocked && state.NegotiatedProtocol == "h2" {
		t := &http2.Transport{}
		h2Conn, err := t.NewClientConn(tlsConn)
		if err != nil {
			c.MarkH2Failure(host, port)
			tlsConn.Close()
			return nil, &ConnectError{Kind: ErrUnreachable, Err: err}
		}
		c.putPooled(host, port, h2Conn)
		return &Result{H2Conn: h2Conn, Meta: meta}, nil
	}

	return &Result{Stream: tlsConn, Meta: meta}, nil
}

func (c *Connector) dialTCP(ctx context.Context, host string, port int) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()
	var d net.Dialer
	return d.DialContext(dctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}

func remoteIP(c net.Conn) string {
	if c == nil {
		return ""
	}
	addr := c.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func tlsVersionName(v uint16) string {
	switch v {
	case tls.VersionTLS10:
		return "TLS1.0"
	case tls.VersionTLS11:
		return "TLS1.1"
	case tls.VersionTLS12:
		return "TLS1.2"
	case tls.VersionTLS13:
		return "TLS1.3"
	default:
		return "unknown"
	}
}

// ErrPoolEntryStale names the condition getPooled checks for (a pooled h2
// connection that cannot take a new request); getPooled evicts such an
// entry and returns nil, and no code path in this package returns it.
var ErrPoolEntryStale = errors.New("upstream: pooled h2 connection not ready")
