package upstream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/aman-shahid/cheddarproxy/internal/txn"
)

func TestConnector_Blocklisted_InitiallyFalse(t *testing.T) {
	c := NewConnector()
	if c.Blocklisted("example.com", 443) {
		t.Error("a fresh connector should have nothing blocklisted")
	}
}

// TestConnector_MarkH2Failure_ForcesBlocklist exercises the mark_h2_failure
// path: once an origin is marked, Blocklisted must report true until the
// TTL elapses, and any pooled entry for it must be evicted.
func TestConnector_MarkH2Failure_ForcesBlocklist(t *testing.T) {
	c := NewConnector()
	c.putPooled("example.com", 443, nil)

	c.MarkH2Failure("example.com", 443)

	if !c.Blocklisted("example.com", 443) {
		t.Fatal("origin should be blocklisted after MarkH2Failure")
	}
	if got := c.getPooled("example.com", 443); got != nil {
		t.Error("pool entry should have been evicted by MarkH2Failure")
	}
}

func TestConnector_Blocklist_ExpiresAfterTTL(t *testing.T) {
	c := NewConnector()
	k := keyFor("example.com", 443)
	c.blockMu.Lock()
	c.blocklist[k] = time.Now().Add(-(BlocklistTTL + time.Second))
	c.blockMu.Unlock()

	if c.Blocklisted("example.com", 443) {
		t.Error("an expired blocklist entry should no longer report blocklisted")
	}
}

func TestConnector_PooledEntry_EvictedPastTTL(t *testing.T) {
	c := NewConnector()
	k := keyFor("example.com", 443)
	c.mu.Lock()
	c.pool[k] = &poolEntry{lastUse: time.Now().Add(-(PoolTTL + time.Second))}
	c.mu.Unlock()

	if got := c.getPooled("example.com", 443); got != nil {
		t.Error("a pool entry older than PoolTTL should be evicted, not returned")
	}
}

func TestConnector_Connect_PlainHTTP_DialsTCP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split listener addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	c := NewConnector()
	result, err := c.Connect(context.Background(), "http", host, port, txn.NewTimingHandle())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if result.Stream == nil {
		t.Fatal("plain-HTTP Connect should return a raw stream, not an H2 connection")
	}
	result.Stream.Close()
}

func TestConnector_Connect_UnreachableHost_ClassifiesAsUnreachable(t *testing.T) {
	c := NewConnector()
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := c.Connect(ctx, "http", "127.0.0.1", 1, txn.NewTimingHandle())
	if err == nil {
		t.Fatal("expected an error connecting to a closed port")
	}
	var cerr *ConnectError
	if !errors.As(err, &cerr) {
		t.Fatalf("error %v is not a *ConnectError", err)
	}
	if cerr.Kind != ErrUnreachable {
		t.Errorf("Kind = %v, want ErrUnreachable", cerr.Kind)
	}
}
