package testutil

import (
	"testing"
	"time"

	"github.com/aman-shahid/cheddarproxy/internal/txn"
)

func TestTransactionBuilder_Defaults(t *testing.T) {
	tx := NewTransaction().Build()

	if tx.ID != "txn-test-001" {
		t.Errorf("ID = %q, want %q", tx.ID, "txn-test-001")
	}
	if tx.Host != "example.com" {
		t.Errorf("Host = %q, want %q", tx.Host, "example.com")
	}
	if tx.Method != "GET" {
		t.Errorf("Method = %q, want %q", tx.Method, "GET")
	}
	if tx.Scheme != "https" {
		t.Errorf("Scheme = %q, want %q", tx.Scheme, "https")
	}
	if tx.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want %d", tx.StatusCode, 200)
	}
	if tx.State != txn.Completed {
		t.Errorf("State = %v, want %v", tx.State, txn.Completed)
	}
}

func TestTransactionBuilder_WithHost(t *testing.T) {
	tx := NewTransaction().WithHost("http", "internal.example", 8080).Build()

	if tx.Scheme != "http" {
		t.Errorf("Scheme = %q, want %q", tx.Scheme, "http")
	}
	if tx.Host != "internal.example" {
		t.Errorf("Host = %q, want %q", tx.Host, "internal.example")
	}
	if tx.Port != 8080 {
		t.Errorf("Port = %d, want %d", tx.Port, 8080)
	}
	hostHeader, ok := tx.RequestHeaders.Get("Host")
	if !ok || hostHeader != "internal.example" {
		t.Errorf("Host header = %q, want %q", hostHeader, "internal.example")
	}
}

func TestTransactionBuilder_WithStatus(t *testing.T) {
	tx := NewTransaction().WithStatus(404, "Not Found").Build()

	if tx.StatusCode != 404 {
		t.Errorf("StatusCode = %d, want %d", tx.StatusCode, 404)
	}
	if tx.Reason != "Not Found" {
		t.Errorf("Reason = %q, want %q", tx.Reason, "Not Found")
	}
}

func TestTransactionBuilder_WithState(t *testing.T) {
	tx := NewTransaction().WithState(txn.Breakpointed).Build()

	if tx.State != txn.Breakpointed {
		t.Errorf("State = %v, want %v", tx.State, txn.Breakpointed)
	}
}

func TestTransactionBuilder_Bodies(t *testing.T) {
	tx := NewTransaction().
		WithRequestBody([]byte(`{"hello":"world"}`)).
		WithResponseBody([]byte("response body")).
		WithTruncatedBodies(false, true).
		Build()

	if string(tx.RequestBody) != `{"hello":"world"}` {
		t.Errorf("RequestBody = %q", tx.RequestBody)
	}
	if string(tx.ResponseBody) != "response body" {
		t.Errorf("ResponseBody = %q", tx.ResponseBody)
	}
	if tx.ResponseByteSize != int64(len("response body")) {
		t.Errorf("ResponseByteSize = %d, want %d", tx.ResponseByteSize, len("response body"))
	}
	if tx.RequestBodyTruncated {
		t.Error("RequestBodyTruncated should be false")
	}
	if !tx.ResponseBodyTruncated {
		t.Error("ResponseBodyTruncated should be true")
	}
}

func TestTransactionBuilder_ChainedMethods(t *testing.T) {
	conn := txn.ConnMeta{TLSVersion: "TLS1.3", IsWebSocket: true}
	tx := NewTransaction().
		WithID("custom-id").
		WithMethod("POST").
		WithHost("https", "api.example.com", 443).
		WithPath("/v1/resource").
		WithProtocolVersion("HTTP/2.0").
		WithStatus(201, "Created").
		WithTiming(250).
		WithConn(conn).
		WithNotes("test fixture").
		Build()

	if tx.ID != "custom-id" {
		t.Errorf("ID = %q, want %q", tx.ID, "custom-id")
	}
	if tx.Method != "POST" {
		t.Errorf("Method = %q, want %q", tx.Method, "POST")
	}
	if tx.Host != "api.example.com" {
		t.Errorf("Host = %q, want %q", tx.Host, "api.example.com")
	}
	if tx.Path != "/v1/resource" {
		t.Errorf("Path = %q, want %q", tx.Path, "/v1/resource")
	}
	if tx.ProtocolVersion != "HTTP/2.0" {
		t.Errorf("ProtocolVersion = %q, want %q", tx.ProtocolVersion, "HTTP/2.0")
	}
	if tx.StatusCode != 201 {
		t.Errorf("StatusCode = %d, want %d", tx.StatusCode, 201)
	}
	if *tx.Timing.TotalMs != 250 {
		t.Errorf("TotalMs = %d, want %d", *tx.Timing.TotalMs, 250)
	}
	if !tx.Conn.IsWebSocket {
		t.Error("Conn.IsWebSocket should be true")
	}
	if tx.Notes != "test fixture" {
		t.Errorf("Notes = %q, want %q", tx.Notes, "test fixture")
	}
}

func TestNewTransactionSet(t *testing.T) {
	set := NewTransactionSet(5)

	if len(set) != 5 {
		t.Fatalf("len(set) = %d, want 5", len(set))
	}

	seen := make(map[string]bool)
	for i, tx := range set {
		if seen[tx.ID] {
			t.Errorf("duplicate ID %q at index %d", tx.ID, i)
		}
		seen[tx.ID] = true
		if tx.Host != "example.com" {
			t.Errorf("Host = %q, want %q", tx.Host, "example.com")
		}
	}

	for i := 1; i < len(set); i++ {
		if !set[i].CreatedAt.After(set[i-1].CreatedAt) {
			t.Errorf("expected strictly increasing CreatedAt at index %d", i)
		}
	}
}

func TestTransactionBuilder_WithStartTime(t *testing.T) {
	ts := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	tx := NewTransaction().WithStartTime(ts).Build()

	if !tx.CreatedAt.Equal(ts) {
		t.Errorf("CreatedAt = %v, want %v", tx.CreatedAt, ts)
	}
	if tx.Timing.StartMS != ts.UnixMilli() {
		t.Errorf("StartMS = %d, want %d", tx.Timing.StartMS, ts.UnixMilli())
	}
}
