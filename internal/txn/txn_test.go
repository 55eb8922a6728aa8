package txn

import "testing"

func TestState_CanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{Pending, Breakpointed, true},
		{Pending, Completed, true},
		{Pending, Failed, true},
		{Breakpointed, Pending, true},
		{Breakpointed, Failed, true},
		{Breakpointed, Completed, false},
		{Completed, Pending, false},
		{Failed, Completed, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.want {
			t.Errorf("%v.CanTransition(%v) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTransaction_Transition_RejectsIllegalMove(t *testing.T) {
	tx := New("id-1", "GET", "https", "example.com", 443, "/", "HTTP/1.1")
	if err := tx.Transition(Completed); err != nil {
		t.Fatalf("Pending->Completed should be legal: %v", err)
	}
	if err := tx.Transition(Breakpointed); err == nil {
		t.Fatal("Completed->Breakpointed should be rejected")
	} else if _, ok := err.(*IllegalTransitionError); !ok {
		t.Errorf("error type = %T, want *IllegalTransitionError", err)
	}
}

func TestHeaderSet_AddGetContains(t *testing.T) {
	var h HeaderSet
	h.Add("Connection", "Keep-Alive, Upgrade")
	h.Add("Content-Type", "text/plain")

	if v, ok := h.Get("connection"); !ok || v != "Keep-Alive, Upgrade" {
		t.Errorf("Get(\"connection\") = (%q, %v), want case-insensitive hit", v, ok)
	}
	if !h.Contains("Connection", "upgrade") {
		t.Error("Contains should match case-insensitively on substring")
	}
	if h.Contains("Connection", "close") {
		t.Error("Contains should not match an absent substring")
	}
	if _, ok := h.Get("Missing"); ok {
		t.Error("Get on an absent header should report false")
	}
}

func TestTransaction_Snapshot_IsIndependentOfFutureMutation(t *testing.T) {
	tx := New("id-1", "GET", "https", "example.com", 443, "/", "HTTP/1.1")
	tx.RequestHeaders.Add("Host", "example.com")
	tx.RequestBody = []byte("original")

	snap := tx.Snapshot()

	tx.RequestHeaders.Add("X-Extra", "value")
	tx.RequestBody[0] = 'O'

	if len(snap.RequestHeaders.Ordered) != 1 {
		t.Errorf("snapshot header count = %d, want 1 (unaffected by later mutation)", len(snap.RequestHeaders.Ordered))
	}
	if string(snap.RequestBody) != "original" {
		t.Errorf("snapshot body = %q, want %q (unaffected by later mutation)", snap.RequestBody, "original")
	}
}

func TestTransaction_FullURL_OmitsDefaultPort(t *testing.T) {
	cases := []struct {
		scheme string
		host   string
		port   int
		path   string
		want   string
	}{
		{"https", "example.com", 443, "/a", "https://example.com/a"},
		{"http", "example.com", 80, "/a", "http://example.com/a"},
		{"https", "example.com", 8443, "/a", "https://example.com:8443/a"},
	}
	for _, c := range cases {
		tx := New("id", "GET", c.scheme, c.host, c.port, c.path, "HTTP/1.1")
		if got := tx.FullURL(); got != c.want {
			t.Errorf("FullURL() = %q, want %q", got, c.want)
		}
	}
}

func TestTransaction_DurationStr(t *testing.T) {
	tx := New("id", "GET", "https", "example.com", 443, "/", "HTTP/1.1")
	if got := tx.DurationStr(); got != "-" {
		t.Errorf("DurationStr() with no timing = %q, want \"-\"", got)
	}
	ms := int64(1500)
	tx.Timing.TotalMs = &ms
	if got := tx.DurationStr(); got != "1.5s" {
		t.Errorf("DurationStr() = %q, want 1.5s", got)
	}
	ms = 250
	tx.Timing.TotalMs = &ms
	if got := tx.DurationStr(); got != "250ms" {
		t.Errorf("DurationStr() = %q, want 250ms", got)
	}
}
