package sink

import (
	"testing"
	"time"

	"github.com/aman-shahid/cheddarproxy/internal/txn"
)

func newTestTxn(method, host string) *txn.Transaction {
	return txn.New("txn-"+method, method, "https", host, 443, "/p", "HTTP/1.1")
}

func TestTrafficSink_PublishDeliversToLiveSubscriber(t *testing.T) {
	s := New(8)
	ch := s.CreateStream()

	s.Publish(newTestTxn("GET", "example.com"))

	select {
	case snap := <-ch:
		if snap.Method != "GET" || snap.Host != "example.com" {
			t.Errorf("snapshot = %+v, want method GET host example.com", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the published snapshot")
	}
}

func TestTrafficSink_SecondCreateStreamReplacesFirst(t *testing.T) {
	s := New(8)
	first := s.CreateStream()
	_ = s.CreateStream()

	if _, ok := <-first; ok {
		t.Error("the first subscriber's channel should be closed once replaced")
	}
}

func TestTrafficSink_FilterExcludesNonMatching(t *testing.T) {
	s := New(8)
	ch := s.CreateStream()
	s.UpdateFilter(&StreamFilter{Method: "POST"})

	s.Publish(newTestTxn("GET", "example.com"))
	s.Publish(newTestTxn("POST", "example.com"))

	select {
	case snap := <-ch:
		if snap.Method != "POST" {
			t.Errorf("expected only the POST transaction to pass the filter, got %q", snap.Method)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered for the matching publish")
	}

	select {
	case snap := <-ch:
		t.Errorf("unexpected extra snapshot delivered: %+v", snap)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTrafficSink_DequeueBatch_ReturnsQueuedTransactions(t *testing.T) {
	s := New(8)
	s.Publish(newTestTxn("GET", "a.com"))
	s.Publish(newTestTxn("GET", "b.com"))

	got := s.DequeueBatch(10)
	if len(got) != 2 {
		t.Fatalf("DequeueBatch returned %d items, want 2", len(got))
	}
}

func TestTrafficSink_BreakpointedSnapshots_UsePriorityHigh(t *testing.T) {
	s := New(8)
	tx := newTestTxn("GET", "a.com")
	if err := tx.Transition(txn.Breakpointed); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	s.Publish(tx)

	stats := s.QueueStats()
	if stats.HighCount != 1 {
		t.Errorf("HighCount = %d, want 1 for a breakpointed snapshot", stats.HighCount)
	}
}

func TestBodyCapture_TruncatesPastCap(t *testing.T) {
	bc := NewBodyCapture(4)
	bc.Push([]byte("ab"))
	bc.Push([]byte("cdef"))

	if got := string(bc.Bytes()); got != "abcd" {
		t.Errorf("captured bytes = %q, want %q", got, "abcd")
	}
	if !bc.Truncated() {
		t.Error("expected Truncated()=true once pushes exceed cap")
	}
	if bc.Size() != 6 {
		t.Errorf("Size() = %d, want 6 (true wire size, independent of capture cap)", bc.Size())
	}
}

func TestBodyCapture_UnderCap_NotTruncated(t *testing.T) {
	bc := NewBodyCapture(100)
	bc.Push([]byte("hello"))
	if bc.Truncated() {
		t.Error("a push under the cap should not be marked truncated")
	}
	if string(bc.Bytes()) != "hello" {
		t.Errorf("Bytes() = %q, want %q", bc.Bytes(), "hello")
	}
}
