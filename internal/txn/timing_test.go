package txn

import (
	"testing"
	"time"
)

func TestTimingHandle_RecordOnce_IgnoresSecondCall(t *testing.T) {
	h := NewTimingHandle()
	h.RecordTCP(10 * time.Millisecond)
	h.RecordTCP(999 * time.Millisecond)

	var ti Timing
	h.Apply(&ti)
	if ti.TCPMs == nil || *ti.TCPMs != 10 {
		t.Errorf("TCPMs = %v, want 10 (first recording wins)", ti.TCPMs)
	}
}

func TestTimingHandle_Apply_LeavesUnrecordedPhasesNil(t *testing.T) {
	h := NewTimingHandle()
	h.RecordDNS(5 * time.Millisecond)

	var ti Timing
	h.Apply(&ti)
	if ti.DNSMs == nil {
		t.Fatal("DNSMs should be set once recorded")
	}
	if ti.TCPMs != nil || ti.TLSMs != nil || ti.TotalMs != nil {
		t.Error("unrecorded phases should remain nil")
	}
}

func TestTimingHandle_RecordTotal(t *testing.T) {
	h := NewTimingHandle()
	time.Sleep(5 * time.Millisecond)
	h.RecordTotal()

	var ti Timing
	h.Apply(&ti)
	if ti.TotalMs == nil || *ti.TotalMs < 0 {
		t.Fatalf("TotalMs = %v, want a non-negative elapsed duration", ti.TotalMs)
	}
}
