package txn

import (
	"sync/atomic"
	"time"
)

// TimingHandle is a shared per-transaction record accumulating phase
// durations with record-once semantics: each phase may be recorded exactly
// once, subsequent calls are ignored. This lets the upstream connector, the
// bridge, and the error path all contribute to one consistent Timing view
// without a lock, and without double-counting a phase when more than one
// code path could plausibly report it (e.g. a retry).
type TimingHandle struct {
	start time.Time

	dnsMs   atomic.Int64
	dnsSet  atomic.Bool
	tcpMs   atomic.Int64
	tcpSet  atomic.Bool
	tlsMs   atomic.Int64
	tlsSet  atomic.Bool
	sendMs  atomic.Int64
	sendSet atomic.Bool
	waitMs  atomic.Int64
	waitSet atomic.Bool
	dlMs    atomic.Int64
	dlSet   atomic.Bool
	totalMs atomic.Int64
	totalSet atomic.Bool
}

// NewTimingHandle anchors a handle at the current instant (request arrival).
func NewTimingHandle() *TimingHandle {
	return &TimingHandle{start: time.Now()}
}

func recordOnce(set *atomic.Bool, val *atomic.Int64, ms int64) {
	if set.CompareAndSwap(false, true) {
		val.Store(ms)
	}
}

func (h *TimingHandle) RecordDNS(d time.Duration)     { recordOnce(&h.dnsSet, &h.dnsMs, d.Milliseconds()) }
func (h *TimingHandle) RecordTCP(d time.Duration)      { recordOnce(&h.tcpSet, &h.tcpMs, d.Milliseconds()) }
func (h *TimingHandle) RecordTLS(d time.Duration)      { recordOnce(&h.tlsSet, &h.tlsMs, d.Milliseconds()) }
func (h *TimingHandle) RecordRequestSend(d time.Duration) {
	recordOnce(&h.sendSet, &h.sendMs, d.Milliseconds())
}
func (h *TimingHandle) RecordWait(d time.Duration) { recordOnce(&h.waitSet, &h.waitMs, d.Milliseconds()) }
func (h *TimingHandle) RecordContentDownload(d time.Duration) {
	recordOnce(&h.dlSet, &h.dlMs, d.Milliseconds())
}

// RecordTotal records the elapsed time since the handle was created, unless
// already recorded.
func (h *TimingHandle) RecordTotal() {
	recordOnce(&h.totalSet, &h.totalMs, time.Since(h.start).Milliseconds())
}

// Apply writes the currently-recorded phases into t.Timing. Called before
// each publish/persist so snapshots are monotonically consistent: a field
// once set never reverts to nil.
func (h *TimingHandle) Apply(t *Timing) {
	t.StartMS = h.start.UnixMilli()
	if h.dnsSet.Load() {
		v := h.dnsMs.Load()
		t.DNSMs = &v
	}
	if h.tcpSet.Load() {
		v := h.tcpMs.Load()
		t.TCPMs = &v
	}
	if h.tlsSet.Load() {
		v := h.tlsMs.Load()
		t.TLSMs = &v
	}
	if h.sendSet.Load() {
		v := h.sendMs.Load()
		t.RequestSendMs = &v
	}
	if h.waitSet.Load() {
		v := h.waitMs.Load()
		t.WaitMs = &v
	}
	if h.dlSet.Load() {
		v := h.dlMs.Load()
		t.ContentDownloadMs = &v
	}
	if h.totalSet.Load() {
		v := h.totalMs.Load()
		t.TotalMs = &v
	}
}
