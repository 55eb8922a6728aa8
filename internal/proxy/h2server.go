package proxy

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"

	"github.com/aman-shahid/cheddarproxy/internal/bridge"
	"github.com/aman-shahid/cheddarproxy/internal/breakpoint"
	"github.com/aman-shahid/cheddarproxy/internal/codec"
	"github.com/aman-shahid/cheddarproxy/internal/sink"
	"github.com/aman-shahid/cheddarproxy/internal/txn"
	"github.com/aman-shahid/cheddarproxy/internal/upstream"
)

// handleH2Server implements HANDLE_H2_SERVER (spec §4.2): serving HTTP/2
// directly on the intercepted TLS connection, translating each stream
// into the same forward-request semantics used by the HTTP/1.1 path.
// Every stream on this connection targets the same origin, since it all
// rides one CONNECT-established TLS tunnel.
func (p *MITMProxy) handleH2Server(tlsConn net.Conn, host string, port int, meta txn.ConnMeta) {
	srv := &http2.Server{}
	srv.ServeConn(tlsConn, &http2.ServeConnOpts{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p.forwardH2ServerStream(w, r, host, port, meta)
		}),
	})
}

// forwardH2ServerStream is HANDLE_H2_SERVER's per-stream equivalent of
// forwardRequest: it builds the Transaction, runs the breakpoint check,
// and forwards upstream over whichever transport the connector chose,
// writing the result back onto the H2 stream's ResponseWriter.
func (p *MITMProxy) forwardH2ServerStream(w http.ResponseWriter, r *http.Request, host string, port int, meta txn.ConnMeta) {
	id, err := uuid.NewV7()
	idStr := id.String()
	if err != nil {
		idStr = strconv.FormatInt(time.Now().UnixNano(), 10)
	}

	timing := txn.NewTimingHandle()
	path := r.URL.RequestURI()
	meta.StreamID = p.nextStreamID()

	t := txn.New(idStr, r.Method, "https", host, port, path, "HTTP/2.0")
	t.Conn = meta
	for name, vals := range r.Header {
		for _, v := range vals {
			t.RequestHeaders.Add(name, v)
		}
	}

	bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, codec.MaxRequestBodyByte+1))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		_ = t.Transition(txn.Failed)
		t.Notes = "request body read failed: " + err.Error()
		p.finalize(t, timing)
		return
	}
	if len(bodyBytes) > codec.MaxRequestBodyByte {
		http.Error(w, "Payload Too Large", http.StatusRequestEntityTooLarge)
		_ = t.Transition(txn.Failed)
		t.Notes = "request body too large"
		p.finalize(t, timing)
		return
	}
	t.RequestBody = bodyBytes

	p.store.Put(context.Background(), t)
	p.sink.Publish(t)
	p.totalRequests.Add(1)

	bctx := breakpoint.Context{Method: r.Method, Host: host, Path: path}
	if p.breakpoints.Matched(bctx) {
		_ = t.Transition(txn.Breakpointed)
		p.store.Put(context.Background(), t)
		p.sink.Publish(t)

		bp := p.breakpoints.Pause(t.ID, bctx, r.Context().Done())
		if bp.Aborted {
			_ = t.Transition(txn.Failed)
			t.Notes = bp.Reason
			http.Error(w, "Request aborted at breakpoint", http.StatusConflict)
			p.finalize(t, timing)
			return
		}
		_ = t.Transition(txn.Pending)
		if !bp.Edit.IsEmpty() {
			if bp.Edit.Method != nil {
				r.Method = *bp.Edit.Method
				t.Method = *bp.Edit.Method
			}
			if bp.Edit.Path != nil {
				path = *bp.Edit.Path
				t.Path = path
			}
			if bp.Edit.Headers != nil {
				r.Header = make(http.Header)
				t.RequestHeaders = txn.HeaderSet{}
				for _, eh := range bp.Edit.Headers {
					r.Header.Add(eh.Name, eh.Value)
					t.RequestHeaders.Add(eh.Name, eh.Value)
				}
			}
			if bp.Edit.Body != nil {
				bodyBytes = bp.Edit.Body
				t.RequestBody = bodyBytes
			}
		}
		p.store.Put(context.Background(), t)
		p.sink.Publish(t)
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), upstream.DialTimeout+15*time.Second)
	res, connErr := p.connector.Connect(dialCtx, "https", host, port, timing)
	cancel()
	if connErr != nil {
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		_ = t.Transition(txn.Failed)
		t.Notes = connErr.Error()
		p.finalize(t, timing)
		return
	}

	headers := make([]codec.HeaderField, 0, len(r.Header)+1)
	headers = append(headers, codec.HeaderField{Name: "Host", Value: hostHeaderValue(host, port)})
	for name, vals := range r.Header {
		for _, v := range vals {
			headers = append(headers, codec.HeaderField{Name: name, Value: v})
		}
	}

	if res.H2Conn != nil {
		p.forwardH2ServerOverH2(w, t, timing, r, path, bodyBytes, host, port, res)
		return
	}
	p.forwardH2ServerOverH1(w, t, timing, r, path, headers, bodyBytes, host, port, res)
}

// forwardH2ServerOverH1 writes the stream's request to a raw HTTP/1.1 (or
// HTTPS/1.1) upstream connection and copies its response onto the H2
// ResponseWriter.
func (p *MITMProxy) forwardH2ServerOverH1(w http.ResponseWriter, t *txn.Transaction, timing *txn.TimingHandle, r *http.Request, path string, headers []codec.HeaderField, bodyBytes []byte, host string, port int, res *upstream.Result) {
	upstreamConn := res.Stream
	defer upstreamConn.Close()
	t.Conn.ServerIP = res.Meta.ServerIP

	head := &codec.RequestHead{Method: r.Method, Target: path, ProtoMajor: 1, ProtoMinor: 1, Headers: headers}
	sendStart := time.Now()
	if err := writeUpstreamRequest(upstreamConn, head, path, host, port, bodyBytes); err != nil {
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		_ = t.Transition(txn.Failed)
		t.Notes = "upstream write failed: " + err.Error()
		p.finalize(t, timing)
		return
	}
	timing.RecordRequestSend(time.Since(sendStart))

	upBr := bufio.NewReader(upstreamConn)
	waitStart := time.Now()
	respHead, err := codec.ParseResponseHead(upBr)
	if err != nil {
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		_ = t.Transition(txn.Failed)
		t.Notes = "upstream response head read failed: " + err.Error()
		p.finalize(t, timing)
		return
	}
	timing.RecordWait(time.Since(waitStart))

	t.StatusCode = respHead.StatusCode
	t.Reason = respHead.Reason
	for _, h := range respHead.Headers {
		if isHopByHop(h.Name) {
			continue
		}
		t.ResponseHeaders.Add(h.Name, h.Value)
		w.Header().Add(h.Name, h.Value)
	}
	w.WriteHeader(respHead.StatusCode)

	teVal, _ := codec.Get(respHead.Headers, "Transfer-Encoding")
	chunkedResp := strings.Contains(strings.ToLower(teVal), "chunked")
	var declaredLen int64
	hasCL := false
	if clStr, ok := codec.Get(respHead.Headers, "Content-Length"); ok {
		if n, perr := strconv.ParseInt(clStr, 10, 64); perr == nil {
			declaredLen, hasCL = n, true
		}
	}

	capture := sink.NewBodyCapture(p.cfg.BodyCaptureMax)
	dlStart := time.Now()
	var wireErr error
	switch {
	case r.Method == "HEAD" || respHead.StatusCode == 204 || respHead.StatusCode == 304:
	case chunkedResp:
		_, wireErr = copyAndCapture(w, codec.NewChunkedReader(upBr), capture)
	case hasCL:
		_, wireErr = copyAndCaptureN(w, upBr, declaredLen, capture)
	default:
		_, wireErr = copyAndCapture(w, upBr, capture)
	}
	timing.RecordContentDownload(time.Since(dlStart))

	t.ResponseBody = capture.Bytes()
	t.ResponseBodyTruncated = capture.Truncated()
	t.ResponseByteSize = capture.Size()
	if wireErr != nil {
		_ = t.Transition(txn.Failed)
		t.Notes = "response body forward failed: " + wireErr.Error()
	} else {
		_ = t.Transition(txn.Completed)
	}
	p.finalize(t, timing)
}

// forwardH2ServerOverH2 bridges the stream directly onto a pooled H2
// upstream connection.
func (p *MITMProxy) forwardH2ServerOverH2(w http.ResponseWriter, t *txn.Transaction, timing *txn.TimingHandle, r *http.Request, path string, bodyBytes []byte, host string, port int, res *upstream.Result) {
	t.Conn.ConnectionReused = res.Meta.ConnectionReused

	req := r.Clone(r.Context())
	req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	req.ContentLength = int64(len(bodyBytes))

	br := bridge.New(res.H2Conn)
	bridge.PrepareRequest(req, host, port)

	waitStart := time.Now()
	resp, rtErr := br.RoundTrip(req)
	timing.RecordWait(time.Since(waitStart))
	if rtErr != nil {
		p.connector.MarkH2Failure(host, port)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		_ = t.Transition(txn.Failed)
		t.Notes = "h2 round trip failed: " + rtErr.Error()
		p.finalize(t, timing)
		return
	}
	defer resp.Body.Close()

	t.StatusCode = resp.StatusCode
	for name, vals := range resp.Header {
		for _, v := range vals {
			t.ResponseHeaders.Add(name, v)
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	capture := sink.NewBodyCapture(p.cfg.BodyCaptureMax)
	dlStart := time.Now()
	_, copyErr := copyAndCapture(w, resp.Body, capture)
	timing.RecordContentDownload(time.Since(dlStart))

	t.ResponseBody = capture.Bytes()
	t.ResponseBodyTruncated = capture.Truncated()
	t.ResponseByteSize = capture.Size()
	if copyErr != nil {
		_ = t.Transition(txn.Failed)
		t.Notes = "h2 response forward failed: " + copyErr.Error()
	} else {
		_ = t.Transition(txn.Completed)
	}
	p.finalize(t, timing)
}
