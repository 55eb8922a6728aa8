package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aman-shahid/cheddarproxy/internal/bridge"
	"github.com/aman-shahid/cheddarproxy/internal/breakpoint"
	"github.com/aman-shahid/cheddarproxy/internal/codec"
	"github.com/aman-shahid/cheddarproxy/internal/sink"
	"github.com/aman-shahid/cheddarproxy/internal/txn"
	"github.com/aman-shahid/cheddarproxy/internal/upstream"
)

// forwardOutcome tells the per-connection loop how to proceed after one
// FORWARD_REQUEST pass: whether the client connection was handed off to
// another state (WEBSOCKET_TUNNEL) and, if not, whether it must be
// closed rather than kept alive for the next request.
type forwardOutcome struct {
	hijacked   bool
	forceClose bool
}

// forwardRequest implements FORWARD_REQUEST (spec §4.2): it builds the
// Transaction, buffers and optionally breakpoints the request body, dials
// upstream, and forwards over whichever transport the connector chose.
func (p *MITMProxy) forwardRequest(conn net.Conn, br *bufio.Reader, head *codec.RequestHead, scheme, host string, port int, baseMeta txn.ConnMeta, connReused bool, connDone <-chan struct{}) forwardOutcome {
	id, err := uuid.NewV7()
	idStr := id.String()
	if err != nil {
		idStr = fmt.Sprintf("txn-%d", time.Now().UnixNano())
	}

	timing := txn.NewTimingHandle()
	path := requestPath(head.Target)

	t := txn.New(idStr, head.Method, scheme, host, port, path, fmt.Sprintf("HTTP/%d.%d", head.ProtoMajor, head.ProtoMinor))
	t.Conn = baseMeta
	t.Conn.ConnectionReused = connReused
	for _, h := range head.Headers {
		t.RequestHeaders.Add(h.Name, h.Value)
	}

	teVal, _ := codec.Get(head.Headers, "Transfer-Encoding")
	chunked := strings.Contains(strings.ToLower(teVal), "chunked")
	var contentLength int64
	hasCL := false
	if clStr, ok := codec.Get(head.Headers, "Content-Length"); ok {
		if n, perr := strconv.ParseInt(clStr, 10, 64); perr == nil {
			contentLength, hasCL = n, true
		}
	}
	kind, n, classifyErr := codec.ClassifyBody(chunked, contentLength, hasCL)
	if classifyErr != nil {
		_ = writeSimpleResponse(conn, 413, "Payload Too Large")
		return p.failNoUpstream(t, timing, "request body too large")
	}

	bodyBytes, bodyErr := readRequestBody(br, kind, n)
	if bodyErr != nil {
		status := 400
		if errors.Is(bodyErr, codec.ErrBodyTooLarge) {
			status = 413
		}
		_ = writeSimpleResponse(conn, status, http.StatusText(status))
		return p.failNoUpstream(t, timing, "request body read failed: "+bodyErr.Error())
	}
	t.RequestBody = bodyBytes

	t.Conn.IsWebSocket = head.Method == "GET" &&
		codec.Contains(head.Headers, "Upgrade", "websocket") &&
		codec.Contains(head.Headers, "Connection", "upgrade")

	p.store.Put(context.Background(), t)
	p.sink.Publish(t)

	p.totalRequests.Add(1)

	bctx := breakpoint.Context{Method: head.Method, Host: host, Path: path}
	if p.breakpoints.Matched(bctx) {
		_ = t.Transition(txn.Breakpointed)
		p.store.Put(context.Background(), t)
		p.sink.Publish(t)

		bp := p.breakpoints.Pause(t.ID, bctx, connDone)
		if bp.Aborted {
			_ = t.Transition(txn.Failed)
			t.Notes = bp.Reason
			_ = writeSimpleResponse(conn, 409, "Request aborted at breakpoint")
			p.finalize(t, timing)
			return forwardOutcome{forceClose: true}
		}
		_ = t.Transition(txn.Pending)
		if !bp.Edit.IsEmpty() {
			applyEdit(head, &path, &bodyBytes, bp.Edit)
			t.Method = head.Method
			t.Path = path
			t.RequestBody = bodyBytes
			t.RequestHeaders = txn.HeaderSet{}
			for _, h := range head.Headers {
				t.RequestHeaders.Add(h.Name, h.Value)
			}
		}
		p.store.Put(context.Background(), t)
		p.sink.Publish(t)
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), upstream.DialTimeout+15*time.Second)
	res, connErr := p.connector.Connect(dialCtx, scheme, host, port, timing)
	cancel()
	if connErr != nil {
		_ = writeSimpleResponse(conn, 502, "Bad Gateway")
		return p.failNoUpstream(t, timing, connErr.Error())
	}

	if res.H2Conn != nil {
		return p.forwardOverH2(conn, br, t, timing, head, path, bodyBytes, host, port, res, connDone)
	}
	return p.forwardOverH1(conn, br, t, timing, head, path, bodyBytes, host, port, res, connDone)
}

func readRequestBody(br *bufio.Reader, kind codec.BodyKind, declaredLen int64) ([]byte, error) {
	switch kind {
	case codec.BodyFixedLength:
		if declaredLen == 0 {
			return nil, nil
		}
		buf := make([]byte, declaredLen)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, err
		}
		return buf, nil
	case codec.BodyChunked:
		return io.ReadAll(codec.NewChunkedReader(br))
	default:
		return nil, nil
	}
}

// failNoUpstream finalizes a Transaction that never reached (or never
// needed) an upstream connection.
func (p *MITMProxy) failNoUpstream(t *txn.Transaction, timing *txn.TimingHandle, note string) forwardOutcome {
	if t.State != txn.Failed {
		_ = t.Transition(txn.Failed)
	}
	t.Notes = note
	p.finalize(t, timing)
	return forwardOutcome{forceClose: true}
}

// finalize records total duration, applies the timing snapshot, persists,
// and publishes — the one path every FORWARD_REQUEST exit funnels through.
func (p *MITMProxy) finalize(t *txn.Transaction, timing *txn.TimingHandle) {
	timing.RecordTotal()
	timing.Apply(&t.Timing)
	p.store.Put(context.Background(), t)
	p.sink.Publish(t)
}

// forwardOverH1 writes the request to a raw HTTP/1.1 (or HTTPS/1.1)
// upstream stream and forwards its response, retrying once over a fresh
// connection for GET and HEAD requests over https if the response head
// can't be read (spec §4.2/§7).
func (p *MITMProxy) forwardOverH1(conn net.Conn, br *bufio.Reader, t *txn.Transaction, timing *txn.TimingHandle, head *codec.RequestHead, path string, bodyBytes []byte, host string, port int, res *upstream.Result, connDone <-chan struct{}) forwardOutcome {
	return p.forwardOverH1Attempt(conn, br, t, timing, head, path, bodyBytes, host, port, res, connDone, true)
}

func (p *MITMProxy) forwardOverH1Attempt(conn net.Conn, br *bufio.Reader, t *txn.Transaction, timing *txn.TimingHandle, head *codec.RequestHead, path string, bodyBytes []byte, host string, port int, res *upstream.Result, connDone <-chan struct{}, allowRetry bool) forwardOutcome {
	upstreamConn := res.Stream
	t.Conn.ServerIP = res.Meta.ServerIP
	if res.Meta.TLSVersion != "" {
		t.Conn.TLSVersion = res.Meta.TLSVersion
		t.Conn.TLSCipherSuite = res.Meta.TLSCipherSuite
	}

	sendStart := time.Now()
	if err := writeUpstreamRequest(upstreamConn, head, path, host, port, bodyBytes); err != nil {
		upstreamConn.Close()
		_ = writeSimpleResponse(conn, 502, "Bad Gateway")
		return p.failNoUpstream(t, timing, "upstream write failed: "+err.Error())
	}
	timing.RecordRequestSend(time.Since(sendStart))

	upBr := bufio.NewReader(upstreamConn)
	limited := codec.NewLimitedHeadReader(upBr)
	headBr := bufio.NewReader(limited)

	waitStart := time.Now()
	respHead, err := codec.ParseResponseHead(headBr)
	if err != nil {
		upstreamConn.Close()
		if allowRetry && t.Scheme == "https" && (head.Method == "GET" || head.Method == "HEAD") {
			p.connector.MarkH2Failure(host, port)
			retryCtx, cancel := context.WithTimeout(context.Background(), upstream.DialTimeout+15*time.Second)
			res2, rerr := p.connector.Connect(retryCtx, t.Scheme, host, port, timing)
			cancel()
			if rerr == nil && res2 != nil && res2.Stream != nil {
				return p.forwardOverH1Attempt(conn, br, t, timing, head, path, bodyBytes, host, port, res2, connDone, false)
			}
		}
		_ = writeSimpleResponse(conn, 502, "Bad Gateway")
		return p.failNoUpstream(t, timing, "upstream response head read failed: "+err.Error())
	}
	timing.RecordWait(time.Since(waitStart))

	// The head-size cap only protects the head parse. headBr may have
	// buffered body bytes ahead of the blank line that ended the head;
	// drain those first, then continue reading the body straight off
	// upBr, uncapped (response bodies are not subject to MaxHeadBytes).
	leftover, _ := headBr.Peek(headBr.Buffered())
	bodyR := io.MultiReader(bytes.NewReader(append([]byte(nil), leftover...)), upBr)

	t.StatusCode = respHead.StatusCode
	t.Reason = respHead.Reason
	for _, h := range respHead.Headers {
		t.ResponseHeaders.Add(h.Name, h.Value)
	}

	if respHead.StatusCode == 101 && codec.Contains(respHead.Headers, "Upgrade", "websocket") && codec.Contains(respHead.Headers, "Connection", "upgrade") {
		if err := writeResponseHead(conn, respHead); err != nil {
			upstreamConn.Close()
			return p.failNoUpstream(t, timing, "failed writing 101 response: "+err.Error())
		}
		t.Conn.IsWebSocket = true
		_ = t.Transition(txn.Completed)
		p.finalize(t, timing)
		// br may still hold client bytes read ahead through the capped
		// head reader; drain those before switching to raw conn reads so
		// the WebSocket tunnel isn't bound by the head-size cap.
		clientLeftover, _ := br.Peek(br.Buffered())
		clientBodyR := io.MultiReader(bytes.NewReader(append([]byte(nil), clientLeftover...)), conn)
		clientSide := bufferedConn{Conn: conn, br: bufio.NewReader(clientBodyR)}
		upstreamSide := bufferedConn{Conn: upstreamConn, br: bufio.NewReader(bodyR)}
		p.runWebSocketTunnel(clientSide, upstreamSide, t.ID)
		return forwardOutcome{hijacked: true}
	}

	if err := writeResponseHead(conn, respHead); err != nil {
		upstreamConn.Close()
		return p.failNoUpstream(t, timing, "failed writing response head: "+err.Error())
	}

	teVal, _ := codec.Get(respHead.Headers, "Transfer-Encoding")
	chunkedResp := strings.Contains(strings.ToLower(teVal), "chunked")
	var declaredLen int64
	hasCL := false
	if clStr, ok := codec.Get(respHead.Headers, "Content-Length"); ok {
		if n, perr := strconv.ParseInt(clStr, 10, 64); perr == nil {
			declaredLen, hasCL = n, true
		}
	}
	noBody := respHead.StatusCode == 204 || respHead.StatusCode == 304 || head.Method == "HEAD"

	capture := sink.NewBodyCapture(p.cfg.BodyCaptureMax)
	forceClose := false
	var wireErr error

	dlStart := time.Now()
	switch {
	case noBody:
	case chunkedResp:
		cr := codec.NewChunkedReader(bufio.NewReader(bodyR))
		cw := codec.NewChunkedWriter(conn)
		_, wireErr = copyAndCapture(cw, cr, capture)
		if wireErr == nil {
			wireErr = cw.Close()
		}
	case hasCL:
		_, wireErr = copyAndCaptureN(conn, bodyR, declaredLen, capture)
	default:
		_, wireErr = copyAndCapture(conn, bodyR, capture)
		forceClose = true
	}
	timing.RecordContentDownload(time.Since(dlStart))
	upstreamConn.Close()

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
	return forwardOutcome{forceClose: forceClose || wireErr != nil}
}

func writeUpstreamRequest(upstreamConn net.Conn, head *codec.RequestHead, path, host string, port int, bodyBytes []byte) error {
	bw := bufio.NewWriter(upstreamConn)
	if _, err := fmt.Fprintf(bw, "%s %s HTTP/1.1\r\n", head.Method, path); err != nil {
		return err
	}
	headers := rewriteRequestHeaders(head.Headers, host, port, len(bodyBytes))
	if err := codec.WriteHeaders(bw, headers); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	if len(bodyBytes) > 0 {
		if _, err := bw.Write(bodyBytes); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// forwardOverH2 adapts the request onto a pooled HTTP/2 client connection
// via the H1<->H2 bridge (spec §4.7), falling back to a fresh HTTP/1.1
// connection on RoundTrip failure (spec §4.6's mark_h2_failure path).
func (p *MITMProxy) forwardOverH2(conn net.Conn, br *bufio.Reader, t *txn.Transaction, timing *txn.TimingHandle, head *codec.RequestHead, path string, bodyBytes []byte, host string, port int, res *upstream.Result, connDone <-chan struct{}) forwardOutcome {
	t.Conn.ConnectionReused = res.Meta.ConnectionReused

	u, err := url.Parse(path)
	if err != nil {
		u = &url.URL{Path: path}
	}
	hostHeader, _ := codec.Get(head.Headers, "Host")
	req := &http.Request{
		Method:        head.Method,
		URL:           u,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		ContentLength: int64(len(bodyBytes)),
		Body:          io.NopCloser(bytes.NewReader(bodyBytes)),
		Host:          hostHeader,
	}
	for _, h := range head.Headers {
		req.Header.Add(bridge.CanonicalHeaderKey(h.Name), h.Value)
	}
	bg := bridge.New(res.H2Conn)
	bridge.PrepareRequest(req, host, port)

	waitStart := time.Now()
	resp, rtErr := bg.RoundTrip(req)
	timing.RecordWait(time.Since(waitStart))

	if rtErr != nil {
		p.connector.MarkH2Failure(host, port)
		retryCtx, cancel := context.WithTimeout(context.Background(), upstream.DialTimeout+15*time.Second)
		res2, cErr := p.connector.Connect(retryCtx, t.Scheme, host, port, timing)
		cancel()
		if cErr == nil && res2 != nil && res2.Stream != nil {
			return p.forwardOverH1Attempt(conn, br, t, timing, head, path, bodyBytes, host, port, res2, connDone, false)
		}
		_ = writeSimpleResponse(conn, 502, "Bad Gateway")
		return p.failNoUpstream(t, timing, "h2 round trip failed: "+rtErr.Error())
	}
	defer resp.Body.Close()

	t.StatusCode = resp.StatusCode
	t.Reason = strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" ")
	for name, vals := range resp.Header {
		for _, v := range vals {
			t.ResponseHeaders.Add(name, v)
		}
	}

	capture := sink.NewBodyCapture(p.cfg.BodyCaptureMax)
	resp.Body = io.NopCloser(io.TeeReader(resp.Body, captureWriter{capture}))

	dlStart := time.Now()
	hasContentLength, werr := bridge.WriteH1Response(conn, resp)
	timing.RecordContentDownload(time.Since(dlStart))

	t.ResponseBody = capture.Bytes()
	t.ResponseBodyTruncated = capture.Truncated()
	t.ResponseByteSize = capture.Size()

	if werr != nil {
		_ = t.Transition(txn.Failed)
		t.Notes = "h2 response forward failed: " + werr.Error()
	} else {
		_ = t.Transition(txn.Completed)
	}
	p.finalize(t, timing)
	return forwardOutcome{forceClose: !hasContentLength || werr != nil}
}
