package proxy

import (
	"bufio"
	"net"
	"strings"
	"time"

	"github.com/aman-shahid/cheddarproxy/internal/codec"
	"github.com/aman-shahid/cheddarproxy/internal/txn"
)

// handleConnection is the Connection Handler's entry point (spec §4.2):
// READ_REQUEST on a freshly accepted client connection, dispatching to
// CONNECT_DISPATCH or FORWARD_REQUEST.
func (p *MITMProxy) handleConnection(conn net.Conn) {
	p.trackConn(conn)
	defer p.untrackConn(conn)

	connDone := make(chan struct{})
	defer close(connDone)

	p.serveHTTP1(conn, "http", "", 0, txn.ConnMeta{}, connDone)
}

// serveHTTP1 runs the READ_REQUEST loop over conn: parse a request head,
// dispatch CONNECT or forward it, and either loop for the next
// keep-alive request or return once the connection is closed, hijacked
// (WebSocket/H2 takeover), or a non-keep-alive response completes.
//
// fixedHost/fixedPort/scheme are set once CONNECT_DISPATCH has completed
// a MITM handshake: every subsequent request on this connection targets
// that single origin regardless of the (now origin-form) request target.
func (p *MITMProxy) serveHTTP1(conn net.Conn, scheme string, fixedHost string, fixedPort int, baseMeta txn.ConnMeta, connDone <-chan struct{}) {
	br := bufio.NewReader(conn)
	limited := codec.NewLimitedHeadReader(br)
	headBr := bufio.NewReader(limited)

	connReused := false
	for {
		_ = conn.SetReadDeadline(time.Now().Add(p.cfg.IdleTimeout))
		limited.Reset()

		head, err := codec.ParseRequestHead(headBr)
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		if strings.EqualFold(head.Method, "CONNECT") {
			p.handleConnect(conn, headBr, head, connDone)
			return
		}

		host, port := fixedHost, fixedPort
		if fixedHost == "" {
			h, pt, serr := splitTarget(head.Target, head.Headers, scheme)
			if serr != nil {
				_ = writeSimpleResponse(conn, 400, "Bad Request")
				return
			}
			host, port = h, pt
		}

		outcome := p.forwardRequest(conn, headBr, head, scheme, host, port, baseMeta, connReused, connDone)
		if outcome.hijacked {
			return
		}
		if outcome.forceClose || !wantsKeepAlive(head) {
			return
		}
		connReused = true
	}
}
