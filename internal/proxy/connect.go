package proxy

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/aman-shahid/cheddarproxy/internal/codec"
	"github.com/aman-shahid/cheddarproxy/internal/txn"
)

// handleConnect implements CONNECT_DISPATCH (spec §4.2): with a
// Certificate Authority configured, it terminates TLS locally using a
// forged leaf certificate and branches on the negotiated ALPN protocol
// into HANDLE_H2_SERVER or a fresh READ_REQUEST loop; without one it falls
// back to a plain byte tunnel. A failed local TLS handshake closes the
// connection; it is not retried as a tunnel.
func (p *MITMProxy) handleConnect(conn net.Conn, br *bufio.Reader, head *codec.RequestHead, connDone <-chan struct{}) {
	host, port, err := splitConnectTarget(head.Target)
	if err != nil {
		_ = writeSimpleResponse(conn, 400, "Bad Request")
		return
	}

	if p.ca == nil || p.certCache == nil {
		p.plainTunnel(conn, br, host, port)
		return
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	// br may already hold bytes read ahead of the CONNECT response (the
	// start of the client's TLS handshake); route reads through it so
	// none of that is lost.
	tlsConn := tls.Server(bufferedConn{Conn: conn, br: br}, p.certCache.ServerTLSConfig())
	if err := tlsConn.Handshake(); err != nil {
		p.logger.Debug("mitm handshake failed", "host", host, "error", err)
		return
	}

	meta := txn.ConnMeta{TLSVersion: "", ServerIP: ""}
	state := tlsConn.ConnectionState()
	meta.TLSVersion = tlsVersionLabel(state.Version)
	meta.TLSCipherSuite = tls.CipherSuiteName(state.CipherSuite)

	if state.NegotiatedProtocol == "h2" {
		p.handleH2Server(tlsConn, host, port, meta)
		return
	}

	p.serveHTTP1(tlsConn, "https", host, port, meta, connDone)
}

// bufferedConn is a net.Conn whose Read is satisfied from a *bufio.Reader
// first, falling through to the underlying connection once drained —
// used to hand a read-ahead-safe connection to tls.Server after a
// buffered io.Reader has already consumed some of its bytes.
type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func (b bufferedConn) Read(p []byte) (int, error) {
	return b.br.Read(p)
}

func splitConnectTarget(target string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return "", 0, fmt.Errorf("invalid CONNECT target %q: %w", target, err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, fmt.Errorf("invalid CONNECT port %q: %w", portStr, err)
	}
	return host, port, nil
}

// plainTunnel implements the no-CA branch of CONNECT_DISPATCH: a raw
// byte tunnel to the origin, replaying any bytes the client already sent
// ahead of the CONNECT response.
func (p *MITMProxy) plainTunnel(conn net.Conn, br *bufio.Reader, host string, port int) {
	upstreamConn, err := net.Dial("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		_ = writeSimpleResponse(conn, 502, "Bad Gateway")
		return
	}
	defer upstreamConn.Close()

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	if n := br.Buffered(); n > 0 {
		buf := make([]byte, n)
		if _, err := br.Read(buf); err == nil {
			if _, err := upstreamConn.Write(buf); err != nil {
				return
			}
		}
	}

	p.tunnelWg.Add(1)
	defer p.tunnelWg.Done()
	tunnel(conn, upstreamConn, p.logger, host)
}

func tlsVersionLabel(v uint16) string {
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
