// Package bridge adapts an HTTP/1.1-shaped request/response pair onto a
// multiplexed HTTP/2 upstream connection, so the forwarding code in
// internal/proxy never has to know whether the origin speaks HTTP/1.1 or
// HTTP/2 (spec §4.7).
package bridge

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"golang.org/x/net/http2"

	"github.com/aman-shahid/cheddarproxy/internal/codec"
)

// hopByHop lists headers dropped in both directions when crossing onto or
// off of the H2 transport (spec §4.7). TE is handled separately since it
// survives with the single value "trailers".
var hopByHop = []string{"Connection", "Keep-Alive", "Proxy-Connection", "Upgrade", "Transfer-Encoding"}

// Bridge wraps one pooled H2 client connection for request adaptation.
type Bridge struct {
	conn *http2.ClientConn
}

// New wraps an established H2 client connection.
func New(conn *http2.ClientConn) *Bridge {
	return &Bridge{conn: conn}
}

// PrepareRequest sanitizes req in place for transport over H2: it strips
// hop-by-hop headers, keeps TE only when it is exactly "trailers", and
// lets net/http derive :authority from req.URL/req.Host. It does not touch
// req.Body: the caller must supply a plain (already de-chunked) body
// reader before calling this.
func PrepareRequest(req *http.Request, host string, port int) {
	req.Proto = "HTTP/2.0"
	req.ProtoMajor = 2
	req.ProtoMinor = 0

	te := req.Header.Get("Te")
	for _, h := range hopByHop {
		req.Header.Del(h)
	}
	req.Header.Del("Expect")
	req.Header.Del("Host")
	if strings.EqualFold(strings.TrimSpace(te), "trailers") {
		req.Header.Set("Te", "trailers")
	}

	req.Host = authority(host, port)
	if req.URL != nil {
		// Absolute-form requests carry scheme+authority in the URL; the H2
		// transport only wants path+query once :authority is set.
		req.URL.Scheme = ""
		req.URL.Host = ""
	}
}

// authority computes the :authority value, omitting the default port for
// the scheme (spec §4.7).
func authority(host string, port int) string {
	if port == 0 || port == 443 || port == 80 {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// DechunkBody wraps a chunked-encoded body reader with codec's chunked
// reader so it can be sent to H2 as a plain body (HTTP/2 has no chunked
// transfer encoding; bodies are always framed as DATA frames).
func DechunkBody(r *bufio.Reader) io.Reader {
	return codec.NewChunkedReader(r)
}

// RoundTrip sends req over the bridge's H2 connection and returns the
// response with forbidden response headers stripped per spec §4.7.
func (b *Bridge) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := b.conn.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	for _, h := range hopByHop {
		resp.Header.Del(h)
	}
	return resp, nil
}

// WriteH1Response writes resp to w as an HTTP/1.1 status line, headers, and
// body, per spec §4.7's response-direction adaptation. If resp has no
// Content-Length the body is forwarded until EOF and the caller must close
// the connection afterward to signal end-of-body to the client.
func WriteH1Response(w io.Writer, resp *http.Response) (hasContentLength bool, err error) {
	reason := resp.Status
	if reason == "" {
		reason = strconv.Itoa(resp.StatusCode) + " " + http.StatusText(resp.StatusCode)
	}
	if _, err = io.WriteString(w, "HTTP/1.1 "+reason+"\r\n"); err != nil {
		return false, err
	}

	hasContentLength = resp.ContentLength >= 0
	if hasContentLength {
		resp.Header.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	} else {
		resp.Header.Del("Content-Length")
	}

	if err = resp.Header.Write(w); err != nil {
		return hasContentLength, err
	}
	if _, err = io.WriteString(w, "\r\n"); err != nil {
		return hasContentLength, err
	}
	if resp.Body != nil {
		_, err = io.Copy(w, resp.Body)
	}
	return hasContentLength, err
}

// CanonicalHeaderKey re-exports textproto's canonicalization so callers
// building header lists from raw wire names get net/http-compatible keys.
func CanonicalHeaderKey(s string) string {
	return textproto.CanonicalMIMEHeaderKey(s)
}
