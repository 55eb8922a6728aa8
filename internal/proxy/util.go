package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/aman-shahid/cheddarproxy/internal/breakpoint"
	"github.com/aman-shahid/cheddarproxy/internal/codec"
	"github.com/aman-shahid/cheddarproxy/internal/sink"
)

// requestHopByHop lists headers stripped when forwarding a request to the
// origin (spec §4.2); Transfer-Encoding and Content-Length are recomputed
// from the already-buffered body rather than passed through.
var requestHopByHop = []string{"Connection", "Keep-Alive", "Proxy-Connection", "Proxy-Authorization", "Transfer-Encoding", "Content-Length"}

func isHopByHop(name string) bool {
	for _, h := range requestHopByHop {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

// splitTarget derives the (host, port) a request is destined for: parsed
// out of an absolute-form target for plain-HTTP proxying, or out of the
// Host header for an origin-form target on an already-intercepted
// connection.
func splitTarget(target string, headers []codec.HeaderField, scheme string) (string, int, error) {
	lower := strings.ToLower(target)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		u, err := url.Parse(target)
		if err != nil {
			return "", 0, err
		}
		portStr := u.Port()
		if portStr == "" {
			if u.Scheme == "https" {
				portStr = "443"
			} else {
				portStr = "80"
			}
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, err
		}
		return u.Hostname(), port, nil
	}

	hostHeader, ok := codec.Get(headers, "Host")
	if !ok || hostHeader == "" {
		return "", 0, fmt.Errorf("missing Host header for origin-form request")
	}
	h, portStr, err := net.SplitHostPort(hostHeader)
	if err != nil {
		h = hostHeader
		if scheme == "https" {
			portStr = "443"
		} else {
			portStr = "80"
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in Host header %q", hostHeader)
	}
	return h, port, nil
}

// requestPath returns the origin-form path+query a request targets,
// whether the wire target was absolute-form (plain-HTTP proxying) or
// already origin-form (post-CONNECT interception).
func requestPath(target string) string {
	lower := strings.ToLower(target)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		if u, err := url.Parse(target); err == nil {
			return u.RequestURI()
		}
	}
	return target
}

func hostHeaderValue(host string, port int) string {
	if port == 0 || port == 80 || port == 443 {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// rewriteRequestHeaders drops hop-by-hop headers, normalizes Host, and
// sets Content-Length from the already-buffered body (spec §4.2: the
// connector always buffers the request body, so the original
// Transfer-Encoding framing is not preserved upstream).
func rewriteRequestHeaders(headers []codec.HeaderField, host string, port int, bodyLen int) []codec.HeaderField {
	out := make([]codec.HeaderField, 0, len(headers)+2)
	hostSet := false
	for _, h := range headers {
		if isHopByHop(h.Name) {
			continue
		}
		if strings.EqualFold(h.Name, "Host") {
			hostSet = true
			out = append(out, codec.HeaderField{Name: "Host", Value: hostHeaderValue(host, port)})
			continue
		}
		out = append(out, h)
	}
	if !hostSet {
		out = append(out, codec.HeaderField{Name: "Host", Value: hostHeaderValue(host, port)})
	}
	if bodyLen > 0 {
		out = append(out, codec.HeaderField{Name: "Content-Length", Value: strconv.Itoa(bodyLen)})
	}
	out = append(out, codec.HeaderField{Name: "Connection", Value: "close"})
	return out
}

// wantsKeepAlive reports whether the client expects this connection kept
// open for a further request, honoring HTTP/1.0's close-by-default and
// HTTP/1.1's keep-alive-by-default framing.
func wantsKeepAlive(head *codec.RequestHead) bool {
	connVal, _ := codec.Get(head.Headers, "Connection")
	lower := strings.ToLower(connVal)
	if strings.Contains(lower, "close") {
		return false
	}
	if head.ProtoMajor == 1 && head.ProtoMinor == 0 {
		return strings.Contains(lower, "keep-alive")
	}
	return true
}

// applyEdit mutates head/path/body in place per a breakpoint Edit.
func applyEdit(head *codec.RequestHead, path *string, bodyBytes *[]byte, edit *breakpoint.Edit) {
	if edit.Method != nil {
		head.Method = *edit.Method
	}
	if edit.Path != nil {
		head.Target = *edit.Path
		*path = *edit.Path
	}
	if edit.Headers != nil {
		newHeaders := make([]codec.HeaderField, 0, len(edit.Headers))
		for _, eh := range edit.Headers {
			newHeaders = append(newHeaders, codec.HeaderField{Name: eh.Name, Value: eh.Value})
		}
		head.Headers = newHeaders
	}
	if edit.Body != nil {
		*bodyBytes = edit.Body
	}
}

// writeResponseHead serializes a parsed response head verbatim to w.
func writeResponseHead(w io.Writer, head *codec.ResponseHead) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "HTTP/%d.%d %d %s\r\n", head.ProtoMajor, head.ProtoMinor, head.StatusCode, head.Reason); err != nil {
		return err
	}
	if err := codec.WriteHeaders(bw, head.Headers); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// writeSimpleResponse writes a minimal HTTP/1.1 response with a
// plain-text body and Connection: close, used for the proxy's own
// synthesized error/abort responses (spec §6's wire-visible contracts).
func writeSimpleResponse(w io.Writer, status int, body string) error {
	_, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(body), body)
	return err
}

// copyAndCapture copies src to dst, pushing every chunk read into capture,
// until src is exhausted.
func copyAndCapture(dst io.Writer, src io.Reader, capture *sink.BodyCapture) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			capture.Push(buf[:n])
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, rerr
		}
	}
}

// copyAndCaptureN copies exactly n bytes (a fixed-length response body)
// from src to dst, capturing as it goes.
func copyAndCaptureN(dst io.Writer, src io.Reader, n int64, capture *sink.BodyCapture) (int64, error) {
	return copyAndCapture(dst, io.LimitReader(src, n), capture)
}

// captureWriter adapts a BodyCapture to io.Writer so it can back an
// io.TeeReader over an H2 response body.
type captureWriter struct{ c *sink.BodyCapture }

func (w captureWriter) Write(p []byte) (int, error) {
	w.c.Push(p)
	return len(p), nil
}
