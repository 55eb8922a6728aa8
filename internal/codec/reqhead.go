package codec

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// HeaderField is one raw header line, order-preserving.
type HeaderField struct {
	Name  string
	Value string
}

// RequestHead is a parsed HTTP/1.x request line plus headers, the head-only
// half of C1's frame codec (spec §4.3). Target is exactly as written on the
// wire: absolute-form for proxied plain-HTTP requests, origin-form once a
// connection has been intercepted via CONNECT.
type RequestHead struct {
	Method      string
	Target      string
	ProtoMajor  int
	ProtoMinor  int
	Headers     []HeaderField
}

// ResponseHead is a parsed HTTP/1.x status line plus headers.
type ResponseHead struct {
	ProtoMajor int
	ProtoMinor int
	StatusCode int
	Reason     string
	Headers    []HeaderField
}

// Get returns the first header value matching name case-insensitively.
func Get(headers []HeaderField, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Contains reports whether header name's value contains sub, case-insensitively.
func Contains(headers []HeaderField, name, sub string) bool {
	v, ok := Get(headers, name)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(v), strings.ToLower(sub))
}

// ParseRequestHead reads one request line and header block from r, which
// must ultimately be backed by a LimitedHeadReader so the cumulative byte
// count is bounded at MaxHeadBytes (spec §4.3). Returns ErrHeadTooLarge if
// the header count exceeds MaxHeaderCount.
func ParseRequestHead(r *bufio.Reader) (*RequestHead, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed request line %q", line)
	}
	major, minor, err := parseHTTPVersion(parts[2])
	if err != nil {
		return nil, err
	}
	headers, err := parseHeaders(r)
	if err != nil {
		return nil, err
	}
	return &RequestHead{
		Method:     parts[0],
		Target:     parts[1],
		ProtoMajor: major,
		ProtoMinor: minor,
		Headers:    headers,
	}, nil
}

// ParseResponseHead reads one status line and header block from r.
func ParseResponseHead(r *bufio.Reader) (*ResponseHead, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("malformed status line %q", line)
	}
	major, minor, err := parseHTTPVersion(parts[0])
	if err != nil {
		return nil, err
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed status code %q", parts[1])
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	headers, err := parseHeaders(r)
	if err != nil {
		return nil, err
	}
	return &ResponseHead{
		ProtoMajor: major,
		ProtoMinor: minor,
		StatusCode: code,
		Reason:     reason,
		Headers:    headers,
	}, nil
}

func parseHeaders(r *bufio.Reader) ([]HeaderField, error) {
	var headers []HeaderField
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return headers, nil
		}
		if len(headers) >= MaxHeaderCount {
			return nil, ErrHeadTooLarge
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		headers = append(headers, HeaderField{Name: name, Value: value})
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func parseHTTPVersion(tok string) (major, minor int, err error) {
	tok = strings.TrimPrefix(tok, "HTTP/")
	parts := strings.SplitN(tok, ".", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed HTTP version %q", tok)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed HTTP version %q", tok)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed HTTP version %q", tok)
	}
	return major, minor, nil
}

// WriteHeaders serializes headers in wire order, CRLF-terminated, without
// the trailing blank line (callers append it after the status/request
// line and any injected headers).
func WriteHeaders(w interface{ WriteString(string) (int, error) }, headers []HeaderField) error {
	for _, h := range headers {
		if _, err := w.WriteString(h.Name + ": " + h.Value + "\r\n"); err != nil {
			return err
		}
	}
	return nil
}
