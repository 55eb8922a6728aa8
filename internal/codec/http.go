// Package codec implements the wire-level frame codecs shared by the
// connection handler: HTTP/1.1 head parsing limits, chunked transfer
// encoding, and RFC 6455 WebSocket framing.
package codec

import (
	"bufio"
	"fmt"
)

// Limits mirror spec §4.3.
const (
	MaxHeadBytes       = 128 * 1024
	MaxHeaderCount     = 256
	MaxRequestBodyByte = 32 * 1024 * 1024
)

// BodyKind classifies how a request/response body is framed on the wire.
type BodyKind int

const (
	// BodyNone means no body is present.
	BodyNone BodyKind = iota
	// BodyChunked means Transfer-Encoding: chunked.
	BodyChunked
	// BodyFixedLength means a Content-Length header is present.
	BodyFixedLength
	// BodyStreaming means neither header is present but the connection
	// carries a body until EOF or close (typically only valid for
	// responses).
	BodyStreaming
)

// ErrHeadTooLarge is returned when a head exceeds MaxHeadBytes or
// MaxHeaderCount.
var ErrHeadTooLarge = fmt.Errorf("request head exceeds %d bytes or %d headers", MaxHeadBytes, MaxHeaderCount)

// ErrBodyTooLarge is returned when a declared or accumulated body size
// exceeds MaxRequestBodyByte.
var ErrBodyTooLarge = fmt.Errorf("body exceeds %d byte cap", MaxRequestBodyByte)

// LimitedHeadReader wraps a *bufio.Reader so that reads past MaxHeadBytes
// fail with ErrHeadTooLarge, bounding header-parse memory use per §4.3.
// It is intended to wrap the connection reader only while the request/
// response head is being parsed with http.ReadRequest/http.ReadResponse.
type LimitedHeadReader struct {
	r     *bufio.Reader
	limit int
	read  int
}

// NewLimitedHeadReader returns a LimitedHeadReader bounded at MaxHeadBytes.
func NewLimitedHeadReader(r *bufio.Reader) *LimitedHeadReader {
	return &LimitedHeadReader{r: r, limit: MaxHeadBytes}
}

// Reset zeroes the byte counter so the same LimitedHeadReader can be reused
// for the next request head on a keep-alive connection, each getting a fresh
// MaxHeadBytes budget.
func (l *LimitedHeadReader) Reset() {
	l.read = 0
}

// Read implements io.Reader, counting bytes towards the head-size cap.
func (l *LimitedHeadReader) Read(p []byte) (int, error) {
	if l.read >= l.limit {
		return 0, ErrHeadTooLarge
	}
	if len(p) > l.limit-l.read {
		p = p[:l.limit-l.read]
	}
	n, err := l.r.Read(p)
	l.read += n
	return n, err
}

// ReadByte satisfies io.ByteReader, used by textproto header scanning.
func (l *LimitedHeadReader) ReadByte() (byte, error) {
	if l.read >= l.limit {
		return 0, ErrHeadTooLarge
	}
	b, err := l.r.ReadByte()
	if err == nil {
		l.read++
	}
	return b, err
}

// ClassifyBody derives the body kind from Transfer-Encoding/Content-Length
// per §4.3. n is the parsed Content-Length when kind is BodyFixedLength.
func ClassifyBody(transferEncodingChunked bool, contentLength int64, hasContentLength bool) (kind BodyKind, n int64, err error) {
	if transferEncodingChunked {
		return BodyChunked, 0, nil
	}
	if hasContentLength {
		if contentLength > MaxRequestBodyByte {
			return BodyFixedLength, contentLength, ErrBodyTooLarge
		}
		return BodyFixedLength, contentLength, nil
	}
	return BodyNone, 0, nil
}
