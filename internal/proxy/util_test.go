package proxy

import (
	"testing"

	"github.com/aman-shahid/cheddarproxy/internal/codec"
)

// TestRewriteRequestHeaders_NormalizesConnectionToClose covers the
// Connection-rewrite normalization required by the outbound hop-by-hop
// rules: the connector never reuses an upstream connection across
// requests, so every forwarded request must declare Connection: close
// regardless of what the client sent.
func TestRewriteRequestHeaders_NormalizesConnectionToClose(t *testing.T) {
	in := []codec.HeaderField{
		{Name: "Host", Value: "old-host"},
		{Name: "Connection", Value: "keep-alive"},
		{Name: "User-Agent", Value: "test"},
	}
	out := rewriteRequestHeaders(in, "example.com", 443, 0)

	val, ok := codec.Get(out, "Connection")
	if !ok {
		t.Fatal("rewritten headers must include a Connection header")
	}
	if val != "close" {
		t.Errorf("Connection = %q, want %q", val, "close")
	}

	count := 0
	for _, h := range out {
		if h.Name == "Connection" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one Connection header, got %d", count)
	}
}

func TestRewriteRequestHeaders_DropsHopByHopAndSetsHost(t *testing.T) {
	in := []codec.HeaderField{
		{Name: "Host", Value: "old-host"},
		{Name: "Proxy-Authorization", Value: "Basic xyz"},
		{Name: "Keep-Alive", Value: "timeout=5"},
		{Name: "Transfer-Encoding", Value: "chunked"},
	}
	out := rewriteRequestHeaders(in, "example.com", 8443, 11)

	for _, h := range out {
		switch h.Name {
		case "Proxy-Authorization", "Keep-Alive", "Transfer-Encoding":
			t.Errorf("hop-by-hop header %q should have been dropped", h.Name)
		}
	}
	host, ok := codec.Get(out, "Host")
	if !ok || host != "example.com:8443" {
		t.Errorf("Host = (%q, %v), want example.com:8443", host, ok)
	}
	cl, ok := codec.Get(out, "Content-Length")
	if !ok || cl != "11" {
		t.Errorf("Content-Length = (%q, %v), want 11", cl, ok)
	}
}

func TestWantsKeepAlive(t *testing.T) {
	cases := []struct {
		name   string
		head   *codec.RequestHead
		want   bool
	}{
		{
			name: "HTTP/1.1 default keeps alive",
			head: &codec.RequestHead{ProtoMajor: 1, ProtoMinor: 1},
			want: true,
		},
		{
			name: "HTTP/1.1 explicit close",
			head: &codec.RequestHead{ProtoMajor: 1, ProtoMinor: 1, Headers: []codec.HeaderField{{Name: "Connection", Value: "close"}}},
			want: false,
		},
		{
			name: "HTTP/1.0 default closes",
			head: &codec.RequestHead{ProtoMajor: 1, ProtoMinor: 0},
			want: false,
		},
		{
			name: "HTTP/1.0 explicit keep-alive",
			head: &codec.RequestHead{ProtoMajor: 1, ProtoMinor: 0, Headers: []codec.HeaderField{{Name: "Connection", Value: "keep-alive"}}},
			want: true,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := wantsKeepAlive(c.head); got != c.want {
				t.Errorf("wantsKeepAlive() = %v, want %v", got, c.want)
			}
		})
	}
}
