// Package proxy implements the intercepting proxy's Connection Handler
// (C7) and Listener/Supervisor (C8): the accept loop, the per-connection
// HTTP/1.1 and HTTP/2 state machines, CONNECT dispatch (MITM vs. plain
// tunnel), and the WebSocket tunnel.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aman-shahid/cheddarproxy/internal/breakpoint"
	"github.com/aman-shahid/cheddarproxy/internal/ca"
	"github.com/aman-shahid/cheddarproxy/internal/sink"
	"github.com/aman-shahid/cheddarproxy/internal/store"
	"github.com/aman-shahid/cheddarproxy/internal/upstream"
)

// acceptPollInterval bounds how long Accept blocks before the supervisor
// rechecks the running flag, so Stop returns promptly (spec §4.1).
const acceptPollInterval = 500 * time.Millisecond

// Config collects the tunable limits the Connection Handler enforces,
// generalized from internal/config.CaptureConfig so the proxy package
// doesn't import the config package directly.
type Config struct {
	EnableHTTPS   bool
	EnableH2      bool
	MaxPortProbes int

	IdleTimeout    time.Duration
	BodyCaptureMax int
	RequestBodyMax int64
	WSPayloadMax   int
	HeadMaxBytes   int
}

// MITMProxy is the intercepting proxy: a listener/supervisor plus the
// connection handler that implements spec §4.2's state machine.
type MITMProxy struct {
	logger *slog.Logger

	ca          *ca.CA
	certCache   *ca.CertCache
	breakpoints *breakpoint.Engine
	connector   *upstream.Connector
	store       *store.Store
	sink        *sink.TrafficSink
	wsMessages  *WSMessageLog

	cfg Config

	listener   net.Listener
	actualAddr string
	bindHost   string

	running       atomic.Bool
	activeConns   atomic.Int64
	totalRequests atomic.Int64
	streamIDSeq   atomic.Uint32

	connWg sync.WaitGroup

	tunnelMu    sync.Mutex
	tunnelConns map[net.Conn]struct{}
	tunnelWg    sync.WaitGroup
}

// Deps bundles the shared-fabric collaborators a MITMProxy is constructed
// with, per spec §3's Ownership model (all process-wide, all injected
// rather than constructed internally).
type Deps struct {
	Logger      *slog.Logger
	CA          *ca.CA
	CertCache   *ca.CertCache
	Breakpoints *breakpoint.Engine
	Connector   *upstream.Connector
	Store       *store.Store
	Sink        *sink.TrafficSink
}

// New builds a MITMProxy from its dependencies and capture configuration.
func New(deps Deps, cfg Config) (*MITMProxy, error) {
	if deps.Connector == nil {
		return nil, fmt.Errorf("proxy: connector is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("proxy: store is required")
	}
	if deps.Sink == nil {
		return nil, fmt.Errorf("proxy: sink is required")
	}
	if deps.Breakpoints == nil {
		return nil, fmt.Errorf("proxy: breakpoint engine is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.MaxPortProbes <= 0 {
		cfg.MaxPortProbes = 1
	}
	if cfg.BodyCaptureMax <= 0 {
		cfg.BodyCaptureMax = 512 * 1024
	}
	if cfg.RequestBodyMax <= 0 {
		cfg.RequestBodyMax = 32 * 1024 * 1024
	}
	if cfg.WSPayloadMax <= 0 {
		cfg.WSPayloadMax = 256 * 1024
	}
	return &MITMProxy{
		logger:      logger,
		ca:          deps.CA,
		certCache:   deps.CertCache,
		breakpoints: deps.Breakpoints,
		connector:   deps.Connector,
		store:       deps.Store,
		sink:        deps.Sink,
		wsMessages:  NewWSMessageLog(1024),
		cfg:         cfg,
		tunnelConns: make(map[net.Conn]struct{}),
	}, nil
}

// Status mirrors get_proxy_status (spec §6).
type Status struct {
	Running           bool
	BindAddress       string
	Port              int
	ActiveConnections int64
	TotalRequests     int64
}

// Status reports the proxy's current operational state.
func (p *MITMProxy) Status() Status {
	var host string
	var port int
	if p.actualAddr != "" {
		if h, portStr, err := net.SplitHostPort(p.actualAddr); err == nil {
			host = h
			if n, err := strconv.Atoi(portStr); err == nil {
				port = n
			}
		}
	}
	return Status{
		Running:           p.running.Load(),
		BindAddress:       host,
		Port:              port,
		ActiveConnections: p.activeConns.Load(),
		TotalRequests:     p.totalRequests.Load(),
	}
}

// Start binds a listener for bindAddress ("host:port") and begins
// accepting connections. If the requested port is already in use, it
// probes up to cfg.MaxPortProbes sequential ports before giving up (spec
// §4.1). It returns the address actually bound.
func (p *MITMProxy) Start(bindAddress string) (string, error) {
	host, portStr, err := net.SplitHostPort(bindAddress)
	if err != nil {
		return "", fmt.Errorf("proxy: invalid bind address %q: %w", bindAddress, err)
	}
	basePort, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("proxy: invalid port %q: %w", portStr, err)
	}

	var ln net.Listener
	var lastErr error
	for i := 0; i < p.cfg.MaxPortProbes; i++ {
		candidate := net.JoinHostPort(host, strconv.Itoa(basePort+i))
		ln, lastErr = net.Listen("tcp", candidate)
		if lastErr == nil {
			break
		}
		if !isAddrInUse(lastErr) {
			return "", lastErr
		}
	}
	if ln == nil {
		return "", fmt.Errorf("proxy: no free port found starting at %d after %d probes: %w", basePort, p.cfg.MaxPortProbes, lastErr)
	}

	p.listener = ln
	p.actualAddr = ln.Addr().String()
	p.bindHost = host
	p.running.Store(true)

	p.connWg.Add(1)
	go p.acceptLoop()

	p.logger.Info("proxy listening", "addr", p.actualAddr)
	return p.actualAddr, nil
}

// isAddrInUse reports whether err looks like a bind failure worth probing
// the next port for, rather than a permanent misconfiguration.
func isAddrInUse(err error) bool {
	return strings.Contains(err.Error(), "address already in use") ||
		strings.Contains(err.Error(), "bind: ")
}

func (p *MITMProxy) acceptLoop() {
	defer p.connWg.Done()
	for p.running.Load() {
		if dl, ok := p.listener.(interface{ SetDeadline(time.Time) error }); ok {
			_ = dl.SetDeadline(time.Now().Add(acceptPollInterval))
		}
		conn, err := p.listener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if !p.running.Load() {
				return
			}
			p.logger.Debug("accept error", "error", err)
			continue
		}

		p.activeConns.Add(1)
		p.connWg.Add(1)
		go func() {
			defer p.connWg.Done()
			defer p.activeConns.Add(-1)
			defer conn.Close()
			p.handleConnection(conn)
		}()
	}
}

// Stop closes the listener, tears down any in-progress plain tunnels, and
// waits (bounded by ctx) for all handler goroutines to finish.
func (p *MITMProxy) Stop(ctx context.Context) error {
	p.running.Store(false)
	if p.listener != nil {
		_ = p.listener.Close()
	}
	p.closeTunnels()

	done := make(chan struct{})
	go func() {
		p.connWg.Wait()
		p.tunnelWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trackConn registers a raw passthrough-tunnel connection so Stop can
// force it closed instead of waiting out its idle timeout.
func (p *MITMProxy) trackConn(c net.Conn) {
	p.tunnelMu.Lock()
	p.tunnelConns[c] = struct{}{}
	p.tunnelMu.Unlock()
}

// untrackConn removes a connection registered via trackConn.
func (p *MITMProxy) untrackConn(c net.Conn) {
	p.tunnelMu.Lock()
	delete(p.tunnelConns, c)
	p.tunnelMu.Unlock()
}

// closeTunnels force-closes every currently tracked passthrough tunnel
// connection, used during shutdown so Stop doesn't block on the 5-minute
// tunnel idle timeout.
func (p *MITMProxy) closeTunnels() {
	p.tunnelMu.Lock()
	conns := make([]net.Conn, 0, len(p.tunnelConns))
	for c := range p.tunnelConns {
		conns = append(conns, c)
	}
	p.tunnelMu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// nextStreamID assigns a monotonic id to a new HANDLE_H2_SERVER stream,
// distinct from the underlying HTTP/2 connection's own stream numbering,
// used purely for Transaction.Conn.StreamID presentation (spec §4.2).
func (p *MITMProxy) nextStreamID() uint32 {
	return p.streamIDSeq.Add(1)
}
