// Package api provides the Core API consumed by the dashboard UI, replay
// tooling, and any MCP/CLI client: proxy lifecycle control, transaction
// queries, breakpoint management, and CA retrieval (spec §6).
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aman-shahid/cheddarproxy/internal/breakpoint"
	"github.com/aman-shahid/cheddarproxy/internal/ca"
	"github.com/aman-shahid/cheddarproxy/internal/config"
	"github.com/aman-shahid/cheddarproxy/internal/proxy"
	"github.com/aman-shahid/cheddarproxy/internal/sink"
	"github.com/aman-shahid/cheddarproxy/internal/store"
	"github.com/aman-shahid/cheddarproxy/internal/txn"
)

// Server is the Core API server.
type Server struct {
	cfg         *config.Config
	cfgPath     string
	store       *store.Store
	breakpoints *breakpoint.Engine
	sink        *sink.TrafficSink
	proxy       *proxy.MITMProxy
	ca          *ca.CA
	logger      *slog.Logger
	mux         *http.ServeMux
	startTime   time.Time
	onReload    func(newToken string)
	rateLimiter *RateLimiter
}

// ServerOption configures the API server.
type ServerOption func(*Server)

// WithConfigPath sets the config file path for reload support.
func WithConfigPath(path string) ServerOption {
	return func(s *Server) {
		s.cfgPath = path
	}
}

// WithOnReload sets a callback invoked when config is reloaded, receiving
// the new auth token.
func WithOnReload(fn func(newToken string)) ServerOption {
	return func(s *Server) {
		s.onReload = fn
	}
}

// NewServer creates a new Core API server bound to the shared-fabric
// collaborators it fronts.
func NewServer(cfg *config.Config, dataStore *store.Store, breakpoints *breakpoint.Engine, trafficSink *sink.TrafficSink, mitmProxy *proxy.MITMProxy, rootCA *ca.CA, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:         cfg,
		store:       dataStore,
		breakpoints: breakpoints,
		sink:        trafficSink,
		proxy:       mitmProxy,
		ca:          rootCA,
		logger:      logger,
		mux:         http.NewServeMux(),
		startTime:   time.Now(),
		rateLimiter: NewRateLimiter(20, 100),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("GET /api/health", s.healthCheck)
	s.mux.HandleFunc("POST /api/admin/reload", s.authMiddleware(s.adminReload))

	s.mux.HandleFunc("POST /api/proxy/start", s.authMiddleware(s.startProxy))
	s.mux.HandleFunc("POST /api/proxy/stop", s.authMiddleware(s.stopProxy))
	s.mux.HandleFunc("GET /api/proxy/status", s.authMiddleware(s.getProxyStatus))

	s.mux.HandleFunc("GET /api/ca/pem", s.authMiddleware(s.getRootCAPEM))

	s.mux.HandleFunc("GET /api/transactions", s.authMiddleware(s.queryTransactions))
	s.mux.HandleFunc("GET /api/transactions/export", s.authMiddleware(s.exportTransactions))
	s.mux.HandleFunc("GET /api/transactions/recent", s.authMiddleware(s.listRecentTransactions))
	s.mux.HandleFunc("GET /api/transactions/page", s.authMiddleware(s.listTransactionsPage))
	s.mux.HandleFunc("GET /api/transactions/slow", s.authMiddleware(s.getSlowTransactions))
	s.mux.HandleFunc("GET /api/transactions/hosts", s.authMiddleware(s.listUniqueHosts))
	s.mux.HandleFunc("GET /api/transactions/count", s.authMiddleware(s.getTransactionCount))
	s.mux.HandleFunc("DELETE /api/transactions", s.authMiddleware(s.clearAllTransactions))
	s.mux.HandleFunc("POST /api/transactions/prune", s.authMiddleware(s.pruneOldTransactions))
	s.mux.HandleFunc("GET /api/transactions/{id}", s.authMiddleware(s.getTransactionDetail))

	s.mux.HandleFunc("GET /api/breakpoints", s.authMiddleware(s.listBreakpointRules))
	s.mux.HandleFunc("POST /api/breakpoints", s.authMiddleware(s.addBreakpointRule))
	s.mux.HandleFunc("DELETE /api/breakpoints/{id}", s.authMiddleware(s.removeBreakpointRule))
	s.mux.HandleFunc("POST /api/breakpoints/{id}/resume", s.authMiddleware(s.resumeBreakpoint))
	s.mux.HandleFunc("POST /api/breakpoints/{id}/abort", s.authMiddleware(s.abortBreakpoint))

	s.mux.HandleFunc("GET /api/stream", s.authMiddleware(s.createTrafficStream))
	s.mux.HandleFunc("POST /api/stream/filter", s.authMiddleware(s.updateStreamFilter))

	return s
}

// Handler returns the HTTP handler for the API: CORS -> rate limit -> routes.
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.rateLimiter.Middleware(s.mux))
}

// authMiddleware wraps a handler with bearer token authentication, using a
// constant-time comparison to avoid timing side channels. Tokens passed in
// the URL query string are rejected outright: intermediate proxies and
// browsers log query strings, so only the Authorization header is trusted.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "" {
			s.logger.Warn("rejected token in URL", "path", r.URL.Path, "remote", r.RemoteAddr)
			http.Error(w, "Token in URL is not allowed. Use Authorization header instead.", http.StatusBadRequest)
			return
		}

		auth := r.Header.Get("Authorization")
		expected := "Bearer " + s.cfg.Auth.Token
		if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
			s.logger.Debug("auth failed", "provided_len", len(auth))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// corsMiddleware adds CORS headers for local development, allowing only
// localhost origins.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if strings.HasPrefix(origin, "http://localhost") ||
				strings.HasPrefix(origin, "http://127.0.0.1") ||
				strings.HasPrefix(origin, "https://localhost") ||
				strings.HasPrefix(origin, "https://127.0.0.1") {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// --- proxy lifecycle (start_proxy/stop_proxy/get_proxy_status, spec §6) ---

type startProxyRequest struct {
	BindAddress string `json:"bind_address"`
	Port        int    `json:"port"`
}

type startProxyResponse struct {
	ActualAddr string `json:"actual_addr"`
	ActualPort int    `json:"actual_port"`
}

func (s *Server) startProxy(w http.ResponseWriter, r *http.Request) {
	var req startProxyRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	bindAddr := req.BindAddress
	if bindAddr == "" {
		bindAddr = s.cfg.Proxy.ListenAddr()
	}
	if req.Port != 0 {
		if host, _, err := splitHostPort(bindAddr); err == nil {
			bindAddr = fmt.Sprintf("%s:%d", host, req.Port)
		}
	}

	actual, err := s.proxy.Start(bindAddr)
	if err != nil {
		s.logger.Error("failed to start proxy", "error", err)
		http.Error(w, "Failed to start proxy: "+err.Error(), http.StatusInternalServerError)
		return
	}

	_, portStr, _ := splitHostPort(actual)
	port, _ := strconv.Atoi(portStr)
	s.writeJSON(w, startProxyResponse{ActualAddr: actual, ActualPort: port})
}

func (s *Server) stopProxy(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := s.proxy.Stop(ctx); err != nil {
		s.logger.Error("failed to stop proxy", "error", err)
		http.Error(w, "Failed to stop proxy: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]bool{"stopped": true})
}

func (s *Server) getProxyStatus(w http.ResponseWriter, r *http.Request) {
	status := s.proxy.Status()
	s.writeJSON(w, ProxyStatusResponse{
		Running:           status.Running,
		BindAddress:       status.BindAddress,
		Port:              status.Port,
		ActiveConnections: status.ActiveConnections,
		TotalRequests:     status.TotalRequests,
	})
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, "", fmt.Errorf("no port in address %q", addr)
	}
	return addr[:idx], addr[idx+1:], nil
}

// --- CA retrieval (ensure_root_ca/get_root_ca_pem, spec §6) ---

func (s *Server) getRootCAPEM(w http.ResponseWriter, r *http.Request) {
	if s.ca == nil {
		http.Error(w, "CA not configured", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write(s.ca.CertPEM())
}

// --- transaction queries (spec §6) ---

func (s *Server) queryTransactions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	filter, tr := parseTransactionFilter(r)
	page, pageSize := parsePageParams(r)

	results, total, err := s.store.Query(ctx, filter, tr, page, pageSize)
	if err != nil {
		s.logger.Error("failed to query transactions", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, TransactionPageResponse{
		Transactions: toSummaries(results),
		Total:        total,
		Page:         page,
		PageSize:     pageSize,
	})
}

func (s *Server) exportTransactions(w http.ResponseWriter, r *http.Request) {
	exportCfg := ParseExportConfig(r)
	filter, tr := parseTransactionFilter(r)

	exporter := NewExporter(exportCfg.Format)

	timestamp := time.Now().UTC().Format("20060102-150405")
	filename := fmt.Sprintf("transactions-%s.%s", timestamp, exporter.FileExtension())
	w.Header().Set("Content-Type", exporter.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	if err := exporter.WriteHeader(w); err != nil {
		s.logger.Error("export: failed to write header", "error", err)
		return
	}

	rowCount := 0
	truncatedBodies := 0
	page := 1
	const batchSize = 100
	for {
		if exportCfg.MaxRows > 0 && rowCount >= exportCfg.MaxRows {
			break
		}

		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		results, _, err := s.store.Query(ctx, filter, tr, page, batchSize)
		cancel()
		if err != nil {
			s.logger.Error("export: failed to query transactions", "error", err)
			break
		}
		if len(results) == 0 {
			break
		}

		for _, t := range results {
			if exportCfg.MaxRows > 0 && rowCount >= exportCfg.MaxRows {
				break
			}
			if err := exporter.WriteTransaction(w, t, exportCfg.IncludeBodies); err != nil {
				s.logger.Error("export: failed to write transaction", "error", err, "id", t.ID)
				return
			}
			if exportCfg.IncludeBodies && (t.RequestBodyTruncated || t.ResponseBodyTruncated) {
				truncatedBodies++
			}
			if exportCfg.Format == FormatNDJSON {
				flusher.Flush()
			}
			rowCount++
		}
		page++
	}

	if err := exporter.WriteFooter(w, rowCount, truncatedBodies); err != nil {
		s.logger.Error("export: failed to write footer", "error", err)
	}
	if exportCfg.Format != FormatJSON {
		w.Header().Set("X-Export-Row-Count", strconv.Itoa(rowCount))
	}
	s.logger.Info("export complete", "format", exportCfg.Format, "row_count", rowCount)
}

func (s *Server) listRecentTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	s.writeJSON(w, toSummaries(s.store.ListRecent(limit)))
}

func (s *Server) listTransactionsPage(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var before int64
	if v := r.URL.Query().Get("before_started_at_ms"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			before = n
		}
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	results, err := s.store.ListPage(ctx, before, limit)
	if err != nil {
		s.logger.Error("failed to list transaction page", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, toSummaries(results))
}

func (s *Server) getSlowTransactions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	filter, _ := parseTransactionFilter(r)
	threshold := int64(1000)
	if v := r.URL.Query().Get("threshold_ms"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			threshold = n
		}
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	results, err := s.store.SlowerThan(ctx, filter, threshold, limit)
	if err != nil {
		s.logger.Error("failed to get slow transactions", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, toSummaries(results))
}

func (s *Server) listUniqueHosts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	hosts, err := s.store.ListUniqueHosts(ctx, limit)
	if err != nil {
		s.logger.Error("failed to list unique hosts", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	response := make([]HostCountResponse, len(hosts))
	for i, h := range hosts {
		response[i] = HostCountResponse{Host: h.Host, Count: h.Count}
	}
	s.writeJSON(w, response)
}

func (s *Server) getTransactionCount(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	count, err := s.store.Count(ctx)
	if err != nil {
		s.logger.Error("failed to get transaction count", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]int{"count": count})
}

func (s *Server) clearAllTransactions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := s.store.ClearAll(ctx); err != nil {
		s.logger.Error("failed to clear transactions", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]bool{"cleared": true})
}

func (s *Server) pruneOldTransactions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			days = n
		}
	}
	deleted, err := s.store.PruneOlderThan(ctx, days)
	if err != nil {
		s.logger.Error("failed to prune transactions", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]int64{"deleted": deleted})
}

func (s *Server) getTransactionDetail(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "Missing transaction ID", http.StatusBadRequest)
		return
	}

	t, ok := s.store.GetByID(ctx, id)
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, toDetail(t))
}

func parsePageParams(r *http.Request) (page, pageSize int) {
	page = 1
	pageSize = store.RemotePageSizeCap
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pageSize = n
		}
	}
	return page, pageSize
}

func parseTransactionFilter(r *http.Request) (store.Filter, store.TimeRange) {
	var f store.Filter
	var tr store.TimeRange

	q := r.URL.Query()
	if v := q.Get("method"); v != "" {
		f.Method = &v
	}
	if v := q.Get("host_contains"); v != "" {
		f.HostContains = &v
	}
	if v := q.Get("path_contains"); v != "" {
		f.PathContains = &v
	}
	if v := q.Get("status_min"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.StatusMin = &n
		}
	}
	if v := q.Get("status_max"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.StatusMax = &n
		}
	}
	if v := q.Get("start_ms"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			tr.StartMS = &n
		}
	}
	if v := q.Get("end_ms"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			tr.EndMS = &n
		}
	}
	return f, tr
}

// --- breakpoints (spec §6) ---

func (s *Server) listBreakpointRules(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.breakpoints.ListRules())
}

func (s *Server) addBreakpointRule(w http.ResponseWriter, r *http.Request) {
	var rule breakpoint.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	added := s.breakpoints.AddRule(&rule)
	s.writeJSON(w, added)
}

func (s *Server) removeBreakpointRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.breakpoints.RemoveRule(id) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, map[string]bool{"removed": true})
}

type resumeBreakpointRequest struct {
	Edit *breakpointEditRequest `json:"edit"`
}

type breakpointEditRequest struct {
	Method  *string                  `json:"method"`
	Path    *string                  `json:"path"`
	Headers []breakpoint.EditHeader  `json:"headers"`
	Body    []byte                   `json:"body"`
}

func (s *Server) resumeBreakpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req resumeBreakpointRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	var edit breakpoint.Edit
	if req.Edit != nil {
		edit = breakpoint.Edit{
			Method:  req.Edit.Method,
			Path:    req.Edit.Path,
			Headers: req.Edit.Headers,
			Body:    req.Edit.Body,
		}
	}

	if !s.breakpoints.Resume(id, &edit) {
		http.Error(w, "No transaction suspended with that id", http.StatusNotFound)
		return
	}
	s.writeJSON(w, map[string]bool{"resumed": true})
}

type abortBreakpointRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) abortBreakpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req abortBreakpointRequest
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "aborted via API"
	}

	if !s.breakpoints.Abort(id, req.Reason) {
		http.Error(w, "No transaction suspended with that id", http.StatusNotFound)
		return
	}
	s.writeJSON(w, map[string]bool{"aborted": true})
}

// --- live traffic filter (update_stream_filter, spec §6) ---

func (s *Server) updateStreamFilter(w http.ResponseWriter, r *http.Request) {
	var f sink.StreamFilter
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.sink.UpdateFilter(&f)
	s.writeJSON(w, map[string]bool{"updated": true})
}

// --- health and admin ---

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).String(),
	}
	if s.proxy != nil {
		health.ProxyRunning = s.proxy.Status().Running
	}
	s.writeJSON(w, health)
}

// adminReload reloads configuration from disk. Localhost-only: it rotates
// the auth token other requests are checked against.
func (s *Server) adminReload(w http.ResponseWriter, r *http.Request) {
	if !isLocalhost(r.RemoteAddr) {
		s.logger.Warn("admin reload rejected: not localhost", "remote", r.RemoteAddr)
		http.Error(w, "Admin endpoints are localhost-only", http.StatusForbidden)
		return
	}
	if s.cfgPath == "" {
		http.Error(w, "Config path not set - reload not supported", http.StatusServiceUnavailable)
		return
	}

	newCfg, err := config.Load(s.cfgPath)
	if err != nil {
		s.logger.Error("failed to reload config", "error", err)
		http.Error(w, "Failed to reload config: "+err.Error(), http.StatusInternalServerError)
		return
	}

	oldToken := s.cfg.Auth.Token
	newToken := newCfg.Auth.Token
	s.cfg.Auth.Token = newToken

	if s.onReload != nil {
		s.onReload(newToken)
	}

	s.logger.Info("config reloaded", "token_changed", oldToken != newToken)
	s.writeJSON(w, map[string]interface{}{
		"success":       true,
		"token_changed": oldToken != newToken,
		"timestamp":     time.Now(),
	})
}

// isLocalhost reports whether remoteAddr (as seen in http.Request.RemoteAddr)
// names the loopback interface.
func isLocalhost(remoteAddr string) bool {
	host := remoteAddr
	if strings.HasPrefix(host, "[") {
		if idx := strings.Index(host, "]:"); idx != -1 {
			host = host[1:idx]
		} else if strings.HasSuffix(host, "]") {
			host = host[1 : len(host)-1]
		}
	} else if strings.Contains(host, ":") && !strings.Contains(host, "::") {
		if idx := strings.LastIndex(host, ":"); idx != -1 {
			host = host[:idx]
		}
	}
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

// --- response types ---

// TransactionSummary is the list view of a Transaction.
type TransactionSummary struct {
	ID              string `json:"id"`
	CreatedAt       string `json:"created_at"`
	Method          string `json:"method"`
	Scheme          string `json:"scheme"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Path            string `json:"path"`
	ProtocolVersion string `json:"protocol_version"`
	State           string `json:"state"`
	StatusCode      int    `json:"status_code,omitempty"`
	TotalMs         *int64 `json:"total_ms,omitempty"`
}

// TransactionDetail is the full view of a Transaction, including headers,
// bodies, and timing.
type TransactionDetail struct {
	TransactionSummary
	RequestHeaders        map[string][]string `json:"request_headers,omitempty"`
	RequestBody           []byte              `json:"request_body,omitempty"`
	RequestBodyTruncated  bool                `json:"request_body_truncated"`
	ResponseHeaders       map[string][]string `json:"response_headers,omitempty"`
	ResponseBody          []byte              `json:"response_body,omitempty"`
	ResponseBodyTruncated bool                `json:"response_body_truncated"`
	ResponseByteSize      int64               `json:"response_byte_size"`
	Timing                txn.Timing          `json:"timing"`
	Conn                  txn.ConnMeta        `json:"conn"`
	Notes                 string              `json:"notes,omitempty"`
}

// TransactionPageResponse is the paginated response for query_transactions.
type TransactionPageResponse struct {
	Transactions []TransactionSummary `json:"transactions"`
	Total        int                  `json:"total"`
	Page         int                  `json:"page"`
	PageSize     int                  `json:"page_size"`
}

// HostCountResponse is one row of list_unique_hosts.
type HostCountResponse struct {
	Host  string `json:"host"`
	Count int    `json:"count"`
}

// ProxyStatusResponse mirrors get_proxy_status.
type ProxyStatusResponse struct {
	Running           bool   `json:"running"`
	BindAddress       string `json:"bind_address"`
	Port              int    `json:"port"`
	ActiveConnections int64  `json:"active_connections"`
	TotalRequests     int64  `json:"total_requests"`
}

// HealthResponse is the API response for health status.
type HealthResponse struct {
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	Uptime       string    `json:"uptime"`
	ProxyRunning bool      `json:"proxy_running"`
}

func toSummary(t *txn.Transaction) TransactionSummary {
	return TransactionSummary{
		ID:              t.ID,
		CreatedAt:       t.CreatedAt.UTC().Format(time.RFC3339Nano),
		Method:          t.Method,
		Scheme:          t.Scheme,
		Host:            t.Host,
		Port:            t.Port,
		Path:            t.Path,
		ProtocolVersion: t.ProtocolVersion,
		State:           t.State.String(),
		StatusCode:      t.StatusCode,
		TotalMs:         t.Timing.TotalMs,
	}
}

func toSummaries(ts []*txn.Transaction) []TransactionSummary {
	out := make([]TransactionSummary, len(ts))
	for i, t := range ts {
		out[i] = toSummary(t)
	}
	return out
}

func toDetail(t *txn.Transaction) TransactionDetail {
	return TransactionDetail{
		TransactionSummary:    toSummary(t),
		RequestHeaders:        headerMap(t.RequestHeaders.Ordered),
		RequestBody:           t.RequestBody,
		RequestBodyTruncated:  t.RequestBodyTruncated,
		ResponseHeaders:       headerMap(t.ResponseHeaders.Ordered),
		ResponseBody:          t.ResponseBody,
		ResponseBodyTruncated: t.ResponseBodyTruncated,
		ResponseByteSize:      t.ResponseByteSize,
		Timing:                t.Timing,
		Conn:                  t.Conn,
		Notes:                 t.Notes,
	}
}
