package api

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/aman-shahid/cheddarproxy/internal/txn"
)

// ExportFormat represents supported export formats.
type ExportFormat string

const (
	FormatNDJSON ExportFormat = "ndjson"
	FormatJSON   ExportFormat = "json"
	FormatCSV    ExportFormat = "csv"

	// MaxCSVRows limits CSV exports to prevent browser/Excel issues
	MaxCSVRows = 10000
	// MaxJSONRows limits JSON exports to prevent OOM (JSON buffers all rows in memory)
	MaxJSONRows = 10000
)

// ExportTransactionSummary is the export format for transactions without bodies.
type ExportTransactionSummary struct {
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

// ExportTransactionFull extends ExportTransactionSummary with bodies and headers.
type ExportTransactionFull struct {
	ExportTransactionSummary
	RequestBody           string              `json:"request_body,omitempty"`
	RequestBodyTruncated  bool                `json:"request_body_truncated,omitempty"`
	ResponseBody          string              `json:"response_body,omitempty"`
	ResponseBodyTruncated bool                `json:"response_body_truncated,omitempty"`
	RequestHeaders        map[string][]string `json:"request_headers,omitempty"`
	ResponseHeaders       map[string][]string `json:"response_headers,omitempty"`
}

// ExportConfig holds export configuration parsed from query params.
type ExportConfig struct {
	Format        ExportFormat
	IncludeBodies bool
	MaxRows       int
}

// ParseExportConfig parses export configuration from request query params.
func ParseExportConfig(r *http.Request) ExportConfig {
	cfg := ExportConfig{
		Format:        FormatNDJSON,
		IncludeBodies: false,
		MaxRows:       0,
	}

	if v := r.URL.Query().Get("format"); v != "" {
		switch v {
		case "json":
			cfg.Format = FormatJSON
			if cfg.MaxRows == 0 {
				cfg.MaxRows = MaxJSONRows
			}
		case "csv":
			cfg.Format = FormatCSV
			if cfg.MaxRows == 0 {
				cfg.MaxRows = MaxCSVRows
			}
		case "ndjson":
			cfg.Format = FormatNDJSON
		}
	}

	if v := r.URL.Query().Get("include_bodies"); v == "true" {
		cfg.IncludeBodies = true
	}

	if v := r.URL.Query().Get("max_rows"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxRows = n
		}
	}

	return cfg
}

// TransactionExporter writes transactions in a specific format.
type TransactionExporter interface {
	ContentType() string
	FileExtension() string
	WriteHeader(w io.Writer) error
	WriteTransaction(w io.Writer, t *txn.Transaction, includeBodies bool) error
	WriteFooter(w io.Writer, rowCount int, truncatedBodies int) error
}

// NDJSONExporter exports transactions as newline-delimited JSON.
type NDJSONExporter struct {
	encoder *json.Encoder
}

func NewNDJSONExporter() *NDJSONExporter {
	return &NDJSONExporter{}
}

func (e *NDJSONExporter) ContentType() string   { return "application/x-ndjson" }
func (e *NDJSONExporter) FileExtension() string { return "ndjson" }

func (e *NDJSONExporter) WriteHeader(w io.Writer) error {
	e.encoder = json.NewEncoder(w)
	return nil
}

func (e *NDJSONExporter) WriteTransaction(w io.Writer, t *txn.Transaction, includeBodies bool) error {
	if includeBodies {
		return e.encoder.Encode(toExportTransactionFull(t))
	}
	return e.encoder.Encode(toExportTransactionSummary(t))
}

func (e *NDJSONExporter) WriteFooter(w io.Writer, rowCount int, truncatedBodies int) error {
	return nil
}

// JSONExporter exports transactions as a JSON array with metadata.
type JSONExporter struct {
	rows            []interface{}
	includeBodies   bool
	truncatedBodies int
}

func NewJSONExporter() *JSONExporter {
	return &JSONExporter{rows: make([]interface{}, 0)}
}

func (e *JSONExporter) ContentType() string   { return "application/json" }
func (e *JSONExporter) FileExtension() string { return "json" }

func (e *JSONExporter) WriteHeader(w io.Writer) error { return nil }

func (e *JSONExporter) WriteTransaction(w io.Writer, t *txn.Transaction, includeBodies bool) error {
	e.includeBodies = includeBodies
	if includeBodies {
		full := toExportTransactionFull(t)
		if t.RequestBodyTruncated || t.ResponseBodyTruncated {
			e.truncatedBodies++
		}
		e.rows = append(e.rows, full)
	} else {
		e.rows = append(e.rows, toExportTransactionSummary(t))
	}
	return nil
}

func (e *JSONExporter) WriteFooter(w io.Writer, rowCount int, truncatedBodies int) error {
	response := map[string]interface{}{
		"transactions": e.rows,
		"meta": map[string]interface{}{
			"row_count":   rowCount,
			"exported_at": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if e.includeBodies && e.truncatedBodies > 0 {
		response["meta"].(map[string]interface{})["truncated_bodies"] = e.truncatedBodies
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

// CSVExporter exports transactions as CSV (summary fields only).
type CSVExporter struct {
	writer *csv.Writer
}

func NewCSVExporter() *CSVExporter {
	return &CSVExporter{}
}

func (e *CSVExporter) ContentType() string   { return "text/csv" }
func (e *CSVExporter) FileExtension() string { return "csv" }

func (e *CSVExporter) WriteHeader(w io.Writer) error {
	e.writer = csv.NewWriter(w)
	return e.writer.Write([]string{
		"id", "created_at", "scheme", "host", "port", "method", "path",
		"protocol_version", "state", "status_code", "total_ms",
	})
}

func (e *CSVExporter) WriteTransaction(w io.Writer, t *txn.Transaction, includeBodies bool) error {
	var totalMs string
	if t.Timing.TotalMs != nil {
		totalMs = strconv.FormatInt(*t.Timing.TotalMs, 10)
	}
	record := []string{
		t.ID,
		t.CreatedAt.UTC().Format(time.RFC3339),
		t.Scheme,
		t.Host,
		strconv.Itoa(t.Port),
		t.Method,
		t.Path,
		t.ProtocolVersion,
		t.State.String(),
		strconv.Itoa(t.StatusCode),
		totalMs,
	}
	return e.writer.Write(record)
}

func (e *CSVExporter) WriteFooter(w io.Writer, rowCount int, truncatedBodies int) error {
	e.writer.Flush()
	return e.writer.Error()
}

// NewExporter creates an exporter for the given format.
func NewExporter(format ExportFormat) TransactionExporter {
	switch format {
	case FormatJSON:
		return NewJSONExporter()
	case FormatCSV:
		return NewCSVExporter()
	default:
		return NewNDJSONExporter()
	}
}

func toExportTransactionSummary(t *txn.Transaction) ExportTransactionSummary {
	return ExportTransactionSummary{
		ID:              t.ID,
		CreatedAt:       t.CreatedAt.UTC().Format(time.RFC3339),
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

func toExportTransactionFull(t *txn.Transaction) ExportTransactionFull {
	return ExportTransactionFull{
		ExportTransactionSummary: toExportTransactionSummary(t),
		RequestBody:              encodeBody(t.RequestBody),
		RequestBodyTruncated:     t.RequestBodyTruncated,
		ResponseBody:             encodeBody(t.ResponseBody),
		ResponseBodyTruncated:    t.ResponseBodyTruncated,
		RequestHeaders:           headerMap(t.RequestHeaders.Ordered),
		ResponseHeaders:          headerMap(t.ResponseHeaders.Ordered),
	}
}

func headerMap(ordered []txn.Header) map[string][]string {
	if len(ordered) == 0 {
		return nil
	}
	out := make(map[string][]string, len(ordered))
	for _, h := range ordered {
		out[h.Name] = append(out[h.Name], h.Value)
	}
	return out
}

// encodeBody renders a captured body for JSON export, falling back to a
// placeholder that records only the byte count when it isn't valid UTF-8
// (or contains NUL bytes).
func encodeBody(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if jsonSafeUTF8(b) {
		return string(b)
	}
	return fmt.Sprintf("<%d bytes, binary>", len(b))
}

func jsonSafeUTF8(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}
	for i := 0; i < len(b); i++ {
		if b[i] == 0 {
			return false
		}
	}
	return true
}
