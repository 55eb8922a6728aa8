package api

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aman-shahid/cheddarproxy/internal/testutil"
	"github.com/aman-shahid/cheddarproxy/internal/txn"
)

func TestParseExportConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		query       string
		wantFormat  ExportFormat
		wantBodies  bool
		wantMaxRows int
	}{
		{
			name:        "defaults",
			query:       "",
			wantFormat:  FormatNDJSON,
			wantBodies:  false,
			wantMaxRows: 0,
		},
		{
			name:        "json format with default max rows",
			query:       "format=json",
			wantFormat:  FormatJSON,
			wantBodies:  false,
			wantMaxRows: MaxJSONRows,
		},
		{
			name:        "csv format with default max rows",
			query:       "format=csv",
			wantFormat:  FormatCSV,
			wantBodies:  false,
			wantMaxRows: MaxCSVRows,
		},
		{
			name:        "include bodies",
			query:       "include_bodies=true",
			wantFormat:  FormatNDJSON,
			wantBodies:  true,
			wantMaxRows: 0,
		},
		{
			name:        "custom max rows",
			query:       "format=ndjson&max_rows=500",
			wantFormat:  FormatNDJSON,
			wantBodies:  false,
			wantMaxRows: 500,
		},
		{
			name:        "all options",
			query:       "format=json&include_bodies=true&max_rows=100",
			wantFormat:  FormatJSON,
			wantBodies:  true,
			wantMaxRows: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := mustNewRequest(t, "GET", "/api/transactions/export?"+tt.query)
			cfg := ParseExportConfig(req)

			if cfg.Format != tt.wantFormat {
				t.Errorf("Format = %v, want %v", cfg.Format, tt.wantFormat)
			}
			if cfg.IncludeBodies != tt.wantBodies {
				t.Errorf("IncludeBodies = %v, want %v", cfg.IncludeBodies, tt.wantBodies)
			}
			if cfg.MaxRows != tt.wantMaxRows {
				t.Errorf("MaxRows = %v, want %v", cfg.MaxRows, tt.wantMaxRows)
			}
		})
	}
}

func TestNDJSONExporter(t *testing.T) {
	t.Parallel()

	tx := testTransaction()
	var buf bytes.Buffer
	exporter := NewNDJSONExporter()

	if err := exporter.WriteHeader(&buf); err != nil {
		t.Fatalf("WriteHeader error: %v", err)
	}

	if err := exporter.WriteTransaction(&buf, tx, false); err != nil {
		t.Fatalf("WriteTransaction error: %v", err)
	}

	if err := exporter.WriteFooter(&buf, 1, 0); err != nil {
		t.Fatalf("WriteFooter error: %v", err)
	}

	output := buf.String()
	if !strings.HasSuffix(output, "\n") {
		t.Error("NDJSON should end with newline")
	}

	var result ExportTransactionSummary
	if err := json.Unmarshal([]byte(output), &result); err != nil {
		t.Fatalf("Failed to parse NDJSON: %v", err)
	}

	if result.ID != tx.ID {
		t.Errorf("ID = %v, want %v", result.ID, tx.ID)
	}
	if result.Host != tx.Host {
		t.Errorf("Host = %v, want %v", result.Host, tx.Host)
	}
}

func TestNDJSONExporter_WithBodies(t *testing.T) {
	t.Parallel()

	tx := testTransactionWithBodies()
	var buf bytes.Buffer
	exporter := NewNDJSONExporter()

	exporter.WriteHeader(&buf)
	if err := exporter.WriteTransaction(&buf, tx, true); err != nil {
		t.Fatalf("WriteTransaction error: %v", err)
	}
	exporter.WriteFooter(&buf, 1, 0)

	var result ExportTransactionFull
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("Failed to parse NDJSON: %v", err)
	}

	if result.RequestBody != string(tx.RequestBody) {
		t.Error("RequestBody not included")
	}
	if result.ResponseBody != string(tx.ResponseBody) {
		t.Error("ResponseBody not included")
	}
}

func TestJSONExporter(t *testing.T) {
	t.Parallel()

	transactions := []*txn.Transaction{testTransaction(), testTransaction()}
	transactions[1].ID = "txn-2"

	var buf bytes.Buffer
	exporter := NewJSONExporter()

	exporter.WriteHeader(&buf)
	for _, tx := range transactions {
		if err := exporter.WriteTransaction(&buf, tx, false); err != nil {
			t.Fatalf("WriteTransaction error: %v", err)
		}
	}
	if err := exporter.WriteFooter(&buf, 2, 0); err != nil {
		t.Fatalf("WriteFooter error: %v", err)
	}

	var result struct {
		Transactions []ExportTransactionSummary `json:"transactions"`
		Meta         map[string]interface{}     `json:"meta"`
	}
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("Failed to parse JSON: %v", err)
	}

	if len(result.Transactions) != 2 {
		t.Errorf("Expected 2 transactions, got %d", len(result.Transactions))
	}
	if result.Meta["row_count"].(float64) != 2 {
		t.Errorf("row_count = %v, want 2", result.Meta["row_count"])
	}
	if _, ok := result.Meta["exported_at"]; !ok {
		t.Error("Missing exported_at in meta")
	}
}

func TestCSVExporter(t *testing.T) {
	t.Parallel()

	tx := testTransaction()
	var buf bytes.Buffer
	exporter := NewCSVExporter()

	if err := exporter.WriteHeader(&buf); err != nil {
		t.Fatalf("WriteHeader error: %v", err)
	}
	if err := exporter.WriteTransaction(&buf, tx, false); err != nil {
		t.Fatalf("WriteTransaction error: %v", err)
	}
	if err := exporter.WriteFooter(&buf, 1, 0); err != nil {
		t.Fatalf("WriteFooter error: %v", err)
	}

	reader := csv.NewReader(&buf)
	records, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse CSV: %v", err)
	}

	if len(records) != 2 { // header + 1 row
		t.Errorf("Expected 2 records (header + 1 row), got %d", len(records))
	}

	header := records[0]
	if header[0] != "id" {
		t.Errorf("First header = %v, want 'id'", header[0])
	}

	row := records[1]
	if row[0] != tx.ID {
		t.Errorf("ID = %v, want %v", row[0], tx.ID)
	}
	if row[3] != tx.Host {
		t.Errorf("Host = %v, want %v", row[3], tx.Host)
	}
}

func TestCSVExporter_IgnoresBodies(t *testing.T) {
	t.Parallel()

	tx := testTransactionWithBodies()
	var buf bytes.Buffer
	exporter := NewCSVExporter()

	exporter.WriteHeader(&buf)
	exporter.WriteTransaction(&buf, tx, true)
	exporter.WriteFooter(&buf, 1, 0)

	output := buf.String()
	if strings.Contains(output, "request body content") {
		t.Error("CSV should not include request body")
	}
	if strings.Contains(output, "response body content") {
		t.Error("CSV should not include response body")
	}
}

func TestExporterContentTypes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format      ExportFormat
		contentType string
		extension   string
	}{
		{FormatNDJSON, "application/x-ndjson", "ndjson"},
		{FormatJSON, "application/json", "json"},
		{FormatCSV, "text/csv", "csv"},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			exporter := NewExporter(tt.format)
			if exporter.ContentType() != tt.contentType {
				t.Errorf("ContentType = %v, want %v", exporter.ContentType(), tt.contentType)
			}
			if exporter.FileExtension() != tt.extension {
				t.Errorf("FileExtension = %v, want %v", exporter.FileExtension(), tt.extension)
			}
		})
	}
}

func TestEncodeBody_BinaryFallback(t *testing.T) {
	t.Parallel()

	binary := []byte{0x00, 0x01, 0x02}
	got := encodeBody(binary)
	if !strings.Contains(got, "binary") {
		t.Errorf("encodeBody(binary) = %q, want a binary placeholder", got)
	}

	text := []byte("plain text")
	if got := encodeBody(text); got != "plain text" {
		t.Errorf("encodeBody(text) = %q, want %q", got, "plain text")
	}
}

// Helper functions

func testTransaction() *txn.Transaction {
	return testutil.NewTransaction().
		WithID("txn-1").
		WithHost("https", "api.example.com", 443).
		WithMethod("POST").
		WithPath("/v1/messages").
		WithStatus(200, "OK").
		Build()
}

func testTransactionWithBodies() *txn.Transaction {
	tx := testTransaction()
	tx.RequestBody = []byte("request body content")
	tx.ResponseBody = []byte("response body content")
	tx.RequestHeaders.Add("Content-Type", "application/json")
	tx.ResponseHeaders.Add("Content-Type", "text/event-stream")
	return tx
}

func mustNewRequest(t *testing.T, method, url string) *http.Request {
	t.Helper()
	return httptest.NewRequest(method, url, nil)
}
