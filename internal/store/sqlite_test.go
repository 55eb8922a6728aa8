package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aman-shahid/cheddarproxy/internal/testutil"
)

func setupTestDB(t *testing.T) *SQLiteDurable {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	d, err := NewSQLiteDurable(dbPath)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		d.Close()
	})
	return d
}

func TestNewSQLiteDurable_CreatesSchema(t *testing.T) {
	t.Parallel()
	d := setupTestDB(t)

	var name string
	err := d.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='transactions'",
	).Scan(&name)
	if err != nil {
		t.Fatalf("transactions table not found: %v", err)
	}
}

func TestNewSQLiteDurable_Idempotent(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "migration-test.db")

	d1, err := NewSQLiteDurable(dbPath)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	d1.Close()

	d2, err := NewSQLiteDurable(dbPath)
	if err != nil {
		t.Fatalf("second open on existing database failed: %v", err)
	}
	defer d2.Close()

	count, err := d2.Count(context.Background())
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestSQLiteDurable_UpsertAndGetByID(t *testing.T) {
	t.Parallel()
	d := setupTestDB(t)
	ctx := context.Background()

	tx := testutil.NewTransaction().WithID("txn-upsert-1").Build()
	if err := d.Upsert(ctx, tx); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := d.GetByID(ctx, "txn-upsert-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetByID returned nil")
	}
	if got.Host != tx.Host {
		t.Errorf("Host = %q, want %q", got.Host, tx.Host)
	}
	if got.Method != tx.Method {
		t.Errorf("Method = %q, want %q", got.Method, tx.Method)
	}
	if got.StatusCode != tx.StatusCode {
		t.Errorf("StatusCode = %d, want %d", got.StatusCode, tx.StatusCode)
	}
}

func TestSQLiteDurable_UpsertReplacesExisting(t *testing.T) {
	t.Parallel()
	d := setupTestDB(t)
	ctx := context.Background()

	tx := testutil.NewTransaction().WithID("txn-replace-1").WithStatus(200, "OK").Build()
	if err := d.Upsert(ctx, tx); err != nil {
		t.Fatalf("first Upsert failed: %v", err)
	}

	tx.StatusCode = 404
	tx.Reason = "Not Found"
	if err := d.Upsert(ctx, tx); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}

	got, err := d.GetByID(ctx, "txn-replace-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.StatusCode != 404 {
		t.Errorf("StatusCode = %d, want 404", got.StatusCode)
	}

	count, err := d.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1 (upsert should not duplicate)", count)
	}
}

func TestSQLiteDurable_GetByID_NotFound(t *testing.T) {
	t.Parallel()
	d := setupTestDB(t)

	got, err := d.GetByID(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing id, got %+v", got)
	}
}

func TestSQLiteDurable_Query_FilterByHostAndMethod(t *testing.T) {
	t.Parallel()
	d := setupTestDB(t)
	ctx := context.Background()

	hosts := []string{"api.example.com", "other.example.com", "api.example.com"}
	for i, host := range hosts {
		tx := testutil.NewTransaction().
			WithID(idFor(i)).
			WithHost("https", host, 443).
			Build()
		if err := d.Upsert(ctx, tx); err != nil {
			t.Fatalf("Upsert %d failed: %v", i, err)
		}
	}

	host := "api.example.com"
	method := "GET"
	got, total, err := d.Query(ctx, Filter{HostContains: &host, Method: &method}, TimeRange{}, 1, 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
	if len(got) != 2 {
		t.Errorf("len(results) = %d, want 2", len(got))
	}
}

func TestSQLiteDurable_Query_Pagination(t *testing.T) {
	t.Parallel()
	d := setupTestDB(t)
	ctx := context.Background()

	for _, tx := range testutil.NewTransactionSet(5) {
		if err := d.Upsert(ctx, tx); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	page1, total, err := d.Query(ctx, Filter{}, TimeRange{}, 1, 2)
	if err != nil {
		t.Fatalf("Query page 1 failed: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page1) != 2 {
		t.Errorf("len(page1) = %d, want 2", len(page1))
	}

	page3, _, err := d.Query(ctx, Filter{}, TimeRange{}, 3, 2)
	if err != nil {
		t.Fatalf("Query page 3 failed: %v", err)
	}
	if len(page3) != 1 {
		t.Errorf("len(page3) = %d, want 1 (remainder)", len(page3))
	}
}

func TestSQLiteDurable_SlowerThan(t *testing.T) {
	t.Parallel()
	d := setupTestDB(t)
	ctx := context.Background()

	fast := testutil.NewTransaction().WithID("txn-fast").WithTiming(10).Build()
	slow := testutil.NewTransaction().WithID("txn-slow").WithTiming(5000).Build()
	if err := d.Upsert(ctx, fast); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := d.Upsert(ctx, slow); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := d.SlowerThan(ctx, Filter{}, 1000, 10)
	if err != nil {
		t.Fatalf("SlowerThan failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "txn-slow" {
		t.Errorf("SlowerThan returned %v, want only txn-slow", got)
	}
}

func TestSQLiteDurable_ListUniqueHosts(t *testing.T) {
	t.Parallel()
	d := setupTestDB(t)
	ctx := context.Background()

	hosts := []string{"a.example.com", "b.example.com", "a.example.com", "a.example.com"}
	for i, host := range hosts {
		tx := testutil.NewTransaction().WithID(idFor(i)).WithHost("https", host, 443).Build()
		if err := d.Upsert(ctx, tx); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	got, err := d.ListUniqueHosts(ctx, 10)
	if err != nil {
		t.Fatalf("ListUniqueHosts failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(hosts) = %d, want 2", len(got))
	}
	if got[0].Host != "a.example.com" || got[0].Count != 3 {
		t.Errorf("top host = %+v, want a.example.com count 3", got[0])
	}
}

func TestSQLiteDurable_ClearAll(t *testing.T) {
	t.Parallel()
	d := setupTestDB(t)
	ctx := context.Background()

	for _, tx := range testutil.NewTransactionSet(3) {
		if err := d.Upsert(ctx, tx); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	if err := d.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}

	count, err := d.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0 after ClearAll", count)
	}
}

func TestSQLiteDurable_PruneOlderThan(t *testing.T) {
	t.Parallel()
	d := setupTestDB(t)
	ctx := context.Background()

	old := testutil.NewTransaction().WithID("txn-old").
		WithStartTime(time.Now().AddDate(0, 0, -30)).Build()
	recent := testutil.NewTransaction().WithID("txn-recent").Build()
	if err := d.Upsert(ctx, old); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := d.Upsert(ctx, recent); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	deleted, err := d.PruneOlderThan(ctx, 7)
	if err != nil {
		t.Fatalf("PruneOlderThan failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	got, err := d.GetByID(ctx, "txn-recent")
	if err != nil || got == nil {
		t.Errorf("recent transaction should survive prune, err=%v got=%v", err, got)
	}
}

func TestSQLiteDurable_ListPage_Cursor(t *testing.T) {
	t.Parallel()
	d := setupTestDB(t)
	ctx := context.Background()

	for _, tx := range testutil.NewTransactionSet(4) {
		if err := d.Upsert(ctx, tx); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	first, err := d.ListPage(ctx, 0, 2)
	if err != nil {
		t.Fatalf("ListPage failed: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("len(first) = %d, want 2", len(first))
	}

	cursor := first[len(first)-1].Timing.StartMS
	rest, err := d.ListPage(ctx, cursor, 10)
	if err != nil {
		t.Fatalf("ListPage with cursor failed: %v", err)
	}
	for _, t2 := range rest {
		if t2.Timing.StartMS >= cursor {
			t.Errorf("cursor page leaked a row with StartMS %d >= %d", t2.Timing.StartMS, cursor)
		}
	}
}

func idFor(i int) string {
	return "txn-filter-" + string(rune('a'+i))
}
