package state

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/inpertio/inpertio/internal/checkout"
	"github.com/inpertio/inpertio/internal/storage"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "inpertio.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCheckoutStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewCheckoutStore(openDB(t))

	recs, err := s.List(ctx)
	if err != nil || len(recs) != 0 {
		t.Fatalf("List on empty store = %v, %v", recs, err)
	}

	at := time.Date(2026, 4, 1, 10, 0, 0, 123, time.UTC)
	revA := strings.Repeat("a", 40)
	revB := strings.Repeat("b", 40)
	for _, rec := range []checkout.Record{
		{Branch: "main", Revision: revA, Dir: "/data/checkouts/main/" + revA, CheckedOutAt: at},
		{Branch: "feature/x", Revision: revA, Dir: "/data/checkouts/feature%2Fx/" + revA, CheckedOutAt: at},
		{Branch: "main", Revision: revB, Dir: "/data/checkouts/main/" + revB, CheckedOutAt: at.Add(time.Minute)},
	} {
		if err := s.Put(ctx, rec); err != nil {
			t.Fatalf("Put(%s): %v", rec.Branch, err)
		}
	}

	recs, err = s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Branch != "feature/x" || recs[1].Branch != "main" {
		t.Fatalf("unexpected order: %+v", recs)
	}
	if recs[1].Revision != revB || !recs[1].CheckedOutAt.Equal(at.Add(time.Minute)) {
		t.Fatalf("upsert did not replace main: %+v", recs[1])
	}

	if err := s.Delete(ctx, "main"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "never-existed"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
	recs, _ = s.List(ctx)
	if len(recs) != 1 || recs[0].Branch != "feature/x" {
		t.Fatalf("unexpected records after delete: %+v", recs)
	}
}

func TestCheckoutStoreRejectsEmptyBranch(t *testing.T) {
	t.Parallel()
	s := NewCheckoutStore(openDB(t))
	if err := s.Put(context.Background(), checkout.Record{}); err == nil {
		t.Fatal("expected error for empty branch")
	}
}
