// Package state persists checkout records and the mirror sync log in SQLite.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/inpertio/inpertio/internal/checkout"
)

// CheckoutStore is the SQLite-backed checkout index.
type CheckoutStore struct {
	db *sql.DB
}

var _ checkout.CheckoutIndex = (*CheckoutStore)(nil)

func NewCheckoutStore(db *sql.DB) *CheckoutStore {
	return &CheckoutStore{db: db}
}

// Put records rec as the current checkout of its branch.
func (s *CheckoutStore) Put(ctx context.Context, rec checkout.Record) error {
	if rec.Branch == "" {
		return fmt.Errorf("branch name is empty")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO branch_checkout(branch, revision, dir, checked_out_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(branch) DO UPDATE SET
  revision = excluded.revision,
  dir = excluded.dir,
  checked_out_at = excluded.checked_out_at;
`, rec.Branch, rec.Revision, rec.Dir, rec.CheckedOutAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert branch checkout: %w", err)
	}
	return nil
}

// Delete forgets branch. Missing rows are not an error.
func (s *CheckoutStore) Delete(ctx context.Context, branch string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM branch_checkout WHERE branch = ?;", branch); err != nil {
		return fmt.Errorf("delete branch checkout: %w", err)
	}
	return nil
}

// List returns all checkout records ordered by branch.
func (s *CheckoutStore) List(ctx context.Context) ([]checkout.Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT branch, revision, dir, checked_out_at FROM branch_checkout ORDER BY branch;")
	if err != nil {
		return nil, fmt.Errorf("list branch checkouts: %w", err)
	}
	defer rows.Close()

	var out []checkout.Record
	for rows.Next() {
		var rec checkout.Record
		var at string
		if err := rows.Scan(&rec.Branch, &rec.Revision, &rec.Dir, &at); err != nil {
			return nil, fmt.Errorf("scan branch checkout: %w", err)
		}
		rec.CheckedOutAt, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse checked_out_at for %q: %w", rec.Branch, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
