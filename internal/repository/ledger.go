package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// UsageLedger atomically increments and checks the per-account monthly
// conversion counter. The increment is a single conditional upsert, never
// read-then-write, so it is safe under concurrent submissions from the
// same account.
type UsageLedger struct {
	db *DB
}

// NewUsageLedger creates a ledger over the given pool.
func NewUsageLedger(db *DB) *UsageLedger {
	return &UsageLedger{db: db}
}

// TryIncrement bumps the (ownerID, month) counter if it is below limit
// and returns the resulting count and whether the increment was applied.
// A non-positive limit means unlimited: the counter still increments for
// reporting and the call always succeeds.
//
// The caller passes a Querier so the increment can share the transaction
// that flips UPLOADED -> QUEUED; the two must commit together.
func (l *UsageLedger) TryIncrement(ctx context.Context, q Querier, ownerID uuid.UUID, month string, limit int) (int, bool, error) {
	if limit <= 0 {
		const unconditional = `
INSERT INTO usage_records (owner_id, month, count)
VALUES ($1, $2, 1)
ON CONFLICT (owner_id, month)
DO UPDATE SET count = usage_records.count + 1, updated_at = now()
RETURNING count`
		var count int
		if err := q.QueryRow(ctx, unconditional, ownerID, month).Scan(&count); err != nil {
			return 0, false, fmt.Errorf("usage increment failed: %w", err)
		}
		return count, true, nil
	}

	// The DO UPDATE WHERE clause makes the check-and-increment a single
	// atomic statement: a concurrent caller either sees the incremented
	// row or gets no row back.
	const conditional = `
INSERT INTO usage_records (owner_id, month, count)
VALUES ($1, $2, 1)
ON CONFLICT (owner_id, month)
DO UPDATE SET count = usage_records.count + 1, updated_at = now()
WHERE usage_records.count < $3
RETURNING count`
	var count int
	err := q.QueryRow(ctx, conditional, ownerID, month, limit).Scan(&count)
	if err == nil {
		return count, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("usage increment failed: %w", err)
	}

	// Limit reached: report the current count without modifying it.
	current, err := l.Count(ctx, q, ownerID, month)
	if err != nil {
		return 0, false, err
	}
	return current, false, nil
}

// Count returns the current counter for (ownerID, month), zero if the row
// does not exist yet.
func (l *UsageLedger) Count(ctx context.Context, q Querier, ownerID uuid.UUID, month string) (int, error) {
	var count int
	err := q.QueryRow(ctx,
		`SELECT count FROM usage_records WHERE owner_id = $1 AND month = $2`,
		ownerID, month,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("usage lookup failed: %w", err)
	}
	return count, nil
}
