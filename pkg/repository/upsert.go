package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallbiznis/modulebilling/pkg/db"
	"gorm.io/gorm"
)

const upsertAttempts = 3

// ErrUpsertConflict is returned when a natural key kept colliding without a
// readable winner. It is transient; callers may retry.
var ErrUpsertConflict = errors.New("upsert_conflict")

// Finder loads the row for a natural key, returning nil, nil when absent.
type Finder[T any] func(ctx context.Context, tx *gorm.DB) (*T, error)

// Factory persists a new row for the natural key using tx and returns it.
type Factory[T any] func(ctx context.Context, tx *gorm.DB) (*T, error)

// GetOrCreate returns the row for naturalKey, creating it through factory
// when absent. The boolean reports whether this call created the row.
//
// The factory runs inside its own transaction (a savepoint when conn is
// already a transaction) so a unique-constraint rejection caused by a
// concurrent creator does not poison the caller's transaction. On such a
// rejection the winner's row is re-read and returned.
func GetOrCreate[T any](ctx context.Context, conn *gorm.DB, naturalKey string, find Finder[T], factory Factory[T]) (*T, bool, error) {
	for attempt := 0; attempt < upsertAttempts; attempt++ {
		existing, err := find(ctx, conn)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}

		var created *T
		err = conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			row, err := factory(ctx, tx)
			if err != nil {
				return err
			}
			created = row
			return nil
		})
		if err == nil {
			return created, true, nil
		}
		if !db.IsDuplicateKeyErr(err) {
			return nil, false, err
		}
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
	}

	return nil, false, fmt.Errorf("get or create %q: %w", naturalKey, ErrUpsertConflict)
}
