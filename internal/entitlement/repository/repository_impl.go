package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/modulebilling/internal/entitlement/domain"
	"gorm.io/gorm"
)

const selectColumns = `SELECT id, company_id, module_key, state, source, requested_at, activated_at,
	expires_at, ended_at, superseded_by, metadata, created_at, updated_at
	FROM entitlements`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, e *domain.Entitlement) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO entitlements (
			id, company_id, module_key, state, source, requested_at, activated_at,
			expires_at, ended_at, superseded_by, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.CompanyID,
		e.ModuleKey,
		e.State,
		e.Source,
		e.RequestedAt,
		e.ActivatedAt,
		e.ExpiresAt,
		e.EndedAt,
		e.SupersededBy,
		e.Metadata,
		e.CreatedAt,
		e.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Entitlement, error) {
	var e domain.Entitlement
	err := db.WithContext(ctx).Raw(selectColumns+` WHERE id = ?`, id).Scan(&e).Error
	if err != nil {
		return nil, err
	}
	if e.ID == 0 {
		return nil, nil
	}
	return &e, nil
}

func (r *repo) FindOpen(ctx context.Context, db *gorm.DB, companyID snowflake.ID, moduleKey string) (*domain.Entitlement, error) {
	var e domain.Entitlement
	err := db.WithContext(ctx).Raw(
		selectColumns+` WHERE company_id = ? AND module_key = ? AND state IN ?`,
		companyID,
		moduleKey,
		[]domain.State{domain.StateRequested, domain.StateActive},
	).Scan(&e).Error
	if err != nil {
		return nil, err
	}
	if e.ID == 0 {
		return nil, nil
	}
	return &e, nil
}

// Transition applies t only if the row is still in t.From.
func (r *repo) Transition(ctx context.Context, db *gorm.DB, t domain.Transition) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE entitlements
		 SET state = ?,
		     activated_at = COALESCE(?, activated_at),
		     ended_at = COALESCE(?, ended_at),
		     superseded_by = COALESCE(?, superseded_by),
		     updated_at = ?
		 WHERE id = ? AND state = ?`,
		t.To,
		t.ActivatedAt,
		t.EndedAt,
		t.SupersededBy,
		t.At,
		t.ID,
		t.From,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ListActive(ctx context.Context, db *gorm.DB, companyID snowflake.ID) ([]domain.Entitlement, error) {
	var items []domain.Entitlement
	err := db.WithContext(ctx).Raw(
		selectColumns+` WHERE company_id = ? AND state = ? ORDER BY module_key ASC`,
		companyID,
		domain.StateActive,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ListActivatedBefore returns every row activated before end, whatever its
// current state. Callers clip the intervals themselves.
func (r *repo) ListActivatedBefore(ctx context.Context, db *gorm.DB, companyID snowflake.ID, end time.Time) ([]domain.Entitlement, error) {
	var items []domain.Entitlement
	err := db.WithContext(ctx).Raw(
		selectColumns+` WHERE company_id = ? AND activated_at IS NOT NULL AND activated_at < ?
		 ORDER BY module_key ASC, activated_at ASC`,
		companyID,
		end,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListHistory(ctx context.Context, db *gorm.DB, companyID snowflake.ID, moduleKey string) ([]domain.Entitlement, error) {
	var items []domain.Entitlement
	err := db.WithContext(ctx).Raw(
		selectColumns+` WHERE company_id = ? AND module_key = ? ORDER BY created_at DESC, id DESC`,
		companyID,
		moduleKey,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListDueForExpiry(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Entitlement, error) {
	var items []domain.Entitlement
	err := db.WithContext(ctx).Raw(
		selectColumns+` WHERE state = ? AND expires_at IS NOT NULL AND expires_at <= ?
		 ORDER BY expires_at ASC, id ASC
		 LIMIT ?`,
		domain.StateActive,
		now,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
