package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/modulebilling/internal/billing/domain"
	"gorm.io/gorm"
)

const billColumns = `SELECT id, company_id, period_year, period_month, period_start, period_end, status,
	currency, total_amount, version, checksum, generated_at, finalized_at, paid_at, metadata,
	created_at, updated_at
	FROM bills`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertBill(ctx context.Context, db *gorm.DB, bill *domain.Bill) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO bills (
			id, company_id, period_year, period_month, period_start, period_end, status,
			currency, total_amount, version, checksum, generated_at, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		bill.ID,
		bill.CompanyID,
		bill.PeriodYear,
		bill.PeriodMonth,
		bill.PeriodStart,
		bill.PeriodEnd,
		bill.Status,
		bill.Currency,
		bill.TotalAmount,
		bill.Version,
		bill.Checksum,
		bill.GeneratedAt,
		bill.Metadata,
		bill.CreatedAt,
		bill.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Bill, error) {
	var bill domain.Bill
	if err := db.WithContext(ctx).Raw(billColumns+` WHERE id = ?`, id).Scan(&bill).Error; err != nil {
		return nil, err
	}
	if bill.ID == 0 {
		return nil, nil
	}
	return &bill, nil
}

func (r *repo) FindByCompanyPeriod(ctx context.Context, db *gorm.DB, companyID snowflake.ID, period domain.Period) (*domain.Bill, error) {
	var bill domain.Bill
	err := db.WithContext(ctx).Raw(
		billColumns+` WHERE company_id = ? AND period_year = ? AND period_month = ?`,
		companyID,
		period.Year,
		int(period.Month),
	).Scan(&bill).Error
	if err != nil {
		return nil, err
	}
	if bill.ID == 0 {
		return nil, nil
	}
	return &bill, nil
}

// UpdateDraft rewrites the derived columns of a draft bill if nobody else
// has written it since expectedVersion was read.
func (r *repo) UpdateDraft(ctx context.Context, db *gorm.DB, bill *domain.Bill, expectedVersion int64) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE bills
		 SET total_amount = ?, checksum = ?, currency = ?, version = version + 1, generated_at = ?, updated_at = ?
		 WHERE id = ? AND version = ? AND status = ?`,
		bill.TotalAmount,
		bill.Checksum,
		bill.Currency,
		bill.GeneratedAt,
		bill.UpdatedAt,
		bill.ID,
		expectedVersion,
		domain.BillStatusDraft,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.BillStatus, at time.Time) (bool, error) {
	var finalizedAt, paidAt *time.Time
	switch to {
	case domain.BillStatusFinalized:
		finalizedAt = &at
	case domain.BillStatusPaid:
		paidAt = &at
	}

	res := db.WithContext(ctx).Exec(
		`UPDATE bills
		 SET status = ?,
		     finalized_at = COALESCE(?, finalized_at),
		     paid_at = COALESCE(?, paid_at),
		     updated_at = ?
		 WHERE id = ? AND status = ?`,
		to,
		finalizedAt,
		paidAt,
		at,
		id,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReplaceItems swaps the full line item set of a bill.
func (r *repo) ReplaceItems(ctx context.Context, db *gorm.DB, billID snowflake.ID, items []domain.BillLineItem) error {
	if err := db.WithContext(ctx).Exec(`DELETE FROM bill_line_items WHERE bill_id = ?`, billID).Error; err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&items).Error
}

func (r *repo) ListItems(ctx context.Context, db *gorm.DB, billID snowflake.ID) ([]domain.BillLineItem, error) {
	var items []domain.BillLineItem
	err := db.WithContext(ctx).
		Where("bill_id = ?", billID).
		Order("module_key ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListCompaniesWithStatus(ctx context.Context, db *gorm.DB, period domain.Period, status domain.BillStatus) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT company_id FROM bills
		 WHERE period_year = ? AND period_month = ? AND status = ?
		 ORDER BY company_id ASC`,
		period.Year,
		int(period.Month),
		status,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
