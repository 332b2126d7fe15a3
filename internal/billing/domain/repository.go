package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertBill(ctx context.Context, db *gorm.DB, bill *Bill) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Bill, error)
	FindByCompanyPeriod(ctx context.Context, db *gorm.DB, companyID snowflake.ID, period Period) (*Bill, error)
	UpdateDraft(ctx context.Context, db *gorm.DB, bill *Bill, expectedVersion int64) (bool, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to BillStatus, at time.Time) (bool, error)

	ReplaceItems(ctx context.Context, db *gorm.DB, billID snowflake.ID, items []BillLineItem) error
	ListItems(ctx context.Context, db *gorm.DB, billID snowflake.ID) ([]BillLineItem, error)

	ListCompaniesWithStatus(ctx context.Context, db *gorm.DB, period Period, status BillStatus) ([]snowflake.ID, error)
}
