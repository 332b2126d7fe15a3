package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, e *Entitlement) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Entitlement, error)
	FindOpen(ctx context.Context, db *gorm.DB, companyID snowflake.ID, moduleKey string) (*Entitlement, error)
	Transition(ctx context.Context, db *gorm.DB, t Transition) (bool, error)
	ListActive(ctx context.Context, db *gorm.DB, companyID snowflake.ID) ([]Entitlement, error)
	ListActivatedBefore(ctx context.Context, db *gorm.DB, companyID snowflake.ID, end time.Time) ([]Entitlement, error)
	ListHistory(ctx context.Context, db *gorm.DB, companyID snowflake.ID, moduleKey string) ([]Entitlement, error)
	ListDueForExpiry(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Entitlement, error)
}
