package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, def *ModuleDefinition) error
	FindByKey(ctx context.Context, db *gorm.DB, key string) (*ModuleDefinition, error)
	List(ctx context.Context, db *gorm.DB, filter ListRequest) ([]ModuleDefinition, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status ModuleStatus, updatedAt time.Time) error
	UpdateUnitAmount(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, updatedAt time.Time) error

	InsertPrice(ctx context.Context, db *gorm.DB, price *ModulePrice) error
	FindPriceAt(ctx context.Context, db *gorm.DB, key string, at time.Time) (*ModulePrice, error)
	FindEarliestPrice(ctx context.Context, db *gorm.DB, key string) (*ModulePrice, error)
}
