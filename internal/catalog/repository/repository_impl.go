package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/modulebilling/internal/catalog/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, def *domain.ModuleDefinition) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO module_definitions (
			id, module_key, name, category, unit_amount, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID,
		def.Key,
		def.Name,
		def.Category,
		def.UnitAmount,
		def.Status,
		def.CreatedAt,
		def.UpdatedAt,
	).Error
}

func (r *repo) FindByKey(ctx context.Context, db *gorm.DB, key string) (*domain.ModuleDefinition, error) {
	var def domain.ModuleDefinition
	err := db.WithContext(ctx).Raw(
		`SELECT id, module_key, name, category, unit_amount, status, created_at, updated_at
		 FROM module_definitions WHERE module_key = ?`,
		key,
	).Scan(&def).Error
	if err != nil {
		return nil, err
	}
	if def.ID == 0 {
		return nil, nil
	}
	return &def, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListRequest) ([]domain.ModuleDefinition, error) {
	var items []domain.ModuleDefinition
	stmt := db.WithContext(ctx).Model(&domain.ModuleDefinition{})
	if filter.Category != "" {
		stmt = stmt.Where("category = ?", filter.Category)
	}
	if filter.Status != nil {
		stmt = stmt.Where("status = ?", *filter.Status)
	}
	if err := stmt.Order("module_key ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.ModuleStatus, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE module_definitions SET status = ?, updated_at = ? WHERE id = ?`,
		status,
		updatedAt,
		id,
	).Error
}

func (r *repo) UpdateUnitAmount(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE module_definitions SET unit_amount = ?, updated_at = ? WHERE id = ?`,
		amount,
		updatedAt,
		id,
	).Error
}

func (r *repo) InsertPrice(ctx context.Context, db *gorm.DB, price *domain.ModulePrice) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO module_prices (
			id, module_id, module_key, unit_amount, effective_from, created_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		price.ID,
		price.ModuleID,
		price.ModuleKey,
		price.UnitAmount,
		price.EffectiveFrom,
		price.CreatedAt,
	).Error
}

func (r *repo) FindPriceAt(ctx context.Context, db *gorm.DB, key string, at time.Time) (*domain.ModulePrice, error) {
	var price domain.ModulePrice
	err := db.WithContext(ctx).Raw(
		`SELECT id, module_id, module_key, unit_amount, effective_from, created_at
		 FROM module_prices
		 WHERE module_key = ? AND effective_from <= ?
		 ORDER BY effective_from DESC
		 LIMIT 1`,
		key,
		at,
	).Scan(&price).Error
	if err != nil {
		return nil, err
	}
	if price.ID == 0 {
		return nil, nil
	}
	return &price, nil
}

func (r *repo) FindEarliestPrice(ctx context.Context, db *gorm.DB, key string) (*domain.ModulePrice, error) {
	var price domain.ModulePrice
	err := db.WithContext(ctx).Raw(
		`SELECT id, module_id, module_key, unit_amount, effective_from, created_at
		 FROM module_prices
		 WHERE module_key = ?
		 ORDER BY effective_from ASC
		 LIMIT 1`,
		key,
	).Scan(&price).Error
	if err != nil {
		return nil, err
	}
	if price.ID == 0 {
		return nil, nil
	}
	return &price, nil
}
