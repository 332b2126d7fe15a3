package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type ModuleStatus string

const (
	ModuleStatusActive     ModuleStatus = "active"
	ModuleStatusDeprecated ModuleStatus = "deprecated"
)

// ModuleDefinition is the canonical registry row for a feature module.
// Rows are never deleted; deprecation only flips Status.
type ModuleDefinition struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	Key        string       `gorm:"column:module_key;type:text;not null;uniqueIndex:ux_module_definitions_key"`
	Name       string       `gorm:"type:text;not null"`
	Category   string       `gorm:"type:text;not null"`
	UnitAmount int64        `gorm:"column:unit_amount;not null"`
	Status     ModuleStatus `gorm:"type:text;not null"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (ModuleDefinition) TableName() string { return "module_definitions" }

func (m *ModuleDefinition) IsDeprecated() bool {
	return m != nil && m.Status == ModuleStatusDeprecated
}

// ModulePrice records the monthly unit price in force from EffectiveFrom
// until the next row for the same module.
type ModulePrice struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	ModuleID      snowflake.ID `gorm:"column:module_id;not null;index"`
	ModuleKey     string       `gorm:"type:text;not null;uniqueIndex:ux_module_prices_key_effective,priority:1"`
	UnitAmount    int64        `gorm:"column:unit_amount;not null"`
	EffectiveFrom time.Time    `gorm:"column:effective_from;not null;uniqueIndex:ux_module_prices_key_effective,priority:2"`
	CreatedAt     time.Time    `gorm:"not null"`
}

func (ModulePrice) TableName() string { return "module_prices" }
