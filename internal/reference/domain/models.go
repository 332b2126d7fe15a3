package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// DocumentType is a natural-key lookup row, e.g. "quote" or "tender".
type DocumentType struct {
	ID        snowflake.ID      `json:"id" gorm:"primaryKey"`
	Code      string            `json:"code" gorm:"type:text;not null;uniqueIndex:ux_document_types_code"`
	Name      string            `json:"name" gorm:"type:text;not null"`
	Metadata  datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at" gorm:"not null"`
}

func (DocumentType) TableName() string { return "document_types" }
