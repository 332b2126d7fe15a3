package domain

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type Repository interface {
	FindDocumentType(ctx context.Context, db *gorm.DB, code string) (*DocumentType, error)
	InsertDocumentType(ctx context.Context, db *gorm.DB, docType *DocumentType) error
	ListDocumentTypes(ctx context.Context, db *gorm.DB) ([]DocumentType, error)
}

type Service interface {
	GetOrCreateDocumentType(ctx context.Context, code, name string) (*DocumentType, error)
	ListDocumentTypes(ctx context.Context) ([]DocumentType, error)
}

var (
	ErrInvalidCode = errors.New("invalid_code")
	ErrInvalidName = errors.New("invalid_name")
)
