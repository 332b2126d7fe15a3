package reference

import (
	"context"

	"github.com/smallbiznis/modulebilling/internal/reference/domain"
	"github.com/smallbiznis/modulebilling/pkg/repository"
	"gorm.io/gorm"
)

type repo struct{}

func NewRepository() domain.Repository {
	return &repo{}
}

func (r *repo) FindDocumentType(ctx context.Context, db *gorm.DB, code string) (*domain.DocumentType, error) {
	return repository.ProvideStore[domain.DocumentType](db).FindOne(ctx, &domain.DocumentType{Code: code})
}

func (r *repo) InsertDocumentType(ctx context.Context, db *gorm.DB, docType *domain.DocumentType) error {
	return repository.ProvideStore[domain.DocumentType](db).Create(ctx, docType)
}

func (r *repo) ListDocumentTypes(ctx context.Context, db *gorm.DB) ([]domain.DocumentType, error) {
	rows, err := repository.ProvideStore[domain.DocumentType](db).Find(ctx, &domain.DocumentType{}, repository.OrderBy("code ASC"))
	if err != nil {
		return nil, err
	}

	items := make([]domain.DocumentType, 0, len(rows))
	for _, row := range rows {
		items = append(items, *row)
	}
	return items, nil
}
