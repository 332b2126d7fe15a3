package reference

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/modulebilling/internal/clock"
	"github.com/smallbiznis/modulebilling/internal/reference/domain"
	"github.com/smallbiznis/modulebilling/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("reference.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// GetOrCreateDocumentType returns the type for code, creating it on first
// use. The stored name is kept when the row already exists.
func (s *Service) GetOrCreateDocumentType(ctx context.Context, code, name string) (*domain.DocumentType, error) {
	code = slug.Make(strings.TrimSpace(code))
	if code == "" {
		return nil, domain.ErrInvalidCode
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}

	docType, created, err := repository.GetOrCreate(ctx, s.db, code,
		func(ctx context.Context, tx *gorm.DB) (*domain.DocumentType, error) {
			return s.repo.FindDocumentType(ctx, tx, code)
		},
		func(ctx context.Context, tx *gorm.DB) (*domain.DocumentType, error) {
			row := &domain.DocumentType{
				ID:        s.genID.Generate(),
				Code:      code,
				Name:      name,
				CreatedAt: s.clock.Now().UTC(),
			}
			if err := s.repo.InsertDocumentType(ctx, tx, row); err != nil {
				return nil, err
			}
			return row, nil
		},
	)
	if err != nil {
		return nil, err
	}
	if created {
		s.log.Info("reference.document_type.created", zap.String("code", code))
	}
	return docType, nil
}

func (s *Service) ListDocumentTypes(ctx context.Context) ([]domain.DocumentType, error) {
	return s.repo.ListDocumentTypes(ctx, s.db)
}
