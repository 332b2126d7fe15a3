package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/modulebilling/internal/catalog/domain"
	"github.com/smallbiznis/modulebilling/internal/clock"
	"github.com/smallbiznis/modulebilling/pkg/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("modulebilling/catalog")

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

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("catalog.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Define(ctx context.Context, req domain.DefineRequest) (*domain.ModuleDefinition, error) {
	ctx, span := tracer.Start(ctx, "catalog.Define")
	defer span.End()

	key := domain.NormalizeKey(req.Key)
	if key == "" {
		return nil, domain.ErrInvalidKey
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	category := strings.ToLower(strings.TrimSpace(req.Category))
	if category == "" {
		category = domain.DefaultCategory
	}
	if req.UnitAmount < 0 {
		return nil, domain.ErrInvalidPrice
	}
	span.SetAttributes(attribute.String("module_key", key))

	find := func(ctx context.Context, tx *gorm.DB) (*domain.ModuleDefinition, error) {
		return s.repo.FindByKey(ctx, tx, key)
	}
	create := func(ctx context.Context, tx *gorm.DB) (*domain.ModuleDefinition, error) {
		now := s.now()
		def := &domain.ModuleDefinition{
			ID:         s.genID.Generate(),
			Key:        key,
			Name:       name,
			Category:   category,
			UnitAmount: req.UnitAmount,
			Status:     domain.ModuleStatusActive,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.repo.Insert(ctx, tx, def); err != nil {
			return nil, err
		}
		if err := s.repo.InsertPrice(ctx, tx, &domain.ModulePrice{
			ID:            s.genID.Generate(),
			ModuleID:      def.ID,
			ModuleKey:     key,
			UnitAmount:    req.UnitAmount,
			EffectiveFrom: now,
			CreatedAt:     now,
		}); err != nil {
			return nil, err
		}
		return def, nil
	}

	def, created, err := repository.GetOrCreate(ctx, s.db, key, find, create)
	if err != nil {
		return nil, err
	}
	if created {
		s.log.Info("catalog.module.defined",
			zap.String("module_key", key),
			zap.String("category", category),
			zap.Int64("unit_amount", req.UnitAmount),
		)
		return def, nil
	}

	if def.Name != name || def.Category != category || def.UnitAmount != req.UnitAmount {
		return nil, fmt.Errorf("define %q: %w", key, domain.ErrDuplicateKey)
	}
	return def, nil
}

func (s *Service) Lookup(ctx context.Context, key string) (*domain.ModuleDefinition, error) {
	normalized := domain.NormalizeKey(key)
	if normalized == "" {
		return nil, domain.ErrInvalidKey
	}
	def, err := s.repo.FindByKey(ctx, s.db, normalized)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, domain.ErrNotFound
	}
	return def, nil
}

func (s *Service) Deprecate(ctx context.Context, key string) (*domain.ModuleDefinition, error) {
	def, err := s.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if def.IsDeprecated() {
		return def, nil
	}

	now := s.now()
	if err := s.repo.UpdateStatus(ctx, s.db, def.ID, domain.ModuleStatusDeprecated, now); err != nil {
		return nil, err
	}
	def.Status = domain.ModuleStatusDeprecated
	def.UpdatedAt = now

	s.log.Info("catalog.module.deprecated", zap.String("module_key", def.Key))
	return def, nil
}

// Reprice appends a price history row. A repeated call for the same instant
// and amount is a no-op; a different amount at the same instant is rejected.
func (s *Service) Reprice(ctx context.Context, req domain.RepriceRequest) (*domain.ModuleDefinition, error) {
	ctx, span := tracer.Start(ctx, "catalog.Reprice")
	defer span.End()

	if req.UnitAmount < 0 {
		return nil, domain.ErrInvalidPrice
	}
	def, err := s.Lookup(ctx, req.Key)
	if err != nil {
		return nil, err
	}

	effectiveFrom := req.EffectiveFrom.UTC().Truncate(time.Second)
	if req.EffectiveFrom.IsZero() {
		effectiveFrom = s.now()
	}

	naturalKey := def.Key + "@" + effectiveFrom.Format(time.RFC3339)
	find := func(ctx context.Context, tx *gorm.DB) (*domain.ModulePrice, error) {
		price, err := s.repo.FindPriceAt(ctx, tx, def.Key, effectiveFrom)
		if err != nil || price == nil {
			return nil, err
		}
		if !price.EffectiveFrom.Equal(effectiveFrom) {
			return nil, nil
		}
		return price, nil
	}
	create := func(ctx context.Context, tx *gorm.DB) (*domain.ModulePrice, error) {
		price := &domain.ModulePrice{
			ID:            s.genID.Generate(),
			ModuleID:      def.ID,
			ModuleKey:     def.Key,
			UnitAmount:    req.UnitAmount,
			EffectiveFrom: effectiveFrom,
			CreatedAt:     s.now(),
		}
		if err := s.repo.InsertPrice(ctx, tx, price); err != nil {
			return nil, err
		}
		return price, nil
	}

	price, created, err := repository.GetOrCreate(ctx, s.db, naturalKey, find, create)
	if err != nil {
		return nil, err
	}
	if !created && price.UnitAmount != req.UnitAmount {
		return nil, fmt.Errorf("reprice %q: %w", naturalKey, domain.ErrDuplicateKey)
	}

	now := s.now()
	current, err := s.PriceAt(ctx, def.Key, now)
	if err != nil {
		return nil, err
	}
	if current != def.UnitAmount {
		if err := s.repo.UpdateUnitAmount(ctx, s.db, def.ID, current, now); err != nil {
			return nil, err
		}
		def.UnitAmount = current
		def.UpdatedAt = now
	}

	if created {
		s.log.Info("catalog.module.repriced",
			zap.String("module_key", def.Key),
			zap.Int64("unit_amount", req.UnitAmount),
			zap.Time("effective_from", effectiveFrom),
		)
	}
	return def, nil
}

// PriceAt returns the unit amount in force at the given instant. Instants
// before the first history row resolve to the earliest known price.
func (s *Service) PriceAt(ctx context.Context, key string, at time.Time) (int64, error) {
	normalized := domain.NormalizeKey(key)
	if normalized == "" {
		return 0, domain.ErrInvalidKey
	}

	price, err := s.repo.FindPriceAt(ctx, s.db, normalized, at.UTC())
	if err != nil {
		return 0, err
	}
	if price == nil {
		price, err = s.repo.FindEarliestPrice(ctx, s.db, normalized)
		if err != nil {
			return 0, err
		}
	}
	if price != nil {
		return price.UnitAmount, nil
	}

	def, err := s.Lookup(ctx, normalized)
	if err != nil {
		return 0, err
	}
	return def.UnitAmount, nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) ([]domain.ModuleDefinition, error) {
	filter := domain.ListRequest{
		Category: strings.ToLower(strings.TrimSpace(req.Category)),
		Status:   req.Status,
	}
	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Second)
}
