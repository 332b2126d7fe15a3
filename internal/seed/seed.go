package seed

import (
	"context"
	"errors"
	"fmt"

	catalogdomain "github.com/smallbiznis/modulebilling/internal/catalog/domain"
	"github.com/smallbiznis/modulebilling/internal/config"
	referencedomain "github.com/smallbiznis/modulebilling/internal/reference/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("seed",
	fx.Invoke(func(lc fx.Lifecycle, p Params) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return EnsureCatalog(ctx, p)
			},
		})
	}),
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Catalog   catalogdomain.Service
	Reference referencedomain.Service
	Engine    *config.EngineConfigHolder
}

// EnsureCatalog defines every configured module and document type. It is
// safe to run on every start. A configured module that already exists with
// different attributes is left as stored; repricing goes through the
// catalog service.
func EnsureCatalog(ctx context.Context, p Params) error {
	if p.Catalog == nil || p.Reference == nil || p.Engine == nil {
		return errors.New("seed dependencies are required")
	}
	log := p.Log.Named("seed")
	cfg := p.Engine.Get()

	defined := 0
	for _, entry := range cfg.Catalog {
		_, err := p.Catalog.Define(ctx, catalogdomain.DefineRequest{
			Key:        entry.Key,
			Name:       entry.Name,
			Category:   entry.Category,
			UnitAmount: entry.UnitAmount,
		})
		if errors.Is(err, catalogdomain.ErrDuplicateKey) {
			log.Warn("catalog entry differs from stored module",
				zap.String("module_key", entry.Key),
				zap.Int64("configured_unit_amount", entry.UnitAmount),
			)
			continue
		}
		if err != nil {
			return fmt.Errorf("seed module %q: %w", entry.Key, err)
		}
		defined++
	}

	for _, entry := range cfg.ReferenceTypes {
		if _, err := p.Reference.GetOrCreateDocumentType(ctx, entry.Code, entry.Name); err != nil {
			return fmt.Errorf("seed document type %q: %w", entry.Code, err)
		}
	}

	log.Info("catalog seeded",
		zap.Int("modules", defined),
		zap.Int("document_types", len(cfg.ReferenceTypes)),
	)
	return nil
}
