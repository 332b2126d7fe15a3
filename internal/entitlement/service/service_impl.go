package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/modulebilling/internal/catalog/domain"
	"github.com/smallbiznis/modulebilling/internal/clock"
	"github.com/smallbiznis/modulebilling/internal/entitlement/domain"
	"github.com/smallbiznis/modulebilling/internal/observability/metrics"
	"github.com/smallbiznis/modulebilling/pkg/db"
	"github.com/smallbiznis/modulebilling/pkg/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const writeAttempts = 3

var (
	tracer = otel.Tracer("modulebilling/entitlement")

	errLostRace = errors.New("lost_race")
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Catalog catalogdomain.Service
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	catalog catalogdomain.Service
	metrics *metrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("entitlement.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		catalog: p.Catalog,
		metrics: p.Metrics,
	}
}

// Request opens a self-service request. An existing open row is returned
// as is so retries are safe.
func (s *Service) Request(ctx context.Context, req domain.RequestRequest) (*domain.Entitlement, error) {
	ctx, span := s.startSpan(ctx, "entitlement.Request", req.CompanyID, req.ModuleKey)
	defer span.End()

	companyID, moduleKey, err := s.resolve(ctx, req.CompanyID, req.ModuleKey, true)
	if err != nil {
		return nil, err
	}

	row, created, err := repository.GetOrCreate(ctx, s.db, naturalKey(companyID, moduleKey),
		func(ctx context.Context, tx *gorm.DB) (*domain.Entitlement, error) {
			return s.findOpen(ctx, tx, companyID, moduleKey)
		},
		func(ctx context.Context, tx *gorm.DB) (*domain.Entitlement, error) {
			now := s.now()
			row := &domain.Entitlement{
				ID:          s.genID.Generate(),
				CompanyID:   companyID,
				ModuleKey:   moduleKey,
				State:       domain.StateRequested,
				Source:      domain.SourceSelfRequest,
				RequestedAt: &now,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := s.repo.Insert(ctx, tx, row); err != nil {
				return nil, err
			}
			return row, nil
		},
	)
	if err != nil {
		return nil, s.mapWriteErr(err)
	}
	if created {
		s.recordTransition(ctx, "", domain.StateRequested)
		s.log.Info("entitlement.requested",
			zap.String("company_id", companyID.String()),
			zap.String("module_key", moduleKey),
			zap.String("entitlement_id", row.ID.String()),
		)
	}
	return row, nil
}

func (s *Service) Approve(ctx context.Context, companyIDValue, moduleKeyValue string) (*domain.Entitlement, error) {
	companyID, moduleKey, err := s.resolve(ctx, companyIDValue, moduleKeyValue, false)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < writeAttempts; attempt++ {
		open, err := s.findOpen(ctx, s.db, companyID, moduleKey)
		if err != nil {
			return nil, err
		}
		if open == nil {
			return nil, domain.ErrNotFound
		}
		if open.State == domain.StateActive {
			return open, nil
		}

		now := s.now()
		ok, err := s.repo.Transition(ctx, s.db, domain.Transition{
			ID:          open.ID,
			From:        domain.StateRequested,
			To:          domain.StateActive,
			ActivatedAt: &now,
			At:          now,
		})
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		open.State = domain.StateActive
		open.ActivatedAt = &now
		open.UpdatedAt = now
		s.recordTransition(ctx, domain.StateRequested, domain.StateActive)
		s.log.Info("entitlement.approved",
			zap.String("company_id", companyID.String()),
			zap.String("module_key", moduleKey),
			zap.String("entitlement_id", open.ID.String()),
		)
		return open, nil
	}
	return nil, domain.ErrConflict
}

// Grant activates the module for the company. An open active row with the
// same expiry is returned unchanged; any other open row is revoked and
// linked to the replacement.
func (s *Service) Grant(ctx context.Context, req domain.GrantRequest) (*domain.Entitlement, bool, error) {
	ctx, span := s.startSpan(ctx, "entitlement.Grant", req.CompanyID, req.ModuleKey)
	defer span.End()

	companyID, moduleKey, err := s.resolve(ctx, req.CompanyID, req.ModuleKey, true)
	if err != nil {
		return nil, false, err
	}
	source, expiresAt, err := s.grantOptions(req)
	if err != nil {
		return nil, false, err
	}

	for attempt := 0; attempt < writeAttempts; attempt++ {
		var (
			result   *domain.Entitlement
			replaced *domain.Entitlement
			changed  bool
		)
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			open, err := s.findOpen(ctx, tx, companyID, moduleKey)
			if err != nil {
				return err
			}
			if open != nil && open.State == domain.StateActive && sameInstant(open.ExpiresAt, expiresAt) {
				result = open
				return nil
			}

			now := s.now()
			row := &domain.Entitlement{
				ID:          s.genID.Generate(),
				CompanyID:   companyID,
				ModuleKey:   moduleKey,
				State:       domain.StateActive,
				Source:      source,
				ActivatedAt: &now,
				ExpiresAt:   expiresAt,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if open != nil {
				ok, err := s.repo.Transition(ctx, tx, domain.Transition{
					ID:           open.ID,
					From:         open.State,
					To:           domain.StateRevoked,
					EndedAt:      &now,
					SupersededBy: &row.ID,
					At:           now,
				})
				if err != nil {
					return err
				}
				if !ok {
					return errLostRace
				}
				replaced = open
			}
			if err := s.repo.Insert(ctx, tx, row); err != nil {
				return err
			}
			result = row
			changed = true
			return nil
		})
		if err == nil {
			if changed {
				s.afterGrant(ctx, result, replaced)
			}
			return result, changed, nil
		}
		if !errors.Is(err, errLostRace) && !db.IsDuplicateKeyErr(err) {
			return nil, false, s.mapWriteErr(err)
		}
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
	}
	return nil, false, fmt.Errorf("grant %s: %w", naturalKey(companyID, moduleKey), domain.ErrConflict)
}

// EnsureGranted grants only when the pair has no open row. Existing
// requests and grants are left untouched.
func (s *Service) EnsureGranted(ctx context.Context, req domain.GrantRequest) (*domain.Entitlement, bool, error) {
	companyID, moduleKey, err := s.resolve(ctx, req.CompanyID, req.ModuleKey, true)
	if err != nil {
		return nil, false, err
	}
	source, expiresAt, err := s.grantOptions(req)
	if err != nil {
		return nil, false, err
	}

	row, created, err := repository.GetOrCreate(ctx, s.db, naturalKey(companyID, moduleKey),
		func(ctx context.Context, tx *gorm.DB) (*domain.Entitlement, error) {
			return s.findOpen(ctx, tx, companyID, moduleKey)
		},
		func(ctx context.Context, tx *gorm.DB) (*domain.Entitlement, error) {
			now := s.now()
			row := &domain.Entitlement{
				ID:          s.genID.Generate(),
				CompanyID:   companyID,
				ModuleKey:   moduleKey,
				State:       domain.StateActive,
				Source:      source,
				ActivatedAt: &now,
				ExpiresAt:   expiresAt,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := s.repo.Insert(ctx, tx, row); err != nil {
				return nil, err
			}
			return row, nil
		},
	)
	if err != nil {
		return nil, false, s.mapWriteErr(err)
	}
	if created {
		s.afterGrant(ctx, row, nil)
	}
	return row, created, nil
}

// Revoke closes the open row for the pair. It reports false when there was
// nothing to revoke.
func (s *Service) Revoke(ctx context.Context, companyIDValue, moduleKeyValue string) (bool, error) {
	ctx, span := s.startSpan(ctx, "entitlement.Revoke", companyIDValue, moduleKeyValue)
	defer span.End()

	companyID, moduleKey, err := s.resolve(ctx, companyIDValue, moduleKeyValue, false)
	if err != nil {
		return false, err
	}
	return s.close(ctx, companyID, moduleKey, domain.StateRevoked, false)
}

// Suspend moves an active row to suspended. Pending requests cannot be
// suspended.
func (s *Service) Suspend(ctx context.Context, companyIDValue, moduleKeyValue string) (bool, error) {
	companyID, moduleKey, err := s.resolve(ctx, companyIDValue, moduleKeyValue, false)
	if err != nil {
		return false, err
	}
	return s.close(ctx, companyID, moduleKey, domain.StateSuspended, true)
}

func (s *Service) close(ctx context.Context, companyID snowflake.ID, moduleKey string, to domain.State, activeOnly bool) (bool, error) {
	for attempt := 0; attempt < writeAttempts; attempt++ {
		open, err := s.findOpen(ctx, s.db, companyID, moduleKey)
		if err != nil {
			return false, err
		}
		if open == nil {
			return false, nil
		}
		if activeOnly && open.State != domain.StateActive {
			return false, domain.ErrInvalidTransition
		}

		now := s.now()
		ok, err := s.repo.Transition(ctx, s.db, domain.Transition{
			ID:      open.ID,
			From:    open.State,
			To:      to,
			EndedAt: &now,
			At:      now,
		})
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}

		s.recordTransition(ctx, open.State, to)
		s.log.Info("entitlement."+string(to),
			zap.String("company_id", companyID.String()),
			zap.String("module_key", moduleKey),
			zap.String("entitlement_id", open.ID.String()),
			zap.String("from", string(open.State)),
		)
		return true, nil
	}
	return false, fmt.Errorf("%s %s: %w", to, naturalKey(companyID, moduleKey), domain.ErrConflict)
}

// EffectiveSet returns the sorted module keys usable by the company at asOf.
// It reads storage on every call.
func (s *Service) EffectiveSet(ctx context.Context, companyIDValue string, asOf time.Time) ([]string, error) {
	companyID, err := domain.ParseCompanyID(companyIDValue)
	if err != nil {
		return nil, err
	}
	if asOf.IsZero() {
		asOf = s.clock.Now()
	}
	asOf = asOf.UTC()

	rows, err := s.repo.ListActive(ctx, s.db, companyID)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(rows))
	for i := range rows {
		if rows[i].EffectiveAt(asOf) {
			keys = append(keys, rows[i].ModuleKey)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Service) IsEntitled(ctx context.Context, companyID, moduleKey string, asOf time.Time) (bool, error) {
	keys, err := s.EffectiveSet(ctx, companyID, asOf)
	if err != nil {
		return false, err
	}
	key := catalogdomain.NormalizeKey(moduleKey)
	idx := sort.SearchStrings(keys, key)
	return idx < len(keys) && keys[idx] == key, nil
}

// ListForPeriod returns rows whose active interval intersects [start, end).
func (s *Service) ListForPeriod(ctx context.Context, companyID snowflake.ID, start, end time.Time) ([]domain.Entitlement, error) {
	if companyID <= 0 {
		return nil, domain.ErrInvalidCompany
	}
	rows, err := s.repo.ListActivatedBefore(ctx, s.db, companyID, end.UTC())
	if err != nil {
		return nil, err
	}

	items := make([]domain.Entitlement, 0, len(rows))
	for _, row := range rows {
		_, rowEnd, ok := row.ActiveInterval()
		if !ok {
			continue
		}
		if rowEnd != nil && !rowEnd.After(start) {
			continue
		}
		items = append(items, row)
	}
	return items, nil
}

func (s *Service) History(ctx context.Context, companyIDValue, moduleKeyValue string) ([]domain.Entitlement, error) {
	companyID, moduleKey, err := s.resolve(ctx, companyIDValue, moduleKeyValue, false)
	if err != nil {
		return nil, err
	}
	return s.repo.ListHistory(ctx, s.db, companyID, moduleKey)
}

// SweepExpired persists active -> expired for up to limit rows whose expiry
// is at or before now.
func (s *Service) SweepExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	now = now.UTC()

	rows, err := s.repo.ListDueForExpiry(ctx, s.db, now, limit)
	if err != nil {
		return 0, err
	}

	var expired int64
	for i := range rows {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		ok, err := s.expire(ctx, s.db, &rows[i], now)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		s.log.Info("entitlement.sweep.expired", zap.Int64("count", expired))
	}
	return expired, nil
}

// findOpen returns the open row for the pair, persisting lazy expiry of an
// active row whose expires_at has passed.
func (s *Service) findOpen(ctx context.Context, tx *gorm.DB, companyID snowflake.ID, moduleKey string) (*domain.Entitlement, error) {
	now := s.now()
	for attempt := 0; attempt < writeAttempts; attempt++ {
		open, err := s.repo.FindOpen(ctx, tx, companyID, moduleKey)
		if err != nil || open == nil {
			return open, err
		}
		if open.State != domain.StateActive || !open.ExpiredAt(now) {
			return open, nil
		}
		if _, err := s.expire(ctx, tx, open, now); err != nil {
			return nil, err
		}
	}
	return nil, domain.ErrConflict
}

func (s *Service) expire(ctx context.Context, tx *gorm.DB, row *domain.Entitlement, now time.Time) (bool, error) {
	ok, err := s.repo.Transition(ctx, tx, domain.Transition{
		ID:      row.ID,
		From:    domain.StateActive,
		To:      domain.StateExpired,
		EndedAt: row.ExpiresAt,
		At:      now,
	})
	if err != nil || !ok {
		return false, err
	}
	s.recordTransition(ctx, domain.StateActive, domain.StateExpired)
	s.log.Debug("entitlement.expired",
		zap.String("company_id", row.CompanyID.String()),
		zap.String("module_key", row.ModuleKey),
		zap.String("entitlement_id", row.ID.String()),
	)
	return true, nil
}

// resolve validates identifiers. When forWrite is set the module must be
// known and not deprecated; reads only need a well-formed key.
func (s *Service) resolve(ctx context.Context, companyIDValue, moduleKeyValue string, forWrite bool) (snowflake.ID, string, error) {
	companyID, err := domain.ParseCompanyID(companyIDValue)
	if err != nil {
		return 0, "", err
	}
	moduleKey := catalogdomain.NormalizeKey(moduleKeyValue)
	if moduleKey == "" {
		return 0, "", domain.ErrInvalidModule
	}
	if !forWrite {
		return companyID, moduleKey, nil
	}

	def, err := s.catalog.Lookup(ctx, moduleKey)
	if err != nil {
		if errors.Is(err, catalogdomain.ErrNotFound) || errors.Is(err, catalogdomain.ErrInvalidKey) {
			return 0, "", fmt.Errorf("%s: %w", moduleKey, domain.ErrUnknownModule)
		}
		return 0, "", err
	}
	if def.IsDeprecated() {
		return 0, "", fmt.Errorf("%s is deprecated: %w", moduleKey, domain.ErrUnknownModule)
	}
	return companyID, def.Key, nil
}

func (s *Service) grantOptions(req domain.GrantRequest) (domain.Source, *time.Time, error) {
	source := req.Source
	if source == "" {
		source = domain.SourceManualGrant
	}
	if !source.Valid() {
		return "", nil, domain.ErrInvalidSource
	}
	if req.ExpiresAt == nil {
		return source, nil, nil
	}
	expiresAt := req.ExpiresAt.UTC().Truncate(time.Second)
	if !expiresAt.After(s.now()) {
		return "", nil, domain.ErrInvalidExpiry
	}
	return source, &expiresAt, nil
}

func (s *Service) afterGrant(ctx context.Context, row, replaced *domain.Entitlement) {
	from := domain.State("")
	fields := []zap.Field{
		zap.String("company_id", row.CompanyID.String()),
		zap.String("module_key", row.ModuleKey),
		zap.String("entitlement_id", row.ID.String()),
		zap.String("source", string(row.Source)),
	}
	if replaced != nil {
		from = replaced.State
		s.recordTransition(ctx, replaced.State, domain.StateRevoked)
		fields = append(fields, zap.String("superseded_id", replaced.ID.String()))
	}
	if row.ExpiresAt != nil {
		fields = append(fields, zap.Time("expires_at", *row.ExpiresAt))
	}
	s.recordTransition(ctx, from, domain.StateActive)
	s.log.Info("entitlement.granted", fields...)
}

func (s *Service) mapWriteErr(err error) error {
	if errors.Is(err, repository.ErrUpsertConflict) {
		return fmt.Errorf("%w: %w", domain.ErrConflict, err)
	}
	return err
}

func (s *Service) recordTransition(ctx context.Context, from, to domain.State) {
	s.metrics.RecordEntitlementTransition(ctx, string(from), string(to))
}

func (s *Service) startSpan(ctx context.Context, name, companyID, moduleKey string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("company_id", companyID),
		attribute.String("module_key", moduleKey),
	))
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Second)
}

func naturalKey(companyID snowflake.ID, moduleKey string) string {
	return companyID.String() + "/" + moduleKey
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
