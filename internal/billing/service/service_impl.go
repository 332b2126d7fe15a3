package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/modulebilling/internal/billing/domain"
	catalogdomain "github.com/smallbiznis/modulebilling/internal/catalog/domain"
	"github.com/smallbiznis/modulebilling/internal/clock"
	"github.com/smallbiznis/modulebilling/internal/config"
	entitlementdomain "github.com/smallbiznis/modulebilling/internal/entitlement/domain"
	"github.com/smallbiznis/modulebilling/internal/observability/metrics"
	"github.com/smallbiznis/modulebilling/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const generateAttempts = 3

var (
	tracer = otel.Tracer("modulebilling/billing")

	errLostRace = errors.New("lost_race")
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Config       config.Config
	Repo         domain.Repository
	Entitlements entitlementdomain.Service
	Catalog      catalogdomain.Service
	Metrics      *metrics.Metrics `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	currency     string
	repo         domain.Repository
	entitlements entitlementdomain.Service
	catalog      catalogdomain.Service
	metrics      *metrics.Metrics
}

func New(p Params) domain.Service {
	currency := strings.ToUpper(strings.TrimSpace(p.Config.BillingCurrency))
	if currency == "" {
		currency = "USD"
	}
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("billing.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		currency:     currency,
		repo:         p.Repo,
		entitlements: p.Entitlements,
		catalog:      p.Catalog,
		metrics:      p.Metrics,
	}
}

// Generate computes the bill for the company and period. A draft is
// recomputed in place; finalized and paid bills are immutable.
//
// Concurrent generations race on the (company, period) unique key and the
// bill version. The loser recomputes from fresh ledger state and retries.
func (s *Service) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.Bill, error) {
	ctx, span := tracer.Start(ctx, "billing.Generate")
	defer span.End()

	companyID, err := entitlementdomain.ParseCompanyID(req.CompanyID)
	if err != nil {
		return nil, err
	}
	if err := req.Period.Validate(); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("company_id", companyID.String()),
		attribute.String("period", req.Period.String()),
	)

	for attempt := 0; attempt < generateAttempts; attempt++ {
		bill, result, err := s.generateOnce(ctx, companyID, req.Period)
		if err == nil {
			s.metrics.RecordBillGenerated(ctx, result, bill.TotalAmount)
			if result != "unchanged" {
				s.log.Info("bill.generated",
					zap.String("bill_id", bill.ID.String()),
					zap.String("company_id", companyID.String()),
					zap.String("period", req.Period.String()),
					zap.String("result", result),
					zap.Int("items", len(bill.Items)),
					zap.Int64("total_amount", bill.TotalAmount),
					zap.Int64("version", bill.Version),
				)
			}
			return bill, nil
		}
		if !errors.Is(err, errLostRace) && !db.IsDuplicateKeyErr(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "generate failed")
			if errors.Is(err, domain.ErrBillAlreadyFinalized) {
				s.metrics.RecordBillGenerated(ctx, "rejected", 0)
			} else {
				s.metrics.RecordBillGenerated(ctx, "error", 0)
			}
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.log.Debug("bill.generate.retry",
			zap.String("company_id", companyID.String()),
			zap.String("period", req.Period.String()),
			zap.Int("attempt", attempt+1),
		)
	}
	s.metrics.RecordBillGenerated(ctx, "conflict", 0)
	return nil, fmt.Errorf("generate %s/%s: %w", companyID, req.Period, domain.ErrConflict)
}

func (s *Service) generateOnce(ctx context.Context, companyID snowflake.ID, period domain.Period) (*domain.Bill, string, error) {
	existing, err := s.repo.FindByCompanyPeriod(ctx, s.db, companyID, period)
	if err != nil {
		return nil, "", err
	}
	if existing != nil && existing.Status != domain.BillStatusDraft {
		return nil, "", fmt.Errorf("bill %s is %s: %w", existing.ID, existing.Status, domain.ErrBillAlreadyFinalized)
	}

	now := s.now()
	items, total, err := s.computeLines(ctx, companyID, period, now)
	if err != nil {
		return nil, "", err
	}
	sum := checksum(period, s.currency, items)

	if existing != nil && existing.Checksum == sum && existing.TotalAmount == total {
		existing.Items, err = s.repo.ListItems(ctx, s.db, existing.ID)
		if err != nil {
			return nil, "", err
		}
		return existing, "unchanged", nil
	}

	var (
		bill   *domain.Bill
		result string
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if existing == nil {
			bill = &domain.Bill{
				ID:          s.genID.Generate(),
				CompanyID:   companyID,
				PeriodYear:  period.Year,
				PeriodMonth: int(period.Month),
				PeriodStart: period.Start(),
				PeriodEnd:   period.End(),
				Status:      domain.BillStatusDraft,
				Currency:    s.currency,
				TotalAmount: total,
				Version:     1,
				Checksum:    sum,
				GeneratedAt: now,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := s.repo.InsertBill(ctx, tx, bill); err != nil {
				return err
			}
			result = "created"
		} else {
			bill = existing
			bill.TotalAmount = total
			bill.Checksum = sum
			bill.Currency = s.currency
			bill.GeneratedAt = now
			bill.UpdatedAt = now
			ok, err := s.repo.UpdateDraft(ctx, tx, bill, existing.Version)
			if err != nil {
				return err
			}
			if !ok {
				return errLostRace
			}
			bill.Version++
			result = "updated"
		}

		for i := range items {
			items[i].BillID = bill.ID
		}
		return s.repo.ReplaceItems(ctx, tx, bill.ID, items)
	})
	if err != nil {
		return nil, "", err
	}

	bill.Items = items
	return bill, result, nil
}

// Finalize locks a draft bill. Finalizing an already finalized or paid
// bill returns it unchanged.
func (s *Service) Finalize(ctx context.Context, billID string) (*domain.Bill, error) {
	bill, err := s.GetByID(ctx, billID)
	if err != nil {
		return nil, err
	}
	if bill.Status != domain.BillStatusDraft {
		return bill, nil
	}
	return s.transition(ctx, bill, domain.BillStatusDraft, domain.BillStatusFinalized)
}

// MarkPaid records payment of a finalized bill.
func (s *Service) MarkPaid(ctx context.Context, billID string) (*domain.Bill, error) {
	bill, err := s.GetByID(ctx, billID)
	if err != nil {
		return nil, err
	}
	switch bill.Status {
	case domain.BillStatusPaid:
		return bill, nil
	case domain.BillStatusDraft:
		return nil, domain.ErrBillNotFinalized
	}
	return s.transition(ctx, bill, domain.BillStatusFinalized, domain.BillStatusPaid)
}

func (s *Service) transition(ctx context.Context, bill *domain.Bill, from, to domain.BillStatus) (*domain.Bill, error) {
	now := s.now()
	ok, err := s.repo.UpdateStatus(ctx, s.db, bill.ID, from, to, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		// someone moved it first; report the stored state
		return s.GetByID(ctx, bill.ID.String())
	}

	bill.Status = to
	bill.UpdatedAt = now
	switch to {
	case domain.BillStatusFinalized:
		bill.FinalizedAt = &now
	case domain.BillStatusPaid:
		bill.PaidAt = &now
	}
	s.log.Info("bill."+string(to),
		zap.String("bill_id", bill.ID.String()),
		zap.String("company_id", bill.CompanyID.String()),
		zap.String("period", bill.Period().String()),
		zap.Int64("total_amount", bill.TotalAmount),
	)
	return bill, nil
}

func (s *Service) Get(ctx context.Context, companyIDValue string, period domain.Period) (*domain.Bill, error) {
	companyID, err := entitlementdomain.ParseCompanyID(companyIDValue)
	if err != nil {
		return nil, err
	}
	if err := period.Validate(); err != nil {
		return nil, err
	}
	bill, err := s.repo.FindByCompanyPeriod(ctx, s.db, companyID, period)
	if err != nil {
		return nil, err
	}
	if bill == nil {
		return nil, domain.ErrNotFound
	}
	return s.withItems(ctx, bill)
}

func (s *Service) GetByID(ctx context.Context, billID string) (*domain.Bill, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(billID))
	if err != nil || id <= 0 {
		return nil, domain.ErrInvalidBillID
	}
	bill, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if bill == nil {
		return nil, domain.ErrNotFound
	}
	return s.withItems(ctx, bill)
}

// ListDraftCompanies returns companies that have a draft bill for period.
func (s *Service) ListDraftCompanies(ctx context.Context, period domain.Period) ([]string, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	ids, err := s.repo.ListCompaniesWithStatus(ctx, s.db, period, domain.BillStatusDraft)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out, nil
}

func (s *Service) withItems(ctx context.Context, bill *domain.Bill) (*domain.Bill, error) {
	items, err := s.repo.ListItems(ctx, s.db, bill.ID)
	if err != nil {
		return nil, err
	}
	bill.Items = items
	return bill, nil
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Second)
}
