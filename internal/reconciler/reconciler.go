package reconciler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/modulebilling/internal/config"
	entitlementdomain "github.com/smallbiznis/modulebilling/internal/entitlement/domain"
	"github.com/smallbiznis/modulebilling/internal/observability/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("modulebilling/reconciler")

type Params struct {
	fx.In

	Log          *zap.Logger
	Entitlements entitlementdomain.Service
	Config       *config.EngineConfigHolder
	Metrics      *metrics.Metrics `optional:"true"`
}

type Reconciler struct {
	log          *zap.Logger
	entitlements entitlementdomain.Service
	config       *config.EngineConfigHolder
	metrics      *metrics.Metrics
}

func New(p Params) Service {
	return &Reconciler{
		log:          p.Log.Named("reconciler"),
		entitlements: p.Entitlements,
		config:       p.Config,
		metrics:      p.Metrics,
	}
}

// executor applies a single operation and reports whether it changed state.
type executor func(ctx context.Context, op Operation) (bool, error)

// ApplyBatch applies grant/revoke operations. Each operation stands alone:
// a failure is recorded on its result and never blocks the others. Only
// cancellation of ctx aborts the run.
func (r *Reconciler) ApplyBatch(ctx context.Context, ops []Operation) (*BatchResult, error) {
	if len(ops) == 0 {
		return nil, ErrEmptyBatch
	}
	return r.run(ctx, "apply_batch", ops, r.applyOperation)
}

// InitializeDefaults grants every default module to every company that does
// not already hold an open entitlement for it. Repeated runs only skip.
func (r *Reconciler) InitializeDefaults(ctx context.Context, companies []string, modules []string) (*BatchResult, error) {
	if len(modules) == 0 {
		modules = r.config.Get().DefaultModules
	}
	companies = dedupe(companies)
	modules = dedupe(modules)
	if len(companies) == 0 || len(modules) == 0 {
		return nil, ErrEmptyBatch
	}

	ops := make([]Operation, 0, len(companies)*len(modules))
	for _, company := range companies {
		for _, module := range modules {
			ops = append(ops, Operation{CompanyID: company, ModuleKey: module, Action: ActionGrant})
		}
	}

	return r.run(ctx, "initialize_defaults", ops, func(ctx context.Context, op Operation) (bool, error) {
		_, created, err := r.entitlements.EnsureGranted(ctx, entitlementdomain.GrantRequest{
			CompanyID: op.CompanyID,
			ModuleKey: op.ModuleKey,
			Source:    entitlementdomain.SourceBatchInit,
		})
		return created, err
	})
}

func (r *Reconciler) applyOperation(ctx context.Context, op Operation) (bool, error) {
	switch op.Action {
	case ActionGrant:
		_, changed, err := r.entitlements.Grant(ctx, entitlementdomain.GrantRequest{
			CompanyID: op.CompanyID,
			ModuleKey: op.ModuleKey,
			ExpiresAt: op.ExpiresAt,
			Source:    entitlementdomain.SourceManualGrant,
		})
		return changed, err
	case ActionRevoke:
		return r.entitlements.Revoke(ctx, op.CompanyID, op.ModuleKey)
	default:
		return false, ErrInvalidAction
	}
}

func (r *Reconciler) run(ctx context.Context, kind string, ops []Operation, exec executor) (*BatchResult, error) {
	runID := ulid.Make().String()
	ctx, span := tracer.Start(ctx, "reconciler."+kind)
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.Int("operations", len(ops)),
	)

	start := time.Now()
	log := r.log.With(zap.String("run_id", runID), zap.String("kind", kind))
	log.Info("reconciler.batch.start", zap.Int("operations", len(ops)))

	results := make([]OperationResult, len(ops))
	for i, op := range ops {
		results[i] = OperationResult{
			Index:     i,
			CompanyID: op.CompanyID,
			ModuleKey: op.ModuleKey,
			Action:    op.Action,
			Outcome:   OutcomeFailed,
			Reason:    "not_run",
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.Get().Batch.Concurrency)
	for _, indexes := range groupByCompany(ops) {
		g.Go(func() error {
			for _, i := range indexes {
				if err := ctx.Err(); err != nil {
					return err
				}
				changed, err := exec(gctx, ops[i])
				if err != nil && ctx.Err() != nil {
					return ctx.Err()
				}
				results[i] = r.toResult(results[i], changed, err)
				r.metrics.RecordBatchOperation(ctx, string(ops[i].Action), string(results[i].Outcome))
				if err != nil {
					log.Warn("reconciler.operation.failed",
						zap.Int("index", i),
						zap.String("company_id", ops[i].CompanyID),
						zap.String("module_key", ops[i].ModuleKey),
						zap.String("action", string(ops[i].Action)),
						zap.Error(err),
					)
				}
			}
			return nil
		})
	}
	waitErr := g.Wait()

	result := &BatchResult{RunID: runID, Results: results}
	for _, res := range results {
		switch res.Outcome {
		case OutcomeApplied:
			result.Applied++
		case OutcomeSkippedIdempotent:
			result.Skipped++
		default:
			result.Failed++
		}
	}

	log.Info("reconciler.batch.finish",
		zap.Int("applied", result.Applied),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Duration("duration", time.Since(start)),
	)
	if waitErr != nil {
		return result, waitErr
	}
	return result, nil
}

func (r *Reconciler) toResult(res OperationResult, changed bool, err error) OperationResult {
	switch {
	case err != nil:
		res.Outcome = OutcomeFailed
		res.Reason = reasonFor(err)
	case changed:
		res.Outcome = OutcomeApplied
		res.Reason = ""
	default:
		res.Outcome = OutcomeSkippedIdempotent
		res.Reason = ""
	}
	return res
}

var knownReasons = []error{
	ErrInvalidAction,
	entitlementdomain.ErrUnknownModule,
	entitlementdomain.ErrInvalidCompany,
	entitlementdomain.ErrInvalidModule,
	entitlementdomain.ErrInvalidExpiry,
	entitlementdomain.ErrInvalidSource,
	entitlementdomain.ErrConflict,
}

func reasonFor(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	for _, known := range knownReasons {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return err.Error()
}

// groupByCompany returns operation indexes per company, preserving input
// order inside each group and first-appearance order across groups.
func groupByCompany(ops []Operation) [][]int {
	order := make([]string, 0)
	groups := make(map[string][]int)
	for i, op := range ops {
		key := strings.TrimSpace(op.CompanyID)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	out := make([][]int, 0, len(order))
	for _, key := range order {
		out = append(out, groups[key])
	}
	return out
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
