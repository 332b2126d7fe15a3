package reconciler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/modulebilling/internal/catalog/domain"
	catalogrepository "github.com/smallbiznis/modulebilling/internal/catalog/repository"
	catalogservice "github.com/smallbiznis/modulebilling/internal/catalog/service"
	"github.com/smallbiznis/modulebilling/internal/clock"
	"github.com/smallbiznis/modulebilling/internal/config"
	entitlementdomain "github.com/smallbiznis/modulebilling/internal/entitlement/domain"
	entitlementrepository "github.com/smallbiznis/modulebilling/internal/entitlement/repository"
	entitlementservice "github.com/smallbiznis/modulebilling/internal/entitlement/service"
	"github.com/smallbiznis/modulebilling/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	reconciler   Service
	entitlements entitlementdomain.Service
}

func newFixture(t *testing.T, engineCfg config.EngineConfig) *fixture {
	t.Helper()
	conn := dbtest.Open(t,
		&catalogdomain.ModuleDefinition{},
		&catalogdomain.ModulePrice{},
		&entitlementdomain.Entitlement{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	catalog := catalogservice.New(catalogservice.Params{
		DB: conn, Log: log, GenID: node, Clock: clk, Repo: catalogrepository.Provide(),
	})
	for _, key := range []string{"ai-writer", "scraper", "tender-search", "document-vault"} {
		_, err := catalog.Define(context.Background(), catalogdomain.DefineRequest{Key: key, Name: key, UnitAmount: 1000})
		require.NoError(t, err)
	}

	entitlements := entitlementservice.New(entitlementservice.Params{
		DB: conn, Log: log, GenID: node, Clock: clk,
		Repo:    entitlementrepository.Provide(),
		Catalog: catalog,
	})

	return &fixture{
		reconciler: New(Params{
			Log:          log,
			Entitlements: entitlements,
			Config:       config.NewStaticEngineConfigHolder(engineCfg),
		}),
		entitlements: entitlements,
	}
}

func companyID(i int) string {
	return fmt.Sprintf("%d", 1000+i)
}

func TestApplyBatchIsolatesFailures(t *testing.T) {
	f := newFixture(t, config.DefaultEngineConfig())
	ctx := context.Background()

	ops := make([]Operation, 0, 10)
	for i := 0; i < 10; i++ {
		key := "ai-writer"
		if i == 4 {
			key = "does-not-exist"
		}
		ops = append(ops, Operation{CompanyID: companyID(i), ModuleKey: key, Action: ActionGrant})
	}

	result, err := f.reconciler.ApplyBatch(ctx, ops)
	require.NoError(t, err)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, 9, result.Applied)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 0, result.Skipped)

	require.Len(t, result.Results, 10)
	for i, res := range result.Results {
		assert.Equal(t, i, res.Index)
		if i == 4 {
			assert.Equal(t, OutcomeFailed, res.Outcome)
			assert.Equal(t, "unknown_module", res.Reason)
			continue
		}
		assert.Equal(t, OutcomeApplied, res.Outcome)

		keys, err := f.entitlements.EffectiveSet(ctx, companyID(i), time.Time{})
		require.NoError(t, err)
		assert.Equal(t, []string{"ai-writer"}, keys)
	}
}

func TestApplyBatchLastOperationWinsForSamePair(t *testing.T) {
	f := newFixture(t, config.DefaultEngineConfig())
	ctx := context.Background()

	result, err := f.reconciler.ApplyBatch(ctx, []Operation{
		{CompanyID: companyID(1), ModuleKey: "scraper", Action: ActionGrant},
		{CompanyID: companyID(2), ModuleKey: "scraper", Action: ActionGrant},
		{CompanyID: companyID(1), ModuleKey: "scraper", Action: ActionGrant},
		{CompanyID: companyID(1), ModuleKey: "scraper", Action: ActionRevoke},
	})
	require.NoError(t, err)

	outcomes := []Outcome{OutcomeApplied, OutcomeApplied, OutcomeSkippedIdempotent, OutcomeApplied}
	for i, want := range outcomes {
		assert.Equal(t, want, result.Results[i].Outcome, "operation %d", i)
	}

	keys, err := f.entitlements.EffectiveSet(ctx, companyID(1), time.Time{})
	require.NoError(t, err)
	assert.Empty(t, keys)

	keys, err = f.entitlements.EffectiveSet(ctx, companyID(2), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"scraper"}, keys)
}

func TestApplyBatchValidationIsPerOperation(t *testing.T) {
	f := newFixture(t, config.DefaultEngineConfig())

	result, err := f.reconciler.ApplyBatch(context.Background(), []Operation{
		{CompanyID: companyID(1), ModuleKey: "scraper", Action: "suspend"},
		{CompanyID: "not-a-company", ModuleKey: "scraper", Action: ActionGrant},
		{CompanyID: companyID(1), ModuleKey: "scraper", Action: ActionRevoke},
	})
	require.NoError(t, err)

	assert.Equal(t, "invalid_action", result.Results[0].Reason)
	assert.Equal(t, "invalid_company", result.Results[1].Reason)
	assert.Equal(t, OutcomeSkippedIdempotent, result.Results[2].Outcome)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, 1, result.Skipped)
}

func TestApplyBatchEmpty(t *testing.T) {
	f := newFixture(t, config.DefaultEngineConfig())

	_, err := f.reconciler.ApplyBatch(context.Background(), nil)
	require.ErrorIs(t, err, ErrEmptyBatch)
}

func TestApplyBatchCanceledContext(t *testing.T) {
	f := newFixture(t, config.DefaultEngineConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.reconciler.ApplyBatch(ctx, []Operation{
		{CompanyID: companyID(1), ModuleKey: "scraper", Action: ActionGrant},
	})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, "not_run", result.Results[0].Reason)
}

func TestInitializeDefaultsIsRepeatable(t *testing.T) {
	cfg := config.DefaultEngineConfig()
	cfg.DefaultModules = []string{"tender-search", "document-vault"}
	f := newFixture(t, cfg)
	ctx := context.Background()

	_, err := f.entitlements.Request(ctx, entitlementdomain.RequestRequest{CompanyID: companyID(1), ModuleKey: "tender-search"})
	require.NoError(t, err)

	companies := []string{companyID(1), companyID(2), companyID(3), companyID(2)}

	first, err := f.reconciler.InitializeDefaults(ctx, companies, nil)
	require.NoError(t, err)
	assert.Len(t, first.Results, 6)
	assert.Equal(t, 5, first.Applied)
	assert.Equal(t, 1, first.Skipped)

	history, err := f.entitlements.History(ctx, companyID(1), "tender-search")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, entitlementdomain.StateRequested, history[0].State)

	second, err := f.reconciler.InitializeDefaults(ctx, companies, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Applied)
	assert.Equal(t, 6, second.Skipped)
	assert.NotEqual(t, first.RunID, second.RunID)

	keys, err := f.entitlements.EffectiveSet(ctx, companyID(3), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"document-vault", "tender-search"}, keys)
}

func TestInitializeDefaultsExplicitModules(t *testing.T) {
	f := newFixture(t, config.DefaultEngineConfig())

	result, err := f.reconciler.InitializeDefaults(context.Background(), []string{companyID(1)}, []string{"ai-writer", "unknown"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, "unknown_module", result.Results[1].Reason)
}
