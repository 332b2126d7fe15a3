package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/modulebilling/internal/catalog/domain"
	catalogrepository "github.com/smallbiznis/modulebilling/internal/catalog/repository"
	catalogservice "github.com/smallbiznis/modulebilling/internal/catalog/service"
	"github.com/smallbiznis/modulebilling/internal/clock"
	"github.com/smallbiznis/modulebilling/internal/entitlement/domain"
	"github.com/smallbiznis/modulebilling/internal/entitlement/repository"
	"github.com/smallbiznis/modulebilling/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const company = "1001"

type fixture struct {
	svc     domain.Service
	catalog catalogdomain.Service
	db      *gorm.DB
	clock   *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.Open(t,
		&catalogdomain.ModuleDefinition{},
		&catalogdomain.ModulePrice{},
		&domain.Entitlement{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	catalog := catalogservice.New(catalogservice.Params{
		DB:    conn,
		Log:   log,
		GenID: node,
		Clock: clk,
		Repo:  catalogrepository.Provide(),
	})
	for _, req := range []catalogdomain.DefineRequest{
		{Key: "ai-writer", Name: "AI Writer", UnitAmount: 10000},
		{Key: "scraper", Name: "Scraper", UnitAmount: 5000},
		{Key: "tender-search", Name: "Tender Search"},
	} {
		_, err := catalog.Define(context.Background(), req)
		require.NoError(t, err)
	}

	svc := New(Params{
		DB:      conn,
		Log:     log,
		GenID:   node,
		Clock:   clk,
		Repo:    repository.Provide(),
		Catalog: catalog,
	})
	return &fixture{svc: svc, catalog: catalog, db: conn, clock: clk}
}

func (f *fixture) countOpen(t *testing.T, moduleKey string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&domain.Entitlement{}).
		Where("module_key = ? AND state IN ?", moduleKey, []string{"requested", "active"}).
		Count(&count).Error)
	return count
}

func TestRequestIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Request(ctx, domain.RequestRequest{CompanyID: company, ModuleKey: "ai-writer"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateRequested, first.State)
	assert.Equal(t, domain.SourceSelfRequest, first.Source)

	second, err := f.svc.Request(ctx, domain.RequestRequest{CompanyID: company, ModuleKey: "AI Writer"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(1), f.countOpen(t, "ai-writer"))
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Request(ctx, domain.RequestRequest{CompanyID: company, ModuleKey: "unknown"})
	require.ErrorIs(t, err, domain.ErrUnknownModule)

	_, err = f.svc.Request(ctx, domain.RequestRequest{CompanyID: "acme", ModuleKey: "ai-writer"})
	require.ErrorIs(t, err, domain.ErrInvalidCompany)

	_, err = f.svc.Request(ctx, domain.RequestRequest{CompanyID: company, ModuleKey: " "})
	require.ErrorIs(t, err, domain.ErrInvalidModule)
}

func TestGrantIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, changed, err := f.svc.Grant(ctx, domain.GrantRequest{CompanyID: company, ModuleKey: "scraper"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.StateActive, first.State)
	assert.Equal(t, domain.SourceManualGrant, first.Source)

	second, changed, err := f.svc.Grant(ctx, domain.GrantRequest{CompanyID: company, ModuleKey: "scraper"})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, first.ID, second.ID)
}

func TestGrantSupersedesOpenRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	requested, err := f.svc.Request(ctx, domain.RequestRequest{CompanyID: company, ModuleKey: "ai-writer"})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	granted, changed, err := f.svc.Grant(ctx, domain.GrantRequest{CompanyID: company, ModuleKey: "ai-writer"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotEqual(t, requested.ID, granted.ID)

	f.clock.Advance(time.Hour)
	expiry := f.clock.Now().Add(30 * 24 * time.Hour)
	extended, changed, err := f.svc.Grant(ctx, domain.GrantRequest{CompanyID: company, ModuleKey: "ai-writer", ExpiresAt: &expiry})
	require.NoError(t, err)
	assert.True(t, changed)

	history, err := f.svc.History(ctx, company, "ai-writer")
	require.NoError(t, err)
	require.Len(t, history, 3)

	assert.Equal(t, extended.ID, history[0].ID)
	assert.Equal(t, domain.StateActive, history[0].State)

	assert.Equal(t, granted.ID, history[1].ID)
	assert.Equal(t, domain.StateRevoked, history[1].State)
	require.NotNil(t, history[1].SupersededBy)
	assert.Equal(t, extended.ID, *history[1].SupersededBy)

	assert.Equal(t, requested.ID, history[2].ID)
	assert.Equal(t, domain.StateRevoked, history[2].State)
	require.NotNil(t, history[2].SupersededBy)
	assert.Equal(t, granted.ID, *history[2].SupersededBy)

	assert.Equal(t, int64(1), f.countOpen(t, "ai-writer"))
}

func TestGrantRejectsPastExpiry(t *testing.T) {
	f := newFixture(t)

	past := f.clock.Now().Add(-time.Minute)
	_, _, err := f.svc.Grant(context.Background(), domain.GrantRequest{CompanyID: company, ModuleKey: "scraper", ExpiresAt: &past})
	require.ErrorIs(t, err, domain.ErrInvalidExpiry)
}

func TestConcurrentGrantKeepsSingleOpenRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const callers = 8
	ids := make([]snowflake.ID, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			row, _, err := f.svc.Grant(ctx, domain.GrantRequest{CompanyID: company, ModuleKey: "scraper"})
			errs[i] = err
			if row != nil {
				ids[i] = row.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, int64(1), f.countOpen(t, "scraper"))
}

func TestEnsureGrantedLeavesExistingRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	requested, err := f.svc.Request(ctx, domain.RequestRequest{CompanyID: company, ModuleKey: "ai-writer"})
	require.NoError(t, err)

	row, created, err := f.svc.EnsureGranted(ctx, domain.GrantRequest{CompanyID: company, ModuleKey: "ai-writer", Source: domain.SourceBatchInit})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, requested.ID, row.ID)
	assert.Equal(t, domain.StateRequested, row.State)

	row, created, err = f.svc.EnsureGranted(ctx, domain.GrantRequest{CompanyID: company, ModuleKey: "scraper", Source: domain.SourceBatchInit})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.SourceBatchInit, row.Source)
}

func TestApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Approve(ctx, company, "ai-writer")
	require.ErrorIs(t, err, domain.ErrNotFound)

	requested, err := f.svc.Request(ctx, domain.RequestRequest{CompanyID: company, ModuleKey: "ai-writer"})
	require.NoError(t, err)

	approved, err := f.svc.Approve(ctx, company, "ai-writer")
	require.NoError(t, err)
	assert.Equal(t, requested.ID, approved.ID)
	assert.Equal(t, domain.StateActive, approved.State)
	require.NotNil(t, approved.ActivatedAt)

	again, err := f.svc.Approve(ctx, company, "ai-writer")
	require.NoError(t, err)
	assert.Equal(t, approved.ID, again.ID)

	keys, err := f.svc.EffectiveSet(ctx, company, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"ai-writer"}, keys)
}

func TestRevokeIsNoOpWhenTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	changed, err := f.svc.Revoke(ctx, company, "scraper")
	require.NoError(t, err)
	assert.False(t, changed)

	_, _, err = f.svc.Grant(ctx, domain.GrantRequest{CompanyID: company, ModuleKey: "scraper"})
	require.NoError(t, err)

	changed, err = f.svc.Revoke(ctx, company, "scraper")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.svc.Revoke(ctx, company, "scraper")
	require.NoError(t, err)
	assert.False(t, changed)

	keys, err := f.svc.EffectiveSet(ctx, company, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestSuspend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Request(ctx, domain.RequestRequest{CompanyID: company, ModuleKey: "ai-writer"})
	require.NoError(t, err)

	_, err = f.svc.Suspend(ctx, company, "ai-writer")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, _, err = f.svc.Grant(ctx, domain.GrantRequest{CompanyID: company, ModuleKey: "scraper"})
	require.NoError(t, err)

	changed, err := f.svc.Suspend(ctx, company, "scraper")
	require.NoError(t, err)
	assert.True(t, changed)

	ok, err := f.svc.IsEntitled(ctx, company, "scraper", time.Time{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEffectiveSetHonoursExpiryBeforeSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expiry := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	_, _, err := f.svc.Grant(ctx, domain.GrantRequest{CompanyID: company, ModuleKey: "ai-writer", ExpiresAt: &expiry})
	require.NoError(t, err)
	_, _, err = f.svc.Grant(ctx, domain.GrantRequest{CompanyID: company, ModuleKey: "tender-search"})
	require.NoError(t, err)

	keys, err := f.svc.EffectiveSet(ctx, company, time.Date(2024, 6, 9, 23, 59, 59, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, []string{"ai-writer", "tender-search"}, keys)

	keys, err = f.svc.EffectiveSet(ctx, company, expiry)
	require.NoError(t, err)
	assert.Equal(t, []string{"tender-search"}, keys)

	ok, err := f.svc.IsEntitled(ctx, company, "ai-writer", expiry.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweepExpiredPersistsTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expiry := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	row, _, err := f.svc.Grant(ctx, domain.GrantRequest{CompanyID: company, ModuleKey: "ai-writer", ExpiresAt: &expiry})
	require.NoError(t, err)

	count, err := f.svc.SweepExpired(ctx, expiry.Add(-time.Second), 10)
	require.NoError(t, err)
	assert.Zero(t, count)

	f.clock.Set(expiry.Add(24 * time.Hour))
	count, err = f.svc.SweepExpired(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = f.svc.SweepExpired(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, count)

	history, err := f.svc.History(ctx, company, "ai-writer")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, row.ID, history[0].ID)
	assert.Equal(t, domain.StateExpired, history[0].State)
	require.NotNil(t, history[0].EndedAt)
	assert.True(t, history[0].EndedAt.Equal(expiry))
}

func TestGrantAfterLazyExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expiry := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	first, _, err := f.svc.Grant(ctx, domain.GrantRequest{CompanyID: company, ModuleKey: "scraper", ExpiresAt: &expiry})
	require.NoError(t, err)

	f.clock.Set(time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC))
	second, changed, err := f.svc.Grant(ctx, domain.GrantRequest{CompanyID: company, ModuleKey: "scraper"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotEqual(t, first.ID, second.ID)

	history, err := f.svc.History(ctx, company, "scraper")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.StateExpired, history[1].State)
	assert.Nil(t, history[1].SupersededBy)
}

func TestDeprecatedModuleKeepsExistingEntitlements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.Grant(ctx, domain.GrantRequest{CompanyID: company, ModuleKey: "scraper"})
	require.NoError(t, err)

	_, err = f.catalog.Deprecate(ctx, "scraper")
	require.NoError(t, err)

	ok, err := f.svc.IsEntitled(ctx, company, "scraper", time.Time{})
	require.NoError(t, err)
	assert.True(t, ok)

	_, _, err = f.svc.Grant(ctx, domain.GrantRequest{CompanyID: "1002", ModuleKey: "scraper"})
	require.ErrorIs(t, err, domain.ErrUnknownModule)
}

func TestListForPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.clock.Set(time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC))
	_, _, err := f.svc.Grant(ctx, domain.GrantRequest{CompanyID: company, ModuleKey: "scraper"})
	require.NoError(t, err)
	_, err = f.svc.Revoke(ctx, company, "scraper")
	require.NoError(t, err)

	f.clock.Set(time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC))
	_, _, err = f.svc.Grant(ctx, domain.GrantRequest{CompanyID: company, ModuleKey: "ai-writer"})
	require.NoError(t, err)

	companyID, err := domain.ParseCompanyID(company)
	require.NoError(t, err)

	rows, err := f.svc.ListForPeriod(ctx, companyID,
		time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ai-writer", rows[0].ModuleKey)
}
