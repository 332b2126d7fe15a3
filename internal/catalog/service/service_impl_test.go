package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/modulebilling/internal/catalog/domain"
	"github.com/smallbiznis/modulebilling/internal/catalog/repository"
	"github.com/smallbiznis/modulebilling/internal/clock"
	"github.com/smallbiznis/modulebilling/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (domain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()
	conn := dbtest.Open(t, &domain.ModuleDefinition{}, &domain.ModulePrice{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC))

	svc := New(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  repository.Provide(),
	})
	return svc, conn, clk
}

func TestDefineIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Define(ctx, domain.DefineRequest{Key: "AI Writer", Name: "AI Writer", Category: "content", UnitAmount: 10000})
	require.NoError(t, err)
	assert.Equal(t, "ai-writer", first.Key)
	assert.Equal(t, domain.ModuleStatusActive, first.Status)

	second, err := svc.Define(ctx, domain.DefineRequest{Key: "ai-writer", Name: "AI Writer", Category: "Content", UnitAmount: 10000})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestDefineRejectsDifferentAttributes(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Define(ctx, domain.DefineRequest{Key: "scraper", Name: "Scraper", UnitAmount: 5000})
	require.NoError(t, err)

	_, err = svc.Define(ctx, domain.DefineRequest{Key: "scraper", Name: "Scraper", UnitAmount: 7000})
	require.ErrorIs(t, err, domain.ErrDuplicateKey)
}

func TestDefineValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Define(ctx, domain.DefineRequest{Key: "  ", Name: "x"})
	require.ErrorIs(t, err, domain.ErrInvalidKey)

	_, err = svc.Define(ctx, domain.DefineRequest{Key: "x", Name: ""})
	require.ErrorIs(t, err, domain.ErrInvalidName)

	_, err = svc.Define(ctx, domain.DefineRequest{Key: "x", Name: "X", UnitAmount: -1})
	require.ErrorIs(t, err, domain.ErrInvalidPrice)
}

func TestConcurrentDefineCreatesSingleRow(t *testing.T) {
	svc, conn, _ := newTestService(t)
	ctx := context.Background()

	const callers = 8
	ids := make([]snowflake.ID, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			def, err := svc.Define(ctx, domain.DefineRequest{Key: "scraper", Name: "Scraper", Category: "data", UnitAmount: 5000})
			errs[i] = err
			if def != nil {
				ids[i] = def.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}

	var count int64
	require.NoError(t, conn.Model(&domain.ModuleDefinition{}).Where("module_key = ?", "scraper").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	require.NoError(t, conn.Model(&domain.ModulePrice{}).Where("module_key = ?", "scraper").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestLookupAndDeprecate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Lookup(ctx, "tender-search")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.Deprecate(ctx, "tender-search")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.Define(ctx, domain.DefineRequest{Key: "tender-search", Name: "Tender Search"})
	require.NoError(t, err)

	def, err := svc.Deprecate(ctx, "tender-search")
	require.NoError(t, err)
	assert.True(t, def.IsDeprecated())

	again, err := svc.Deprecate(ctx, "tender-search")
	require.NoError(t, err)
	assert.Equal(t, def.ID, again.ID)

	found, err := svc.Lookup(ctx, "Tender Search")
	require.NoError(t, err)
	assert.Equal(t, domain.ModuleStatusDeprecated, found.Status)

	deprecated := domain.ModuleStatusDeprecated
	items, err := svc.List(ctx, domain.ListRequest{Status: &deprecated})
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestPriceHistory(t *testing.T) {
	svc, _, clk := newTestService(t)
	ctx := context.Background()

	_, err := svc.Define(ctx, domain.DefineRequest{Key: "ai-writer", Name: "AI Writer", UnitAmount: 10000})
	require.NoError(t, err)

	// before the first history row the earliest price applies
	price, err := svc.PriceAt(ctx, "ai-writer", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(10000), price)

	july := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	def, err := svc.Reprice(ctx, domain.RepriceRequest{Key: "ai-writer", UnitAmount: 12000, EffectiveFrom: july})
	require.NoError(t, err)
	assert.Equal(t, int64(10000), def.UnitAmount, "future price does not change the current amount")

	price, err = svc.PriceAt(ctx, "ai-writer", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(10000), price)

	price, err = svc.PriceAt(ctx, "ai-writer", july)
	require.NoError(t, err)
	assert.Equal(t, int64(12000), price)

	_, err = svc.Reprice(ctx, domain.RepriceRequest{Key: "ai-writer", UnitAmount: 12000, EffectiveFrom: july})
	require.NoError(t, err)

	_, err = svc.Reprice(ctx, domain.RepriceRequest{Key: "ai-writer", UnitAmount: 13000, EffectiveFrom: july})
	require.ErrorIs(t, err, domain.ErrDuplicateKey)

	clk.Set(july.Add(time.Hour))
	def, err = svc.Reprice(ctx, domain.RepriceRequest{Key: "ai-writer", UnitAmount: 12000, EffectiveFrom: july})
	require.NoError(t, err)
	assert.Equal(t, int64(12000), def.UnitAmount)
}
