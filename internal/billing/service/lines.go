package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/modulebilling/internal/billing/domain"
	"github.com/smallbiznis/modulebilling/internal/proration"
)

// computeLines builds one line per module that was active for a positive
// span of the period. Multiple entitlement rows for a module are merged.
func (s *Service) computeLines(ctx context.Context, companyID snowflake.ID, period domain.Period, now time.Time) ([]domain.BillLineItem, int64, error) {
	start, end := period.Start(), period.End()
	rows, err := s.entitlements.ListForPeriod(ctx, companyID, start, end)
	if err != nil {
		return nil, 0, err
	}

	intervals := make(map[string][]proration.Interval)
	for _, row := range rows {
		from, to, ok := row.ActiveInterval()
		if !ok {
			continue
		}
		intervals[row.ModuleKey] = append(intervals[row.ModuleKey], proration.Interval{Start: from, End: to})
	}

	keys := make([]string, 0, len(intervals))
	for key := range intervals {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	length := period.Length()
	items := make([]domain.BillLineItem, 0, len(keys))
	var total int64
	for _, key := range keys {
		overlap := proration.Overlap(intervals[key], start, end)
		if overlap <= 0 {
			continue
		}

		unitAmount, err := s.catalog.PriceAt(ctx, key, start)
		if err != nil {
			return nil, 0, fmt.Errorf("price for %s: %w", key, err)
		}

		serviceStart, serviceEnd := serviceWindow(intervals[key], start, end)
		item := domain.BillLineItem{
			ID:            s.genID.Generate(),
			ModuleKey:     key,
			Quantity:      proration.Quantity(overlap, length),
			UnitAmount:    unitAmount,
			Amount:        proration.Amount(unitAmount, overlap, length),
			ActiveSeconds: int64(overlap / time.Second),
			ServiceStart:  serviceStart,
			ServiceEnd:    serviceEnd,
			CreatedAt:     now,
		}
		total += item.Amount
		items = append(items, item)
	}
	return items, total, nil
}

// serviceWindow returns the first and last instants of coverage inside the
// period.
func serviceWindow(intervals []proration.Interval, start, end time.Time) (time.Time, time.Time) {
	first, last := end, start
	for _, iv := range intervals {
		from := iv.Start
		if from.Before(start) {
			from = start
		}
		to := end
		if iv.End != nil && iv.End.Before(to) {
			to = *iv.End
		}
		if !to.After(from) {
			continue
		}
		if from.Before(first) {
			first = from
		}
		if to.After(last) {
			last = to
		}
	}
	return first, last
}

// checksum fingerprints the billed content so unchanged regenerations can
// be detected without rewriting rows.
func checksum(period domain.Period, currency string, items []domain.BillLineItem) string {
	var b strings.Builder
	b.WriteString(period.String())
	b.WriteString("|")
	b.WriteString(currency)
	for _, item := range items {
		fmt.Fprintf(&b, "|%s:%s:%d:%d:%d",
			item.ModuleKey,
			item.Quantity.StringFixed(6),
			item.UnitAmount,
			item.Amount,
			item.ActiveSeconds,
		)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
