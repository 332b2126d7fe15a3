package domain

import (
	"fmt"
	"strings"
	"time"
)

// Period is a calendar month in UTC, covering [Start, End).
type Period struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
}

func NewPeriod(year int, month time.Month) (Period, error) {
	p := Period{Year: year, Month: month}
	if err := p.Validate(); err != nil {
		return Period{}, err
	}
	return p, nil
}

// ParsePeriod accepts "YYYY-MM".
func ParsePeriod(value string) (Period, error) {
	t, err := time.Parse("2006-01", strings.TrimSpace(value))
	if err != nil {
		return Period{}, fmt.Errorf("%q: %w", value, ErrInvalidPeriod)
	}
	return NewPeriod(t.Year(), t.Month())
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Month: t.Month()}
}

func (p Period) Validate() error {
	if p.Year < 1970 || p.Year > 9999 || p.Month < time.January || p.Month > time.December {
		return ErrInvalidPeriod
	}
	return nil
}

func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

func (p Period) Length() time.Duration {
	return p.End().Sub(p.Start())
}

// Days is the number of calendar days in the period.
func (p Period) Days() int {
	return int(p.Length() / (24 * time.Hour))
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}
