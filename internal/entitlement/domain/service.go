package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	Request(ctx context.Context, req RequestRequest) (*Entitlement, error)
	Approve(ctx context.Context, companyID, moduleKey string) (*Entitlement, error)
	Grant(ctx context.Context, req GrantRequest) (*Entitlement, bool, error)
	EnsureGranted(ctx context.Context, req GrantRequest) (*Entitlement, bool, error)
	Revoke(ctx context.Context, companyID, moduleKey string) (bool, error)
	Suspend(ctx context.Context, companyID, moduleKey string) (bool, error)

	EffectiveSet(ctx context.Context, companyID string, asOf time.Time) ([]string, error)
	IsEntitled(ctx context.Context, companyID, moduleKey string, asOf time.Time) (bool, error)
	ListForPeriod(ctx context.Context, companyID snowflake.ID, start, end time.Time) ([]Entitlement, error)
	History(ctx context.Context, companyID, moduleKey string) ([]Entitlement, error)

	SweepExpired(ctx context.Context, now time.Time, limit int) (int64, error)
}

type RequestRequest struct {
	CompanyID string `json:"company_id"`
	ModuleKey string `json:"module_key"`
}

type GrantRequest struct {
	CompanyID string     `json:"company_id"`
	ModuleKey string     `json:"module_key"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Source    Source     `json:"source,omitempty"`
}

var (
	ErrInvalidCompany    = errors.New("invalid_company")
	ErrInvalidModule     = errors.New("invalid_module")
	ErrInvalidExpiry     = errors.New("invalid_expiry")
	ErrInvalidSource     = errors.New("invalid_source")
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrUnknownModule     = errors.New("unknown_module")
	ErrAlreadyEntitled   = errors.New("already_entitled")
	ErrNotFound          = errors.New("not_found")
	ErrConflict          = errors.New("conflict")
)

// ParseCompanyID validates an inbound company identifier.
func ParseCompanyID(value string) (snowflake.ID, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, ErrInvalidCompany
	}
	id, err := snowflake.ParseString(value)
	if err != nil || id <= 0 {
		return 0, ErrInvalidCompany
	}
	return id, nil
}
