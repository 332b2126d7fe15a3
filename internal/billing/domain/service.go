package domain

import (
	"context"
	"errors"
)

type Service interface {
	Generate(ctx context.Context, req GenerateRequest) (*Bill, error)
	Finalize(ctx context.Context, billID string) (*Bill, error)
	MarkPaid(ctx context.Context, billID string) (*Bill, error)
	Get(ctx context.Context, companyID string, period Period) (*Bill, error)
	GetByID(ctx context.Context, billID string) (*Bill, error)
	ListDraftCompanies(ctx context.Context, period Period) ([]string, error)
}

type GenerateRequest struct {
	CompanyID string `json:"company_id"`
	Period    Period `json:"period"`
}

var (
	ErrInvalidPeriod        = errors.New("invalid_period")
	ErrInvalidBillID        = errors.New("invalid_bill_id")
	ErrNotFound             = errors.New("not_found")
	ErrBillAlreadyFinalized = errors.New("bill_already_finalized")
	ErrBillNotFinalized     = errors.New("bill_not_finalized")
	ErrConflict             = errors.New("conflict")
)
