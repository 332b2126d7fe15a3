package reconciler

import (
	"context"
	"errors"
	"time"
)

type Action string

const (
	ActionGrant  Action = "grant"
	ActionRevoke Action = "revoke"
)

type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeSkippedIdempotent Outcome = "skipped_idempotent"
	OutcomeFailed            Outcome = "failed"
)

// Operation is one (company, module, action) tuple of a batch.
type Operation struct {
	CompanyID string     `json:"company_id"`
	ModuleKey string     `json:"module_key"`
	Action    Action     `json:"action"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// OperationResult reports the outcome of the operation at Index.
type OperationResult struct {
	Index     int     `json:"index"`
	CompanyID string  `json:"company_id"`
	ModuleKey string  `json:"module_key"`
	Action    Action  `json:"action"`
	Outcome   Outcome `json:"outcome"`
	Reason    string  `json:"reason,omitempty"`
}

// BatchResult lists per-operation outcomes in input order.
type BatchResult struct {
	RunID   string            `json:"run_id"`
	Results []OperationResult `json:"results"`
	Applied int               `json:"applied"`
	Skipped int               `json:"skipped"`
	Failed  int               `json:"failed"`
}

type Service interface {
	ApplyBatch(ctx context.Context, ops []Operation) (*BatchResult, error)
	InitializeDefaults(ctx context.Context, companies []string, modules []string) (*BatchResult, error)
}

var (
	ErrInvalidAction = errors.New("invalid_action")
	ErrEmptyBatch    = errors.New("empty_batch")
)
