package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type State string

const (
	StateRequested State = "requested"
	StateActive    State = "active"
	StateSuspended State = "suspended"
	StateExpired   State = "expired"
	StateRevoked   State = "revoked"
)

// IsOpen reports whether the state holds the (company, module) slot.
func (s State) IsOpen() bool {
	return s == StateRequested || s == StateActive
}

func (s State) IsTerminal() bool {
	return s == StateSuspended || s == StateExpired || s == StateRevoked
}

type Source string

const (
	SourceManualGrant Source = "manual_grant"
	SourceBatchInit   Source = "batch_init"
	SourceSelfRequest Source = "self_request"
)

func (s Source) Valid() bool {
	switch s {
	case SourceManualGrant, SourceBatchInit, SourceSelfRequest:
		return true
	}
	return false
}

// Entitlement is one row of a company's permission history for a module.
// At most one row per (company, module) is open at a time; that rule is
// enforced by the partial unique index below.
type Entitlement struct {
	ID           snowflake.ID      `gorm:"primaryKey"`
	CompanyID    snowflake.ID      `gorm:"column:company_id;not null;index:ix_entitlements_company;uniqueIndex:ux_entitlements_open,priority:1,where:state = 'requested' OR state = 'active'"`
	ModuleKey    string            `gorm:"column:module_key;type:text;not null;uniqueIndex:ux_entitlements_open,priority:2"`
	State        State             `gorm:"type:text;not null;index:ix_entitlements_state_expires,priority:1"`
	Source       Source            `gorm:"type:text;not null"`
	RequestedAt  *time.Time        `gorm:"column:requested_at"`
	ActivatedAt  *time.Time        `gorm:"column:activated_at"`
	ExpiresAt    *time.Time        `gorm:"column:expires_at;index:ix_entitlements_state_expires,priority:2"`
	EndedAt      *time.Time        `gorm:"column:ended_at"`
	SupersededBy *snowflake.ID     `gorm:"column:superseded_by"`
	Metadata     datatypes.JSONMap

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Entitlement) TableName() string { return "entitlements" }

// ExpiredAt reports whether an active row has passed its expiry at t.
func (e *Entitlement) ExpiredAt(t time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(t)
}

// EffectiveAt reports whether the row grants access at t.
func (e *Entitlement) EffectiveAt(t time.Time) bool {
	if e.State != StateActive || e.ExpiredAt(t) {
		return false
	}
	return e.ActivatedAt == nil || !e.ActivatedAt.After(t)
}

// ActiveInterval returns the half-open span during which the row granted
// access. ok is false for rows that were never activated. A nil end means
// the row is still running.
func (e *Entitlement) ActiveInterval() (start time.Time, end *time.Time, ok bool) {
	if e.ActivatedAt == nil {
		return time.Time{}, nil, false
	}
	start = *e.ActivatedAt
	end = e.EndedAt
	if e.ExpiresAt != nil && (end == nil || e.ExpiresAt.Before(*end)) {
		end = e.ExpiresAt
	}
	return start, end, true
}

// Transition is a compare-and-set state change. Nil pointers leave the
// column untouched.
type Transition struct {
	ID           snowflake.ID
	From         State
	To           State
	ActivatedAt  *time.Time
	EndedAt      *time.Time
	SupersededBy *snowflake.ID
	At           time.Time
}
