package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gosimple/slug"
)

type Service interface {
	Define(ctx context.Context, req DefineRequest) (*ModuleDefinition, error)
	Lookup(ctx context.Context, key string) (*ModuleDefinition, error)
	Deprecate(ctx context.Context, key string) (*ModuleDefinition, error)
	Reprice(ctx context.Context, req RepriceRequest) (*ModuleDefinition, error)
	PriceAt(ctx context.Context, key string, at time.Time) (int64, error)
	List(ctx context.Context, req ListRequest) ([]ModuleDefinition, error)
}

type DefineRequest struct {
	Key        string `json:"key"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	UnitAmount int64  `json:"unit_amount"`
}

type RepriceRequest struct {
	Key           string    `json:"key"`
	UnitAmount    int64     `json:"unit_amount"`
	EffectiveFrom time.Time `json:"effective_from"`
}

type ListRequest struct {
	Category string
	Status   *ModuleStatus
}

const DefaultCategory = "general"

var (
	ErrInvalidKey   = errors.New("invalid_key")
	ErrInvalidName  = errors.New("invalid_name")
	ErrInvalidPrice = errors.New("invalid_price")
	ErrDuplicateKey = errors.New("duplicate_key")
	ErrNotFound     = errors.New("not_found")
)

// NormalizeKey turns free-form input into the stable module slug.
func NormalizeKey(key string) string {
	return slug.Make(strings.TrimSpace(key))
}
