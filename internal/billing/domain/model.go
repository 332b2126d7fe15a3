package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type BillStatus string

const (
	BillStatusDraft     BillStatus = "draft"
	BillStatusFinalized BillStatus = "finalized"
	BillStatusPaid      BillStatus = "paid"
)

// Bill is the per-company charge record for one period. TotalAmount always
// equals the sum of its line item amounts.
type Bill struct {
	ID          snowflake.ID      `json:"id" gorm:"primaryKey"`
	CompanyID   snowflake.ID      `json:"company_id" gorm:"column:company_id;not null;uniqueIndex:ux_bills_company_period,priority:1"`
	PeriodYear  int               `json:"period_year" gorm:"column:period_year;not null;uniqueIndex:ux_bills_company_period,priority:2"`
	PeriodMonth int               `json:"period_month" gorm:"column:period_month;not null;uniqueIndex:ux_bills_company_period,priority:3"`
	PeriodStart time.Time         `json:"period_start" gorm:"column:period_start;not null"`
	PeriodEnd   time.Time         `json:"period_end" gorm:"column:period_end;not null"`
	Status      BillStatus        `json:"status" gorm:"type:text;not null;index"`
	Currency    string            `json:"currency" gorm:"type:text;not null"`
	TotalAmount int64             `json:"total_amount" gorm:"column:total_amount;not null"`
	Version     int64             `json:"version" gorm:"not null"`
	Checksum    string            `json:"checksum" gorm:"type:text;not null"`
	GeneratedAt time.Time         `json:"generated_at" gorm:"column:generated_at;not null"`
	FinalizedAt *time.Time        `json:"finalized_at,omitempty" gorm:"column:finalized_at"`
	PaidAt      *time.Time        `json:"paid_at,omitempty" gorm:"column:paid_at"`
	Metadata    datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time         `json:"updated_at" gorm:"not null"`

	Items []BillLineItem `json:"items" gorm:"-"`
}

func (Bill) TableName() string { return "bills" }

func (b *Bill) Period() Period {
	return Period{Year: b.PeriodYear, Month: time.Month(b.PeriodMonth)}
}

// BillLineItem charges one module for the part of the period it was active.
type BillLineItem struct {
	ID            snowflake.ID    `json:"id" gorm:"primaryKey"`
	BillID        snowflake.ID    `json:"bill_id" gorm:"column:bill_id;not null;uniqueIndex:ux_bill_line_items_bill_module,priority:1"`
	ModuleKey     string          `json:"module_key" gorm:"column:module_key;type:text;not null;uniqueIndex:ux_bill_line_items_bill_module,priority:2"`
	Quantity      decimal.Decimal `json:"quantity" gorm:"type:numeric(12,6);not null"`
	UnitAmount    int64           `json:"unit_amount" gorm:"column:unit_amount;not null"`
	Amount        int64           `json:"amount" gorm:"not null"`
	ActiveSeconds int64           `json:"active_seconds" gorm:"column:active_seconds;not null"`
	ServiceStart  time.Time       `json:"service_start" gorm:"column:service_start;not null"`
	ServiceEnd    time.Time       `json:"service_end" gorm:"column:service_end;not null"`
	CreatedAt     time.Time       `json:"created_at" gorm:"not null"`
}

func (BillLineItem) TableName() string { return "bill_line_items" }

// Compatibility names used by older callers.
type (
	MonthlyBill = Bill
	BillItem    = BillLineItem
)
