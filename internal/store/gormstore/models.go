package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// Account mirrors the accounts table. The balance columns are mutated only
// through the conditional-decrement and increment statements in gormstore.go.
type Account struct {
	UserID               string    `gorm:"primaryKey"`
	CreditBalance        int64     `gorm:"not null;default:0"`
	TotalCreditsConsumed int64     `gorm:"not null;default:0"`
	CreatedAt            time.Time `gorm:"not null"`
	UpdatedAt            time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// Reservation mirrors the reservations table, one row per trace id.
type Reservation struct {
	TraceID          string         `gorm:"primaryKey"`
	UserID           string         `gorm:"not null;index:idx_reservations_user_status,priority:1"`
	ReservedAmount   int64          `gorm:"not null"`
	Provider         string         `gorm:"not null"`
	ModelID          string         `gorm:"not null"`
	FeatureType      string         `gorm:"not null"`
	Status           string         `gorm:"not null;index:idx_reservations_user_status,priority:2"`
	SettledCost      *int64         `gorm:""`
	AdjustmentAmount *int64         `gorm:""`
	AdjustmentKind   *string        `gorm:""`
	OutstandingDebt  int64          `gorm:"not null;default:0"`
	Metadata         datatypes.JSON `gorm:"not null"`
	CreatedAt        time.Time      `gorm:"not null"`
	SettledAt        *time.Time     `gorm:""`
}

func (Reservation) TableName() string { return "reservations" }
