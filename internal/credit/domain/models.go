// Package domain contains the credit ledger models.
//
// The ledger owns two invariants: available = balance - sum(pending
// reservations), and balance never goes below zero. Reservation credit
// amounts are fixed at creation and never re-read from the post.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ReservationStatus tracks the lifecycle of a credit hold.
type ReservationStatus string

const (
	ReservationStatusPending  ReservationStatus = "pending"
	ReservationStatusConsumed ReservationStatus = "consumed"
	ReservationStatusReleased ReservationStatus = "released"
)

// TransactionSource identifies what produced a balance mutation.
type TransactionSource string

const (
	SourcePurchase     TransactionSource = "purchase"
	SourceRefund       TransactionSource = "refund"
	SourcePublish      TransactionSource = "publish"
	SourceManualGrant  TransactionSource = "manual_grant"
	SourceManualRevoke TransactionSource = "manual_revoke"
)

// CreditReservation is a provisional hold against available credits. At most
// one pending reservation exists per post.
type CreditReservation struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	UserID    snowflake.ID      `gorm:"not null;index"`
	PostID    snowflake.ID      `gorm:"not null;uniqueIndex:ux_credit_reservations_post_pending,where:status = 'pending'"`
	Credits   int64             `gorm:"not null"`
	Status    ReservationStatus `gorm:"type:text;not null;index"`
	ExpiresAt time.Time         `gorm:"not null;index"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditReservation) TableName() string { return "credit_reservations" }

// CreditTransaction is the append-only journal of balance mutations.
// Amount is signed: grants are positive, consumption and revokes negative.
type CreditTransaction struct {
	ID           snowflake.ID      `gorm:"primaryKey"`
	UserID       snowflake.ID      `gorm:"not null;index"`
	Amount       int64             `gorm:"not null"`
	Source       TransactionSource `gorm:"type:text;not null"`
	Reference    string            `gorm:"type:text"`
	BalanceAfter int64             `gorm:"not null"`
	CreatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }
