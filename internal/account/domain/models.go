// Package domain contains the account records owning credit balances.
package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Tier is the subscription tier attached to a user account.
type Tier string

const (
	TierFree     Tier = "free"
	TierStarter  Tier = "starter"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

var ErrUserNotFound = errors.New("user_not_found")
var ErrInvalidTier = errors.New("invalid_tier")

// User owns the gross credit balance. The balance column is written only by
// the credit service; every other component reads it through Available.
type User struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	Email         string       `gorm:"type:text;not null;uniqueIndex"`
	Handle        string       `gorm:"type:text;not null"`
	Tier          Tier         `gorm:"type:text;not null;default:'free'"`
	CreditBalance int64        `gorm:"not null;default:0"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (User) TableName() string { return "users" }

// NormalizeTier validates and canonicalizes a tier string.
func NormalizeTier(raw string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierFree:
		return TierFree, nil
	case TierStarter:
		return TierStarter, nil
	case TierPro:
		return TierPro, nil
	case TierBusiness:
		return TierBusiness, nil
	default:
		return "", ErrInvalidTier
	}
}
