package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// Service reads and maintains user accounts. Credit balances are owned by
// the credit ledger, not by this service.
type Service interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id snowflake.ID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	UpdateTier(ctx context.Context, id snowflake.ID, tier Tier) error
}
