package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Service is the credit ledger. It is the only writer of users.credit_balance
// and of reservation status transitions.
type Service interface {
	// Reserve places a pending hold of credits for a post. Fails with
	// ErrInsufficientCredits when available < credits.
	Reserve(ctx context.Context, userID, postID snowflake.ID, credits int64, ttl time.Duration) (*CreditReservation, error)

	// ReserveTx is Reserve running inside the caller's transaction, so post
	// scheduling can combine quota admission and the hold atomically.
	ReserveTx(ctx context.Context, tx *gorm.DB, userID, postID snowflake.ID, credits int64, ttl time.Duration) (*CreditReservation, error)

	// ConsumeByPost settles the post's pending reservation: status consumed,
	// balance decremented. Idempotent when already consumed; fails with
	// ErrReservationNotPending when released.
	ConsumeByPost(ctx context.Context, postID snowflake.ID) error

	// ReleaseByPost undoes the post's pending hold with no balance change.
	// Idempotent when already released.
	ReleaseByPost(ctx context.Context, postID snowflake.ID) error

	// DirectDeduct deducts credits without a reservation, used when a post
	// publishes with no surviving hold. Floors at zero via the availability
	// check; fails with ErrInsufficientCredits when balance < credits.
	DirectDeduct(ctx context.Context, userID snowflake.ID, credits int64, reference string) error

	// Grant adds credits to the gross balance.
	Grant(ctx context.Context, userID snowflake.ID, credits int64, source TransactionSource, reference string) error

	// Revoke subtracts credits, flooring the balance at zero.
	Revoke(ctx context.Context, userID snowflake.ID, credits int64, source TransactionSource, reference string) error

	// Available returns max(0, balance - sum(pending reservations)).
	Available(ctx context.Context, userID snowflake.ID) (int64, error)

	// PendingReservation loads the post's pending reservation, nil when absent.
	PendingReservation(ctx context.Context, postID snowflake.ID) (*CreditReservation, error)

	// SweepExpired releases pending reservations past their expiry and
	// returns how many were released.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}
