// Package seed bootstraps a demo account for local development.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	accountdomain "github.com/smallbiznis/publica/internal/account/domain"
	creditdomain "github.com/smallbiznis/publica/internal/credit/domain"
	"gorm.io/gorm"
)

const (
	demoEmail       = "demo@publica.local"
	demoDisplayName = "Publica Demo"
	demoCredits     = 25
)

// EnsureDemoUser creates the demo account with a starting credit grant.
// Running it twice is a no-op.
func EnsureDemoUser(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing accountdomain.User
		err := tx.WithContext(ctx).Where("email = ?", demoEmail).First(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := time.Now().UTC()
		user := accountdomain.User{
			ID:            node.Generate(),
			Email:         demoEmail,
			Handle:        slug.Make(demoDisplayName),
			Tier:          accountdomain.TierFree,
			CreditBalance: demoCredits,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.WithContext(ctx).Create(&user).Error; err != nil {
			return err
		}

		grant := creditdomain.CreditTransaction{
			ID:           node.Generate(),
			UserID:       user.ID,
			Amount:       demoCredits,
			Source:       creditdomain.SourceManualGrant,
			Reference:    "seed:demo",
			BalanceAfter: demoCredits,
			CreatedAt:    now,
		}
		return tx.WithContext(ctx).Create(&grant).Error
	})
}
