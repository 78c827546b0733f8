package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/smallbiznis/publica/internal/credit/domain"
	obsmetrics "github.com/smallbiznis/publica/internal/observability/metrics"
	"github.com/smallbiznis/publica/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultReservationTTL = 72 * time.Hour

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) creditdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("credit.service"),
		genID:      p.GenID,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Reserve(ctx context.Context, userID, postID snowflake.ID, credits int64, ttl time.Duration) (*creditdomain.CreditReservation, error) {
	var reservation *creditdomain.CreditReservation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		reservation, err = s.reserve(ctx, tx, userID, postID, credits, ttl)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.obsMetrics.RecordCreditOp(ctx, "reserve")
	return reservation, nil
}

func (s *Service) ReserveTx(ctx context.Context, tx *gorm.DB, userID, postID snowflake.ID, credits int64, ttl time.Duration) (*creditdomain.CreditReservation, error) {
	reservation, err := s.reserve(ctx, tx, userID, postID, credits, ttl)
	if err != nil {
		return nil, err
	}
	s.obsMetrics.RecordCreditOp(ctx, "reserve")
	return reservation, nil
}

func (s *Service) reserve(ctx context.Context, tx *gorm.DB, userID, postID snowflake.ID, credits int64, ttl time.Duration) (*creditdomain.CreditReservation, error) {
	if userID == 0 {
		return nil, creditdomain.ErrInvalidUser
	}
	if postID == 0 {
		return nil, creditdomain.ErrInvalidPost
	}
	if credits <= 0 {
		return nil, creditdomain.ErrInvalidCredits
	}
	if ttl <= 0 {
		ttl = defaultReservationTTL
	}

	balance, found, err := s.lockBalance(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, creditdomain.ErrInvalidUser
	}

	var pendingForPost int64
	if err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM credit_reservations WHERE post_id = ? AND status = ?`,
		postID, creditdomain.ReservationStatusPending,
	).Scan(&pendingForPost).Error; err != nil {
		return nil, err
	}
	if pendingForPost > 0 {
		return nil, creditdomain.ErrReservationExists
	}

	pending, err := s.pendingSum(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if balance-pending < credits {
		return nil, creditdomain.ErrInsufficientCredits
	}

	now := time.Now().UTC()
	reservation := &creditdomain.CreditReservation{
		ID:        s.genID.Generate(),
		UserID:    userID,
		PostID:    postID,
		Credits:   credits,
		Status:    creditdomain.ReservationStatusPending,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO credit_reservations (id, user_id, post_id, credits, status, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		reservation.ID, reservation.UserID, reservation.PostID, reservation.Credits,
		reservation.Status, reservation.ExpiresAt, reservation.CreatedAt, reservation.UpdatedAt,
	).Error; err != nil {
		return nil, err
	}
	return reservation, nil
}

func (s *Service) ConsumeByPost(ctx context.Context, postID snowflake.ID) error {
	if postID == 0 {
		return creditdomain.ErrInvalidPost
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservation, err := s.loadByPost(ctx, tx, postID, true)
		if err != nil {
			return err
		}
		if reservation == nil {
			return creditdomain.ErrReservationNotFound
		}

		now := time.Now().UTC()
		result := tx.WithContext(ctx).Exec(
			`UPDATE credit_reservations SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			creditdomain.ReservationStatusConsumed, now, reservation.ID, creditdomain.ReservationStatusPending,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Lost a race or the reservation is already terminal.
			switch reservation.Status {
			case creditdomain.ReservationStatusConsumed:
				return nil
			case creditdomain.ReservationStatusReleased:
				s.log.Error("consume on released reservation",
					zap.String("reservation_id", reservation.ID.String()),
					zap.String("post_id", postID.String()),
				)
				return creditdomain.ErrReservationNotPending
			default:
				return nil
			}
		}

		return s.debitBalance(ctx, tx, reservation.UserID, reservation.Credits, creditdomain.SourcePublish, "post:"+postID.String())
	})
	if err != nil {
		return err
	}
	s.obsMetrics.RecordCreditOp(ctx, "consume")
	return nil
}

func (s *Service) ReleaseByPost(ctx context.Context, postID snowflake.ID) error {
	if postID == 0 {
		return creditdomain.ErrInvalidPost
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservation, err := s.loadByPost(ctx, tx, postID, true)
		if err != nil {
			return err
		}
		if reservation == nil {
			return creditdomain.ErrReservationNotFound
		}

		now := time.Now().UTC()
		result := tx.WithContext(ctx).Exec(
			`UPDATE credit_reservations SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			creditdomain.ReservationStatusReleased, now, reservation.ID, creditdomain.ReservationStatusPending,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			switch reservation.Status {
			case creditdomain.ReservationStatusReleased:
				return nil
			case creditdomain.ReservationStatusConsumed:
				s.log.Error("release on consumed reservation",
					zap.String("reservation_id", reservation.ID.String()),
					zap.String("post_id", postID.String()),
				)
				return creditdomain.ErrReservationNotPending
			default:
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.obsMetrics.RecordCreditOp(ctx, "release")
	return nil
}

func (s *Service) DirectDeduct(ctx context.Context, userID snowflake.ID, credits int64, reference string) error {
	if userID == 0 {
		return creditdomain.ErrInvalidUser
	}
	if credits <= 0 {
		return creditdomain.ErrInvalidCredits
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.WithContext(ctx).Exec(
			`UPDATE users SET credit_balance = credit_balance - ?, updated_at = ? WHERE id = ? AND credit_balance >= ?`,
			credits, time.Now().UTC(), userID, credits,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return creditdomain.ErrInsufficientCredits
		}
		return s.insertTransaction(ctx, tx, userID, -credits, creditdomain.SourcePublish, reference)
	})
	if err != nil {
		return err
	}
	s.obsMetrics.RecordCreditOp(ctx, "direct_deduct")
	return nil
}

func (s *Service) Grant(ctx context.Context, userID snowflake.ID, credits int64, source creditdomain.TransactionSource, reference string) error {
	if userID == 0 {
		return creditdomain.ErrInvalidUser
	}
	if credits <= 0 {
		return creditdomain.ErrInvalidCredits
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.WithContext(ctx).Exec(
			`UPDATE users SET credit_balance = credit_balance + ?, updated_at = ? WHERE id = ?`,
			credits, time.Now().UTC(), userID,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return creditdomain.ErrInvalidUser
		}
		return s.insertTransaction(ctx, tx, userID, credits, source, reference)
	})
	if err != nil {
		return err
	}
	s.obsMetrics.RecordCreditOp(ctx, "grant")
	return nil
}

func (s *Service) Revoke(ctx context.Context, userID snowflake.ID, credits int64, source creditdomain.TransactionSource, reference string) error {
	if userID == 0 {
		return creditdomain.ErrInvalidUser
	}
	if credits <= 0 {
		return creditdomain.ErrInvalidCredits
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, found, err := s.lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		if !found {
			return creditdomain.ErrInvalidUser
		}

		// Floor at zero rather than going negative.
		delta := credits
		if balance < delta {
			delta = balance
		}
		if delta > 0 {
			if err := tx.WithContext(ctx).Exec(
				`UPDATE users SET credit_balance = credit_balance - ?, updated_at = ? WHERE id = ? AND credit_balance >= ?`,
				delta, time.Now().UTC(), userID, delta,
			).Error; err != nil {
				return err
			}
		}
		return s.insertTransaction(ctx, tx, userID, -delta, source, reference)
	})
	if err != nil {
		return err
	}
	s.obsMetrics.RecordCreditOp(ctx, "revoke")
	return nil
}

func (s *Service) Available(ctx context.Context, userID snowflake.ID) (int64, error) {
	if userID == 0 {
		return 0, creditdomain.ErrInvalidUser
	}
	var balance int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT credit_balance FROM users WHERE id = ?`, userID,
	).Scan(&balance).Error
	if err != nil {
		return 0, err
	}
	pending, err := s.pendingSum(ctx, s.db, userID)
	if err != nil {
		return 0, err
	}
	available := balance - pending
	if available < 0 {
		return 0, nil
	}
	return available, nil
}

func (s *Service) PendingReservation(ctx context.Context, postID snowflake.ID) (*creditdomain.CreditReservation, error) {
	if postID == 0 {
		return nil, creditdomain.ErrInvalidPost
	}
	reservation, err := s.loadByPost(ctx, s.db, postID, false)
	if err != nil {
		return nil, err
	}
	if reservation == nil || reservation.Status != creditdomain.ReservationStatusPending {
		return nil, nil
	}
	return reservation, nil
}

func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE credit_reservations SET status = ?, updated_at = ? WHERE status = ? AND expires_at <= ?`,
		creditdomain.ReservationStatusReleased, now.UTC(), creditdomain.ReservationStatusPending, now.UTC(),
	)
	if result.Error != nil {
		return 0, result.Error
	}
	released := int(result.RowsAffected)
	if released > 0 {
		s.log.Info("released expired reservations", zap.Int("count", released))
		s.obsMetrics.RecordReservationsSwept(ctx, released)
	}
	return released, nil
}

// debitBalance decrements the gross balance after a consume. A shortfall here
// means the reservation invariant was broken elsewhere; the balance is
// floored at zero instead of corrupted.
func (s *Service) debitBalance(ctx context.Context, tx *gorm.DB, userID snowflake.ID, credits int64, source creditdomain.TransactionSource, reference string) error {
	result := tx.WithContext(ctx).Exec(
		`UPDATE users SET credit_balance = credit_balance - ?, updated_at = ? WHERE id = ? AND credit_balance >= ?`,
		credits, time.Now().UTC(), userID, credits,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		s.log.Error("balance below reserved amount, flooring at zero",
			zap.String("user_id", userID.String()),
			zap.Int64("credits", credits),
		)
		if err := tx.WithContext(ctx).Exec(
			`UPDATE users SET credit_balance = 0, updated_at = ? WHERE id = ?`,
			time.Now().UTC(), userID,
		).Error; err != nil {
			return err
		}
	}
	return s.insertTransaction(ctx, tx, userID, -credits, source, reference)
}

func (s *Service) insertTransaction(ctx context.Context, tx *gorm.DB, userID snowflake.ID, amount int64, source creditdomain.TransactionSource, reference string) error {
	var balanceAfter int64
	if err := tx.WithContext(ctx).Raw(
		`SELECT credit_balance FROM users WHERE id = ?`, userID,
	).Scan(&balanceAfter).Error; err != nil {
		return err
	}
	return tx.WithContext(ctx).Exec(
		`INSERT INTO credit_transactions (id, user_id, amount, source, reference, balance_after, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.genID.Generate(), userID, amount, string(source), reference, balanceAfter, time.Now().UTC(),
	).Error
}

func (s *Service) lockBalance(ctx context.Context, tx *gorm.DB, userID snowflake.ID) (int64, bool, error) {
	var rows []struct {
		ID            snowflake.ID
		CreditBalance int64
	}
	err := tx.WithContext(ctx).Raw(
		`SELECT id, credit_balance FROM users WHERE id = ?`+db.ForUpdate(tx), userID,
	).Scan(&rows).Error
	if err != nil {
		return 0, false, err
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[0].CreditBalance, true, nil
}

func (s *Service) pendingSum(ctx context.Context, tx *gorm.DB, userID snowflake.ID) (int64, error) {
	var pending int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(credits), 0) FROM credit_reservations WHERE user_id = ? AND status = ?`,
		userID, creditdomain.ReservationStatusPending,
	).Scan(&pending).Error
	return pending, err
}

// loadByPost returns the reservation for a post, preferring the pending one.
func (s *Service) loadByPost(ctx context.Context, tx *gorm.DB, postID snowflake.ID, lock bool) (*creditdomain.CreditReservation, error) {
	suffix := ""
	if lock {
		suffix = db.ForUpdate(tx)
	}
	var rows []creditdomain.CreditReservation
	err := tx.WithContext(ctx).Raw(
		`SELECT id, user_id, post_id, credits, status, expires_at, created_at, updated_at
		 FROM credit_reservations
		 WHERE post_id = ?
		 ORDER BY CASE WHEN status = 'pending' THEN 0 ELSE 1 END, created_at DESC
		 LIMIT 1`+suffix,
		postID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	reservation := rows[0]
	return &reservation, nil
}
