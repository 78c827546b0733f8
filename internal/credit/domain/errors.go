package domain

import "errors"

var (
	ErrInvalidUser           = errors.New("invalid_user")
	ErrInvalidPost           = errors.New("invalid_post")
	ErrInvalidCredits        = errors.New("invalid_credits")
	ErrInsufficientCredits   = errors.New("insufficient_credits")
	ErrReservationNotFound   = errors.New("reservation_not_found")
	ErrReservationNotPending = errors.New("reservation_not_pending")
	ErrReservationExists     = errors.New("reservation_already_pending")
)
