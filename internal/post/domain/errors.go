package domain

import "errors"

var (
	ErrPostNotFound      = errors.New("post_not_found")
	ErrInvalidPlatform   = errors.New("invalid_platform")
	ErrInvalidContent    = errors.New("invalid_content")
	ErrInvalidSchedule   = errors.New("invalid_schedule_time")
	ErrInvalidTransition = errors.New("invalid_status_transition")
	ErrQuotaExceeded     = errors.New("quota_exceeded")
)
