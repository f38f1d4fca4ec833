package twofactor

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCodeExpired        = errors.New("verification code expired")
	ErrCodeAlreadyUsed    = errors.New("verification code already used")
	ErrTooManyAttempts    = errors.New("too many failed attempts")
	ErrMethodNotEnrolled  = errors.New("method not enrolled")
	ErrInvalidCode        = errors.New("invalid verification code")
	ErrChallengeNotFound  = errors.New("challenge not found")
	ErrNotPending         = errors.New("no enrollment pending verification")
	ErrInvalidDestination = errors.New("invalid sms destination")
)

// UserLockedError reports a temporary lockout after repeated failures.
type UserLockedError struct {
	Until time.Time
}

func (e *UserLockedError) Error() string {
	return fmt.Sprintf("too many failed attempts, locked until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *UserLockedError) Is(target error) bool {
	return target == ErrTooManyAttempts
}

type AttemptFailError struct {
	AttemptsLeft int
}

func (e *AttemptFailError) Error() string {
	return fmt.Sprintf("verify attempt failed, %d attempts left", e.AttemptsLeft)
}

func (e *AttemptFailError) Is(target error) bool {
	return target == ErrInvalidCode
}

func NewAttemptFailError(attemptsLeft int) *AttemptFailError {
	return &AttemptFailError{
		AttemptsLeft: attemptsLeft,
	}
}
