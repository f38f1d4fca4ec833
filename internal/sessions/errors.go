package sessions

import "errors"

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExpired     = errors.New("session expired")
	ErrSessionRevoked     = errors.New("session revoked")
	ErrTokenReuseDetected = errors.New("refresh token reuse detected")
	ErrInvalidToken       = errors.New("invalid token")
)
