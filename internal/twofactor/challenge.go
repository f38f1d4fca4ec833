package twofactor

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/khanghh/identcore/internal/store"
	"github.com/khanghh/identcore/params"
)

// Challenge is a suspended login waiting for a second factor.
type Challenge struct {
	ID        string `redis:"id"`
	UserID    uint   `redis:"user_id"`
	Method    string `redis:"method"`
	Payload   string `redis:"payload"`
	Attempts  int    `redis:"attempts"`
	CreatedAt int64  `redis:"created_at"`
	ExpiresAt int64  `redis:"expires_at"`
}

func (c *Challenge) IsExpired(now time.Time) bool {
	return now.Unix() >= c.ExpiresAt
}

type challengeClaims struct {
	ChallengeID string `json:"cid"`
	jwt.RegisteredClaims
}

type challengeStore struct {
	records    *store.Hash[Challenge]
	signingKey []byte
}

func (s *challengeStore) Create(ctx context.Context, userID uint, method string, payload string, now time.Time, expiresIn time.Duration) (string, *Challenge, error) {
	ch := &Challenge{
		ID:        uuid.NewString(),
		UserID:    userID,
		Method:    method,
		Payload:   payload,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(expiresIn).Unix(),
	}
	claims := challengeClaims{
		ChallengeID: ch.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", nil, err
	}
	if err := s.records.Put(ctx, ch.ID, ch, expiresIn); err != nil {
		return "", nil, err
	}
	return token, ch, nil
}

// Open verifies the challenge token and loads the record it points to.
func (s *challengeStore) Open(ctx context.Context, token string, now time.Time) (*Challenge, error) {
	var claims challengeClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired(), jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		return nil, ErrChallengeNotFound
	}

	ch, err := s.records.Load(ctx, claims.ChallengeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, err
	}
	if ch.ID != claims.ChallengeID || strconv.FormatUint(uint64(ch.UserID), 10) != claims.Subject || ch.IsExpired(now) {
		return nil, ErrChallengeNotFound
	}
	return ch, nil
}

// CountAttempt increments the challenge attempt counter. The challenge is
// dropped once the cap is exceeded.
func (s *challengeStore) CountAttempt(ctx context.Context, ch *Challenge, now time.Time) error {
	if ch.IsExpired(now) {
		return ErrChallengeNotFound
	}
	attempts, err := s.records.Incr(ctx, ch.ID, "attempts", 1)
	if errors.Is(err, store.ErrNotFound) {
		return ErrChallengeNotFound
	}
	if err != nil {
		return err
	}
	ch.Attempts = int(attempts)
	if ch.Attempts > params.ChallengeMaxAttempts {
		s.records.Remove(ctx, ch.ID)
		return ErrTooManyAttempts
	}
	return nil
}

// Finish consumes the challenge. Only the first caller succeeds.
func (s *challengeStore) Finish(ctx context.Context, cid string) error {
	err := s.records.Remove(ctx, cid)
	if errors.Is(err, store.ErrNotFound) {
		return ErrChallengeNotFound
	}
	return err
}

// Delete drops a challenge that was never handed out.
func (s *challengeStore) Delete(ctx context.Context, cid string) error {
	err := s.records.Remove(ctx, cid)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func newChallengeStore(storage store.Storage, signingKey string) *challengeStore {
	return &challengeStore{
		records:    store.NewHash[Challenge](storage, params.ChallengeKeyPrefix),
		signingKey: []byte(signingKey),
	}
}
