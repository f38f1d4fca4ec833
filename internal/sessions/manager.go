package sessions

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/khanghh/identcore/internal/common"
	"github.com/khanghh/identcore/internal/config"
	"github.com/khanghh/identcore/internal/metrics"
	"github.com/khanghh/identcore/model"
	"github.com/khanghh/identcore/params"
)

const (
	RevokeReasonLogout     = "logout"
	RevokeReasonLogoutAll  = "logout_all"
	RevokeReasonTokenReuse = "token_reuse"
)

type DeviceInfo struct {
	Fingerprint string
	Name        string
	IP          string
	UserAgent   string
}

type Tokens struct {
	SessionID             string
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
}

// Manager issues and rotates sessions. Every cross-request invariant is a
// single conditional statement or transaction in the session store.
type Manager struct {
	sessionRepo SessionRepository
	resolver    *config.Resolver
	metrics     metrics.Recorder
	signer      *accessTokenSigner
	hashKey     string
	now         func() time.Time
}

func (m *Manager) hashToken(token string) string {
	return common.CalculateHash(m.hashKey, token)
}

func (m *Manager) newRefreshToken(sessionID string, generation int) (string, *model.RefreshToken, error) {
	token, err := common.GenerateSecret(params.RefreshTokenLength)
	if err != nil {
		return "", nil, err
	}
	return token, &model.RefreshToken{
		TokenHash:  m.hashToken(token),
		SessionID:  sessionID,
		Generation: generation,
	}, nil
}

func (m *Manager) accessToken(ctx context.Context, session *model.Session, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(m.resolver.GetDuration(ctx, config.KeyAccessTokenTTL))
	if expiresAt.After(session.ExpiresAt) {
		expiresAt = session.ExpiresAt
	}
	issuer := m.resolver.GetString(ctx, config.KeyTokenIssuer)
	token, err := m.signer.Sign(issuer, session.UserID, session.ID, now, expiresAt)
	return token, expiresAt, err
}

func (m *Manager) Issue(ctx context.Context, userID uint, device DeviceInfo) (*model.Session, *Tokens, error) {
	now := m.now()
	session := &model.Session{
		ID:                uuid.NewString(),
		UserID:            userID,
		DeviceFingerprint: device.Fingerprint,
		DeviceName:        device.Name,
		IP:                device.IP,
		UserAgent:         device.UserAgent,
		CreatedAt:         now,
		LastAccessedAt:    now,
		ExpiresAt:         now.Add(m.resolver.GetDuration(ctx, config.KeyRefreshTokenTTL)),
	}
	refreshToken, tokenRow, err := m.newRefreshToken(session.ID, 0)
	if err != nil {
		return nil, nil, err
	}
	accessToken, accessExpiresAt, err := m.accessToken(ctx, session, now)
	if err != nil {
		return nil, nil, err
	}
	if err := m.sessionRepo.Create(ctx, session, tokenRow); err != nil {
		return nil, nil, err
	}
	return session, &Tokens{
		SessionID:             session.ID,
		AccessToken:           accessToken,
		AccessTokenExpiresAt:  accessExpiresAt,
		RefreshToken:          refreshToken,
		RefreshTokenExpiresAt: session.ExpiresAt,
	}, nil
}

var errReuse = errors.New("reuse")

// Refresh rotates refreshToken within its session. A token that was already
// rotated revokes every session of the user.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	now := m.now()
	var (
		session  *model.Session
		newToken string
	)
	err := m.sessionRepo.Transaction(ctx, func(repo SessionRepository) error {
		current, found, err := repo.FindRefreshToken(ctx, m.hashToken(refreshToken))
		if err != nil {
			return err
		}
		if !found {
			return ErrInvalidToken
		}
		session, err = repo.Get(ctx, current.SessionID)
		if err != nil {
			return err
		}
		if current.RotatedAt != nil {
			return errReuse
		}
		if session.IsRevoked() {
			return ErrSessionRevoked
		}
		if session.IsExpired(now) {
			return ErrSessionExpired
		}
		rotated, err := repo.RotateRefreshToken(ctx, current.TokenHash, now)
		if err != nil {
			return err
		}
		if !rotated {
			return errReuse
		}
		token, row, err := m.newRefreshToken(session.ID, current.Generation+1)
		if err != nil {
			return err
		}
		if err := repo.CreateRefreshToken(ctx, row); err != nil {
			return err
		}
		newToken = token
		return repo.Touch(ctx, session.ID, now)
	})
	if errors.Is(err, errReuse) {
		m.metrics.RecordTokenReuse()
		revoked, revokeErr := m.sessionRepo.RevokeAll(context.WithoutCancel(ctx), session.UserID, "", RevokeReasonTokenReuse, now)
		if revokeErr != nil {
			slog.Error("Failed to revoke sessions after refresh token reuse", "user", session.UserID, "error", revokeErr)
		}
		slog.Warn("Refresh token reuse detected, sessions revoked", "user", session.UserID, "session", session.ID, "revoked", revoked)
		return nil, ErrTokenReuseDetected
	}
	if err != nil {
		return nil, err
	}

	accessToken, accessExpiresAt, err := m.accessToken(ctx, session, now)
	if err != nil {
		return nil, err
	}
	return &Tokens{
		SessionID:             session.ID,
		AccessToken:           accessToken,
		AccessTokenExpiresAt:  accessExpiresAt,
		RefreshToken:          newToken,
		RefreshTokenExpiresAt: session.ExpiresAt,
	}, nil
}

// Authenticate validates an access token against its backing session.
func (m *Manager) Authenticate(ctx context.Context, accessToken string) (*model.Session, error) {
	claims, err := m.signer.Parse(accessToken, m.resolver.GetString(ctx, config.KeyTokenIssuer))
	if err != nil {
		return nil, err
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, ErrInvalidToken
	}
	session, err := m.sessionRepo.Get(ctx, claims.SessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	now := m.now()
	switch {
	case session.UserID != userID:
		return nil, ErrInvalidToken
	case session.IsRevoked():
		return nil, ErrSessionRevoked
	case session.IsExpired(now):
		return nil, ErrSessionExpired
	}
	if err := m.sessionRepo.Touch(ctx, session.ID, now); err != nil {
		slog.Warn("Failed to update session access time", "session", session.ID, "error", err)
	}
	session.LastAccessedAt = now
	return session, nil
}

func (m *Manager) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	return m.sessionRepo.Get(ctx, sessionID)
}

func (m *Manager) ListActive(ctx context.Context, userID uint) ([]model.Session, error) {
	sessions, err := m.sessionRepo.ListUnrevoked(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	active := sessions[:0]
	for _, s := range sessions {
		if !s.IsExpired(now) {
			active = append(active, s)
		}
	}
	return active, nil
}

// Revoke is idempotent for sessions that are already revoked.
func (m *Manager) Revoke(ctx context.Context, sessionID string) error {
	revoked, err := m.sessionRepo.Revoke(ctx, sessionID, RevokeReasonLogout, m.now())
	if err != nil {
		return err
	}
	if !revoked {
		if _, err := m.sessionRepo.Get(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}

// RevokeAll revokes every session of userID that exists when the statement
// commits, except exceptSessionID when it is set.
func (m *Manager) RevokeAll(ctx context.Context, userID uint, exceptSessionID string) (int64, error) {
	return m.sessionRepo.RevokeAll(ctx, userID, exceptSessionID, RevokeReasonLogoutAll, m.now())
}

func NewManager(sessionRepo SessionRepository, resolver *config.Resolver, masterKey string, recorder metrics.Recorder) *Manager {
	return &Manager{
		sessionRepo: sessionRepo,
		resolver:    resolver,
		metrics:     metrics.OrNoop(recorder),
		signer:      &accessTokenSigner{signingKey: []byte(common.CalculateHash(masterKey, "access-token"))},
		hashKey:     common.CalculateHash(masterKey, "refresh-token"),
		now:         time.Now,
	}
}
