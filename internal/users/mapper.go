package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/khanghh/identcore/internal/common"
	"github.com/khanghh/identcore/internal/config"
	"github.com/khanghh/identcore/model"
	"github.com/khanghh/identcore/params"
	"gorm.io/datatypes"
)

// Mapper resolves provider identities to canonical users, provisioning new
// users on first sign-in.
type Mapper struct {
	userRepo    UserRepository
	mappingRepo MappingRepository
	resolver    *config.Resolver
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Resolve returns the canonical user for (providerType, subjectID). A lost
// uniqueness race against a concurrent first sign-in is retried by lookup.
func (m *Mapper) Resolve(ctx context.Context, providerType string, subjectID string, email string, attrs map[string]interface{}) (*model.User, error) {
	email = normalizeEmail(email)
	var lastErr error
	for attempt := 0; attempt < params.ResolveMaxAttempts; attempt++ {
		user, err := m.resolveOnce(ctx, providerType, subjectID, email, datatypes.JSONMap(attrs))
		if err == nil {
			return user, nil
		}
		if errors.Is(err, ErrIdentityConflict) || errors.Is(err, ErrMissingEmail) || errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &ProvisioningError{Err: ctxErr}
		}
		if !common.IsDuplicateKeyError(err) {
			return nil, &ProvisioningError{Err: err}
		}
		lastErr = err
		slog.Debug("Identity resolution lost a uniqueness race, retrying", "provider", providerType, "attempt", attempt+1)
	}
	return nil, &ProvisioningError{Err: lastErr}
}

func (m *Mapper) resolveOnce(ctx context.Context, providerType string, subjectID string, email string, metadata datatypes.JSONMap) (*model.User, error) {
	now := time.Now()
	mapping, found, err := m.mappingRepo.Find(ctx, providerType, subjectID)
	if err != nil {
		return nil, err
	}
	if found {
		if err := m.mappingRepo.Touch(ctx, mapping.ID, metadata, now); err != nil {
			slog.Warn("Failed to update provider mapping", "mapping", mapping.ID, "error", err)
		}
		return m.userRepo.GetByID(ctx, mapping.UserID)
	}

	if email == "" {
		return nil, ErrMissingEmail
	}
	user, found, err := m.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if found {
		return m.attach(ctx, user, providerType, subjectID, metadata, now)
	}

	user = &model.User{
		ID:     model.GenerateID(),
		Email:  email,
		Role:   m.resolver.GetString(ctx, config.KeyDefaultUserRole),
		Status: model.UserStatusActive,
	}
	mapping = &model.ProviderMapping{
		ProviderType:      providerType,
		ProviderSubjectID: subjectID,
		ProviderMetadata:  metadata,
		PrimaryUserID:     &user.ID,
		LastSeenAt:        now,
	}
	if err := m.userRepo.CreateWithMapping(ctx, user, mapping); err != nil {
		return nil, err
	}
	slog.Info("Provisioned canonical user", "user", user.ID, "provider", providerType)
	return user, nil
}

// attach links a new, non-primary mapping to a user first registered
// through another provider.
func (m *Mapper) attach(ctx context.Context, user *model.User, providerType string, subjectID string, metadata datatypes.JSONMap, now time.Time) (*model.User, error) {
	existing, found, err := m.mappingRepo.FindByUser(ctx, user.ID, providerType)
	if err != nil {
		return nil, err
	}
	if found && existing.ProviderSubjectID != subjectID {
		return nil, fmt.Errorf("%w: user %d already linked to a different %s subject", ErrIdentityConflict, user.ID, providerType)
	}
	mapping := &model.ProviderMapping{
		UserID:            user.ID,
		ProviderType:      providerType,
		ProviderSubjectID: subjectID,
		ProviderMetadata:  metadata,
		LastSeenAt:        now,
	}
	if err := m.mappingRepo.Create(ctx, mapping); err != nil {
		return nil, err
	}
	slog.Info("Linked provider identity to existing user", "user", user.ID, "provider", providerType)
	return user, nil
}

// PromoteMapping marks the user's mapping for providerType primary. Moving
// the flag off an existing primary requires migrate.
func (m *Mapper) PromoteMapping(ctx context.Context, userID uint, providerType string, migrate bool) error {
	err := m.mappingRepo.Promote(ctx, userID, providerType, migrate)
	if err == nil || errors.Is(err, ErrIdentityConflict) || errors.Is(err, ErrMappingNotFound) {
		return err
	}
	if common.IsDuplicateKeyError(err) {
		return ErrIdentityConflict
	}
	return &ProvisioningError{Err: err}
}

func (m *Mapper) GetUser(ctx context.Context, userID uint) (*model.User, error) {
	return m.userRepo.GetByID(ctx, userID)
}

func (m *Mapper) ListMappings(ctx context.Context, userID uint) ([]model.ProviderMapping, error) {
	return m.mappingRepo.ListByUser(ctx, userID)
}

func (m *Mapper) MarkEmailVerified(ctx context.Context, userID uint) error {
	return m.userRepo.Updates(ctx, userID, map[string]interface{}{"email_verified": true})
}

func (m *Mapper) SetStatus(ctx context.Context, userID uint, status model.UserStatus) error {
	return m.userRepo.Updates(ctx, userID, map[string]interface{}{"status": status})
}

func NewMapper(userRepo UserRepository, mappingRepo MappingRepository, resolver *config.Resolver) *Mapper {
	return &Mapper{
		userRepo:    userRepo,
		mappingRepo: mappingRepo,
		resolver:    resolver,
	}
}
