package users

import (
	"context"
	"errors"

	"github.com/khanghh/identcore/model"
	"gorm.io/gorm"
)

type UserRepository interface {
	WithTx(tx *gorm.DB) UserRepository
	GetByID(ctx context.Context, userID uint) (*model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, bool, error)
	Create(ctx context.Context, user *model.User) error
	// CreateWithMapping inserts the user and its first mapping atomically.
	CreateWithMapping(ctx context.Context, user *model.User, mapping *model.ProviderMapping) error
	Updates(ctx context.Context, userID uint, columns map[string]interface{}) error
}

type userRepository struct {
	db *gorm.DB
}

func (r *userRepository) GetByID(ctx context.Context, userID uint) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) FindByEmail(ctx context.Context, email string) (*model.User, bool, error) {
	var user model.User
	err := r.db.WithContext(ctx).Where("email = ?", email).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &user, true, nil
}

func (r *userRepository) Create(ctx context.Context, user *model.User) error {
	return r.db.WithContext(ctx).Create(user).Error
}

func (r *userRepository) CreateWithMapping(ctx context.Context, user *model.User, mapping *model.ProviderMapping) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.WithTx(tx).Create(ctx, user); err != nil {
			return err
		}
		mapping.UserID = user.ID
		return NewMappingRepository(tx).Create(ctx, mapping)
	})
}

func (r *userRepository) Updates(ctx context.Context, userID uint, columns map[string]interface{}) error {
	result := r.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", userID).Updates(columns)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *userRepository) WithTx(tx *gorm.DB) UserRepository {
	return NewUserRepository(tx)
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db}
}
