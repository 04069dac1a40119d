package users

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ecoswap/ecoswap-api/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateUser(ctx context.Context, user *types.User) error {
	return d.db.WithContext(ctx).Create(user).Error
}

// GetUserByEmail returns nil, nil when no user has that email.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	var user types.User
	if err := d.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func (d *Database) EmailTaken(ctx context.Context, email string) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&types.User{}).Where("email = ?", email).Count(&count).Error
	return count > 0, err
}

// PhoneTaken ignores the account identified by exceptID so a user can
// resubmit their own number.
func (d *Database) PhoneTaken(ctx context.Context, phone string, exceptID uint) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&types.User{}).
		Where("phone = ? AND id <> ?", phone, exceptID).
		Count(&count).Error
	return count > 0, err
}

func (d *Database) UpdateFields(ctx context.Context, userID uint, fields map[string]interface{}) error {
	return d.db.WithContext(ctx).Model(&types.User{}).Where("id = ?", userID).Updates(fields).Error
}

// SetTokens stores a session pair. Empty strings and nil expiries clear
// the session.
func (d *Database) SetTokens(ctx context.Context, userID uint, access, refresh string, accessExp, refreshExp *time.Time) error {
	return d.UpdateFields(ctx, userID, map[string]interface{}{
		"token":                 access,
		"refresh_token":         refresh,
		"token_expires":         accessExp,
		"refresh_token_expires": refreshExp,
	})
}

func (d *Database) ListPublications(ctx context.Context, userID uint) ([]types.Publication, error) {
	var pubs []types.Publication
	err := d.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&pubs).Error
	return pubs, err
}
