package exchange

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ecoswap/ecoswap-api/internal/types"
)

const resourceType = "exchange"

// Database is the gorm-backed exchange repository.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Create inserts ex. When key is set it is recorded in the same
// transaction so a retried request can find the exchange.
func (d *Database) Create(ctx context.Context, ex *types.Exchange, key *IdempotencyKey) error {
	if key == nil {
		return d.db.WithContext(ctx).Omit("RequestedItem", "OfferedItem").Create(ex).Error
	}

	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("RequestedItem", "OfferedItem").Create(ex).Error; err != nil {
			return err
		}

		record := types.IdempotencyRecord{
			UserID:         key.UserID,
			IdempotencyKey: key.Key,
			ResourceID:     ex.ID,
			ResourceType:   resourceType,
			ExpiresAt:      key.ExpiresAt,
			CreatedAt:      ex.CreatedAt,
		}
		return tx.Create(&record).Error
	})
}

// FindByIdempotencyKey returns the exchange userID created under key, or
// nil if the key is unknown. Expired keys are removed so they can be
// reused.
func (d *Database) FindByIdempotencyKey(ctx context.Context, userID uint, key string, now time.Time) (*types.Exchange, error) {
	var record types.IdempotencyRecord
	err := d.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ? AND resource_type = ?", userID, key, resourceType).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if !record.ExpiresAt.After(now) {
		if err := d.db.WithContext(ctx).Delete(&record).Error; err != nil {
			return nil, err
		}
		return nil, nil
	}

	return d.Get(ctx, record.ResourceID)
}

// Get loads an exchange with both publications and their owners. Returns
// nil, nil when missing.
func (d *Database) Get(ctx context.Context, id uint) (*types.Exchange, error) {
	var ex types.Exchange
	err := d.db.WithContext(ctx).
		Preload("RequestedItem.User").
		Preload("OfferedItem.User").
		First(&ex, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ex, nil
}

// Transition moves the exchange from one status to another only if it is
// still in from. It reports false when another writer got there first.
func (d *Database) Transition(ctx context.Context, id uint, from, to types.ExchangeStatus, at time.Time) (bool, error) {
	result := d.db.WithContext(ctx).
		Model(&types.Exchange{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Find lists exchanges where the owner of the publication in the given
// role has email OwnerEmail.
func (d *Database) Find(ctx context.Context, filter Filter) ([]types.Exchange, error) {
	owned := d.db.Model(&types.Publication{}).
		Select("publications.id").
		Joins("JOIN users ON users.id = publications.user_id").
		Where("users.email = ?", filter.OwnerEmail)

	column := "requested_item_id"
	if filter.Role == RoleOffered {
		column = "offered_item_id"
	}

	q := d.db.WithContext(ctx).
		Preload("RequestedItem.User").
		Preload("OfferedItem.User").
		Where(column+" IN (?)", owned)
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	exchanges := []types.Exchange{}
	if err := q.Order("id").Find(&exchanges).Error; err != nil {
		return nil, err
	}
	return exchanges, nil
}

// PurgeExpiredKeys deletes idempotency records that expired before now.
func (d *Database) PurgeExpiredKeys(ctx context.Context, now time.Time) (int64, error) {
	result := d.db.WithContext(ctx).
		Where("resource_type = ? AND expires_at <= ?", resourceType, now).
		Delete(&types.IdempotencyRecord{})
	return result.RowsAffected, result.Error
}
