package publications

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/ecoswap/ecoswap-api/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) Create(ctx context.Context, pub *types.Publication) error {
	return d.db.WithContext(ctx).Create(pub).Error
}

// Get loads a publication with its owner. Returns nil, nil when missing.
func (d *Database) Get(ctx context.Context, id uint) (*types.Publication, error) {
	var pub types.Publication
	err := d.db.WithContext(ctx).
		Preload("User").
		Preload("Category").
		Preload("Condition").
		First(&pub, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pub, nil
}

func (d *Database) List(ctx context.Context, filter ListFilter) ([]types.Publication, error) {
	pubs := []types.Publication{}
	q := d.db.WithContext(ctx).
		Preload("User").
		Preload("Category").
		Preload("Condition").
		Order("created_at DESC, id DESC")
	if filter.UserID != 0 {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.CategoryID != 0 {
		q = q.Where("category_id = ?", filter.CategoryID)
	}
	if filter.ConditionID != 0 {
		q = q.Where("condition_id = ?", filter.ConditionID)
	}
	err := q.Find(&pubs).Error
	return pubs, err
}

func (d *Database) Update(ctx context.Context, id uint, fields map[string]interface{}) error {
	return d.db.WithContext(ctx).Model(&types.Publication{}).Where("id = ?", id).Updates(fields).Error
}

// Delete removes the publication and its favorites unless an exchange
// still references it, in which case inUse is true and nothing changes.
func (d *Database) Delete(ctx context.Context, id uint) (inUse bool, err error) {
	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var refs int64
		if err := tx.Model(&types.Exchange{}).
			Where("requested_item_id = ? OR offered_item_id = ?", id, id).
			Count(&refs).Error; err != nil {
			return err
		}
		if refs > 0 {
			inUse = true
			return nil
		}

		if err := tx.Where("publication_id = ?", id).Delete(&types.FavoritePublication{}).Error; err != nil {
			return err
		}
		return tx.Delete(&types.Publication{}, id).Error
	})
	return inUse, err
}

func (d *Database) AddFavorite(ctx context.Context, fav *types.FavoritePublication) error {
	return d.db.WithContext(ctx).Create(fav).Error
}

func (d *Database) FavoriteExists(ctx context.Context, userID, publicationID uint) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&types.FavoritePublication{}).
		Where("user_id = ? AND publication_id = ?", userID, publicationID).
		Count(&count).Error
	return count > 0, err
}

// RemoveFavorite reports whether a row was deleted.
func (d *Database) RemoveFavorite(ctx context.Context, userID, publicationID uint) (bool, error) {
	result := d.db.WithContext(ctx).
		Where("user_id = ? AND publication_id = ?", userID, publicationID).
		Delete(&types.FavoritePublication{})
	return result.RowsAffected > 0, result.Error
}

func (d *Database) ListFavorites(ctx context.Context, userID uint) ([]types.FavoritePublication, error) {
	var favs []types.FavoritePublication
	err := d.db.WithContext(ctx).
		Preload("Publication.User").
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&favs).Error
	return favs, err
}

func (d *Database) CreateCategory(ctx context.Context, category *types.Category) error {
	return d.db.WithContext(ctx).Create(category).Error
}

// GetCategory returns nil, nil when missing.
func (d *Database) GetCategory(ctx context.Context, id uint) (*types.Category, error) {
	var category types.Category
	if err := d.db.WithContext(ctx).First(&category, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &category, nil
}

func (d *Database) ListCategories(ctx context.Context) ([]types.Category, error) {
	categories := []types.Category{}
	err := d.db.WithContext(ctx).Order("name").Find(&categories).Error
	return categories, err
}

func (d *Database) CreateCondition(ctx context.Context, condition *types.Condition) error {
	return d.db.WithContext(ctx).Create(condition).Error
}

// GetCondition returns nil, nil when missing.
func (d *Database) GetCondition(ctx context.Context, id uint) (*types.Condition, error) {
	var condition types.Condition
	if err := d.db.WithContext(ctx).First(&condition, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &condition, nil
}

func (d *Database) ListConditions(ctx context.Context) ([]types.Condition, error) {
	conditions := []types.Condition{}
	err := d.db.WithContext(ctx).Order("name").Find(&conditions).Error
	return conditions, err
}
