package reputation

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ecoswap/ecoswap-api/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Transaction runs fn with a Database bound to a single transaction.
func (d *Database) Transaction(ctx context.Context, fn func(tx *Database) error) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Database{db: tx})
	})
}

// GetExchange returns nil, nil when the exchange does not exist.
func (d *Database) GetExchange(ctx context.Context, id uint) (*types.Exchange, error) {
	var ex types.Exchange
	err := d.db.WithContext(ctx).
		Preload("RequestedItem").
		Preload("OfferedItem").
		First(&ex, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ex, nil
}

func (d *Database) RatingExists(ctx context.Context, exchangeID, reviewerID uint) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&types.Rating{}).
		Where("exchange_id = ? AND reviewer_id = ?", exchangeID, reviewerID).
		Count(&count).Error
	return count > 0, err
}

func (d *Database) CreateRating(ctx context.Context, r *types.Rating) error {
	return d.db.WithContext(ctx).Omit("Exchange").Create(r).Error
}

// AddToScore folds one rating into the user's running sum and count and
// recomputes the mean in the same statement.
func (d *Database) AddToScore(ctx context.Context, userID uint, rating int, at time.Time) error {
	score := types.ReputationScore{
		UserID:    userID,
		Sum:       int64(rating),
		Count:     1,
		Score:     float64(rating),
		UpdatedAt: at,
	}
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"sum":        gorm.Expr("reputation_scores.sum + ?", rating),
			"count":      gorm.Expr("reputation_scores.count + 1"),
			"score":      gorm.Expr("CAST(reputation_scores.sum + ? AS DOUBLE PRECISION) / (reputation_scores.count + 1)", rating),
			"updated_at": at,
		}),
	}).Create(&score).Error
}

// GetScore returns nil, nil for a user who was never rated.
func (d *Database) GetScore(ctx context.Context, userID uint) (*types.ReputationScore, error) {
	var score types.ReputationScore
	if err := d.db.WithContext(ctx).Where("user_id = ?", userID).First(&score).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &score, nil
}

func (d *Database) ListRatings(ctx context.Context, ratedUserID uint) ([]types.Rating, error) {
	ratings := []types.Rating{}
	err := d.db.WithContext(ctx).
		Where("rated_user_id = ?", ratedUserID).
		Order("created_at, id").
		Find(&ratings).Error
	return ratings, err
}
