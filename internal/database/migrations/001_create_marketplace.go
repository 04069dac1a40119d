package migrations

import (
	"github.com/ecoswap/ecoswap-api/internal/types"
	"gorm.io/gorm"
)

// CreateMarketplace creates the core tables. Order matters: referenced
// tables first so foreign keys resolve.
func CreateMarketplace(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.User{},
		&types.Category{},
		&types.Condition{},
		&types.Publication{},
		&types.FavoritePublication{},
		&types.Exchange{},
		&types.IdempotencyRecord{},
		&types.Rating{},
		&types.ReputationScore{},
	)
}
