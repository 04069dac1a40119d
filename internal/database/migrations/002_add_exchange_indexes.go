package migrations

import (
	"gorm.io/gorm"
)

// AddExchangeIndexes adds the composite indexes used by exchange listing
// and reputation lookups
func AddExchangeIndexes(db *gorm.DB) error {
	indexes := []string{
		// Listing by role and status
		`CREATE INDEX IF NOT EXISTS idx_exchanges_requested_status
		 ON exchanges(requested_item_id, status)`,

		`CREATE INDEX IF NOT EXISTS idx_exchanges_offered_status
		 ON exchanges(offered_item_id, status)`,

		// Reputation details ordered by time
		`CREATE INDEX IF NOT EXISTS idx_ratings_rated_user_created_at
		 ON ratings(rated_user_id, created_at)`,

		// Expired idempotency keys
		`CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires_at
		 ON idempotency_records(expires_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
