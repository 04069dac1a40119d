package exchange

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ecoswap/ecoswap-api/internal/clock"
)

// KeySweeper periodically deletes expired idempotency keys so the table
// does not grow without bound.
type KeySweeper struct {
	db       *Database
	clock    clock.Clock
	interval time.Duration
}

func NewKeySweeper(db *Database, clk clock.Clock, interval time.Duration) *KeySweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &KeySweeper{
		db:       db,
		clock:    clk,
		interval: interval,
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *KeySweeper) Start(ctx context.Context) {
	logger := log.With().Str("component", "idempotency_sweeper").Logger()
	logger.Info().Dur("interval", s.interval).Msg("starting idempotency key sweeper")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down idempotency key sweeper")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *KeySweeper) sweep(ctx context.Context) {
	n, err := s.db.PurgeExpiredKeys(ctx, s.clock.Now())
	if err != nil {
		log.Error().Err(err).Str("component", "idempotency_sweeper").Msg("failed to purge idempotency keys")
		return
	}
	if n > 0 {
		log.Debug().Int64("purged", n).Str("component", "idempotency_sweeper").Msg("purged expired idempotency keys")
	}
}
