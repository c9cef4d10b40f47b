package directory

import (
	"time"

	"github.com/rs/zerolog/log"
)

// DoAutoCleanup hard-deletes rows that have been soft-deleted for longer
// than the retention window. Wired as a periodic cron task in main.
func (v *Directory) DoAutoCleanup(retention time.Duration) {
	deadline := time.Now().Add(-retention)
	log.Debug().Time("deadline", deadline).Msg("Now cleaning up the directory...")

	var count int64
	for _, model := range AutoMaintainRange {
		tx := v.db.Unscoped().Delete(model, "deleted_at IS NOT NULL AND deleted_at <= ?", deadline)
		if tx.Error != nil {
			log.Error().Err(tx.Error).Msg("An error occurred when running directory cleanup...")
		}
		count += tx.RowsAffected
	}

	log.Debug().Int64("affected", count).Msg("Clean up directory accomplished.")
}
