package store

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/invocation-scheduler/internal/domain"
)

// AutoMigrate creates/updates the invocation table and its supporting
// indexes.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&domain.Invocation{}); err != nil {
		return fmt.Errorf("automigrate invocation: %w", err)
	}
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_invocation_dequeue_order
		ON invocation (next_visible_at ASC, queued_at ASC)
		WHERE status IN ('queued', 'suspended');
	`).Error; err != nil {
		return fmt.Errorf("create idx_invocation_dequeue_order: %w", err)
	}
	return nil
}
