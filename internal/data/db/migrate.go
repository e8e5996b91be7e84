package db

import (
	"gorm.io/gorm"

	types "github.com/listkit/gtm-backend/internal/domain"
)

func AutoMigrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&types.UnifiedCustomer{},
		&types.SyncRun{},
		&types.AlertRecord{},
		&types.AlertState{},
		&types.HealthScoreHistory{},
	)
}
