package db

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// The schema must migrate on sqlite, not just Postgres: it is the default
// test backend and a supported DB_DRIVER. Postgres-only default
// expressions in the model tags would fail here.
func TestAutoMigrateOnSqlite(t *testing.T) {
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLogger.Default.LogMode(gormLogger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, AutoMigrate(gdb))

	for _, table := range []string{
		"unified_customer", "sync_run", "alert_record", "alert_state", "health_score_history",
	} {
		require.True(t, gdb.Migrator().HasTable(table), "missing table %s", table)
	}
}
