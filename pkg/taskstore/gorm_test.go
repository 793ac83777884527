package taskstore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestGormStore(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}

	runStoreSuite(t, func(t *testing.T) Store {
		store, err := NewGormStore(db)
		require.NoError(t, err)
		require.NoError(t, db.Exec("TRUNCATE TABLE agent_tasks").Error)
		return store
	})
}
