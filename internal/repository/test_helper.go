package repository

import (
	"testing"

	"github.com/nimasrn/notifyhub-gateway/pkg/pg"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testDB struct {
	*pg.DB
	rawDB *gorm.DB
}

// setupTestDB opens a private in-memory sqlite database with the schema applied.
func setupTestDB(t *testing.T) *testDB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// every pooled connection to :memory: would be a separate database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&DeliveryEntity{}))

	return &testDB{
		DB:    pg.New(db, db),
		rawDB: db,
	}
}

// NewTestRepository is used by other packages' tests that need a real store.
func NewTestRepository(t *testing.T) *DeliveryRepository {
	return NewDeliveryRepository(setupTestDB(t).DB)
}
