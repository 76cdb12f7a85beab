package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhifu/donation-pay/models"
)

func TestInitDatabaseSQLiteAndMigrate(t *testing.T) {
	db, err := InitDatabase(DatabaseOptions{Driver: "sqlite", LogLevel: "silent"})
	require.NoError(t, err)
	require.NoError(t, MigrateDatabase(db))

	for _, m := range []interface{}{&models.Payment{}, &models.PaymentAttempt{}, &models.GatewayConfig{}, &models.WebhookEvent{}} {
		assert.True(t, db.Migrator().HasTable(m))
	}
	assert.True(t, db.Migrator().HasIndex(&models.PaymentAttempt{}, "idx_attempt_payment_number"))
}

func TestInitDatabaseUnknownDriver(t *testing.T) {
	_, err := InitDatabase(DatabaseOptions{Driver: "oracle"})
	assert.Error(t, err)
}
