package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "enrich", cfg.User)
	assert.Equal(t, "enrich", cfg.Database)
	assert.Equal(t, "disable", cfg.SSLMode)
	assert.Equal(t, 10, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)
	assert.Equal(t, 30*time.Minute, cfg.ConnMaxLifetime)
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("DB_USER", "svc")
	t.Setenv("DB_NAME", "enrich_prod")
	t.Setenv("DB_MAX_OPEN_CONNS", "25")

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Host)
	assert.Equal(t, 6543, cfg.Port)
	assert.Equal(t, "svc", cfg.User)
	assert.Equal(t, "enrich_prod", cfg.Database)
	assert.Equal(t, 25, cfg.MaxOpenConns)
}

func TestLoadConfigFromEnv_InvalidPort(t *testing.T) {
	t.Setenv("DB_PORT", "not-a-port")
	_, err := LoadConfigFromEnv()
	require.Error(t, err)
}

func TestHasEmbeddedMigrations(t *testing.T) {
	has, err := hasEmbeddedMigrations()
	require.NoError(t, err)
	assert.True(t, has, "migration files must be embedded in the binary")
}

func TestHealth_Healthy(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing()

	status, err := Health(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, "healthy", status.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHealth_Unreachable(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing().WillReturnError(assert.AnError)

	status, err := Health(context.Background(), db)
	require.Error(t, err)
	assert.Equal(t, "unhealthy", status.Status)
}

func TestCreateExpressionIndexes(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS idx_enrichment_callbacks_batch_job`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS idx_enrichment_callbacks_payload_gin`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, createExpressionIndexes(context.Background(), db))
	require.NoError(t, mock.ExpectationsWereMet())
}
