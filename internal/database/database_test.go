package database

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func TestInitialize_Success(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Initialize(dbPath, DefaultOptions(), testLogger())
	require.NoError(t, err)
	require.NotNil(t, db)
	defer db.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
	assert.NoError(t, db.Health())
}

func TestInitialize_CreatesDirectory(t *testing.T) {
	subDir := filepath.Join(t.TempDir(), "subdir", "nested")
	dbPath := filepath.Join(subDir, "test.db")

	_, err := os.Stat(subDir)
	assert.True(t, os.IsNotExist(err))

	db, err := Initialize(dbPath, DefaultOptions(), testLogger())
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(subDir)
	assert.NoError(t, err)
}

func TestInitialize_ParentIsFile(t *testing.T) {
	tempDir := t.TempDir()
	blocker := filepath.Join(tempDir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	db, err := Initialize(filepath.Join(blocker, "test.db"), DefaultOptions(), testLogger())
	assert.Error(t, err)
	assert.Nil(t, db)
	assert.Contains(t, err.Error(), "failed to create database directory")
}

func TestInitialize_ReopenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "existing.db")

	db1, err := Initialize(dbPath, DefaultOptions(), testLogger())
	require.NoError(t, err)
	_, err = db1.Exec(`INSERT INTO app_settings (key, value, updated_at) VALUES ('page_size', '50', 0)`)
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	db2, err := Initialize(dbPath, DefaultOptions(), testLogger())
	require.NoError(t, err)
	defer db2.Close()

	var value string
	require.NoError(t, db2.QueryRow(`SELECT value FROM app_settings WHERE key = 'page_size'`).Scan(&value))
	assert.Equal(t, "50", value)
}

func TestMigrations_CreateTables(t *testing.T) {
	db, err := Initialize(filepath.Join(t.TempDir(), "schema.db"), DefaultOptions(), testLogger())
	require.NoError(t, err)
	defer db.Close()

	tables := []string{
		"cache_entries",
		"search_index",
		"performance_metrics",
		"app_settings",
		"categories",
		"users",
		"requests",
		"items",
	}
	for _, table := range tables {
		t.Run(table, func(t *testing.T) {
			var name string
			err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
			require.NoError(t, err)
			assert.Equal(t, table, name)
		})
	}
}

func TestDB_Health(t *testing.T) {
	db, err := Initialize(filepath.Join(t.TempDir(), "health.db"), DefaultOptions(), testLogger())
	require.NoError(t, err)

	assert.NoError(t, db.Health())
	require.NoError(t, db.Close())
	assert.Error(t, db.Health())
}

func TestDB_ConnectionPool(t *testing.T) {
	opts := Options{MaxOpenConns: 7, MaxIdleConns: 2, BusyTimeoutMS: 1000}
	db, err := Initialize(filepath.Join(t.TempDir(), "pool.db"), opts, testLogger())
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, 7, db.Stats().MaxOpenConnections)
}

func TestDB_SQLiteFeatures(t *testing.T) {
	db, err := Initialize(filepath.Join(t.TempDir(), "features.db"), DefaultOptions(), testLogger())
	require.NoError(t, err)
	defer db.Close()

	var foreignKeysEnabled int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeysEnabled))
	assert.Equal(t, 1, foreignKeysEnabled)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)
}

func TestDB_ConcurrentWrites(t *testing.T) {
	db, err := Initialize(filepath.Join(t.TempDir(), "concurrent.db"), DefaultOptions(), testLogger())
	require.NoError(t, err)
	defer db.Close()

	numGoroutines := 8
	done := make(chan error, numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			_, err := db.Exec(
				`INSERT INTO performance_metrics (operation, duration_ms, timestamp) VALUES (?, ?, ?)`,
				fmt.Sprintf("op_%d", id), id, id,
			)
			done <- err
		}(i)
	}
	for i := 0; i < numGoroutines; i++ {
		assert.NoError(t, <-done)
	}

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM performance_metrics").Scan(&count))
	assert.Equal(t, numGoroutines, count)
}
