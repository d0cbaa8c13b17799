package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fabienpiette/speedlayer/internal/config"
	"github.com/fabienpiette/speedlayer/internal/database"
	"github.com/fabienpiette/speedlayer/internal/redis"
	"github.com/fabienpiette/speedlayer/internal/store"
)

// IntegrationEnv gates tests that need Docker
const IntegrationEnv = "SPEEDLAYER_INTEGRATION"

// SetupTestDB creates a migrated SQLite database in a temporary directory
func SetupTestDB(t *testing.T) *database.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	db, err := database.Initialize(dbPath, database.DefaultOptions(), logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// SetupTestStore returns a durable tier client over a fresh test database
func SetupTestStore(t *testing.T) (*store.SQLClient, *database.DB) {
	t.Helper()

	db := SetupTestDB(t)
	return store.NewSQLClient(db.DB, 2*time.Second, SetupTestLogger(t)), db
}

// SetupTestRedis starts a Redis container for testing. The test is skipped
// unless SPEEDLAYER_INTEGRATION=1.
func SetupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	if os.Getenv(IntegrationEnv) != "1" {
		t.Skipf("set %s=1 to run Redis integration tests", IntegrationEnv)
	}

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	mappedPort, err := redisContainer.MappedPort(ctx, "6379")
	require.NoError(t, err)

	host, err := redisContainer.Host(ctx)
	require.NoError(t, err)

	rdb := goredis.NewClient(&goredis.Options{
		Addr: fmt.Sprintf("%s:%s", host, mappedPort.Port()),
	})
	require.NoError(t, rdb.Ping(ctx).Err())

	t.Cleanup(func() {
		rdb.Close()
		if err := redisContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate redis container: %v", err)
		}
	})

	return redis.New(rdb, "test:", SetupTestLogger(t))
}

// GetTestConfig returns a configuration for testing
func GetTestConfig(t testing.TB) *config.Config {
	t.Helper()

	return &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			Port:                8080,
			Host:                "localhost",
			ReadTimeoutSeconds:  30,
			WriteTimeoutSeconds: 30,
			IdleTimeoutSeconds:  120,
		},
		Database: config.DatabaseConfig{
			Path:           filepath.Join(t.TempDir(), "test.db"),
			MaxOpenConns:   10,
			MaxIdleConns:   2,
			BusyTimeoutMS:  5000,
			TimeoutSeconds: 2,
		},
		Redis: config.RedisConfig{
			Host:      "localhost",
			Port:      6379,
			DB:        1,
			KeyPrefix: "test:",
		},
		Log: config.LogConfig{
			Level: "debug",
		},
		Cache: config.CacheConfig{
			Backend:              config.CacheBackendDatabase,
			DefaultTTLMinutes:    30,
			SweepIntervalSeconds: 60,
			SweepDurable:         true,
		},
		Search: config.SearchConfig{
			DefaultTTLMinutes: 5,
			DefaultLimit:      20,
			MaxLimit:          100,
			FacetLimit:        10,
			CandidateLimit:    5000,
			ReindexBatchSize:  50,
			ReindexParallel:   4,
		},
		Pagination: config.PaginationConfig{
			DefaultPageSize:     20,
			MaxPageSize:         100,
			Collections:         []string{"requests", "items", "users", "categories"},
			PrefetchPerSecond:   100,
			PrefetchBurst:       10,
			PrefetchWaitSeconds: 2,
		},
		Debounce: config.DebounceConfig{
			DefaultDelayMS: 50,
		},
		Workers: config.WorkersConfig{
			PoolSize:  2,
			QueueSize: 64,
		},
		Metrics: config.MetricsConfig{
			Enabled:         true,
			SlowOperationMS: 2000,
			RetentionDays:   30,
		},
		Settings: config.SettingsConfig{
			RefreshSeconds: 30,
		},
	}
}

// SetupTestLogger creates a logger for testing with appropriate level
func SetupTestLogger(t testing.TB) *logrus.Logger {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		TimestampFormat: time.RFC3339,
	})

	if testing.Verbose() {
		logger.SetOutput(os.Stdout)
	} else {
		logger.SetOutput(os.Stderr)
	}

	return logger
}

// WaitForCondition waits for a condition to be true with timeout
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		if condition() {
			return
		}
		select {
		case <-ticker.C:
		case <-timeoutCh:
			t.Fatalf("Timeout waiting for condition: %s", message)
		}
	}
}

// TestDataSeeder inserts business records the indexer and paginator read
type TestDataSeeder struct {
	DB *sql.DB
}

// NewTestDataSeeder creates a new test data seeder
func NewTestDataSeeder(db *sql.DB) *TestDataSeeder {
	return &TestDataSeeder{DB: db}
}

// RequestFixture describes one spend request row
type RequestFixture struct {
	Title         string
	Description   string
	Amount        float64
	Department    string
	CategoryID    int64
	Status        string
	RequesterID   int64
	Vendor        string
	InvoiceNumber string
	CreatedAt     time.Time
}

// InsertCategory inserts a category and returns its id
func (s *TestDataSeeder) InsertCategory(t *testing.T, name, description string) int64 {
	t.Helper()
	return s.exec(t, `INSERT INTO categories (name, description) VALUES (?, ?)`, name, description)
}

// InsertUser inserts a user and returns its id
func (s *TestDataSeeder) InsertUser(t *testing.T, fullName, email, department, role string) int64 {
	t.Helper()
	return s.exec(t, `INSERT INTO users (full_name, email, department, role) VALUES (?, ?, ?, ?)`,
		fullName, email, department, role)
}

// InsertRequest inserts a spend request and returns its id
func (s *TestDataSeeder) InsertRequest(t *testing.T, r RequestFixture) int64 {
	t.Helper()

	if r.Status == "" {
		r.Status = "submitted"
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	}

	return s.exec(t, `
		INSERT INTO requests (title, description, amount, department, category_id, status,
			requester_id, vendor, invoice_number, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Title, r.Description, r.Amount, r.Department, nullableID(r.CategoryID), r.Status,
		nullableID(r.RequesterID), r.Vendor, r.InvoiceNumber, r.CreatedAt, r.CreatedAt)
}

// InsertItem inserts a line item and returns its id
func (s *TestDataSeeder) InsertItem(t *testing.T, requestID int64, name, description string, quantity int, unitPrice float64, categoryID int64) int64 {
	t.Helper()
	return s.exec(t, `
		INSERT INTO items (request_id, name, description, quantity, unit_price, category_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		requestID, name, description, quantity, unitPrice, nullableID(categoryID))
}

// SeedBasicData inserts a small, fixed set of related records
func (s *TestDataSeeder) SeedBasicData(t *testing.T) {
	t.Helper()

	medical := s.InsertCategory(t, "Medical Supplies", "Clinic consumables")
	travel := s.InsertCategory(t, "Travel", "Flights and lodging")

	amira := s.InsertUser(t, "Amira Hassan", "amira@example.com", "Operations", "approver")
	omar := s.InsertUser(t, "Omar Farouk", "omar@example.com", "Finance", "member")

	cairo := s.InsertRequest(t, RequestFixture{
		Title:       "Invoice for Cairo clinic",
		Description: "Quarterly restock of gloves and masks",
		Amount:      1250.50,
		Department:  "Operations",
		CategoryID:  medical,
		Status:      "approved",
		RequesterID: amira,
		Vendor:      "Nile Medical",
	})
	s.InsertRequest(t, RequestFixture{
		Title:       "Invoice for Giza clinic",
		Description: "Replacement thermometers",
		Amount:      310,
		Department:  "Operations",
		CategoryID:  medical,
		Status:      "submitted",
		RequesterID: amira,
		Vendor:      "Pyramid Health",
	})
	s.InsertRequest(t, RequestFixture{
		Title:       "Conference travel",
		Description: "Flights to Alexandria",
		Amount:      890,
		Department:  "Finance",
		CategoryID:  travel,
		Status:      "draft",
		RequesterID: omar,
	})

	s.InsertItem(t, cairo, "Nitrile gloves", "Box of 100", 20, 12.5, medical)
}

// CleanupTestData empties the business tables
func (s *TestDataSeeder) CleanupTestData(t *testing.T) {
	t.Helper()

	for _, table := range []string{"items", "requests", "users", "categories"} {
		_, err := s.DB.Exec(fmt.Sprintf("DELETE FROM %s", table))
		require.NoError(t, err)
	}
}

func (s *TestDataSeeder) exec(t *testing.T, query string, args ...interface{}) int64 {
	t.Helper()

	res, err := s.DB.Exec(query, args...)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func nullableID(id int64) interface{} {
	if id == 0 {
		return nil
	}
	return id
}
