package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// BenchmarkConfig holds configuration for benchmark tests
type BenchmarkConfig struct {
	NumRequests int
	NumUsers    int
	SearchTerms []string
	Departments []string
	Concurrency int
}

// DefaultBenchmarkConfig returns a default benchmark configuration
func DefaultBenchmarkConfig() *BenchmarkConfig {
	return &BenchmarkConfig{
		NumRequests: 1000,
		NumUsers:    50,
		SearchTerms: []string{
			"invoice", "clinic", "gloves", "thermometers", "flights",
			"hotel", "laptop", "printer", "catering", "training",
			"license", "courier", "repair", "uniforms", "vaccines",
		},
		Departments: []string{"Operations", "Finance", "Clinical", "IT", "Logistics"},
		Concurrency: 10,
	}
}

// BenchmarkHelper generates data for performance tests
type BenchmarkHelper struct {
	Config *BenchmarkConfig
	Random *rand.Rand
}

// NewBenchmarkHelper creates a new benchmark helper
func NewBenchmarkHelper(config *BenchmarkConfig) *BenchmarkHelper {
	if config == nil {
		config = DefaultBenchmarkConfig()
	}

	return &BenchmarkHelper{
		Config: config,
		Random: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SeedRequests inserts NumUsers users and NumRequests requests in one
// transaction. Titles and descriptions are drawn from SearchTerms.
func (bh *BenchmarkHelper) SeedRequests(tb testing.TB, db *sql.DB) {
	tb.Helper()

	tx, err := db.Begin()
	require.NoError(tb, err)
	defer tx.Rollback()

	for i := 0; i < bh.Config.NumUsers; i++ {
		_, err := tx.Exec(`INSERT INTO users (full_name, email, department, role) VALUES (?, ?, ?, ?)`,
			fmt.Sprintf("Bench User %d", i+1),
			fmt.Sprintf("user%d@example.com", i+1),
			bh.pick(bh.Config.Departments),
			"member")
		require.NoError(tb, err)
	}

	statuses := []string{"draft", "submitted", "approved", "rejected"}
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < bh.Config.NumRequests; i++ {
		at := created.Add(time.Duration(i) * time.Hour)
		_, err := tx.Exec(`
			INSERT INTO requests (title, description, amount, department, status, requester_id,
				vendor, invoice_number, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			fmt.Sprintf("%s %s %d", bh.pick(bh.Config.SearchTerms), bh.pick(bh.Config.SearchTerms), i+1),
			fmt.Sprintf("Bench request %d for %s", i+1, bh.pick(bh.Config.SearchTerms)),
			float64(bh.Random.Intn(500000))/100,
			bh.pick(bh.Config.Departments),
			bh.pick(statuses),
			bh.Random.Intn(bh.Config.NumUsers)+1,
			fmt.Sprintf("Vendor %d", bh.Random.Intn(20)+1),
			fmt.Sprintf("INV-%06d", i+1),
			at, at)
		require.NoError(tb, err)
	}

	require.NoError(tb, tx.Commit())
}

// GenerateSearchTerms creates random search terms
func (bh *BenchmarkHelper) GenerateSearchTerms(count int) []string {
	terms := make([]string, count)

	for i := 0; i < count; i++ {
		// Mix of single words and phrases
		if bh.Random.Float32() < 0.3 {
			terms[i] = bh.pick(bh.Config.SearchTerms)
		} else {
			terms[i] = fmt.Sprintf("%s %s", bh.pick(bh.Config.SearchTerms), bh.pick(bh.Config.SearchTerms))
		}
	}

	return terms
}

func (bh *BenchmarkHelper) pick(values []string) string {
	return values[bh.Random.Intn(len(values))]
}

// MeasureMemoryUsage measures memory usage during a function execution
func MeasureMemoryUsage(fn func()) (allocatedBytes int64, gcPauses time.Duration) {
	var memBefore, memAfter runtime.MemStats

	runtime.GC()
	runtime.ReadMemStats(&memBefore)

	fn()

	runtime.ReadMemStats(&memAfter)

	allocatedBytes = int64(memAfter.TotalAlloc - memBefore.TotalAlloc)
	gcPauses = time.Duration(memAfter.PauseTotalNs - memBefore.PauseTotalNs)

	return allocatedBytes, gcPauses
}

// LoadTestConfig holds configuration for load testing
type LoadTestConfig struct {
	Duration    time.Duration
	Concurrency int
	RequestRate int // per worker, requests per second
}

// LoadTestRunner runs load tests
type LoadTestRunner struct {
	config *LoadTestConfig
}

// NewLoadTestRunner creates a new load test runner
func NewLoadTestRunner(config *LoadTestConfig) *LoadTestRunner {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	return &LoadTestRunner{config: config}
}

// RequestResult holds the result of a single request
type RequestResult struct {
	Latency time.Duration
	Error   error
}

// LoadTestResults holds the results of a load test
type LoadTestResults struct {
	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
	Concurrency    int
	TotalRequests  int64
	SuccessCount   int64
	ErrorCount     int64
	Latencies      []time.Duration
	MinLatency     time.Duration
	MaxLatency     time.Duration
	AvgLatency     time.Duration
	P95Latency     time.Duration
	P99Latency     time.Duration
	RequestsPerSec float64
	ErrorRate      float64
}

// RunLoadTest calls testFunc from Concurrency workers until Duration elapses
// or ctx is cancelled
func (ltr *LoadTestRunner) RunLoadTest(ctx context.Context, testFunc func(context.Context) error) *LoadTestResults {
	results := &LoadTestResults{
		StartTime:   time.Now(),
		Duration:    ltr.config.Duration,
		Concurrency: ltr.config.Concurrency,
	}

	resultsChan := make(chan RequestResult, ltr.config.Concurrency*100)

	testCtx, cancel := context.WithTimeout(ctx, ltr.config.Duration)
	defer cancel()

	var workers sync.WaitGroup
	for i := 0; i < ltr.config.Concurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			ltr.worker(testCtx, testFunc, resultsChan)
		}()
	}

	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for result := range resultsChan {
			results.TotalRequests++
			results.Latencies = append(results.Latencies, result.Latency)

			if result.Error != nil {
				results.ErrorCount++
			} else {
				results.SuccessCount++
			}
		}
	}()

	workers.Wait()
	close(resultsChan)
	<-collected

	results.EndTime = time.Now()
	results.calculateStatistics()

	return results
}

func (ltr *LoadTestRunner) worker(ctx context.Context, testFunc func(context.Context) error, results chan<- RequestResult) {
	var interval time.Duration
	if ltr.config.RequestRate > 0 {
		interval = time.Second / time.Duration(ltr.config.RequestRate)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		err := testFunc(ctx)
		// calls cut short by the deadline are not counted
		if ctx.Err() != nil {
			return
		}
		results <- RequestResult{Latency: time.Since(start), Error: err}

		if interval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}
}

func (results *LoadTestResults) calculateStatistics() {
	if len(results.Latencies) == 0 {
		return
	}

	latencies := make([]time.Duration, len(results.Latencies))
	copy(latencies, results.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	results.MinLatency = latencies[0]
	results.MaxLatency = latencies[len(latencies)-1]

	var total time.Duration
	for _, latency := range latencies {
		total += latency
	}
	results.AvgLatency = total / time.Duration(len(latencies))

	p95Index := int(float64(len(latencies)) * 0.95)
	p99Index := int(float64(len(latencies)) * 0.99)

	if p95Index < len(latencies) {
		results.P95Latency = latencies[p95Index]
	}
	if p99Index < len(latencies) {
		results.P99Latency = latencies[p99Index]
	}

	actualDuration := results.EndTime.Sub(results.StartTime)
	results.RequestsPerSec = float64(results.TotalRequests) / actualDuration.Seconds()
	results.ErrorRate = float64(results.ErrorCount) / float64(results.TotalRequests) * 100
}
