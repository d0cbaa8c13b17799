// Package store is the thin client the acceleration layer uses to talk to the
// relational durable tier. It speaks in tables, filters and records so that
// callers never build SQL themselves.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds every durable call when none is configured
const DefaultTimeout = 3 * time.Second

// ErrInvalidIdentifier is returned for table or column names that are not
// plain identifiers
var ErrInvalidIdentifier = errors.New("invalid identifier")

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdentifier reports whether name can be used as a table or column
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// Client issues reads and writes against the durable tier
type Client interface {
	Read(ctx context.Context, table string, opts ReadOptions) (*Result, error)
	Upsert(ctx context.Context, table string, record Record, conflictKeys ...string) error
	Insert(ctx context.Context, table string, record Record, ignoreConflict bool) (int64, error)
	Update(ctx context.Context, table string, set Record, filters ...Filter) (int64, error)
	Delete(ctx context.Context, table string, filters ...Filter) (int64, error)
	Ping(ctx context.Context) error
}

// Increment used as an Update value adds to the column instead of replacing it
type Increment int64

// SQLClient implements Client over database/sql
type SQLClient struct {
	db      *sql.DB
	timeout time.Duration
	logger  *logrus.Logger
}

// NewSQLClient creates a client. A non-positive timeout uses DefaultTimeout.
func NewSQLClient(db *sql.DB, timeout time.Duration, logger *logrus.Logger) *SQLClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SQLClient{db: db, timeout: timeout, logger: logger}
}

// Read returns the rows matching opts and, when requested, the exact count
func (c *SQLClient) Read(ctx context.Context, table string, opts ReadOptions) (*Result, error) {
	if err := checkIdentifiers(table); err != nil {
		return nil, err
	}
	if err := checkIdentifiers(opts.Columns...); err != nil {
		return nil, err
	}

	where, args, err := buildWhere(opts.Filters)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	columns := "*"
	if len(opts.Columns) > 0 {
		columns = strings.Join(opts.Columns, ", ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s%s", columns, table, where)

	if len(opts.Order) > 0 {
		parts := make([]string, 0, len(opts.Order))
		for _, o := range opts.Order {
			if !ValidIdentifier(o.Column) {
				return nil, fmt.Errorf("%w: %q", ErrInvalidIdentifier, o.Column)
			}
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			parts = append(parts, o.Column+" "+dir)
		}
		b.WriteString(" ORDER BY " + strings.Join(parts, ", "))
	}

	queryArgs := append([]interface{}{}, args...)
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		b.WriteString(" LIMIT ? OFFSET ?")
		queryArgs = append(queryArgs, limit, opts.Offset)
	}

	rows, err := c.db.QueryContext(ctx, b.String(), queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", table, err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", table, err)
	}

	result := &Result{Rows: records, Total: len(records)}
	if opts.CountTotal {
		var total int
		countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", table, where)
		if err := c.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
			return nil, fmt.Errorf("store: count %s: %w", table, err)
		}
		result.Total = total
	}

	return result, nil
}

// Upsert inserts record or, on a conflict over conflictKeys, replaces every
// other column. Without conflict keys it is a plain insert.
func (c *SQLClient) Upsert(ctx context.Context, table string, record Record, conflictKeys ...string) error {
	if len(record) == 0 {
		return fmt.Errorf("store: upsert %s: empty record", table)
	}
	if err := checkIdentifiers(append([]string{table}, conflictKeys...)...); err != nil {
		return err
	}

	columns, placeholders, args, err := insertParts(record)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), placeholders)
	if len(conflictKeys) > 0 {
		conflict := make(map[string]bool, len(conflictKeys))
		for _, k := range conflictKeys {
			conflict[k] = true
		}
		updates := make([]string, 0, len(columns))
		for _, col := range columns {
			if !conflict[col] {
				updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
			}
		}
		if len(updates) == 0 {
			query += fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(conflictKeys, ", "))
		} else {
			query += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(conflictKeys, ", "), strings.Join(updates, ", "))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: upsert %s: %w", table, err)
	}
	return nil
}

// Insert adds record and returns the number of rows written. With
// ignoreConflict a uniqueness clash writes nothing and returns 0.
func (c *SQLClient) Insert(ctx context.Context, table string, record Record, ignoreConflict bool) (int64, error) {
	if len(record) == 0 {
		return 0, fmt.Errorf("store: insert %s: empty record", table)
	}
	if err := checkIdentifiers(table); err != nil {
		return 0, err
	}

	columns, placeholders, args, err := insertParts(record)
	if err != nil {
		return 0, err
	}

	verb := "INSERT"
	if ignoreConflict {
		verb = "INSERT OR IGNORE"
	}
	query := fmt.Sprintf("%s INTO %s (%s) VALUES (%s)", verb, table, strings.Join(columns, ", "), placeholders)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("store: insert %s: %w", table, err)
	}
	return res.RowsAffected()
}

// Update sets the columns of set on the rows matching filters and returns how
// many rows changed. The row is rewritten in one statement, so a row deleted
// concurrently is never recreated. Updating with no filters is refused.
func (c *SQLClient) Update(ctx context.Context, table string, set Record, filters ...Filter) (int64, error) {
	if len(set) == 0 {
		return 0, fmt.Errorf("store: update %s: empty record", table)
	}
	if err := checkIdentifiers(table); err != nil {
		return 0, err
	}
	if len(filters) == 0 {
		return 0, fmt.Errorf("store: update %s: refusing unfiltered update", table)
	}

	columns := make([]string, 0, len(set))
	for col := range set {
		columns = append(columns, col)
	}
	sort.Strings(columns)
	if err := checkIdentifiers(columns...); err != nil {
		return 0, err
	}

	assignments := make([]string, 0, len(columns))
	args := make([]interface{}, 0, len(columns))
	for _, col := range columns {
		if inc, ok := set[col].(Increment); ok {
			assignments = append(assignments, fmt.Sprintf("%s = %s + ?", col, col))
			args = append(args, int64(inc))
			continue
		}
		assignments = append(assignments, col+" = ?")
		args = append(args, set[col])
	}

	where, whereArgs, err := buildWhere(filters)
	if err != nil {
		return 0, err
	}
	if where == "" {
		return 0, fmt.Errorf("store: update %s: refusing unfiltered update", table)
	}
	args = append(args, whereArgs...)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.db.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET %s%s", table, strings.Join(assignments, ", "), where), args...)
	if err != nil {
		return 0, fmt.Errorf("store: update %s: %w", table, err)
	}
	return res.RowsAffected()
}

// Delete removes the rows matching filters and returns how many went away.
// Deleting with no filters is refused.
func (c *SQLClient) Delete(ctx context.Context, table string, filters ...Filter) (int64, error) {
	if err := checkIdentifiers(table); err != nil {
		return 0, err
	}
	if len(filters) == 0 {
		return 0, fmt.Errorf("store: delete %s: refusing unfiltered delete", table)
	}

	where, args, err := buildWhere(filters)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s%s", table, where), args...)
	if err != nil {
		return 0, fmt.Errorf("store: delete %s: %w", table, err)
	}
	return res.RowsAffected()
}

// Ping checks connectivity within the client timeout
func (c *SQLClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.db.PingContext(ctx)
}

func checkIdentifiers(names ...string) error {
	for _, n := range names {
		if !ValidIdentifier(n) {
			return fmt.Errorf("%w: %q", ErrInvalidIdentifier, n)
		}
	}
	return nil
}

func insertParts(record Record) ([]string, string, []interface{}, error) {
	columns := make([]string, 0, len(record))
	for col := range record {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	if err := checkIdentifiers(columns...); err != nil {
		return nil, "", nil, err
	}

	args := make([]interface{}, 0, len(columns))
	for _, col := range columns {
		args = append(args, record[col])
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	return columns, placeholders, args, nil
}

func buildWhere(filters []Filter) (string, []interface{}, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	clauses := make([]string, 0, len(filters))
	var args []interface{}
	for _, f := range filters {
		clause, fargs, err := buildClause(f)
		if err != nil {
			return "", nil, err
		}
		if clause == "" {
			continue
		}
		clauses = append(clauses, clause)
		args = append(args, fargs...)
	}
	if len(clauses) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func buildClause(f Filter) (string, []interface{}, error) {
	if f.Op == OpAny {
		parts := make([]string, 0, len(f.Any))
		var args []interface{}
		for _, child := range f.Any {
			clause, cargs, err := buildClause(child)
			if err != nil {
				return "", nil, err
			}
			if clause == "" {
				continue
			}
			parts = append(parts, clause)
			args = append(args, cargs...)
		}
		if len(parts) == 0 {
			return "", nil, nil
		}
		return "(" + strings.Join(parts, " OR ") + ")", args, nil
	}

	if !ValidIdentifier(f.Column) {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidIdentifier, f.Column)
	}

	switch f.Op {
	case OpEq, OpGt, OpGte, OpLt, OpLte:
		if f.Value == nil && f.Op == OpEq {
			return f.Column + " IS NULL", nil, nil
		}
		return fmt.Sprintf("%s %s ?", f.Column, f.Op), []interface{}{f.Value}, nil
	case OpContains:
		return f.Column + ` LIKE ? ESCAPE '\'`, []interface{}{"%" + escapeLike(toString(f.Value)) + "%"}, nil
	default:
		return "", nil, fmt.Errorf("store: unsupported operator %q", f.Op)
	}
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0)
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		record := make(Record, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				record[col] = string(b)
				continue
			}
			record[col] = values[i]
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
