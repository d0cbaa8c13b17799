package store

import (
	"strings"
)

// Op is a comparison operator understood by every Client
type Op string

const (
	OpEq       Op = "="
	OpGt       Op = ">"
	OpGte      Op = ">="
	OpLt       Op = "<"
	OpLte      Op = "<="
	OpContains Op = "CONTAINS"
	OpAny      Op = "ANY"
)

// Filter is one predicate of a read or delete. Filters passed together are
// conjunctive; an OpAny filter groups its children disjunctively.
type Filter struct {
	Column string
	Op     Op
	Value  interface{}
	Any    []Filter
}

// Eq matches rows whose column equals value
func Eq(column string, value interface{}) Filter {
	return Filter{Column: column, Op: OpEq, Value: value}
}

// Gt matches rows whose column is greater than value
func Gt(column string, value interface{}) Filter {
	return Filter{Column: column, Op: OpGt, Value: value}
}

// Gte matches rows whose column is greater than or equal to value
func Gte(column string, value interface{}) Filter {
	return Filter{Column: column, Op: OpGte, Value: value}
}

// Lt matches rows whose column is less than value
func Lt(column string, value interface{}) Filter {
	return Filter{Column: column, Op: OpLt, Value: value}
}

// Lte matches rows whose column is less than or equal to value
func Lte(column string, value interface{}) Filter {
	return Filter{Column: column, Op: OpLte, Value: value}
}

// Contains matches rows whose column contains substr
func Contains(column, substr string) Filter {
	return Filter{Column: column, Op: OpContains, Value: substr}
}

// AnyOf matches rows satisfying at least one of filters. An empty group
// places no constraint.
func AnyOf(filters ...Filter) Filter {
	return Filter{Op: OpAny, Any: filters}
}

// Order sorts a read by one column
type Order struct {
	Column string
	Desc   bool
}

// ReadOptions bound a read
type ReadOptions struct {
	Columns    []string
	Filters    []Filter
	Order      []Order
	Limit      int
	Offset     int
	CountTotal bool
}

// Record is one row keyed by column name
type Record map[string]interface{}

// Result is the outcome of a read. Total is the exact number of rows
// matching the filters when CountTotal was requested, otherwise len(Rows).
type Result struct {
	Rows  []Record
	Total int
}

// escapeLike escapes LIKE metacharacters using backslash
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
