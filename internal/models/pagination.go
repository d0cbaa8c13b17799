package models

import (
	"bytes"
	"encoding/json"
)

// OrderBy is one ordering column for a paginated read
type OrderBy struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// PageRequest asks for one page of a collection
type PageRequest struct {
	Collection string                 `json:"collection"`
	Page       int                    `json:"page"`
	PageSize   int                    `json:"page_size,omitempty"`
	Filters    map[string]interface{} `json:"filters,omitempty"`
	OrderBy    []OrderBy              `json:"order_by,omitempty"`
}

// Pagination describes where a page sits in the collection
type Pagination struct {
	Page        int  `json:"page"`
	PageSize    int  `json:"page_size"`
	Total       int  `json:"total"`
	TotalPages  int  `json:"total_pages"`
	HasNext     bool `json:"has_next"`
	HasPrevious bool `json:"has_previous"`
}

// NewPagination derives page counters from an exact total
func NewPagination(page, pageSize, total int) Pagination {
	totalPages := 0
	if pageSize > 0 {
		totalPages = (total + pageSize - 1) / pageSize
	}
	return Pagination{
		Page:        page,
		PageSize:    pageSize,
		Total:       total,
		TotalPages:  totalPages,
		HasNext:     page < totalPages,
		HasPrevious: page > 1,
	}
}

// PageResult is one page of rows
type PageResult struct {
	Data       []map[string]interface{} `json:"data"`
	Pagination Pagination               `json:"pagination"`
	Cached     bool                     `json:"cached"`
	Degraded   bool                     `json:"degraded,omitempty"`
}

// UnmarshalJSON decodes row values the way the store returns them: integers
// come back as int64 rather than float64, so large ids keep their precision.
func (r *PageResult) UnmarshalJSON(data []byte) error {
	type plain PageResult
	var out plain

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return err
	}
	for _, row := range out.Data {
		for column, value := range row {
			row[column] = restoreNumbers(value)
		}
	}
	*r = PageResult(out)
	return nil
}

func restoreNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]interface{}:
		for k, inner := range t {
			t[k] = restoreNumbers(inner)
		}
	case []interface{}:
		for i, inner := range t {
			t[i] = restoreNumbers(inner)
		}
	}
	return v
}
