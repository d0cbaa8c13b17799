package models

import (
	"fmt"
	"strings"
)

// EntityType identifies the kind of business record an index entry was built from
type EntityType string

const (
	EntityTypeRequest  EntityType = "request"
	EntityTypeItem     EntityType = "item"
	EntityTypeUser     EntityType = "user"
	EntityTypeCategory EntityType = "category"
)

// EntityTypes lists every searchable entity type in index order
var EntityTypes = []EntityType{
	EntityTypeRequest,
	EntityTypeItem,
	EntityTypeUser,
	EntityTypeCategory,
}

// ParseEntityType converts a caller-supplied string into an EntityType
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.ToLower(strings.TrimSpace(s)))
	if t.IsValid() {
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, s)
}

// IsValid reports whether the type belongs to the known set
func (t EntityType) IsValid() bool {
	for _, known := range EntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer
func (t EntityType) String() string {
	return string(t)
}
