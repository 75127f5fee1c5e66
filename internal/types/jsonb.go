package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Compile-time interface assertions.
// These ensure all JSONB types implement both sql.Scanner and driver.Valuer,
// catching any method signature drift at compile time rather than at runtime.
// Scan is on pointer receivers; Value is on value receivers.
var (
	_ sql.Scanner   = (*CategorySettings)(nil)
	_ driver.Valuer = CategorySettings(nil)
	_ sql.Scanner   = (*Metadata)(nil)
	_ driver.Valuer = Metadata(nil)
)

// scanJSONB is a generic helper that scans a JSONB database value into a Go pointer.
// It handles nil values, []byte, and string representations from different database drivers.
func scanJSONB(dest interface{}, value interface{}) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}

// valueJSONB is a generic helper that converts a Go value to a JSONB-compatible driver.Value.
// Returns nil for nil interface values; otherwise marshals to JSON bytes.
func valueJSONB(v interface{}) (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// ---------------------------------------------------------------------------
// CategorySettings
// ---------------------------------------------------------------------------

// CategorySettings maps a notification category to its enabled toggle.
// Stored as a JSONB column on the user_preferences table. Categories absent
// from the map fall back to their default (enabled, except marketing).
type CategorySettings map[Category]bool

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (cs *CategorySettings) Scan(value interface{}) error {
	if value == nil {
		*cs = nil
		return nil
	}
	return scanJSONB(cs, value)
}

// Value implements the driver.Valuer interface for writing JSONB to the database.
func (cs CategorySettings) Value() (driver.Value, error) {
	if cs == nil {
		return nil, nil
	}
	return json.Marshal(cs)
}

// Clone returns a deep copy so cached preference rows can be handed out
// without aliasing the cache's internal map.
func (cs CategorySettings) Clone() CategorySettings {
	if cs == nil {
		return nil
	}
	out := make(CategorySettings, len(cs))
	for k, v := range cs {
		out[k] = v
	}
	return out
}

// ---------------------------------------------------------------------------
// Metadata
// ---------------------------------------------------------------------------

// Metadata is a free-form JSONB document attached to a notification.
// It carries campaign IDs, click URLs, provider error details, and any
// extra fields merged in by webhook processing.
type Metadata map[string]any

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	return scanJSONB(m, value)
}

// Value implements the driver.Valuer interface for writing JSONB to the database.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// String returns the value under key if it is a string, or "" otherwise.
func (m Metadata) String(key string) string {
	s, _ := m[key].(string)
	return s
}
