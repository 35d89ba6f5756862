package syncstate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NumSliders is the number of slider fields in a Row.
const NumSliders = 16

// FieldMode is the wire and column name of the mode field.
const FieldMode = "mode"

// Row is the synchronized record: a mode selector plus sixteen slider
// values, identified by an integer key. ID and CreatedAt are immutable
// and never appear in update payloads.
type Row struct {
	ID        int64
	CreatedAt time.Time
	Mode      int
	Sliders   [NumSliders]float64
}

// Update is a partial patch of a Row's mutable fields, keyed by wire
// field name ("mode", "slider_1".."slider_16"). It is never a full
// replacement; absent fields are left untouched.
type Update map[string]float64

// SliderField returns the wire name of slider n (1-based).
func SliderField(n int) string {
	return "slider_" + strconv.Itoa(n)
}

// sliderIndex parses a "slider_N" field name into a 0-based index.
func sliderIndex(field string) (int, bool) {
	s, ok := strings.CutPrefix(field, "slider_")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > NumSliders {
		return 0, false
	}
	return n - 1, true
}

// ValidField reports whether the name is one of the mutable wire
// fields. Stores use it to reject patches that name unknown columns.
func ValidField(field string) bool {
	if field == FieldMode {
		return true
	}
	_, ok := sliderIndex(field)
	return ok
}

// Apply merges an update into the row field by field. Later values for
// a field win; unknown field names are ignored so peers running a newer
// schema don't break older clients. Applying the same update twice is
// idempotent.
func (r *Row) Apply(u Update) {
	for field, v := range u {
		if field == FieldMode {
			r.Mode = int(v)
			continue
		}
		if i, ok := sliderIndex(field); ok {
			r.Sliders[i] = v
		}
	}
}

// Clone returns an independent copy of the row.
func (r *Row) Clone() *Row {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// DefaultRow returns the row inserted when the requested id does not
// exist yet: mode 0 (uninitialized) and every slider at zero. CreatedAt
// is left for the store to fill in.
func DefaultRow(id int64) *Row {
	return &Row{ID: id}
}

// merge folds o into u, later values winning per field.
func (u Update) merge(o Update) {
	for field, v := range o {
		u[field] = v
	}
}

func (u Update) clone() Update {
	c := make(Update, len(u))
	for field, v := range u {
		c[field] = v
	}
	return c
}

// MarshalJSON flattens the sliders into individual slider_N fields so
// the JSON shape matches the durable record schema.
func (r Row) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, NumSliders+3)
	m["id"] = r.ID
	m["created_at"] = r.CreatedAt
	m[FieldMode] = r.Mode
	for i, v := range r.Sliders {
		m[SliderField(i+1)] = v
	}
	return json.Marshal(m)
}

func (r *Row) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if raw, ok := m["id"]; ok {
		if err := json.Unmarshal(raw, &r.ID); err != nil {
			return fmt.Errorf("row id: %w", err)
		}
	}
	if raw, ok := m["created_at"]; ok {
		if err := json.Unmarshal(raw, &r.CreatedAt); err != nil {
			return fmt.Errorf("row created_at: %w", err)
		}
	}
	if raw, ok := m[FieldMode]; ok {
		if err := json.Unmarshal(raw, &r.Mode); err != nil {
			return fmt.Errorf("row mode: %w", err)
		}
	}
	for i := 0; i < NumSliders; i++ {
		raw, ok := m[SliderField(i+1)]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, &r.Sliders[i]); err != nil {
			return fmt.Errorf("row %s: %w", SliderField(i+1), err)
		}
	}
	return nil
}

// Message is the broadcast payload exchanged between peers on the
// "state-update" event. Source carries the sender's instance token and
// exists only for echo suppression; it implies no ordering.
type Message struct {
	RowID     int64     `json:"rowId"`
	Updates   Update    `json:"updates"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}
