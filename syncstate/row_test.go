package syncstate

import (
	"encoding/json"
	"testing"
	"time"
)

func TestApplyMergesFields(t *testing.T) {
	r := DefaultRow(7)
	r.Apply(Update{"mode": 2, "slider_1": 10, "slider_16": 90})

	if r.Mode != 2 {
		t.Errorf("mode = %d, want 2", r.Mode)
	}
	if r.Sliders[0] != 10 || r.Sliders[15] != 90 {
		t.Errorf("sliders = %v, want slider_1=10 slider_16=90", r.Sliders)
	}

	// Partial patch: untouched fields survive, later values win.
	r.Apply(Update{"slider_1": 11})
	if r.Sliders[0] != 11 || r.Sliders[15] != 90 || r.Mode != 2 {
		t.Errorf("after second apply: %+v", r)
	}
}

func TestApplyIgnoresUnknownFields(t *testing.T) {
	r := DefaultRow(1)
	before := *r
	r.Apply(Update{"slider_17": 5, "slider_0": 5, "created_at": 5, "bogus": 1})
	if *r != before {
		t.Errorf("unknown fields mutated the row: %+v", r)
	}
}

func TestApplyIdempotent(t *testing.T) {
	r := DefaultRow(1)
	u := Update{"mode": 3, "slider_4": 44}
	r.Apply(u)
	first := *r
	r.Apply(u)
	if *r != first {
		t.Errorf("second apply changed the row: %+v vs %+v", r, first)
	}
}

func TestValidField(t *testing.T) {
	for _, field := range []string{"mode", "slider_1", "slider_16"} {
		if !ValidField(field) {
			t.Errorf("ValidField(%q) = false", field)
		}
	}
	for _, field := range []string{"id", "created_at", "slider_0", "slider_17", "slider_", "slider_x", ""} {
		if ValidField(field) {
			t.Errorf("ValidField(%q) = true", field)
		}
	}
}

func TestRowJSONUsesWireFieldNames(t *testing.T) {
	r := Row{ID: 3, CreatedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), Mode: 1}
	r.Sliders[2] = 42.5

	raw, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	if m["mode"] != float64(1) || m["slider_3"] != 42.5 || m["id"] != float64(3) {
		t.Errorf("wire shape wrong: %v", m)
	}
	if _, ok := m["slider_16"]; !ok {
		t.Error("slider_16 missing from wire shape")
	}

	var back Row
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if back != r {
		t.Errorf("round trip: got %+v, want %+v", back, r)
	}
}
