package rowstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jonathanhooker/rivesync/syncstate"
)

func openTestBolt(t *testing.T) *Bolt {
	t.Helper()
	b, err := NewBolt(filepath.Join(t.TempDir(), "rows.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBoltGetMissingRow(t *testing.T) {
	b := openTestBolt(t)
	_, err := b.Get(context.Background(), 42)
	if !errors.Is(err, syncstate.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestBoltInsertAndGet(t *testing.T) {
	b := openTestBolt(t)
	ctx := context.Background()

	row := syncstate.DefaultRow(1)
	row.Mode = 2
	row.Sliders[0] = 10

	inserted, err := b.Insert(ctx, row)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if inserted.CreatedAt.IsZero() {
		t.Error("insert did not assign created_at")
	}

	got, err := b.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != 1 || got.Mode != 2 || got.Sliders[0] != 10 {
		t.Errorf("got %+v", got)
	}

	// Second insert for the same id loses the create race.
	if _, err := b.Insert(ctx, syncstate.DefaultRow(1)); !errors.Is(err, syncstate.ErrExists) {
		t.Errorf("duplicate insert err = %v, want ErrExists", err)
	}
}

func TestBoltPartialUpdate(t *testing.T) {
	b := openTestBolt(t)
	ctx := context.Background()

	row := syncstate.DefaultRow(1)
	row.Mode = 1
	row.Sliders[4] = 50
	if _, err := b.Insert(ctx, row); err != nil {
		t.Fatal(err)
	}

	if err := b.Update(ctx, 1, syncstate.Update{"slider_1": 99, "mode": 3}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := b.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Sliders[0] != 99 || got.Mode != 3 {
		t.Errorf("patched fields wrong: %+v", got)
	}
	if got.Sliders[4] != 50 {
		t.Errorf("untouched field clobbered: slider_5 = %v, want 50", got.Sliders[4])
	}
}

func TestBoltUpdateValidation(t *testing.T) {
	b := openTestBolt(t)
	ctx := context.Background()

	if _, err := b.Insert(ctx, syncstate.DefaultRow(1)); err != nil {
		t.Fatal(err)
	}
	if err := b.Update(ctx, 1, syncstate.Update{"drop_table": 1}); err == nil {
		t.Error("unknown field accepted")
	}
	if err := b.Update(ctx, 2, syncstate.Update{"mode": 1}); !errors.Is(err, syncstate.ErrNotFound) {
		t.Errorf("update of missing row err = %v, want ErrNotFound", err)
	}
	// Empty patch is a no-op, not an error.
	if err := b.Update(ctx, 1, syncstate.Update{}); err != nil {
		t.Errorf("empty update err = %v", err)
	}
}
