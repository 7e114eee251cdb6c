package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sparebook/callkit/internal/store"
)

func TestCreateAndGet(t *testing.T) {
	t.Parallel()
	m := New()
	ctx := context.Background()

	id, err := m.Create(ctx, "calls", map[string]any{"callerId": "alice"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id == "" {
		t.Fatal("Create returned empty id")
	}

	rec, err := m.Get(ctx, "calls", id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got, want := rec.Fields["callerId"], "alice"; got != want {
		t.Errorf("callerId = %v, want %v", got, want)
	}
	if _, ok := rec.Fields["createdAt"].(time.Time); !ok {
		t.Errorf("createdAt = %T, want time.Time", rec.Fields["createdAt"])
	}
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	m := New()

	_, err := m.Get(context.Background(), "calls", "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

func TestUpdateFieldsMerges(t *testing.T) {
	t.Parallel()
	m := New()
	ctx := context.Background()

	id, _ := m.Create(ctx, "calls", map[string]any{"status": "ringing", "type": "voice"})
	if err := m.UpdateFields(ctx, "calls", id, map[string]any{"status": "active"}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}

	rec, _ := m.Get(ctx, "calls", id)
	if got, want := rec.Fields["status"], "active"; got != want {
		t.Errorf("status = %v, want %v", got, want)
	}
	if got, want := rec.Fields["type"], "voice"; got != want {
		t.Errorf("type = %v, want %v", got, want)
	}
}

func TestAppendToArrayKeepsOrder(t *testing.T) {
	t.Parallel()
	m := New()
	ctx := context.Background()

	id, _ := m.Create(ctx, "calls", map[string]any{})
	want := []any{"a", "b", "c", "d"}
	for _, v := range want {
		if err := m.AppendToArray(ctx, "calls", id, "cands", v); err != nil {
			t.Fatalf("AppendToArray(%v): %v", v, err)
		}
	}

	rec, _ := m.Get(ctx, "calls", id)
	got, ok := rec.Fields["cands"].([]any)
	if !ok {
		t.Fatalf("cands = %T, want []any", rec.Fields["cands"])
	}
	if len(got) != len(want) {
		t.Fatalf("len(cands) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("cands[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSubscribeDeliversInWriteOrder(t *testing.T) {
	t.Parallel()
	m := New()
	ctx := context.Background()

	id, _ := m.Create(ctx, "calls", map[string]any{})

	snapshots := make(chan int, 64)
	cancel, err := m.Subscribe(ctx, "calls", id, func(rec store.Record) {
		snapshots <- rec.Fields["seq"].(int)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	const n = 20
	for i := 0; i < n; i++ {
		if err := m.UpdateFields(ctx, "calls", id, map[string]any{"seq": i}); err != nil {
			t.Fatalf("UpdateFields(%d): %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case got := <-snapshots:
			if got != i {
				t.Fatalf("snapshot %d carried seq %d", i, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for snapshot %d", i)
		}
	}
}

func TestSubscribeIsolatesSnapshots(t *testing.T) {
	t.Parallel()
	m := New()
	ctx := context.Background()

	id, _ := m.Create(ctx, "calls", map[string]any{})

	var mu sync.Mutex
	var seen []store.Record
	cancel, _ := m.Subscribe(ctx, "calls", id, func(rec store.Record) {
		mu.Lock()
		seen = append(seen, rec)
		mu.Unlock()
	})
	defer cancel()

	_ = m.AppendToArray(ctx, "calls", id, "cands", "a")
	_ = m.AppendToArray(ctx, "calls", id, "cands", "b")

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("saw %d snapshots, want 2", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	first := seen[0].Fields["cands"].([]any)
	if len(first) != 1 {
		t.Errorf("first snapshot has %d candidates, want 1 (snapshot mutated after delivery)", len(first))
	}
}

func TestSubscribeCancelIdempotent(t *testing.T) {
	t.Parallel()
	m := New()
	ctx := context.Background()

	id, _ := m.Create(ctx, "calls", map[string]any{})
	cancel, _ := m.Subscribe(ctx, "calls", id, func(store.Record) {})
	cancel()
	cancel()

	if err := m.UpdateFields(ctx, "calls", id, map[string]any{"x": 1}); err != nil {
		t.Fatalf("UpdateFields after cancel: %v", err)
	}
}

func TestQueryPredicates(t *testing.T) {
	t.Parallel()
	m := New()
	ctx := context.Background()

	a, _ := m.Create(ctx, "calls", map[string]any{"status": "ringing", "caller": "alice"})
	_, _ = m.Create(ctx, "calls", map[string]any{"status": "ended", "caller": "alice"})
	c, _ := m.Create(ctx, "calls", map[string]any{"status": "active", "caller": "bob"})

	recs, err := m.Query(ctx, "calls", store.Eq("status", "ringing"))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != a {
		t.Errorf("Eq query returned %v, want [%s]", ids(recs), a)
	}

	recs, err = m.Query(ctx, "calls", store.In("status", "ringing", "active"))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("In query returned %v, want ids %s and %s", ids(recs), a, c)
	}
}

func ids(recs []store.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
