package journal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemory_AppendAndList(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	for i := range 5 {
		err := m.Append(ctx, Entry{
			ConversationID: "conv-1",
			AttemptID:      uint64(i + 1),
			ClosedAt:       t0.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	_ = m.Append(ctx, Entry{ConversationID: "conv-2", ClosedAt: t0})

	got, err := m.List(ctx, "conv-1", 3)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	for i, want := range []uint64{5, 4, 3} {
		if got[i].AttemptID != want {
			t.Errorf("got[%d].AttemptID = %d, want %d", i, got[i].AttemptID, want)
		}
		if got[i].ID == "" || got[i].RecordedAt.IsZero() {
			t.Errorf("got[%d] missing id or recorded_at: %+v", i, got[i])
		}
	}

	all, _ := m.List(ctx, "conv-1", 0)
	if len(all) != 5 {
		t.Errorf("List with default limit = %d entries, want 5", len(all))
	}
	if m.Len() != 6 {
		t.Errorf("Len = %d, want 6", m.Len())
	}
}

func TestMemory_ListUnknownConversation(t *testing.T) {
	t.Parallel()
	got, err := NewMemory().List(context.Background(), "nobody", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("got %#v, want empty non-nil slice", got)
	}
}

func TestMemory_Get(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()
	_ = m.Append(ctx, Entry{ID: "fixed", ConversationID: "conv-1", CloseCode: 1000})
	_ = m.Append(ctx, Entry{ID: "fixed", ConversationID: "conv-1", CloseCode: 1006})

	e, err := m.Get(ctx, "fixed")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.CloseCode != 1006 {
		t.Errorf("CloseCode = %d, want the replaced entry", e.CloseCode)
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
	if _, err := m.Get(ctx, "other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemory_Concurrent(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()
	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			_ = m.Append(ctx, Entry{ConversationID: "conv-1", ClosedAt: time.Now()})
			_, _ = m.List(ctx, "conv-1", 5)
		})
	}
	wg.Wait()
	if m.Len() != 20 {
		t.Errorf("Len = %d, want 20", m.Len())
	}
}

// failingStore fails every call with err.
type failingStore struct{ err error }

func (f failingStore) Append(context.Context, Entry) error { return f.err }
func (f failingStore) List(context.Context, string, int) ([]Entry, error) {
	return nil, f.err
}
func (f failingStore) Get(context.Context, string) (Entry, error) { return Entry{}, f.err }
func (f failingStore) Ping(context.Context) error                 { return f.err }

func TestGuard_SwallowsFailures(t *testing.T) {
	t.Parallel()
	g := NewGuard(failingStore{err: errors.New("db down")})
	ctx := context.Background()

	if err := g.Append(ctx, Entry{ConversationID: "conv-1"}); err != nil {
		t.Errorf("Append: %v, want nil", err)
	}
	if !g.IsDegraded() {
		t.Error("expected degraded after failed append")
	}
	got, err := g.List(ctx, "conv-1", 10)
	if err != nil || got == nil || len(got) != 0 {
		t.Errorf("List = %#v, %v; want empty, nil", got, err)
	}
	if _, err := g.Get(ctx, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get err = %v, want ErrNotFound", err)
	}
	if err := g.Ping(ctx); err == nil {
		t.Error("Ping must report the failure")
	}
}

func TestGuard_RecoversFromDegraded(t *testing.T) {
	t.Parallel()
	g := NewGuard(NewMemory())
	g.degraded.Store(true)
	ctx := context.Background()

	if err := g.Append(ctx, Entry{ID: "a", ConversationID: "conv-1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if g.IsDegraded() {
		t.Error("expected healthy after successful append")
	}
	e, err := g.Get(ctx, "a")
	if err != nil || e.ConversationID != "conv-1" {
		t.Errorf("Get = %+v, %v", e, err)
	}
	if _, err := g.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if g.IsDegraded() {
		t.Error("a missing entry must not mark the store degraded")
	}
}
