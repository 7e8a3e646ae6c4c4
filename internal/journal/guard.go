package journal

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

// Guard wraps a [Store] and makes writes and reads non-fatal. If the
// underlying store fails, Append and List log a warning and return defaults
// instead of propagating the error. IsDegraded reports whether the most
// recent operation failed.
//
// Ping is passed through so readiness checks still see the failure.
//
// All methods are safe for concurrent use.
type Guard struct {
	store    Store
	degraded atomic.Bool
}

var _ Store = (*Guard)(nil)

// NewGuard creates a [Guard] wrapping store.
func NewGuard(store Store) *Guard {
	return &Guard{store: store}
}

// Append writes e to the underlying store. Failures are logged and
// swallowed.
func (g *Guard) Append(ctx context.Context, e Entry) error {
	if err := g.store.Append(ctx, e); err != nil {
		g.degraded.Store(true)
		slog.Warn("journal: append failed, dropping entry",
			"conversation_id", e.ConversationID,
			"attempt", e.AttemptID,
			"err", err,
		)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// List returns an empty slice when the underlying store fails.
func (g *Guard) List(ctx context.Context, conversationID string, limit int) ([]Entry, error) {
	entries, err := g.store.List(ctx, conversationID, limit)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("journal: list failed, returning empty",
			"conversation_id", conversationID,
			"err", err,
		)
		return []Entry{}, nil
	}
	g.degraded.Store(false)
	return entries, nil
}

// Get passes [ErrNotFound] through and swallows every other failure as
// ErrNotFound.
func (g *Guard) Get(ctx context.Context, id string) (Entry, error) {
	e, err := g.store.Get(ctx, id)
	switch {
	case err == nil:
		g.degraded.Store(false)
		return e, nil
	case errors.Is(err, ErrNotFound):
		g.degraded.Store(false)
		return Entry{}, ErrNotFound
	default:
		g.degraded.Store(true)
		slog.Warn("journal: get failed", "id", id, "err", err)
		return Entry{}, ErrNotFound
	}
}

// Ping delegates to the underlying store and updates the degraded flag.
func (g *Guard) Ping(ctx context.Context) error {
	err := g.store.Ping(ctx)
	g.degraded.Store(err != nil)
	return err
}

// IsDegraded reports whether the most recent operation on the underlying
// store failed.
func (g *Guard) IsDegraded() bool {
	return g.degraded.Load()
}
