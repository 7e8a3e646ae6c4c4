// Package journal records finished connection attempts per conversation.
//
// Every physical channel the session manager opens ends up as one [Entry]:
// when it opened, how it closed and how the close was classified. The
// journal is diagnostic; callers wrap their store in a [Guard] so a failing
// backend never interrupts a voice session.
package journal

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by [Store.Get] when no entry has the given id.
var ErrNotFound = errors.New("journal: entry not found")

// DefaultListLimit is used when List is called with a non-positive limit.
const DefaultListLimit = 100

// Entry is one finished connection attempt.
type Entry struct {
	// ID is assigned by the store on Append when empty.
	ID string

	ConversationID string

	// AttemptID is the session-local attempt counter.
	AttemptID uint64

	// OpenedAt is zero when the channel never opened.
	OpenedAt time.Time
	ClosedAt time.Time

	CloseCode   int
	CloseReason string
	WasClean    bool

	// Class is the failure classification, e.g. "abnormal".
	Class string

	// RecordedAt is set by the store on Append when zero.
	RecordedAt time.Time
}

// Store persists journal entries. Implementations must be safe for
// concurrent use.
type Store interface {
	// Append stores e. It fills ID and RecordedAt when they are empty.
	Append(ctx context.Context, e Entry) error

	// List returns the most recent entries of a conversation, newest first.
	// A conversation without entries yields an empty slice.
	List(ctx context.Context, conversationID string, limit int) ([]Entry, error)

	// Get returns one entry or [ErrNotFound].
	Get(ctx context.Context, id string) (Entry, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
