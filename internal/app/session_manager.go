package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/tutorlink/internal/bootstrap"
	"github.com/MrWong99/tutorlink/internal/journal"
	"github.com/MrWong99/tutorlink/internal/session"
)

// ErrNoConversation is returned by Run when no conversation id was given and
// no bootstrap API is configured.
var ErrNoConversation = errors.New("app: no conversation id and no bootstrap api configured")

// statusAttempts is how many journal entries /status shows.
const statusAttempts = 10

// SessionInfo holds metadata about the conversation being run.
type SessionInfo struct {
	// ConversationID is the upstream conversation.
	ConversationID string

	// Bootstrapped is true when the id was created through the bootstrap
	// API rather than given by the caller.
	Bootstrapped bool

	// StartedAt is when Run began.
	StartedAt time.Time
}

// Run starts a voice session for conversationID and keeps it running until
// ctx ends. An empty conversationID is created through the bootstrap API.
//
// Run returns early with the error of the first start when the session
// cannot be established: invalid id, refused microphone, or an upstream that
// stayed unavailable through every retry. Later failures are handled by the
// session's own reconnect policy and visible in its snapshot.
func (a *App) Run(ctx context.Context, conversationID string) error {
	info, err := a.resolve(ctx, conversationID)
	if err != nil {
		return err
	}
	a.runMu.Lock()
	a.info = info
	a.runMu.Unlock()

	slog.Info("conversation starting",
		"conversation_id", info.ConversationID,
		"bootstrapped", info.Bootstrapped,
	)
	if err := a.manager.Start(ctx, info.ConversationID); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("app: start session: %w", err)
	}
	slog.Info("conversation ready", "conversation_id", info.ConversationID)

	<-ctx.Done()
	a.manager.End()
	return nil
}

// resolve returns the conversation to run, creating one when needed.
func (a *App) resolve(ctx context.Context, conversationID string) (SessionInfo, error) {
	info := SessionInfo{ConversationID: conversationID, StartedAt: time.Now().UTC()}
	if conversationID != "" {
		return info, nil
	}
	if a.bootstrap == nil {
		return SessionInfo{}, ErrNoConversation
	}
	id, err := a.bootstrap.Create(ctx, bootstrap.Request{
		SpecialtyFocus: a.cfg.Bootstrap.SpecialtyFocus,
		SessionType:    a.cfg.Bootstrap.SessionType,
	})
	if err != nil {
		return SessionInfo{}, fmt.Errorf("app: bootstrap conversation: %w", err)
	}
	info.ConversationID = id
	info.Bootstrapped = true
	return info, nil
}

// Info returns the metadata of the conversation passed to the latest Run.
func (a *App) Info() SessionInfo {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.info
}

// Say sends a typed user turn to the running session.
func (a *App) Say(ctx context.Context, text string) error {
	return a.manager.SendUtterance(ctx, text)
}

// StatusView is the JSON document served on /status.
type StatusView struct {
	ConversationID  string          `json:"conversation_id"`
	Bootstrapped    bool            `json:"bootstrapped"`
	State           string          `json:"state"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	CanRetry        bool            `json:"can_retry"`
	LastError       string          `json:"last_error,omitempty"`
	PendingQueue    int             `json:"pending_queue"`
	UserSpeaking    bool            `json:"user_speaking"`
	Messages        int64           `json:"messages_processed"`
	Errors          int64           `json:"errors_observed"`
	Reconnects      int64           `json:"reconnects"`
	UptimeSeconds   float64         `json:"uptime_seconds"`
	JournalDegraded bool            `json:"journal_degraded"`
	Attempts        []AttemptStatus `json:"recent_attempts"`
}

// AttemptStatus is one journal entry on /status.
type AttemptStatus struct {
	Attempt     uint64    `json:"attempt"`
	OpenedAt    time.Time `json:"opened_at,omitzero"`
	ClosedAt    time.Time `json:"closed_at"`
	CloseCode   int       `json:"close_code"`
	CloseReason string    `json:"close_reason,omitempty"`
	Class       string    `json:"class"`
}

// Status returns the current session and its recent connection attempts.
func (a *App) Status() any {
	return a.Report(context.Background())
}

// Report builds the status document.
func (a *App) Report(ctx context.Context) StatusView {
	snap := a.manager.Snapshot()
	info := a.Info()
	v := StatusView{
		ConversationID: snap.ConversationID,
		Bootstrapped:   info.Bootstrapped && info.ConversationID == snap.ConversationID,
		State:          snap.State.String(),
		RetryCount:     snap.RetryCount,
		MaxRetries:     snap.MaxRetries,
		CanRetry:       snap.CanRetry,
		LastError:      snap.LastError,
		PendingQueue:   snap.PendingQueueLength,
		UserSpeaking:   snap.UserSpeaking,
		Messages:       snap.Metrics.MessagesProcessed,
		Errors:         snap.Metrics.ErrorsObserved,
		Reconnects:     snap.Metrics.Reconnects,
		UptimeSeconds:  snap.Metrics.Uptime.Seconds(),
		Attempts:       []AttemptStatus{},
	}
	if snap.ConversationID != "" {
		entries, err := a.journal.List(ctx, snap.ConversationID, statusAttempts)
		if err != nil {
			slog.Warn("app: journal unavailable for status", "conversation_id", snap.ConversationID, "err", err)
		}
		v.Attempts = attemptStatuses(entries)
	}
	v.JournalDegraded = a.journal.IsDegraded()
	return v
}

func attemptStatuses(entries []journal.Entry) []AttemptStatus {
	out := make([]AttemptStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, AttemptStatus{
			Attempt:     e.AttemptID,
			OpenedAt:    e.OpenedAt,
			ClosedAt:    e.ClosedAt,
			CloseCode:   e.CloseCode,
			CloseReason: e.CloseReason,
			Class:       e.Class,
		})
	}
	return out
}

// Snapshot is a shorthand for the session manager's snapshot.
func (a *App) Snapshot() session.Snapshot { return a.manager.Snapshot() }
