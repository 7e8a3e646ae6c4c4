// Package session implements the real-time voice session connection manager.
//
// The state machine is a pure function, [Transition], over an owned
// [Session] value. It returns the next value and a list of [Effect]s that the
// [Manager] applies: opening and closing the channel, starting and stopping
// audio capture, arming the heartbeat ticker and the retry timer, playing
// audio, and emitting utterances. Every input (caller calls, channel reads,
// timer fires, capture errors) becomes an [Event] and is dispatched under a
// single lock, so effects never race with each other.
//
// Reconnect decisions are made by [Policy] alone. Upstream retry hints only
// influence how a failure is classified.
package session

import "time"

// State is a connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Configuring
	Ready
	Reconnecting
	Error
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Configuring:
		return "configuring"
	case Ready:
		return "ready"
	case Reconnecting:
		return "reconnecting"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// live reports whether a channel is expected to exist in state s.
func (s State) live() bool {
	return s == Connecting || s == Configuring || s == Ready || s == Reconnecting
}

// Metrics are the session counters exposed to the caller.
type Metrics struct {
	MessagesProcessed int64
	ErrorsObserved    int64
	Reconnects        int64

	// Uptime is the cumulative time spent in Ready, excluding the current
	// Ready period. [Session.Snapshot] includes it.
	Uptime time.Duration
}

// ConnectionAttempt describes one physical channel instance.
type ConnectionAttempt struct {
	ID          uint64
	OpenedAt    time.Time
	ClosedAt    time.Time
	CloseCode   int
	CloseReason string
	WasClean    bool
	Class       Class
}

// Utterance is a piece of assistant transcript.
type Utterance struct {
	Text string

	// Final is true for the completed transcript of a turn. Partial deltas
	// have Final false and carry only the new text.
	Final bool
}

// Session is the unit of interaction with the upstream service. Only
// [Transition] mutates it.
type Session struct {
	ConversationID string
	State          State

	// RetryCount counts retries scheduled since the session was last Ready.
	// Reaching Ready or a forced retry resets it to zero. A failure while it
	// equals MaxRetries moves the session to Error.
	RetryCount int
	MaxRetries int
	CanRetry   bool
	Exhausted  bool

	// RetryPending is true while a local reconnect timer is armed. An
	// upstream-announced recovery is Reconnecting with RetryPending false
	// and the channel still open.
	RetryPending bool

	LastError          string
	Metrics            Metrics
	PendingQueueLength int

	Heartbeat Heartbeat
	Attempt   ConnectionAttempt

	ReadySince   time.Time
	UserSpeaking bool

	transcript string
}

// NewSession returns a disconnected session for conversationID.
func NewSession(conversationID string, p Policy, hb Heartbeat) Session {
	return Session{
		ConversationID: conversationID,
		State:          Disconnected,
		MaxRetries:     p.MaxRetries,
		CanRetry:       true,
		Heartbeat:      hb,
	}
}

// channelLive reports whether the session currently owns an open channel
// or one being dialled.
func (s Session) channelLive() bool {
	return s.State.live() && !s.RetryPending
}

// Snapshot is an immutable copy of the caller-visible session fields.
type Snapshot struct {
	ConversationID     string
	State              State
	RetryCount         int
	MaxRetries         int
	CanRetry           bool
	Exhausted          bool
	LastError          string
	Metrics            Metrics
	PendingQueueLength int
	Attempt            ConnectionAttempt
	UserSpeaking       bool
}

// Snapshot returns the caller-visible view of s at now. Metrics.Uptime
// includes the current Ready period.
func (s Session) Snapshot(now time.Time) Snapshot {
	m := s.Metrics
	if s.State == Ready && !s.ReadySince.IsZero() && now.After(s.ReadySince) {
		m.Uptime += now.Sub(s.ReadySince)
	}
	return Snapshot{
		ConversationID:     s.ConversationID,
		State:              s.State,
		RetryCount:         s.RetryCount,
		MaxRetries:         s.MaxRetries,
		CanRetry:           s.CanRetry,
		Exhausted:          s.Exhausted,
		LastError:          s.LastError,
		Metrics:            m,
		PendingQueueLength: s.PendingQueueLength,
		Attempt:            s.Attempt,
		UserSpeaking:       s.UserSpeaking,
	}
}
