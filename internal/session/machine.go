package session

import (
	"fmt"
	"time"

	"github.com/MrWong99/tutorlink/internal/protocol"
	"github.com/MrWong99/tutorlink/internal/transport"
)

// Event is an input to [Transition]. Every variant records when it happened;
// the transition function never reads a clock.
type Event interface {
	When() time.Time
}

// StartRequested asks to open a session for ConversationID. The id must be
// validated before the event is dispatched.
type StartRequested struct {
	ConversationID string
	At             time.Time
}

// ChannelOpened reports a successful dial for the current attempt.
type ChannelOpened struct{ At time.Time }

// ChannelOpenFailed reports a failed or timed-out dial.
type ChannelOpenFailed struct {
	Info transport.CloseInfo
	At   time.Time
}

// ChannelClosed reports that a live channel ended.
type ChannelClosed struct {
	Info transport.CloseInfo
	At   time.Time
}

// InboundReceived carries one decoded upstream message.
type InboundReceived struct {
	Msg protocol.Inbound
	At  time.Time
}

// OpenTimedOut reports that the attempt did not reach Ready within the open
// timeout.
type OpenTimedOut struct{ At time.Time }

// HeartbeatTick is one firing of the probe ticker.
type HeartbeatTick struct{ At time.Time }

// HeartbeatTimedOut forces a liveness timeout.
type HeartbeatTimedOut struct{ At time.Time }

// RetryTimerFired reports that the backoff delay elapsed.
type RetryTimerFired struct{ At time.Time }

// ForceRetryRequested is the caller's manual retry.
type ForceRetryRequested struct{ At time.Time }

// EndRequested is the caller's explicit end.
type EndRequested struct{ At time.Time }

// CaptureFailed reports that the audio input device could not be opened or
// failed while running.
type CaptureFailed struct {
	Err error
	At  time.Time
}

func (e StartRequested) When() time.Time      { return e.At }
func (e ChannelOpened) When() time.Time       { return e.At }
func (e ChannelOpenFailed) When() time.Time   { return e.At }
func (e ChannelClosed) When() time.Time       { return e.At }
func (e InboundReceived) When() time.Time     { return e.At }
func (e OpenTimedOut) When() time.Time        { return e.At }
func (e HeartbeatTick) When() time.Time       { return e.At }
func (e HeartbeatTimedOut) When() time.Time   { return e.At }
func (e RetryTimerFired) When() time.Time     { return e.At }
func (e ForceRetryRequested) When() time.Time { return e.At }
func (e EndRequested) When() time.Time        { return e.At }
func (e CaptureFailed) When() time.Time       { return e.At }

// Effect is an action requested by [Transition] and applied by the manager.
type Effect interface {
	effect()
}

// OpenChannel dials a new channel for AttemptID. The previous attempt's
// resources have already been released by earlier effects.
type OpenChannel struct{ AttemptID uint64 }

// CloseChannel releases the current channel. Abort drops it without a close
// handshake.
type CloseChannel struct {
	Reason string
	Abort  bool
}

// ArmOpenTimer starts the open timeout for AttemptID. It runs from the dial
// until session_ready.
type ArmOpenTimer struct{ AttemptID uint64 }

// DisarmOpenTimer stops the open timeout.
type DisarmOpenTimer struct{}

// StartHeartbeat arms the probe ticker.
type StartHeartbeat struct{ Interval time.Duration }

// StopHeartbeat disarms the probe ticker.
type StopHeartbeat struct{}

// SendPing sends a liveness probe.
type SendPing struct{}

// HeartbeatExpired reports that a liveness timeout fired.
type HeartbeatExpired struct{}

// StartCapture acquires the microphone and starts streaming frames.
type StartCapture struct{}

// StopCapture releases the microphone.
type StopCapture struct{}

// ScheduleRetry arms the reconnect timer.
type ScheduleRetry struct {
	Delay time.Duration
	Class Class
}

// CancelRetry disarms the reconnect timer.
type CancelRetry struct{}

// PlayAudio queues a base64 PCM16 fragment for playback.
type PlayAudio struct{ Fragment string }

// FlushPlayback drops queued and playing audio.
type FlushPlayback struct{}

// EmitUtterance delivers assistant transcript to the caller.
type EmitUtterance struct{ Utterance Utterance }

// RecordAttempt reports a finished connection attempt.
type RecordAttempt struct{ Attempt ConnectionAttempt }

func (OpenChannel) effect()      {}
func (ArmOpenTimer) effect()     {}
func (DisarmOpenTimer) effect()  {}
func (CloseChannel) effect()     {}
func (StartHeartbeat) effect()   {}
func (StopHeartbeat) effect()    {}
func (SendPing) effect()         {}
func (HeartbeatExpired) effect() {}
func (StartCapture) effect()     {}
func (StopCapture) effect()      {}
func (ScheduleRetry) effect()    {}
func (CancelRetry) effect()      {}
func (PlayAudio) effect()        {}
func (FlushPlayback) effect()    {}
func (EmitUtterance) effect()    {}
func (RecordAttempt) effect()    {}

const endReason = "client ended session"

// Transition computes the next session value and the effects to apply for
// ev. It is pure: s is passed by value and nothing outside it is read or
// written. Events that do not apply to the current state return s unchanged
// and no effects.
func Transition(s Session, ev Event, p Policy) (Session, []Effect) {
	switch ev := ev.(type) {
	case StartRequested:
		if s.State != Disconnected {
			return s, nil
		}
		s.ConversationID = ev.ConversationID
		s.MaxRetries = p.MaxRetries
		s.RetryCount = 0
		s.CanRetry = true
		s.Exhausted = false
		s.RetryPending = false
		s.LastError = ""
		s.PendingQueueLength = 0
		s.Metrics = Metrics{}
		return connect(s, ev.At)

	case ChannelOpened:
		if s.State != Connecting || s.RetryPending {
			return s, nil
		}
		s.State = Configuring
		s.Attempt.OpenedAt = ev.At
		s.Heartbeat.LastAckAt = ev.At
		return s, []Effect{StartHeartbeat{Interval: s.Heartbeat.Interval}}

	case ChannelOpenFailed:
		if s.State != Connecting || s.RetryPending {
			return s, nil
		}
		return fail(s, p, failureFrom(ev.Info), ev.At)

	case OpenTimedOut:
		if (s.State != Connecting && s.State != Configuring) || s.RetryPending {
			return s, nil
		}
		return fail(s, p, failure{
			class:   ClassAbnormal,
			code:    transport.CodeAbnormal,
			reason:  "open timeout",
			message: "session not ready within open timeout",
		}, ev.At)

	case ChannelClosed:
		if !s.channelLive() {
			return s, nil
		}
		return fail(s, p, failureFrom(ev.Info), ev.At)

	case InboundReceived:
		if !s.channelLive() || s.State == Connecting {
			return s, nil
		}
		return receive(s, p, ev.Msg, ev.At)

	case HeartbeatTick:
		if !s.channelLive() || s.State == Connecting {
			return s, nil
		}
		if _, timedOut := s.Heartbeat.Tick(ev.At); timedOut {
			return heartbeatTimeout(s, p, ev.At)
		}
		return s, []Effect{SendPing{}}

	case HeartbeatTimedOut:
		if !s.channelLive() || s.State == Connecting {
			return s, nil
		}
		return heartbeatTimeout(s, p, ev.At)

	case RetryTimerFired:
		if s.State != Reconnecting || !s.RetryPending {
			return s, nil
		}
		s.RetryPending = false
		s.Metrics.Reconnects++
		return connect(s, ev.At, CancelRetry{})

	case ForceRetryRequested:
		if s.State != Error {
			return s, nil
		}
		s.RetryCount = 0
		s.CanRetry = true
		s.Exhausted = false
		return connect(s, ev.At)

	case EndRequested:
		return end(s, ev.At)

	case CaptureFailed:
		if !s.channelLive() {
			return s, nil
		}
		return fail(s, p, failure{
			class:   ClassUnrecoverable,
			reason:  "audio capture failed",
			message: fmt.Sprintf("audio capture: %v", ev.Err),
		}, ev.At)
	}
	return s, nil
}

// connect begins a new attempt.
func connect(s Session, at time.Time, pre ...Effect) (Session, []Effect) {
	s.State = Connecting
	s.Attempt = ConnectionAttempt{ID: s.Attempt.ID + 1, OpenedAt: at}
	s.UserSpeaking = false
	s.transcript = ""
	return s, append(pre, ArmOpenTimer{AttemptID: s.Attempt.ID}, OpenChannel{AttemptID: s.Attempt.ID})
}

func receive(s Session, p Policy, msg protocol.Inbound, at time.Time) (Session, []Effect) {
	s.Metrics.MessagesProcessed++
	if protocol.IsLivenessAck(msg) {
		s.Heartbeat.Ack(at)
	}
	if q := msg.Meta().QueueLength; q != nil {
		s.PendingQueueLength = *q
	}

	if reason, ok := protocol.Unrecoverable(msg); ok {
		return fail(s, p, upstreamFailure(msg.Type(), reason), at)
	}

	switch m := msg.(type) {
	case protocol.SessionReady:
		return ready(s, at)

	case protocol.SessionRecovery:
		if s.State == Reconnecting {
			return ready(s, at)
		}

	case protocol.Reconnecting:
		if s.State != Ready && s.State != Configuring {
			return s, nil
		}
		var effects []Effect
		if s.State == Ready {
			leaveReady(&s, at)
			effects = append(effects, StopCapture{})
		}
		s.State = Reconnecting
		s.LastError = fmt.Sprintf("upstream reconnecting (attempt %d of %d)", m.Attempt, m.MaxAttempts)
		return s, effects

	case protocol.ErrorMessage:
		switch {
		case !m.Retryable():
			return fail(s, p, upstreamFailure(m.Type(), m.Message), at)
		case m.ReconnectSuggested:
			f := upstreamFailure(m.Type(), m.Message)
			f.class = ClassTransport
			return fail(s, p, f, at)
		}
		s.Metrics.ErrorsObserved++
		s.LastError = describeUpstream(m.Type(), m.Message)

	case protocol.AudioDelta:
		if m.AudioContent != "" {
			return s, []Effect{PlayAudio{Fragment: m.AudioContent}}
		}

	case protocol.TranscriptDelta:
		if m.Transcript == "" {
			return s, nil
		}
		s.transcript += m.Transcript
		return s, []Effect{EmitUtterance{Utterance: Utterance{Text: m.Transcript}}}

	case protocol.TranscriptDone:
		text := m.Transcript
		if text == "" {
			text = s.transcript
		}
		s.transcript = ""
		if text == "" {
			return s, nil
		}
		return s, []Effect{EmitUtterance{Utterance: Utterance{Text: text, Final: true}}}

	case protocol.SpeechStarted:
		s.UserSpeaking = true
		return s, []Effect{FlushPlayback{}}

	case protocol.SpeechStopped:
		s.UserSpeaking = false

	case protocol.SessionEnded:
		f := failure{code: m.CloseCode, reason: m.CloseReason}
		switch {
		case !m.WasUnexpected:
			f.class = ClassClean
			f.clean = true
		case m.CanRetry != nil && !*m.CanRetry:
			f.class = ClassUnrecoverable
		case m.CloseCode == transport.CodeAbnormal:
			f.class = ClassAbnormal
		default:
			f.class = ClassTransport
		}
		f.message = fmt.Sprintf("upstream session ended (code %d)", m.CloseCode)
		if m.CloseReason != "" {
			f.message += ": " + m.CloseReason
		}
		return fail(s, p, f, at)
	}
	return s, nil
}

// ready enters Ready. It is the only place that emits StartCapture, and
// only from a state where capture is not already running.
func ready(s Session, at time.Time) (Session, []Effect) {
	if s.State != Configuring && s.State != Reconnecting {
		return s, nil
	}
	s.State = Ready
	s.ReadySince = at
	s.RetryCount = 0
	s.CanRetry = true
	s.Exhausted = false
	s.LastError = ""
	return s, []Effect{DisarmOpenTimer{}, StartCapture{}}
}

func heartbeatTimeout(s Session, p Policy, at time.Time) (Session, []Effect) {
	next, effects := fail(s, p, failure{
		class:   ClassAbnormal,
		code:    transport.CodeAbnormal,
		reason:  "heartbeat timeout",
		message: fmt.Sprintf("no liveness ack for %s", at.Sub(s.Heartbeat.LastAckAt).Round(time.Second)),
	}, at)
	return next, append([]Effect{HeartbeatExpired{}}, effects...)
}

// failure is a classified channel failure.
type failure struct {
	class   Class
	code    int
	reason  string
	clean   bool
	message string
}

func failureFrom(info transport.CloseInfo) failure {
	return failure{
		class:   classOf(info.Kind),
		code:    info.Code,
		reason:  info.Reason,
		clean:   info.WasClean,
		message: info.String(),
	}
}

func upstreamFailure(t protocol.MessageType, msg string) failure {
	return failure{
		class:   ClassUnrecoverable,
		reason:  string(t),
		message: describeUpstream(t, msg),
	}
}

func describeUpstream(t protocol.MessageType, msg string) string {
	if msg == "" {
		return string(t)
	}
	return fmt.Sprintf("%s: %s", t, msg)
}

// fail releases the attempt and lets the policy pick the next state.
func fail(s Session, p Policy, f failure, at time.Time) (Session, []Effect) {
	leaveReady(&s, at)
	s.Attempt.ClosedAt = at
	s.Attempt.CloseCode = f.code
	s.Attempt.CloseReason = f.reason
	s.Attempt.WasClean = f.clean
	s.Attempt.Class = f.class
	s.UserSpeaking = false
	s.transcript = ""

	effects := []Effect{
		DisarmOpenTimer{},
		StopCapture{},
		StopHeartbeat{},
		CloseChannel{Reason: f.reason, Abort: f.class != ClassClean},
		RecordAttempt{Attempt: s.Attempt},
	}

	if f.class == ClassClean {
		s.State = Disconnected
		return s, effects
	}

	s.Metrics.ErrorsObserved++
	s.LastError = f.message

	if f.class == ClassUnrecoverable {
		s.State = Error
		s.CanRetry = false
		return s, effects
	}

	d := p.Evaluate(s.RetryCount, f.class)
	if !d.Retry {
		s.State = Error
		s.CanRetry = false
		s.Exhausted = d.Exhausted
		return s, effects
	}
	s.State = Reconnecting
	s.RetryPending = true
	s.RetryCount++
	return s, append(effects, ScheduleRetry{Delay: d.Delay, Class: f.class})
}

func end(s Session, at time.Time) (Session, []Effect) {
	if s.State == Disconnected {
		return s, nil
	}
	wasLive := s.channelLive()
	leaveReady(&s, at)

	effects := []Effect{
		CancelRetry{},
		DisarmOpenTimer{},
		StopCapture{},
		StopHeartbeat{},
		CloseChannel{Reason: endReason},
		FlushPlayback{},
	}
	if wasLive {
		s.Attempt.ClosedAt = at
		s.Attempt.CloseCode = 1000
		s.Attempt.CloseReason = endReason
		s.Attempt.WasClean = true
		s.Attempt.Class = ClassClean
		effects = append(effects, RecordAttempt{Attempt: s.Attempt})
	}
	s.State = Disconnected
	s.RetryPending = false
	s.UserSpeaking = false
	s.transcript = ""
	return s, effects
}

func leaveReady(s *Session, at time.Time) {
	if s.State != Ready || s.ReadySince.IsZero() {
		return
	}
	if at.After(s.ReadySince) {
		s.Metrics.Uptime += at.Sub(s.ReadySince)
	}
	s.ReadySince = time.Time{}
}
