package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/tutorlink/internal/observe"
	"github.com/MrWong99/tutorlink/internal/protocol"
	"github.com/MrWong99/tutorlink/internal/transport"
	"github.com/MrWong99/tutorlink/pkg/audio"
	"github.com/MrWong99/tutorlink/pkg/audio/capture"
	"github.com/MrWong99/tutorlink/pkg/audio/playback"
)

// Hooks receive session output. Every hook is optional. Hooks run one at a
// time, in the order the underlying events happened, on a goroutine owned by
// the manager; they may call back into the manager.
type Hooks struct {
	// OnState receives a snapshot after every state change.
	OnState func(Snapshot)

	// OnUtterance receives assistant transcript deltas and final texts.
	OnUtterance func(Utterance)

	// OnSpeaking receives playback speaking edges.
	OnSpeaking func(speaking bool)

	// OnPendingQueue receives the server-reported pending queue length when
	// it changes.
	OnPendingQueue func(n int)

	// OnMetrics receives the session counters when they change.
	OnMetrics func(Metrics)

	// OnAttempt receives every finished connection attempt.
	OnAttempt func(conversationID string, a ConnectionAttempt)
}

// Config configures a [Manager].
type Config struct {
	// URL is the upstream WebSocket endpoint. The conversation id is added
	// as the conversationId query parameter.
	URL string

	// Dialer opens channels. Required.
	Dialer transport.Dialer

	// Device is the microphone. Nil runs the session without capture.
	Device audio.CaptureDevice

	// Speaker plays assistant audio. Nil discards it.
	Speaker audio.Speaker

	// Policy is the reconnect policy. Zero value uses [DefaultPolicy].
	Policy Policy

	// ProbeInterval and HeartbeatTimeout default to 30s and 35s.
	ProbeInterval    time.Duration
	HeartbeatTimeout time.Duration

	// OpenTimeout bounds each attempt from dial to session_ready. Defaults
	// to 25s.
	OpenTimeout time.Duration

	// Format and FrameSize configure capture. Defaults are 24 kHz mono and
	// 4096 samples.
	Format    audio.Format
	FrameSize int

	// Metrics records instrumentation. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics

	Hooks Hooks

	// Clock defaults to the system clock.
	Clock Clock
}

// Manager owns one [Session] at a time and the resources of its current
// connection attempt. All methods are safe for concurrent use.
type Manager struct {
	cfg     Config
	clock   Clock
	metrics *observe.Metrics
	notify  *notifier

	mu           sync.Mutex
	s            Session
	policy       Policy
	dialURL      string
	ctx          context.Context
	cancel       context.CancelFunc
	link         *link
	lastReleased <-chan struct{}
	releasing    []*link
	dialDone     <-chan struct{}
	capture      *capture.Capture
	player       *playback.Player
	ticker       Ticker
	tickerStop   chan struct{}
	retry        Timer
	openTimer    Timer
	span         *observe.AttemptSpan
	captureErr   error
	changed      chan struct{} // closed and replaced on every state change
}

// NewManager validates cfg and returns an idle manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("session: dialer is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("session: invalid upstream url %q", cfg.URL)
	}
	if cfg.Policy.MaxRetries == 0 && cfg.Policy.Abnormal == (Backoff{}) && cfg.Policy.Transport == (Backoff{}) {
		rnd := cfg.Policy.Rand
		cfg.Policy = DefaultPolicy()
		cfg.Policy.Rand = rnd
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	hb, err := NewHeartbeat(cfg.ProbeInterval, cfg.HeartbeatTimeout)
	if err != nil {
		return nil, err
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = transport.DefaultOpenTimeout
	}
	if cfg.Format == (audio.Format{}) {
		cfg.Format = audio.DefaultFormat()
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = audio.DefaultFrameSize
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	return &Manager{
		cfg:     cfg,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		notify:  newNotifier(),
		s:       NewSession("", cfg.Policy, hb),
		policy:  cfg.Policy,
		ctx:     context.Background(),
		changed: make(chan struct{}),
	}, nil
}

// Start opens a session for conversationID and blocks until it is Ready,
// fails, or ctx ends. An invalid id returns a [*ValidationError] without any
// side effect. If the microphone cannot be opened the returned error wraps
// [audio.ErrDeviceAccess]. If ctx ends first the session is ended.
func (m *Manager) Start(ctx context.Context, conversationID string) error {
	if err := ValidateConversationID(conversationID); err != nil {
		return err
	}

	m.mu.Lock()
	if m.s.State != Disconnected {
		m.mu.Unlock()
		return ErrActive
	}
	prevPlayer, prevCancel := m.player, m.cancel
	m.player, m.cancel = nil, nil
	m.dialURL = withConversation(m.cfg.URL, conversationID)
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.captureErr = nil
	if m.cfg.Speaker != nil {
		m.player = playback.New(m.cfg.Speaker, playback.WithFormat(m.cfg.Format))
		m.player.OnSpeaking(func(speaking bool) {
			m.notify.push(func() {
				if m.cfg.Hooks.OnSpeaking != nil {
					m.cfg.Hooks.OnSpeaking(speaking)
				}
			})
		})
	}
	slog.Info("session: starting", "conversation_id", conversationID)
	m.runLocked(StartRequested{ConversationID: conversationID, At: m.clock.Now()})
	m.unlock()

	// A session that closed cleanly upstream still holds its player and
	// context until the next Start.
	if prevCancel != nil {
		prevCancel()
	}
	if prevPlayer != nil {
		_ = prevPlayer.Close()
	}

	return m.await(ctx)
}

// End ends the session from any state. It sets Disconnected and, before
// returning, releases the channel, the heartbeat ticker, the retry timer, the
// capture device and the player. Calling it again is a no-op.
func (m *Manager) End() {
	m.mu.Lock()
	m.runLocked(EndRequested{At: m.clock.Now()})
	player := m.player
	m.player = nil
	cancel := m.cancel
	m.cancel = nil
	dialDone := m.dialDone
	released := m.lastReleased
	m.unlock()

	if cancel != nil {
		cancel()
	}
	if dialDone != nil {
		<-dialDone
	}
	if released != nil {
		<-released
	}
	if player != nil {
		_ = player.Close()
	}
}

// ForceRetry restarts a session that is in Error, resetting the retry count.
// It blocks like [Manager.Start].
func (m *Manager) ForceRetry(ctx context.Context) error {
	m.mu.Lock()
	if m.s.State != Error {
		m.mu.Unlock()
		return ErrNotFailed
	}
	m.captureErr = nil
	slog.Info("session: force retry", "conversation_id", m.s.ConversationID)
	m.runLocked(ForceRetryRequested{At: m.clock.Now()})
	m.unlock()

	return m.await(ctx)
}

// SendUtterance injects a user text turn. Outside Ready it does nothing.
func (m *Manager) SendUtterance(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return &ValidationError{Field: "utterance", Reason: "must not be empty"}
	}

	m.mu.Lock()
	l := m.link
	if m.s.State != Ready {
		l = nil
	}
	m.mu.Unlock()
	if l == nil {
		return nil
	}

	for _, v := range []any{protocol.NewUserText(text), protocol.NewCreateResponse()} {
		select {
		case l.out <- v:
		case <-l.ctx.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// SetPolicy replaces the reconnect policy for later failures. The retry cap
// of a running session changes on its next start.
func (m *Manager) SetPolicy(p Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = p
}

// Snapshot returns the current caller-visible session state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.Snapshot(m.clock.Now())
}

// Idle returns a channel closed once every hook queued so far has run.
func (m *Manager) Idle() <-chan struct{} {
	return m.notify.wait()
}

func (m *Manager) await(ctx context.Context) error {
	for {
		m.mu.Lock()
		state, changed := m.s.State, m.changed
		capErr, lastErr := m.captureErr, m.s.LastError
		m.mu.Unlock()

		switch state {
		case Ready:
			return nil
		case Disconnected:
			return fmt.Errorf("%w: session ended before ready", ErrUnavailable)
		case Error:
			if capErr != nil {
				return fmt.Errorf("session: start capture: %w", capErr)
			}
			return fmt.Errorf("%w: %s", ErrUnavailable, lastErr)
		}

		select {
		case <-changed:
		case <-ctx.Done():
			m.End()
			return ctx.Err()
		}
	}
}

// dispatch runs ev if it belongs to the current attempt.
func (m *Manager) dispatch(attemptID uint64, ev Event) {
	m.mu.Lock()
	if attemptID != m.s.Attempt.ID {
		m.mu.Unlock()
		return
	}
	m.runLocked(ev)
	m.unlock()
}

// runLocked feeds ev and any follow-up events through the transition
// function and applies the resulting effects in order.
func (m *Manager) runLocked(ev Event) {
	queue := []Event{ev}
	for len(queue) > 0 {
		ev := queue[0]
		queue = queue[1:]

		prev := m.s
		next, effects := Transition(m.s, ev, m.policy)
		m.s = next
		m.observeLocked(prev)
		for _, e := range effects {
			if follow := m.apply(e); follow != nil {
				queue = append(queue, follow)
			}
		}
	}
}

// unlock releases the lock and then gracefully closes channels released
// while it was held.
func (m *Manager) unlock() {
	pending := m.releasing
	m.releasing = nil
	reason := endReason
	if m.s.Attempt.CloseReason != "" {
		reason = m.s.Attempt.CloseReason
	}
	m.mu.Unlock()

	for _, l := range pending {
		l.close(reason)
	}
}

func (m *Manager) apply(e Effect) Event {
	switch e := e.(type) {
	case ArmOpenTimer:
		m.armOpenTimer(e.AttemptID)
	case DisarmOpenTimer:
		if m.openTimer != nil {
			m.openTimer.Stop()
			m.openTimer = nil
		}
	case OpenChannel:
		m.openChannel(e.AttemptID)
	case CloseChannel:
		m.closeChannel(e)
	case StartHeartbeat:
		m.startHeartbeat(e.Interval)
	case StopHeartbeat:
		m.stopHeartbeat()
	case SendPing:
		if m.link != nil && !m.link.offer(protocol.NewPing()) {
			slog.Warn("session: outbound queue full, probe skipped", "attempt", m.link.id)
		}
	case HeartbeatExpired:
		m.metrics.HeartbeatTimeouts.Add(m.ctx, 1)
		slog.Warn("session: heartbeat timeout", "conversation_id", m.s.ConversationID, "attempt", m.s.Attempt.ID)
	case StartCapture:
		return m.startCapture()
	case StopCapture:
		m.stopCapture()
	case ScheduleRetry:
		m.scheduleRetry(e)
	case CancelRetry:
		if m.retry != nil {
			m.retry.Stop()
			m.retry = nil
		}
	case PlayAudio:
		if m.player != nil {
			_ = m.player.Enqueue(e.Fragment)
		}
	case FlushPlayback:
		if m.player != nil {
			m.player.Flush()
		}
	case EmitUtterance:
		u := e.Utterance
		m.notify.push(func() {
			if m.cfg.Hooks.OnUtterance != nil {
				m.cfg.Hooks.OnUtterance(u)
			}
		})
	case RecordAttempt:
		m.recordAttempt(e.Attempt)
	}
	return nil
}

func (m *Manager) armOpenTimer(attemptID uint64) {
	if m.openTimer != nil {
		m.openTimer.Stop()
	}
	m.openTimer = m.clock.AfterFunc(m.cfg.OpenTimeout, func() {
		m.dispatch(attemptID, OpenTimedOut{At: m.clock.Now()})
	})
}

func (m *Manager) openChannel(attemptID uint64) {
	m.span = observe.StartAttempt(m.ctx, m.s.ConversationID, attemptID, m.s.RetryCount)

	done := make(chan struct{})
	m.dialDone = done
	go m.dial(m.ctx, m.span.Logger(), attemptID, m.dialURL, m.lastReleased, done)
}

// dial opens the channel for attemptID once the previous attempt's channel
// is fully released. log carries the attempt's trace ids.
func (m *Manager) dial(ctx context.Context, log *slog.Logger, attemptID uint64, target string, prev <-chan struct{}, done chan struct{}) {
	defer close(done)
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	dctx, cancel := context.WithTimeout(ctx, m.cfg.OpenTimeout)
	ch, err := m.cfg.Dialer.Dial(dctx, target)
	cancel()

	m.mu.Lock()
	if attemptID != m.s.Attempt.ID || m.s.State != Connecting || ctx.Err() != nil {
		m.mu.Unlock()
		if ch != nil {
			_ = ch.Abort()
		}
		return
	}
	if err != nil {
		info := transport.Classify(err)
		log.Warn("session: open channel failed", "kind", info.Kind, "err", err)
		m.runLocked(ChannelOpenFailed{Info: info, At: m.clock.Now()})
		m.unlock()
		return
	}
	m.link = m.startLink(ctx, attemptID, ch)
	m.metrics.ActiveSessions.Add(ctx, 1)
	log.Debug("session: channel opened")
	m.runLocked(ChannelOpened{At: m.clock.Now()})
	m.unlock()
}

func (m *Manager) closeChannel(e CloseChannel) {
	l := m.link
	if l == nil {
		return
	}
	m.link = nil
	m.lastReleased = l.done
	m.metrics.ActiveSessions.Add(m.ctx, -1)
	if e.Abort {
		l.abort()
		return
	}
	m.releasing = append(m.releasing, l)
}

func (m *Manager) startHeartbeat(interval time.Duration) {
	m.stopHeartbeat()
	t := m.clock.NewTicker(interval)
	stop := make(chan struct{})
	m.ticker, m.tickerStop = t, stop

	id := m.s.Attempt.ID
	go func() {
		for {
			select {
			case <-stop:
				return
			case at := <-t.C():
				m.dispatch(id, HeartbeatTick{At: at})
			}
		}
	}()
}

func (m *Manager) stopHeartbeat() {
	if m.ticker == nil {
		return
	}
	m.ticker.Stop()
	close(m.tickerStop)
	m.ticker, m.tickerStop = nil, nil
}

func (m *Manager) startCapture() Event {
	if m.cfg.Device == nil || m.link == nil || m.capture != nil {
		return nil
	}
	l := m.link
	c := capture.New(m.cfg.Device,
		func(f audio.AudioFrame) { m.sendFrame(l, f) },
		capture.WithFormat(m.cfg.Format),
		capture.WithFrameSize(m.cfg.FrameSize),
		capture.WithErrorHandler(func(err error) {
			go m.dispatch(l.id, CaptureFailed{Err: err, At: m.clock.Now()})
		}),
	)
	if err := c.Start(m.ctx); err != nil {
		m.captureErr = err
		slog.Error("session: audio capture failed", "conversation_id", m.s.ConversationID, "err", err)
		return CaptureFailed{Err: err, At: m.clock.Now()}
	}
	m.capture = c
	return nil
}

func (m *Manager) stopCapture() {
	if m.capture == nil {
		return
	}
	m.capture.Stop()
	m.capture = nil
}

func (m *Manager) sendFrame(l *link, f audio.AudioFrame) {
	ok := l.offer(protocol.NewAppendAudio(audio.EncodeFrame(f)))
	m.metrics.RecordFrame(l.ctx, !ok)
}

func (m *Manager) scheduleRetry(e ScheduleRetry) {
	if m.retry != nil {
		m.retry.Stop()
	}
	id := m.s.Attempt.ID
	m.retry = m.clock.AfterFunc(e.Delay, func() {
		m.dispatch(id, RetryTimerFired{At: m.clock.Now()})
	})
	m.metrics.RecordReconnect(m.ctx, e.Class.String(), e.Delay)
	slog.Info("session: reconnect scheduled",
		"conversation_id", m.s.ConversationID,
		"class", e.Class,
		"delay", e.Delay,
		"retry_count", m.s.RetryCount,
		"max_retries", m.s.MaxRetries,
	)
}

func (m *Manager) recordAttempt(a ConnectionAttempt) {
	if m.span != nil {
		m.span.End(a.Class.String(), a.CloseCode, a.CloseReason)
		m.span = nil
	}
	id := m.s.ConversationID
	m.notify.push(func() {
		if m.cfg.Hooks.OnAttempt != nil {
			m.cfg.Hooks.OnAttempt(id, a)
		}
	})
}

func (m *Manager) observeLocked(prev Session) {
	next := m.s
	if prev.State != next.State {
		slog.Info("session: state changed",
			"conversation_id", next.ConversationID,
			"from", prev.State,
			"to", next.State,
			"retry_count", next.RetryCount,
			"last_error", next.LastError,
		)
		m.metrics.RecordStateTransition(m.ctx, prev.State.String(), next.State.String())
		if prev.State == Ready {
			m.metrics.ReadyDuration.Record(m.ctx, (next.Metrics.Uptime - prev.Metrics.Uptime).Seconds())
		}
		close(m.changed)
		m.changed = make(chan struct{})

		snap := next.Snapshot(m.clock.Now())
		m.notify.push(func() {
			if m.cfg.Hooks.OnState != nil {
				m.cfg.Hooks.OnState(snap)
			}
		})
	}
	if next.Metrics.ErrorsObserved > prev.Metrics.ErrorsObserved {
		kind := "upstream"
		if next.Attempt.ClosedAt != prev.Attempt.ClosedAt {
			kind = next.Attempt.Class.String()
		}
		m.metrics.RecordSessionError(m.ctx, kind)
	}
	if prev.PendingQueueLength != next.PendingQueueLength {
		n := next.PendingQueueLength
		m.notify.push(func() {
			if m.cfg.Hooks.OnPendingQueue != nil {
				m.cfg.Hooks.OnPendingQueue(n)
			}
		})
	}
	if prev.Metrics != next.Metrics {
		mt := next.Metrics
		m.notify.push(func() {
			if m.cfg.Hooks.OnMetrics != nil {
				m.cfg.Hooks.OnMetrics(mt)
			}
		})
	}
}

func withConversation(base, conversationID string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("conversationId", conversationID)
	u.RawQuery = q.Encode()
	return u.String()
}
