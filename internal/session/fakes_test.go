package session

import (
	"context"
	"encoding/json"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/tutorlink/internal/protocol"
	"github.com/MrWong99/tutorlink/internal/transport"
)

// ─── Clock ────────────────────────────────────────────────────────────────────

// fakeClock is a manually advanced [Clock]. Timer callbacks run on the
// goroutine calling Advance, without the clock lock held.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeTicker struct {
	c       *fakeClock
	d       time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	t.stopped = true
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{c: c, d: d, next: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves the clock forward by d, firing due timers and ticks in time
// order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var (
			due  time.Time
			fire func()
		)
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if fire == nil || t.at.Before(due) {
				tt := t
				due = t.at
				fire = func() {
					c.mu.Lock()
					tt.fired = true
					f := tt.f
					c.mu.Unlock()
					f()
				}
			}
		}
		for _, t := range c.tickers {
			if t.stopped || t.next.After(target) {
				continue
			}
			if fire == nil || t.next.Before(due) {
				tk := t
				due = t.next
				fire = func() {
					c.mu.Lock()
					at := tk.next
					tk.next = tk.next.Add(tk.d)
					c.mu.Unlock()
					select {
					case tk.ch <- at:
					default:
					}
				}
			}
		}
		if fire == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = due
		c.mu.Unlock()
		fire()
	}
}

// ActiveTimers returns the delays until every armed timer, sorted.
func (c *fakeClock) ActiveTimers() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.at.Sub(c.now))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ActiveTickers returns the number of tickers not stopped.
func (c *fakeClock) ActiveTickers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tickers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// ─── Transport ────────────────────────────────────────────────────────────────

// fakeDialer hands out fakeChannels and records how many were alive at once.
type fakeDialer struct {
	mu       sync.Mutex
	err      error
	block    bool
	channels []*fakeChannel
	urls     []string
	maxLive  int
	dialed   chan *fakeChannel
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeChannel, 32)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (transport.Channel, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	err, block := d.err, d.block
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	ch := newFakeChannel()
	d.mu.Lock()
	d.channels = append(d.channels, ch)
	d.maxLive = max(d.maxLive, d.liveLocked())
	d.mu.Unlock()
	d.dialed <- ch
	return ch, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) liveLocked() int {
	n := 0
	for _, c := range d.channels {
		if !c.isClosed() {
			n++
		}
	}
	return n
}

// Live returns the number of channels not yet closed or aborted.
func (d *fakeDialer) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.liveLocked()
}

// MaxLive returns the highest number of simultaneously live channels.
func (d *fakeDialer) MaxLive() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxLive
}

// Dials returns the number of Dial calls.
func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

// next waits for the next successfully dialled channel.
func (d *fakeDialer) next(t *testing.T) *fakeChannel {
	t.Helper()
	select {
	case ch := <-d.dialed:
		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

// fakeChannel is an in-memory [transport.Channel].
type fakeChannel struct {
	in   chan []byte
	done chan struct{}

	mu          sync.Mutex
	sent        []json.RawMessage
	closed      bool
	aborted     bool
	closeReason string
	closeErr    error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{in: make(chan []byte, 64), done: make(chan struct{})}
}

func (c *fakeChannel) Send(_ context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	c.sent = append(c.sent, b)
	return nil
}

func (c *fakeChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case raw := <-c.in:
		return raw, nil
	default:
	}
	select {
	case raw := <-c.in:
		return raw, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.closeErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeChannel) Close(reason string) error {
	c.finish(websocket.CloseError{Code: websocket.StatusNormalClosure, Reason: reason}, false)
	return nil
}

func (c *fakeChannel) Abort() error {
	c.finish(net.ErrClosed, true)
	return nil
}

// serverClose simulates the upstream ending the channel with code.
func (c *fakeChannel) serverClose(code websocket.StatusCode, reason string) {
	c.finish(websocket.CloseError{Code: code, Reason: reason}, false)
}

func (c *fakeChannel) finish(err error, abort bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.aborted = abort
	c.closeErr = err
	if ce, ok := err.(websocket.CloseError); ok {
		c.closeReason = ce.Reason
	}
	close(c.done)
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// push delivers a raw JSON message from the upstream.
func (c *fakeChannel) push(raw string) {
	c.in <- []byte(raw)
}

// sentTypes returns the type field of every message sent so far.
func (c *fakeChannel) sentTypes() []protocol.MessageType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.MessageType, 0, len(c.sent))
	for _, raw := range c.sent {
		var env struct {
			Type protocol.MessageType `json:"type"`
		}
		_ = json.Unmarshal(raw, &env)
		out = append(out, env.Type)
	}
	return out
}

func (c *fakeChannel) countSent(t protocol.MessageType) int {
	n := 0
	for _, got := range c.sentTypes() {
		if got == t {
			n++
		}
	}
	return n
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// decode parses raw as an inbound message, failing the test on error.
func decode(t *testing.T, raw string) protocol.Inbound {
	t.Helper()
	msg, err := protocol.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode(%s): %v", raw, err)
	}
	return msg
}
