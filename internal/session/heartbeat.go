package session

import (
	"fmt"
	"time"
)

// Reference liveness timing.
const (
	DefaultProbeInterval    = 30 * time.Second
	DefaultHeartbeatTimeout = 35 * time.Second
)

// Heartbeat tracks channel liveness. It is a plain value owned by [Session];
// the manager supplies the clock.
type Heartbeat struct {
	LastAckAt time.Time
	Interval  time.Duration
	Timeout   time.Duration
}

// NewHeartbeat returns a Heartbeat probing every interval and timing out
// after timeout without an ack. timeout must exceed interval so at least one
// probe round trip fits before a timeout fires.
func NewHeartbeat(interval, timeout time.Duration) (Heartbeat, error) {
	if interval <= 0 {
		return Heartbeat{}, fmt.Errorf("session: heartbeat interval must be positive, got %s", interval)
	}
	if timeout <= interval {
		return Heartbeat{}, fmt.Errorf("session: heartbeat timeout %s must exceed probe interval %s", timeout, interval)
	}
	return Heartbeat{Interval: interval, Timeout: timeout}, nil
}

// Ack records a liveness acknowledgment.
func (h *Heartbeat) Ack(now time.Time) {
	if now.After(h.LastAckAt) {
		h.LastAckAt = now
	}
}

// Tick evaluates one probe tick. When the last ack is older than Timeout the
// channel is presumed dead: timedOut is true and no probe is sent.
func (h Heartbeat) Tick(now time.Time) (probe, timedOut bool) {
	if now.Sub(h.LastAckAt) > h.Timeout {
		return false, true
	}
	return true, false
}
