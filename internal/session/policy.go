package session

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/MrWong99/tutorlink/internal/transport"
)

// Class is the failure classification fed to [Policy.Evaluate].
type Class int

const (
	// ClassClean is a caller-initiated or normal close. Never retried.
	ClassClean Class = iota

	// ClassTransport is a socket error or an unexpected close with a status.
	ClassTransport

	// ClassAbnormal is a channel that vanished without a close handshake,
	// including open and heartbeat timeouts.
	ClassAbnormal

	// ClassUnrecoverable is an explicit upstream declaration that the
	// session cannot continue. Never retried automatically.
	ClassUnrecoverable
)

// String returns the human-readable name of the class.
func (c Class) String() string {
	switch c {
	case ClassClean:
		return "clean"
	case ClassTransport:
		return "transport-error"
	case ClassAbnormal:
		return "abnormal-closure"
	case ClassUnrecoverable:
		return "server-declared-unrecoverable"
	default:
		return "unknown"
	}
}

// classOf maps a transport close kind onto a policy class.
func classOf(k transport.Kind) Class {
	switch k {
	case transport.KindClean:
		return ClassClean
	case transport.KindAbnormal:
		return ClassAbnormal
	default:
		return ClassTransport
	}
}

// Backoff is an exponential delay family: min(Base × Growth^n, Cap).
type Backoff struct {
	Base   time.Duration
	Growth float64
	Cap    time.Duration
}

// Delay returns the un-jittered delay before retry n (zero-based).
func (b Backoff) Delay(n int) time.Duration {
	d := float64(b.Base) * math.Pow(b.Growth, float64(n))
	if b.Cap > 0 && d >= float64(b.Cap) {
		return b.Cap
	}
	return time.Duration(d)
}

// Policy decides whether and when a failed session reconnects. It is the
// only retry authority; upstream hints only influence the [Class] passed in.
type Policy struct {
	// MaxRetries is the number of automated reconnects allowed before the
	// session gives up.
	MaxRetries int

	// Abnormal is the backoff family for [ClassAbnormal].
	Abnormal Backoff

	// Transport is the backoff family for [ClassTransport].
	Transport Backoff

	// Jitter is the width of the uniform random offset added to every delay.
	Jitter time.Duration

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// DefaultPolicy returns the reference reconnect policy: 8 retries, abnormal
// closures backing off 2s×1.5^n up to 15s, transport errors 1s×2^n up to 8s,
// and up to 1s of jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 8,
		Abnormal:   Backoff{Base: 2 * time.Second, Growth: 1.5, Cap: 15 * time.Second},
		Transport:  Backoff{Base: 1 * time.Second, Growth: 2, Cap: 8 * time.Second},
		Jitter:     1 * time.Second,
	}
}

// Decision is the outcome of [Policy.Evaluate].
type Decision struct {
	// Retry is true when a reconnect should be scheduled after Delay.
	Retry bool
	Delay time.Duration

	// Exhausted is true when a retryable failure hit the retry cap.
	Exhausted bool
}

// Evaluate decides what to do about a failure of class after retryCount
// automated reconnects.
func (p Policy) Evaluate(retryCount int, class Class) Decision {
	var b Backoff
	switch class {
	case ClassAbnormal:
		b = p.Abnormal
	case ClassTransport:
		b = p.Transport
	default:
		return Decision{}
	}
	if retryCount >= p.MaxRetries {
		return Decision{Exhausted: true}
	}
	return Decision{Retry: true, Delay: b.Delay(retryCount) + p.jitter()}
}

func (p Policy) jitter() time.Duration {
	if p.Jitter <= 0 {
		return 0
	}
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(r() * float64(p.Jitter))
}
