// Package transport provides the bidirectional channel to the upstream
// conversational service and classifies how a channel ended.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/coder/websocket"
)

// DefaultOpenTimeout bounds how long opening a channel may take.
const DefaultOpenTimeout = 25 * time.Second

// CodeAbnormal is the close code reported when a channel ended without a
// close handshake.
const CodeAbnormal = int(websocket.StatusAbnormalClosure)

// Channel is one live connection to the upstream. Send may be called
// concurrently with Receive; Receive must only be called from one goroutine.
type Channel interface {
	// Send marshals v as JSON and writes it as one text message.
	Send(ctx context.Context, v any) error

	// Receive blocks for the next message.
	Receive(ctx context.Context) ([]byte, error)

	// Close performs a normal close handshake. It is idempotent.
	Close(reason string) error

	// Abort drops the connection without a handshake. It is idempotent and
	// safe to call after Close.
	Abort() error
}

// Dialer opens channels.
type Dialer interface {
	Dial(ctx context.Context, url string) (Channel, error)
}

// Kind classifies how a channel ended.
type Kind int

const (
	// KindClean is a proper close handshake with a normal status.
	KindClean Kind = iota

	// KindTransport is a socket error or a close with a non-normal status.
	KindTransport

	// KindAbnormal is a channel that vanished without a close handshake, or
	// that never finished opening in time.
	KindAbnormal
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindClean:
		return "clean"
	case KindTransport:
		return "transport-error"
	case KindAbnormal:
		return "abnormal-closure"
	default:
		return "unknown"
	}
}

// CloseInfo describes why a channel ended.
type CloseInfo struct {
	Code     int
	Reason   string
	WasClean bool
	Kind     Kind
	Err      error
}

// Classify inspects the error returned by Receive, Send, or Dial.
func Classify(err error) CloseInfo {
	if err == nil {
		return CloseInfo{Code: int(websocket.StatusNormalClosure), WasClean: true, Kind: KindClean}
	}

	var ce websocket.CloseError
	if errors.As(err, &ce) {
		info := CloseInfo{Code: int(ce.Code), Reason: ce.Reason, Err: err}
		switch ce.Code {
		case websocket.StatusNormalClosure:
			info.WasClean = true
			info.Kind = KindClean
		case websocket.StatusAbnormalClosure, websocket.StatusNoStatusRcvd:
			info.Code = CodeAbnormal
			info.Kind = KindAbnormal
		default:
			info.Kind = KindTransport
		}
		return info
	}

	if errors.Is(err, context.DeadlineExceeded) || lostWithoutClose(err) {
		return CloseInfo{Code: CodeAbnormal, Reason: err.Error(), Kind: KindAbnormal, Err: err}
	}
	return CloseInfo{Reason: err.Error(), Kind: KindTransport, Err: err}
}

// lostWithoutClose reports errors that mean the peer disappeared without a
// close frame.
func lostWithoutClose(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// String renders the info for logs and LastError.
func (c CloseInfo) String() string {
	if c.Reason == "" {
		return fmt.Sprintf("%s (code %d)", c.Kind, c.Code)
	}
	return fmt.Sprintf("%s (code %d): %s", c.Kind, c.Code, c.Reason)
}
