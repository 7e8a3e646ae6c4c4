package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MrWong99/tutorlink/internal/protocol"
	"github.com/MrWong99/tutorlink/internal/transport"
)

// outboundQueue bounds frames and control messages waiting for the writer.
// At 4096 samples per frame this is roughly ten seconds of audio.
const outboundQueue = 64

// link is the live half of one ConnectionAttempt: the channel plus its
// reader and writer goroutines. It is owned by the manager and replaced, never
// reused, on reconnect.
type link struct {
	id     uint64
	ch     transport.Channel
	out    chan any
	ctx    context.Context
	cancel context.CancelFunc

	releaseOnce sync.Once
	released    chan struct{} // closed once the channel is closed or aborted
	done        chan struct{} // closed once released and both goroutines exited
}

func (m *Manager) startLink(parent context.Context, id uint64, ch transport.Channel) *link {
	ctx, cancel := context.WithCancel(parent)
	l := &link{
		id:       id,
		ch:       ch,
		out:      make(chan any, outboundQueue),
		ctx:      ctx,
		cancel:   cancel,
		released: make(chan struct{}),
		done:     make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.readLoop(l)
	}()
	go func() {
		defer wg.Done()
		m.writeLoop(l)
	}()
	go func() {
		wg.Wait()
		<-l.released
		close(l.done)
	}()
	return l
}

// offer queues v without blocking. It reports false when the queue is full.
func (l *link) offer(v any) bool {
	select {
	case l.out <- v:
		return true
	default:
		return false
	}
}

// abort drops the connection without a close handshake.
func (l *link) abort() {
	l.releaseOnce.Do(func() {
		l.cancel()
		if err := l.ch.Abort(); err != nil {
			slog.Debug("session: abort channel", "attempt", l.id, "err", err)
		}
		close(l.released)
	})
}

// close performs the close handshake and then stops the goroutines. It
// blocks for the handshake, so it must not run under the manager lock.
func (l *link) close(reason string) {
	l.releaseOnce.Do(func() {
		if err := l.ch.Close(reason); err != nil {
			slog.Debug("session: close channel", "attempt", l.id, "err", err)
		}
		l.cancel()
		close(l.released)
	})
}

func (m *Manager) readLoop(l *link) {
	for {
		raw, err := l.ch.Receive(l.ctx)
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			m.dispatch(l.id, ChannelClosed{Info: transport.Classify(err), At: m.clock.Now()})
			return
		}

		msg, err := protocol.Decode(raw)
		if err != nil {
			slog.Warn("session: dropping undecodable message", "attempt", l.id, "err", err)
			m.metrics.RecordSessionError(l.ctx, "decode")
			continue
		}
		if _, ok := msg.(protocol.Unknown); ok {
			slog.Debug("session: ignoring unknown message", "type", msg.Type())
		}
		m.metrics.RecordMessage(l.ctx, string(msg.Type()))
		m.dispatch(l.id, InboundReceived{Msg: msg, At: m.clock.Now()})
	}
}

func (m *Manager) writeLoop(l *link) {
	for {
		select {
		case <-l.ctx.Done():
			return
		case v := <-l.out:
			if err := l.ch.Send(l.ctx, v); err != nil {
				if l.ctx.Err() != nil {
					return
				}
				m.dispatch(l.id, ChannelClosed{Info: transport.Classify(err), At: m.clock.Now()})
				return
			}
		}
	}
}
