// Package playback plays inbound audio fragments one after another and
// reports a glitch-free speaking signal.
package playback

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MrWong99/tutorlink/pkg/audio"
)

// defaultQueueCap is the initial capacity hint for the fragment queue.
const defaultQueueCap = 16

// Option configures a [Player] during construction.
type Option func(*Player)

// WithFormat sets the format declared in the WAV header of every fragment.
// Defaults to [audio.DefaultFormat].
func WithFormat(f audio.Format) Option {
	return func(p *Player) {
		p.format = f
	}
}

// WithQueueCapacity sets the initial capacity hint for the internal queue.
// This does not impose a hard limit.
func WithQueueCapacity(n int) Option {
	return func(p *Player) {
		if n > 0 {
			p.queue = make([][]byte, 0, n)
		}
	}
}

// Player plays PCM16 fragments through an [audio.Speaker] strictly in arrival
// order, one at a time. Each fragment is wrapped in its own WAV container and
// played independently, so a bad fragment never affects its neighbours.
//
// The speaking signal is true from the moment the first fragment of a run
// starts until the last queued fragment finishes. Back-to-back fragments do
// not produce a false/true pair in between. All signal edges are delivered
// from the dispatch goroutine, so they strictly alternate.
//
// All exported methods are safe for concurrent use.
type Player struct {
	speaker audio.Speaker
	format  audio.Format

	mu            sync.Mutex
	queue         [][]byte
	speaking      bool
	cancelPlaying context.CancelFunc
	onSpeaking    func(bool)

	ctx    context.Context
	cancel context.CancelFunc
	notify chan struct{} // signalled when a fragment is enqueued or the queue is flushed
	done   chan struct{} // closed when the dispatch goroutine exits
	closed bool
}

// New creates a [Player] that plays through speaker. The dispatch goroutine
// starts immediately; call [Player.Close] to stop it.
func New(speaker audio.Speaker, opts ...Option) *Player {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Player{
		speaker: speaker,
		format:  audio.DefaultFormat(),
		queue:   make([][]byte, 0, defaultQueueCap),
		ctx:     ctx,
		cancel:  cancel,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	go p.dispatch()
	return p
}

// OnSpeaking registers handler as the callback for speaking signal edges.
// Only one handler is active at a time; later calls replace earlier ones.
// The handler runs on the dispatch goroutine and must not block.
func (p *Player) OnSpeaking(handler func(speaking bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSpeaking = handler
}

// Enqueue decodes a base64 PCM16 fragment and queues it for playback. A
// fragment that fails to decode is logged and dropped; the error is returned
// for the caller's bookkeeping only.
func (p *Player) Enqueue(fragment string) error {
	pcm, err := audio.DecodeBase64(fragment)
	if err != nil {
		slog.Warn("playback: dropping undecodable fragment", "err", err)
		return err
	}
	p.EnqueuePCM(pcm)
	return nil
}

// EnqueuePCM queues raw PCM16LE samples for playback. Empty fragments and
// fragments enqueued after Close are ignored.
func (p *Player) EnqueuePCM(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.queue = append(p.queue, pcm)

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// IsSpeaking reports whether a fragment is currently playing or queued
// behind one that is.
func (p *Player) IsSpeaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speaking
}

// Pending returns the number of fragments waiting behind the current one.
func (p *Player) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Flush stops the fragment currently playing and discards the queue. The
// speaking signal drops to false once the interrupted fragment returns.
func (p *Player) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushLocked()
}

// Close stops playback, discards queued fragments, and waits for the dispatch
// goroutine to exit. Close is idempotent.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.closed = true
	p.flushLocked()
	p.mu.Unlock()

	p.cancel()
	<-p.done
	return nil
}

// flushLocked must be called with p.mu held.
func (p *Player) flushLocked() {
	if p.cancelPlaying != nil {
		p.cancelPlaying()
		p.cancelPlaying = nil
	}
	clear(p.queue)
	p.queue = p.queue[:0]
}

func (p *Player) dispatch() {
	defer close(p.done)
	defer p.setSpeaking(false)

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.notify:
		}

		for {
			pcm, ctx, cancel, ok := p.dequeue()
			if !ok {
				break
			}
			p.setSpeaking(true)
			p.play(ctx, pcm)
			cancel()

			p.mu.Lock()
			p.cancelPlaying = nil
			idle := len(p.queue) == 0
			p.mu.Unlock()
			if idle {
				p.setSpeaking(false)
			}
		}
	}
}

// dequeue pops the oldest fragment and arms a cancel func for it.
func (p *Player) dequeue() ([]byte, context.Context, context.CancelFunc, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 || p.closed {
		return nil, nil, nil, false
	}
	pcm := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	ctx, cancel := context.WithCancel(p.ctx)
	p.cancelPlaying = cancel
	return pcm, ctx, cancel, true
}

func (p *Player) play(ctx context.Context, pcm []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("playback: speaker panicked", "panic", r)
		}
	}()
	wav := audio.WAV(pcm, p.format.SampleRate, p.format.Channels)
	if err := p.speaker.Play(ctx, wav); err != nil && ctx.Err() == nil {
		slog.Warn("playback: fragment failed", "bytes", len(pcm), "err", err)
	}
}

// setSpeaking updates the flag and fires the handler on an edge. Only the
// dispatch goroutine calls it.
func (p *Player) setSpeaking(v bool) {
	p.mu.Lock()
	if p.speaking == v {
		p.mu.Unlock()
		return
	}
	p.speaking = v
	h := p.onSpeaking
	p.mu.Unlock()
	if h != nil {
		h(v)
	}
}
