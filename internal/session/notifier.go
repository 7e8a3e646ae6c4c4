package session

import "sync"

// notifier runs callbacks one at a time in submission order on a goroutine
// that exists only while work is queued. push never blocks, so hooks may be
// queued while the manager lock is held.
type notifier struct {
	mu      sync.Mutex
	queue   []func()
	running bool
	idle    chan struct{} // closed while nothing is queued or running
}

func newNotifier() *notifier {
	idle := make(chan struct{})
	close(idle)
	return &notifier{idle: idle}
}

func (n *notifier) push(f func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queue = append(n.queue, f)
	if !n.running {
		n.running = true
		n.idle = make(chan struct{})
		go n.drain()
	}
}

func (n *notifier) drain() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.running = false
			close(n.idle)
			n.mu.Unlock()
			return
		}
		f := n.queue[0]
		n.queue[0] = nil
		n.queue = n.queue[1:]
		n.mu.Unlock()

		f()
	}
}

// wait returns a channel closed once every callback queued so far has run.
func (n *notifier) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.idle
}
