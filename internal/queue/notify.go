package queue

import "sync"

// notifier fans a "something changed" signal out to subscribers.
// Each subscriber channel has a buffer of one and sends never block, so a
// burst of mutations collapses into a single pending wake-up.
type notifier struct {
	mu   sync.Mutex
	subs map[int]chan struct{}
	next int
}

func (n *notifier) subscribe() (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.subs == nil {
		n.subs = make(map[int]chan struct{})
	}
	id := n.next
	n.next++
	ch := make(chan struct{}, 1)
	n.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs, id)
		})
	}
}

func (n *notifier) notify() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
			// A wake-up is already pending.
		}
	}
}
