// Package logbroker fans out the drained output of worker processes to live
// subscribers, keyed by environment name.
package logbroker

import "sync"

// subscriberBufferSize is the channel buffer for each subscriber. Lines are
// dropped if a subscriber falls this far behind.
const subscriberBufferSize = 256

// Broker manages per-environment log streaming. It is safe for concurrent
// use.
//
// Once an environment's worker exits its topic is kept as a closed marker, so
// subscribers arriving afterwards get a closed channel instead of waiting
// forever. Open clears the marker when the environment is launched again.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan string
	nextID int
	closed bool
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{topics: make(map[string]*topic)}
}

// Open marks the environment as live, clearing a closed marker left by a
// previous launch. Existing subscribers are kept.
func (b *Broker) Open(environment string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[environment]
	if !ok {
		b.topics[environment] = &topic{subs: make(map[int]chan string)}
		return
	}
	t.closed = false
}

// Subscribe returns a channel receiving the environment's worker output and
// an unsubscribe function. If the worker has already exited the channel is
// closed immediately.
func (b *Broker) Subscribe(environment string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[environment]
	if !ok {
		t = &topic{subs: make(map[int]chan string)}
		b.topics[environment] = t
	}

	ch := make(chan string, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(c)
		}
	}
}

// Publish sends a line to every subscriber of the environment, dropping it
// for subscribers whose buffers are full.
func (b *Broker) Publish(environment, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[environment]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Subscribers returns the number of live subscribers for the environment.
func (b *Broker) Subscribers(environment string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[environment]; ok {
		return len(t.subs)
	}
	return 0
}

// Close signals that the environment's worker has exited. Subscriber
// channels are closed and later Subscribe calls get a closed channel until
// the next Open.
func (b *Broker) Close(environment string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[environment]
	if !ok {
		b.topics[environment] = &topic{subs: make(map[int]chan string), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
