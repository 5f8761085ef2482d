package process

import (
	"sync"

	"github.com/guseggert/procd/metrics"
)

const (
	DefaultBacklogBytes    = 1 << 20
	DefaultBacklogChunks   = 4096
	DefaultSubscriberQueue = 1024
)

// Chunk is one read from a child's stdout or stderr. Seq is gap-free per process, starting at 1.
// Data is never modified after the chunk is appended.
type Chunk struct {
	Seq    uint64
	Stream Stream
	Data   []byte
}

// Event is delivered to subscribers. Exactly one of Chunk and State is set.
type Event struct {
	Chunk *Chunk
	State *Info
}

// Snapshot is the backlog content at the instant a subscription began.
type Snapshot struct {
	Chunks []Chunk
	// FirstSeq is the sequence number of the oldest retained chunk, or of the next chunk when none is retained.
	FirstSeq uint64
	// Truncated is set when chunks have been evicted, i.e. FirstSeq > 1.
	Truncated bool
}

// DetachReason says why a subscription ended.
type DetachReason int

const (
	DetachRequested DetachReason = iota
	DetachBackpressure
	DetachReaped
)

func (r DetachReason) String() string {
	switch r {
	case DetachRequested:
		return "requested"
	case DetachBackpressure:
		return "backpressure"
	case DetachReaped:
		return "reaped"
	default:
		return "unknown"
	}
}

// Subscription is one session's view of a process's output.
type Subscription struct {
	id     string
	events chan Event
	reason DetachReason
}

// ID is the subscriber identifier, normally the session ID.
func (s *Subscription) ID() string { return s.id }

// Events yields chunks and state changes in order. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event { return s.events }

// Reason is only meaningful after Events has been closed.
func (s *Subscription) Reason() DetachReason { return s.reason }

// Backlog is a bounded ring of output chunks and the subscribers following it.
// Eviction is oldest-first, bounded both by total bytes and by chunk count.
type Backlog struct {
	metrics   metrics.Collector
	maxBytes  int
	queueSize int

	mut     sync.Mutex
	ring    []Chunk
	head    int
	n       int
	bytes   int
	nextSeq uint64
	subs    map[string]*Subscription
	closed  bool
}

func NewBacklog(maxBytes, maxChunks, queueSize int, m metrics.Collector) *Backlog {
	if maxBytes <= 0 {
		maxBytes = DefaultBacklogBytes
	}
	if maxChunks <= 0 {
		maxChunks = DefaultBacklogChunks
	}
	if queueSize <= 0 {
		queueSize = DefaultSubscriberQueue
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Backlog{
		metrics:   m,
		maxBytes:  maxBytes,
		queueSize: queueSize,
		ring:      make([]Chunk, maxChunks),
		nextSeq:   1,
		subs:      map[string]*Subscription{},
	}
}

// Append stores a copy of data as the next chunk and publishes it to every subscriber.
func (b *Backlog) Append(stream Stream, data []byte) Chunk {
	c := Chunk{Stream: stream, Data: append([]byte(nil), data...)}

	b.mut.Lock()
	defer b.mut.Unlock()

	if b.closed {
		return c
	}
	c.Seq = b.nextSeq
	b.nextSeq++

	evicted := 0
	if b.n == len(b.ring) {
		b.evictOldest()
		evicted++
	}
	for b.n > 0 && b.bytes+len(c.Data) > b.maxBytes {
		b.evictOldest()
		evicted++
	}
	b.ring[(b.head+b.n)%len(b.ring)] = c
	b.n++
	b.bytes += len(c.Data)

	if evicted > 0 {
		b.metrics.BacklogEvicted(evicted)
	}

	b.publish(Event{Chunk: &c})
	return c
}

func (b *Backlog) evictOldest() {
	b.bytes -= len(b.ring[b.head].Data)
	b.ring[b.head] = Chunk{}
	b.head = (b.head + 1) % len(b.ring)
	b.n--
}

// PublishState sends a state change to every subscriber.
func (b *Backlog) PublishState(info Info) {
	b.mut.Lock()
	defer b.mut.Unlock()
	b.publish(Event{State: &info})
}

// publish never blocks: a subscriber with a full queue is detached.
func (b *Backlog) publish(ev Event) {
	for id, sub := range b.subs {
		select {
		case sub.events <- ev:
		default:
			delete(b.subs, id)
			sub.reason = DetachBackpressure
			close(sub.events)
			b.metrics.SubscriberDropped()
		}
	}
}

// Subscribe atomically snapshots the ring and registers a subscriber, so every chunk is either in the snapshot
// or delivered on the subscription, never both and never neither.
// An existing subscription with the same id is ended first.
func (b *Backlog) Subscribe(id string) (Snapshot, *Subscription, bool) {
	b.mut.Lock()
	defer b.mut.Unlock()

	if b.closed {
		return Snapshot{}, nil, false
	}
	if old, ok := b.subs[id]; ok {
		delete(b.subs, id)
		old.reason = DetachRequested
		close(old.events)
	}

	snap := b.snapshotLocked()
	sub := &Subscription{id: id, events: make(chan Event, b.queueSize)}
	b.subs[id] = sub
	return snap, sub, true
}

// Unsubscribe ends the subscription with the given id, reporting whether there was one.
func (b *Backlog) Unsubscribe(id string) bool {
	b.mut.Lock()
	defer b.mut.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return false
	}
	delete(b.subs, id)
	sub.reason = DetachRequested
	close(sub.events)
	return true
}

// Subscribers returns the ids of the current subscribers.
func (b *Backlog) Subscribers() []string {
	b.mut.Lock()
	defer b.mut.Unlock()
	ids := make([]string, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns the retained chunks without subscribing.
func (b *Backlog) Snapshot() Snapshot {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.snapshotLocked()
}

func (b *Backlog) snapshotLocked() Snapshot {
	chunks := make([]Chunk, b.n)
	for i := 0; i < b.n; i++ {
		chunks[i] = b.ring[(b.head+i)%len(b.ring)]
	}
	first := b.nextSeq
	if b.n > 0 {
		first = chunks[0].Seq
	}
	return Snapshot{
		Chunks:    chunks,
		FirstSeq:  first,
		Truncated: first > 1,
	}
}

// Close ends every subscription and releases the retained output. Later subscriptions fail.
func (b *Backlog) Close() {
	b.mut.Lock()
	defer b.mut.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.reason = DetachReaped
		close(sub.events)
	}
	b.ring = nil
	b.n = 0
	b.bytes = 0
}
