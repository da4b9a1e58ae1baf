// Package loghub multiplexes tagged log lines from many producers to many
// subscribers. Producers never block: a subscriber that cannot keep up has its
// oldest buffered lines dropped and its missed counter incremented.
package loghub

import (
	"bufio"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the per-subscriber line buffer used by Subscribe.
const DefaultBuffer = 256

// Line is a single tagged log line. Seq is a hub-wide sequence number
// reflecting arrival order at the hub.
type Line struct {
	Seq  uint64    `json:"seq"`
	Tag  string    `json:"tag"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// Hub is the fan-in/fan-out broadcast channel. Safe for concurrent use.
type Hub struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	nextSeq uint64
	closed  bool
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Publish broadcasts one line to every current subscriber. Lines published
// before a subscriber attaches are never delivered to it.
func (h *Hub) Publish(tag, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.nextSeq++
	line := Line{Seq: h.nextSeq, Tag: tag, Text: text, Time: time.Now().UTC()}
	for sub := range h.subs {
		sub.offer(line)
	}
}

// Subscribe attaches a new subscriber with the default buffer size.
func (h *Hub) Subscribe() *Subscription {
	return h.SubscribeBuffer(DefaultBuffer)
}

// SubscribeBuffer attaches a new subscriber whose channel holds up to buffer
// lines before the oldest are dropped.
func (h *Hub) SubscribeBuffer(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{hub: h, ch: make(chan Line, buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Close detaches every subscriber and closes their channels. Publish becomes
// a no-op afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
		delete(h.subs, sub)
	}
}

// Pipe reads r line by line until EOF and publishes each line under tag.
// It is intended to run on its own goroutine per producer stream; per-producer
// line order is preserved because a single goroutine reads the stream.
func (h *Hub) Pipe(r io.Reader, tag string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		h.Publish(tag, scanner.Text())
	}
}

// Subscription is one subscriber's view of the hub.
type Subscription struct {
	hub       *Hub
	ch        chan Line
	missed    atomic.Uint64
	closeOnce sync.Once
}

// C returns the channel delivering lines published after attachment. The
// channel is closed when the subscription or the hub is closed.
func (s *Subscription) C() <-chan Line {
	return s.ch
}

// Missed reports how many lines were dropped because the subscriber fell
// behind. Gaps are also visible as jumps in Line.Seq.
func (s *Subscription) Missed() uint64 {
	return s.missed.Load()
}

// Close detaches the subscription from the hub and closes its channel.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	if _, ok := s.hub.subs[s]; ok {
		delete(s.hub.subs, s)
		s.closeOnce.Do(func() { close(s.ch) })
	}
	s.hub.mu.Unlock()
}

// offer enqueues line, dropping the oldest buffered line when full.
// Called with the hub lock held, so no concurrent offer for the same sub.
func (s *Subscription) offer(line Line) {
	for {
		select {
		case s.ch <- line:
			return
		default:
		}
		select {
		case <-s.ch:
			s.missed.Add(1)
		default:
		}
	}
}
