package emitter

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNoEvent is returned by TryRecv when the feed holds no unread events.
	ErrNoEvent = errors.New("no event ready")
	// ErrFeedClosed is returned once a subscription has drained a closed feed.
	ErrFeedClosed = errors.New("broadcast feed closed")
)

// LagError reports that a slow subscriber's unread backlog was overwritten.
// The subscription has already been advanced past the dropped entries; the
// next receive resumes from the oldest entry still buffered.
type LagError struct {
	Skipped uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("subscriber lagged, %d events skipped", e.Skipped)
}

// channel is a bounded multi-producer broadcast feed. Every subscriber tracks
// its own read cursor against a shared ring buffer, so a send is visible to
// all current subscribers in one total order. When a subscriber falls more
// than the buffer capacity behind, the oldest unread entries are dropped for
// that subscriber instead of blocking producers.
type channel struct {
	mu   sync.Mutex
	buf  []Event
	head uint64 // absolute position of the next write
	subs int
	// notify is closed and replaced on every send (and on close) to wake
	// blocked receivers without tracking them individually.
	notify chan struct{}
	closed bool
}

func newChannel(capacity int) *channel {
	return &channel{
		buf:    make([]Event, capacity),
		notify: make(chan struct{}),
	}
}

// send appends the event to the ring and wakes blocked receivers. It never
// blocks; the return value is the number of live subscribers at send time.
func (c *channel) send(ev Event) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrFeedClosed
	}
	c.buf[c.head%uint64(len(c.buf))] = ev
	c.head++
	close(c.notify)
	c.notify = make(chan struct{})
	return c.subs, nil
}

// close marks the feed terminal and wakes blocked receivers. Subscribers can
// still drain events buffered before the close.
func (c *channel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.notify)
}

// subscribe returns a new receive handle starting at the current head, so a
// fresh subscriber only observes events sent after it subscribed.
func (c *channel) subscribe() *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs++
	return &Subscription{ch: c, next: c.head}
}

// Subscription is an ephemeral per-connection receive handle on a room's
// broadcast feed. It is not safe for concurrent use by multiple goroutines.
type Subscription struct {
	ch       *channel
	next     uint64
	released bool
}

// TryRecv returns the next unread event without blocking. It returns
// ErrNoEvent when the feed is drained, a *LagError when buffered entries were
// dropped, and ErrFeedClosed once the feed is closed and fully drained.
func (s *Subscription) TryRecv() (Event, error) {
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()
	return s.recvLocked()
}

// Recv blocks until an event, a lag report, feed closure, or ctx cancellation.
func (s *Subscription) Recv(ctx context.Context) (Event, error) {
	for {
		s.ch.mu.Lock()
		ev, err := s.recvLocked()
		if err != ErrNoEvent {
			s.ch.mu.Unlock()
			return ev, err
		}
		wait := s.ch.notify
		s.ch.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

func (s *Subscription) recvLocked() (Event, error) {
	c := s.ch
	if s.next == c.head {
		if c.closed {
			return Event{}, ErrFeedClosed
		}
		return Event{}, ErrNoEvent
	}
	capacity := uint64(len(c.buf))
	if c.head-s.next > capacity {
		skipped := c.head - s.next - capacity
		s.next = c.head - capacity
		return Event{}, &LagError{Skipped: skipped}
	}
	ev := c.buf[s.next%capacity]
	s.next++
	return ev, nil
}

// Close releases the subscriber slot so the feed's live-receiver count stays
// accurate. Safe to call more than once.
func (s *Subscription) Close() {
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	s.ch.subs--
}
