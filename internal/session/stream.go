package session

import (
	"sync/atomic"
)

// Event is one element of a session's output stream. Consumers receive zero
// or more token events followed by exactly one terminal event (Done=true),
// after which the channel is closed.
type Event struct {
	Token   string
	TokenID int
	Done    bool
	// FinishReason is set on the terminal event: stop | length | cache_full |
	// cancelled | error.
	FinishReason string
	// Err is set on the terminal event when the session failed.
	Err error
}

// stream is a bounded single-producer event channel with a drop-oldest
// policy: a slow consumer loses intermediate tokens instead of stalling the
// decode loop. The terminal event is never dropped.
type stream struct {
	ch      chan Event
	dropped atomic.Int64
}

func newStream(buffer int) *stream {
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	return &stream{ch: make(chan Event, buffer)}
}

// push delivers a token event without blocking. When the buffer is full the
// oldest undelivered event is discarded to make room.
func (s *stream) push(ev Event) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// finish delivers the terminal event and closes the channel. Only called
// once, by the session's terminal transition.
func (s *stream) finish(ev Event) {
	s.push(ev)
	close(s.ch)
}

// events returns the receive side for consumers.
func (s *stream) events() <-chan Event { return s.ch }

// droppedCount reports how many token events were discarded at the boundary.
func (s *stream) droppedCount() int64 { return s.dropped.Load() }
