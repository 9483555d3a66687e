package entity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type State int32

const (
	StateStarting State = iota
	StateActive
	StateEnding
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// StreamClient is the part of a streaming client a session needs for teardown.
type StreamClient interface {
	Leave(ctx context.Context) error
}

// Session is one meeting stream. Events for it are applied by a single owner that reads Mailbox.
type Session struct {
	ID        string
	StartedAt time.Time
	Client    StreamClient

	state atomic.Int32

	mu        sync.RWMutex
	meetingID string
	ctx       Context

	mailbox   chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func NewSession(id string, sctx Context, mailboxSize int) *Session {
	if mailboxSize < 1 {
		mailboxSize = 1
	}
	s := &Session{
		ID:        id,
		StartedAt: time.Now(),
		ctx:       sctx,
		mailbox:   make(chan Event, mailboxSize),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateStarting))
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) SetState(st State) {
	s.state.Store(int32(st))
}

// Transition moves the session from one state to another and reports whether it did.
func (s *Session) Transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

func (s *Session) Context() Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

func (s *Session) MergeContext(c Context) Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = s.ctx.Merge(c)
	return s.ctx
}

func (s *Session) MeetingID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meetingID
}

func (s *Session) SetMeetingID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meetingID = id
}

// Post enqueues ev for the session owner. It returns false once the session is closed.
func (s *Session) Post(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.mailbox <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) Mailbox() <-chan Event {
	return s.mailbox
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close stops accepting events. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
