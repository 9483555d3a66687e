package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTransitions(t *testing.T) {
	s := NewSession("s1", Context{}, 4)
	assert.Equal(t, StateStarting, s.State())

	require.True(t, s.Transition(StateStarting, StateActive))
	assert.False(t, s.Transition(StateStarting, StateActive))
	require.True(t, s.Transition(StateActive, StateEnding))
	assert.Equal(t, "ending", s.State().String())
}

func TestSessionMergeContext(t *testing.T) {
	s := NewSession("s1", Context{OperatorID: "op"}, 1)

	got := s.MergeContext(Context{UserID: "u1"})
	assert.Equal(t, Context{UserID: "u1", OperatorID: "op"}, got)

	got = s.MergeContext(Context{})
	assert.Equal(t, Context{UserID: "u1", OperatorID: "op"}, got)
}

func TestSessionPostAfterClose(t *testing.T) {
	s := NewSession("s1", Context{}, 1)
	require.True(t, s.Post(Stopped{StreamID: "s1"}))

	s.Close()
	s.Close()
	assert.False(t, s.Post(Stopped{StreamID: "s1"}))

	ev := <-s.Mailbox()
	assert.Equal(t, "s1", ev.SessionID())
}
