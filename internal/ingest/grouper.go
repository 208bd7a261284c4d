// Package ingest groups incoming transcript segments into conversations.
//
// Each capture channel runs a small state machine: a channel is Open while
// segments keep arriving within the conversation gap, and Closed once the
// gap is exceeded or the channel is explicitly closed. A segment arriving
// on a Closed channel starts a new conversation.
package ingest

import "time"

// Phase is a channel's grouping state.
type Phase string

const (
	PhaseClosed Phase = "closed"
	PhaseOpen   Phase = "open"
)

// Decision tells the caller what to do with the arriving segment.
type Decision int

const (
	// Append adds the segment to State.ConversationID.
	Append Decision = iota
	// StartNew opens a new conversation; the caller sets its id on the
	// returned state.
	StartNew
)

func (d Decision) String() string {
	if d == StartNew {
		return "start_new"
	}
	return "append"
}

// State is one channel's grouping state.
type State struct {
	Phase          Phase     `json:"phase"`
	ConversationID string    `json:"conversation_id,omitempty"`
	LastAt         time.Time `json:"last_at"`
}

// Step advances st for a segment spoken at `at`. Segments that arrive
// slightly out of order stay in the open conversation; LastAt only moves
// forward.
func Step(st State, at time.Time, gap time.Duration) (State, Decision) {
	if st.Phase != PhaseOpen || st.ConversationID == "" || at.Sub(st.LastAt) > gap {
		return State{Phase: PhaseOpen, LastAt: at}, StartNew
	}
	next := st
	if at.After(st.LastAt) {
		next.LastAt = at
	}
	return next, Append
}

// Close ends the channel's open conversation.
func Close(st State) State {
	st.Phase = PhaseClosed
	return st
}
