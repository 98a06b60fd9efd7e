package session

import (
	"time"

	"github.com/google/uuid"
)

// Session is the spec's top-level per-end-user state: a stack of
// interruption stacks, session-wide globals, and timestamps. Invariants
// (spec §3):
//
//	(a) a frame's transaction.state is terminal only after it is popped
//	(b) each stack is non-empty while its index is live
//	(c) at most one frame across the whole session has PendingVariable set,
//	    and it is the top of the active stack
//	(d) Variables keys are dotted paths composed of identifiers only
//
// (c) is enforced by SetPendingVariable, the only writer of that field.
// This package's methods do not check (a), (b), or (d): NewSession itself
// starts with an empty stack 0, and PopFrame may leave any stack empty.
type Session struct {
	ID               string
	UserID           string
	Stacks           [][]*Frame
	ActiveStackIndex int
	Globals          map[string]any
	CreatedAt        time.Time
	LastActivityAt   time.Time
	Lang             string
}

// NewSession builds a fresh Session with one empty stack ready to receive
// the first pushed frame.
func NewSession(userID, lang string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:               uuid.NewString(),
		UserID:           userID,
		Stacks:           [][]*Frame{{}},
		ActiveStackIndex: 0,
		Globals:          make(map[string]any),
		CreatedAt:        now,
		LastActivityAt:   now,
		Lang:             lang,
	}
}

// ActiveStack returns the currently executing stack.
func (s *Session) ActiveStack() []*Frame {
	return s.Stacks[s.ActiveStackIndex]
}

// CurrentFrame returns the top frame of the active stack, or nil if that
// stack is empty (only valid transiently, between a pop and a subsequent
// push/stack-switch).
func (s *Session) CurrentFrame() *Frame {
	stack := s.ActiveStack()
	if len(stack) == 0 {
		return nil
	}
	return stack[len(stack)-1]
}

// PushFrame pushes f onto the active stack — a FLOW step's `call`.
func (s *Session) PushFrame(f *Frame) {
	s.Stacks[s.ActiveStackIndex] = append(s.Stacks[s.ActiveStackIndex], f)
}

// ReplaceFrame pops the active stack's top frame (if any) and pushes f in
// its place — a FLOW step's `replace`.
func (s *Session) ReplaceFrame(f *Frame) {
	s.PopFrame()
	s.PushFrame(f)
}

// PopFrame pops and returns the active stack's top frame, or nil if it was
// already empty. Invariant (a): callers must finalize Transaction.State
// (committed/rolledBack) before calling PopFrame, since the frame becomes
// unreachable for further mutation afterward.
func (s *Session) PopFrame() *Frame {
	stack := s.Stacks[s.ActiveStackIndex]
	if len(stack) == 0 {
		return nil
	}
	top := stack[len(stack)-1]
	s.Stacks[s.ActiveStackIndex] = stack[:len(stack)-1]
	return top
}

// PushInterruptionStack creates a new, separate stack on top of the stack
// list and makes it active — how the scheduler starts an arbiter-matched
// flow with callType call while another flow is running, so it runs
// alongside (not replacing) the interrupted activity. A `reboot` goes
// through Reboot instead.
func (s *Session) PushInterruptionStack(f *Frame) {
	s.Stacks = append(s.Stacks, []*Frame{f})
	s.ActiveStackIndex = len(s.Stacks) - 1
}

// TeardownInterruptionStack removes the active stack (which must already be
// empty — all its frames popped/returned) and resumes the previous one,
// recording a "resumed from interruption" system event on the frame now on
// top.
func (s *Session) TeardownInterruptionStack() {
	if s.ActiveStackIndex == 0 {
		return
	}
	s.Stacks = s.Stacks[:s.ActiveStackIndex]
	s.ActiveStackIndex--
	if f := s.CurrentFrame(); f != nil {
		f.AppendContext(ContextEntry{
			Role:    RoleSystem,
			Content: "resumed from interruption",
		})
	}
}

// Reboot discards every stack in the session and starts a fresh S[0] holding
// only f — a FLOW step's `reboot` callType (§4.7/§4.8). No frame from any
// prior stack survives.
func (s *Session) Reboot(f *Frame) {
	s.Stacks = [][]*Frame{{f}}
	s.ActiveStackIndex = 0
}

// IsActiveStackEmpty reports whether the active stack has no frames left —
// the trigger for TeardownInterruptionStack when ActiveStackIndex > 0, or
// for leaving the session idle when it is the base stack (index 0).
func (s *Session) IsActiveStackEmpty() bool {
	return len(s.ActiveStack()) == 0
}

// SetPendingVariable is the sole writer of Frame.PendingVariable, enforcing
// invariant (c): clearing any other frame's pending variable across every
// stack before setting f's, so at most one frame session-wide ever has one
// set, and it is always the active stack's top frame.
func (s *Session) SetPendingVariable(f *Frame, variable string) {
	for _, stack := range s.Stacks {
		for _, frame := range stack {
			if frame != f {
				frame.PendingVariable = ""
			}
		}
	}
	f.PendingVariable = variable
}

// Touch updates LastActivityAt to now; called once per UpdateActivity turn.
func (s *Session) Touch() {
	s.LastActivityAt = time.Now().UTC()
}
