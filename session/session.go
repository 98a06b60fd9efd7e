// Package session implements the engine's session and frame model (spec
// §3 "Session"/"Flow frame"): the stack-of-stacks activation structure the
// scheduler (C8) and step evaluator (C7) operate on.
//
// Frame is the mutable runtime counterpart to catalog.FlowDefinition, the
// same split the teacher draws between workflow.Spec (immutable) and
// workflow.Context (mutable, per-execution) — CurrentState/History/
// Metadata there map to this package's stepsRemaining/contextHistory/
// variables.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/flowkit/engine/catalog"
	"github.com/flowkit/engine/tools"
)

// ContextRole discriminates a ContextEntry's origin.
type ContextRole string

const (
	RoleUser      ContextRole = "user"
	RoleAssistant ContextRole = "assistant"
	RoleSystem    ContextRole = "system"
	RoleTool      ContextRole = "tool"
)

// ContextEntry is the spec's boundary type for both inbound turns (the host
// calling UpdateActivity) and the per-frame append-only history.
type ContextEntry struct {
	Role      ContextRole
	Content   any // string or structured object
	Timestamp time.Time
	StepID    string
	ToolName  string
	Metadata  map[string]any
}

// TransactionState is a frame transaction's lifecycle state.
type TransactionState string

const (
	TxPending    TransactionState = "pending"
	TxCommitted  TransactionState = "committed"
	TxRolledBack TransactionState = "rolledBack"
)

// TransactionEventKind discriminates one Transaction.Events entry.
type TransactionEventKind string

const (
	EventToolCall   TransactionEventKind = "tool_call"
	EventToolResult TransactionEventKind = "tool_result"
	EventRollback   TransactionEventKind = "rollback"
	EventCommit     TransactionEventKind = "commit"
)

// TransactionLogEvent is one entry in a frame's transaction log — a
// supplement to the spec's bare "events[]" field, giving it the shape
// tool-call bookkeeping and financial rollback/commit both need. Detail
// holds a *tools.TransactionEvent for tool_call/tool_result kinds, or a
// plain string reason for rollback/commit.
type TransactionLogEvent struct {
	At     time.Time
	Kind   TransactionEventKind
	Detail any
}

// Transaction tracks the tool-call side effects of one frame, so a
// financial-category flow can be rolled back as a unit on failure (§4.6,
// §7).
type Transaction struct {
	ID     string
	State  TransactionState
	Events []TransactionLogEvent
}

// Interruption records a candidate flow match the arbiter (C9) found while a
// frame was active but hasn't yet been acted on.
type Interruption struct {
	CandidateFlowID string
	Strength        string // weak | medium | strong
	CallType        catalog.CallType

	// ResumePendingVariable is the frame's own PendingVariable at the
	// moment the confirmation prompt parked it — a frame can be mid
	// SAY-GET when an interruption candidate arrives, and that SAY-GET is
	// still unanswered if the user declines the switch, so it must be
	// restored rather than left cleared.
	ResumePendingVariable string
}

// Frame is one activation of a flow: the mutable state the scheduler and
// step evaluator thread through a sequence of steps. Corresponds exactly to
// the spec's "Flow frame (mutable, per activation)".
type Frame struct {
	ID          string
	FlowName    string
	FlowID      string
	FlowVersion string

	stepsRemaining []catalog.Step // LIFO: index 0 runs next

	ContextHistory []ContextEntry
	InputStack     []string // unconsumed user inputs awaiting a SAY-GET

	Variables map[string]any

	Transaction Transaction

	UserID    string
	StartTime time.Time

	PendingVariable string // "" means no pending SAY-GET
	LastSayMessage  string

	PendingInterruption *Interruption

	// ResultVariable is the name in the parent frame this frame's RETURN
	// value is written to, set when a FLOW step pushed this frame. Empty
	// when this frame was started by intent detection (no parent to return
	// into).
	ResultVariable string

	// LastSayGetStep remembers the most recently evaluated SAY-GET in this
	// frame, so a CALL-TOOL smart-default failure (§4.6) can re-ask it.
	LastSayGetStep *catalog.Step

	// Placeholder marks a frame that carries no flow of its own — only a
	// PendingInterruption parked while nothing was actually running (§4.9
	// weak-strength match with no active flow). It has zero steps and is
	// popped as soon as its confirmation is answered either way.
	Placeholder bool
}

// NewConfirmationFrame builds a placeholder frame whose sole purpose is to
// hold a pending yes/no confirmation when no flow is active to hang it on.
func NewConfirmationFrame(userID string) *Frame {
	f := NewFrame(catalog.FlowDefinition{}, userID, nil)
	f.Placeholder = true
	return f
}

// NewFrame builds a Frame ready to run def's steps from the start.
func NewFrame(def catalog.FlowDefinition, userID string, args map[string]any) *Frame {
	vars := make(map[string]any, len(args))
	for k, v := range args {
		vars[k] = v
	}
	return &Frame{
		ID:             uuid.NewString(),
		FlowName:       def.Name,
		FlowID:         def.ID,
		FlowVersion:    def.Version,
		stepsRemaining: append([]catalog.Step(nil), def.Steps...),
		Variables:      vars,
		Transaction:    Transaction{ID: uuid.NewString(), State: TxPending},
		UserID:         userID,
		StartTime:      time.Now().UTC(),
	}
}

// NextStep pops and returns the next step to run, or ok=false when the
// frame's steps are exhausted.
func (f *Frame) NextStep() (catalog.Step, bool) {
	if len(f.stepsRemaining) == 0 {
		return catalog.Step{}, false
	}
	s := f.stepsRemaining[0]
	f.stepsRemaining = f.stepsRemaining[1:]
	return s, true
}

// PrependSteps inserts steps at the front of the frame's remaining queue —
// how SWITCH branch bodies and CALL-TOOL onFail bodies get run next,
// immediately after the step that introduced them.
func (f *Frame) PrependSteps(steps []catalog.Step) {
	if len(steps) == 0 {
		return
	}
	f.stepsRemaining = append(append([]catalog.Step(nil), steps...), f.stepsRemaining...)
}

// HasMoreSteps reports whether the frame has unrun steps left.
func (f *Frame) HasMoreSteps() bool {
	return len(f.stepsRemaining) > 0
}

// PushInput records a fresh user utterance for a future SAY-GET to consume.
func (f *Frame) PushInput(text string) {
	f.InputStack = append(f.InputStack, text)
}

// PopInput consumes the oldest unconsumed user input.
func (f *Frame) PopInput() (string, bool) {
	if len(f.InputStack) == 0 {
		return "", false
	}
	v := f.InputStack[0]
	f.InputStack = f.InputStack[1:]
	return v, true
}

// AppendContext records entry in this frame's append-only history.
func (f *Frame) AppendContext(entry ContextEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	f.ContextHistory = append(f.ContextHistory, entry)
}

// RecordToolEvent appends evt to the frame's transaction log (§4.6 phase 6),
// tagged tool_result since the invoker only reports once the call has
// already completed (successfully or not).
func (f *Frame) RecordToolEvent(evt tools.TransactionEvent) {
	f.Transaction.Events = append(f.Transaction.Events, TransactionLogEvent{
		At: time.Now().UTC(), Kind: EventToolResult, Detail: evt,
	})
}

// Commit marks the frame's transaction committed.
func (f *Frame) Commit() {
	f.Transaction.State = TxCommitted
	f.Transaction.Events = append(f.Transaction.Events, TransactionLogEvent{At: time.Now().UTC(), Kind: EventCommit})
}

// Rollback marks the frame's transaction rolled back, recording reason —
// the financial-category abort path of §4.6/§7.
func (f *Frame) Rollback(reason string) {
	f.Transaction.State = TxRolledBack
	f.Transaction.Events = append(f.Transaction.Events, TransactionLogEvent{At: time.Now().UTC(), Kind: EventRollback, Detail: reason})
}
