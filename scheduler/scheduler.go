// Package scheduler implements the engine's flow scheduler (spec C8): the
// stack-of-stacks activation model, interruption and resumption, and the
// per-turn run loop that drives the step evaluator (C7) from one user
// utterance to the next blocking SAY-GET, terminal RETURN, or budget
// violation.
//
// Grounded on the teacher's runtime orchestrator loop (the goroutine/select
// driving a single workflow.StateMachine to completion) — generalized here
// from "one machine per session" to "a vector of stacks of frames per
// session", with the resumption bookkeeping (§4.8's "resumed from
// interruption" system event) layered on top.
package scheduler

import (
	"context"
	"strings"

	"github.com/flowkit/engine/arbiter"
	"github.com/flowkit/engine/catalog"
	"github.com/flowkit/engine/flowerr"
	"github.com/flowkit/engine/messages"
	"github.com/flowkit/engine/pathstore"
	"github.com/flowkit/engine/session"
	"github.com/flowkit/engine/step"
	"github.com/flowkit/engine/tools"
)

// defaultMaxStepsPerTurn is the watchdog step limit (§4.8): a per-turn
// budget independent of the per-stack depth budget enforced in the step
// package, together closing off both axes of §9's cyclic-flow-reference
// concern.
const defaultMaxStepsPerTurn = 1000

// confirmSwitchVariable is the synthetic pendingVariable name used while
// awaiting a yes/no answer to a confirmSwitch or rebootConfirmNeeded
// prompt (§4.9) — distinguished from an ordinary SAY-GET variable by
// Frame.PendingInterruption being non-nil.
const confirmSwitchVariable = "__confirmSwitch__"

// TurnResult is C10's per-turn return shape (§6 updateActivity).
type TurnResult struct {
	Output          string
	PendingVariable string
	Terminated      bool
	Events          []tools.TransactionEvent
}

// Scheduler runs turns: arbiter classification, then stepping the active
// frame to its next suspension point.
type Scheduler struct {
	Flows    map[string]catalog.FlowDefinition
	FlowList []catalog.FlowDefinition
	Arbiter  *arbiter.Arbiter
	Step     *step.Evaluator
	Messages *messages.Registry
	Locale   string

	// MaxStepsPerTurn bounds how many steps a single turn may execute
	// before raising StepBudgetExceeded. Zero means the default of 1000.
	MaxStepsPerTurn int
}

// New builds a Scheduler over a fixed flow catalog.
func New(flows []catalog.FlowDefinition, arb *arbiter.Arbiter, stepEval *step.Evaluator, msgs *messages.Registry, locale string) *Scheduler {
	byID := make(map[string]catalog.FlowDefinition, len(flows))
	for _, f := range flows {
		byID[f.ID] = f
	}
	return &Scheduler{Flows: byID, FlowList: flows, Arbiter: arb, Step: stepEval, Messages: msgs, Locale: locale}
}

func (s *Scheduler) maxStepsPerTurn() int {
	if s.MaxStepsPerTurn > 0 {
		return s.MaxStepsPerTurn
	}
	return defaultMaxStepsPerTurn
}

func (s *Scheduler) locale(sess *session.Session) string {
	if sess.Lang != "" {
		return sess.Lang
	}
	return s.Locale
}

// RunTurn processes exactly one ContextEntry to completion (§5 "one turn"),
// the scheduling half of C10's updateActivity.
func (s *Scheduler) RunTurn(ctx context.Context, sess *session.Session, entry session.ContextEntry) (*TurnResult, error) {
	sess.Touch()
	frame := sess.CurrentFrame()
	if frame != nil {
		frame.AppendContext(entry)
	}

	utterance, _ := entry.Content.(string)
	locale := s.locale(sess)

	decision, err := s.Arbiter.Decide(ctx, utterance, frame, s.FlowList)
	if err != nil {
		return nil, err
	}

	switch decision.Kind {
	case arbiter.DecisionUniversalCommand:
		return s.handleUniversalCommand(sess, decision.Command, locale)

	case arbiter.DecisionNoMatch:
		msg, _ := s.Messages.Render(locale, messages.IDidntCatch, nil)
		return s.finish(sess, msg), nil

	case arbiter.DecisionDeliverToPending:
		return s.deliverToPending(ctx, sess, frame, utterance, locale)

	case arbiter.DecisionConfirmSwitch:
		return s.askConfirmation(ctx, sess, frame, decision, messages.ConfirmSwitch, locale)

	case arbiter.DecisionRebootConfirmNeeded:
		return s.askConfirmation(ctx, sess, frame, decision, messages.RebootRequiresConfirm, locale)

	case arbiter.DecisionInterrupt:
		if err := s.activate(sess, decision.FlowID, decision.CallType); err != nil {
			return nil, err
		}
		return s.runLoop(ctx, sess)

	default:
		return nil, flowerr.New(flowerr.Internal, "unhandled arbiter decision kind")
	}
}

func (s *Scheduler) finish(sess *session.Session, output string) *TurnResult {
	frame := sess.CurrentFrame()
	pending := ""
	var events []tools.TransactionEvent
	if frame != nil {
		pending = frame.PendingVariable
		events = toolEvents(frame)
	}
	return &TurnResult{Output: output, PendingVariable: pending, Terminated: frame == nil, Events: events}
}

// toolEvents extracts the *tools.TransactionEvent entries from a frame's
// transaction log, in order, for surfacing on the turn result (§6
// updateActivity's events[]).
func toolEvents(frame *session.Frame) []tools.TransactionEvent {
	var out []tools.TransactionEvent
	for _, e := range frame.Transaction.Events {
		if e.Kind != session.EventToolResult {
			continue
		}
		if evt, ok := e.Detail.(tools.TransactionEvent); ok {
			out = append(out, evt)
		}
	}
	return out
}

func (s *Scheduler) handleUniversalCommand(sess *session.Session, cmd arbiter.UniversalCommand, locale string) (*TurnResult, error) {
	switch cmd {
	case arbiter.CommandCancel:
		var out strings.Builder
		if frame := sess.CurrentFrame(); frame != nil {
			frame.Rollback("cancelled by user")
			sess.PopFrame()
			s.teardownIfPossible(sess, &out)
		}
		msg, _ := s.Messages.Render(locale, messages.Cancelled, nil)
		out.WriteString(msg)
		return s.finish(sess, out.String()), nil

	case arbiter.CommandHelp:
		msg, _ := s.Messages.Render(locale, messages.Help, nil)
		return s.finish(sess, msg), nil

	case arbiter.CommandStatus:
		status := "idle"
		if frame := sess.CurrentFrame(); frame != nil {
			status = frame.FlowName
		}
		msg, _ := s.Messages.Render(locale, messages.Status, map[string]any{"status": status})
		return s.finish(sess, msg), nil

	default:
		return s.finish(sess, ""), nil
	}
}

// deliverToPending binds utterance to the active frame's pendingVariable
// and resumes stepping, unless the frame is waiting on a confirmSwitch/
// rebootConfirmNeeded answer instead (§4.9), which resolveConfirmation
// handles.
func (s *Scheduler) deliverToPending(ctx context.Context, sess *session.Session, frame *session.Frame, utterance, locale string) (*TurnResult, error) {
	if frame == nil || frame.PendingVariable == "" {
		msg, _ := s.Messages.Render(locale, messages.IDidntCatch, nil)
		return s.finish(sess, msg), nil
	}
	if frame.PendingInterruption != nil {
		return s.resolveConfirmation(ctx, sess, frame, utterance, locale)
	}

	if err := pathstore.SetPath(frame.Variables, frame.PendingVariable, utterance); err != nil {
		return nil, flowerr.Wrap(flowerr.Internal, "binding pending variable", err)
	}
	frame.PendingVariable = ""
	// The prompt text was already shown to the user last turn; start the
	// next stretch of SAY output fresh rather than re-prefixing it.
	frame.LastSayMessage = ""
	return s.runLoop(ctx, sess)
}

// askConfirmation parks the frame on a synthetic yes/no prompt, recording
// the candidate interruption so resolveConfirmation can act on it once the
// user answers.
func (s *Scheduler) askConfirmation(ctx context.Context, sess *session.Session, frame *session.Frame, d *arbiter.Decision, key messages.Key, locale string) (*TurnResult, error) {
	flowName := d.FlowID
	if def, ok := s.Flows[d.FlowID]; ok {
		flowName = def.Name
	}
	msg, _ := s.Messages.Render(locale, key, map[string]any{"flowName": flowName})

	if frame == nil {
		// No active flow to confirm against (weak match, nothing running):
		// park the confirmation on a placeholder frame instead of skipping
		// the question, since there's nothing else to interrupt or resume.
		frame = session.NewConfirmationFrame(sess.UserID)
		sess.PushFrame(frame)
	}

	frame.PendingInterruption = &session.Interruption{
		CandidateFlowID:       d.FlowID,
		Strength:              string(d.Strength),
		CallType:              d.CallType,
		ResumePendingVariable: frame.PendingVariable,
	}
	frame.LastSayMessage += msg
	sess.SetPendingVariable(frame, confirmSwitchVariable)
	return s.finish(sess, frame.LastSayMessage), nil
}

// resolveConfirmation interprets the user's answer to a pending
// confirmSwitch/rebootConfirmNeeded prompt.
func (s *Scheduler) resolveConfirmation(ctx context.Context, sess *session.Session, frame *session.Frame, utterance, locale string) (*TurnResult, error) {
	pending := frame.PendingInterruption
	frame.PendingInterruption = nil

	if !isAffirmative(utterance) {
		// Declined: restore whatever this frame was actually waiting on
		// before the confirmation prompt interrupted it, if anything.
		if pending.ResumePendingVariable != "" {
			sess.SetPendingVariable(frame, pending.ResumePendingVariable)
			return s.finish(sess, frame.LastSayMessage), nil
		}
		frame.PendingVariable = ""
		if frame.Placeholder {
			// Nothing to resume and no flow to step — the placeholder's
			// only job was holding this question, and runLoop would
			// otherwise re-flush its already-shown prompt text since it
			// has no steps of its own.
			frame.LastSayMessage = ""
			sess.PopFrame()
			return s.finish(sess, ""), nil
		}
		return s.runLoop(ctx, sess)
	}
	frame.PendingVariable = ""
	if frame.Placeholder {
		// Nothing was actually running underneath this confirmation — drop
		// the placeholder so activate starts the candidate flow on a clean
		// stack rather than nesting it beneath an empty frame that would
		// never get popped.
		sess.PopFrame()
	}

	if err := s.activate(sess, pending.CandidateFlowID, pending.CallType); err != nil {
		return nil, err
	}
	return s.runLoop(ctx, sess)
}

func isAffirmative(utterance string) bool {
	u := strings.ToLower(strings.TrimSpace(utterance))
	switch u {
	case "yes", "y", "yeah", "yep", "ok", "okay", "sure", "confirm", "proceed":
		return true
	}
	return strings.Contains(u, "confirm") || strings.Contains(u, "yes")
}

// activate starts flowID per callType (§4.8): call pushes a new
// interruption stack on top of whatever is running (preserving it for
// later resumption), or pushes onto the active stack when it is empty;
// replace swaps the active stack's top frame for the
// new flow; reboot discards every stack in the session.
func (s *Scheduler) activate(sess *session.Session, flowID string, callType catalog.CallType) error {
	def, ok := s.Flows[flowID]
	if !ok {
		return flowerr.New(flowerr.FlowNotFound, "flow "+flowID+" is not registered")
	}
	frame := session.NewFrame(def, sess.UserID, nil)

	switch callType {
	case catalog.CallTypeReplace:
		sess.ReplaceFrame(frame)
	case catalog.CallTypeReboot:
		sess.Reboot(frame)
	default:
		if sess.IsActiveStackEmpty() {
			// Nothing running to preserve: start directly on the active
			// (empty) stack instead of opening a new one with nothing
			// beneath it.
			sess.PushFrame(frame)
		} else {
			sess.PushInterruptionStack(frame)
		}
	}
	return nil
}
