package scheduler

import (
	"context"
	"strings"

	"github.com/flowkit/engine/flowerr"
	"github.com/flowkit/engine/session"
	"github.com/flowkit/engine/step"
	"github.com/flowkit/engine/tools"
)

// runLoop drives the active frame step by step (§4.8's per-turn run loop)
// until one of four things ends the turn: a blocking SAY-GET suspends it, a
// RETURN empties the whole session, an error triggers recovery-flow
// dispatch, or the watchdog step limit is exceeded.
//
// Output accumulation follows the §9 lastSayMessage rule: a popped frame's
// own accumulator is never flushed to turn output by the step evaluator
// (that package discards it outright on RETURN, only forwarding a string
// return value onto the parent). This loop is the one place that flushes
// LastSayMessage into the turn's visible output — at suspend, at the point
// a stack genuinely runs dry, and again after an interruption-stack
// teardown resumes whatever was beneath it (scenario 2: "the resumed frame
// re-emits its last SAY plus the original prompt").
func (s *Scheduler) runLoop(ctx context.Context, sess *session.Session) (*TurnResult, error) {
	var out strings.Builder
	var events []tools.TransactionEvent
	steps := 0

	for {
		frame := sess.CurrentFrame()
		if frame == nil {
			if !s.teardownIfPossible(sess, &out) {
				return &TurnResult{Output: out.String(), Terminated: true, Events: events}, nil
			}
			continue
		}

		if frame.PendingVariable != "" {
			// A resumed stack can surface a frame that was already
			// suspended on a SAY-GET before the interruption preempted it
			// (§4.8 "suspended stack preserved verbatim") — it stays
			// suspended until its own pending variable is answered, not
			// re-entered into the step loop.
			out.WriteString(frame.LastSayMessage)
			events = append(events, toolEvents(frame)...)
			return &TurnResult{Output: out.String(), PendingVariable: frame.PendingVariable, Events: events}, nil
		}

		if !frame.HasMoreSteps() {
			out.WriteString(frame.LastSayMessage)
			frame.LastSayMessage = ""
			events = append(events, toolEvents(frame)...)
			sess.PopFrame()
			s.teardownIfPossible(sess, &out)
			continue
		}

		steps++
		if steps > s.maxStepsPerTurn() {
			return nil, flowerr.New(flowerr.StepBudgetExceeded, "turn exceeded the maximum step budget")
		}

		next, _ := frame.NextStep()
		outcome, err := s.Step.Evaluate(ctx, sess, next)
		if err != nil {
			return s.handleStepError(ctx, sess, &out, events, err)
		}

		switch outcome {
		case step.OutcomeSuspend:
			out.WriteString(frame.LastSayMessage)
			pending := frame.PendingVariable
			events = append(events, toolEvents(frame)...)
			return &TurnResult{Output: out.String(), PendingVariable: pending, Events: events}, nil

		case step.OutcomeFrameChanged:
			// A FLOW push/replace/reboot or a RETURN already repositioned
			// the session; loop back around and re-fetch CurrentFrame.
			continue

		default: // OutcomeContinue
			continue
		}
	}
}

// teardownIfPossible collapses the active stack into the one beneath it
// when the active stack has just run dry, flushing the newly-resumed
// frame's pending SAY text into out. Reports whether a teardown happened.
func (s *Scheduler) teardownIfPossible(sess *session.Session, out *strings.Builder) bool {
	if sess.ActiveStackIndex == 0 || !sess.IsActiveStackEmpty() {
		return false
	}
	sess.TeardownInterruptionStack()
	if resumed := sess.CurrentFrame(); resumed != nil {
		out.WriteString(resumed.LastSayMessage)
		resumed.LastSayMessage = ""
	}
	return true
}

// handleStepError applies §4.8's uncaught-error recovery: dispatch to the
// evaluator's configured recovery flow as a nested call on the current
// stack (the same shape the financial smart-default's own recovery push
// uses) if one is registered, otherwise surface the error to the host.
func (s *Scheduler) handleStepError(ctx context.Context, sess *session.Session, out *strings.Builder, events []tools.TransactionEvent, stepErr error) (*TurnResult, error) {
	recoveryID := s.Step.RecoveryFlowID
	def, ok := s.Step.Flows[recoveryID]
	if recoveryID == "" || !ok {
		return nil, stepErr
	}
	sess.PushFrame(session.NewFrame(def, sess.UserID, nil))
	result, err := s.runLoop(ctx, sess)
	if err != nil {
		return nil, err
	}
	result.Output = out.String() + result.Output
	result.Events = append(events, result.Events...)
	return result, nil
}
