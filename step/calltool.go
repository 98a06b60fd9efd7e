package step

import (
	"context"

	"github.com/flowkit/engine/catalog"
	"github.com/flowkit/engine/flowerr"
	"github.com/flowkit/engine/messages"
	"github.com/flowkit/engine/pathstore"
	"github.com/flowkit/engine/session"
	"github.com/flowkit/engine/tools"
)

// evalCallTool delegates to C6 and applies §4.6's onFail handling: an
// explicit branch if the step declares one, else a smart default keyed off
// the error's flowerr.Kind.
func (e *Evaluator) evalCallTool(ctx context.Context, sess *session.Session, frame *session.Frame, s catalog.Step) (Outcome, error) {
	req := tools.InvokeRequest{
		SessionID:   sess.ID,
		ToolName:    s.ToolName,
		Arguments:   s.Arguments,
		CallerScope: e.scope(sess, frame),
	}

	result, err := e.Invoker.Invoke(ctx, req)
	if result != nil {
		frame.RecordToolEvent(result.Event)
	}
	if err == nil {
		if s.ResultVariable != "" {
			if werr := pathstore.SetPath(frame.Variables, s.ResultVariable, result.Value); werr != nil {
				return OutcomeContinue, flowerr.Wrap(flowerr.Internal, "binding tool result", werr)
			}
		}
		return OutcomeContinue, nil
	}

	if len(s.OnFail) > 0 {
		frame.PrependSteps(s.OnFail)
		return OutcomeContinue, nil
	}

	return e.toolSmartDefault(sess, frame, s, err)
}

// toolSmartDefault applies §4.6's three smart defaults when a CALL-TOOL
// step has no explicit onFail branch: network/timeout errors and
// validation errors both emit a localized message and re-ask the prior
// SAY-GET; a failure inside a financial-category flow rolls the
// transaction back and, if a recovery flow is registered, dispatches it.
func (e *Evaluator) toolSmartDefault(sess *session.Session, frame *session.Frame, s catalog.Step, toolErr error) (Outcome, error) {
	def, known := e.Flows[frame.FlowID]
	if known && def.IsFinancial() {
		abortMsg, rerr := e.Messages.Render(e.sessionLocale(sess), messages.FinancialAborted, nil)
		if rerr != nil {
			abortMsg = toolErr.Error()
		}
		frame.LastSayMessage += abortMsg
		frame.Rollback(toolErr.Error())
		sess.PopFrame()
		// frame is now off the stack and unreachable; the abort message
		// has to travel onto whatever frame becomes current next — the
		// recovery flow if one is registered, mirroring how a RETURN's
		// value is merged onto the parent frame rather than kept on the
		// frame that's leaving.
		if e.RecoveryFlowID != "" {
			if recovery, ok := e.Flows[e.RecoveryFlowID]; ok {
				next := session.NewFrame(recovery, frame.UserID, nil)
				next.LastSayMessage = frame.LastSayMessage
				sess.PushFrame(next)
				return OutcomeFrameChanged, nil
			}
		}
		if below := sess.CurrentFrame(); below != nil {
			below.LastSayMessage += frame.LastSayMessage
		}
		// Resuming whatever stack sits beneath this one (if the active
		// stack is now empty) is the scheduler's job (C8), not this
		// evaluator's.
		return OutcomeFrameChanged, nil
	}

	kind := flowerr.KindOf(toolErr)
	var msgKey messages.Key
	switch kind {
	case flowerr.SchemaValidationFailed:
		msgKey = messages.IDidntCatch
	case flowerr.HTTPTransport:
		msgKey = messages.NetworkError
	default:
		// Timeout, HttpStatus, and anything else: the call reached the
		// tool (or we can't tell that it didn't), so the generic retry
		// message fits better than the connectivity-specific one.
		msgKey = messages.RetryPrompt
	}
	text, rerr := e.Messages.Render(e.sessionLocale(sess), msgKey, map[string]any{"message": toolErr.Error()})
	if rerr != nil {
		text = toolErr.Error()
	}
	frame.LastSayMessage += text

	if frame.LastSayGetStep != nil {
		frame.PrependSteps([]catalog.Step{*frame.LastSayGetStep})
		return OutcomeContinue, nil
	}

	// No prior SAY-GET to re-ask: treat as an unhandled failure per §7 —
	// abort this frame; resuming whatever is beneath it is the scheduler's
	// job (C8).
	sess.PopFrame()
	return OutcomeFrameChanged, nil
}

func (e *Evaluator) sessionLocale(sess *session.Session) string {
	if sess.Lang != "" {
		return sess.Lang
	}
	return e.Locale
}
