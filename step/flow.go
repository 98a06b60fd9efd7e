package step

import (
	"github.com/flowkit/engine/catalog"
	"github.com/flowkit/engine/flowerr"
	"github.com/flowkit/engine/pathstore"
	"github.com/flowkit/engine/session"
	"github.com/flowkit/engine/tmpl"
)

// defaultMaxStackDepth is the per-stack frame budget (§9 "Cyclic flow
// references"): flow A calling B calling A indefinitely is caught here
// rather than only by the per-turn step budget, since a single step can
// recurse without ever exhausting the step count in one turn.
const defaultMaxStackDepth = 32

func (e *Evaluator) maxStackDepth() int {
	if e.MaxStackDepth > 0 {
		return e.MaxStackDepth
	}
	return defaultMaxStackDepth
}

// evalFlow resolves the child flow by id and activates it per callType
// (§4.7/§4.8): call pushes a new frame on the current stack, replace swaps
// the current frame for the child, reboot discards every stack in the
// session and starts a fresh one holding only the child.
func (e *Evaluator) evalFlow(sess *session.Session, frame *session.Frame, s catalog.Step) (Outcome, error) {
	def, ok := e.Flows[s.FlowID]
	if !ok {
		return OutcomeContinue, flowerr.New(flowerr.FlowNotFound, "flow "+s.FlowID+" is not registered")
	}

	args, err := e.renderArgs(sess, frame, s.Arguments)
	if err != nil {
		return OutcomeContinue, err
	}

	child := session.NewFrame(def, frame.UserID, args)

	switch s.CallType {
	case catalog.CallTypeReplace:
		child.ResultVariable = s.ResultVariable
		sess.ReplaceFrame(child)
	case catalog.CallTypeReboot:
		sess.Reboot(child)
	default: // "call", and the zero value
		if len(sess.ActiveStack())+1 > e.maxStackDepth() {
			return OutcomeContinue, flowerr.New(flowerr.StepBudgetExceeded, "stack depth budget exceeded calling "+s.FlowID)
		}
		child.ResultVariable = s.ResultVariable
		sess.PushFrame(child)
	}
	return OutcomeFrameChanged, nil
}

// renderArgs templates every string-valued argument against the caller's
// scope, recursing into nested maps/slices — the same shape the tool
// invoker's argument assembly uses, reused here for FLOW arguments since
// both hand values from a caller's variables into a callee's fresh scope.
func (e *Evaluator) renderArgs(sess *session.Session, frame *session.Frame, args map[string]any) (map[string]any, error) {
	scope := e.scope(sess, frame)
	out := make(map[string]any, len(args))
	for k, v := range args {
		rendered, err := renderArgValue(e, scope, v)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}

func renderArgValue(e *Evaluator, scope pathstore.Scope, v any) (any, error) {
	switch x := v.(type) {
	case string:
		t, err := tmpl.Parse(x)
		if err != nil {
			return nil, flowerr.Wrap(flowerr.TemplateSyntaxError, "parsing FLOW argument", err)
		}
		return tmpl.Render(t, e.Eval, scope, nil)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			rendered, err := renderArgValue(e, scope, v)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, v := range x {
			rendered, err := renderArgValue(e, scope, v)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return x, nil
	}
}

// evalReturn renders the optional return value, merges it into the parent
// frame per §4.1/§4.7, and pops the current frame. The §9 open question on
// lastSayMessage accumulation across sub-flow calls is resolved here: the
// popped frame's own accumulator is discarded outright; only a string
// return value is appended onto the parent's.
func (e *Evaluator) evalReturn(sess *session.Session, frame *session.Frame, s catalog.Step) (Outcome, error) {
	var value any
	if text, ok := s.Value.(string); ok {
		rendered, err := e.render(sess, frame, text)
		if err != nil {
			return OutcomeContinue, err
		}
		value = rendered
	} else {
		value = s.Value
	}

	frame.Commit()
	resultVariable := frame.ResultVariable
	sess.PopFrame()

	parent := sess.CurrentFrame()
	if parent == nil {
		// No frame left on this stack: resuming a suspended stack (if any)
		// is the scheduler's job (C8), not this evaluator's.
		return OutcomeFrameChanged, nil
	}

	if resultVariable != "" {
		if err := pathstore.SetPath(parent.Variables, resultVariable, value); err != nil {
			return OutcomeFrameChanged, flowerr.Wrap(flowerr.Internal, "binding RETURN value", err)
		}
	}
	if str, ok := value.(string); ok && str != "" {
		parent.LastSayMessage += str
	}
	return OutcomeFrameChanged, nil
}
