// Package step implements the engine's step evaluator (spec C7): dispatch
// and execution of exactly one SAY, SAY-GET, SET, CALL-TOOL, FLOW, SWITCH,
// or RETURN step against a session's current frame.
//
// Grounded on the teacher's workflow.StateMachine step-dispatch loop (a
// switch over a tagged step-kind union, one handler per kind, each handler
// mutating the in-flight workflow.Context and reporting what the driving
// loop should do next) — generalized here from the teacher's single-flow,
// non-suspending machine to a frame/stack model that can suspend mid-flow
// on a blocking SAY-GET and resume a turn later.
package step

import (
	"context"
	"fmt"

	"github.com/flowkit/engine/catalog"
	"github.com/flowkit/engine/expr"
	"github.com/flowkit/engine/flowerr"
	"github.com/flowkit/engine/messages"
	"github.com/flowkit/engine/pathstore"
	"github.com/flowkit/engine/session"
	"github.com/flowkit/engine/tmpl"
	"github.com/flowkit/engine/tools"
)

// Outcome reports what the scheduler should do after Evaluate returns.
type Outcome string

const (
	// OutcomeContinue means the current frame is still runnable; the
	// scheduler should pop and evaluate its next step in the same turn.
	OutcomeContinue Outcome = "continue"
	// OutcomeSuspend means a blocking SAY-GET ended the turn; control
	// returns to the host until the next utterance arrives.
	OutcomeSuspend Outcome = "suspend"
	// OutcomeFrameChanged means the active frame was pushed, replaced,
	// popped, or the whole session rebooted; the scheduler should re-fetch
	// sess.CurrentFrame() before continuing the run loop.
	OutcomeFrameChanged Outcome = "frameChanged"
)

// Evaluator executes one step at a time (spec C7). It holds no per-turn
// state — everything it reads or mutates lives on the session/frame passed
// to Evaluate.
type Evaluator struct {
	Flows    map[string]catalog.FlowDefinition
	Invoker  *tools.Invoker
	Eval     *expr.Evaluator
	Messages *messages.Registry

	// RecoveryFlowID is the flow pushed, call-style, when a financial-
	// category flow's tool call fails unrecoverably (§4.6). Empty disables
	// automatic recovery dispatch; the failed frame is simply popped instead.
	RecoveryFlowID string

	// Locale is the message-registry locale used for engine-authored
	// strings (retry prompts, etc.) when the session itself doesn't specify
	// one.
	Locale string

	// MaxStackDepth bounds how many frames a single stack may hold before
	// a FLOW `call` raises StepBudgetExceeded (§9). Zero means the default
	// of 32.
	MaxStackDepth int
}

// New builds an Evaluator.
func New(flows map[string]catalog.FlowDefinition, invoker *tools.Invoker, ev *expr.Evaluator, msgs *messages.Registry, recoveryFlowID, locale string) *Evaluator {
	return &Evaluator{Flows: flows, Invoker: invoker, Eval: ev, Messages: msgs, RecoveryFlowID: recoveryFlowID, Locale: locale}
}

// Evaluate runs exactly one step against sess's current frame.
func (e *Evaluator) Evaluate(ctx context.Context, sess *session.Session, s catalog.Step) (Outcome, error) {
	frame := sess.CurrentFrame()
	if frame == nil {
		return OutcomeFrameChanged, flowerr.New(flowerr.Internal, "no active frame to evaluate a step against")
	}

	switch s.Kind {
	case catalog.StepSay:
		return e.evalSay(sess, frame, s)
	case catalog.StepSayGet:
		return e.evalSayGet(sess, frame, s)
	case catalog.StepSet:
		return e.evalSet(sess, frame, s)
	case catalog.StepCallTool:
		return e.evalCallTool(ctx, sess, frame, s)
	case catalog.StepFlow:
		return e.evalFlow(sess, frame, s)
	case catalog.StepSwitch:
		return e.evalSwitch(sess, frame, s)
	case catalog.StepReturn:
		return e.evalReturn(sess, frame, s)
	default:
		return OutcomeFrameChanged, flowerr.New(flowerr.Internal, fmt.Sprintf("unknown step kind %q", s.Kind))
	}
}

func (e *Evaluator) scope(sess *session.Session, frame *session.Frame) pathstore.Scope {
	return pathstore.Scope{Variables: frame.Variables, Globals: sess.Globals}
}

func (e *Evaluator) render(sess *session.Session, frame *session.Frame, text string) (string, error) {
	t, err := tmpl.Parse(text)
	if err != nil {
		return "", flowerr.Wrap(flowerr.TemplateSyntaxError, "parsing step message", err)
	}
	out, err := tmpl.Render(t, e.Eval, e.scope(sess, frame), nil)
	if err != nil {
		return "", flowerr.Wrap(flowerr.TemplateSyntaxError, "rendering step message", err)
	}
	return out, nil
}

func (e *Evaluator) evalSay(sess *session.Session, frame *session.Frame, s catalog.Step) (Outcome, error) {
	out, err := e.render(sess, frame, s.Message)
	if err != nil {
		return OutcomeContinue, err
	}
	if s.AppendMode {
		frame.LastSayMessage += out
	} else {
		frame.LastSayMessage = out
	}
	return OutcomeContinue, nil
}

func (e *Evaluator) evalSayGet(sess *session.Session, frame *session.Frame, s catalog.Step) (Outcome, error) {
	out, err := e.render(sess, frame, s.Message)
	if err != nil {
		return OutcomeContinue, err
	}
	frame.LastSayMessage += out
	frame.LastSayGetStep = &s
	sess.SetPendingVariable(frame, s.Variable)
	return OutcomeSuspend, nil
}

// globalPrefix is the variable-name convention a SET step uses to target
// session globals instead of the current frame's variables (§5 "Session
// globals are mutable only by SET ... declaring scope:global"). The catalog
// step shape carries no separate scope field, so this engine reuses the
// path-based addressing C1 already supports: a leading "global." segment
// routes the write to Session.Globals instead of Frame.Variables.
const globalPrefix = "global."

func (e *Evaluator) evalSet(sess *session.Session, frame *session.Frame, s catalog.Step) (Outcome, error) {
	value, err := e.computeSetValue(sess, frame, s)
	if err != nil {
		return OutcomeContinue, err
	}

	variable := s.Variable
	target := frame.Variables
	if rest, ok := cutGlobalPrefix(variable); ok {
		target = sess.Globals
		variable = rest
	}
	if err := pathstore.SetPath(target, variable, value); err != nil {
		return OutcomeContinue, flowerr.Wrap(flowerr.Internal, "writing SET target", err)
	}
	return OutcomeContinue, nil
}

func cutGlobalPrefix(variable string) (string, bool) {
	if len(variable) > len(globalPrefix) && variable[:len(globalPrefix)] == globalPrefix {
		return variable[len(globalPrefix):], true
	}
	return "", false
}

func (e *Evaluator) computeSetValue(sess *session.Session, frame *session.Frame, s catalog.Step) (any, error) {
	if s.Expression != "" {
		v, err := e.Eval.Eval(s.Expression, e.scope(sess, frame), nil)
		if err != nil {
			return nil, flowerr.Wrap(flowerr.ExpressionRuntimeErr, "evaluating SET expression", err)
		}
		return v, nil
	}
	if text, ok := s.Value.(string); ok {
		// A literal with no {{ }} markers round-trips unchanged (property
		// 5), so template rendering doubles as the literal case.
		return e.render(sess, frame, text)
	}
	return s.Value, nil
}

func (e *Evaluator) evalSwitch(sess *session.Session, frame *session.Frame, s catalog.Step) (Outcome, error) {
	value, err := e.Eval.Eval(s.Expression, e.scope(sess, frame), nil)
	if err != nil {
		return OutcomeContinue, flowerr.Wrap(flowerr.ExpressionRuntimeErr, "evaluating SWITCH expression", err)
	}

	for _, branch := range s.Branches {
		hit := false
		if branch.Match != nil {
			hit = strictEqual(value, branch.Match)
		} else if branch.Condition != "" {
			cond, err := e.Eval.Eval(branch.Condition, e.scope(sess, frame), value)
			if err != nil {
				return OutcomeContinue, flowerr.Wrap(flowerr.ExpressionRuntimeErr, "evaluating SWITCH branch condition", err)
			}
			hit = truthy(cond)
		}
		if hit {
			frame.PrependSteps(branch.Steps)
			return OutcomeContinue, nil
		}
	}
	if s.Default != nil {
		frame.PrependSteps(s.Default)
	}
	return OutcomeContinue, nil
}

// strictEqual mirrors C2's own strict-equality semantics (expr.strictEqual)
// for comparing a SWITCH branch's match value against the evaluated
// expression.
func strictEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case nil:
		return false
	case string:
		return x != ""
	case float64:
		return x != 0
	default:
		return v != nil
	}
}
