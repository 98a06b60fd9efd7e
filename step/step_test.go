package step

import (
	"context"
	"strings"
	"testing"

	"github.com/flowkit/engine/catalog"
	"github.com/flowkit/engine/expr"
	"github.com/flowkit/engine/flowerr"
	"github.com/flowkit/engine/messages"
	"github.com/flowkit/engine/session"
	"github.com/flowkit/engine/tools"
)

func newTestEvaluator(t *testing.T, flows map[string]catalog.FlowDefinition, toolDefs []catalog.ToolDefinition, fns map[string]tools.ApprovedFunc) *Evaluator {
	t.Helper()
	ev := expr.NewEvaluator(nil)
	inv := tools.NewInvoker(toolDefs, fns, ev, nil, nil, nil)
	return New(flows, inv, ev, messages.NewRegistry(), "", "en")
}

func TestEvalSay_AccumulatesIntoLastSayMessage(t *testing.T) {
	e := newTestEvaluator(t, nil, nil, nil)
	sess := session.NewSession("u1", "en")
	frame := session.NewFrame(catalog.FlowDefinition{ID: "x"}, "u1", map[string]any{"name": "Ada"})
	sess.PushFrame(frame)

	outcome, err := e.Evaluate(context.Background(), sess, catalog.Step{Kind: catalog.StepSay, Message: "Hi, {{name}}"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if outcome != OutcomeContinue {
		t.Fatalf("got outcome %v", outcome)
	}
	if frame.LastSayMessage != "Hi, Ada" {
		t.Errorf("got %q", frame.LastSayMessage)
	}
}

func TestEvalSayGet_SetsPendingVariableAndSuspends(t *testing.T) {
	e := newTestEvaluator(t, nil, nil, nil)
	sess := session.NewSession("u1", "en")
	frame := session.NewFrame(catalog.FlowDefinition{ID: "x"}, "u1", nil)
	sess.PushFrame(frame)

	outcome, err := e.Evaluate(context.Background(), sess, catalog.Step{Kind: catalog.StepSayGet, Message: "How old?", Variable: "age"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if outcome != OutcomeSuspend {
		t.Fatalf("got outcome %v", outcome)
	}
	if frame.PendingVariable != "age" {
		t.Errorf("pendingVariable = %q", frame.PendingVariable)
	}
}

func TestEvalSet_ExpressionWritesVariable(t *testing.T) {
	e := newTestEvaluator(t, nil, nil, nil)
	sess := session.NewSession("u1", "en")
	frame := session.NewFrame(catalog.FlowDefinition{ID: "x"}, "u1", map[string]any{"age": float64(20)})
	sess.PushFrame(frame)

	_, err := e.Evaluate(context.Background(), sess, catalog.Step{Kind: catalog.StepSet, Variable: "older", Expression: "age >= 18"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v, _ := frame.Variables["older"].(bool); !v {
		t.Errorf("expected older=true, got %v", frame.Variables["older"])
	}
}

func TestEvalSet_GlobalPrefixWritesSessionGlobals(t *testing.T) {
	e := newTestEvaluator(t, nil, nil, nil)
	sess := session.NewSession("u1", "en")
	frame := session.NewFrame(catalog.FlowDefinition{ID: "x"}, "u1", nil)
	sess.PushFrame(frame)

	_, err := e.Evaluate(context.Background(), sess, catalog.Step{Kind: catalog.StepSet, Variable: "global.tier", Value: "gold"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sess.Globals["tier"] != "gold" {
		t.Errorf("got globals %v", sess.Globals)
	}
	if _, ok := frame.Variables["tier"]; ok {
		t.Errorf("global write leaked into frame variables")
	}
}

func TestEvalSwitch_MatchBranchPrependsSteps(t *testing.T) {
	e := newTestEvaluator(t, nil, nil, nil)
	sess := session.NewSession("u1", "en")
	frame := session.NewFrame(catalog.FlowDefinition{ID: "x"}, "u1", map[string]any{"tier": "gold"})
	sess.PushFrame(frame)

	sw := catalog.Step{
		Kind:       catalog.StepSwitch,
		Expression: "tier",
		Branches: []catalog.Branch{
			{Match: "gold", Steps: []catalog.Step{{Kind: catalog.StepSay, Message: "welcome gold"}}},
		},
		Default: []catalog.Step{{Kind: catalog.StepSay, Message: "welcome guest"}},
	}
	if _, err := e.Evaluate(context.Background(), sess, sw); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	next, ok := frame.NextStep()
	if !ok || next.Message != "welcome gold" {
		t.Fatalf("expected matched branch prepended, got %+v ok=%v", next, ok)
	}
}

func TestEvalFlow_CallPushesChildFrameWithResultVariable(t *testing.T) {
	child := catalog.FlowDefinition{ID: "child", Steps: []catalog.Step{{Kind: catalog.StepReturn, Value: "done"}}}
	e := newTestEvaluator(t, map[string]catalog.FlowDefinition{"child": child}, nil, nil)
	sess := session.NewSession("u1", "en")
	parent := session.NewFrame(catalog.FlowDefinition{ID: "parent"}, "u1", nil)
	sess.PushFrame(parent)

	outcome, err := e.Evaluate(context.Background(), sess, catalog.Step{Kind: catalog.StepFlow, FlowID: "child", CallType: catalog.CallTypeCall, ResultVariable: "result"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if outcome != OutcomeFrameChanged {
		t.Fatalf("got outcome %v", outcome)
	}
	if len(sess.ActiveStack()) != 2 {
		t.Fatalf("expected child frame pushed, stack depth %d", len(sess.ActiveStack()))
	}
	if sess.CurrentFrame().FlowID != "child" {
		t.Fatalf("current frame is %q", sess.CurrentFrame().FlowID)
	}
}

func TestEvalReturn_MergesValueIntoParentAndPopsFrame(t *testing.T) {
	e := newTestEvaluator(t, nil, nil, nil)
	sess := session.NewSession("u1", "en")
	parent := session.NewFrame(catalog.FlowDefinition{ID: "parent"}, "u1", nil)
	sess.PushFrame(parent)
	child := session.NewFrame(catalog.FlowDefinition{ID: "child"}, "u1", nil)
	child.ResultVariable = "age"
	sess.PushFrame(child)

	outcome, err := e.Evaluate(context.Background(), sess, catalog.Step{Kind: catalog.StepReturn, Value: "42"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if outcome != OutcomeFrameChanged {
		t.Fatalf("got outcome %v", outcome)
	}
	if len(sess.ActiveStack()) != 1 {
		t.Fatalf("expected child frame popped, stack depth %d", len(sess.ActiveStack()))
	}
	if parent.Variables["age"] != "42" {
		t.Errorf("parent.age = %v", parent.Variables["age"])
	}
	if parent.LastSayMessage != "42" {
		t.Errorf("expected string return value appended to parent accumulator, got %q", parent.LastSayMessage)
	}
}

func TestEvalFlow_RebootDiscardsAllStacks(t *testing.T) {
	def := catalog.FlowDefinition{ID: "fresh"}
	e := newTestEvaluator(t, map[string]catalog.FlowDefinition{"fresh": def}, nil, nil)
	sess := session.NewSession("u1", "en")
	old := session.NewFrame(catalog.FlowDefinition{ID: "old"}, "u1", nil)
	sess.PushFrame(old)
	sess.PushInterruptionStack(session.NewFrame(catalog.FlowDefinition{ID: "interrupting"}, "u1", nil))

	_, err := e.Evaluate(context.Background(), sess, catalog.Step{Kind: catalog.StepFlow, FlowID: "fresh", CallType: catalog.CallTypeReboot})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(sess.Stacks) != 1 || sess.ActiveStackIndex != 0 {
		t.Fatalf("expected a single stack after reboot, got %d stacks, active=%d", len(sess.Stacks), sess.ActiveStackIndex)
	}
	if sess.CurrentFrame().FlowID != "fresh" {
		t.Fatalf("current frame is %q", sess.CurrentFrame().FlowID)
	}
}

func TestEvalCallTool_FunctionSuccessBindsResultVariable(t *testing.T) {
	toolDefs := []catalog.ToolDefinition{{Name: "echo", Implementation: catalog.Implementation{Type: catalog.ImplFunction, Name: "echo"}}}
	fns := map[string]tools.ApprovedFunc{"echo": func(ctx context.Context, args map[string]any) (any, error) {
		return args["msg"], nil
	}}
	e := newTestEvaluator(t, nil, toolDefs, fns)
	sess := session.NewSession("u1", "en")
	frame := session.NewFrame(catalog.FlowDefinition{ID: "x"}, "u1", nil)
	sess.PushFrame(frame)

	s := catalog.Step{Kind: catalog.StepCallTool, ToolName: "echo", Arguments: map[string]any{"msg": "hi"}, ResultVariable: "out"}
	if _, err := e.Evaluate(context.Background(), sess, s); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if frame.Variables["out"] != "hi" {
		t.Errorf("got %v", frame.Variables["out"])
	}
	if len(frame.Transaction.Events) != 1 {
		t.Errorf("expected one transaction event, got %d", len(frame.Transaction.Events))
	}
}

func TestEvalCallTool_NoOnFailReAsksPriorSayGet(t *testing.T) {
	toolDefs := []catalog.ToolDefinition{{Name: "fail", Implementation: catalog.Implementation{Type: catalog.ImplFunction, Name: "fail"}}}
	fns := map[string]tools.ApprovedFunc{"fail": func(ctx context.Context, args map[string]any) (any, error) {
		return nil, context.DeadlineExceeded
	}}
	e := newTestEvaluator(t, nil, toolDefs, fns)
	sess := session.NewSession("u1", "en")
	frame := session.NewFrame(catalog.FlowDefinition{ID: "x"}, "u1", nil)
	sess.PushFrame(frame)

	sayGet := catalog.Step{Kind: catalog.StepSayGet, Message: "Item?", Variable: "item"}
	if _, err := e.Evaluate(context.Background(), sess, sayGet); err != nil {
		t.Fatalf("say-get: %v", err)
	}
	frame.PendingVariable = "" // simulate the utterance having already been delivered

	callTool := catalog.Step{Kind: catalog.StepCallTool, ToolName: "fail", Arguments: map[string]any{}, ResultVariable: "out"}
	outcome, err := e.Evaluate(context.Background(), sess, callTool)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if outcome != OutcomeContinue {
		t.Fatalf("got outcome %v", outcome)
	}
	next, ok := frame.NextStep()
	if !ok || next.Kind != catalog.StepSayGet || next.Variable != "item" {
		t.Fatalf("expected the prior SAY-GET re-queued, got %+v ok=%v", next, ok)
	}
}

func TestEvalCallTool_GenericFailureRendersRetryPromptNotNetworkError(t *testing.T) {
	toolDefs := []catalog.ToolDefinition{{Name: "fail", Implementation: catalog.Implementation{Type: catalog.ImplFunction, Name: "fail"}}}
	fns := map[string]tools.ApprovedFunc{"fail": func(ctx context.Context, args map[string]any) (any, error) {
		return nil, context.DeadlineExceeded
	}}
	e := newTestEvaluator(t, nil, toolDefs, fns)
	sess := session.NewSession("u1", "en")
	frame := session.NewFrame(catalog.FlowDefinition{ID: "x"}, "u1", nil)
	sess.PushFrame(frame)

	callTool := catalog.Step{Kind: catalog.StepCallTool, ToolName: "fail", Arguments: map[string]any{}}
	if _, err := e.Evaluate(context.Background(), sess, callTool); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if frame.LastSayMessage == "" || !strings.Contains(frame.LastSayMessage, "Let's try that again") {
		t.Errorf("expected the retry-prompt message for a generic failure, got %q", frame.LastSayMessage)
	}
}

func TestEvalCallTool_TransportFailureRendersNetworkError(t *testing.T) {
	toolDefs := []catalog.ToolDefinition{{Name: "fail", Implementation: catalog.Implementation{Type: catalog.ImplFunction, Name: "fail"}}}
	fns := map[string]tools.ApprovedFunc{"fail": func(ctx context.Context, args map[string]any) (any, error) {
		return nil, flowerr.New(flowerr.HTTPTransport, "connection refused")
	}}
	e := newTestEvaluator(t, nil, toolDefs, fns)
	sess := session.NewSession("u1", "en")
	frame := session.NewFrame(catalog.FlowDefinition{ID: "x"}, "u1", nil)
	sess.PushFrame(frame)

	callTool := catalog.Step{Kind: catalog.StepCallTool, ToolName: "fail", Arguments: map[string]any{}}
	if _, err := e.Evaluate(context.Background(), sess, callTool); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if frame.LastSayMessage != "I couldn't reach that service. Please try again in a moment." {
		t.Errorf("expected the network-error message for a transport failure, got %q", frame.LastSayMessage)
	}
}

func TestEvalCallTool_FinancialFlowFailureRollsBackAndAbortsFrame(t *testing.T) {
	toolDefs := []catalog.ToolDefinition{{Name: "charge", Implementation: catalog.Implementation{Type: catalog.ImplFunction, Name: "charge"}}}
	fns := map[string]tools.ApprovedFunc{"charge": func(ctx context.Context, args map[string]any) (any, error) {
		return nil, context.DeadlineExceeded
	}}
	flow := catalog.FlowDefinition{ID: "transfer", Category: "financial"}
	e := newTestEvaluator(t, map[string]catalog.FlowDefinition{"transfer": flow}, toolDefs, fns)
	sess := session.NewSession("u1", "en")
	frame := session.NewFrame(flow, "u1", nil)
	sess.PushFrame(frame)

	callTool := catalog.Step{Kind: catalog.StepCallTool, ToolName: "charge", Arguments: map[string]any{}}
	outcome, err := e.Evaluate(context.Background(), sess, callTool)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if outcome != OutcomeFrameChanged {
		t.Fatalf("got outcome %v", outcome)
	}
	if frame.Transaction.State != session.TxRolledBack {
		t.Errorf("expected rolled back transaction, got %v", frame.Transaction.State)
	}
	if sess.CurrentFrame() != nil {
		t.Errorf("expected the financial frame popped with no recovery flow registered")
	}
	if frame.LastSayMessage != "This transaction was cancelled and nothing was charged." {
		t.Errorf("expected the financial-abort message on the popped frame, got %q", frame.LastSayMessage)
	}
}

func TestEvalCallTool_FinancialFlowFailureCarriesAbortMessageIntoRecoveryFlow(t *testing.T) {
	toolDefs := []catalog.ToolDefinition{{Name: "charge", Implementation: catalog.Implementation{Type: catalog.ImplFunction, Name: "charge"}}}
	fns := map[string]tools.ApprovedFunc{"charge": func(ctx context.Context, args map[string]any) (any, error) {
		return nil, context.DeadlineExceeded
	}}
	flow := catalog.FlowDefinition{ID: "transfer", Category: "financial"}
	recovery := catalog.FlowDefinition{ID: "recover", Steps: []catalog.Step{{Kind: catalog.StepReturn}}}
	flows := map[string]catalog.FlowDefinition{"transfer": flow, "recover": recovery}
	ev := expr.NewEvaluator(nil)
	inv := tools.NewInvoker(toolDefs, fns, ev, nil, nil, nil)
	e := New(flows, inv, ev, messages.NewRegistry(), "recover", "en")
	sess := session.NewSession("u1", "en")
	frame := session.NewFrame(flow, "u1", nil)
	sess.PushFrame(frame)

	callTool := catalog.Step{Kind: catalog.StepCallTool, ToolName: "charge", Arguments: map[string]any{}}
	outcome, err := e.Evaluate(context.Background(), sess, callTool)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if outcome != OutcomeFrameChanged {
		t.Fatalf("got outcome %v", outcome)
	}
	recovered := sess.CurrentFrame()
	if recovered == nil || recovered.FlowID != "recover" {
		t.Fatalf("expected the recovery flow to be active, got %+v", recovered)
	}
	if recovered.LastSayMessage != "This transaction was cancelled and nothing was charged." {
		t.Errorf("expected the recovery frame to carry the abort message, got %q", recovered.LastSayMessage)
	}
}
