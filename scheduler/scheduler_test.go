package scheduler

import (
	"context"
	"testing"

	"github.com/flowkit/engine/arbiter"
	"github.com/flowkit/engine/catalog"
	"github.com/flowkit/engine/expr"
	"github.com/flowkit/engine/messages"
	"github.com/flowkit/engine/session"
	"github.com/flowkit/engine/step"
	"github.com/flowkit/engine/tools"
)

// stubBridge returns a fixed classification for every utterance, letting
// tests drive the arbiter deterministically without a real AI bridge.
type stubBridge struct{ response string }

func (b stubBridge) Fetch(_ context.Context, _, _ string) (string, error) {
	return b.response, nil
}

func greetFlow() catalog.FlowDefinition {
	return catalog.FlowDefinition{
		ID:   "greet",
		Name: "Greet",
		Steps: []catalog.Step{
			{Kind: catalog.StepSayGet, Message: "What's your name?", Variable: "name"},
			{Kind: catalog.StepSay, Message: "Nice to meet you, {{name}}."},
		},
	}
}

func financialFlow() catalog.FlowDefinition {
	return catalog.FlowDefinition{
		ID:       "pay",
		Name:     "Pay Bill",
		Category: "financial",
		Steps: []catalog.Step{
			{Kind: catalog.StepSayGet, Message: "How much would you like to pay?", Variable: "amount"},
			{Kind: catalog.StepSay, Message: "Charging {{amount}}."},
		},
	}
}

func newTestScheduler(t *testing.T, flows []catalog.FlowDefinition, bridge arbiter.Bridge) *Scheduler {
	t.Helper()
	ev := expr.NewEvaluator(nil)
	flowMap := make(map[string]catalog.FlowDefinition, len(flows))
	for _, f := range flows {
		flowMap[f.ID] = f
	}
	inv := tools.NewInvoker(nil, nil, ev, nil, nil, nil)
	stepEval := step.New(flowMap, inv, ev, messages.NewRegistry(), "", "en")
	return New(flows, arbiter.New(bridge), stepEval, messages.NewRegistry(), "en")
}

func TestRunTurn_InterruptStartsFlowAndSuspendsAtSayGet(t *testing.T) {
	flows := []catalog.FlowDefinition{greetFlow()}
	bridge := stubBridge{response: `{"flow_id":"greet","strength":"strong","call_type":"call"}`}
	sched := newTestScheduler(t, flows, bridge)
	sess := session.NewSession("u1", "en")

	result, err := sched.RunTurn(context.Background(), sess, session.ContextEntry{Role: session.RoleUser, Content: "hi"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.PendingVariable != "name" {
		t.Fatalf("pendingVariable = %q, want %q", result.PendingVariable, "name")
	}
	if result.Output != "What's your name?" {
		t.Errorf("output = %q", result.Output)
	}
}

func TestRunTurn_DeliverToPendingResumesAndCompletesFlow(t *testing.T) {
	flows := []catalog.FlowDefinition{greetFlow()}
	// The second Fetch call (classifying the "Ada" answer itself) must not
	// re-match any flow, or the arbiter would interrupt instead of
	// delivering the answer to the pending SAY-GET.
	bridge := &switchingBridge{responses: []string{
		`{"flow_id":"greet","strength":"strong","call_type":"call"}`,
		``,
	}}
	sched := newTestScheduler(t, flows, bridge)
	sess := session.NewSession("u1", "en")

	if _, err := sched.RunTurn(context.Background(), sess, session.ContextEntry{Role: session.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("first turn: %v", err)
	}

	result, err := sched.RunTurn(context.Background(), sess, session.ContextEntry{Role: session.RoleUser, Content: "Ada"})
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if result.Output != "Nice to meet you, Ada." {
		t.Errorf("output = %q", result.Output)
	}
	if !result.Terminated {
		t.Error("expected the session to be idle after the flow ran out of steps")
	}
}

func TestRunTurn_UniversalCancelRollsBackAndClearsPending(t *testing.T) {
	flows := []catalog.FlowDefinition{greetFlow()}
	bridge := stubBridge{response: `{"flow_id":"greet","strength":"strong","call_type":"call"}`}
	sched := newTestScheduler(t, flows, bridge)
	sess := session.NewSession("u1", "en")

	if _, err := sched.RunTurn(context.Background(), sess, session.ContextEntry{Role: session.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("first turn: %v", err)
	}

	result, err := sched.RunTurn(context.Background(), sess, session.ContextEntry{Role: session.RoleUser, Content: "cancel"})
	if err != nil {
		t.Fatalf("cancel turn: %v", err)
	}
	if result.Output != "Okay, I've cancelled that." {
		t.Errorf("output = %q", result.Output)
	}
	if !result.Terminated {
		t.Error("expected no active frame after cancel")
	}
}

func TestRunTurn_MediumMatchOnFinancialFlowAsksConfirmationFirst(t *testing.T) {
	flows := []catalog.FlowDefinition{financialFlow(), greetFlow()}
	// First turn starts the financial flow strongly; second turn is a
	// medium-strength match against "greet", which must be confirmed before
	// switching away from a financial flow.
	bridge := &switchingBridge{
		responses: []string{
			`{"flow_id":"pay","strength":"strong","call_type":"call"}`,
			`{"flow_id":"greet","strength":"medium","call_type":"call"}`,
		},
	}
	sched := newTestScheduler(t, flows, bridge)
	sess := session.NewSession("u1", "en")

	if _, err := sched.RunTurn(context.Background(), sess, session.ContextEntry{Role: session.RoleUser, Content: "pay my bill"}); err != nil {
		t.Fatalf("first turn: %v", err)
	}

	result, err := sched.RunTurn(context.Background(), sess, session.ContextEntry{Role: session.RoleUser, Content: "actually greet someone"})
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if result.PendingVariable != confirmSwitchVariable {
		t.Fatalf("expected a pending confirmation prompt, got pendingVariable=%q", result.PendingVariable)
	}
}

func TestRunTurn_WeakMatchWithNoActiveFlowAsksThenStartsOnConfirm(t *testing.T) {
	flows := []catalog.FlowDefinition{greetFlow()}
	bridge := stubBridge{response: `{"flow_id":"greet","strength":"weak","call_type":"call"}`}
	sched := newTestScheduler(t, flows, bridge)
	sess := session.NewSession("u1", "en")

	result, err := sched.RunTurn(context.Background(), sess, session.ContextEntry{Role: session.RoleUser, Content: "maybe greet?"})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if result.PendingVariable != confirmSwitchVariable {
		t.Fatalf("expected a confirmation prompt before starting, got pendingVariable=%q", result.PendingVariable)
	}

	result, err = sched.RunTurn(context.Background(), sess, session.ContextEntry{Role: session.RoleUser, Content: "yes"})
	if err != nil {
		t.Fatalf("confirm turn: %v", err)
	}
	if result.PendingVariable != "name" {
		t.Fatalf("expected the greet flow to have started and suspended at its SAY-GET, got pendingVariable=%q", result.PendingVariable)
	}
}

func TestRunTurn_WeakMatchWithNoActiveFlowDoesNothingOnDecline(t *testing.T) {
	flows := []catalog.FlowDefinition{greetFlow()}
	bridge := stubBridge{response: `{"flow_id":"greet","strength":"weak","call_type":"call"}`}
	sched := newTestScheduler(t, flows, bridge)
	sess := session.NewSession("u1", "en")

	if _, err := sched.RunTurn(context.Background(), sess, session.ContextEntry{Role: session.RoleUser, Content: "maybe greet?"}); err != nil {
		t.Fatalf("first turn: %v", err)
	}

	result, err := sched.RunTurn(context.Background(), sess, session.ContextEntry{Role: session.RoleUser, Content: "no"})
	if err != nil {
		t.Fatalf("decline turn: %v", err)
	}
	if !result.Terminated {
		t.Error("expected the session to be idle again after declining, with no flow started")
	}
}

// switchingBridge returns successive canned responses, one per Fetch call —
// used where a test needs the classifier's answer to change turn to turn.
type switchingBridge struct {
	responses []string
	calls     int
}

func (b *switchingBridge) Fetch(_ context.Context, _, _ string) (string, error) {
	i := b.calls
	if i >= len(b.responses) {
		i = len(b.responses) - 1
	}
	b.calls++
	return b.responses[i], nil
}

func TestRunTurn_NoMatchWithNoActiveFlowRendersIDidntCatch(t *testing.T) {
	sched := newTestScheduler(t, nil, stubBridge{response: ""})
	sess := session.NewSession("u1", "en")

	result, err := sched.RunTurn(context.Background(), sess, session.ContextEntry{Role: session.RoleUser, Content: "blah blah"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Output != "Sorry, I didn't catch that. Could you rephrase?" {
		t.Errorf("output = %q", result.Output)
	}
}
