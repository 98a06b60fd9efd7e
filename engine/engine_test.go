package engine

import (
	"context"
	"testing"

	"github.com/flowkit/engine/catalog"
	"github.com/flowkit/engine/session"
)

// stubBridge returns a fixed classification for every utterance.
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

func TestNewEngine_ValidatesCatalogAndRejectsBrokenReferences(t *testing.T) {
	broken := catalog.FlowDefinition{
		ID:   "broken",
		Name: "Broken",
		Steps: []catalog.Step{
			{Kind: catalog.StepCallTool, ToolName: "does-not-exist", ResultVariable: "x"},
		},
	}

	_, err := NewEngine(nil, nil, []catalog.FlowDefinition{broken}, nil, nil, nil, true, "en", nil, nil)
	if err == nil {
		t.Fatal("expected construction to fail for a flow referencing an unknown tool")
	}
}

func TestNewEngine_SkipsValidationWhenDisabled(t *testing.T) {
	broken := catalog.FlowDefinition{
		ID:   "broken",
		Name: "Broken",
		Steps: []catalog.Step{
			{Kind: catalog.StepCallTool, ToolName: "does-not-exist", ResultVariable: "x"},
		},
	}

	eng, err := NewEngine(nil, nil, []catalog.FlowDefinition{broken}, nil, nil, nil, false, "en", nil, nil)
	if err != nil {
		t.Fatalf("NewEngine with validateOnInit=false: %v", err)
	}
	if eng == nil {
		t.Fatal("expected a non-nil engine")
	}
}

func TestEngine_InitSessionAndUpdateActivity(t *testing.T) {
	bridge := stubBridge{response: `{"flow_id":"greet","strength":"strong","call_type":"call"}`}
	eng, err := NewEngine(nil, bridge, []catalog.FlowDefinition{greetFlow()}, nil, nil,
		map[string]any{"tenant": "acme"}, true, "en", nil, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	sess := eng.InitSession(nil, "user-1", "sess-123")
	if sess.ID != "sess-123" {
		t.Fatalf("session id = %q, want %q", sess.ID, "sess-123")
	}
	if sess.Globals["tenant"] != "acme" {
		t.Fatalf("expected session globals to carry the engine's default globals, got %v", sess.Globals)
	}

	result, err := eng.UpdateActivity(context.Background(), session.ContextEntry{
		Role: session.RoleUser, Content: "hi",
	}, sess)
	if err != nil {
		t.Fatalf("UpdateActivity: %v", err)
	}
	if result.PendingVariable != "name" {
		t.Fatalf("pendingVariable = %q, want %q", result.PendingVariable, "name")
	}
	if result.Output != "What's your name?" {
		t.Fatalf("output = %q", result.Output)
	}
}

func TestEngine_InitSessionAssignsUUIDWhenNoSessionIDGiven(t *testing.T) {
	eng, err := NewEngine(nil, nil, nil, nil, nil, nil, true, "", nil, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	sess := eng.InitSession(nil, "user-1", "")
	if sess.ID == "" {
		t.Fatal("expected a generated session id")
	}
}
