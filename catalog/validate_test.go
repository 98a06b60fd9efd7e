package catalog

import "testing"

func sampleTool() ToolDefinition {
	return ToolDefinition{
		Name:             "lookupOrder",
		ParametersSchema: []byte(`{"type":"object"}`),
		Implementation:   Implementation{Type: ImplFunction, Name: "lookupOrder"},
	}
}

func sampleFlow() FlowDefinition {
	return FlowDefinition{
		ID:      "order-status",
		Name:    "Order Status",
		Version: "1.0.0",
		Steps: []Step{
			{Kind: StepSay, Message: "Looking up your order, {{name}}."},
			{Kind: StepCallTool, ToolName: "lookupOrder", ResultVariable: "order"},
			{Kind: StepReturn, Value: "done"},
		},
	}
}

func TestValidate_ValidCatalog(t *testing.T) {
	r := Validate([]FlowDefinition{sampleFlow()}, []ToolDefinition{sampleTool()})
	if r.HasErrors() {
		t.Errorf("expected no errors, got: %v", r.Errors)
	}
}

func TestValidate_UnknownToolNameIsError(t *testing.T) {
	flow := sampleFlow()
	flow.Steps[1].ToolName = "doesNotExist"
	r := Validate([]FlowDefinition{flow}, []ToolDefinition{sampleTool()})
	if !r.HasErrors() {
		t.Fatalf("expected an error for unresolved tool reference")
	}
}

func TestValidate_UnknownFlowIDIsError(t *testing.T) {
	flow := sampleFlow()
	flow.Steps = append(flow.Steps, Step{Kind: StepFlow, FlowID: "missing-flow", CallType: CallTypeCall})
	r := Validate([]FlowDefinition{flow}, []ToolDefinition{sampleTool()})
	if !r.HasErrors() {
		t.Fatalf("expected an error for unresolved flow reference")
	}
}

func TestValidate_InvalidSemverIsError(t *testing.T) {
	flow := sampleFlow()
	flow.Version = "not-a-version"
	r := Validate([]FlowDefinition{flow}, []ToolDefinition{sampleTool()})
	if !r.HasErrors() {
		t.Fatalf("expected an error for invalid semver")
	}
}

func TestValidate_RejectedExpressionInSwitchIsError(t *testing.T) {
	flow := sampleFlow()
	flow.Steps = append(flow.Steps, Step{
		Kind: StepSwitch,
		Branches: []Branch{
			{Condition: "this.constructor", Steps: []Step{{Kind: StepReturn}}},
		},
	})
	r := Validate([]FlowDefinition{flow}, []ToolDefinition{sampleTool()})
	if !r.HasErrors() {
		t.Fatalf("expected an error for a rejected expression inside a SWITCH condition")
	}
}

func TestValidate_DuplicateFlowIDIsError(t *testing.T) {
	flow := sampleFlow()
	r := Validate([]FlowDefinition{flow, flow}, []ToolDefinition{sampleTool()})
	if !r.HasErrors() {
		t.Fatalf("expected an error for duplicate flow id")
	}
}

func TestValidate_HTTPToolRequiresURLAndMethod(t *testing.T) {
	tool := ToolDefinition{Name: "callApi", Implementation: Implementation{Type: ImplHTTP}}
	r := Validate(nil, []ToolDefinition{tool})
	if !r.HasErrors() {
		t.Fatalf("expected an error for incomplete http implementation")
	}
}
