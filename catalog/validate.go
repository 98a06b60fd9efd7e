package catalog

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/flowkit/engine/expr"
	"github.com/flowkit/engine/flowerr"
	"github.com/flowkit/engine/tmpl"
)

// ValidationResult holds the blocking errors found across a flow catalog,
// mirroring the teacher's workflow.ValidationResult (errors only here; the
// spec has no warning-level catalog concept).
type ValidationResult struct {
	Errors []string
}

// HasErrors reports whether any blocking error was recorded.
func (r *ValidationResult) HasErrors() bool { return len(r.Errors) > 0 }

func (r *ValidationResult) add(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Validate checks flows and tools for internal consistency: unique IDs,
// parseable versions, step shapes matching their Kind, FLOW/CALL-TOOL
// references resolving within the catalog, and every expression/template
// string compiling under expr/tmpl — so a malformed flow is caught at
// construction time (FlowCatalogInvalid) rather than mid-conversation.
// Flows are validated concurrently via errgroup, one goroutine per flow,
// since each flow's checks are independent of the others.
func Validate(flows []FlowDefinition, tools []ToolDefinition) *ValidationResult {
	result := &ValidationResult{}

	flowByID := make(map[string]FlowDefinition, len(flows))
	for _, f := range flows {
		if _, dup := flowByID[f.ID]; dup {
			result.add("duplicate flow id %q", f.ID)
			continue
		}
		flowByID[f.ID] = f
	}

	toolByName := make(map[string]ToolDefinition, len(tools))
	for _, t := range tools {
		if _, dup := toolByName[t.Name]; dup {
			result.add("duplicate tool name %q", t.Name)
			continue
		}
		toolByName[t.Name] = t
	}
	for _, t := range tools {
		if err := validateTool(t); err != nil {
			result.add("tool %q: %v", t.Name, err)
		}
	}

	var g errgroup.Group
	errsPerFlow := make([][]string, len(flows))
	for i, f := range flows {
		i, f := i, f
		g.Go(func() error {
			errsPerFlow[i] = validateFlow(f, flowByID, toolByName)
			return nil
		})
	}
	_ = g.Wait() // validateFlow never returns an error; only accumulates strings

	for _, errs := range errsPerFlow {
		result.Errors = append(result.Errors, errs...)
	}
	return result
}

// ValidateConcurrently is the context-aware variant used by engine
// construction, so a caller can bound total validation time with a context
// deadline even though individual flow checks are pure and fast.
func ValidateConcurrently(ctx context.Context, flows []FlowDefinition, tools []ToolDefinition) (*ValidationResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	done := make(chan *ValidationResult, 1)
	go func() { done <- Validate(flows, tools) }()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r, nil
	}
}

func validateFlow(f FlowDefinition, flows map[string]FlowDefinition, tools map[string]ToolDefinition) []string {
	var errs []string
	if f.ID == "" {
		errs = append(errs, "flow has empty id")
	}
	if f.Version != "" {
		if _, err := ParseVersion(f.Version); err != nil {
			errs = append(errs, fmt.Sprintf("flow %q: %v", f.ID, err))
		}
	}
	if len(f.Steps) == 0 {
		errs = append(errs, fmt.Sprintf("flow %q has no steps", f.ID))
	}
	for i, s := range f.Steps {
		errs = append(errs, validateStep(f.ID, fmt.Sprintf("steps[%d]", i), s, flows, tools)...)
	}
	return errs
}

func validateStep(flowID, path string, s Step, flows map[string]FlowDefinition, tools map[string]ToolDefinition) []string {
	var errs []string
	if !s.Kind.valid() {
		errs = append(errs, fmt.Sprintf("flow %q %s: unknown step kind %q", flowID, path, s.Kind))
		return errs
	}
	switch s.Kind {
	case StepSay, StepSayGet:
		if _, err := tmpl.Parse(s.Message); err != nil {
			errs = append(errs, fmt.Sprintf("flow %q %s: message template: %v", flowID, path, err))
		}
		if s.Kind == StepSayGet && s.Variable == "" {
			errs = append(errs, fmt.Sprintf("flow %q %s: SAY-GET requires variable", flowID, path))
		}
	case StepSet:
		if s.Variable == "" {
			errs = append(errs, fmt.Sprintf("flow %q %s: SET requires variable", flowID, path))
		}
		if s.Expression != "" {
			if _, err := expr.Parse(s.Expression); err != nil {
				errs = append(errs, fmt.Sprintf("flow %q %s: expression: %v", flowID, path, err))
			}
		}
	case StepCallTool:
		if s.ToolName == "" {
			errs = append(errs, fmt.Sprintf("flow %q %s: CALL-TOOL requires toolName", flowID, path))
		} else if _, ok := tools[s.ToolName]; !ok {
			errs = append(errs, fmt.Sprintf("flow %q %s: toolName %q is not in the tool catalog", flowID, path, s.ToolName))
		}
		for i, onFail := range s.OnFail {
			errs = append(errs, validateStep(flowID, fmt.Sprintf("%s.onFail[%d]", path, i), onFail, flows, tools)...)
		}
	case StepFlow:
		if s.FlowID == "" {
			errs = append(errs, fmt.Sprintf("flow %q %s: FLOW requires flowId", flowID, path))
		} else if _, ok := flows[s.FlowID]; !ok {
			errs = append(errs, fmt.Sprintf("flow %q %s: flowId %q is not in the flow catalog", flowID, path, s.FlowID))
		}
		switch s.CallType {
		case CallTypeCall, CallTypeReplace, CallTypeReboot:
		default:
			errs = append(errs, fmt.Sprintf("flow %q %s: invalid callType %q", flowID, path, s.CallType))
		}
	case StepSwitch:
		for i, b := range s.Branches {
			if b.Match == nil && b.Condition == "" {
				errs = append(errs, fmt.Sprintf("flow %q %s.branches[%d]: requires match or condition", flowID, path, i))
			}
			if b.Condition != "" {
				if _, err := expr.Parse(b.Condition); err != nil {
					errs = append(errs, fmt.Sprintf("flow %q %s.branches[%d]: condition: %v", flowID, path, i, err))
				}
			}
			for j, inner := range b.Steps {
				errs = append(errs, validateStep(flowID, fmt.Sprintf("%s.branches[%d].steps[%d]", path, i, j), inner, flows, tools)...)
			}
		}
		for i, inner := range s.Default {
			errs = append(errs, validateStep(flowID, fmt.Sprintf("%s.default[%d]", path, i), inner, flows, tools)...)
		}
	case StepReturn:
		// Value is optional and untyped; nothing further to statically check.
	}
	return errs
}

func validateTool(t ToolDefinition) error {
	if t.Name == "" {
		return flowerr.New(flowerr.FlowCatalogInvalid, "tool has empty name")
	}
	if !t.Implementation.Type.valid() {
		return flowerr.New(flowerr.FlowCatalogInvalid, fmt.Sprintf("unknown implementation type %q", t.Implementation.Type))
	}
	if t.Implementation.Type == ImplFunction && t.Implementation.Name == "" {
		return flowerr.New(flowerr.FlowCatalogInvalid, "function implementation requires name")
	}
	if t.Implementation.Type == ImplHTTP {
		if t.Implementation.URL == "" {
			return flowerr.New(flowerr.FlowCatalogInvalid, "http implementation requires url")
		}
		if t.Implementation.Method == "" {
			return flowerr.New(flowerr.FlowCatalogInvalid, "http implementation requires method")
		}
	}
	return nil
}
