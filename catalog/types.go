// Package catalog defines the engine's immutable data model — flow and
// tool definitions — plus manifest loading and construction-time
// validation (spec §3 DATA MODEL, and the flow-manifest supplement in
// SPEC_FULL.md §3).
//
// The shapes here mirror the teacher's runtime/tools.ToolDescriptor /
// ToolConfig (K8s-style manifest wrapper around a normalized descriptor)
// and runtime/workflow.Spec (tagged-variant steps, declared via JSON tags),
// generalized from a single-flow state machine to the engine's flow +
// tool catalog.
package catalog

import (
	"encoding/json"
	"fmt"
)

// FlowDefinition is one immutable, catalog-declared conversational flow.
type FlowDefinition struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Version     string      `json:"version" yaml:"version"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  []string    `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Steps       []Step      `json:"steps" yaml:"steps"`
	Triggers    []string    `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Category    string      `json:"category,omitempty" yaml:"category,omitempty"`
}

// IsFinancial reports whether this flow is subject to the financial-flow
// special-casing in C6 (recovery-on-failure) and C9 (confirmation,
// reboot refusal).
func (f FlowDefinition) IsFinancial() bool { return f.Category == "financial" }

// StepKind discriminates the Step tagged union.
type StepKind string

const (
	StepSay      StepKind = "SAY"
	StepSayGet   StepKind = "SAY-GET"
	StepSet      StepKind = "SET"
	StepCallTool StepKind = "CALL-TOOL"
	StepFlow     StepKind = "FLOW"
	StepSwitch   StepKind = "SWITCH"
	StepReturn   StepKind = "RETURN"
)

// CallType discriminates how a FLOW step activates its child flow.
type CallType string

const (
	CallTypeCall    CallType = "call"
	CallTypeReplace CallType = "replace"
	CallTypeReboot  CallType = "reboot"
)

// Step is one tagged-variant step in a flow's body. Exactly one of the
// kind-specific fields is populated, selected by Kind; decoded from the
// manifest's discriminated JSON shape through the struct's own json tags
// (there is no custom UnmarshalJSON), every kind's fields living side by
// side as omitempty members.
type Step struct {
	Kind StepKind `json:"kind"`

	// SAY / SAY-GET
	Message     string `json:"message,omitempty"`
	AppendMode  bool   `json:"appendMode,omitempty"`
	Variable    string `json:"variable,omitempty"`
	Validator   string `json:"validator,omitempty"`

	// SET
	Value      any    `json:"value,omitempty"`
	Expression string `json:"expression,omitempty"`

	// CALL-TOOL
	ToolName       string         `json:"toolName,omitempty"`
	Arguments      map[string]any `json:"arguments,omitempty"`
	ResultVariable string         `json:"resultVariable,omitempty"`
	OnFail         []Step         `json:"onFail,omitempty"`

	// FLOW
	FlowID   string   `json:"flowId,omitempty"`
	CallType CallType `json:"callType,omitempty"`

	// SWITCH
	Branches []Branch `json:"branches,omitempty"`
	Default  []Step   `json:"default,omitempty"`

	// RETURN uses Value above for its optional return value.
}

// Branch is one arm of a SWITCH step.
type Branch struct {
	Match     any    `json:"match,omitempty"`
	Condition string `json:"condition,omitempty"`
	Steps     []Step `json:"steps"`
}

// ToolDefinition is one immutable, catalog-declared tool (spec §3).
type ToolDefinition struct {
	Name             string          `json:"name" yaml:"name"`
	Description      string          `json:"description,omitempty" yaml:"description,omitempty"`
	ParametersSchema json.RawMessage `json:"parametersSchema" yaml:"parametersSchema"`
	Implementation   Implementation  `json:"implementation" yaml:"implementation"`
}

// ImplementationKind discriminates Implementation.
type ImplementationKind string

const (
	ImplFunction ImplementationKind = "function"
	ImplHTTP     ImplementationKind = "http"
)

// Implementation is a tool's dispatch target: either a lookup into the
// approved-functions registry, or an HTTP call description.
type Implementation struct {
	Type ImplementationKind `json:"type"`

	// function
	Name string `json:"name,omitempty"`

	// http
	URL             string            `json:"url,omitempty"`
	Method          string            `json:"method,omitempty"`
	ContentType     string            `json:"contentType,omitempty"`
	PathParams      []string          `json:"pathParams,omitempty"`
	QueryParams     []string          `json:"queryParams,omitempty"`
	BodyTemplate    string            `json:"bodyTemplate,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Auth            *AuthConfig       `json:"auth,omitempty"`
	Retry           *RetryConfig      `json:"retry,omitempty"`
	TimeoutMs       int               `json:"timeoutMs,omitempty"`
	ResponseMapping *ResponseMapping  `json:"responseMapping,omitempty"`
}

// AuthKind discriminates AuthConfig.
type AuthKind string

const (
	AuthBearer AuthKind = "bearer"
	AuthBasic  AuthKind = "basic"
	AuthAPIKey AuthKind = "apiKey"
	AuthHMAC   AuthKind = "hmac"
)

// AuthConfig describes how an HTTP tool authenticates. Secret material
// (TokenRef, username/password refs) is a host-resolved reference name,
// never a literal credential embedded in the catalog.
type AuthConfig struct {
	Type       AuthKind `json:"type"`
	TokenRef   string   `json:"tokenRef,omitempty"`
	UsernameRef string  `json:"usernameRef,omitempty"`
	PasswordRef string  `json:"passwordRef,omitempty"`
	HeaderName string   `json:"headerName,omitempty"`
	SecretRef  string   `json:"secretRef,omitempty"`
}

// RetryConfig describes the exponential backoff policy for HTTP tool calls.
type RetryConfig struct {
	Max        int     `json:"max"`
	BaseMs     int     `json:"baseMs"`
	JitterFrac float64 `json:"jitterFrac,omitempty"`
}

// ResponseMapping is the C5 tagged-variant mapper applied to a tool's raw
// response before binding it to resultVariable.
type ResponseMapping struct {
	Type ResponseMappingType `json:"type"`

	// jsonPath
	Fields map[string]FieldMapping `json:"fields,omitempty"`

	// object
	Object map[string]any `json:"object,omitempty"`

	// array
	Source      string           `json:"source,omitempty"`
	Limit       int              `json:"limit,omitempty"`
	Filter      *ArrayFilter     `json:"filter,omitempty"`
	ItemMapping *ResponseMapping `json:"itemMapping,omitempty"`

	// template
	Template string `json:"template,omitempty"`

	// conditional
	Conditions []ConditionalBranch `json:"conditions,omitempty"`
	Else       *ResponseMapping    `json:"else,omitempty"`
}

// ResponseMappingType discriminates ResponseMapping.
type ResponseMappingType string

const (
	MappingJSONPath    ResponseMappingType = "jsonPath"
	MappingObject      ResponseMappingType = "object"
	MappingArray       ResponseMappingType = "array"
	MappingTemplate    ResponseMappingType = "template"
	MappingConditional ResponseMappingType = "conditional"
)

// FieldMapping is one output key's source path/transform/fallback for the
// jsonPath mapping variant.
type FieldMapping struct {
	Path      string `json:"path"`
	Transform any    `json:"transform,omitempty"`
	Fallback  any    `json:"fallback,omitempty"`
}

// ArrayFilterOp enumerates the array mapping's filter operators.
type ArrayFilterOp string

const (
	FilterEquals    ArrayFilterOp = "equals"
	FilterNotEquals ArrayFilterOp = "notEquals"
	FilterExists    ArrayFilterOp = "exists"
	FilterGT        ArrayFilterOp = "gt"
	FilterGTE       ArrayFilterOp = "gte"
	FilterLT        ArrayFilterOp = "lt"
	FilterLTE       ArrayFilterOp = "lte"
	FilterContains  ArrayFilterOp = "contains"
)

// ArrayFilter is the array mapping's per-element predicate.
type ArrayFilter struct {
	Field    string        `json:"field"`
	Operator ArrayFilterOp `json:"operator"`
	Value    any           `json:"value,omitempty"`
}

// ConditionalBranch is one arm of the conditional mapping variant.
type ConditionalBranch struct {
	If   ArrayFilter      `json:"if"`
	Then *ResponseMapping `json:"then"`
}

// validKinds is used by Validate to check Step.Kind against the closed set.
var validKinds = map[StepKind]bool{
	StepSay: true, StepSayGet: true, StepSet: true, StepCallTool: true,
	StepFlow: true, StepSwitch: true, StepReturn: true,
}

func (k StepKind) valid() bool { return validKinds[k] }

func (k ImplementationKind) valid() bool {
	return k == ImplFunction || k == ImplHTTP
}

func (s Step) String() string {
	return fmt.Sprintf("Step{%s}", s.Kind)
}
