// Package arbiter implements the engine's intent arbiter (spec component
// C9): deciding whether a user utterance matches an existing flow — via an
// AI bridge when one is configured, else a literal matcher — and, if so,
// with what strength and call type it should affect the running activity.
package arbiter

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/flowkit/engine/catalog"
	"github.com/flowkit/engine/session"
)

// Bridge is the engine's single AI-bridge collaborator (§6): given a system
// instruction and the user's message, returns a response — here, a JSON
// classification on the documented {flow_id, strength, call_type} schema.
// Grounded on the teacher's narrow, single-method provider-style interfaces
// (runtime/providers.Provider), reduced to the one call this engine needs.
type Bridge interface {
	Fetch(ctx context.Context, systemInstructions, userMessage string) (string, error)
}

// Strength is the classifier's confidence in a flow match.
type Strength string

const (
	StrengthWeak   Strength = "weak"
	StrengthMedium Strength = "medium"
	StrengthStrong Strength = "strong"
)

// UniversalCommand is one of the mode-independent commands recognized
// before any flow-matching logic runs.
type UniversalCommand string

const (
	CommandCancel UniversalCommand = "cancel"
	CommandHelp   UniversalCommand = "help"
	CommandStatus UniversalCommand = "status"
)

var universalCommandWords = map[string]UniversalCommand{
	"cancel": CommandCancel,
	"abort":  CommandCancel,
	"help":   CommandHelp,
	"status": CommandStatus,
}

// DecisionKind discriminates what the scheduler should do with a turn's
// input once the arbiter has classified it.
type DecisionKind string

const (
	DecisionUniversalCommand    DecisionKind = "universalCommand"
	DecisionDeliverToPending    DecisionKind = "deliverToPending"
	DecisionNoMatch             DecisionKind = "noMatch"
	DecisionInterrupt           DecisionKind = "interrupt"
	DecisionConfirmSwitch       DecisionKind = "confirmSwitch"
	DecisionRebootConfirmNeeded DecisionKind = "rebootConfirmNeeded"
)

// Decision is the arbiter's verdict for one turn.
type Decision struct {
	Kind     DecisionKind
	Command  UniversalCommand
	FlowID   string
	CallType catalog.CallType
	Strength Strength
}

// classification is the AI bridge's documented response schema.
type classification struct {
	FlowID   string `json:"flow_id"`
	Strength string `json:"strength"`
	CallType string `json:"call_type"`
}

// Arbiter runs classification and the interruption policy. Bridge may be
// nil, in which case the literal matcher is used exclusively.
type Arbiter struct {
	Bridge Bridge
}

// New builds an Arbiter. bridge may be nil.
func New(bridge Bridge) *Arbiter {
	return &Arbiter{Bridge: bridge}
}

// Decide classifies utterance against flows given the active frame (nil if
// no flow is running) and returns what the scheduler should do.
func (a *Arbiter) Decide(ctx context.Context, utterance string, frame *session.Frame, flows []catalog.FlowDefinition) (*Decision, error) {
	if cmd, ok := detectUniversalCommand(utterance); ok {
		return &Decision{Kind: DecisionUniversalCommand, Command: cmd}, nil
	}

	cls, err := a.classify(ctx, utterance, flows)
	if err != nil {
		return nil, err
	}

	if cls == nil {
		if frame != nil && frame.PendingVariable != "" {
			return &Decision{Kind: DecisionDeliverToPending}, nil
		}
		return &Decision{Kind: DecisionNoMatch}, nil
	}

	flowByID := make(map[string]catalog.FlowDefinition, len(flows))
	for _, f := range flows {
		flowByID[f.ID] = f
	}
	var activeDef *catalog.FlowDefinition
	if frame != nil {
		if def, ok := flowByID[frame.FlowID]; ok {
			activeDef = &def
		}
	}

	switch cls.Strength {
	case StrengthWeak:
		// Weak is the mirror image of medium: the default is to ignore the
		// match (it's weak, and something is already running), with
		// confirmation being the exception reserved for the no-active-flow
		// case, where there's nothing to lose by asking first.
		if frame == nil {
			return &Decision{Kind: DecisionConfirmSwitch, FlowID: cls.FlowID, CallType: cls.CallType, Strength: StrengthWeak}, nil
		}
		if frame.PendingVariable != "" {
			return &Decision{Kind: DecisionDeliverToPending}, nil
		}
		return &Decision{Kind: DecisionNoMatch}, nil

	case StrengthMedium:
		if activeDef != nil && activeDef.IsFinancial() {
			return &Decision{Kind: DecisionConfirmSwitch, FlowID: cls.FlowID, CallType: cls.CallType, Strength: StrengthMedium}, nil
		}
		return &Decision{Kind: DecisionInterrupt, FlowID: cls.FlowID, CallType: cls.CallType, Strength: StrengthMedium}, nil

	case StrengthStrong:
		if cls.CallType == catalog.CallTypeReboot && activeDef != nil && activeDef.IsFinancial() && !hasConfirmationToken(utterance) {
			return &Decision{Kind: DecisionRebootConfirmNeeded, FlowID: cls.FlowID, CallType: cls.CallType, Strength: StrengthStrong}, nil
		}
		return &Decision{Kind: DecisionInterrupt, FlowID: cls.FlowID, CallType: cls.CallType, Strength: StrengthStrong}, nil

	default:
		if frame != nil && frame.PendingVariable != "" {
			return &Decision{Kind: DecisionDeliverToPending}, nil
		}
		return &Decision{Kind: DecisionNoMatch}, nil
	}
}

// classifiedMatch is the internal normalized classification result, nil
// meaning "no match".
type classifiedMatch struct {
	FlowID   string
	Strength Strength
	CallType catalog.CallType
}

// classify runs the AI bridge if configured, else the literal matcher. A
// bridge that errors or returns a malformed response yields a no-match
// (returns nil, nil; nothing is logged) rather than falling through to the
// literal matcher, per §6: the literal matcher only substitutes for an
// absent bridge.
func (a *Arbiter) classify(ctx context.Context, utterance string, flows []catalog.FlowDefinition) (*classifiedMatch, error) {
	if a.Bridge == nil {
		return literalMatch(utterance, flows), nil
	}

	raw, err := a.Bridge.Fetch(ctx, classifierSystemInstructions(flows), utterance)
	if err != nil {
		return nil, nil
	}
	var cls classification
	if err := json.Unmarshal([]byte(raw), &cls); err != nil {
		return nil, nil
	}
	if cls.FlowID == "" {
		return nil, nil
	}
	callType := catalog.CallType(cls.CallType)
	if callType == "" {
		callType = catalog.CallTypeCall
	}
	return &classifiedMatch{FlowID: cls.FlowID, Strength: Strength(cls.Strength), CallType: callType}, nil
}

func classifierSystemInstructions(flows []catalog.FlowDefinition) string {
	var b strings.Builder
	b.WriteString("Classify the user's message against the following flows. ")
	b.WriteString("Respond with JSON {flow_id, strength: weak|medium|strong, call_type: call|replace|reboot}.\n")
	for _, f := range flows {
		b.WriteString("- " + f.ID + ": " + f.Name + "\n")
	}
	return b.String()
}

func detectUniversalCommand(utterance string) (UniversalCommand, bool) {
	word := strings.ToLower(strings.TrimSpace(utterance))
	cmd, ok := universalCommandWords[word]
	return cmd, ok
}

func hasConfirmationToken(utterance string) bool {
	return strings.Contains(strings.ToLower(utterance), "confirm")
}
