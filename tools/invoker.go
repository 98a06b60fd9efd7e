package tools

import (
	"context"
	"net/http"
	"time"

	"github.com/flowkit/engine/catalog"
	"github.com/flowkit/engine/expr"
	"github.com/flowkit/engine/flowerr"
	"github.com/flowkit/engine/mapper"
	"github.com/flowkit/engine/pathstore"
	"github.com/flowkit/engine/tmpl"
)

// ApprovedFunc is a locally registered tool implementation — the "function"
// half of a catalog.Implementation — invoked directly in-process instead of
// over HTTP.
type ApprovedFunc func(ctx context.Context, args map[string]any) (any, error)

// TransactionEvent is the record appended to a frame's transaction log for
// every tool call, per §4.6 phase (6): request signature (sans secrets),
// status, and latency.
type TransactionEvent struct {
	Tool       string
	Arguments  map[string]any
	Status     string
	Error      string
	LatencyMs  int64
	OccurredAt time.Time
}

// InvokeRequest bundles one CALL-TOOL step's inputs.
type InvokeRequest struct {
	SessionID   string
	ToolName    string
	Arguments   map[string]any
	CallerScope pathstore.Scope
}

// InvokeResult is the mapped value to bind to the step's resultVariable,
// plus the transaction event the caller should append to the frame.
type InvokeResult struct {
	Value any
	Event TransactionEvent
}

// Invoker runs the full C6 pipeline: argument assembly, schema validation,
// rate limiting, dispatch, response mapping, and event construction. The
// caller (the step evaluator) is responsible for onFail handling — Invoke
// itself just classifies failures via flowerr so the caller can apply
// §4.6's smart defaults.
type Invoker struct {
	Tools      map[string]catalog.ToolDefinition
	Functions  map[string]ApprovedFunc
	Validator  *SchemaValidator
	Mapper     *mapper.Mapper
	Eval       *expr.Evaluator
	HTTPClient *http.Client
	Bucket     Bucket
	Secrets    SecretResolver
}

// NewInvoker builds an Invoker over the given tool catalog. ev and client
// may be reused across invokers; a nil client/bucket/secrets falls back to
// http.DefaultClient, no rate limiting, and a resolver that fails every
// lookup respectively.
func NewInvoker(tools []catalog.ToolDefinition, functions map[string]ApprovedFunc, ev *expr.Evaluator, client *http.Client, bucket Bucket, secrets SecretResolver) *Invoker {
	byName := make(map[string]catalog.ToolDefinition, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}
	if client == nil {
		client = http.DefaultClient
	}
	if secrets == nil {
		secrets = noSecretResolver
	}
	return &Invoker{
		Tools:      byName,
		Functions:  functions,
		Validator:  NewSchemaValidator(),
		Mapper:     mapper.New(ev),
		Eval:       ev,
		HTTPClient: client,
		Bucket:     bucket,
		Secrets:    secrets,
	}
}

// Invoke runs req through the full pipeline and returns the mapped result.
func (inv *Invoker) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	start := time.Now()
	tool, ok := inv.Tools[req.ToolName]
	if !ok {
		return nil, flowerr.New(flowerr.ToolNotFound, "tool "+req.ToolName+" is not registered")
	}

	args, err := inv.assembleArguments(req.Arguments, req.CallerScope)
	if err != nil {
		return nil, err
	}

	if err := inv.Validator.ValidateArgs(tool.Name, tool.ParametersSchema, args); err != nil {
		return nil, err
	}

	if err := checkRateLimit(ctx, inv.Bucket, req.SessionID, req.ToolName); err != nil {
		return inv.failure(tool.Name, args, start, err), err
	}

	raw, err := inv.dispatch(ctx, tool, args)
	if err != nil {
		return inv.failure(tool.Name, args, start, err), err
	}

	toolScope := pathstore.Scope{ToolArgs: args, Globals: req.CallerScope.Globals}
	value := raw
	if tool.Implementation.ResponseMapping != nil {
		value, err = inv.Mapper.Apply(*tool.Implementation.ResponseMapping, raw, toolScope)
		if err != nil {
			return inv.failure(tool.Name, args, start, err), err
		}
	}

	return &InvokeResult{
		Value: value,
		Event: TransactionEvent{
			Tool:       tool.Name,
			Arguments:  args,
			Status:     "ok",
			LatencyMs:  time.Since(start).Milliseconds(),
			OccurredAt: start,
		},
	}, nil
}

func (inv *Invoker) failure(toolName string, args map[string]any, start time.Time, err error) *InvokeResult {
	return &InvokeResult{
		Event: TransactionEvent{
			Tool:       toolName,
			Arguments:  args,
			Status:     "error",
			Error:      err.Error(),
			LatencyMs:  time.Since(start).Milliseconds(),
			OccurredAt: start,
		},
	}
}

func (inv *Invoker) dispatch(ctx context.Context, tool catalog.ToolDefinition, args map[string]any) (any, error) {
	switch tool.Implementation.Type {
	case catalog.ImplFunction:
		fn, ok := inv.Functions[tool.Implementation.Name]
		if !ok {
			return nil, flowerr.New(flowerr.ToolNotFound, "no approved function registered for "+tool.Implementation.Name)
		}
		return fn(ctx, args)

	case catalog.ImplHTTP:
		var auth Authenticator
		if tool.Implementation.Auth != nil {
			a, err := NewAuthenticator(tool.Implementation.Auth, inv.Secrets)
			if err != nil {
				return nil, err
			}
			auth = a
		}
		result, err := dispatchHTTP(ctx, inv.HTTPClient, tool.Implementation, args, auth)
		if err != nil {
			return nil, err
		}
		return result.Body, nil

	default:
		return nil, flowerr.New(flowerr.Internal, "unsupported implementation type "+string(tool.Implementation.Type))
	}
}

// assembleArguments renders every string-valued argument as a template
// against the caller's scope (a plain string with no {{ }} markers renders
// to itself unchanged), recursing into nested maps/slices; other literal
// values pass through untouched.
func (inv *Invoker) assembleArguments(args map[string]any, scope pathstore.Scope) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for k, v := range args {
		rendered, err := inv.renderArg(v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}

func (inv *Invoker) renderArg(v any, scope pathstore.Scope) (any, error) {
	switch x := v.(type) {
	case string:
		t, err := tmpl.Parse(x)
		if err != nil {
			return nil, err
		}
		return tmpl.Render(t, inv.Eval, scope, nil)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			rendered, err := inv.renderArg(v, scope)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, v := range x {
			rendered, err := inv.renderArg(v, scope)
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
