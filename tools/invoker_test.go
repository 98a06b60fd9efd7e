package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flowkit/engine/catalog"
	"github.com/flowkit/engine/expr"
	"github.com/flowkit/engine/pathstore"
)

func newTestInvoker(t *testing.T, tools []catalog.ToolDefinition, fns map[string]ApprovedFunc, client *http.Client, bucket Bucket) *Invoker {
	t.Helper()
	ev := expr.NewEvaluator(nil)
	return NewInvoker(tools, fns, ev, client, bucket, func(ref string) (string, error) {
		return "secret-" + ref, nil
	})
}

func TestInvoke_FunctionToolRendersArgsAndReturnsValue(t *testing.T) {
	tool := catalog.ToolDefinition{
		Name:             "greet",
		ParametersSchema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
		Implementation:   catalog.Implementation{Type: catalog.ImplFunction, Name: "greet"},
	}
	fns := map[string]ApprovedFunc{
		"greet": func(_ context.Context, args map[string]any) (any, error) {
			return "hello " + args["name"].(string), nil
		},
	}
	inv := newTestInvoker(t, []catalog.ToolDefinition{tool}, fns, nil, nil)

	scope := pathstore.Scope{Variables: map[string]any{"customerName": "Alice"}}
	res, err := inv.Invoke(context.Background(), InvokeRequest{
		SessionID:   "s1",
		ToolName:    "greet",
		Arguments:   map[string]any{"name": "{{customerName}}"},
		CallerScope: scope,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Value != "hello Alice" {
		t.Errorf("got %v", res.Value)
	}
	if res.Event.Status != "ok" {
		t.Errorf("event status = %v", res.Event.Status)
	}
}

func TestInvoke_SchemaValidationRejectsMissingRequiredArg(t *testing.T) {
	tool := catalog.ToolDefinition{
		Name:             "greet",
		ParametersSchema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
		Implementation:   catalog.Implementation{Type: catalog.ImplFunction, Name: "greet"},
	}
	fns := map[string]ApprovedFunc{"greet": func(context.Context, map[string]any) (any, error) { return "x", nil }}
	inv := newTestInvoker(t, []catalog.ToolDefinition{tool}, fns, nil, nil)

	_, err := inv.Invoke(context.Background(), InvokeRequest{SessionID: "s1", ToolName: "greet", Arguments: map[string]any{}})
	if err == nil {
		t.Fatalf("expected a schema validation error")
	}
}

func TestInvoke_HTTPToolBuildsJSONBodyAndMapsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["orderId"] != "abc" {
			t.Errorf("orderId = %v", body["orderId"])
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "shipped"})
	}))
	defer srv.Close()

	mapping := catalog.ResponseMapping{
		Type:   catalog.MappingJSONPath,
		Fields: map[string]catalog.FieldMapping{"status": {Path: "status"}},
	}
	tool := catalog.ToolDefinition{
		Name: "lookupOrder",
		Implementation: catalog.Implementation{
			Type:            catalog.ImplHTTP,
			URL:             srv.URL,
			Method:          http.MethodPost,
			ContentType:     "application/json",
			ResponseMapping: &mapping,
		},
	}
	inv := newTestInvoker(t, []catalog.ToolDefinition{tool}, nil, srv.Client(), nil)

	res, err := inv.Invoke(context.Background(), InvokeRequest{
		SessionID: "s1",
		ToolName:  "lookupOrder",
		Arguments: map[string]any{"orderId": "abc"},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	out := res.Value.(map[string]any)
	if out["status"] != "shipped" {
		t.Errorf("got %v", out)
	}
}

func TestInvoke_HTTPRetriesOn5xxThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	tool := catalog.ToolDefinition{
		Name: "flaky",
		Implementation: catalog.Implementation{
			Type:   catalog.ImplHTTP,
			URL:    srv.URL,
			Method: http.MethodGet,
			Retry:  &catalog.RetryConfig{Max: 3, BaseMs: 1, JitterFrac: 0},
		},
	}
	inv := newTestInvoker(t, []catalog.ToolDefinition{tool}, nil, srv.Client(), nil)

	res, err := inv.Invoke(context.Background(), InvokeRequest{SessionID: "s1", ToolName: "flaky", Arguments: map[string]any{}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
	if m, ok := res.Value.(map[string]any); !ok || m["ok"] != true {
		t.Errorf("got %v", res.Value)
	}
}

func TestInvoke_HTTPNonRetryable4xxFailsImmediately(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	tool := catalog.ToolDefinition{
		Name: "bad",
		Implementation: catalog.Implementation{
			Type:   catalog.ImplHTTP,
			URL:    srv.URL,
			Method: http.MethodGet,
			Retry:  &catalog.RetryConfig{Max: 3, BaseMs: 1},
		},
	}
	inv := newTestInvoker(t, []catalog.ToolDefinition{tool}, nil, srv.Client(), nil)

	_, err := inv.Invoke(context.Background(), InvokeRequest{SessionID: "s1", ToolName: "bad", Arguments: map[string]any{}})
	if err == nil {
		t.Fatalf("expected an error")
	}
	if attempts != 1 {
		t.Errorf("expected exactly 1 attempt for a non-retryable 4xx, got %d", attempts)
	}
}

func TestInvoke_RateLimitExceededBlocksSecondCall(t *testing.T) {
	tool := catalog.ToolDefinition{
		Name:           "ping",
		Implementation: catalog.Implementation{Type: catalog.ImplFunction, Name: "ping"},
	}
	fns := map[string]ApprovedFunc{"ping": func(context.Context, map[string]any) (any, error) { return "pong", nil }}
	bucket := NewMemoryBucket(Limits{Capacity: 1, Refill: 0.001})
	inv := newTestInvoker(t, []catalog.ToolDefinition{tool}, fns, nil, bucket)

	req := InvokeRequest{SessionID: "s1", ToolName: "ping", Arguments: map[string]any{}}
	if _, err := inv.Invoke(context.Background(), req); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := inv.Invoke(context.Background(), req); err == nil {
		t.Fatalf("expected the second call to be rate limited")
	}
}

func TestInvoke_UnknownToolIsToolNotFound(t *testing.T) {
	inv := newTestInvoker(t, nil, nil, nil, nil)
	_, err := inv.Invoke(context.Background(), InvokeRequest{SessionID: "s1", ToolName: "missing"})
	if err == nil {
		t.Fatalf("expected an error")
	}
}
