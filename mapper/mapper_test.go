package mapper

import (
	"testing"

	"github.com/flowkit/engine/catalog"
	"github.com/flowkit/engine/expr"
	"github.com/flowkit/engine/pathstore"
)

func TestApply_JSONPathWithFallback(t *testing.T) {
	m := New(expr.NewEvaluator(nil))
	mapping := catalog.ResponseMapping{
		Type: catalog.MappingJSONPath,
		Fields: map[string]catalog.FieldMapping{
			"total":  {Path: "order.total"},
			"status": {Path: "order.status", Fallback: "unknown"},
		},
	}
	response := map[string]any{"order": map[string]any{"total": 42.0}}
	out, err := m.Apply(mapping, response, pathstore.Scope{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	result := out.(map[string]any)
	if result["total"] != 42.0 {
		t.Errorf("total = %v", result["total"])
	}
	if result["status"] != "unknown" {
		t.Errorf("status = %v", result["status"])
	}
}

func TestApply_JSONPathWithTransform(t *testing.T) {
	m := New(expr.NewEvaluator(nil))
	mapping := catalog.ResponseMapping{
		Type: catalog.MappingJSONPath,
		Fields: map[string]catalog.FieldMapping{
			"total": {Path: "total", Transform: "parseFloat"},
		},
	}
	response := map[string]any{"total": "42.50"}
	out, err := m.Apply(mapping, response, pathstore.Scope{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.(map[string]any)["total"] != 42.5 {
		t.Errorf("got %v", out)
	}
}

func TestApply_ArrayWithFilterAndLimit(t *testing.T) {
	m := New(expr.NewEvaluator(nil))
	mapping := catalog.ResponseMapping{
		Type:   catalog.MappingArray,
		Source: "items",
		Limit:  1,
		Filter: &catalog.ArrayFilter{Field: "active", Operator: catalog.FilterEquals, Value: true},
	}
	response := map[string]any{"items": []any{
		map[string]any{"active": false, "name": "a"},
		map[string]any{"active": true, "name": "b"},
		map[string]any{"active": true, "name": "c"},
	}}
	out, err := m.Apply(mapping, response, pathstore.Scope{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	arr := out.([]any)
	if len(arr) != 1 {
		t.Fatalf("expected 1 item after limit, got %d", len(arr))
	}
	if arr[0].(map[string]any)["name"] != "b" {
		t.Errorf("got %v", arr[0])
	}
}

func TestApply_ConditionalFirstMatchWins(t *testing.T) {
	m := New(expr.NewEvaluator(nil))
	thenMapping := catalog.ResponseMapping{Type: catalog.MappingTemplate, Template: "approved"}
	elseMapping := catalog.ResponseMapping{Type: catalog.MappingTemplate, Template: "denied"}
	mapping := catalog.ResponseMapping{
		Type: catalog.MappingConditional,
		Conditions: []catalog.ConditionalBranch{
			{If: catalog.ArrayFilter{Field: "status", Operator: catalog.FilterEquals, Value: "ok"}, Then: &thenMapping},
		},
		Else: &elseMapping,
	}
	response := map[string]any{"status": "ok"}
	out, err := m.Apply(mapping, response, pathstore.Scope{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out != "approved" {
		t.Errorf("got %v", out)
	}
}

func TestApply_ObjectRecursiveRemap(t *testing.T) {
	m := New(expr.NewEvaluator(nil))
	mapping := catalog.ResponseMapping{
		Type: catalog.MappingObject,
		Object: map[string]any{
			"customerName": "customer.name",
			"nested": map[string]any{
				"zip": "customer.address.zip",
			},
			"literal": 7.0,
		},
	}
	response := map[string]any{"customer": map[string]any{
		"name":    "Alice",
		"address": map[string]any{"zip": "12345"},
	}}
	out, err := m.Apply(mapping, response, pathstore.Scope{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	result := out.(map[string]any)
	if result["customerName"] != "Alice" {
		t.Errorf("customerName = %v", result["customerName"])
	}
	nested := result["nested"].(map[string]any)
	if nested["zip"] != "12345" {
		t.Errorf("zip = %v", nested["zip"])
	}
	if result["literal"] != 7.0 {
		t.Errorf("literal = %v", result["literal"])
	}
}

func TestApply_JMESPathFallbackForComplexPaths(t *testing.T) {
	m := New(expr.NewEvaluator(nil))
	mapping := catalog.ResponseMapping{
		Type: catalog.MappingJSONPath,
		Fields: map[string]catalog.FieldMapping{
			"names": {Path: "items[?active].name"},
		},
	}
	response := map[string]any{"items": []any{
		map[string]any{"active": true, "name": "a"},
		map[string]any{"active": false, "name": "b"},
	}}
	out, err := m.Apply(mapping, response, pathstore.Scope{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	result := out.(map[string]any)
	names, ok := result["names"].([]any)
	if !ok || len(names) != 1 || names[0] != "a" {
		t.Errorf("got %v", result["names"])
	}
}
