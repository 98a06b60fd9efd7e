// Package mapper implements the engine's declarative response mapper (spec
// component C5): the jsonPath / object / array / template / conditional
// mapping variants that turn a raw tool response into the value bound to a
// step's resultVariable.
//
// jsonPath resolution follows the same plain dotted/indexed path resolver
// as pathstore (C1); an expression containing JMESPath-only syntax
// ($, [?, |, *, @) falls back to github.com/jmespath/go-jmespath, the same
// library and entry point (jmespath.Search) the teacher's evals JSON-path
// handler uses.
package mapper

import (
	"strings"

	"github.com/jmespath/go-jmespath"

	"github.com/flowkit/engine/catalog"
	"github.com/flowkit/engine/expr"
	"github.com/flowkit/engine/flowerr"
	"github.com/flowkit/engine/pathstore"
	"github.com/flowkit/engine/tmpl"
	"github.com/flowkit/engine/transform"
)

// Mapper applies response mappings, holding the shared expr.Evaluator used
// to render fallback templates and evaluate conditional filters.
type Mapper struct {
	Eval *expr.Evaluator
}

// New builds a Mapper backed by ev for template/expression evaluation
// inside fallback values and conditional branches.
func New(ev *expr.Evaluator) *Mapper {
	return &Mapper{Eval: ev}
}

// Apply runs m against response per the mapping's Type, with argScope used
// to resolve any `$args.*` references inside jsonPath fallback templates.
func (m *Mapper) Apply(mapping catalog.ResponseMapping, response any, argScope pathstore.Scope) (any, error) {
	switch mapping.Type {
	case catalog.MappingJSONPath:
		return m.applyJSONPath(mapping, response, argScope)
	case catalog.MappingObject:
		return m.applyObject(mapping.Object, response, argScope)
	case catalog.MappingArray:
		return m.applyArray(mapping, response, argScope)
	case catalog.MappingTemplate:
		return m.applyTemplate(mapping.Template, response, argScope)
	case catalog.MappingConditional:
		return m.applyConditional(mapping, response, argScope)
	default:
		return nil, flowerr.New(flowerr.TransformInvalid, "unknown response mapping type "+string(mapping.Type))
	}
}

func (m *Mapper) applyJSONPath(mapping catalog.ResponseMapping, response any, argScope pathstore.Scope) (any, error) {
	out := make(map[string]any, len(mapping.Fields))
	for key, field := range mapping.Fields {
		val, err := resolvePath(field.Path, response)
		if err != nil {
			return nil, err
		}
		if pathstore.IsUndefined(val) || val == nil {
			fb, err := m.resolveFallback(field.Fallback, argScope)
			if err != nil {
				return nil, err
			}
			out[key] = fb
			continue
		}
		if field.Transform != nil {
			spec, err := decodeTransformSpec(field.Transform)
			if err != nil {
				return nil, err
			}
			val, err = transform.Apply(spec, val)
			if err != nil {
				return nil, err
			}
		}
		out[key] = val
	}
	return out, nil
}

// resolvePath resolves path against data using the C1 resolver for plain
// dotted/indexed paths, falling back to JMESPath for anything using syntax
// C1 doesn't support (filters, pipes, wildcards, the $ root token).
func resolvePath(path string, data any) (any, error) {
	if !looksLikeJMESPath(path) {
		segs, err := pathstore.Parse(path)
		if err == nil {
			return pathstore.Get(data, segs), nil
		}
	}
	result, err := jmespath.Search(path, data)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.TransformInvalid, "jmespath expression "+path, err)
	}
	if result == nil {
		return pathstore.Undefined, nil
	}
	return result, nil
}

func looksLikeJMESPath(path string) bool {
	for _, marker := range []string{"[?", "|", "*", "@", "$"} {
		if strings.Contains(path, marker) {
			return true
		}
	}
	return false
}

func (m *Mapper) resolveFallback(fallback any, argScope pathstore.Scope) (any, error) {
	s, ok := fallback.(string)
	if !ok || !strings.Contains(s, "{{") {
		return fallback, nil
	}
	t, err := tmpl.Parse(s)
	if err != nil {
		return nil, err
	}
	return tmpl.Render(t, m.Eval, argScope, nil)
}

func (m *Mapper) applyObject(spec map[string]any, response any, argScope pathstore.Scope) (any, error) {
	out := make(map[string]any, len(spec))
	for key, v := range spec {
		mapped, err := m.mapLeaf(v, response, argScope)
		if err != nil {
			return nil, err
		}
		out[key] = mapped
	}
	return out, nil
}

func (m *Mapper) mapLeaf(v any, response any, argScope pathstore.Scope) (any, error) {
	switch x := v.(type) {
	case string:
		if strings.Contains(x, "{{") {
			return m.applyTemplate(x, response, argScope)
		}
		val, err := resolvePath(x, response)
		if err != nil {
			return nil, err
		}
		if pathstore.IsUndefined(val) {
			return nil, nil
		}
		return val, nil
	case map[string]any:
		return m.applyObject(x, response, argScope)
	default:
		return x, nil
	}
}

func (m *Mapper) applyArray(mapping catalog.ResponseMapping, response any, argScope pathstore.Scope) (any, error) {
	val, err := resolvePath(mapping.Source, response)
	if err != nil {
		return nil, err
	}
	items, ok := val.([]any)
	if !ok {
		return []any{}, nil
	}
	var kept []any
	for _, item := range items {
		if mapping.Filter != nil && !matchesFilter(*mapping.Filter, item) {
			continue
		}
		kept = append(kept, item)
	}
	if mapping.Limit > 0 && len(kept) > mapping.Limit {
		kept = kept[:mapping.Limit]
	}
	if mapping.ItemMapping == nil {
		return kept, nil
	}
	out := make([]any, len(kept))
	for i, item := range kept {
		mapped, err := m.Apply(*mapping.ItemMapping, item, argScope)
		if err != nil {
			return nil, err
		}
		out[i] = mapped
	}
	return out, nil
}

func (m *Mapper) applyTemplate(templateSrc string, response any, argScope pathstore.Scope) (any, error) {
	t, err := tmpl.Parse(templateSrc)
	if err != nil {
		return nil, err
	}
	scope := pathstore.Scope{Variables: map[string]any{"response": response}, Globals: argScope.Globals, ToolArgs: argScope.ToolArgs}
	return tmpl.Render(t, m.Eval, scope, response)
}

func (m *Mapper) applyConditional(mapping catalog.ResponseMapping, response any, argScope pathstore.Scope) (any, error) {
	for _, branch := range mapping.Conditions {
		if matchesFilter(branch.If, response) {
			if branch.Then == nil {
				return nil, flowerr.New(flowerr.TransformInvalid, "conditional branch missing then mapping")
			}
			return m.Apply(*branch.Then, response, argScope)
		}
	}
	if mapping.Else != nil {
		return m.Apply(*mapping.Else, response, argScope)
	}
	return nil, nil
}

// matchesFilter evaluates one array/conditional filter predicate against
// item (or, for a top-level conditional, the whole response).
func matchesFilter(f catalog.ArrayFilter, item any) bool {
	val := item
	if f.Field != "" {
		val, _ = resolvePath(f.Field, item)
	}
	if pathstore.IsUndefined(val) {
		val = nil
	}
	switch f.Operator {
	case catalog.FilterExists:
		return val != nil
	case catalog.FilterEquals:
		return looseEqual(val, f.Value)
	case catalog.FilterNotEquals:
		return !looseEqual(val, f.Value)
	case catalog.FilterGT, catalog.FilterGTE, catalog.FilterLT, catalog.FilterLTE:
		return compareNumeric(f.Operator, val, f.Value)
	case catalog.FilterContains:
		return containsValue(val, f.Value)
	default:
		return false
	}
}

func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return a == b
}

func compareNumeric(op catalog.ArrayFilterOp, a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false
	}
	switch op {
	case catalog.FilterGT:
		return af > bf
	case catalog.FilterGTE:
		return af >= bf
	case catalog.FilterLT:
		return af < bf
	case catalog.FilterLTE:
		return af <= bf
	}
	return false
}

func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	case []any:
		for _, v := range h {
			if looseEqual(v, needle) {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

// decodeTransformSpec accepts a transform described either as a bare type
// string ("parseInt") or a full {type, ...args} map, the two shapes the
// catalog's loosely typed FieldMapping.Transform can hold.
func decodeTransformSpec(raw any) (transform.Spec, error) {
	switch v := raw.(type) {
	case string:
		return transform.Spec{Type: v}, nil
	case map[string]any:
		spec := transform.Spec{Args: v}
		if t, ok := v["type"].(string); ok {
			spec.Type = t
		}
		if fb, ok := v["fallback"]; ok {
			spec.Fallback = fb
		}
		if p, ok := v["precision"]; ok {
			if pf, ok := toFloat(p); ok {
				prec := int(pf)
				spec.Precision = &prec
			}
		}
		return spec, nil
	default:
		return transform.Spec{}, flowerr.New(flowerr.TransformInvalid, "malformed transform spec")
	}
}
