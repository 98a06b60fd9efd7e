// Package pathstore implements safe nested get/set against a frame's flat
// variable map, session globals, and the tool-argument scope ($args.*).
//
// Paths are dotted identifier chains with optional numeric subscripts, e.g.
// "order.items[0].sku". A path segment that is not a valid identifier or a
// non-negative integer index is rejected outright — this is the one place
// in the engine where a host-controlled string (a flow author's variable
// reference) is parsed without going through the expression grammar, so it
// gets the same conservative treatment.
package pathstore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Undefined is the sentinel value returned when a path resolves to nothing.
// It is distinct from nil (which is a valid JSON value) so callers can tell
// "missing" apart from "present and null".
var Undefined = undefinedType{}

type undefinedType struct{}

func (undefinedType) String() string { return "undefined" }

// IsUndefined reports whether v is the Undefined sentinel.
func IsUndefined(v any) bool {
	_, ok := v.(undefinedType)
	return ok
}

// ErrInvalidPath is returned when a path contains a segment that is neither
// a valid identifier nor a non-negative integer index.
var ErrInvalidPath = errors.New("pathstore: invalid path segment")

// Segment is one element of a parsed path: either a map key or an array index.
type Segment struct {
	Key      string
	Index    int
	IsIndex  bool
}

// Parse splits a dotted path with optional [n] subscripts into segments,
// validating every segment along the way.
func Parse(path string) ([]Segment, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	var segs []Segment
	for _, dotted := range strings.Split(path, ".") {
		if dotted == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, path)
		}
		name, indices, err := splitIndices(dotted)
		if err != nil {
			return nil, fmt.Errorf("%w: %v in %q", ErrInvalidPath, err, path)
		}
		if !isIdentifier(name) {
			return nil, fmt.Errorf("%w: %q is not an identifier", ErrInvalidPath, name)
		}
		segs = append(segs, Segment{Key: name})
		for _, idx := range indices {
			segs = append(segs, Segment{Index: idx, IsIndex: true})
		}
	}
	return segs, nil
}

// splitIndices splits "items[0][1]" into ("items", [0, 1]).
func splitIndices(tok string) (string, []int, error) {
	bracket := strings.IndexByte(tok, '[')
	if bracket == -1 {
		return tok, nil, nil
	}
	name := tok[:bracket]
	rest := tok[bracket:]
	var indices []int
	for len(rest) > 0 {
		if rest[0] != '[' {
			return "", nil, fmt.Errorf("malformed subscript near %q", rest)
		}
		end := strings.IndexByte(rest, ']')
		if end == -1 {
			return "", nil, fmt.Errorf("unterminated subscript in %q", tok)
		}
		numStr := rest[1:end]
		n, err := strconv.Atoi(numStr)
		if err != nil || n < 0 {
			return "", nil, fmt.Errorf("subscript %q is not a non-negative integer", numStr)
		}
		indices = append(indices, n)
		rest = rest[end+1:]
	}
	return name, indices, nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// Get resolves segs against root, returning Undefined if any segment is
// missing or the wrong shape to traverse further.
func Get(root any, segs []Segment) any {
	cur := root
	for _, seg := range segs {
		if seg.IsIndex {
			arr, ok := cur.([]any)
			if !ok || seg.Index >= len(arr) {
				return Undefined
			}
			cur = arr[seg.Index]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return Undefined
		}
		v, ok := m[seg.Key]
		if !ok {
			return Undefined
		}
		cur = v
	}
	return cur
}

// GetPath parses path and resolves it against root in one call.
func GetPath(root any, path string) (any, error) {
	segs, err := Parse(path)
	if err != nil {
		return nil, err
	}
	return Get(root, segs), nil
}

// Set writes value at segs within root (a map[string]any), auto-vivifying
// intermediate maps and slices as needed. root must be non-nil.
func Set(root map[string]any, segs []Segment, value any) error {
	if len(segs) == 0 {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	return setRec(root, segs, value)
}

// SetPath parses path and writes value into root in one call.
func SetPath(root map[string]any, path string, value any) error {
	segs, err := Parse(path)
	if err != nil {
		return err
	}
	return Set(root, segs, value)
}

func setRec(container any, segs []Segment, value any) error {
	seg := segs[0]
	if seg.IsIndex {
		return fmt.Errorf("%w: root-level index segment", ErrInvalidPath)
	}
	m, ok := container.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: cannot write through non-object container", ErrInvalidPath)
	}

	if len(segs) == 1 {
		m[seg.Key] = value
		return nil
	}

	next := segs[1]
	if next.IsIndex {
		arr, _ := m[seg.Key].([]any)
		for len(arr) <= next.Index {
			arr = append(arr, Undefined)
		}
		if len(segs) == 2 {
			arr[next.Index] = value
			m[seg.Key] = arr
			return nil
		}
		elem, ok := arr[next.Index].(map[string]any)
		if !ok {
			elem = make(map[string]any)
		}
		if err := setRec(elem, segs[2:], value); err != nil {
			return err
		}
		arr[next.Index] = elem
		m[seg.Key] = arr
		return nil
	}

	child, ok := m[seg.Key].(map[string]any)
	if !ok {
		child = make(map[string]any)
	}
	if err := setRec(child, segs[1:], value); err != nil {
		return err
	}
	m[seg.Key] = child
	return nil
}

// Scope resolves a variable reference in the order the spec mandates: the
// current frame's variables, then session globals, then (if toolArgs is
// non-nil and the path starts with "$args.") the tool-argument scope
// (spec.md §4.1/§4.5: "$args.…", "may itself be a template referencing
// $args.*").
type Scope struct {
	Variables map[string]any
	Globals   map[string]any
	ToolArgs  map[string]any
}

// Resolve looks up path across the scope's layers in priority order. The
// "$args." prefix is stripped before Parse ever sees the rest of the path,
// since Parse's identifier check rejects "$" in any segment.
func (s Scope) Resolve(path string) (any, error) {
	if s.ToolArgs != nil {
		if rest, ok := strings.CutPrefix(path, "$args."); ok {
			return GetPath(s.ToolArgs, rest)
		}
		if path == "$args" {
			return s.ToolArgs, nil
		}
	}
	if s.Variables != nil {
		v, err := GetPath(s.Variables, path)
		if err != nil {
			return nil, err
		}
		if !IsUndefined(v) {
			return v, nil
		}
	}
	if s.Globals != nil {
		return GetPath(s.Globals, path)
	}
	return Undefined, nil
}

// MergeReturn copies the named return values from child into parent,
// implementing the "sub-flow return values merge back, everything else
// stays scoped" rule. names empty merges nothing.
func MergeReturn(parent, child map[string]any, names ...string) {
	for _, name := range names {
		if v, ok := child[name]; ok {
			parent[name] = v
		}
	}
}
