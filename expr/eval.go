// Package expr implements the engine's restricted expression grammar (spec
// component C2): a small allowlisted subset of JavaScript-like expression
// syntax used inside templates, transitions, and transform conditions.
//
// Parse performs all security-relevant rejection statically, before a scope
// is ever touched, producing flowerr.ExpressionRejected. Eval then runs the
// already-approved tree against a scope and can only fail with
// flowerr.ExpressionRuntimeError (divide-by-zero, calling a method on the
// wrong receiver type, an approved host function returning an error).
package expr

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/flowkit/engine/flowerr"
	"github.com/flowkit/engine/pathstore"
)

// HostFunc is an approved host-registered free function, called by name
// from within an expression (e.g. "now()", "uuid()").
type HostFunc func(args []any) (any, error)

// Evaluator runs parsed expression trees against a variable scope. Approved
// holds the host-function implementations corresponding to the names passed
// to SetApprovedFunctions at catalog-load time.
type Evaluator struct {
	Approved map[string]HostFunc
}

// NewEvaluator builds an Evaluator and registers approved's keys with the
// package-level static allowlist so Parse accepts calls to them.
func NewEvaluator(approved map[string]HostFunc) *Evaluator {
	names := make([]string, 0, len(approved))
	for n := range approved {
		names = append(names, n)
	}
	SetApprovedFunctions(names)
	return &Evaluator{Approved: approved}
}

// Eval parses and evaluates src against scope, with this bound for the
// "this" pseudo-identifier (used inside #each template bodies).
func (e *Evaluator) Eval(src string, scope pathstore.Scope, this any) (any, error) {
	node, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return e.EvalNode(node, scope, this)
}

// EvalNode evaluates an already-parsed (and therefore already-approved) tree.
func (e *Evaluator) EvalNode(n Node, scope pathstore.Scope, this any) (any, error) {
	switch v := n.(type) {
	case LiteralNode:
		return v.Value, nil
	case ThisNode:
		return this, nil
	case IdentNode:
		val, err := scope.Resolve(v.Path)
		if err != nil {
			return nil, flowerr.Wrap(flowerr.ExpressionRuntimeErr, "resolving "+v.Path, err)
		}
		if pathstore.IsUndefined(val) {
			return nil, nil
		}
		return val, nil
	case MemberNode:
		target, err := e.EvalNode(v.Target, scope, this)
		if err != nil {
			return nil, err
		}
		return memberOf(target, v.Name)
	case IndexNode:
		target, err := e.EvalNode(v.Target, scope, this)
		if err != nil {
			return nil, err
		}
		idx, err := e.EvalNode(v.Index, scope, this)
		if err != nil {
			return nil, err
		}
		return indexOf(target, idx)
	case UnaryNode:
		x, err := e.EvalNode(v.X, scope, this)
		if err != nil {
			return nil, err
		}
		return evalUnary(v.Op, x)
	case BinaryNode:
		return e.evalBinary(v, scope, this)
	case CallNode:
		return e.evalCall(v, scope, this)
	default:
		return nil, flowerr.New(flowerr.ExpressionRuntimeErr, "unrecognized node")
	}
}

func (e *Evaluator) evalBinary(v BinaryNode, scope pathstore.Scope, this any) (any, error) {
	if v.Op == "&&" {
		l, err := e.EvalNode(v.L, scope, this)
		if err != nil {
			return nil, err
		}
		if !truthy(l) {
			return l, nil
		}
		return e.EvalNode(v.R, scope, this)
	}
	if v.Op == "||" {
		l, err := e.EvalNode(v.L, scope, this)
		if err != nil {
			return nil, err
		}
		if truthy(l) {
			return l, nil
		}
		return e.EvalNode(v.R, scope, this)
	}
	l, err := e.EvalNode(v.L, scope, this)
	if err != nil {
		return nil, err
	}
	r, err := e.EvalNode(v.R, scope, this)
	if err != nil {
		return nil, err
	}
	return evalBinaryOp(v.Op, l, r)
}

func (e *Evaluator) evalCall(v CallNode, scope pathstore.Scope, this any) (any, error) {
	args := make([]any, len(v.Args))
	for i, a := range v.Args {
		val, err := e.EvalNode(a, scope, this)
		if err != nil {
			return nil, err
		}
		args[i] = val
	}
	if v.Target == nil {
		if id, ok := e.Approved[v.Method]; ok {
			res, err := id(args)
			if err != nil {
				return nil, flowerr.Wrap(flowerr.ExpressionRuntimeErr, "host function "+v.Method, err)
			}
			return res, nil
		}
		return callFreeFunction(v.Method, args)
	}
	if id, ok := v.Target.(IdentNode); ok && id.Path == "Math" {
		return callMath(v.Method, args)
	}
	target, err := e.EvalNode(v.Target, scope, this)
	if err != nil {
		return nil, err
	}
	return callMethod(target, v.Method, args)
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0 && !math.IsNaN(x)
	case string:
		return x != ""
	default:
		return true
	}
}

func evalUnary(op string, x any) (any, error) {
	switch op {
	case "!":
		return !truthy(x), nil
	case "-":
		n, err := toNumber(x)
		if err != nil {
			return nil, err
		}
		return -n, nil
	default:
		return nil, flowerr.New(flowerr.ExpressionRuntimeErr, "unsupported unary operator "+op)
	}
}

func evalBinaryOp(op string, l, r any) (any, error) {
	switch op {
	case "==":
		return looseEqual(l, r), nil
	case "!=":
		return !looseEqual(l, r), nil
	case "===":
		return strictEqual(l, r), nil
	case "!==":
		return !strictEqual(l, r), nil
	case "<", "<=", ">", ">=":
		return compare(op, l, r)
	case "+":
		return add(l, r)
	case "-", "*", "/", "%":
		ln, err := toNumber(l)
		if err != nil {
			return nil, err
		}
		rn, err := toNumber(r)
		if err != nil {
			return nil, err
		}
		switch op {
		case "-":
			return ln - rn, nil
		case "*":
			return ln * rn, nil
		case "/":
			if rn == 0 {
				return nil, flowerr.New(flowerr.ExpressionRuntimeErr, "division by zero")
			}
			return ln / rn, nil
		case "%":
			if rn == 0 {
				return nil, flowerr.New(flowerr.ExpressionRuntimeErr, "modulo by zero")
			}
			return math.Mod(ln, rn), nil
		}
	}
	return nil, flowerr.New(flowerr.ExpressionRuntimeErr, "unsupported operator "+op)
}

func add(l, r any) (any, error) {
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok || rok {
		return toDisplayString(orString(l, ls, lok)) + toDisplayString(orString(r, rs, rok)), nil
	}
	ln, err := toNumber(l)
	if err != nil {
		return nil, err
	}
	rn, err := toNumber(r)
	if err != nil {
		return nil, err
	}
	return ln + rn, nil
}

func orString(v any, s string, ok bool) any {
	if ok {
		return s
	}
	return v
}

func compare(op string, l, r any) (any, error) {
	ln, lerr := toNumber(l)
	rn, rerr := toNumber(r)
	if lerr == nil && rerr == nil {
		switch op {
		case "<":
			return ln < rn, nil
		case "<=":
			return ln <= rn, nil
		case ">":
			return ln > rn, nil
		case ">=":
			return ln >= rn, nil
		}
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	return nil, flowerr.New(flowerr.ExpressionRuntimeErr, "cannot compare incompatible operand types")
}

func looseEqual(l, r any) bool {
	if strictEqual(l, r) {
		return true
	}
	ln, lerr := toNumber(l)
	rn, rerr := toNumber(r)
	if lerr == nil && rerr == nil {
		return ln == rn
	}
	return false
}

func strictEqual(l, r any) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	return l == r
}

func toNumber(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, flowerr.Wrap(flowerr.ExpressionRuntimeErr, "cannot convert string to number", err)
		}
		return n, nil
	case nil:
		return 0, nil
	default:
		return 0, flowerr.New(flowerr.ExpressionRuntimeErr, "cannot convert value to number")
	}
}

func toDisplayString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%v", x)
	}
}

func memberOf(target any, name string) (any, error) {
	switch t := target.(type) {
	case map[string]any:
		if v, ok := t[name]; ok {
			return v, nil
		}
		return nil, nil
	case string:
		if name == "length" {
			return float64(len([]rune(t))), nil
		}
	case []any:
		if name == "length" {
			return float64(len(t)), nil
		}
	}
	return nil, nil
}

func indexOf(target, idx any) (any, error) {
	n, err := toNumber(idx)
	if err != nil {
		return nil, err
	}
	i := int(n)
	switch t := target.(type) {
	case []any:
		if i < 0 || i >= len(t) {
			return nil, nil
		}
		return t[i], nil
	case string:
		runes := []rune(t)
		if i < 0 || i >= len(runes) {
			return nil, nil
		}
		return string(runes[i]), nil
	default:
		return nil, flowerr.New(flowerr.ExpressionRuntimeErr, "cannot index non-array/string value")
	}
}

func callFreeFunction(name string, args []any) (any, error) {
	switch name {
	case "parseInt":
		s, _ := argString(args, 0)
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return math.NaN(), nil
		}
		return float64(n), nil
	case "parseFloat":
		s, _ := argString(args, 0)
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return math.NaN(), nil
		}
		return n, nil
	case "isNaN":
		n, err := toNumber(arg(args, 0))
		if err != nil {
			return true, nil
		}
		return math.IsNaN(n), nil
	case "isFinite":
		n, err := toNumber(arg(args, 0))
		if err != nil {
			return false, nil
		}
		return !math.IsNaN(n) && !math.IsInf(n, 0), nil
	case "String":
		return toDisplayString(arg(args, 0)), nil
	case "Number":
		return toNumber(arg(args, 0))
	case "Boolean":
		return truthy(arg(args, 0)), nil
	case "encodeURIComponent", "encodeURI", "decodeURIComponent", "decodeURI":
		s, _ := argString(args, 0)
		return s, nil // identity placeholder; no host I/O involved
	default:
		return nil, flowerr.New(flowerr.ExpressionRuntimeErr, "unknown free function "+name)
	}
}

func callMath(name string, args []any) (any, error) {
	switch name {
	case "abs":
		n, err := toNumber(arg(args, 0))
		if err != nil {
			return nil, err
		}
		return math.Abs(n), nil
	case "ceil":
		n, err := toNumber(arg(args, 0))
		if err != nil {
			return nil, err
		}
		return math.Ceil(n), nil
	case "floor":
		n, err := toNumber(arg(args, 0))
		if err != nil {
			return nil, err
		}
		return math.Floor(n), nil
	case "round":
		n, err := toNumber(arg(args, 0))
		if err != nil {
			return nil, err
		}
		return math.Round(n), nil
	case "sqrt":
		n, err := toNumber(arg(args, 0))
		if err != nil {
			return nil, err
		}
		return math.Sqrt(n), nil
	case "pow":
		base, err := toNumber(arg(args, 0))
		if err != nil {
			return nil, err
		}
		exp, err := toNumber(arg(args, 1))
		if err != nil {
			return nil, err
		}
		return math.Pow(base, exp), nil
	case "max", "min":
		if len(args) == 0 {
			if name == "max" {
				return math.Inf(-1), nil
			}
			return math.Inf(1), nil
		}
		best, err := toNumber(args[0])
		if err != nil {
			return nil, err
		}
		for _, a := range args[1:] {
			n, err := toNumber(a)
			if err != nil {
				return nil, err
			}
			if (name == "max" && n > best) || (name == "min" && n < best) {
				best = n
			}
		}
		return best, nil
	case "random":
		return nil, flowerr.New(flowerr.ExpressionRuntimeErr, "Math.random is not supported in deterministic evaluation")
	default:
		return nil, flowerr.New(flowerr.ExpressionRuntimeErr, "unknown Math function "+name)
	}
}

func callMethod(target any, name string, args []any) (any, error) {
	switch t := target.(type) {
	case string:
		return callStringMethod(t, name, args)
	case []any:
		return callArrayMethod(t, name, args)
	}
	return nil, flowerr.New(flowerr.ExpressionRuntimeErr, fmt.Sprintf("method %q is not valid on this value's type", name))
}

func callStringMethod(s, name string, args []any) (any, error) {
	switch name {
	case "toLowerCase":
		return strings.ToLower(s), nil
	case "toUpperCase":
		return strings.ToUpper(s), nil
	case "trim":
		return strings.TrimSpace(s), nil
	case "padStart", "padEnd":
		n, _ := toNumber(arg(args, 0))
		pad := " "
		if p, ok := argString(args, 1); ok == true {
			pad = p
		}
		return padString(s, int(n), pad, name == "padStart"), nil
	case "charAt":
		n, _ := toNumber(arg(args, 0))
		runes := []rune(s)
		i := int(n)
		if i < 0 || i >= len(runes) {
			return "", nil
		}
		return string(runes[i]), nil
	case "charCodeAt":
		n, _ := toNumber(arg(args, 0))
		runes := []rune(s)
		i := int(n)
		if i < 0 || i >= len(runes) {
			return math.NaN(), nil
		}
		return float64(runes[i]), nil
	case "indexOf":
		sub, _ := argString(args, 0)
		return float64(indexOfRunes(s, sub, false)), nil
	case "lastIndexOf":
		sub, _ := argString(args, 0)
		return float64(indexOfRunes(s, sub, true)), nil
	case "substring", "substr", "slice":
		return sliceString(s, name, args)
	case "split":
		sep, _ := argString(args, 0)
		parts := strings.Split(s, sep)
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	case "includes":
		sub, _ := argString(args, 0)
		return strings.Contains(s, sub), nil
	case "startsWith":
		sub, _ := argString(args, 0)
		return strings.HasPrefix(s, sub), nil
	case "endsWith":
		sub, _ := argString(args, 0)
		return strings.HasSuffix(s, sub), nil
	case "replace":
		old, _ := argString(args, 0)
		repl, _ := argString(args, 1)
		return strings.Replace(s, old, repl, 1), nil
	case "repeat":
		n, _ := toNumber(arg(args, 0))
		if n < 0 {
			return nil, flowerr.New(flowerr.ExpressionRuntimeErr, "repeat count must be non-negative")
		}
		return strings.Repeat(s, int(n)), nil
	case "concat":
		for _, a := range args {
			s += toDisplayString(a)
		}
		return s, nil
	case "toString", "valueOf":
		return s, nil
	case "localeCompare":
		other, _ := argString(args, 0)
		return float64(strings.Compare(s, other)), nil
	case "normalize":
		return s, nil
	case "match":
		pattern, _ := argString(args, 0)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, flowerr.Wrap(flowerr.ExpressionRuntimeErr, "invalid match pattern", err)
		}
		m := re.FindString(s)
		if m == "" && !re.MatchString(s) {
			return nil, nil
		}
		return m, nil
	case "search":
		pattern, _ := argString(args, 0)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, flowerr.Wrap(flowerr.ExpressionRuntimeErr, "invalid search pattern", err)
		}
		loc := re.FindStringIndex(s)
		if loc == nil {
			return float64(-1), nil
		}
		return float64(len([]rune(s[:loc[0]]))), nil
	default:
		return nil, flowerr.New(flowerr.ExpressionRuntimeErr, "unknown string method "+name)
	}
}

func indexOfRunes(s, sub string, last bool) int {
	if last {
		return strings.LastIndex(s, sub)
	}
	return strings.Index(s, sub)
}

func padString(s string, target int, pad string, start bool) string {
	if pad == "" || len([]rune(s)) >= target {
		return s
	}
	need := target - len([]rune(s))
	var b strings.Builder
	for b.Len() < need {
		b.WriteString(pad)
	}
	fill := []rune(b.String())[:need]
	if start {
		return string(fill) + s
	}
	return s + string(fill)
}

func sliceString(s, name string, args []any) (any, error) {
	runes := []rune(s)
	n := len(runes)
	start, end := 0, n
	if len(args) > 0 {
		v, _ := toNumber(args[0])
		start = clampIndex(int(v), n, name != "substr")
	}
	if len(args) > 1 {
		v, _ := toNumber(args[1])
		if name == "substr" {
			end = start + int(v)
		} else {
			end = clampIndex(int(v), n, true)
		}
	}
	if name != "substr" && start > end {
		start, end = end, start
	}
	if start < 0 {
		start = 0
	}
	if end > n {
		end = n
	}
	if start > n {
		start = n
	}
	if end < start {
		end = start
	}
	return string(runes[start:end]), nil
}

func clampIndex(i, n int, allowNegative bool) int {
	if allowNegative && i < 0 {
		i = n + i
	}
	if i < 0 {
		i = 0
	}
	if i > n {
		i = n
	}
	return i
}

func callArrayMethod(arr []any, name string, args []any) (any, error) {
	switch name {
	case "includes":
		for _, v := range arr {
			if looseEqual(v, arg(args, 0)) {
				return true, nil
			}
		}
		return false, nil
	case "indexOf":
		for i, v := range arr {
			if strictEqual(v, arg(args, 0)) {
				return float64(i), nil
			}
		}
		return float64(-1), nil
	case "lastIndexOf":
		for i := len(arr) - 1; i >= 0; i-- {
			if strictEqual(arr[i], arg(args, 0)) {
				return float64(i), nil
			}
		}
		return float64(-1), nil
	case "slice":
		n := len(arr)
		start, end := 0, n
		if len(args) > 0 {
			v, _ := toNumber(args[0])
			start = clampIndex(int(v), n, true)
		}
		if len(args) > 1 {
			v, _ := toNumber(args[1])
			end = clampIndex(int(v), n, true)
		}
		if end < start {
			end = start
		}
		out := make([]any, end-start)
		copy(out, arr[start:end])
		return out, nil
	case "join":
		sep := ","
		if s, ok := argString(args, 0); ok {
			sep = s
		}
		parts := make([]string, len(arr))
		for i, v := range arr {
			parts[i] = toDisplayString(v)
		}
		return strings.Join(parts, sep), nil
	case "toString", "valueOf":
		parts := make([]string, len(arr))
		for i, v := range arr {
			parts[i] = toDisplayString(v)
		}
		return strings.Join(parts, ","), nil
	default:
		return nil, flowerr.New(flowerr.ExpressionRuntimeErr, "unknown array method "+name)
	}
}

func arg(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

func argString(args []any, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}

// sortedKeys returns m's keys in ascending order, for deterministic map
// iteration. Nothing in this module calls it at present.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
