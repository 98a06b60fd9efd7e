// Package transform implements the engine's declarative value-transform
// algebra (spec component C4): small, named operations applied to a single
// resolved value, each with mandatory fallback semantics so a malformed or
// missing input degrades predictably instead of propagating an error.
//
// A Spec is typically authored as flow-catalog JSON/YAML:
//
//	{"type": "divide", "divisor": 0, "fallback": 0, "precision": 2}
//
// Apply never returns an error for bad *input data* (NaN, divide-by-zero,
// empty aggregate input all resolve to fallback); it only errors when the
// Spec names an unknown type (flowerr.TransformInvalid). A missing or
// non-numeric argument (e.g. no divisor) also resolves to fallback.
package transform

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/flowkit/engine/flowerr"
)

// Spec is one parsed transform step. Args holds type-specific parameters
// (addend, pattern, field, ...) as a loosely typed map, the way the catalog
// package decodes them off the manifest.
type Spec struct {
	Type      string
	Args      map[string]any
	Fallback  any
	Precision *int
}

// Apply runs spec against input, returning spec.Fallback (or the input
// itself, for unrecognized-but-harmless edge cases) whenever the operation
// cannot produce a well-defined numeric/string result.
func Apply(spec Spec, input any) (any, error) {
	fn, ok := registry[spec.Type]
	if !ok {
		return nil, flowerr.New(flowerr.TransformInvalid, "unknown transform type "+spec.Type)
	}
	result, applied := fn(spec, input)
	if !applied {
		return spec.Fallback, nil
	}
	if spec.Precision != nil {
		if n, ok := result.(float64); ok {
			result = roundTo(n, *spec.Precision)
		}
	}
	return result, nil
}

// opFunc returns (value, true) on success or (_, false) to signal "use
// fallback". Type validity is checked by the registry lookup in Apply;
// opFuncs themselves never return flowerr errors, keeping "bad data"
// entirely distinct from "bad spec".
type opFunc func(spec Spec, input any) (any, bool)

var registry = map[string]opFunc{
	"parseInt":      opParseInt,
	"parseFloat":    opParseFloat,
	"toLowerCase":   opToLower,
	"toUpperCase":   opToUpper,
	"trim":          opTrim,
	"replace":       opReplace,
	"concat":        opConcat,
	"regex":         opRegex,
	"date":          opDate,
	"default":       opDefault,
	"add":           opArith("add"),
	"subtract":      opArith("subtract"),
	"multiply":      opArith("multiply"),
	"divide":        opArith("divide"),
	"percentage":    opPercentage,
	"abs":           opMathFn(math.Abs),
	"round":         opMathFn(math.Round),
	"floor":         opMathFn(math.Floor),
	"ceil":          opMathFn(math.Ceil),
	"currentYear":   opCurrentYear,
	"yearDifference": opYearDifference,
	"sum":           opAggregate("sum"),
	"average":       opAggregate("average"),
	"count":         opAggregate("count"),
	"min":           opAggregate("min"),
	"max":           opAggregate("max"),
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return n, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func toStr(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	default:
		return false
	}
}

func opParseInt(_ Spec, input any) (any, bool) {
	n, ok := toFloat(input)
	if !ok {
		return nil, false
	}
	return math.Trunc(n), true
}

func opParseFloat(_ Spec, input any) (any, bool) {
	return toFloat(input)
}

func opToLower(_ Spec, input any) (any, bool) { return strings.ToLower(toStr(input)), true }
func opToUpper(_ Spec, input any) (any, bool) { return strings.ToUpper(toStr(input)), true }
func opTrim(_ Spec, input any) (any, bool)    { return strings.TrimSpace(toStr(input)), true }

func opReplace(spec Spec, input any) (any, bool) {
	pattern, _ := spec.Args["pattern"].(string)
	replacement, _ := spec.Args["replacement"].(string)
	flags, _ := spec.Args["flags"].(string)
	expr := pattern
	if strings.Contains(flags, "i") {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, false
	}
	if strings.Contains(flags, "g") {
		return re.ReplaceAllString(toStr(input), replacement), true
	}
	replaced := false
	result := re.ReplaceAllStringFunc(toStr(input), func(m string) string {
		if replaced {
			return m
		}
		replaced = true
		return re.ReplaceAllString(m, replacement)
	})
	return result, true
}

func opConcat(spec Spec, input any) (any, bool) {
	prefix, _ := spec.Args["prefix"].(string)
	suffix, _ := spec.Args["suffix"].(string)
	return prefix + toStr(input) + suffix, true
}

func opRegex(spec Spec, input any) (any, bool) {
	pattern, _ := spec.Args["pattern"].(string)
	group := 0
	if g, ok := spec.Args["group"]; ok {
		if gf, ok := toFloat(g); ok {
			group = int(gf)
		}
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, false
	}
	m := re.FindStringSubmatch(toStr(input))
	if m == nil || group >= len(m) {
		return nil, false
	}
	return m[group], true
}

func opDate(_ Spec, input any) (any, bool) {
	switch x := input.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339), true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05", time.RFC1123} {
			if t, err := time.Parse(layout, x); err == nil {
				return t.UTC().Format(time.RFC3339), true
			}
		}
		return nil, false
	case float64:
		return time.Unix(int64(x), 0).UTC().Format(time.RFC3339), true
	default:
		return nil, false
	}
}

func opDefault(_ Spec, input any) (any, bool) {
	if isEmpty(input) {
		return nil, false
	}
	return input, true
}

func opArith(kind string) opFunc {
	return func(spec Spec, input any) (any, bool) {
		a, ok := toFloat(input)
		if !ok {
			return nil, false
		}
		var key string
		switch kind {
		case "add":
			key = "addend"
		case "subtract":
			key = "subtrahend"
		case "multiply":
			key = "multiplier"
		case "divide":
			key = "divisor"
		}
		b, ok := toFloat(spec.Args[key])
		if !ok {
			return nil, false
		}
		switch kind {
		case "add":
			return a + b, true
		case "subtract":
			return a - b, true
		case "multiply":
			return a * b, true
		case "divide":
			if b == 0 {
				return nil, false
			}
			return a / b, true
		}
		return nil, false
	}
}

func opPercentage(spec Spec, input any) (any, bool) {
	a, ok := toFloat(input)
	if !ok {
		return nil, false
	}
	d, ok := toFloat(spec.Args["divisor"])
	if !ok || d == 0 {
		return nil, false
	}
	return a / d * 100, true
}

func opMathFn(fn func(float64) float64) opFunc {
	return func(_ Spec, input any) (any, bool) {
		n, ok := toFloat(input)
		if !ok {
			return nil, false
		}
		return fn(n), true
	}
}

func opCurrentYear(_ Spec, _ any) (any, bool) {
	return float64(time.Now().UTC().Year()), true
}

func opYearDifference(_ Spec, input any) (any, bool) {
	year, ok := toFloat(input)
	if !ok {
		return nil, false
	}
	return float64(time.Now().UTC().Year()) - year, true
}

// opAggregate implements sum/average/count/min/max over an array input,
// optionally selecting a {field} from each element when the array holds
// objects. Non-numeric elements are skipped, not errors.
func opAggregate(kind string) opFunc {
	return func(spec Spec, input any) (any, bool) {
		arr, ok := input.([]any)
		if !ok {
			if kind == "count" {
				return float64(0), true
			}
			return nil, false
		}
		field, _ := spec.Args["field"].(string)
		var nums []float64
		for _, el := range arr {
			v := el
			if field != "" {
				if m, ok := el.(map[string]any); ok {
					v = m[field]
				} else {
					continue
				}
			}
			if n, ok := toFloat(v); ok {
				nums = append(nums, n)
			}
		}
		switch kind {
		case "count":
			return float64(len(arr)), true
		case "sum":
			if len(nums) == 0 {
				return float64(0), true
			}
			var s float64
			for _, n := range nums {
				s += n
			}
			return s, true
		case "average":
			if len(nums) == 0 {
				return nil, false
			}
			var s float64
			for _, n := range nums {
				s += n
			}
			return s / float64(len(nums)), true
		case "min":
			if len(nums) == 0 {
				return nil, false
			}
			m := nums[0]
			for _, n := range nums[1:] {
				if n < m {
					m = n
				}
			}
			return m, true
		case "max":
			if len(nums) == 0 {
				return nil, false
			}
			m := nums[0]
			for _, n := range nums[1:] {
				if n > m {
					m = n
				}
			}
			return m, true
		}
		return nil, false
	}
}

// roundTo rounds to the given number of decimal digits using half-away-
// from-zero, per the spec's explicit ban on banker's rounding.
func roundTo(n float64, digits int) float64 {
	factor := math.Pow(10, float64(digits))
	if n < 0 {
		return -math.Floor(-n*factor+0.5) / factor
	}
	return math.Floor(n*factor+0.5) / factor
}
