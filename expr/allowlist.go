package expr

// dangerousNames are identifiers/property keys that are always rejected
// statically, call or no call, regardless of target. They are the handles
// JavaScript normally uses to climb out of a sandboxed value into the
// runtime (prototype pollution, Function constructor, global scope).
var dangerousNames = map[string]bool{
	"constructor": true,
	"prototype":   true,
	"__proto__":   true,
	"eval":        true,
	"Function":    true,
	"globalThis":  true,
	"require":     true,
	"import":      true,
}

// stringMethods is the allowlist of methods callable on a string value.
var stringMethods = map[string]bool{
	"toLowerCase": true, "toUpperCase": true, "trim": true,
	"padStart": true, "padEnd": true, "charAt": true, "charCodeAt": true,
	"indexOf": true, "lastIndexOf": true, "substring": true, "substr": true,
	"slice": true, "split": true, "includes": true, "startsWith": true,
	"endsWith": true, "replace": true, "repeat": true, "concat": true,
	"toString": true, "valueOf": true, "localeCompare": true, "normalize": true,
	"match": true, "search": true,
}

// arrayMethods is the allowlist of methods callable on an array value.
var arrayMethods = map[string]bool{
	"includes": true, "indexOf": true, "lastIndexOf": true, "slice": true,
	"join": true, "toString": true, "valueOf": true,
}

// mathMethods is the allowlist of functions callable on the "Math" namespace.
var mathMethods = map[string]bool{
	"abs": true, "ceil": true, "floor": true, "round": true,
	"max": true, "min": true, "pow": true, "sqrt": true, "random": true,
}

// freeFunctions is the allowlist of bare (non-member) function calls.
var freeFunctions = map[string]bool{
	"parseInt": true, "parseFloat": true, "isNaN": true, "isFinite": true,
	"String": true, "Number": true, "Boolean": true,
	"encodeURIComponent": true, "decodeURIComponent": true,
	"encodeURI": true, "decodeURI": true,
}

// allowedMethodName reports whether name may ever be called as a method,
// on any of the three supported receiver families. The receiver's actual
// runtime type still gates dispatch in eval.go.
func allowedMethodName(name string) bool {
	return stringMethods[name] || arrayMethods[name] || mathMethods[name]
}
