// Package messages implements the engine's message registry (spec §6):
// a {locale -> {key -> template}} lookup the step evaluator and scheduler
// render for every host-visible, non-flow-authored string —
// "I didn't catch that", retry prompts, cancellation confirmations, and so
// on. The registry itself is data the host supplies (catalogs/localization
// are an explicit out-of-scope collaborator); this package only defines the
// required keys and a sane English default so the engine works out of the
// box.
package messages

import (
	"github.com/flowkit/engine/expr"
	"github.com/flowkit/engine/pathstore"
	"github.com/flowkit/engine/tmpl"
)

// Key names the fixed set of message-registry entries the engine itself
// renders, independent of any flow's own SAY/SAY-GET content.
type Key string

const (
	Welcome               Key = "welcome"
	IDidntCatch           Key = "iDidntCatch"
	RetryPrompt           Key = "retryPrompt"
	Cancelled             Key = "cancelled"
	Help                  Key = "help"
	Status                Key = "status"
	ConfirmSwitch         Key = "confirmSwitch"
	RebootRequiresConfirm Key = "rebootRequiresConfirm"
	NetworkError          Key = "networkError"
	FinancialAborted      Key = "financialAborted"
)

// requiredKeys is the minimum set every locale must define; Registry.Render
// falls back to the English default for any missing key rather than
// failing a turn over an incomplete localization.
var requiredKeys = []Key{
	Welcome, IDidntCatch, RetryPrompt, Cancelled, Help, Status,
	ConfirmSwitch, RebootRequiresConfirm, NetworkError, FinancialAborted,
}

// defaultEnglish is the engine's built-in fallback locale, used when the
// host supplies no registry at all and whenever a configured locale is
// missing a required key.
var defaultEnglish = map[Key]string{
	Welcome:               "Hi! How can I help you today?",
	IDidntCatch:           "Sorry, I didn't catch that. Could you rephrase?",
	RetryPrompt:           "Something went wrong on our end. Let's try that again — {{message}}",
	Cancelled:             "Okay, I've cancelled that.",
	Help:                  "You can ask me to start a task, or say \"cancel\" at any time.",
	Status:                "Here's where things stand: {{status}}",
	ConfirmSwitch:         "Do you want to switch to {{flowName}}? (yes/no)",
	RebootRequiresConfirm: "This will start over completely and can't be undone. Type \"confirm\" to proceed.",
	NetworkError:          "I couldn't reach that service. Please try again in a moment.",
	FinancialAborted:      "This transaction was cancelled and nothing was charged.",
}

// Registry is a {locale -> {key -> template}} map, mirroring §6's message
// registry shape exactly.
type Registry struct {
	locales map[string]map[Key]string
	eval    *expr.Evaluator
}

// NewRegistry builds an empty registry; callers typically follow with
// AddLocale for each locale they support, or rely entirely on the built-in
// English defaults by calling nothing further.
func NewRegistry() *Registry {
	return &Registry{locales: make(map[string]map[Key]string), eval: expr.NewEvaluator(nil)}
}

// AddLocale registers templates for locale, which need not cover every
// required key — Render falls back to English for anything missing.
func (r *Registry) AddLocale(locale string, templates map[Key]string) {
	r.locales[locale] = templates
}

// Render looks up key for locale and renders it as a C3 template against
// vars. Falls back to locale "en" and then the built-in default text if the
// key isn't defined anywhere.
func (r *Registry) Render(locale string, key Key, vars map[string]any) (string, error) {
	tplSrc := r.lookup(locale, key)
	t, err := tmpl.Parse(tplSrc)
	if err != nil {
		return "", err
	}
	return tmpl.Render(t, r.eval, pathstore.Scope{Variables: vars}, nil)
}

func (r *Registry) lookup(locale string, key Key) string {
	if locale != "" {
		if set, ok := r.locales[locale]; ok {
			if s, ok := set[key]; ok {
				return s
			}
		}
	}
	if set, ok := r.locales["en"]; ok {
		if s, ok := set[key]; ok {
			return s
		}
	}
	return defaultEnglish[key]
}

// RequiredKeys returns the fixed set of keys every locale is expected to
// define, for host-side completeness checks.
func RequiredKeys() []Key {
	return append([]Key(nil), requiredKeys...)
}
