package arbiter

import (
	"strings"

	"github.com/flowkit/engine/catalog"
)

// literalMatch implements the no-AI-bridge fallback matcher (§4.9 step 2,
// §9's tie-breaking clarification): case-insensitive exact match of
// name/id/triggers wins as strong; substring match is medium. Among
// partial (substring) matches, the flow whose matched token is longest
// wins; remaining ties break by declaration order (first listed flow
// wins, since this loop only replaces the current best on a strictly
// better match).
func literalMatch(utterance string, flows []catalog.FlowDefinition) *classifiedMatch {
	u := strings.ToLower(strings.TrimSpace(utterance))
	if u == "" {
		return nil
	}

	var best *classifiedMatch
	bestTokenLen := -1

	for _, f := range flows {
		candidates := append([]string{f.ID, f.Name}, f.Triggers...)
		for _, c := range candidates {
			cl := strings.ToLower(strings.TrimSpace(c))
			if cl == "" {
				continue
			}
			if cl == u {
				return &classifiedMatch{FlowID: f.ID, Strength: StrengthStrong, CallType: catalog.CallTypeCall}
			}
			if strings.Contains(u, cl) && len(cl) > bestTokenLen {
				bestTokenLen = len(cl)
				best = &classifiedMatch{FlowID: f.ID, Strength: StrengthMedium, CallType: catalog.CallTypeCall}
			}
		}
	}
	return best
}
