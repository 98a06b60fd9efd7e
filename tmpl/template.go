// Package tmpl renders the engine's template strings (spec component C3):
// plain text interleaved with {{expr}} substitutions, {{#each}} loops binding
// this/@index/@last, and {{#unless}} conditional blocks.
//
// It generalizes the teacher's variable-substitution renderer
// (runtime/template.Renderer, {{variable}} string replace with recursive
// passes) into a small structured template AST backed by the expr package
// for every {{...}} payload, instead of doing raw string substitution.
package tmpl

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flowkit/engine/expr"
	"github.com/flowkit/engine/flowerr"
	"github.com/flowkit/engine/pathstore"
)

// Template is a parsed template ready to render repeatedly against
// different scopes.
type Template struct {
	nodes []node
	src   string
}

type node interface{ isNode() }

type textNode struct{ text string }

type exprNode struct {
	raw    string
	parsed expr.Node
}

type eachNode struct {
	listExpr expr.Node
	body     []node
}

type unlessNode struct {
	condExpr expr.Node
	body     []node
}

func (textNode) isNode()   {}
func (exprNode) isNode()   {}
func (eachNode) isNode()   {}
func (unlessNode) isNode() {}

// Parse compiles a template string into a Template, statically rejecting any
// malformed block structure (unmatched #each/#unless, empty expressions) and
// any embedded expression that Parse (expr package) rejects. Both surface as
// flowerr.TemplateSyntaxError, except an inner expr rejection which keeps its
// own ExpressionRejected kind so callers can distinguish the two.
func Parse(src string) (*Template, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.TemplateSyntaxError, "tokenizing template", err)
	}
	p := &tplParser{toks: toks}
	nodes, err := p.parseNodes("")
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, flowerr.New(flowerr.TemplateSyntaxError, "unexpected closing block with no matching opener")
	}
	return &Template{nodes: nodes, src: src}, nil
}

// rawToken is either literal text or a "{{...}}" block's inner content.
type rawToken struct {
	isBlock bool
	text    string
}

func tokenize(src string) ([]rawToken, error) {
	var toks []rawToken
	rest := src
	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			if rest != "" {
				toks = append(toks, rawToken{text: rest})
			}
			return toks, nil
		}
		if start > 0 {
			toks = append(toks, rawToken{text: rest[:start]})
		}
		rest = rest[start+2:]
		end := strings.Index(rest, "}}")
		if end == -1 {
			return nil, fmt.Errorf("unterminated {{ block")
		}
		inner := strings.TrimSpace(rest[:end])
		if inner == "" {
			return nil, fmt.Errorf("empty {{}} block")
		}
		toks = append(toks, rawToken{isBlock: true, text: inner})
		rest = rest[end+2:]
	}
}

type tplParser struct {
	toks []rawToken
	pos  int
}

// parseNodes parses nodes until EOF or a closing tag matching closeTag
// (e.g. "/each", "/unless"); the closing tag itself is consumed.
func (p *tplParser) parseNodes(closeTag string) ([]node, error) {
	var out []node
	for p.pos < len(p.toks) {
		t := p.toks[p.pos]
		if !t.isBlock {
			out = append(out, textNode{text: t.text})
			p.pos++
			continue
		}
		switch {
		case t.text == closeTag && closeTag != "":
			p.pos++
			return out, nil
		case strings.HasPrefix(t.text, "#each "):
			p.pos++
			listSrc := strings.TrimSpace(strings.TrimPrefix(t.text, "#each "))
			listExpr, err := expr.Parse(listSrc)
			if err != nil {
				return nil, err
			}
			body, err := p.parseNodes("/each")
			if err != nil {
				return nil, err
			}
			out = append(out, eachNode{listExpr: listExpr, body: body})
		case strings.HasPrefix(t.text, "#unless "):
			p.pos++
			condSrc := strings.TrimSpace(strings.TrimPrefix(t.text, "#unless "))
			condExpr, err := expr.Parse(rewriteLoopVars(condSrc))
			if err != nil {
				return nil, err
			}
			body, err := p.parseNodes("/unless")
			if err != nil {
				return nil, err
			}
			out = append(out, unlessNode{condExpr: condExpr, body: body})
		case strings.HasPrefix(t.text, "/"):
			return nil, flowerr.New(flowerr.TemplateSyntaxError, fmt.Sprintf("unexpected closing tag {{%s}}", t.text))
		default:
			p.pos++
			parsed, err := expr.Parse(rewriteLoopVars(t.text))
			if err != nil {
				return nil, err
			}
			out = append(out, exprNode{raw: t.text, parsed: parsed})
		}
	}
	if closeTag != "" {
		return nil, flowerr.New(flowerr.TemplateSyntaxError, fmt.Sprintf("missing closing tag {{%s}}", closeTag))
	}
	return out, nil
}

// rewriteLoopVars maps the @index/@last pseudo-identifiers (not valid in the
// expr grammar, which has no '@') onto ordinary identifiers that Render
// injects into the scope for the duration of an #each iteration.
func rewriteLoopVars(s string) string {
	s = strings.ReplaceAll(s, "@index", "__loopIndex")
	s = strings.ReplaceAll(s, "@last", "__loopLast")
	return s
}

// Render evaluates t against scope and this, producing the final string.
func Render(t *Template, ev *expr.Evaluator, scope pathstore.Scope, this any) (string, error) {
	var b strings.Builder
	if err := renderNodes(t.nodes, ev, scope, this, &b); err != nil {
		return "", err
	}
	return b.String(), nil
}

func renderNodes(nodes []node, ev *expr.Evaluator, scope pathstore.Scope, this any, b *strings.Builder) error {
	for _, n := range nodes {
		switch v := n.(type) {
		case textNode:
			b.WriteString(v.text)
		case exprNode:
			val, err := ev.EvalNode(v.parsed, scope, this)
			if err != nil {
				return err
			}
			b.WriteString(displayValue(val))
		case eachNode:
			listVal, err := ev.EvalNode(v.listExpr, scope, this)
			if err != nil {
				return err
			}
			items, ok := listVal.([]any)
			if !ok {
				if listVal == nil {
					continue
				}
				return flowerr.New(flowerr.TemplateSyntaxError, "#each target is not a list")
			}
			childVars := cloneVars(scope.Variables)
			childScope := pathstore.Scope{Variables: childVars, Globals: scope.Globals, ToolArgs: scope.ToolArgs}
			for i, item := range items {
				childVars["__loopIndex"] = float64(i)
				childVars["__loopLast"] = i == len(items)-1
				if err := renderNodes(v.body, ev, childScope, item, b); err != nil {
					return err
				}
			}
		case unlessNode:
			condVal, err := ev.EvalNode(v.condExpr, scope, this)
			if err != nil {
				return err
			}
			if !truthyDisplay(condVal) {
				if err := renderNodes(v.body, ev, scope, this, b); err != nil {
					return err
				}
			}
		default:
			return flowerr.New(flowerr.Internal, "unrecognized template node")
		}
	}
	return nil
}

func cloneVars(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func truthyDisplay(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}

func displayValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	case float64:
		return trimFloat(x)
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%g", f)
	return s
}
