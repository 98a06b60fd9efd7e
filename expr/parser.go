package expr

import (
	"fmt"
	"strings"

	"github.com/flowkit/engine/flowerr"
)

// Parse compiles src into a Node, statically rejecting anything outside the
// restricted grammar: dangerous identifiers/property names, call targets not
// on the method/function allowlist, and anything the lexer itself refuses to
// tokenize (bitwise ops, template literals, assignment). A failure here is
// always flowerr.ExpressionRejected — the expression never touches a scope.
func Parse(src string) (Node, error) {
	toks, err := newLexer(src).tokens()
	if err != nil {
		return nil, flowerr.Wrap(flowerr.ExpressionRejected, "lex error", err)
	}
	p := &parser{toks: toks}
	node, err := p.parseExpr()
	if err != nil {
		return nil, flowerr.Wrap(flowerr.ExpressionRejected, "parse error", err)
	}
	if p.cur().kind != tokEOF {
		return nil, flowerr.New(flowerr.ExpressionRejected, fmt.Sprintf("unexpected trailing input near %q", p.cur().text))
	}
	if err := checkStatic(node); err != nil {
		return nil, flowerr.Wrap(flowerr.ExpressionRejected, "disallowed construct", err)
	}
	return node, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) advance()    { p.pos++ }
func (p *parser) curIsOp(s string) bool {
	return p.cur().kind == tokOp && p.cur().text == s
}

func (p *parser) expect(k tokenKind, what string) error {
	if p.cur().kind != k {
		return fmt.Errorf("expected %s near token %d", what, p.pos)
	}
	p.advance()
	return nil
}

// parseExpr entry point: lowest precedence is logical-or.
func (p *parser) parseExpr() (Node, error) { return p.parseOr() }

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.curIsOp("||") {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = BinaryNode{Op: "||", L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.curIsOp("&&") {
		p.advance()
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = BinaryNode{Op: "&&", L: left, R: right}
	}
	return left, nil
}

var equalityOps = map[string]bool{"==": true, "===": true, "!=": true, "!==": true}

func (p *parser) parseEquality() (Node, error) {
	left, err := p.parseRelational()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokOp && equalityOps[p.cur().text] {
		op := p.cur().text
		p.advance()
		right, err := p.parseRelational()
		if err != nil {
			return nil, err
		}
		left = BinaryNode{Op: op, L: left, R: right}
	}
	return left, nil
}

var relOps = map[string]bool{"<": true, "<=": true, ">": true, ">=": true}

func (p *parser) parseRelational() (Node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokOp && relOps[p.cur().text] {
		op := p.cur().text
		p.advance()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = BinaryNode{Op: op, L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseAdditive() (Node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.curIsOp("+") || p.curIsOp("-") {
		op := p.cur().text
		p.advance()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = BinaryNode{Op: op, L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.curIsOp("*") || p.curIsOp("/") || p.curIsOp("%") {
		op := p.cur().text
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = BinaryNode{Op: op, L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Node, error) {
	if p.curIsOp("!") || p.curIsOp("-") {
		op := p.cur().text
		p.advance()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return UnaryNode{Op: op, X: x}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Node, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.cur().kind == tokDot:
			p.advance()
			if p.cur().kind != tokIdent {
				return nil, fmt.Errorf("expected property name after '.'")
			}
			name := p.cur().text
			p.advance()
			if p.cur().kind == tokLParen {
				args, err := p.parseArgs()
				if err != nil {
					return nil, err
				}
				node = CallNode{Target: node, Method: name, Args: args}
				continue
			}
			node = MemberNode{Target: node, Name: name}
		case p.cur().kind == tokLBracket:
			p.advance()
			idx, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expect(tokRBracket, "]"); err != nil {
				return nil, err
			}
			node = IndexNode{Target: node, Index: idx}
		default:
			return node, nil
		}
	}
}

func (p *parser) parseArgs() ([]Node, error) {
	p.advance() // consume '('
	var args []Node
	if p.cur().kind == tokRParen {
		p.advance()
		return args, nil
	}
	for {
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.cur().kind == tokComma {
			p.advance()
			continue
		}
		break
	}
	if err := p.expect(tokRParen, ")"); err != nil {
		return nil, err
	}
	return args, nil
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.cur()
	switch t.kind {
	case tokNumber:
		p.advance()
		return LiteralNode{Value: t.num}, nil
	case tokString:
		p.advance()
		return LiteralNode{Value: t.text}, nil
	case tokTrue:
		p.advance()
		return LiteralNode{Value: true}, nil
	case tokFalse:
		p.advance()
		return LiteralNode{Value: false}, nil
	case tokNull:
		p.advance()
		return LiteralNode{Value: nil}, nil
	case tokLParen:
		p.advance()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokIdent:
		name := t.text
		p.advance()
		if name == "this" {
			return ThisNode{}, nil
		}
		// Allow a dotted path as a single identifier token sequence, e.g.
		// "order.total" read via pathstore, distinct from member access on
		// an arbitrary sub-expression (which goes through parsePostfix).
		path := name
		for p.cur().kind == tokDot && p.peekIdentAfterDot() {
			p.advance()
			path += "." + p.cur().text
			p.advance()
		}
		if p.cur().kind == tokLParen {
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			return CallNode{Target: nil, Method: path, Args: args}, nil
		}
		return IdentNode{Path: path}, nil
	default:
		return nil, fmt.Errorf("unexpected token in expression")
	}
}

// peekIdentAfterDot reports whether the token after the current dot is a
// plain identifier NOT immediately followed by '(' — i.e. it's a further
// path segment to fold into the identifier path, not a method call, which
// parsePostfix must handle so the allowlist check applies.
func (p *parser) peekIdentAfterDot() bool {
	if p.pos+1 >= len(p.toks) || p.toks[p.pos+1].kind != tokIdent {
		return false
	}
	if p.pos+2 < len(p.toks) && p.toks[p.pos+2].kind == tokLParen {
		return false
	}
	return true
}

// checkStatic walks the tree rejecting dangerous identifiers/properties and
// call targets that are not on the fixed allowlist.
func checkStatic(n Node) error {
	switch v := n.(type) {
	case LiteralNode, ThisNode:
		return nil
	case IdentNode:
		for _, part := range strings.Split(v.Path, ".") {
			if dangerousNames[part] {
				return fmt.Errorf("identifier %q is not permitted", part)
			}
		}
		return nil
	case MemberNode:
		if dangerousNames[v.Name] {
			return fmt.Errorf("property %q is not permitted", v.Name)
		}
		return checkStatic(v.Target)
	case IndexNode:
		if err := checkStatic(v.Target); err != nil {
			return err
		}
		return checkStatic(v.Index)
	case UnaryNode:
		return checkStatic(v.X)
	case BinaryNode:
		if err := checkStatic(v.L); err != nil {
			return err
		}
		return checkStatic(v.R)
	case CallNode:
		if dangerousNames[v.Method] {
			return fmt.Errorf("call target %q is not permitted", v.Method)
		}
		if v.Target == nil {
			if !freeFunctions[v.Method] && !approvedHostFunctions[v.Method] {
				return fmt.Errorf("function %q is not on the approved call list", v.Method)
			}
		} else {
			isMathNS := false
			if id, ok := v.Target.(IdentNode); ok && id.Path == "Math" {
				isMathNS = true
			}
			if isMathNS {
				if !mathMethods[v.Method] {
					return fmt.Errorf("Math.%s is not on the approved call list", v.Method)
				}
			} else if !allowedMethodName(v.Method) {
				return fmt.Errorf("method %q is not on the approved call list", v.Method)
			}
			if err := checkStatic(v.Target); err != nil {
				return err
			}
		}
		for _, a := range v.Args {
			if err := checkStatic(a); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unrecognized expression node")
	}
}

// approvedHostFunctions is populated by the engine at construction time
// (via SetApprovedFunctions) with flow-catalog-declared host function names,
// so Parse can be called before an Evaluator exists (e.g. at flow-load
// validation time) and still accept calls to host functions.
var approvedHostFunctions = map[string]bool{}

// SetApprovedFunctions replaces the set of host-approved free-function names
// permitted as call targets, driven by the flow catalog's declared function
// registry.
func SetApprovedFunctions(names []string) {
	next := make(map[string]bool, len(names))
	for _, n := range names {
		next[n] = true
	}
	approvedHostFunctions = next
}
