// Package functree compiles the small declarative expressions used in
// collection configuration (filters, listing columns, summary items,
// detail titles) into trees that are evaluated once per dataset.
//
// The grammar is a single s-expression per configuration line:
//
//	expr   := '(' ident arg* ')'
//	arg    := expr | string | number
//
// Field paths inside (get "...") are compiled to JSONPath expressions at
// compile time, so per-dataset evaluation never re-parses anything.
package functree

import (
	"fmt"
	"strings"

	"github.com/ohler55/ojg/jp"
)

// Node is one node of a compiled function tree.
type Node interface {
	node()
}

// Call applies a named function to its evaluated arguments.
type Call struct {
	Name string
	Args []Node
}

// Str is a string literal.
type Str struct {
	Value string
}

// Num is a numeric literal. Whole values keep integer semantics via Int.
type Num struct {
	Value float64
	Int   int64
	IsInt bool
}

// Empty is the empty-result marker produced by argument-less sugar forms
// such as (rows ).
type Empty struct{}

// FieldRef is a compiled field-path access: the artifact of NodeName,
// navigated by Path. List is true when the raw path selects multiple
// elements ("[:]"), Indexed when it contains an explicit element index.
type FieldRef struct {
	NodeName string
	Raw      string
	Path     jp.Expr
	List     bool
	Indexed  bool
}

func (*Call) node()     {}
func (*Str) node()      {}
func (*Num) node()      {}
func (*Empty) node()    {}
func (*FieldRef) node() {}

// ParseError reports a malformed expression with its source position.
type ParseError struct {
	Src string
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %d in %q: %s", e.Pos, e.Src, e.Msg)
}

// Compile parses src into a function tree. The whole input must be
// consumed; trailing garbage is a ParseError.
func Compile(src string) (Node, error) {
	p := &parser{src: src}
	p.skipSpace()
	n, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, &ParseError{Src: src, Pos: p.pos, Msg: "trailing input"}
	}
	return n, nil
}

type parser struct {
	src string
	pos int
}

func (p *parser) errf(format string, args ...any) error {
	return &ParseError{Src: p.src, Pos: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) parseExpr() (Node, error) {
	if p.pos >= len(p.src) || p.src[p.pos] != '(' {
		return nil, p.errf("expected '('")
	}
	p.pos++
	p.skipSpace()

	name := p.ident()
	if name == "" {
		return nil, p.errf("expected function name")
	}

	var args []Node
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			return nil, p.errf("unterminated expression")
		}
		c := p.src[p.pos]
		if c == ')' {
			p.pos++
			return desugar(name, args)
		}
		arg, err := p.parseArg()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
}

func (p *parser) parseArg() (Node, error) {
	switch c := p.src[p.pos]; {
	case c == '(':
		return p.parseExpr()
	case c == '"':
		return p.parseString()
	case c == '-' || (c >= '0' && c <= '9'):
		return p.parseNumber()
	default:
		return nil, p.errf("unexpected character %q", c)
	}
}

func (p *parser) ident() string {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' {
			p.pos++
			continue
		}
		break
	}
	return p.src[start:p.pos]
}

func (p *parser) parseString() (Node, error) {
	p.pos++ // opening quote
	var b strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch c {
		case '"':
			p.pos++
			return &Str{Value: b.String()}, nil
		case '\\':
			p.pos++
			if p.pos >= len(p.src) {
				return nil, p.errf("unterminated escape")
			}
			b.WriteByte(p.src[p.pos])
			p.pos++
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return nil, p.errf("unterminated string")
}

func (p *parser) parseNumber() (Node, error) {
	start := p.pos
	if p.src[p.pos] == '-' {
		p.pos++
	}
	digits := 0
	isFloat := false
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c >= '0' && c <= '9' {
			digits++
			p.pos++
			continue
		}
		if c == '.' && !isFloat {
			isFloat = true
			p.pos++
			continue
		}
		break
	}
	if digits == 0 {
		return nil, p.errf("malformed number")
	}
	lit := p.src[start:p.pos]
	var f float64
	if _, err := fmt.Sscanf(lit, "%g", &f); err != nil {
		return nil, p.errf("malformed number %q", lit)
	}
	if isFloat {
		return &Num{Value: f}, nil
	}
	return &Num{Value: f, Int: int64(f), IsInt: true}, nil
}

// desugar rewrites sugar forms at compile time and compiles field paths.
//
//	(rows "col" dflt) -> (map (idx "col") dflt)
//	(rows )           -> Empty
//	(get "a.b[:].c")  -> FieldRef
func desugar(name string, args []Node) (Node, error) {
	switch name {
	case "rows":
		if len(args) == 0 {
			return &Empty{}, nil
		}
		if len(args) != 2 {
			return nil, fmt.Errorf("rows wants a column and a default, got %d args", len(args))
		}
		return &Call{Name: "map", Args: []Node{
			&Call{Name: "idx", Args: args[:1]},
			args[1],
		}}, nil
	case "get":
		if len(args) != 1 {
			return nil, fmt.Errorf("get wants exactly one field path")
		}
		s, ok := args[0].(*Str)
		if !ok {
			return nil, fmt.Errorf("get wants a string field path")
		}
		return compileFieldPath(s.Value)
	default:
		return &Call{Name: name, Args: args}, nil
	}
}

func compileFieldPath(raw string) (*FieldRef, error) {
	node := raw
	rest := ""
	if i := strings.IndexAny(raw, ".["); i >= 0 {
		node = raw[:i]
		rest = raw[i:]
	}
	if node == "" {
		return nil, fmt.Errorf("field path %q lacks a node name", raw)
	}

	ref := &FieldRef{
		NodeName: node,
		Raw:      raw,
		List:     strings.Contains(rest, "[:]"),
	}
	// Explicit element index: any bracket group that is not the slice form.
	for _, seg := range strings.Split(rest, "[")[1:] {
		if !strings.HasPrefix(seg, ":]") {
			ref.Indexed = true
		}
	}

	path := "$" + strings.ReplaceAll(rest, "[:]", "[*]")
	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("field path %q: %w", raw, err)
	}
	ref.Path = expr
	return ref, nil
}

// Deps returns the set of node names a compiled tree reads, including the
// names of argument-less env calls such as (status ).
func Deps(n Node) map[string]struct{} {
	deps := map[string]struct{}{}
	collectDeps(n, deps)
	return deps
}

func collectDeps(n Node, deps map[string]struct{}) {
	switch t := n.(type) {
	case *FieldRef:
		deps[t.NodeName] = struct{}{}
	case *Call:
		if len(t.Args) == 0 {
			deps[t.Name] = struct{}{}
		}
		for _, a := range t.Args {
			collectDeps(a, deps)
		}
	}
}
