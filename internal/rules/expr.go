// Package rules evaluates calculation cross-checks over named numeric
// bindings, e.g. verifying that a reported total matches the sum of its
// sections. Rules are parsed into a typed AST and evaluated directly; there
// is no string substitution or dynamic code execution involved.
package rules

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// Bindings maps canonical concept names to their numeric values.
type Bindings map[string]decimal.Decimal

// Expr is a node of the expression tree.
type Expr interface {
	Eval(binds Bindings) (decimal.Decimal, error)
}

// Number is a literal value.
type Number struct {
	Value decimal.Decimal
}

func (n Number) Eval(Bindings) (decimal.Decimal, error) {
	return n.Value, nil
}

// Ref resolves a named binding.
type Ref struct {
	Name string
}

func (r Ref) Eval(binds Bindings) (decimal.Decimal, error) {
	value, ok := binds[r.Name]
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown binding %q", r.Name)
	}
	return value, nil
}

// Binary applies an arithmetic operator to two subtrees.
type Binary struct {
	Op    rune
	Left  Expr
	Right Expr
}

func (b Binary) Eval(binds Bindings) (decimal.Decimal, error) {
	left, err := b.Left.Eval(binds)
	if err != nil {
		return decimal.Zero, err
	}
	right, err := b.Right.Eval(binds)
	if err != nil {
		return decimal.Zero, err
	}

	switch b.Op {
	case '+':
		return left.Add(right), nil
	case '-':
		return left.Sub(right), nil
	case '*':
		return left.Mul(right), nil
	case '/':
		if right.IsZero() {
			return decimal.Zero, fmt.Errorf("division by zero")
		}
		return left.Div(right), nil
	}
	return decimal.Zero, fmt.Errorf("unsupported operator %q", b.Op)
}

// Rule asserts that two expressions agree within a tolerance.
type Rule struct {
	Name      string
	Left      Expr
	Right     Expr
	Tolerance decimal.Decimal
}

// Check evaluates both sides and reports whether they agree. The returned
// difference is left minus right.
func (r Rule) Check(binds Bindings) (bool, decimal.Decimal, error) {
	left, err := r.Left.Eval(binds)
	if err != nil {
		return false, decimal.Zero, err
	}
	right, err := r.Right.Eval(binds)
	if err != nil {
		return false, decimal.Zero, err
	}

	diff := left.Sub(right)
	return diff.Abs().LessThanOrEqual(r.Tolerance), diff, nil
}

// DefaultChecks returns the built-in statement cross-checks. Deployments
// replace these via configuration when their chart of accounts differs.
func DefaultChecks() []Rule {
	balance, err := ParseRule("balance: activo = pasivo + patrimonio_neto")
	if err != nil {
		// The built-in rule is a constant expression; a parse failure here is
		// a programming error.
		panic(err)
	}
	result, err := ParseRule("resultado: resultado = ingresos - gastos")
	if err != nil {
		panic(err)
	}
	return []Rule{balance, result}
}

// ParseRule parses "name: lhs = rhs" or "lhs = rhs" into a Rule with zero
// tolerance.
func ParseRule(input string) (Rule, error) {
	name := ""
	body := input
	if idx := strings.Index(input, ":"); idx >= 0 {
		name = strings.TrimSpace(input[:idx])
		body = input[idx+1:]
	}

	sides := strings.SplitN(body, "=", 2)
	if len(sides) != 2 {
		return Rule{}, fmt.Errorf("rule %q has no equality", input)
	}

	left, err := Parse(sides[0])
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q left side: %w", input, err)
	}
	right, err := Parse(sides[1])
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q right side: %w", input, err)
	}

	return Rule{Name: name, Left: left, Right: right, Tolerance: decimal.Zero}, nil
}

// Parse turns an arithmetic expression into an AST. Identifiers may contain
// letters (including accented ones), digits and underscores.
func Parse(input string) (Expr, error) {
	p := &parser{input: []rune(strings.TrimSpace(input))}
	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return nil, fmt.Errorf("unexpected %q at offset %d", p.input[p.pos], p.pos)
	}
	return expr, nil
}

type parser struct {
	input []rune
	pos   int
}

func (p *parser) parseExpr() (Expr, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return left, nil
		}
		op := p.input[p.pos]
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseTerm() (Expr, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return left, nil
		}
		op := p.input[p.pos]
		if op != '*' && op != '/' {
			return left, nil
		}
		p.pos++
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseFactor() (Expr, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("unexpected end of expression")
	}

	ch := p.input[p.pos]
	switch {
	case ch == '(':
		p.pos++
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil

	case ch == '-':
		p.pos++
		inner, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return Binary{Op: '-', Left: Number{Value: decimal.Zero}, Right: inner}, nil

	case ch >= '0' && ch <= '9':
		start := p.pos
		for p.pos < len(p.input) && (p.input[p.pos] >= '0' && p.input[p.pos] <= '9' || p.input[p.pos] == '.') {
			p.pos++
		}
		value, err := decimal.NewFromString(string(p.input[start:p.pos]))
		if err != nil {
			return nil, fmt.Errorf("bad number at offset %d: %w", start, err)
		}
		return Number{Value: value}, nil

	case unicode.IsLetter(ch) || ch == '_':
		start := p.pos
		for p.pos < len(p.input) {
			r := p.input[p.pos]
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
				break
			}
			p.pos++
		}
		return Ref{Name: string(p.input[start:p.pos])}, nil
	}

	return nil, fmt.Errorf("unexpected %q at offset %d", ch, p.pos)
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(p.input[p.pos]) {
		p.pos++
	}
}
