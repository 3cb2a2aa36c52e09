package rules

import (
	"testing"

	"github.com/shopspring/decimal"
)

func bindings(pairs map[string]string) Bindings {
	binds := Bindings{}
	for name, value := range pairs {
		binds[name] = decimal.RequireFromString(value)
	}
	return binds
}

func TestParseAndEval(t *testing.T) {
	cases := []struct {
		expr  string
		binds map[string]string
		want  string
	}{
		{"1 + 2", nil, "3"},
		{"2 * 3 + 4", nil, "10"},
		{"2 + 3 * 4", nil, "14"},
		{"(2 + 3) * 4", nil, "20"},
		{"10 - 4 - 3", nil, "3"},
		{"-5 + 2", nil, "-3"},
		{"1.5 * 2", nil, "3"},
		{"activo", map[string]string{"activo": "100"}, "100"},
		{"pasivo + patrimonio_neto", map[string]string{"pasivo": "40", "patrimonio_neto": "60"}, "100"},
		{"ingresos - gastos", map[string]string{"ingresos": "500", "gastos": "180.5"}, "319.5"},
	}

	for _, tc := range cases {
		expr, err := Parse(tc.expr)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.expr, err)
		}
		got, err := expr.Eval(bindings(tc.binds))
		if err != nil {
			t.Fatalf("Eval(%q): %v", tc.expr, err)
		}
		if got.String() != tc.want {
			t.Errorf("Eval(%q) = %s, want %s", tc.expr, got, tc.want)
		}
	}
}

func TestParseErrors(t *testing.T) {
	for _, input := range []string{"", "1 +", "(1 + 2", "* 3", "1 2"} {
		if _, err := Parse(input); err == nil {
			t.Errorf("Parse(%q) should fail", input)
		}
	}
}

func TestEvalUnknownBinding(t *testing.T) {
	expr, err := Parse("activo + fantasma")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := expr.Eval(bindings(map[string]string{"activo": "1"})); err == nil {
		t.Fatalf("expected unknown binding error")
	}
}

func TestRuleCheck(t *testing.T) {
	rule, err := ParseRule("balance: activo = pasivo + patrimonio_neto")
	if err != nil {
		t.Fatalf("parse rule: %v", err)
	}
	if rule.Name != "balance" {
		t.Fatalf("name = %q", rule.Name)
	}

	ok, diff, err := rule.Check(bindings(map[string]string{
		"activo": "100", "pasivo": "40", "patrimonio_neto": "60",
	}))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !ok || !diff.IsZero() {
		t.Fatalf("balanced statement reported off by %s", diff)
	}

	ok, diff, err = rule.Check(bindings(map[string]string{
		"activo": "100", "pasivo": "40", "patrimonio_neto": "50",
	}))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ok {
		t.Fatalf("unbalanced statement passed")
	}
	if diff.String() != "10" {
		t.Fatalf("diff = %s, want 10", diff)
	}
}

func TestRuleCheckTolerance(t *testing.T) {
	rule, err := ParseRule("resultado = ingresos - gastos")
	if err != nil {
		t.Fatalf("parse rule: %v", err)
	}
	rule.Tolerance = decimal.RequireFromString("0.01")

	ok, _, err := rule.Check(bindings(map[string]string{
		"resultado": "100.005", "ingresos": "300", "gastos": "200",
	}))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !ok {
		t.Fatalf("difference within tolerance should pass")
	}
}

func TestRuleCheckMissingBinding(t *testing.T) {
	rule, err := ParseRule("resultado = ingresos - gastos")
	if err != nil {
		t.Fatalf("parse rule: %v", err)
	}
	if _, _, err := rule.Check(bindings(map[string]string{"ingresos": "1"})); err == nil {
		t.Fatalf("expected missing binding error")
	}
}

func TestParseRuleErrors(t *testing.T) {
	for _, input := range []string{"no equality here", "a =", "= b", "x: ="} {
		if _, err := ParseRule(input); err == nil {
			t.Errorf("ParseRule(%q) should fail", input)
		}
	}
}

func TestDefaultChecks(t *testing.T) {
	checks := DefaultChecks()
	if len(checks) != 2 {
		t.Fatalf("expected 2 built-in checks, got %d", len(checks))
	}

	binds := bindings(map[string]string{
		"activo": "100", "pasivo": "40", "patrimonio_neto": "60",
		"resultado": "20", "ingresos": "120", "gastos": "100",
	})
	for _, check := range checks {
		ok, diff, err := check.Check(binds)
		if err != nil {
			t.Fatalf("check %s: %v", check.Name, err)
		}
		if !ok {
			t.Fatalf("check %s off by %s", check.Name, diff)
		}
	}
}
