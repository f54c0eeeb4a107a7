package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// Expr is an integral constant expression: array bounds, enumerator values
// and static constexpr members. Expressions are evaluated lazily because
// sizeof needs the layout and names may be declared further down.
type Expr interface {
	String() string
}

// NumberExpr is an integer literal.
type NumberExpr struct {
	Value int64
}

func (e NumberExpr) String() string { return strconv.FormatInt(e.Value, 10) }

// IdentExpr names a constant, looked up from Scope outward.
type IdentExpr struct {
	Name  ScopedName
	Scope ScopedName
}

func (e IdentExpr) String() string { return e.Name.String() }

// SizeofExpr is sizeof(type).
type SizeofExpr struct {
	Type TypeRef
}

func (e SizeofExpr) String() string { return "sizeof(" + e.Type.String() + ")" }

// BinaryExpr is L op R for op in + - * / << >> | &.
type BinaryExpr struct {
	Op   string
	L, R Expr
}

func (e BinaryExpr) String() string { return "(" + e.L.String() + " " + e.Op + " " + e.R.String() + ")" }

// UnaryExpr is -X or ~X.
type UnaryExpr struct {
	Op string
	X  Expr
}

func (e UnaryExpr) String() string { return e.Op + e.X.String() }

// Evaluator supplies what Eval cannot know by itself.
type Evaluator interface {
	Sizeof(t TypeRef) (int64, error)
	Const(scope, name ScopedName) (int64, error)
}

// Eval computes e.
func Eval(e Expr, ev Evaluator) (int64, error) {
	switch x := e.(type) {
	case NumberExpr:
		return x.Value, nil
	case IdentExpr:
		return ev.Const(x.Scope, x.Name)
	case SizeofExpr:
		return ev.Sizeof(x.Type)
	case UnaryExpr:
		v, err := Eval(x.X, ev)
		if err != nil {
			return 0, err
		}
		switch x.Op {
		case "-":
			return -v, nil
		case "~":
			return ^v, nil
		case "+":
			return v, nil
		}
		return 0, fmt.Errorf("unknown unary operator %q", x.Op)
	case BinaryExpr:
		l, err := Eval(x.L, ev)
		if err != nil {
			return 0, err
		}
		r, err := Eval(x.R, ev)
		if err != nil {
			return 0, err
		}
		switch x.Op {
		case "+":
			return l + r, nil
		case "-":
			return l - r, nil
		case "*":
			return l * r, nil
		case "/":
			if r == 0 {
				return 0, fmt.Errorf("division by zero in %s", x)
			}
			return l / r, nil
		case "%":
			if r == 0 {
				return 0, fmt.Errorf("division by zero in %s", x)
			}
			return l % r, nil
		case "<<":
			return l << uint64(r), nil
		case ">>":
			return l >> uint64(r), nil
		case "|":
			return l | r, nil
		case "&":
			return l & r, nil
		}
		return 0, fmt.Errorf("unknown operator %q", x.Op)
	case nil:
		return 0, fmt.Errorf("missing expression")
	}
	return 0, fmt.Errorf("unsupported expression %s", e)
}

// parseIntLiteral accepts decimal, 0x, 0b, 0o and leading-zero octal
// literals with optional u/l suffixes and ' digit separators.
func parseIntLiteral(text string) (int64, error) {
	s := strings.TrimRight(strings.ToLower(text), "ul")
	s = strings.ReplaceAll(s, "'", "")
	base := 10
	switch {
	case strings.HasPrefix(s, "0x"):
		base, s = 16, s[2:]
	case strings.HasPrefix(s, "0b"):
		base, s = 2, s[2:]
	case strings.HasPrefix(s, "0o"):
		base, s = 8, s[2:]
	case len(s) > 1 && s[0] == '0':
		base, s = 8, s[1:]
	}
	if s == "" {
		return 0, fmt.Errorf("malformed number %q", text)
	}
	u, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed number %q", text)
	}
	return int64(u), nil
}
