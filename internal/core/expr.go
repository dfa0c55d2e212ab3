package core

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Expression is a compiled row expression. The language covers arithmetic,
// comparison, boolean logic and a few helpers over the row's field names; it
// has no access to the process, the filesystem or the network.
type Expression struct {
	src  string
	prog *vm.Program
}

var errNilResult = errors.New("expression produced no value")

var exprOptions = []expr.Option{
	expr.Function("parseInt", func(params ...any) (any, error) {
		f, err := toNumber(params[0])
		if err != nil {
			return nil, err
		}
		return math.Trunc(f), nil
	}, new(func(any) float64)),
	expr.Function("parseFloat", func(params ...any) (any, error) {
		return toNumber(params[0])
	}, new(func(any) float64)),
}

// CompileExpression parses src once for reuse across rows.
func CompileExpression(src string) (*Expression, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, &ValidationError{Field: "expression", Reason: "is required"}
	}
	prog, err := expr.Compile(src, exprOptions...)
	if err != nil {
		return nil, &ValidationError{Field: "expression", Reason: fmt.Sprintf("invalid expression %q: %v", src, err)}
	}
	return &Expression{src: src, prog: prog}, nil
}

// String returns the expression source.
func (e *Expression) String() string { return e.src }

// Eval runs the expression against the row's current fields.
func (e *Expression) Eval(row *Row) (any, error) {
	out, err := expr.Run(e.prog, bindings(row))
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errNilResult
	}
	return out, nil
}

// EvalBool runs the expression and requires a boolean result.
func (e *Expression) EvalBool(row *Row) (bool, error) {
	out, err := e.Eval(row)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("predicate returned %T, want bool", out)
	}
	return b, nil
}

// bindings exposes row fields to expressions. Numeric-looking values bind
// as float64 so arithmetic and comparisons work on CSV text.
func bindings(row *Row) map[string]any {
	env := make(map[string]any, row.Len())
	for _, k := range row.Keys() {
		v, _ := row.Get(k)
		env[k] = bindValue(v)
	}
	return env
}

func bindValue(v string) any {
	s := strings.TrimSpace(v)
	if s == "" {
		return v
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return v
	}
	return f
}

func toNumber(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		return f, nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

// formatValue renders an expression result as a CSV field.
func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
