package core

import (
	"errors"
	"fmt"
	"strings"
)

// Rule kinds as they appear in request descriptors.
const (
	RuleRename    = "rename"
	RuleCalculate = "calculate"
	RuleFilter    = "filter"
)

// RuleDescriptor is the wire form of a transformation rule. Calculate accepts
// its expression as "formula" or "expression"; filter accepts "condition" or
// "predicate".
type RuleDescriptor struct {
	Type       string `json:"type"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	Target     string `json:"target,omitempty"`
	Formula    string `json:"formula,omitempty"`
	Expression string `json:"expression,omitempty"`
	Condition  string `json:"condition,omitempty"`
	Predicate  string `json:"predicate,omitempty"`
}

// RowTransformer consumes one row and yields it, a modified row, or nil when
// the row is dropped. A non-nil error wrapping ErrRowEvaluation reports
// row-scoped failures that were recovered; the returned row is still valid.
type RowTransformer interface {
	Transform(line int, row *Row) (*Row, error)
}

type rule interface {
	kind() string
	apply(line int, row *Row) (keep bool, err error)
}

type renameRule struct{ from, to string }

func (r renameRule) kind() string { return RuleRename }

func (r renameRule) apply(_ int, row *Row) (bool, error) {
	row.Rename(r.from, r.to)
	return true, nil
}

type calculateRule struct {
	target string
	expr   *Expression
}

func (r calculateRule) kind() string { return RuleCalculate }

// apply leaves target unset when evaluation fails.
func (r calculateRule) apply(line int, row *Row) (bool, error) {
	v, err := r.expr.Eval(row)
	if err != nil {
		return true, &RowEvalError{Line: line, Rule: RuleCalculate, Expr: r.expr.String(), Err: err}
	}
	row.Set(r.target, formatValue(v))
	return true, nil
}

type filterRule struct {
	pred *Expression
}

func (r filterRule) kind() string { return RuleFilter }

// apply keeps the row when the predicate cannot be evaluated, matching
// calculate's row-scoped recovery.
func (r filterRule) apply(line int, row *Row) (bool, error) {
	keep, err := r.pred.EvalBool(row)
	if err != nil {
		return true, &RowEvalError{Line: line, Rule: RuleFilter, Expr: r.pred.String(), Err: err}
	}
	return keep, nil
}

// RuleSet applies rules to each row in declared order. It is immutable and
// safe for concurrent use.
type RuleSet struct {
	rules []rule
}

var _ RowTransformer = (*RuleSet)(nil)

// ParseRules validates descriptors and compiles their expressions.
func ParseRules(descs []RuleDescriptor) (*RuleSet, error) {
	if len(descs) == 0 {
		return nil, invalid("transformations", "no transformation rules supplied")
	}

	rules := make([]rule, 0, len(descs))
	for i, d := range descs {
		r, err := parseRule(d)
		if err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				ve.Field = fmt.Sprintf("transformations[%d].%s", i, ve.Field)
			}
			return nil, err
		}
		rules = append(rules, r)
	}
	return &RuleSet{rules: rules}, nil
}

func parseRule(d RuleDescriptor) (rule, error) {
	switch strings.ToLower(strings.TrimSpace(d.Type)) {
	case RuleRename:
		if d.From == "" {
			return nil, &ValidationError{Field: "from", Reason: "is required"}
		}
		if d.To == "" {
			return nil, &ValidationError{Field: "to", Reason: "is required"}
		}
		return renameRule{from: d.From, to: d.To}, nil

	case RuleCalculate:
		if d.Target == "" {
			return nil, &ValidationError{Field: "target", Reason: "is required"}
		}
		e, err := CompileExpression(firstNonEmpty(d.Formula, d.Expression))
		if err != nil {
			return nil, err
		}
		return calculateRule{target: d.Target, expr: e}, nil

	case RuleFilter:
		e, err := CompileExpression(firstNonEmpty(d.Condition, d.Predicate))
		if err != nil {
			return nil, err
		}
		return filterRule{pred: e}, nil

	default:
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown rule type %q", d.Type)}
	}
}

// Len returns the number of rules.
func (s *RuleSet) Len() int { return len(s.rules) }

// Transform applies every rule to row. A filter that rejects the row
// short-circuits the remaining rules and returns nil.
func (s *RuleSet) Transform(line int, row *Row) (*Row, error) {
	var errs []error
	for _, r := range s.rules {
		keep, err := r.apply(line, row)
		if err != nil {
			errs = append(errs, err)
		}
		if !keep {
			return nil, errors.Join(errs...)
		}
	}
	return row, errors.Join(errs...)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
