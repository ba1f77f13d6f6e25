package screening

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"

	"github.com/datapact/core/pkg/errs"
)

// PredicateEvaluator compiles and runs CEL rule predicates. Programs are
// cached per expression; evaluation carries a hard cost limit so a loaded
// rule cannot stall screening.
type PredicateEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewPredicateEvaluator builds the typed environment rule predicates see.
func NewPredicateEvaluator() (*PredicateEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("purpose", cel.StringType),
		cel.Variable("scope", cel.ListType(cel.StringType)),
		cel.Variable("criteria", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("budget", cel.IntType),
		cel.Variable("unit_price", cel.IntType),
		cel.Variable("max_participants", cel.IntType),
		cel.Variable("duration_days", cel.IntType),
		cel.Variable("cohort_estimate", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("screening cel environment: %w", err)
	}
	return &PredicateEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Compile lints and compiles a predicate, priming the program cache. The
// rule loader calls this before a rule is accepted into the base.
func (pe *PredicateEvaluator) Compile(predicate string) error {
	if err := pe.lint(predicate); err != nil {
		return err
	}
	_, err := pe.program(predicate)
	return err
}

// Evaluate runs the predicate and reports whether the rule is violated.
// Evaluation errors count as violated: an undecidable rule fails closed.
func (pe *PredicateEvaluator) Evaluate(predicate string, input map[string]interface{}) (violated bool, err error) {
	prg, err := pe.program(predicate)
	if err != nil {
		return true, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return true, errs.Wrap(errs.KindValidation, "SCREEN_011", err, "predicate evaluation failed")
	}
	b, ok := out.Value().(bool)
	if !ok {
		return true, errs.Newf(errs.KindValidation, "SCREEN_012",
			"predicate result is %T, want bool", out.Value())
	}
	return b, nil
}

func (pe *PredicateEvaluator) program(predicate string) (cel.Program, error) {
	pe.mu.RLock()
	prg, hit := pe.cache[predicate]
	pe.mu.RUnlock()
	if hit {
		return prg, nil
	}

	pe.mu.Lock()
	defer pe.mu.Unlock()
	if prg, hit = pe.cache[predicate]; hit {
		return prg, nil
	}
	ast, issues := pe.env.Compile(predicate)
	if issues != nil && issues.Err() != nil {
		return nil, errs.Wrap(errs.KindValidation, "SCREEN_013", issues.Err(), "predicate does not compile")
	}
	prg, err := pe.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "SCREEN_014", err, "predicate program build failed")
	}
	pe.cache[predicate] = prg
	return prg, nil
}

// lint rejects nondeterministic predicates: float literals, now(), and map
// iteration all make a rule's verdict irreproducible under audit.
func (pe *PredicateEvaluator) lint(predicate string) error {
	parsed, issues := pe.env.Parse(predicate)
	if issues != nil && issues.Err() != nil {
		return errs.Wrap(errs.KindValidation, "SCREEN_013", issues.Err(), "predicate does not parse")
	}
	var found []string
	walkExpr(parsed.Expr(), &found) //nolint:staticcheck // no non-deprecated AST traversal yet
	if len(found) > 0 {
		return errs.New(errs.KindValidation, "SCREEN_015", "predicate is nondeterministic").
			WithReasons(found...)
	}
	return nil
}

func walkExpr(e *exprpb.Expr, found *[]string) {
	if e == nil {
		return
	}
	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr:
		if _, ok := k.ConstExpr.ConstantKind.(*exprpb.Constant_DoubleValue); ok {
			*found = append(*found, "FLOAT_LITERAL")
		}
	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		switch call.Function {
		case "now":
			*found = append(*found, "NOW_CALL")
		case "keys", "values":
			*found = append(*found, "MAP_ITERATION")
		}
		walkExpr(call.Target, found)
		for _, arg := range call.Args {
			walkExpr(arg, found)
		}
	case *exprpb.Expr_SelectExpr:
		walkExpr(k.SelectExpr.Operand, found)
	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			walkExpr(el, found)
		}
	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if entry.GetMapKey() != nil {
				walkExpr(entry.GetMapKey(), found)
			}
			walkExpr(entry.Value, found)
		}
	case *exprpb.Expr_ComprehensionExpr:
		comp := k.ComprehensionExpr
		walkExpr(comp.IterRange, found)
		walkExpr(comp.AccuInit, found)
		walkExpr(comp.LoopCondition, found)
		walkExpr(comp.LoopStep, found)
		walkExpr(comp.Result, found)
	}
}
