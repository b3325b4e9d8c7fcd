package condition

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

// Variables available to custom expressions.
const (
	VarMaxRisk          = "max_risk"
	VarMaxRiskLevel     = "max_risk_level"
	VarMaxSeverity      = "max_severity"
	VarOutcomeCount     = "outcome_count"
	VarRiskCount        = "risk_count"
	VarOpportunityCount = "opportunity_count"
	VarNeutralCount     = "neutral_count"
	VarLatestSentiment  = "latest_sentiment"
	VarAvgSentiment     = "avg_sentiment"
	VarTurnCount        = "turn_count"
	VarTotalTokens      = "total_tokens"
)

var catalog = map[string]*cel.Type{
	VarMaxRisk:          cel.IntType,
	VarMaxRiskLevel:     cel.StringType,
	VarMaxSeverity:      cel.DoubleType,
	VarOutcomeCount:     cel.IntType,
	VarRiskCount:        cel.IntType,
	VarOpportunityCount: cel.IntType,
	VarNeutralCount:     cel.IntType,
	VarLatestSentiment:  cel.DoubleType,
	VarAvgSentiment:     cel.DoubleType,
	VarTurnCount:        cel.IntType,
	VarTotalTokens:      cel.IntType,
}

// allowedFunctions is the closed operator set: comparisons and boolean logic.
var allowedFunctions = map[string]bool{
	"_==_": true,
	"_!=_": true,
	"_<_":  true,
	"_<=_": true,
	"_>_":  true,
	"_>=_": true,
	"_&&_": true,
	"_||_": true,
	"!_":   true,
	"-_":   true,
}

// CatalogNames returns the known variable names in sorted order.
func CatalogNames() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type expressionCompiler struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

func newExpressionCompiler() (*expressionCompiler, error) {
	opts := []cel.EnvOption{cel.CrossTypeNumericComparisons(true)}
	for _, name := range CatalogNames() {
		opts = append(opts, cel.Variable(name, catalog[name]))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &expressionCompiler{env: env, programs: make(map[string]cel.Program)}, nil
}

func cacheKey(c *domain.CustomExpressionCondition) string {
	vars := append([]string(nil), c.Variables...)
	sort.Strings(vars)
	return strings.Join(vars, ",") + "|" + c.Expression
}

// compile parses, restricts, type-checks and plans the expression. Identifiers
// must be declared in c.Variables and present in the catalog.
func (x *expressionCompiler) compile(c *domain.CustomExpressionCondition) (cel.Program, error) {
	key := cacheKey(c)
	x.mu.RLock()
	prg, hit := x.programs[key]
	x.mu.RUnlock()
	if hit {
		return prg, nil
	}

	declared := make(map[string]bool, len(c.Variables))
	for _, v := range c.Variables {
		if _, ok := catalog[v]; !ok {
			return nil, fmt.Errorf("unknown variable %q", v)
		}
		declared[v] = true
	}
	if len(declared) == 0 {
		return nil, fmt.Errorf("variables must not be empty")
	}

	parsed, issues := x.env.Parse(c.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("parse: %w", issues.Err())
	}
	var problems []string
	restrict(parsed.Expr(), declared, &problems) //nolint:staticcheck // exprpb is the only traversable AST form
	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	checked, issues := x.env.Check(parsed)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("check: %w", issues.Err())
	}
	if !checked.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must be boolean, got %s", checked.OutputType())
	}

	prg, err := x.env.Program(checked,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(1000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}

	x.mu.Lock()
	x.programs[key] = prg
	x.mu.Unlock()
	return prg, nil
}

// restrict walks the parsed AST and records every construct outside the
// comparison/boolean grammar.
func restrict(e *exprpb.Expr, declared map[string]bool, problems *[]string) {
	if e == nil {
		return
	}
	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr:
		switch k.ConstExpr.ConstantKind.(type) {
		case *exprpb.Constant_BytesValue, *exprpb.Constant_NullValue:
			*problems = append(*problems, "bytes and null literals are not allowed")
		}
	case *exprpb.Expr_IdentExpr:
		if !declared[k.IdentExpr.Name] {
			*problems = append(*problems, fmt.Sprintf("identifier %q is not a declared variable", k.IdentExpr.Name))
		}
	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		if call.Target != nil || !allowedFunctions[call.Function] {
			*problems = append(*problems, fmt.Sprintf("function %q is not allowed", call.Function))
			return
		}
		for _, arg := range call.Args {
			restrict(arg, declared, problems)
		}
	case *exprpb.Expr_SelectExpr:
		*problems = append(*problems, "member access is not allowed")
	case *exprpb.Expr_ListExpr, *exprpb.Expr_StructExpr:
		*problems = append(*problems, "list and map literals are not allowed")
	case *exprpb.Expr_ComprehensionExpr:
		*problems = append(*problems, "macros and comprehensions are not allowed")
	default:
		*problems = append(*problems, "unsupported expression")
	}
}

// Variables computes the catalog values for an evaluation context.
func Variables(ectx Context) map[string]any {
	vars := map[string]any{
		VarMaxRisk:          int64(-1),
		VarMaxRiskLevel:     "",
		VarMaxSeverity:      0.0,
		VarOutcomeCount:     int64(len(ectx.Outcomes)),
		VarRiskCount:        int64(0),
		VarOpportunityCount: int64(0),
		VarNeutralCount:     int64(0),
		VarLatestSentiment:  0.0,
		VarAvgSentiment:     0.0,
		VarTurnCount:        int64(len(ectx.Turns)),
		VarTotalTokens:      int64(0),
	}

	highest := domain.RiskLevel("")
	var maxSeverity float64
	counts := map[domain.OutcomeType]int64{}
	for _, o := range ectx.Outcomes {
		highest = domain.MaxRisk(highest, o.RiskLevel)
		if o.Severity > maxSeverity {
			maxSeverity = o.Severity
		}
		counts[o.Type]++
	}
	if highest.Valid() {
		vars[VarMaxRisk] = int64(highest.Rank())
		vars[VarMaxRiskLevel] = string(highest)
	}
	vars[VarMaxSeverity] = maxSeverity
	vars[VarRiskCount] = counts[domain.OutcomeRisk]
	vars[VarOpportunityCount] = counts[domain.OutcomeOpportunity]
	vars[VarNeutralCount] = counts[domain.OutcomeNeutral]

	if n := len(ectx.Turns); n > 0 {
		var sum float64
		var tokens int64
		for _, t := range ectx.Turns {
			sum += t.Metadata.Sentiment
			tokens += int64(t.Metadata.TokensUsed)
		}
		vars[VarLatestSentiment] = ectx.Turns[n-1].Metadata.Sentiment
		vars[VarAvgSentiment] = sum / float64(n)
		vars[VarTotalTokens] = tokens
	}
	return vars
}

func (e *Evaluator) evalCustomExpression(v *domain.CustomExpressionCondition, ectx Context) Result {
	prg, err := e.exprs.compile(v)
	if err != nil {
		return failed(fail(domain.ConditionCustomExpression, "%v", err))
	}

	all := Variables(ectx)
	input := make(map[string]any, len(v.Variables))
	for _, name := range v.Variables {
		input[name] = all[name]
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return failed(fail(domain.ConditionCustomExpression, "eval: %v", err))
	}
	met, ok := out.Value().(bool)
	if !ok {
		return failed(fail(domain.ConditionCustomExpression, "result is not boolean"))
	}

	parts := make([]string, 0, len(v.Variables))
	for _, name := range v.Variables {
		parts = append(parts, fmt.Sprintf("%s=%v", name, input[name]))
	}
	return Result{
		Met:         met,
		Explanation: fmt.Sprintf("%s with %s: %t", v.Expression, strings.Join(parts, ", "), met),
	}
}
