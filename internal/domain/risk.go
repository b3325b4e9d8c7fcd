package domain

import "fmt"

// RiskLevel is an ordered severity: low < medium < high < critical.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevels lists every level in ascending order.
var RiskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}

// Rank returns the position of the level in the total order, or -1 if unknown.
func (l RiskLevel) Rank() int {
	switch l {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	}
	return -1
}

// Valid reports whether the level is one of the known levels.
func (l RiskLevel) Valid() bool {
	return l.Rank() >= 0
}

// ParseRiskLevel validates a raw string.
func ParseRiskLevel(s string) (RiskLevel, error) {
	l := RiskLevel(s)
	if !l.Valid() {
		return "", fmt.Errorf("unknown risk level %q", s)
	}
	return l, nil
}

// MaxRisk returns the higher of two levels. Unknown levels lose.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// RiskFromScore maps a severity score in [0,1] onto a level.
func RiskFromScore(score float64) RiskLevel {
	switch {
	case score >= 0.85:
		return RiskCritical
	case score >= 0.6:
		return RiskHigh
	case score >= 0.3:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Comparison is a relational operator used by threshold conditions.
type Comparison string

const (
	ComparisonGTE Comparison = "gte"
	ComparisonGT  Comparison = "gt"
	ComparisonEQ  Comparison = "eq"
	ComparisonLTE Comparison = "lte"
	ComparisonLT  Comparison = "lt"
)

// Compare applies the operator to two ranks.
func (c Comparison) Compare(left, right int) (bool, error) {
	switch c {
	case ComparisonGTE:
		return left >= right, nil
	case ComparisonGT:
		return left > right, nil
	case ComparisonEQ:
		return left == right, nil
	case ComparisonLTE:
		return left <= right, nil
	case ComparisonLT:
		return left < right, nil
	}
	return false, fmt.Errorf("unknown comparison %q", c)
}
