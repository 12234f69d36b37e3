package rating

import (
	"github.com/shopspring/decimal"

	"github.com/pbxbilling/callrater/internal/model"
)

// Outcome classifies a rating result. Every outcome other than OutcomeRated
// carries a zero cost.
type Outcome string

const (
	OutcomeRated              Outcome = "rated"
	OutcomeNotAnswered        Outcome = "not_answered"
	OutcomeNoRate             Outcome = "no_rate"
	OutcomeInvalidDestination Outcome = "invalid_destination"
)

// Result is the output of Rate. Rule is the matched rule, nil unless the
// outcome is OutcomeRated.
type Result struct {
	Cost        decimal.Decimal
	Outcome     Outcome
	Rule        *model.RateRule
	Destination string
}

// RuleID returns the matched rule id, or nil.
func (result Result) RuleID() *uint64 {
	if result.Rule == nil {
		return nil
	}
	return model.Uint64Ptr(result.Rule.ID)
}

// Rate prices one call record against ruleset. It has no side effects and
// reads no clock, so the same record and ruleset always yield the same cost.
func Rate(record model.CallRecord, ruleset Ruleset) Result {
	destination := NormalizeDestination(record.Destination)

	if record.Disposition != model.DispositionAnswered {
		return Result{Cost: decimal.Zero, Outcome: OutcomeNotAnswered, Destination: destination}
	}
	if !ValidDestination(destination) {
		return Result{Cost: decimal.Zero, Outcome: OutcomeInvalidDestination, Destination: destination}
	}

	var (
		rule  *model.RateRule
		found bool
	)
	if ruleset != nil {
		rule, found = ruleset.FindRate(destination)
	}
	if !found {
		return Result{Cost: decimal.Zero, Outcome: OutcomeNoRate, Destination: destination}
	}

	return Result{
		Cost:        CostForRule(*rule, record.BillableSeconds),
		Outcome:     OutcomeRated,
		Rule:        rule,
		Destination: destination,
	}
}

// CostForRule applies the rule's rounding policy to billableSeconds, adds a
// positive connection fee and rounds to model.CostScale places.
func CostForRule(rule model.RateRule, billableSeconds int64) decimal.Decimal {
	if billableSeconds < 0 {
		billableSeconds = 0
	}
	var cost decimal.Decimal
	switch rule.RateType {
	case model.RateTypePerSecond:
		cost = decimal.NewFromInt(billableSeconds).Mul(rule.UnitPrice)
	case model.RateTypePerMinute:
		cost = decimal.NewFromInt(ceilDiv(billableSeconds, 60)).Mul(rule.UnitPrice)
	case model.RateTypeFlat:
		cost = rule.UnitPrice
	default:
		cycle := rule.BillingCycleSeconds
		if cycle < 1 {
			cycle = 1
		}
		cost = decimal.NewFromInt(ceilDiv(billableSeconds, cycle)).Mul(rule.UnitPrice)
	}

	if rule.ConnectionFee.IsPositive() {
		cost = cost.Add(rule.ConnectionFee)
	}
	return cost.Round(model.CostScale)
}

func ceilDiv(numerator, denominator int64) int64 {
	return (numerator + denominator - 1) / denominator
}
