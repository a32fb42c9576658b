// Package rules implements the validation rule engine: per-field
// range checks and the cross-field spread consistency rule. The
// engine is read-only: it emits quality issues and never mutates a
// record, which keeps detection independently testable from repair.
package rules

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-option-audit/internal/config"
	"github.com/johnayoung/go-option-audit/internal/models"
)

// Thresholds is the threshold table resolved to decimals so every
// comparison and clamp bound renders identically across runs. Implied
// volatility bounds are on the percentage-point scale.
type Thresholds struct {
	ImpliedVol BoundsD
	Delta      BoundsD
	Gamma      BoundsD
	Theta      BoundsD
	Vega       BoundsD

	PriceMin  decimal.Decimal
	VolumeMin int64
	OIMin     int64

	SpreadLowFactor  decimal.Decimal
	SpreadHighFactor decimal.Decimal
}

// BoundsD is one resolved (min, max) pair.
type BoundsD struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Contains reports whether v lies within the bounds inclusive.
func (b BoundsD) Contains(v decimal.Decimal) bool {
	return v.GreaterThanOrEqual(b.Min) && v.LessThanOrEqual(b.Max)
}

// ResolveThresholds converts the run configuration into the engine's
// decimal threshold table.
func ResolveThresholds(cfg config.ThresholdConfig) Thresholds {
	toBounds := func(b config.Bounds) BoundsD {
		return BoundsD{Min: decimal.NewFromFloat(b.Min), Max: decimal.NewFromFloat(b.Max)}
	}
	return Thresholds{
		ImpliedVol:       toBounds(cfg.ImpliedVol),
		Delta:            toBounds(cfg.Delta),
		Gamma:            toBounds(cfg.Gamma),
		Theta:            toBounds(cfg.Theta),
		Vega:             toBounds(cfg.Vega),
		PriceMin:         decimal.NewFromFloat(cfg.PriceMin),
		VolumeMin:        cfg.VolumeMin,
		OIMin:            cfg.OIMin,
		SpreadLowFactor:  decimal.NewFromFloat(cfg.SpreadLowFactor),
		SpreadHighFactor: decimal.NewFromFloat(cfg.SpreadHighFactor),
	}
}

// Engine evaluates every declared rule against each record.
type Engine struct {
	thresholds Thresholds
	logger     *slog.Logger
}

// New creates a rule engine over the resolved threshold table.
func New(thresholds Thresholds, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		thresholds: thresholds,
		logger:     logger.With("component", "rule_engine"),
	}
}

// Thresholds returns the engine's threshold table.
func (e *Engine) Thresholds() Thresholds { return e.thresholds }

// Evaluate applies every rule to one record and returns all issues
// found, not just the first. The record is never modified.
func (e *Engine) Evaluate(record *models.OptionRecord) []models.QualityIssue {
	group := record.Group()
	var issues []models.QualityIssue

	issues = append(issues, e.rangeIssues(record, group)...)
	issues = append(issues, e.countIssues(record, group)...)
	issues = append(issues, e.spreadIssues(record, group)...)

	return issues
}

// rangeIssues checks IV, the Greeks and the price floor against their
// bounds. All are repairable by clamping.
func (e *Engine) rangeIssues(record *models.OptionRecord, group models.GroupKey) []models.QualityIssue {
	var issues []models.QualityIssue
	t := e.thresholds

	if !t.ImpliedVol.Contains(record.ImpliedVol) {
		issues = append(issues, models.NewRangeIssue(record.ID, group, "iv",
			models.IssueExtremeIV, record.ImpliedVol, t.ImpliedVol.Min, t.ImpliedVol.Max))
	}

	greeks := []struct {
		field  string
		value  decimal.Decimal
		bounds BoundsD
	}{
		{"delta", record.Delta, t.Delta},
		{"gamma", record.Gamma, t.Gamma},
		{"theta", record.Theta, t.Theta},
		{"vega", record.Vega, t.Vega},
	}
	for _, g := range greeks {
		if !g.bounds.Contains(g.value) {
			issues = append(issues, models.NewRangeIssue(record.ID, group, g.field,
				models.IssueInvalidGreek, g.value, g.bounds.Min, g.bounds.Max))
		}
	}

	// The closed issue-kind set has no dedicated member for a price
	// below the floor; it is classified under price_outside_spread
	// and clamped to the floor.
	if record.LastPrice.LessThan(t.PriceMin) {
		issues = append(issues, models.QualityIssue{
			RecordID: record.ID,
			Group:    group,
			Field:    "ltp",
			Kind:     models.IssuePriceOutsideSpread,
			Severity: models.SeverityRepairable,
			Detail:   fmt.Sprintf("ltp=%s below price floor %s", record.LastPrice, t.PriceMin),
			ClampMin: t.PriceMin,
			ClampMax: t.PriceMin,
		})
	}

	return issues
}

// countIssues checks volume and open interest minimums. Negative
// counts cannot be inferred, so these are fatal.
func (e *Engine) countIssues(record *models.OptionRecord, group models.GroupKey) []models.QualityIssue {
	var issues []models.QualityIssue

	if record.Volume < e.thresholds.VolumeMin {
		issues = append(issues, models.NewFatalIssue(record.ID, group, "volume",
			models.IssueNegativeOIOrVolume,
			fmt.Sprintf("volume=%d below minimum %d", record.Volume, e.thresholds.VolumeMin)))
	}
	if record.OpenInterest < e.thresholds.OIMin {
		issues = append(issues, models.NewFatalIssue(record.ID, group, "oi",
			models.IssueNegativeOIOrVolume,
			fmt.Sprintf("oi=%d below minimum %d", record.OpenInterest, e.thresholds.OIMin)))
	}

	return issues
}

// spreadIssues enforces 0 <= bid <= ask, then checks the last traded
// price against the staleness tolerance band [bid*low, ask*high]. A
// record with an inverted or negative spread gets no band check since
// the band is meaningless for a broken quote.
func (e *Engine) spreadIssues(record *models.OptionRecord, group models.GroupKey) []models.QualityIssue {
	t := e.thresholds

	if record.Bid.IsNegative() || record.Ask.IsNegative() || record.Bid.GreaterThan(record.Ask) {
		return []models.QualityIssue{
			models.NewFatalIssue(record.ID, group, "bid",
				models.IssueBidAskInvalid,
				fmt.Sprintf("invalid spread bid=%s ask=%s", record.Bid, record.Ask)),
		}
	}

	bandLow := record.Bid.Mul(t.SpreadLowFactor)
	bandHigh := record.Ask.Mul(t.SpreadHighFactor)
	if record.LastPrice.LessThan(bandLow) || record.LastPrice.GreaterThan(bandHigh) {
		issue := models.NewRangeIssue(record.ID, group, "ltp",
			models.IssuePriceOutsideSpread, record.LastPrice, bandLow, bandHigh)
		issue.Detail = fmt.Sprintf("ltp=%s outside spread band [%s, %s]", record.LastPrice, bandLow, bandHigh)
		return []models.QualityIssue{issue}
	}

	return nil
}
