package rules

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-option-audit/internal/config"
	"github.com/johnayoung/go-option-audit/internal/models"
)

func testEngine() *Engine {
	return New(ResolveThresholds(config.DefaultConfig().Thresholds), nil)
}

func cleanRecord() *models.OptionRecord {
	return &models.OptionRecord{
		ID:           42,
		Timestamp:    time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		Symbol:       "NIFTY",
		Strike:       decimal.NewFromInt(21000),
		Kind:         models.OptionKindCall,
		Expiry:       time.Date(2024, 1, 25, 0, 0, 0, 0, time.UTC),
		LastPrice:    decimal.NewFromFloat(125.5),
		Bid:          decimal.NewFromFloat(125.0),
		Ask:          decimal.NewFromFloat(126.0),
		Volume:       1000,
		OpenInterest: 50000,
		Delta:        decimal.NewFromFloat(0.52),
		Gamma:        decimal.NewFromFloat(0.002),
		Theta:        decimal.NewFromFloat(-8.1),
		Vega:         decimal.NewFromFloat(12.3),
		ImpliedVol:   decimal.NewFromFloat(14.2),
		SpotPrice:    decimal.NewFromFloat(21450.75),
	}
}

func issuesOfKind(issues []models.QualityIssue, kind models.IssueKind) []models.QualityIssue {
	var matched []models.QualityIssue
	for _, issue := range issues {
		if issue.Kind == kind {
			matched = append(matched, issue)
		}
	}
	return matched
}

func TestEvaluate_CleanRecordYieldsNoIssues(t *testing.T) {
	engine := testEngine()
	assert.Empty(t, engine.Evaluate(cleanRecord()))
}

func TestEvaluate_DeltaOutOfRange(t *testing.T) {
	engine := testEngine()
	record := cleanRecord()
	record.Delta = decimal.NewFromFloat(2.3)

	issues := engine.Evaluate(record)
	matched := issuesOfKind(issues, models.IssueInvalidGreek)
	require.Len(t, matched, 1)

	issue := matched[0]
	assert.Equal(t, models.SeverityRepairable, issue.Severity)
	assert.Equal(t, "delta", issue.Field)
	assert.True(t, issue.ClampMin.Equal(decimal.NewFromFloat(-1.5)))
	assert.True(t, issue.ClampMax.Equal(decimal.NewFromFloat(1.5)))
}

func TestEvaluate_ExtremeIV(t *testing.T) {
	engine := testEngine()
	record := cleanRecord()
	record.ImpliedVol = decimal.NewFromInt(350)

	issues := engine.Evaluate(record)
	matched := issuesOfKind(issues, models.IssueExtremeIV)
	require.Len(t, matched, 1)
	assert.Equal(t, models.SeverityRepairable, matched[0].Severity)
	assert.True(t, matched[0].ClampMax.Equal(decimal.NewFromInt(300)))
}

func TestEvaluate_NegativeOpenInterestIsFatal(t *testing.T) {
	engine := testEngine()
	record := cleanRecord()
	record.OpenInterest = -5

	issues := engine.Evaluate(record)
	matched := issuesOfKind(issues, models.IssueNegativeOIOrVolume)
	require.Len(t, matched, 1)
	assert.Equal(t, models.SeverityFatal, matched[0].Severity)
	assert.Equal(t, "oi", matched[0].Field)
}

func TestEvaluate_NegativeVolumeIsFatal(t *testing.T) {
	engine := testEngine()
	record := cleanRecord()
	record.Volume = -1

	issues := engine.Evaluate(record)
	matched := issuesOfKind(issues, models.IssueNegativeOIOrVolume)
	require.Len(t, matched, 1)
	assert.Equal(t, "volume", matched[0].Field)
}

func TestEvaluate_PriceOutsideSpreadBand(t *testing.T) {
	engine := testEngine()
	record := cleanRecord()
	record.Bid = decimal.NewFromInt(95)
	record.Ask = decimal.NewFromInt(100)
	record.LastPrice = decimal.NewFromInt(80)

	issues := engine.Evaluate(record)
	matched := issuesOfKind(issues, models.IssuePriceOutsideSpread)
	require.Len(t, matched, 1)

	// Band is [95*0.95, 100*1.05] = [90.25, 105].
	issue := matched[0]
	assert.Equal(t, models.SeverityRepairable, issue.Severity)
	assert.True(t, issue.ClampMin.Equal(decimal.NewFromFloat(90.25)), "got %s", issue.ClampMin)
	assert.True(t, issue.ClampMax.Equal(decimal.NewFromInt(105)), "got %s", issue.ClampMax)
}

func TestEvaluate_InvertedSpreadIsFatalAndSkipsBandCheck(t *testing.T) {
	engine := testEngine()
	record := cleanRecord()
	record.Bid = decimal.NewFromInt(100)
	record.Ask = decimal.NewFromInt(95)
	record.LastPrice = decimal.NewFromInt(80)

	issues := engine.Evaluate(record)
	assert.Len(t, issuesOfKind(issues, models.IssueBidAskInvalid), 1)
	assert.Empty(t, issuesOfKind(issues, models.IssuePriceOutsideSpread),
		"a broken quote has no meaningful band")
}

func TestEvaluate_NegativeBidIsFatal(t *testing.T) {
	engine := testEngine()
	record := cleanRecord()
	record.Bid = decimal.NewFromInt(-1)
	record.Ask = decimal.NewFromInt(95)
	record.LastPrice = decimal.NewFromInt(90)

	issues := engine.Evaluate(record)
	matched := issuesOfKind(issues, models.IssueBidAskInvalid)
	require.Len(t, matched, 1)
	assert.Equal(t, models.SeverityFatal, matched[0].Severity)
}

func TestEvaluate_PriceBelowFloorClampsToFloor(t *testing.T) {
	thresholds := config.DefaultConfig().Thresholds
	thresholds.PriceMin = 0.05
	engine := New(ResolveThresholds(thresholds), nil)

	record := cleanRecord()
	record.LastPrice = decimal.NewFromFloat(-0.5)
	// Keep the spread consistent with the floor so only the floor rule fires.
	record.Bid = decimal.Zero
	record.Ask = decimal.NewFromFloat(0.1)

	issues := engine.Evaluate(record)
	matched := issuesOfKind(issues, models.IssuePriceOutsideSpread)
	require.NotEmpty(t, matched)

	floor := matched[0]
	assert.Equal(t, "ltp", floor.Field)
	assert.True(t, floor.ClampMin.Equal(decimal.NewFromFloat(0.05)))
	assert.True(t, floor.ClampMax.Equal(decimal.NewFromFloat(0.05)))
}

func TestEvaluate_CollectsAllIssuesNotJustFirst(t *testing.T) {
	engine := testEngine()
	record := cleanRecord()
	record.Delta = decimal.NewFromInt(3)
	record.ImpliedVol = decimal.NewFromInt(500)
	record.Volume = -10

	issues := engine.Evaluate(record)
	assert.Len(t, issuesOfKind(issues, models.IssueInvalidGreek), 1)
	assert.Len(t, issuesOfKind(issues, models.IssueExtremeIV), 1)
	assert.Len(t, issuesOfKind(issues, models.IssueNegativeOIOrVolume), 1)
}

func TestEvaluate_NeverMutatesTheRecord(t *testing.T) {
	engine := testEngine()
	record := cleanRecord()
	record.Delta = decimal.NewFromFloat(2.3)
	before := record.Clone()

	engine.Evaluate(record)
	assert.Equal(t, before, record)
}
