package repair

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-option-audit/internal/models"
)

func testGroup() models.GroupKey {
	return models.GroupKey{Symbol: "NIFTY", Strike: "21000", Kind: models.OptionKindCall, Expiry: "2024-01-25"}
}

func flaggableRecord(id int64) *models.OptionRecord {
	return &models.OptionRecord{
		ID:         id,
		Timestamp:  time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		Symbol:     "NIFTY",
		Strike:     decimal.NewFromInt(21000),
		Kind:       models.OptionKindCall,
		Expiry:     time.Date(2024, 1, 25, 0, 0, 0, 0, time.UTC),
		LastPrice:  decimal.NewFromFloat(125.5),
		Bid:        decimal.NewFromFloat(125.0),
		Ask:        decimal.NewFromFloat(126.0),
		Delta:      decimal.NewFromFloat(2.3),
		ImpliedVol: decimal.NewFromFloat(14.2),
	}
}

func deltaIssue(id int64) models.QualityIssue {
	return models.NewRangeIssue(id, testGroup(), "delta", models.IssueInvalidGreek,
		decimal.NewFromFloat(2.3), decimal.NewFromFloat(-1.5), decimal.NewFromFloat(1.5))
}

func TestApply_CleanRecordsPassThroughUntouched(t *testing.T) {
	policy := New(nil)
	record := flaggableRecord(1)

	result, err := policy.Apply(testGroup(), []*models.OptionRecord{record}, nil)
	require.NoError(t, err)

	require.Len(t, result.Corrected, 1)
	assert.Same(t, record, result.Corrected[0], "untouched records are not cloned")
	assert.Empty(t, result.Rejected)
	assert.Zero(t, result.Flagged)
}

func TestApply_ClampsToNearestBound(t *testing.T) {
	policy := New(nil)
	record := flaggableRecord(1)

	result, err := policy.Apply(testGroup(), []*models.OptionRecord{record},
		[]models.QualityIssue{deltaIssue(1)})
	require.NoError(t, err)

	require.Len(t, result.Corrected, 1)
	repaired := result.Corrected[0]
	assert.True(t, repaired.Delta.Equal(decimal.NewFromFloat(1.5)), "2.3 clamps to the upper bound, got %s", repaired.Delta)
	assert.Equal(t, models.QualityRepaired, repaired.QualityFlag)
	assert.Equal(t, []models.IssueKind{models.IssueInvalidGreek}, repaired.QualityIssues)
	assert.Equal(t, 1, result.Flagged)
	assert.Equal(t, 1, result.Repaired)
	assert.Zero(t, result.Dropped)
}

func TestApply_ClampsToLowerBoundWhenBelow(t *testing.T) {
	policy := New(nil)
	record := flaggableRecord(1)
	record.Delta = decimal.NewFromFloat(-2.0)

	issue := models.NewRangeIssue(1, testGroup(), "delta", models.IssueInvalidGreek,
		record.Delta, decimal.NewFromFloat(-1.5), decimal.NewFromFloat(1.5))
	result, err := policy.Apply(testGroup(), []*models.OptionRecord{record}, []models.QualityIssue{issue})
	require.NoError(t, err)

	assert.True(t, result.Corrected[0].Delta.Equal(decimal.NewFromFloat(-1.5)))
}

func TestApply_NeverMutatesTheInputRecord(t *testing.T) {
	policy := New(nil)
	record := flaggableRecord(1)

	_, err := policy.Apply(testGroup(), []*models.OptionRecord{record},
		[]models.QualityIssue{deltaIssue(1)})
	require.NoError(t, err)

	assert.True(t, record.Delta.Equal(decimal.NewFromFloat(2.3)), "input record must stay pristine")
	assert.Empty(t, record.QualityIssues)
}

func TestApply_FatalBeatsRepairable(t *testing.T) {
	policy := New(nil)
	record := flaggableRecord(1)

	issues := []models.QualityIssue{
		deltaIssue(1),
		models.NewFatalIssue(1, testGroup(), "oi", models.IssueNegativeOIOrVolume, "oi=-5"),
	}
	result, err := policy.Apply(testGroup(), []*models.OptionRecord{record}, issues)
	require.NoError(t, err)

	assert.Empty(t, result.Corrected)
	require.Len(t, result.Rejected, 1)

	dropped := result.Rejected[0]
	assert.Equal(t, models.QualityFlagged, dropped.QualityFlag)
	assert.True(t, dropped.Delta.Equal(decimal.NewFromFloat(2.3)), "rejected records are never clamped")
	assert.ElementsMatch(t,
		[]models.IssueKind{models.IssueInvalidGreek, models.IssueNegativeOIOrVolume},
		dropped.QualityIssues)
	assert.Equal(t, 1, result.Flagged)
	assert.Zero(t, result.Repaired)
	assert.Equal(t, 1, result.Dropped)
}

func TestApply_InformationalIssuesTouchNoRecord(t *testing.T) {
	policy := New(nil)
	record := flaggableRecord(1)

	result, err := policy.Apply(testGroup(), []*models.OptionRecord{record},
		[]models.QualityIssue{models.NewGapIssue(testGroup(), "2024-01-15", "10:00")})
	require.NoError(t, err)

	require.Len(t, result.Corrected, 1)
	assert.Same(t, record, result.Corrected[0])
	assert.Zero(t, result.Flagged)
}

func TestApply_ConservationHoldsAcrossMixedGroup(t *testing.T) {
	policy := New(nil)
	clean := flaggableRecord(1)
	clean.Delta = decimal.NewFromFloat(0.5)
	repairable := flaggableRecord(2)
	fatal := flaggableRecord(3)

	issues := []models.QualityIssue{
		deltaIssue(2),
		models.NewFatalIssue(3, testGroup(), "bid", models.IssueBidAskInvalid, "bid > ask"),
	}
	result, err := policy.Apply(testGroup(), []*models.OptionRecord{clean, repairable, fatal}, issues)
	require.NoError(t, err)

	assert.Len(t, result.Corrected, 2)
	assert.Len(t, result.Rejected, 1)
	assert.Equal(t, result.Flagged, result.Repaired+result.Dropped)
}

func TestApply_UnknownFieldIsAnError(t *testing.T) {
	policy := New(nil)
	record := flaggableRecord(1)

	issue := models.NewRangeIssue(1, testGroup(), "spot", models.IssueInvalidGreek,
		decimal.Zero, decimal.Zero, decimal.NewFromInt(1))
	_, err := policy.Apply(testGroup(), []*models.OptionRecord{record}, []models.QualityIssue{issue})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not repairable")
}

func TestApply_MultipleRepairsOnOneRecord(t *testing.T) {
	policy := New(nil)
	record := flaggableRecord(1)
	record.ImpliedVol = decimal.NewFromInt(350)

	issues := []models.QualityIssue{
		deltaIssue(1),
		models.NewRangeIssue(1, testGroup(), "iv", models.IssueExtremeIV,
			record.ImpliedVol, decimal.Zero, decimal.NewFromInt(300)),
	}
	result, err := policy.Apply(testGroup(), []*models.OptionRecord{record}, issues)
	require.NoError(t, err)

	repaired := result.Corrected[0]
	assert.True(t, repaired.Delta.Equal(decimal.NewFromFloat(1.5)))
	assert.True(t, repaired.ImpliedVol.Equal(decimal.NewFromInt(300)))
	assert.Equal(t, []models.IssueKind{models.IssueInvalidGreek, models.IssueExtremeIV}, repaired.QualityIssues)
	assert.Equal(t, 1, result.Repaired)
}
