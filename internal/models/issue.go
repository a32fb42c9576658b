package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// IssueKind is the closed enumeration of data-quality issue classes
// the detection stages can emit. The repair policy dispatch table is
// exhaustive over this set.
type IssueKind string

const (
	IssueMissingBar         IssueKind = "missing_bar"
	IssueDuplicateTimestamp IssueKind = "duplicate_timestamp"
	IssueNegativeOIOrVolume IssueKind = "negative_oi_or_volume"
	IssueBidAskInvalid      IssueKind = "bid_ask_invalid"
	IssueExtremeIV          IssueKind = "extreme_iv"
	IssueInvalidGreek       IssueKind = "invalid_greek"
	IssuePriceOutsideSpread IssueKind = "price_outside_spread"
)

// AllIssueKinds lists every issue kind in report-rendering order.
var AllIssueKinds = []IssueKind{
	IssueMissingBar,
	IssueDuplicateTimestamp,
	IssueNegativeOIOrVolume,
	IssueBidAskInvalid,
	IssueExtremeIV,
	IssueInvalidGreek,
	IssuePriceOutsideSpread,
}

// Severity decides what the repair policy does with an issue.
type Severity string

const (
	// SeverityRepairable issues are fixed by clamping the offending
	// field to the nearest threshold bound.
	SeverityRepairable Severity = "repairable"
	// SeverityFatal issues exclude the record from the corrected set.
	SeverityFatal Severity = "fatal"
	// SeverityInformational issues contribute only to aggregate
	// statistics; no record carries them.
	SeverityInformational Severity = "informational"
)

// QualityIssue is one detected data-quality finding. Issues are data,
// never control flow: detection stages collect them and the repair
// stage folds them into the corrected dataset and the report.
type QualityIssue struct {
	// RecordID is the source identity of the offending record. Zero
	// for gap issues, which describe a missing slot rather than a
	// bad record.
	RecordID int64 `json:"record_id"`
	// Group is the option series the issue belongs to.
	Group GroupKey `json:"group"`
	// Field names the offending column, empty for record-level issues
	// such as duplicates and gaps.
	Field    string    `json:"field,omitempty"`
	Kind     IssueKind `json:"kind"`
	Severity Severity  `json:"severity"`
	Detail   string    `json:"detail"`

	// ClampMin/ClampMax carry the repair band for repairable issues so
	// the repair stage clamps against exactly the bounds the rule saw.
	ClampMin decimal.Decimal `json:"-"`
	ClampMax decimal.Decimal `json:"-"`
}

// NewRangeIssue builds a repairable out-of-range issue carrying the
// clamp bounds the repair stage must apply.
func NewRangeIssue(recordID int64, group GroupKey, field string, kind IssueKind, value, min, max decimal.Decimal) QualityIssue {
	return QualityIssue{
		RecordID: recordID,
		Group:    group,
		Field:    field,
		Kind:     kind,
		Severity: SeverityRepairable,
		Detail:   fmt.Sprintf("%s=%s outside [%s, %s]", field, value, min, max),
		ClampMin: min,
		ClampMax: max,
	}
}

// NewFatalIssue builds a fatal issue that excludes its record from the
// corrected dataset.
func NewFatalIssue(recordID int64, group GroupKey, field string, kind IssueKind, detail string) QualityIssue {
	return QualityIssue{
		RecordID: recordID,
		Group:    group,
		Field:    field,
		Kind:     kind,
		Severity: SeverityFatal,
		Detail:   detail,
	}
}

// NewGapIssue builds an informational missing-bar issue for one empty
// slot of the expected session grid. It carries no record ID: a gap is
// the absence of a record, not a bad one.
func NewGapIssue(group GroupKey, day, slot string) QualityIssue {
	return QualityIssue{
		Group:    group,
		Kind:     IssueMissingBar,
		Severity: SeverityInformational,
		Detail:   fmt.Sprintf("no bar observed at %s on %s", slot, day),
	}
}

// Validate checks the issue is a member of the closed kind/severity
// enumerations and severity matches the kind's fixed classification.
func (qi *QualityIssue) Validate() error {
	expected, ok := severityByKind[qi.Kind]
	if !ok {
		return fmt.Errorf("invalid issue kind %q", qi.Kind)
	}
	if qi.Severity != expected {
		return fmt.Errorf("issue kind %s must carry severity %s, got %s", qi.Kind, expected, qi.Severity)
	}
	if qi.Severity != SeverityInformational && qi.RecordID == 0 {
		return fmt.Errorf("issue kind %s requires a record id", qi.Kind)
	}
	return nil
}

// severityByKind is the fixed kind-to-severity classification. Range
// violations are clampable except OI/volume, which cannot be inferred
// and must be dropped; spread inversion poisons the whole quote.
var severityByKind = map[IssueKind]Severity{
	IssueMissingBar:         SeverityInformational,
	IssueDuplicateTimestamp: SeverityFatal,
	IssueNegativeOIOrVolume: SeverityFatal,
	IssueBidAskInvalid:      SeverityFatal,
	IssueExtremeIV:          SeverityRepairable,
	IssueInvalidGreek:       SeverityRepairable,
	IssuePriceOutsideSpread: SeverityRepairable,
}

// SeverityFor returns the fixed severity classification of a kind.
func SeverityFor(kind IssueKind) Severity {
	return severityByKind[kind]
}
