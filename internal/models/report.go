package models

import (
	"fmt"
	"time"
)

// AuditReport is the per-run aggregate emitted next to the corrected
// dataset. It is built as a pure reduction over per-group partial
// reports: Merge is associative and commutative, so groups may be
// reduced on a worker pool and combined in any order. A report is
// treated as immutable once emitted.
//
// RunID and GeneratedAt identify the run in logs, the CLI summary and
// the run-history store. They stay out of the JSON artifact: identical
// input and configuration must render byte-identical report.json, and
// a fresh id or wall-clock stamp would break that.
type AuditReport struct {
	RunID        string    `json:"-"`
	GeneratedAt  time.Time `json:"-"`
	TotalRecords int       `json:"total_records"`

	// RecordsFlagged counts records carrying at least one record-level
	// issue; RecordsRepaired and RecordsDropped partition it.
	RecordsFlagged  int `json:"records_flagged"`
	RecordsRepaired int `json:"records_repaired"`
	RecordsDropped  int `json:"records_dropped"`

	// CountsByKind is the issue-kind histogram, missing bars included.
	CountsByKind map[IssueKind]int `json:"counts_by_kind"`

	// MissingBarsByGroup and MissingBarsByGroupDay retain gap counts
	// even though no record carries a missing_bar issue.
	MissingBarsByGroup    map[string]int `json:"missing_bars_by_group,omitempty"`
	MissingBarsByGroupDay map[string]int `json:"missing_bars_by_group_day,omitempty"`

	GroupsAudited int `json:"groups_audited"`
}

// NewAuditReport returns an empty report for one run.
func NewAuditReport(runID string) *AuditReport {
	return &AuditReport{
		RunID:                 runID,
		CountsByKind:          make(map[IssueKind]int),
		MissingBarsByGroup:    make(map[string]int),
		MissingBarsByGroupDay: make(map[string]int),
	}
}

// RecordIssue folds one detected issue into the histogram. Gap issues
// also feed the per-group counter; per-day attribution goes through
// RecordGapDays so nothing is parsed back out of detail strings.
func (ar *AuditReport) RecordIssue(issue QualityIssue) {
	ar.CountsByKind[issue.Kind]++
	if issue.Kind == IssueMissingBar {
		ar.MissingBarsByGroup[issue.Group.String()]++
	}
}

// RecordGapDays attributes missing bars to a specific group and day.
func (ar *AuditReport) RecordGapDays(group GroupKey, day string, count int) {
	if count <= 0 {
		return
	}
	ar.MissingBarsByGroupDay[fmt.Sprintf("%s|%s", group.String(), day)] += count
}

// Merge folds other into the receiver. It is associative and
// commutative over disjoint group partitions, which is what allows the
// pipeline to reduce per-group partial reports in completion order.
func (ar *AuditReport) Merge(other *AuditReport) {
	if other == nil {
		return
	}
	ar.TotalRecords += other.TotalRecords
	ar.RecordsFlagged += other.RecordsFlagged
	ar.RecordsRepaired += other.RecordsRepaired
	ar.RecordsDropped += other.RecordsDropped
	ar.GroupsAudited += other.GroupsAudited
	for kind, count := range other.CountsByKind {
		ar.CountsByKind[kind] += count
	}
	for group, count := range other.MissingBarsByGroup {
		ar.MissingBarsByGroup[group] += count
	}
	for key, count := range other.MissingBarsByGroupDay {
		ar.MissingBarsByGroupDay[key] += count
	}
}

// Finalize stamps the emission time and validates the conservation
// invariant before the report is written.
func (ar *AuditReport) Finalize(at time.Time) error {
	if ar.RecordsRepaired+ar.RecordsDropped != ar.RecordsFlagged {
		return fmt.Errorf("report conservation violated: repaired %d + dropped %d != flagged %d",
			ar.RecordsRepaired, ar.RecordsDropped, ar.RecordsFlagged)
	}
	if ar.RecordsFlagged > ar.TotalRecords {
		return fmt.Errorf("report conservation violated: flagged %d > total %d",
			ar.RecordsFlagged, ar.TotalRecords)
	}
	ar.GeneratedAt = at.UTC()
	return nil
}

// CleanRecords returns the number of records that passed the audit
// untouched.
func (ar *AuditReport) CleanRecords() int {
	return ar.TotalRecords - ar.RecordsFlagged
}
