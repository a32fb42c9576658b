// Package repair folds detected quality issues into the audited
// dataset. The action per issue is fixed by its severity: repairable
// issues clamp the offending field to the nearest bound, fatal issues
// move the record to the rejected set, informational issues touch no
// record at all.
package repair

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-option-audit/internal/models"
)

// GroupResult is the repair outcome for one option series. Corrected
// holds clean and repaired records, Rejected holds the records a fatal
// issue excluded. Flagged = Repaired + Dropped always.
type GroupResult struct {
	Corrected []*models.OptionRecord
	Rejected  []*models.OptionRecord
	Flagged   int
	Repaired  int
	Dropped   int
}

// Policy applies the severity-driven repair actions. It never mutates
// an input record: flagged records are cloned before any field is
// written, so detection output stays valid for re-runs.
type Policy struct {
	logger *slog.Logger
}

// New creates a repair policy.
func New(logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{logger: logger.With("component", "repair_policy")}
}

// Apply partitions one group's records by the issues detected against
// them. A record with any fatal issue is rejected even if it also has
// repairable ones. Records keep their input order; callers apply the
// canonical artifact sort after all groups are merged.
func (p *Policy) Apply(group models.GroupKey, records []*models.OptionRecord, issues []models.QualityIssue) (*GroupResult, error) {
	byRecord := make(map[int64][]models.QualityIssue)
	for _, issue := range issues {
		if issue.Severity == models.SeverityInformational {
			continue
		}
		byRecord[issue.RecordID] = append(byRecord[issue.RecordID], issue)
	}

	result := &GroupResult{}
	for _, record := range records {
		recordIssues := byRecord[record.ID]
		if len(recordIssues) == 0 {
			result.Corrected = append(result.Corrected, record)
			continue
		}

		result.Flagged++
		clone := record.Clone()
		clone.QualityIssues = issueKinds(recordIssues)

		if hasFatal(recordIssues) {
			clone.QualityFlag = models.QualityFlagged
			result.Rejected = append(result.Rejected, clone)
			result.Dropped++
			continue
		}

		for _, issue := range recordIssues {
			if err := p.clamp(clone, issue); err != nil {
				return nil, fmt.Errorf("group %s: %w", group.String(), err)
			}
		}
		clone.QualityFlag = models.QualityRepaired
		result.Corrected = append(result.Corrected, clone)
		result.Repaired++
	}

	if result.Flagged > 0 {
		p.logger.Debug("group repaired",
			"group", group.String(),
			"flagged", result.Flagged,
			"repaired", result.Repaired,
			"dropped", result.Dropped)
	}
	return result, nil
}

// clamp assigns the nearest bound of the issue's repair band to the
// offending field. The bounds come from the issue itself, so the value
// written is exactly what the detecting rule computed.
func (p *Policy) clamp(record *models.OptionRecord, issue models.QualityIssue) error {
	target, err := fieldRef(record, issue.Field)
	if err != nil {
		return fmt.Errorf("record %d: %w", record.ID, err)
	}

	before := *target
	switch {
	case before.LessThan(issue.ClampMin):
		*target = issue.ClampMin
	case before.GreaterThan(issue.ClampMax):
		*target = issue.ClampMax
	}

	p.logger.Debug("field clamped",
		"record_id", record.ID,
		"field", issue.Field,
		"kind", string(issue.Kind),
		"before", before.String(),
		"after", target.String())
	return nil
}

// fieldRef maps an issue's field name onto the record field the clamp
// writes. Only decimal fields are repairable.
func fieldRef(r *models.OptionRecord, field string) (*decimal.Decimal, error) {
	switch field {
	case "iv":
		return &r.ImpliedVol, nil
	case "delta":
		return &r.Delta, nil
	case "gamma":
		return &r.Gamma, nil
	case "theta":
		return &r.Theta, nil
	case "vega":
		return &r.Vega, nil
	case "ltp":
		return &r.LastPrice, nil
	default:
		return nil, fmt.Errorf("field %q is not repairable", field)
	}
}

// issueKinds lists the distinct kinds in detection order for the
// record's quality_issues column.
func issueKinds(issues []models.QualityIssue) []models.IssueKind {
	seen := make(map[models.IssueKind]bool, len(issues))
	kinds := make([]models.IssueKind, 0, len(issues))
	for _, issue := range issues {
		if !seen[issue.Kind] {
			seen[issue.Kind] = true
			kinds = append(kinds, issue.Kind)
		}
	}
	return kinds
}

func hasFatal(issues []models.QualityIssue) bool {
	for _, issue := range issues {
		if issue.Severity == models.SeverityFatal {
			return true
		}
	}
	return false
}
