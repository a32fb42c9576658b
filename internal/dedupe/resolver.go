// Package dedupe detects and deterministically resolves records that
// share the same identity key within one option series.
package dedupe

import (
	"fmt"
	"log/slog"

	"github.com/johnayoung/go-option-audit/internal/models"
)

// Resolver collapses identity-key duplicates within a group. The
// record with the numerically largest ID survives: a later write is
// assumed to be a corrected re-ingestion of the same tick, not an
// independent observation. Everything else is fatal.
type Resolver struct {
	logger *slog.Logger
}

// New creates a duplicate resolver.
func New(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger.With("component", "duplicate_resolver")}
}

// Resolve scans one group (sorted by timestamp then ID) and returns a
// duplicate_timestamp issue for every record that loses to a higher
// ID on the same identity key. After repair excludes the losers, the
// corrected dataset satisfies identity-key uniqueness by construction.
func (r *Resolver) Resolve(group models.GroupKey, records []*models.OptionRecord) []models.QualityIssue {
	if len(records) < 2 {
		return nil
	}

	winners := make(map[models.IdentityKey]*models.OptionRecord, len(records))
	for _, record := range records {
		key := record.Identity()
		current, exists := winners[key]
		if !exists || record.ID > current.ID {
			winners[key] = record
		}
	}

	var issues []models.QualityIssue
	for _, record := range records {
		winner := winners[record.Identity()]
		if winner.ID == record.ID {
			continue
		}
		issues = append(issues, models.NewFatalIssue(record.ID, group, "timestamp",
			models.IssueDuplicateTimestamp,
			fmt.Sprintf("duplicate of record %d at %s", winner.ID, record.Timestamp.Format("2006-01-02 15:04:05"))))
	}

	if len(issues) > 0 {
		r.logger.Debug("duplicates resolved",
			"group", group.String(),
			"duplicates", len(issues))
	}
	return issues
}
