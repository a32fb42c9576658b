// Package continuity verifies that each option series carries a
// complete sequence of fixed-interval bars across the trading
// session. Gaps are flagged, never fabricated: a missing bar cannot
// be synthesized safely, so the only output is informational issues.
package continuity

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/johnayoung/go-option-audit/internal/config"
	"github.com/johnayoung/go-option-audit/internal/models"
)

// Checker audits one group at a time against the expected session
// grid: every multiple of the bar interval between session open and
// close inclusive, on each calendar day the group actually has
// records for. Days with no observations are skipped; the checker
// has no holiday calendar, so an absent day is not evidence of a gap.
type Checker struct {
	open     config.Clock
	close    config.Clock
	interval time.Duration
	location *time.Location
	logger   *slog.Logger
}

// New creates a continuity checker for the configured session.
func New(session config.SessionConfig, logger *slog.Logger) (*Checker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	open, err := config.ParseClock(session.Open)
	if err != nil {
		return nil, fmt.Errorf("invalid session open: %w", err)
	}
	closeClock, err := config.ParseClock(session.Close)
	if err != nil {
		return nil, fmt.Errorf("invalid session close: %w", err)
	}
	if closeClock.Minutes() <= open.Minutes() {
		return nil, fmt.Errorf("session close %s must be after open %s", session.Close, session.Open)
	}
	interval, err := session.Interval()
	if err != nil || interval <= 0 {
		return nil, fmt.Errorf("invalid bar interval %q", session.BarInterval)
	}
	location, err := session.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid session timezone: %w", err)
	}
	return &Checker{
		open:     open,
		close:    closeClock,
		interval: interval,
		location: location,
		logger:   logger.With("component", "continuity_checker"),
	}, nil
}

// SlotsPerDay returns the number of expected bars in one full session
// day (open and close slots inclusive). The default 09:15-15:30
// session at 5 minutes yields 76.
func (c *Checker) SlotsPerDay() int {
	span := time.Duration(c.close.Minutes()-c.open.Minutes()) * time.Minute
	return int(span/c.interval) + 1
}

// Check compares one group's observed timestamps against the expected
// grid. It returns one missing_bar issue per empty slot plus the
// per-day gap counts the report retains. The group slice must be
// sorted by timestamp; the normalizer's index guarantees that.
func (c *Checker) Check(group models.GroupKey, records []*models.OptionRecord) ([]models.QualityIssue, map[string]int) {
	if len(records) == 0 {
		return nil, nil
	}

	observed := make(map[int64]bool, len(records))
	days := make(map[string]time.Time)
	for _, record := range records {
		local := record.Timestamp.In(c.location)
		observed[local.Unix()] = true
		day := local.Format("2006-01-02")
		if _, seen := days[day]; !seen {
			days[day] = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.location)
		}
	}

	// Walk days in chronological order so issue order is stable.
	dayKeys := make([]string, 0, len(days))
	for day := range days {
		dayKeys = append(dayKeys, day)
	}
	sort.Strings(dayKeys)

	var issues []models.QualityIssue
	gapsByDay := make(map[string]int)
	for _, day := range dayKeys {
		midnight := days[day]
		for _, slot := range c.expectedSlots(midnight) {
			if !observed[slot.Unix()] {
				issues = append(issues, models.NewGapIssue(group, day, slot.Format("15:04")))
				gapsByDay[day]++
			}
		}
	}

	if len(issues) > 0 {
		c.logger.Debug("continuity gaps detected",
			"group", group.String(),
			"days", len(days),
			"missing_bars", len(issues))
	}
	return issues, gapsByDay
}

// expectedSlots returns the full session grid for one day.
func (c *Checker) expectedSlots(midnight time.Time) []time.Time {
	slots := make([]time.Time, 0, c.SlotsPerDay())
	start := midnight.Add(time.Duration(c.open.Minutes()) * time.Minute)
	end := midnight.Add(time.Duration(c.close.Minutes()) * time.Minute)
	for slot := start; !slot.After(end); slot = slot.Add(c.interval) {
		slots = append(slots, slot)
	}
	return slots
}
