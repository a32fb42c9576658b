// Package normalize turns raw exported rows into typed, validated
// OptionRecords and builds the grouping index the continuity checker
// and duplicate resolver operate on.
package normalize

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	autherr "github.com/johnayoung/go-option-audit/internal/errors"
	"github.com/johnayoung/go-option-audit/internal/ingest"
	"github.com/johnayoung/go-option-audit/internal/models"
)

// Timestamp layouts: the exporter's native layout first, RFC3339 as
// the lenient fallback. A timestamp neither layout parses fails the
// whole run, since malformed timestamps make continuity checking
// meaningless, so this is not a per-record issue.
const (
	timestampLayout = "2006-01-02 15:04:05"
	expiryLayout    = "2006-01-02"
	expiryFallback  = "02-Jan-2006"
)

// Normalizer parses raw rows into records in the configured market
// timezone.
type Normalizer struct {
	location *time.Location
	logger   *slog.Logger
}

// Result is the normalizer's output: the full typed record set plus
// the per-series grouping index, each group sorted by timestamp
// ascending (ties broken by ID so ordering is total).
type Result struct {
	Records []*models.OptionRecord
	Groups  map[models.GroupKey][]*models.OptionRecord
}

// GroupKeys returns the index keys in deterministic order.
func (r *Result) GroupKeys() []models.GroupKey {
	keys := make([]models.GroupKey, 0, len(r.Groups))
	for key := range r.Groups {
		keys = append(keys, key)
	}
	models.SortGroupKeys(keys)
	return keys
}

// New creates a normalizer for the given market timezone.
func New(location *time.Location, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		location: location,
		logger:   logger.With("component", "normalizer"),
	}
}

// Normalize parses every raw row. Any row that cannot be normalized
// aborts the run with a parse error; normalization failures are
// structural, not data-quality findings.
func (n *Normalizer) Normalize(rows []ingest.RawRow) (*Result, error) {
	result := &Result{
		Records: make([]*models.OptionRecord, 0, len(rows)),
		Groups:  make(map[models.GroupKey][]*models.OptionRecord),
	}

	for i, row := range rows {
		record, err := n.normalizeRow(row)
		if err != nil {
			return nil, autherr.NewParseError("normalizer", fmt.Errorf("row %d: %w", i+1, err))
		}
		result.Records = append(result.Records, record)
		group := record.Group()
		result.Groups[group] = append(result.Groups[group], record)
	}

	for _, group := range result.Groups {
		sort.Slice(group, func(i, j int) bool {
			if !group[i].Timestamp.Equal(group[j].Timestamp) {
				return group[i].Timestamp.Before(group[j].Timestamp)
			}
			return group[i].ID < group[j].ID
		})
	}

	n.logger.Info("normalization completed",
		"records", len(result.Records),
		"groups", len(result.Groups))
	return result, nil
}

// normalizeRow coerces one raw row into a typed record.
func (n *Normalizer) normalizeRow(row ingest.RawRow) (*models.OptionRecord, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(row.ID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid id %q", row.ID)
	}

	timestamp, err := n.parseTimestamp(row.Timestamp)
	if err != nil {
		return nil, err
	}

	expiry, err := n.parseExpiry(row.Expiry)
	if err != nil {
		return nil, err
	}

	kind, err := models.ParseOptionKind(strings.TrimSpace(row.OptionType))
	if err != nil {
		return nil, err
	}

	strike, err := parseDecimal("strike", row.Strike, decimal.Zero)
	if err != nil {
		return nil, err
	}
	ltp, err := parseDecimal("ltp", row.LTP, decimal.Zero)
	if err != nil {
		return nil, err
	}
	bid, err := parseDecimal("bid", row.Bid, decimal.Zero)
	if err != nil {
		return nil, err
	}
	ask, err := parseDecimal("ask", row.Ask, decimal.Zero)
	if err != nil {
		return nil, err
	}
	delta, err := parseDecimal("delta", row.Delta, decimal.Zero)
	if err != nil {
		return nil, err
	}
	gamma, err := parseDecimal("gamma", row.Gamma, decimal.Zero)
	if err != nil {
		return nil, err
	}
	theta, err := parseDecimal("theta", row.Theta, decimal.Zero)
	if err != nil {
		return nil, err
	}
	vega, err := parseDecimal("vega", row.Vega, decimal.Zero)
	if err != nil {
		return nil, err
	}
	iv, err := parseDecimal("iv", row.IV, decimal.Zero)
	if err != nil {
		return nil, err
	}
	spot, err := parseDecimal("spot", row.Spot, decimal.Zero)
	if err != nil {
		return nil, err
	}

	// Absent integer fields coerce to their documented defaults; they
	// are never dropped.
	volume, err := parseInt("volume", row.Volume, 0)
	if err != nil {
		return nil, err
	}
	oi, err := parseInt("oi", row.OI, 0)
	if err != nil {
		return nil, err
	}
	oiChange, err := parseInt("oi_change", row.OIChange, 0)
	if err != nil {
		return nil, err
	}

	record := &models.OptionRecord{
		ID:           id,
		Timestamp:    timestamp,
		Symbol:       strings.TrimSpace(row.Symbol),
		Strike:       strike,
		Kind:         kind,
		Expiry:       expiry,
		LastPrice:    ltp,
		Bid:          bid,
		Ask:          ask,
		Volume:       volume,
		OpenInterest: oi,
		OIChange:     oiChange,
		Delta:        delta,
		Gamma:        gamma,
		Theta:        theta,
		Vega:         vega,
		ImpliedVol:   iv,
		SpotPrice:    spot,
		QualityFlag:  models.QualityClean,
	}

	if err := record.Validate(); err != nil {
		return nil, err
	}
	return record, nil
}

// parseTimestamp tries the exporter's layout in the market timezone,
// then RFC3339.
func (n *Normalizer) parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := time.ParseInLocation(timestampLayout, raw, n.location); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.In(n.location), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}

// parseExpiry tries the ISO date layout, then the exchange's
// DD-Mon-YYYY form.
func (n *Normalizer) parseExpiry(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if d, err := time.ParseInLocation(expiryLayout, raw, n.location); err == nil {
		return d, nil
	}
	if d, err := time.ParseInLocation(expiryFallback, raw, n.location); err == nil {
		return d, nil
	}
	return time.Time{}, fmt.Errorf("unparseable expiry %q", raw)
}

func parseDecimal(field, raw string, def decimal.Decimal) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q", field, raw)
	}
	return d, nil
}

func parseInt(field, raw string, def int64) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", field, raw)
	}
	return v, nil
}
