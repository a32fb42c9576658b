// Package models provides the core data structures for the options
// snapshot audit engine: option tick records, quality issues, and the
// per-run audit report.
package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// OptionKind identifies the contract side of an option record.
type OptionKind string

const (
	OptionKindCall OptionKind = "CALL"
	OptionKindPut  OptionKind = "PUT"
)

// QualityFlag records the audit outcome carried by a corrected record.
type QualityFlag string

const (
	QualityClean    QualityFlag = "clean"
	QualityFlagged  QualityFlag = "flagged"
	QualityRepaired QualityFlag = "repaired"
)

// ExpiryLayout is the canonical date layout for option expiries in all
// artifacts produced by the engine.
const ExpiryLayout = "2006-01-02"

// OptionRecord is one observation of one option contract at one
// timestamp. Price-like fields use decimal.Decimal so that repeated
// runs render byte-identical artifacts. ImpliedVol is expressed in
// percentage points (0-300 scale), not a fraction; the configuration
// boundary documents the same convention.
type OptionRecord struct {
	ID           int64           `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	Symbol       string          `json:"symbol"`
	Strike       decimal.Decimal `json:"strike"`
	Kind         OptionKind      `json:"option_kind"`
	Expiry       time.Time       `json:"expiry"`
	LastPrice    decimal.Decimal `json:"ltp"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	Volume       int64           `json:"volume"`
	OpenInterest int64           `json:"oi"`
	OIChange     int64           `json:"oi_change"`
	Delta        decimal.Decimal `json:"delta"`
	Gamma        decimal.Decimal `json:"gamma"`
	Theta        decimal.Decimal `json:"theta"`
	Vega         decimal.Decimal `json:"vega"`
	ImpliedVol   decimal.Decimal `json:"iv"`
	SpotPrice    decimal.Decimal `json:"spot"`

	// Mutable audit fields, populated by the repair stage only.
	QualityFlag   QualityFlag `json:"quality_flag"`
	QualityIssues []IssueKind `json:"quality_issues"`
}

// GroupKey identifies one option series: every record of the same
// contract across the session belongs to the same group. Strike and
// expiry are carried in canonical string form so the key is comparable
// and usable as a map key.
type GroupKey struct {
	Symbol string
	Strike string
	Kind   OptionKind
	Expiry string
}

// String renders the group key in the form used by report maps and logs.
func (k GroupKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.Symbol, k.Strike, k.Kind, k.Expiry)
}

// Group returns the record's group key.
func (r *OptionRecord) Group() GroupKey {
	return GroupKey{
		Symbol: r.Symbol,
		Strike: r.Strike.String(),
		Kind:   r.Kind,
		Expiry: r.Expiry.Format(ExpiryLayout),
	}
}

// IdentityKey is the uniqueness key of the corrected dataset:
// (timestamp, symbol, strike, option kind, expiry). The raw export may
// violate it; the duplicate resolver guarantees it on output.
type IdentityKey struct {
	Timestamp int64 // UnixNano, so the key is comparable
	GroupKey
}

// Identity returns the record's identity key.
func (r *OptionRecord) Identity() IdentityKey {
	return IdentityKey{Timestamp: r.Timestamp.UnixNano(), GroupKey: r.Group()}
}

// Clone returns a deep copy of the record. The repair stage mutates
// clones only; normalized input records are never written to.
func (r *OptionRecord) Clone() *OptionRecord {
	clone := *r
	if r.QualityIssues != nil {
		clone.QualityIssues = make([]IssueKind, len(r.QualityIssues))
		copy(clone.QualityIssues, r.QualityIssues)
	}
	return &clone
}

// Validate checks the structural invariants every normalized record
// must satisfy before it enters the detection stages. Data-quality
// violations (negative OI, inverted spreads, out-of-range Greeks) are
// deliberately not checked here; those are issues, not errors.
func (r *OptionRecord) Validate() error {
	if r.Timestamp.IsZero() {
		return fmt.Errorf("record %d: timestamp cannot be zero", r.ID)
	}
	if r.Symbol == "" {
		return fmt.Errorf("record %d: symbol cannot be empty", r.ID)
	}
	if r.Kind != OptionKindCall && r.Kind != OptionKindPut {
		return fmt.Errorf("record %d: invalid option kind %q", r.ID, r.Kind)
	}
	if r.Expiry.IsZero() {
		return fmt.Errorf("record %d: expiry cannot be zero", r.ID)
	}
	if r.Strike.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("record %d: strike must be positive, got %s", r.ID, r.Strike)
	}
	return nil
}

// String implements fmt.Stringer for log output.
func (r *OptionRecord) String() string {
	return fmt.Sprintf("OptionRecord{ID: %d, %s %s %s %s @ %s, LTP: %s}",
		r.ID, r.Symbol, r.Strike, r.Kind, r.Expiry.Format(ExpiryLayout),
		r.Timestamp.Format(time.RFC3339), r.LastPrice)
}

// SortRecords orders records into the canonical artifact order:
// symbol, expiry, strike, kind, timestamp, then ID. Both the corrected
// and the rejected dataset use this order so two runs over the same
// input emit byte-identical artifacts.
func SortRecords(records []*OptionRecord) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if !a.Expiry.Equal(b.Expiry) {
			return a.Expiry.Before(b.Expiry)
		}
		if cmp := a.Strike.Cmp(b.Strike); cmp != 0 {
			return cmp < 0
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
}

// SortGroupKeys orders group keys deterministically for worker
// dispatch and report rendering.
func SortGroupKeys(keys []GroupKey) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if a.Expiry != b.Expiry {
			return a.Expiry < b.Expiry
		}
		if a.Strike != b.Strike {
			return a.Strike < b.Strike
		}
		return a.Kind < b.Kind
	})
}

// ParseOptionKind normalizes the exporter's option_type column to an
// OptionKind. The export historically used CE/PE alongside CALL/PUT.
func ParseOptionKind(raw string) (OptionKind, error) {
	switch raw {
	case "CALL", "call", "Call", "CE", "ce", "C", "c":
		return OptionKindCall, nil
	case "PUT", "put", "Put", "PE", "pe", "P", "p":
		return OptionKindPut, nil
	default:
		return "", fmt.Errorf("unknown option kind %q", raw)
	}
}
