// Package ingest provides the snapshot-source collaborators that feed
// the audit pipeline. The core never knows how the raw rows were
// exported: it sees a SnapshotSource that either yields the full raw
// row set or fails with an ingestion error before normalization
// begins.
package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gocarina/gocsv"

	autherr "github.com/johnayoung/go-option-audit/internal/errors"
)

// Columns is the fixed export schema, in canonical order. The reader
// matches columns by header name, never by position; a header that is
// not exactly this set fails the run before any row is parsed.
var Columns = []string{
	"id", "timestamp", "symbol", "strike", "option_type", "expiry",
	"ltp", "bid", "ask", "volume", "oi", "oi_change",
	"delta", "gamma", "theta", "vega", "iv", "spot",
}

// RawRow is one exported row prior to normalization. Every field is a
// string: coercion to semantic types, defaults for absent values, and
// timestamp parsing are the normalizer's job, so the source stays a
// dumb transport.
type RawRow struct {
	ID         string `csv:"id"`
	Timestamp  string `csv:"timestamp"`
	Symbol     string `csv:"symbol"`
	Strike     string `csv:"strike"`
	OptionType string `csv:"option_type"`
	Expiry     string `csv:"expiry"`
	LTP        string `csv:"ltp"`
	Bid        string `csv:"bid"`
	Ask        string `csv:"ask"`
	Volume     string `csv:"volume"`
	OI         string `csv:"oi"`
	OIChange   string `csv:"oi_change"`
	Delta      string `csv:"delta"`
	Gamma      string `csv:"gamma"`
	Theta      string `csv:"theta"`
	Vega       string `csv:"vega"`
	IV         string `csv:"iv"`
	Spot       string `csv:"spot"`
}

// SnapshotSource is the narrow collaborator interface over the
// external export step. Fetch returns the complete raw row set for
// one audit run or fails with an ingestion error.
type SnapshotSource interface {
	Fetch(ctx context.Context) ([]RawRow, error)
}

// CSVSource reads an exported snapshot from a CSV file.
type CSVSource struct {
	path   string
	logger *slog.Logger
}

// NewCSVSource creates a CSV-backed snapshot source.
func NewCSVSource(path string, logger *slog.Logger) *CSVSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &CSVSource{path: path, logger: logger.With("component", "csv_source")}
}

// Fetch reads and header-validates the export file. A missing or
// unreadable file is an ingestion failure; a wrong header is a parse
// failure, because retrying cannot fix a malformed export.
func (s *CSVSource) Fetch(ctx context.Context) ([]RawRow, error) {
	if ctx.Err() != nil {
		return nil, autherr.NewIngestionError("csv_source", ctx.Err())
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, autherr.NewIngestionError("csv_source", fmt.Errorf("failed to read snapshot %s: %w", s.path, err))
	}

	if err := ValidateHeader(data); err != nil {
		return nil, err
	}

	var rows []RawRow
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, autherr.NewParseError("csv_source", fmt.Errorf("failed to parse snapshot %s: %w", s.path, err))
	}

	s.logger.Info("snapshot fetched", "path", s.path, "rows", len(rows))
	return rows, nil
}

// ValidateHeader checks that the first line of the export carries
// exactly the expected column set. Order does not matter (the reader
// is name-based) but a missing or unknown column fails fast rather
// than silently misaligning fields.
func ValidateHeader(data []byte) error {
	reader := csv.NewReader(bytes.NewReader(data))
	header, err := reader.Read()
	if err == io.EOF {
		return autherr.NewParseError("csv_source", fmt.Errorf("snapshot is empty"))
	}
	if err != nil {
		return autherr.NewParseError("csv_source", fmt.Errorf("failed to read header: %w", err))
	}

	seen := make(map[string]bool, len(header))
	for _, col := range header {
		if seen[col] {
			return autherr.NewParseError("csv_source", fmt.Errorf("duplicate column %q in header", col))
		}
		seen[col] = true
	}

	for _, want := range Columns {
		if !seen[want] {
			return autherr.NewParseError("csv_source", fmt.Errorf("export schema mismatch: missing column %q", want))
		}
		delete(seen, want)
	}
	if len(seen) > 0 {
		for col := range seen {
			return autherr.NewParseError("csv_source", fmt.Errorf("export schema mismatch: unknown column %q", col))
		}
	}
	return nil
}

// FetchWithRetry wraps a source fetch in the ingestion retry policy.
// Only errors classified retryable (exporter failures) are retried;
// schema and parse failures abort immediately.
func FetchWithRetry(ctx context.Context, source SnapshotSource, policy autherr.RetryPolicy, logger *slog.Logger) ([]RawRow, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var rows []RawRow
	attempt := 0
	err := autherr.Retry(policy, func() error {
		attempt++
		var fetchErr error
		rows, fetchErr = source.Fetch(ctx)
		if fetchErr != nil {
			logger.Warn("snapshot fetch failed",
				"attempt", attempt,
				"max_attempts", policy.MaxAttempts,
				"error", fetchErr)
		}
		return fetchErr
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}
