package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"golang.org/x/time/rate"

	autherr "github.com/johnayoung/go-option-audit/internal/errors"
)

// DuckDBSource reads an exported snapshot from a DuckDB database, the
// relational store the exporter writes into. Rows are fetched in
// keyset-paginated batches behind a rate limiter so a large historical
// snapshot does not monopolize the store.
type DuckDBSource struct {
	path      string
	table     string
	batchSize int
	limiter   *rate.Limiter
	timeout   time.Duration
	logger    *slog.Logger
}

// NewDuckDBSource creates a DuckDB-backed snapshot source.
func NewDuckDBSource(path, table string, batchSize, ratePerSec int, timeout time.Duration, logger *slog.Logger) *DuckDBSource {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 10000
	}
	if ratePerSec <= 0 {
		ratePerSec = 20
	}
	return &DuckDBSource{
		path:      path,
		table:     table,
		batchSize: batchSize,
		limiter:   rate.NewLimiter(rate.Limit(ratePerSec), 1),
		timeout:   timeout,
		logger:    logger.With("component", "duckdb_source"),
	}
}

// Fetch reads the full export table ordered by id. Every column is
// selected as text so normalization stays in one place.
func (s *DuckDBSource) Fetch(ctx context.Context) ([]RawRow, error) {
	if !isSafeIdentifier(s.table) {
		return nil, autherr.NewIngestionError("duckdb_source", fmt.Errorf("invalid export table name %q", s.table))
	}

	db, err := sql.Open("duckdb", s.path)
	if err != nil {
		return nil, autherr.NewIngestionError("duckdb_source", fmt.Errorf("failed to open %s: %w", s.path, err))
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return nil, autherr.NewIngestionError("duckdb_source", fmt.Errorf("failed to connect to %s: %w", s.path, err))
	}

	var rows []RawRow
	lastID := int64(-1)
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, autherr.NewIngestionError("duckdb_source", err)
		}

		batch, err := s.fetchBatch(ctx, db, lastID)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}

		rows = append(rows, batch...)
		last := batch[len(batch)-1]
		id, parseErr := parseRowID(last.ID)
		if parseErr != nil {
			return nil, autherr.NewParseError("duckdb_source", fmt.Errorf("non-numeric id %q in export table", last.ID))
		}
		lastID = id

		if len(batch) < s.batchSize {
			break
		}
	}

	s.logger.Info("snapshot fetched", "path", s.path, "table", s.table, "rows", len(rows))
	return rows, nil
}

// fetchBatch reads one keyset page after lastID.
func (s *DuckDBSource) fetchBatch(ctx context.Context, db *sql.DB, lastID int64) ([]RawRow, error) {
	queryCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	query := fmt.Sprintf(`
		SELECT CAST(id AS VARCHAR), CAST(timestamp AS VARCHAR), symbol,
		       CAST(strike AS VARCHAR), option_type, CAST(expiry AS VARCHAR),
		       CAST(ltp AS VARCHAR), CAST(bid AS VARCHAR), CAST(ask AS VARCHAR),
		       CAST(volume AS VARCHAR), CAST(oi AS VARCHAR), CAST(oi_change AS VARCHAR),
		       CAST(delta AS VARCHAR), CAST(gamma AS VARCHAR), CAST(theta AS VARCHAR),
		       CAST(vega AS VARCHAR), CAST(iv AS VARCHAR), CAST(spot AS VARCHAR)
		FROM %s
		WHERE id > ?
		ORDER BY id
		LIMIT ?`, s.table)

	result, err := db.QueryContext(queryCtx, query, lastID, s.batchSize)
	if err != nil {
		return nil, autherr.NewIngestionError("duckdb_source", fmt.Errorf("export query failed: %w", err))
	}
	defer result.Close()

	var batch []RawRow
	for result.Next() {
		var row RawRow
		var oiChange, volume sql.NullString
		err := result.Scan(
			&row.ID, &row.Timestamp, &row.Symbol,
			&row.Strike, &row.OptionType, &row.Expiry,
			&row.LTP, &row.Bid, &row.Ask,
			&volume, &row.OI, &oiChange,
			&row.Delta, &row.Gamma, &row.Theta,
			&row.Vega, &row.IV, &row.Spot,
		)
		if err != nil {
			return nil, autherr.NewIngestionError("duckdb_source", fmt.Errorf("export scan failed: %w", err))
		}
		// NULLs surface as empty strings; the normalizer applies the
		// documented defaults.
		row.Volume = volume.String
		row.OIChange = oiChange.String
		batch = append(batch, row)
	}
	if err := result.Err(); err != nil {
		return nil, autherr.NewIngestionError("duckdb_source", fmt.Errorf("export iteration failed: %w", err))
	}
	return batch, nil
}

// isSafeIdentifier guards the table name interpolated into the query.
func isSafeIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		ok := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return false
		}
	}
	return true
}

// parseRowID parses the exporter's numeric row id.
func parseRowID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	var id int64
	_, err := fmt.Sscanf(raw, "%d", &id)
	return id, err
}
