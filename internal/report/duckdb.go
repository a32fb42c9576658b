package report

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/johnayoung/go-option-audit/internal/audit"
	autherr "github.com/johnayoung/go-option-audit/internal/errors"
	"github.com/johnayoung/go-option-audit/internal/models"
)

// DuckDBStore persists run history into a DuckDB database alongside
// the file artifacts, so successive runs over the same export can be
// compared with SQL. All writes for one run happen in one transaction.
type DuckDBStore struct {
	path   string
	logger *slog.Logger
}

// NewDuckDBStore creates a store writing to the given database file.
func NewDuckDBStore(path string, logger *slog.Logger) *DuckDBStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DuckDBStore{
		path:   path,
		logger: logger.With("component", "duckdb_store"),
	}
}

const createRunsTable = `
CREATE TABLE IF NOT EXISTS audit_runs (
	run_id VARCHAR PRIMARY KEY,
	generated_at TIMESTAMP,
	total_records BIGINT,
	records_flagged BIGINT,
	records_repaired BIGINT,
	records_dropped BIGINT,
	groups_audited BIGINT,
	missing_bars BIGINT
)`

const createRecordsTable = `
CREATE TABLE IF NOT EXISTS corrected_records (
	run_id VARCHAR,
	id BIGINT,
	ts TIMESTAMP,
	symbol VARCHAR,
	strike VARCHAR,
	option_type VARCHAR,
	expiry VARCHAR,
	ltp VARCHAR,
	bid VARCHAR,
	ask VARCHAR,
	volume BIGINT,
	oi BIGINT,
	quality_flag VARCHAR
)`

// Save writes the run report and the corrected dataset.
func (s *DuckDBStore) Save(ctx context.Context, result *audit.RunResult) error {
	db, err := sql.Open("duckdb", s.path)
	if err != nil {
		return autherr.NewArtifactError("duckdb_store", fmt.Errorf("failed to open %s: %w", s.path, err))
	}
	defer db.Close()

	for _, ddl := range []string{createRunsTable, createRecordsTable} {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return autherr.NewArtifactError("duckdb_store", fmt.Errorf("failed to create schema: %w", err))
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return autherr.NewArtifactError("duckdb_store", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	report := result.Report
	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_runs VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		report.RunID, report.GeneratedAt,
		report.TotalRecords, report.RecordsFlagged,
		report.RecordsRepaired, report.RecordsDropped,
		report.GroupsAudited, report.CountsByKind[models.IssueMissingBar])
	if err != nil {
		return autherr.NewArtifactError("duckdb_store", fmt.Errorf("failed to insert run: %w", err))
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO corrected_records VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return autherr.NewArtifactError("duckdb_store", fmt.Errorf("failed to prepare insert: %w", err))
	}
	defer stmt.Close()

	for _, record := range result.Corrected {
		_, err := stmt.ExecContext(ctx,
			report.RunID, record.ID, record.Timestamp,
			record.Symbol, record.Strike.String(), string(record.Kind),
			record.Expiry.Format(models.ExpiryLayout),
			record.LastPrice.String(), record.Bid.String(), record.Ask.String(),
			record.Volume, record.OpenInterest, string(record.QualityFlag))
		if err != nil {
			return autherr.NewArtifactError("duckdb_store",
				fmt.Errorf("failed to insert record %d: %w", record.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return autherr.NewArtifactError("duckdb_store", fmt.Errorf("failed to commit run: %w", err))
	}

	s.logger.Info("run persisted",
		"path", s.path,
		"run_id", report.RunID,
		"records", len(result.Corrected))
	return nil
}

// Runs lists persisted run IDs newest first, for the history command.
func (s *DuckDBStore) Runs(ctx context.Context, limit int) ([]RunRow, error) {
	db, err := sql.Open("duckdb", s.path)
	if err != nil {
		return nil, autherr.NewArtifactError("duckdb_store", fmt.Errorf("failed to open %s: %w", s.path, err))
	}
	defer db.Close()

	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx,
		`SELECT run_id, generated_at, total_records, records_flagged, records_repaired, records_dropped
		 FROM audit_runs ORDER BY generated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, autherr.NewArtifactError("duckdb_store", fmt.Errorf("failed to query runs: %w", err))
	}
	defer rows.Close()

	var result []RunRow
	for rows.Next() {
		var row RunRow
		if err := rows.Scan(&row.RunID, &row.GeneratedAt, &row.TotalRecords,
			&row.RecordsFlagged, &row.RecordsRepaired, &row.RecordsDropped); err != nil {
			return nil, autherr.NewArtifactError("duckdb_store", fmt.Errorf("failed to scan run: %w", err))
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// RunRow is one persisted run summary.
type RunRow struct {
	RunID           string
	GeneratedAt     time.Time
	TotalRecords    int64
	RecordsFlagged  int64
	RecordsRepaired int64
	RecordsDropped  int64
}
