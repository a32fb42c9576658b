// Package report emits the run artifacts: the corrected dataset, the
// rejected dataset and the audit report. Emission is all-or-nothing;
// every file is staged in a temporary directory and renamed into place
// only after all of them rendered successfully.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/olekukonko/tablewriter"

	"github.com/johnayoung/go-option-audit/internal/audit"
	"github.com/johnayoung/go-option-audit/internal/config"
	autherr "github.com/johnayoung/go-option-audit/internal/errors"
	"github.com/johnayoung/go-option-audit/internal/models"
)

// timestampLayout is the exporter's layout; artifacts render
// timestamps exactly as they were ingested.
const timestampLayout = "2006-01-02 15:04:05"

// recordRow is the CSV shape of one audited record: the export columns
// plus the audit outcome columns.
type recordRow struct {
	ID            string `csv:"id"`
	Timestamp     string `csv:"timestamp"`
	Symbol        string `csv:"symbol"`
	Strike        string `csv:"strike"`
	OptionType    string `csv:"option_type"`
	Expiry        string `csv:"expiry"`
	LTP           string `csv:"ltp"`
	Bid           string `csv:"bid"`
	Ask           string `csv:"ask"`
	Volume        string `csv:"volume"`
	OI            string `csv:"oi"`
	OIChange      string `csv:"oi_change"`
	Delta         string `csv:"delta"`
	Gamma         string `csv:"gamma"`
	Theta         string `csv:"theta"`
	Vega          string `csv:"vega"`
	IV            string `csv:"iv"`
	Spot          string `csv:"spot"`
	QualityFlag   string `csv:"quality_flag"`
	QualityIssues string `csv:"quality_issues"`
}

// RunStore persists run history alongside the file artifacts.
type RunStore interface {
	Save(ctx context.Context, result *audit.RunResult) error
}

// Writer renders and atomically publishes the three run artifacts,
// plus the optional run store when one is configured.
type Writer struct {
	cfg      config.ArtifactConfig
	location *time.Location
	store    RunStore
	logger   *slog.Logger
}

// NewWriter creates an artifact writer. store may be nil.
func NewWriter(cfg config.ArtifactConfig, location *time.Location, store RunStore, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		cfg:      cfg,
		location: location,
		store:    store,
		logger:   logger.With("component", "artifact_writer"),
	}
}

// Write stages all artifacts in a temporary directory under the target
// directory, then renames them into place. A failure at any point
// removes the staging directory and leaves the target untouched.
func (w *Writer) Write(ctx context.Context, result *audit.RunResult) error {
	if err := os.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		return autherr.NewArtifactError("artifact_writer", fmt.Errorf("failed to create artifact dir: %w", err))
	}

	stagingDir, err := os.MkdirTemp(w.cfg.Dir, ".staging-")
	if err != nil {
		return autherr.NewArtifactError("artifact_writer", fmt.Errorf("failed to create staging dir: %w", err))
	}
	defer os.RemoveAll(stagingDir)

	artifacts := []struct {
		name   string
		render func(string) error
	}{
		{w.cfg.CorrectedFile, func(path string) error { return w.writeCSV(path, result.Corrected) }},
		{w.cfg.RejectedFile, func(path string) error { return w.writeCSV(path, result.Rejected) }},
		{w.cfg.ReportFile, func(path string) error { return w.writeReport(path, result.Report) }},
	}

	for _, artifact := range artifacts {
		if err := artifact.render(filepath.Join(stagingDir, artifact.name)); err != nil {
			return autherr.NewArtifactError("artifact_writer",
				fmt.Errorf("failed to render %s: %w", artifact.name, err))
		}
	}

	// The store write happens while the files are still staged: a store
	// failure must fail the run before anything becomes visible.
	if w.store != nil {
		if err := w.store.Save(ctx, result); err != nil {
			return err
		}
	}

	for _, artifact := range artifacts {
		staged := filepath.Join(stagingDir, artifact.name)
		final := filepath.Join(w.cfg.Dir, artifact.name)
		if err := os.Rename(staged, final); err != nil {
			return autherr.NewArtifactError("artifact_writer",
				fmt.Errorf("failed to publish %s: %w", artifact.name, err))
		}
	}

	w.logger.Info("artifacts published",
		"dir", w.cfg.Dir,
		"corrected", len(result.Corrected),
		"rejected", len(result.Rejected))
	return nil
}

// writeCSV renders one record set to a staged CSV file.
func (w *Writer) writeCSV(path string, records []*models.OptionRecord) error {
	rows := make([]*recordRow, 0, len(records))
	for _, record := range records {
		rows = append(rows, w.toRow(record))
	}

	data, err := gocsv.MarshalBytes(&rows)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// writeReport renders the audit report to a staged JSON file. Map keys
// marshal in sorted order, so the report is deterministic.
func (w *Writer) writeReport(path string, report *models.AuditReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// toRow converts a record into its artifact row. Timestamps render in
// the market timezone using the exporter's own layout.
func (w *Writer) toRow(record *models.OptionRecord) *recordRow {
	kinds := make([]string, 0, len(record.QualityIssues))
	for _, kind := range record.QualityIssues {
		kinds = append(kinds, string(kind))
	}
	return &recordRow{
		ID:            strconv.FormatInt(record.ID, 10),
		Timestamp:     record.Timestamp.In(w.location).Format(timestampLayout),
		Symbol:        record.Symbol,
		Strike:        record.Strike.String(),
		OptionType:    string(record.Kind),
		Expiry:        record.Expiry.Format(models.ExpiryLayout),
		LTP:           record.LastPrice.String(),
		Bid:           record.Bid.String(),
		Ask:           record.Ask.String(),
		Volume:        strconv.FormatInt(record.Volume, 10),
		OI:            strconv.FormatInt(record.OpenInterest, 10),
		OIChange:      strconv.FormatInt(record.OIChange, 10),
		Delta:         record.Delta.String(),
		Gamma:         record.Gamma.String(),
		Theta:         record.Theta.String(),
		Vega:          record.Vega.String(),
		IV:            record.ImpliedVol.String(),
		Spot:          record.SpotPrice.String(),
		QualityFlag:   string(record.QualityFlag),
		QualityIssues: strings.Join(kinds, ";"),
	}
}

// RenderSummary writes a human-readable run summary table, used by the
// CLI after a successful run.
func RenderSummary(out io.Writer, result *audit.RunResult) {
	report := result.Report

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetBorder(false)
	table.Append([]string{"Run ID", report.RunID})
	table.Append([]string{"Total records", strconv.Itoa(report.TotalRecords)})
	table.Append([]string{"Clean records", strconv.Itoa(report.CleanRecords())})
	table.Append([]string{"Flagged", strconv.Itoa(report.RecordsFlagged)})
	table.Append([]string{"Repaired", strconv.Itoa(report.RecordsRepaired)})
	table.Append([]string{"Dropped", strconv.Itoa(report.RecordsDropped)})
	table.Append([]string{"Groups audited", strconv.Itoa(report.GroupsAudited)})
	for _, kind := range models.AllIssueKinds {
		if count := report.CountsByKind[kind]; count > 0 {
			table.Append([]string{string(kind), strconv.Itoa(count)})
		}
	}
	table.Render()
}
