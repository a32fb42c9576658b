package audit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-option-audit/internal/config"
	autherr "github.com/johnayoung/go-option-audit/internal/errors"
	"github.com/johnayoung/go-option-audit/internal/ingest"
	"github.com/johnayoung/go-option-audit/internal/logger"
	"github.com/johnayoung/go-option-audit/internal/models"
)

// stubSource serves a fixed row set.
type stubSource struct {
	rows []ingest.RawRow
	err  error
}

func (s *stubSource) Fetch(ctx context.Context) ([]ingest.RawRow, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.rows, nil
}

// captureSink records the result instead of writing artifacts.
type captureSink struct {
	mu     sync.Mutex
	result *RunResult
	err    error
}

func (s *captureSink) Write(ctx context.Context, result *RunResult) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = result
	return nil
}

func testConfig() *config.AppConfig {
	cfg := config.DefaultConfig()
	cfg.Logging.Output = "stderr"
	cfg.Logging.Level = "error"
	cfg.Retry.InitialDelay = "1ms"
	cfg.Retry.MaxDelay = "5ms"
	return cfg
}

func testLoggerManager(t *testing.T) *logger.Manager {
	t.Helper()
	mgr, err := logger.NewManager(testConfig().Logging)
	require.NoError(t, err)
	return mgr
}

func row(id, ts, optType, strike, delta, oi string) ingest.RawRow {
	return ingest.RawRow{
		ID:         id,
		Timestamp:  ts,
		Symbol:     "NIFTY",
		Strike:     strike,
		OptionType: optType,
		Expiry:     "2024-01-25",
		LTP:        "125.5",
		Bid:        "125.0",
		Ask:        "126.0",
		Volume:     "1000",
		OI:         oi,
		OIChange:   "0",
		Delta:      delta,
		Gamma:      "0.002",
		Theta:      "-8.1",
		Vega:       "12.3",
		IV:         "14.2",
		Spot:       "21450.75",
	}
}

// sampleRows exercises every repair path in one group: a duplicate
// pair, a repairable delta, a fatal open interest, plus one clean row.
func sampleRows() []ingest.RawRow {
	return []ingest.RawRow{
		row("101", "2024-01-15 10:00:00", "CALL", "21000", "0.52", "50000"),
		row("205", "2024-01-15 10:00:00", "CALL", "21000", "0.52", "50000"),
		row("3", "2024-01-15 10:05:00", "CALL", "21000", "2.3", "50000"),
		row("4", "2024-01-15 10:15:00", "CALL", "21000", "0.52", "-5"),
	}
}

func newTestPipeline(t *testing.T, source ingest.SnapshotSource, sink ArtifactSink) *Pipeline {
	t.Helper()
	pipeline, err := NewPipeline(testConfig(), source, sink, testLoggerManager(t))
	require.NoError(t, err)
	return pipeline
}

func TestPipeline_RunEndToEnd(t *testing.T) {
	sink := &captureSink{}
	pipeline := newTestPipeline(t, &stubSource{rows: sampleRows()}, sink)

	result, err := pipeline.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sink.result)
	assert.NotEmpty(t, result.RunID)

	report := result.Report
	assert.Equal(t, 4, report.TotalRecords)
	assert.Equal(t, 3, report.RecordsFlagged)
	assert.Equal(t, 1, report.RecordsRepaired)
	assert.Equal(t, 2, report.RecordsDropped)
	assert.Equal(t, 1, report.GroupsAudited)
	assert.Equal(t, 1, report.CountsByKind[models.IssueDuplicateTimestamp])
	assert.Equal(t, 1, report.CountsByKind[models.IssueInvalidGreek])
	assert.Equal(t, 1, report.CountsByKind[models.IssueNegativeOIOrVolume])

	// Three observed slots of a 76-slot session.
	assert.Equal(t, 73, report.CountsByKind[models.IssueMissingBar])

	// 205 wins the duplicate, 3 is repaired.
	require.Len(t, result.Corrected, 2)
	assert.Equal(t, int64(205), result.Corrected[0].ID)
	assert.Equal(t, models.QualityClean, result.Corrected[0].QualityFlag)
	assert.Equal(t, int64(3), result.Corrected[1].ID)
	assert.Equal(t, models.QualityRepaired, result.Corrected[1].QualityFlag)
	assert.True(t, result.Corrected[1].Delta.Equal(decimal.NewFromFloat(1.5)))

	require.Len(t, result.Rejected, 2)
	assert.Equal(t, int64(101), result.Rejected[0].ID)
	assert.Contains(t, result.Rejected[0].QualityIssues, models.IssueDuplicateTimestamp)
	assert.Equal(t, int64(4), result.Rejected[1].ID)
}

func TestPipeline_CorrectedSetHasUniqueIdentityKeys(t *testing.T) {
	sink := &captureSink{}
	pipeline := newTestPipeline(t, &stubSource{rows: sampleRows()}, sink)

	result, err := pipeline.Run(context.Background())
	require.NoError(t, err)

	seen := make(map[models.IdentityKey]bool)
	for _, record := range result.Corrected {
		key := record.Identity()
		assert.False(t, seen[key], "identity key %v appears twice", key)
		seen[key] = true
	}
}

func TestPipeline_RunIsDeterministic(t *testing.T) {
	run := func() *RunResult {
		sink := &captureSink{}
		pipeline := newTestPipeline(t, &stubSource{rows: sampleRows()}, sink)
		result, err := pipeline.Run(context.Background())
		require.NoError(t, err)
		return result
	}

	first := run()
	second := run()

	// Run ids are log-side identifiers only; they never reach the
	// artifacts, so a fresh id per run does not break determinism.
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.Report.CountsByKind, second.Report.CountsByKind)
	assert.Equal(t, first.Report.MissingBarsByGroupDay, second.Report.MissingBarsByGroupDay)
	require.Equal(t, len(first.Corrected), len(second.Corrected))
	for i := range first.Corrected {
		assert.Equal(t, first.Corrected[i].ID, second.Corrected[i].ID)
		assert.True(t, first.Corrected[i].Delta.Equal(second.Corrected[i].Delta))
	}
}

func TestPipeline_ManyGroupsMergeCompletely(t *testing.T) {
	var rows []ingest.RawRow
	strikes := []string{"20500", "21000", "21500", "22000"}
	id := 1
	for _, strike := range strikes {
		for _, optType := range []string{"CALL", "PUT"} {
			rows = append(rows,
				row(strconv.Itoa(id), "2024-01-15 10:00:00", optType, strike, "0.52", "50000"),
				row(strconv.Itoa(id+1), "2024-01-15 10:05:00", optType, strike, "0.52", "50000"))
			id += 2
		}
	}

	sink := &captureSink{}
	pipeline := newTestPipeline(t, &stubSource{rows: rows}, sink)

	result, err := pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, result.Report.GroupsAudited)
	assert.Equal(t, 16, result.Report.TotalRecords)
	assert.Len(t, result.Corrected, 16)
	assert.Empty(t, result.Rejected)
}

func TestPipeline_IngestionFailureAbortsWithoutArtifacts(t *testing.T) {
	sink := &captureSink{}
	source := &stubSource{err: autherr.NewIngestionError("stub", errors.New("exporter down"))}
	pipeline := newTestPipeline(t, source, sink)

	_, err := pipeline.Run(context.Background())
	require.Error(t, err)
	assert.True(t, autherr.IsIngestionError(err))
	assert.Nil(t, sink.result, "no artifact may be written on failure")
}

func TestPipeline_ParseFailureAbortsWithoutArtifacts(t *testing.T) {
	bad := sampleRows()
	bad[2].Timestamp = "not a time"

	sink := &captureSink{}
	pipeline := newTestPipeline(t, &stubSource{rows: bad}, sink)

	_, err := pipeline.Run(context.Background())
	require.Error(t, err)
	assert.True(t, autherr.IsParseError(err))
	assert.Nil(t, sink.result)
}

func TestPipeline_SinkFailurePropagates(t *testing.T) {
	sink := &captureSink{err: autherr.NewArtifactError("stub", errors.New("disk full"))}
	pipeline := newTestPipeline(t, &stubSource{rows: sampleRows()}, sink)

	_, err := pipeline.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
