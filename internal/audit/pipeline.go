// Package audit orchestrates the full run: ingest, normalize, fan the
// groups out over a worker pool for detection and repair, merge the
// partial reports, and hand the finished run to the artifact sink.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/johnayoung/go-option-audit/internal/config"
	"github.com/johnayoung/go-option-audit/internal/continuity"
	"github.com/johnayoung/go-option-audit/internal/dedupe"
	autherr "github.com/johnayoung/go-option-audit/internal/errors"
	"github.com/johnayoung/go-option-audit/internal/ingest"
	"github.com/johnayoung/go-option-audit/internal/logger"
	"github.com/johnayoung/go-option-audit/internal/metrics"
	"github.com/johnayoung/go-option-audit/internal/models"
	"github.com/johnayoung/go-option-audit/internal/normalize"
	"github.com/johnayoung/go-option-audit/internal/repair"
	"github.com/johnayoung/go-option-audit/internal/rules"
)

// RunResult is everything one audit run produces. Corrected and
// Rejected are in canonical artifact order, so identical input always
// renders identical artifacts.
type RunResult struct {
	RunID     string
	Report    *models.AuditReport
	Corrected []*models.OptionRecord
	Rejected  []*models.OptionRecord
	Metrics   metrics.Snapshot
}

// ArtifactSink persists a finished run. Implementations must be
// all-or-nothing: a failed write leaves no partial artifacts behind.
type ArtifactSink interface {
	Write(ctx context.Context, result *RunResult) error
}

// Pipeline wires the audit stages together. Detection stages are
// read-only and the repair stage clones before writing, so per-group
// jobs run concurrently without locks.
type Pipeline struct {
	cfg        *config.AppConfig
	source     ingest.SnapshotSource
	sink       ArtifactSink
	normalizer *normalize.Normalizer
	engine     *rules.Engine
	checker    *continuity.Checker
	resolver   *dedupe.Resolver
	policy     *repair.Policy
	retry      autherr.RetryPolicy
	loggerMgr  *logger.Manager
	log        *logger.ComponentLogger
}

// NewPipeline builds a pipeline from the run configuration.
func NewPipeline(cfg *config.AppConfig, source ingest.SnapshotSource, sink ArtifactSink, loggerMgr *logger.Manager) (*Pipeline, error) {
	location, err := cfg.Session.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid session timezone: %w", err)
	}

	baseLogger := loggerMgr.GetLogger()
	checker, err := continuity.New(cfg.Session, baseLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to build continuity checker: %w", err)
	}
	retry, err := autherr.PolicyFromConfig(cfg.Retry)
	if err != nil {
		return nil, fmt.Errorf("invalid retry configuration: %w", err)
	}

	return &Pipeline{
		cfg:        cfg,
		source:     source,
		sink:       sink,
		normalizer: normalize.New(location, baseLogger),
		engine:     rules.New(rules.ResolveThresholds(cfg.Thresholds), baseLogger),
		checker:    checker,
		resolver:   dedupe.New(baseLogger),
		policy:     repair.New(baseLogger),
		retry:      retry,
		loggerMgr:  loggerMgr,
		log:        loggerMgr.GetComponentLogger("pipeline"),
	}, nil
}

// Run executes one audit end to end. On any error no artifact is
// emitted; the input is never modified either way, so a failed run can
// simply be retried.
func (p *Pipeline) Run(ctx context.Context) (*RunResult, error) {
	runID := uuid.New().String()
	ctx = logger.WithRunID(ctx, runID)
	runMetrics := metrics.NewRunMetrics()

	p.log.InfoWithContext(ctx, "audit run starting",
		"source", p.cfg.Ingest.Source,
		"workers", p.cfg.Audit.WorkerCount)

	var rows []ingest.RawRow
	err := runMetrics.TimeStage("ingest", func() error {
		var fetchErr error
		rows, fetchErr = ingest.FetchWithRetry(logger.WithStage(ctx, "ingest"), p.source, p.retry, p.loggerMgr.GetLogger())
		return fetchErr
	})
	if err != nil {
		return nil, err
	}
	runMetrics.Add("rows_ingested", int64(len(rows)))

	var normalized *normalize.Result
	err = runMetrics.TimeStage("normalize", func() error {
		var normErr error
		normalized, normErr = p.normalizer.Normalize(rows)
		return normErr
	})
	if err != nil {
		return nil, err
	}

	report := models.NewAuditReport(runID)
	var corrected, rejected []*models.OptionRecord
	err = runMetrics.TimeStage("audit", func() error {
		var auditErr error
		corrected, rejected, auditErr = p.auditGroups(ctx, normalized, report)
		return auditErr
	})
	if err != nil {
		return nil, err
	}
	runMetrics.Add("records_corrected", int64(len(corrected)))
	runMetrics.Add("records_rejected", int64(len(rejected)))

	models.SortRecords(corrected)
	models.SortRecords(rejected)
	if err := report.Finalize(time.Now()); err != nil {
		return nil, autherr.NewInternalError("pipeline", err)
	}

	result := &RunResult{
		RunID:     runID,
		Report:    report,
		Corrected: corrected,
		Rejected:  rejected,
	}
	err = runMetrics.TimeStage("emit", func() error {
		return p.sink.Write(logger.WithStage(ctx, "emit"), result)
	})
	if err != nil {
		return nil, err
	}
	result.Metrics = runMetrics.Snapshot()

	p.log.InfoWithContext(ctx, "audit run completed",
		append([]any{
			"total_records", report.TotalRecords,
			"flagged", report.RecordsFlagged,
			"repaired", report.RecordsRepaired,
			"dropped", report.RecordsDropped,
		}, result.Metrics.LogAttrs()...)...)
	return result, nil
}

// auditGroups runs detection and repair for every group on the worker
// pool and merges the partial reports. The first group error aborts
// the run after all in-flight jobs settle.
func (p *Pipeline) auditGroups(ctx context.Context, normalized *normalize.Result, report *models.AuditReport) ([]*models.OptionRecord, []*models.OptionRecord, error) {
	pool := NewWorkerPool(p.cfg.Audit.WorkerCount, p.auditGroup, p.loggerMgr.GetLogger())
	if err := pool.Start(ctx); err != nil {
		return nil, nil, autherr.NewInternalError("pipeline", err)
	}
	defer p.stopPool(pool)

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		corrected []*models.OptionRecord
		rejected  []*models.OptionRecord
		firstErr  error
	)

	for _, key := range normalized.GroupKeys() {
		job := &GroupJob{Group: key, Records: normalized.Groups[key]}
		wg.Add(1)
		pool.Submit(ctx, job, func(outcome *GroupOutcome, err error) {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			report.Merge(outcome.Report)
			corrected = append(corrected, outcome.Result.Corrected...)
			rejected = append(rejected, outcome.Result.Rejected...)
		})
	}
	wg.Wait()

	if firstErr != nil {
		return nil, nil, firstErr
	}
	return corrected, rejected, nil
}

// auditGroup is the per-group unit of work the pool executes: rule
// evaluation, duplicate resolution and continuity checking feed one
// issue list, which the repair policy folds into the group partition.
func (p *Pipeline) auditGroup(ctx context.Context, job *GroupJob) (*GroupOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var issues []models.QualityIssue
	for _, record := range job.Records {
		issues = append(issues, p.engine.Evaluate(record)...)
	}
	issues = append(issues, p.resolver.Resolve(job.Group, job.Records)...)

	gapIssues, gapsByDay := p.checker.Check(job.Group, job.Records)
	issues = append(issues, gapIssues...)

	partial := models.NewAuditReport("")
	partial.TotalRecords = len(job.Records)
	partial.GroupsAudited = 1
	for _, issue := range issues {
		partial.RecordIssue(issue)
	}
	for day, count := range gapsByDay {
		partial.RecordGapDays(job.Group, day, count)
	}

	result, err := p.policy.Apply(job.Group, job.Records, issues)
	if err != nil {
		return nil, autherr.NewInternalError("pipeline", err)
	}
	partial.RecordsFlagged = result.Flagged
	partial.RecordsRepaired = result.Repaired
	partial.RecordsDropped = result.Dropped

	return &GroupOutcome{Group: job.Group, Result: result, Report: partial}, nil
}

// stopPool shuts the pool down within the configured graceful timeout.
func (p *Pipeline) stopPool(pool *WorkerPool) {
	timeout := 30 * time.Second
	if d, err := time.ParseDuration(p.cfg.Audit.GracefulTimeout); err == nil && d > 0 {
		timeout = d
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := pool.Stop(stopCtx); err != nil {
		p.log.ErrorWithContext(stopCtx, "worker pool shutdown failed", err)
	}
}
