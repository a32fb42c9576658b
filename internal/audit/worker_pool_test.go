package audit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-option-audit/internal/models"
	"github.com/johnayoung/go-option-audit/internal/repair"
)

func echoAudit(ctx context.Context, job *GroupJob) (*GroupOutcome, error) {
	partial := models.NewAuditReport("")
	partial.TotalRecords = len(job.Records)
	partial.GroupsAudited = 1
	return &GroupOutcome{
		Group:  job.Group,
		Result: &repair.GroupResult{Corrected: job.Records},
		Report: partial,
	}, nil
}

func poolJob(symbol string) *GroupJob {
	return &GroupJob{
		Group:   models.GroupKey{Symbol: symbol, Strike: "21000", Kind: models.OptionKindCall, Expiry: "2024-01-25"},
		Records: []*models.OptionRecord{{ID: 1}},
	}
}

func TestWorkerPool_ProcessesAllJobs(t *testing.T) {
	pool := NewWorkerPool(3, echoAudit, nil)
	require.NoError(t, pool.Start(context.Background()))

	var (
		wg        sync.WaitGroup
		completed int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		pool.Submit(context.Background(), poolJob("SYM"+strconv.Itoa(i)), func(outcome *GroupOutcome, err error) {
			defer wg.Done()
			assert.NoError(t, err)
			assert.NotNil(t, outcome)
			atomic.AddInt64(&completed, 1)
		})
	}
	wg.Wait()

	assert.Equal(t, int64(20), atomic.LoadInt64(&completed))
	stats := pool.Stats()
	assert.Equal(t, int64(20), stats.CompletedJobs)
	assert.Zero(t, stats.FailedJobs)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(stopCtx))
}

func TestWorkerPool_ReportsJobErrors(t *testing.T) {
	failing := func(ctx context.Context, job *GroupJob) (*GroupOutcome, error) {
		return nil, errors.New("boom")
	}
	pool := NewWorkerPool(2, failing, nil)
	require.NoError(t, pool.Start(context.Background()))

	var wg sync.WaitGroup
	wg.Add(1)
	pool.Submit(context.Background(), poolJob("NIFTY"), func(outcome *GroupOutcome, err error) {
		defer wg.Done()
		assert.Error(t, err)
		assert.Nil(t, outcome)
	})
	wg.Wait()

	assert.Equal(t, int64(1), pool.Stats().FailedJobs)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(stopCtx))
}

func TestWorkerPool_DoubleStartFails(t *testing.T) {
	pool := NewWorkerPool(1, echoAudit, nil)
	require.NoError(t, pool.Start(context.Background()))
	assert.Error(t, pool.Start(context.Background()))

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(stopCtx))
	assert.Error(t, pool.Stop(stopCtx), "stopping twice is an error")
}

func TestWorkerPool_SubmitAfterCancelInvokesCallback(t *testing.T) {
	pool := NewWorkerPool(1, echoAudit, nil)
	require.NoError(t, pool.Start(context.Background()))
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		pool.Stop(stopCtx)
	}()

	// Saturate the queue so the cancelled submit cannot be enqueued.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	blocked := poolJob("NIFTY")
	for i := 0; i < 10; i++ {
		pool.Submit(context.Background(), blocked, nil)
	}
	pool.Submit(ctx, blocked, func(outcome *GroupOutcome, err error) {
		done <- err
	})

	select {
	case err := <-done:
		// Either the job ran or the cancelled context rejected it; both
		// paths must fire the callback exactly once.
		if err != nil {
			assert.ErrorIs(t, err, context.Canceled)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}
}
