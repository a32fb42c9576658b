package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeStage_RecordsDuration(t *testing.T) {
	m := NewRunMetrics()

	err := m.TimeStage("ingest", func() error {
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	snap := m.Snapshot()
	assert.GreaterOrEqual(t, snap.Stages["ingest"], 10*time.Millisecond)
}

func TestTimeStage_RecordsEvenOnFailure(t *testing.T) {
	m := NewRunMetrics()
	boom := errors.New("boom")

	err := m.TimeStage("audit", func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, m.Snapshot().Stages, "audit")
}

func TestTimeStage_AccumulatesRepeatedStages(t *testing.T) {
	m := NewRunMetrics()
	for i := 0; i < 3; i++ {
		require.NoError(t, m.TimeStage("emit", func() error {
			time.Sleep(time.Millisecond)
			return nil
		}))
	}
	assert.GreaterOrEqual(t, m.Snapshot().Stages["emit"], 3*time.Millisecond)
}

func TestAdd_IsSafeForConcurrentWorkers(t *testing.T) {
	m := NewRunMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Add("records_audited", 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(800), m.Snapshot().Counters["records_audited"])
}

func TestSnapshot_IsACopy(t *testing.T) {
	m := NewRunMetrics()
	m.Add("groups", 2)

	snap := m.Snapshot()
	snap.Counters["groups"] = 99

	assert.Equal(t, int64(2), m.Snapshot().Counters["groups"])
}

func TestSnapshot_LogAttrs(t *testing.T) {
	m := NewRunMetrics()
	m.Add("records_audited", 4)
	require.NoError(t, m.TimeStage("normalize", func() error { return nil }))

	attrs := m.Snapshot().LogAttrs()
	require.True(t, len(attrs)%2 == 0, "attrs come in key-value pairs")

	keys := map[string]bool{}
	for i := 0; i < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		require.True(t, ok)
		keys[key] = true
	}
	assert.True(t, keys["elapsed"])
	assert.True(t, keys["stage_normalize"])
	assert.True(t, keys["records_audited"])
}
