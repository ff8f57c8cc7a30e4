package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"emby-panel/internal/database"
	"emby-panel/internal/model"
	"emby-panel/internal/reconcile"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingSweeper struct {
	mu       sync.Mutex
	triggers []string
	err      error
}

func (s *countingSweeper) ExpirySweep(_ context.Context, opts reconcile.SweepOptions) (*reconcile.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers = append(s.triggers, opts.Trigger)
	if s.err != nil {
		return nil, s.err
	}
	return &reconcile.SweepResult{Kind: model.SweepKindExpired, Trigger: opts.Trigger}, nil
}

func (s *countingSweeper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.triggers)
}

func TestSchedulerRunsImmediatelyAndOnTick(t *testing.T) {
	sweeper := &countingSweeper{}
	s := NewScheduler(sweeper, 10*time.Millisecond, zap.NewNop())
	s.Start()

	require.Eventually(t, func() bool { return sweeper.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	after := sweeper.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, sweeper.count())
	assert.Equal(t, TriggerScheduler, sweeper.triggers[0])
}

func TestSchedulerKeepsGoingAfterFailure(t *testing.T) {
	sweeper := &countingSweeper{err: errors.New("boom")}
	s := NewScheduler(sweeper, 10*time.Millisecond, zap.NewNop())
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return sweeper.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerDisabled(t *testing.T) {
	sweeper := &countingSweeper{}
	s := NewScheduler(sweeper, 0, zap.NewNop())
	s.Start()
	s.Stop()
	assert.Zero(t, sweeper.count())
}

func TestHistoryRecordsAndPrunes(t *testing.T) {
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	h := NewHistory(db, zap.NewNop())
	h.now = func() time.Time { return now }

	ctx := context.Background()
	h.SweepFinished(ctx, &reconcile.SweepResult{
		Kind:      model.SweepKindExpired,
		Trigger:   "cron",
		Timestamp: now.AddDate(0, -6, 0),
	})
	h.SweepFinished(ctx, &reconcile.SweepResult{
		Kind:       model.SweepKindInactive,
		Trigger:    "panel",
		Candidates: []reconcile.Candidate{{AccountID: "a"}, {AccountID: "b"}},
		Disabled:   1,
		Failed:     []reconcile.SweepFailure{{AccountID: "b"}},
		Timestamp:  now.Add(-time.Hour),
	})
	h.SweepFinished(ctx, &reconcile.SweepResult{
		Kind:      model.SweepKindExpired,
		Trigger:   TriggerScheduler,
		Timestamp: now,
	})

	runs, err := h.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, TriggerScheduler, runs[0].Trigger)

	inactive := runs[1]
	assert.Equal(t, model.SweepKindInactive, inactive.Kind)
	assert.Equal(t, 2, inactive.Candidates)
	assert.Equal(t, 1, inactive.Disabled)
	assert.Equal(t, 1, inactive.Failed)
}
