package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddTask_Validation(t *testing.T) {
	s := New(nil)
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.AddTask(&Task{Schedule: Every(time.Second), Func: noop}))
	assert.Error(t, s.AddTask(&Task{ID: "a", Func: noop}))
	assert.Error(t, s.AddTask(&Task{ID: "a", Schedule: Every(time.Second)}))
	require.NoError(t, s.AddTask(&Task{ID: "a", Schedule: Every(time.Second), Func: noop}))
	assert.Error(t, s.AddTask(&Task{ID: "a", Schedule: Every(time.Second), Func: noop}))
}

func TestRun(t *testing.T) {
	s := New(nil)
	s.tick = 5 * time.Millisecond

	var periodic, once atomic.Int32
	require.NoError(t, s.AddTask(&Task{
		ID:       "periodic",
		Schedule: Every(10 * time.Millisecond),
		Func: func(context.Context) error {
			periodic.Add(1)
			return nil
		},
	}))
	require.NoError(t, s.AddTask(&Task{
		ID:         "startup",
		Schedule:   Every(time.Hour),
		RunOnStart: true,
		Func: func(context.Context) error {
			once.Add(1)
			return errors.New("boom")
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return periodic.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, int32(1), once.Load())
	status := s.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "periodic", status[0].ID)
	assert.Equal(t, "startup", status[1].ID)
	assert.Equal(t, "boom", status[1].LastError)
	assert.Equal(t, int64(1), status[1].ErrorCount)
}

func TestRun_NoOverlap(t *testing.T) {
	s := New(nil)
	s.tick = 2 * time.Millisecond

	var inside, maxInside atomic.Int32
	require.NoError(t, s.AddTask(&Task{
		ID:       "slow",
		Schedule: Every(time.Millisecond),
		Func: func(context.Context) error {
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(20 * time.Millisecond)
			inside.Add(-1)
			return nil
		},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	s.Run(ctx)
	assert.Equal(t, int32(1), maxInside.Load())
}

type fakeResyncer struct{ n atomic.Int32 }

func (f *fakeResyncer) Resync() { f.n.Add(1) }

type fakePruner struct{ before time.Time }

func (f *fakePruner) PruneApplyHistory(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return 3, nil
}

func TestTasks(t *testing.T) {
	r := &fakeResyncer{}
	task := ResyncTask(r, Every(time.Minute))
	require.NoError(t, task.Func(context.Background()))
	assert.Equal(t, int32(1), r.n.Load())

	p := &fakePruner{}
	task = PruneHistoryTask(p, Every(time.Hour), 24*time.Hour)
	require.NoError(t, task.Func(context.Background()))
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), p.before, time.Minute)
	assert.True(t, task.RunOnStart)
}
