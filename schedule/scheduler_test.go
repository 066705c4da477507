package schedule

import (
	"sync"
	"testing"

	"github.com/nvr-ai/go-detbatch/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *[]Transition, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	var transitions []Transition
	s, err := New(cfg,
		WithLogger(zap.New(core)),
		WithObserver(func(tr Transition) { transitions = append(transitions, tr) }))
	require.NoError(t, err)
	return s, &transitions, logs
}

func TestSchedulerGradualRamp(t *testing.T) {
	s, transitions, _ := newTestScheduler(t, Config{
		Window:      &Window{Start: 10, End: 20},
		Warmup:      3,
		Probability: 0.5,
		Gradual:     true,
	})

	initial := s.Snapshot()
	assert.Equal(t, -1, initial.Epoch)
	assert.Equal(t, Inactive, initial.Phase)
	assert.Equal(t, 0.5, s.Original())

	st, err := s.Advance(9)
	require.NoError(t, err)
	assert.Equal(t, Inactive, st.Phase)
	assert.Zero(t, st.Probability)

	st, _ = s.Advance(10)
	assert.Equal(t, WarmingUp, st.Phase)
	assert.InDelta(t, 0.1667, st.Probability, 1e-4)

	st, _ = s.Advance(11)
	assert.Equal(t, WarmingUp, st.Phase)
	assert.InDelta(t, 0.3333, st.Probability, 1e-4)

	st, _ = s.Advance(12)
	assert.Equal(t, 0.5, st.Probability)

	st, _ = s.Advance(13)
	assert.Equal(t, FullyActive, st.Phase)
	assert.Equal(t, 0.5, st.Probability)

	st, _ = s.Advance(19)
	assert.Equal(t, FullyActive, st.Phase)
	assert.Equal(t, 0.5, st.Probability)

	st, _ = s.Advance(20)
	assert.Equal(t, Inactive, st.Phase)
	assert.True(t, st.Retired)
	assert.False(t, st.Active())

	assert.Equal(t, []Transition{
		{Epoch: 10, From: Inactive, To: WarmingUp, Probability: 0.5 / 3},
		{Epoch: 13, From: WarmingUp, To: FullyActive, Probability: 0.5},
		{Epoch: 20, From: FullyActive, To: Inactive, Probability: 0},
	}, *transitions)
}

func TestSchedulerRetirementSurvivesRegression(t *testing.T) {
	s, transitions, logs := newTestScheduler(t, Config{
		Window:      &Window{Start: 10, End: 20},
		Warmup:      3,
		Probability: 0.5,
		Gradual:     true,
	})

	_, _ = s.Advance(15)
	_, _ = s.Advance(20)
	st, err := s.Advance(15)
	require.NoError(t, err)
	assert.Equal(t, Inactive, st.Phase)
	assert.True(t, st.Retired)
	assert.Zero(t, st.Probability)
	assert.Len(t, *transitions, 2)
	assert.Equal(t, 1, logs.FilterMessageSnippet("epoch regression").Len())
}

func TestSchedulerRegressionBeforeRetirementRecomputes(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{
		Window:      &Window{Start: 10, End: 20},
		Warmup:      3,
		Probability: 0.6,
		Gradual:     true,
	})

	_, _ = s.Advance(14)
	st, _ := s.Advance(11)
	assert.Equal(t, WarmingUp, st.Phase)
	assert.InDelta(t, 0.4, st.Probability, 1e-9)
}

func TestSchedulerIdempotentAdvance(t *testing.T) {
	s, transitions, logs := newTestScheduler(t, Config{
		Window:      &Window{Start: 2, End: 5},
		Warmup:      3,
		Probability: 0.3,
		Gradual:     true,
	})

	for i := 0; i < 3; i++ {
		_, err := s.Advance(2)
		require.NoError(t, err)
	}
	assert.Len(t, *transitions, 1)
	assert.Equal(t, 1, logs.FilterMessage("mixup phase transition").Len())
	assert.Equal(t, 1, logs.FilterMessage("adjusting mixup probability").Len())
}

func TestSchedulerWithoutGradualRamp(t *testing.T) {
	s, transitions, _ := newTestScheduler(t, Config{
		Window:      &Window{Start: 4, End: 8},
		Warmup:      3,
		Probability: 0.5,
		Gradual:     false,
	})

	st, _ := s.Advance(4)
	assert.Equal(t, FullyActive, st.Phase)
	assert.Equal(t, 0.5, st.Probability)
	assert.Len(t, *transitions, 1)
}

func TestSchedulerDisabledWindow(t *testing.T) {
	assert.Nil(t, WindowFromEpochs(nil))
	assert.Nil(t, WindowFromEpochs([]int{5}))
	assert.Equal(t, &Window{Start: 4, End: 9}, WindowFromEpochs([]int{4, 6, 9}))

	s, transitions, _ := newTestScheduler(t, Config{Window: nil, Probability: 0.5, Warmup: 3, Gradual: true})
	for e := 0; e < 30; e++ {
		st, err := s.Advance(e)
		require.NoError(t, err)
		assert.Equal(t, Inactive, st.Phase)
	}
	assert.Empty(t, *transitions)
	assert.False(t, s.NextIsWindowStart(s.Snapshot()))
}

func TestSchedulerLookahead(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{Window: &Window{Start: 3, End: 6}, Probability: 0.5})

	_, _ = s.Advance(2)
	assert.True(t, s.NextIsWindowStart(s.Snapshot()))
	assert.False(t, s.WindowActive(s.Snapshot()))

	_, _ = s.Advance(3)
	assert.False(t, s.NextIsWindowStart(s.Snapshot()))
	assert.True(t, s.WindowActive(s.Snapshot()))
}

func TestSchedulerLookaheadBeforeFirstEpoch(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{Window: &Window{Start: 0, End: 6}, Probability: 0.5})
	assert.Equal(t, -1, s.Snapshot().Epoch)
	assert.False(t, s.NextIsWindowStart(s.Snapshot()), "epoch -1 has no successor epoch to prepare")

	_, _ = s.Advance(0)
	assert.False(t, s.NextIsWindowStart(s.Snapshot()))
}

func TestSchedulerRejectsInvalidInput(t *testing.T) {
	_, err := New(Config{Probability: 1.5})
	assert.True(t, errors.Is(err, common.ErrInvalidConfiguration))

	_, err = New(Config{Warmup: -1})
	assert.True(t, errors.Is(err, common.ErrInvalidConfiguration))

	_, err = New(Config{Window: &Window{Start: 5, End: 2}})
	assert.True(t, errors.Is(err, common.ErrInvalidConfiguration))

	s, err := New(Config{})
	require.NoError(t, err)
	_, err = s.Advance(-3)
	assert.True(t, errors.Is(err, common.ErrInvalidEpoch))
}

func TestSchedulerConcurrentReadersSeeCompleteSnapshots(t *testing.T) {
	s, err := New(Config{Window: &Window{Start: 0, End: 100}, Warmup: 50, Probability: 1, Gradual: true})
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				st := s.Snapshot()
				if st.Epoch < 0 {
					continue
				}
				want := float64(st.Epoch+1) / 50
				if st.Epoch >= 50 {
					want = 1
				}
				assert.InDelta(t, want, st.Probability, 1e-9, "epoch %d", st.Epoch)
			}
		}()
	}
	for e := 0; e < 100; e++ {
		_, err := s.Advance(e)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}
