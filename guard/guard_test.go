package guard

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/use-agent/portalscrape/engine"
	"github.com/use-agent/portalscrape/models"
	"go.uber.org/goleak"
)

type fakeRunner struct {
	records []models.Record
	err     error
	gate    chan struct{}

	mu        sync.Mutex
	delivered int
	stopped   bool
}

func (f *fakeRunner) ID() string { return "run-1" }

func (f *fakeRunner) Records(ctx context.Context) iter.Seq2[models.Record, error] {
	return func(yield func(models.Record, error) bool) {
		if f.gate != nil {
			select {
			case <-f.gate:
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
		for _, r := range f.records {
			if !yield(r, nil) {
				f.mu.Lock()
				f.stopped = true
				f.mu.Unlock()
				return
			}
			f.mu.Lock()
			f.delivered++
			f.mu.Unlock()
		}
		if f.err != nil {
			yield(nil, f.err)
		}
	}
}

func (f *fakeRunner) Summary() engine.Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return engine.Summary{RunID: "run-1", Emitted: f.delivered}
}

func messages(n int) []models.Record {
	out := make([]models.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &models.MessageRecord{Number: models.StringPtr("555"), Message: models.StringPtr("hi")})
	}
	return out
}

func factoryFor(r Runner) Factory {
	return func(models.Source, int) (Runner, error) { return r, nil }
}

func kinds(frames []models.Frame) []models.FrameKind {
	out := make([]models.FrameKind, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Kind)
	}
	return out
}

func drain(seq iter.Seq[models.Frame]) []models.Frame {
	var out []models.Frame
	for f := range seq {
		out = append(out, f)
	}
	return out
}

type recordingObserver struct {
	mu       sync.Mutex
	started  int
	rejected int
	outcomes []Outcome
}

func (o *recordingObserver) RunStarted(models.Source, int) {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *recordingObserver) RunRejected(models.Source) {
	o.mu.Lock()
	o.rejected++
	o.mu.Unlock()
}

func (o *recordingObserver) RunFinished(out Outcome) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, out)
	o.mu.Unlock()
}

func TestRunFrameOrder(t *testing.T) {
	obs := &recordingObserver{}
	g := New(factoryFor(&fakeRunner{records: messages(3)}), WithObserver(obs))

	frames := drain(g.Run(context.Background(), models.SourceChatSMS, 10))
	assert.Equal(t, []models.FrameKind{
		models.FrameStarted, models.FrameData, models.FrameData, models.FrameData, models.FrameCompleted,
	}, kinds(frames))
	assert.Equal(t, 10, frames[0].Limit)
	assert.Equal(t, 3, frames[4].Count)
	assert.False(t, g.Active())

	require.Len(t, obs.outcomes, 1)
	assert.Equal(t, StatusCompleted, obs.outcomes[0].Status)
	assert.Equal(t, 3, obs.outcomes[0].Emitted)
	assert.Equal(t, "run-1", obs.outcomes[0].RunID)
}

func TestRunCapsAtLimit(t *testing.T) {
	runner := &fakeRunner{records: messages(5)}
	g := New(factoryFor(runner))

	frames := drain(g.Run(context.Background(), models.SourceChatSMS, 2))
	assert.Equal(t, []models.FrameKind{
		models.FrameStarted, models.FrameData, models.FrameData, models.FrameCompleted,
	}, kinds(frames))
	assert.Equal(t, 2, frames[3].Count)
	assert.True(t, runner.stopped, "runner is told to stop at the limit")
}

func TestRunErrorFrame(t *testing.T) {
	obs := &recordingObserver{}
	boom := models.NewExtractError(models.ErrCodeValidation, "missing portal credentials", nil)
	g := New(factoryFor(&fakeRunner{records: messages(1), err: boom}), WithObserver(obs))

	frames := drain(g.Run(context.Background(), models.SourceVoicemail, 5))
	require.Equal(t, []models.FrameKind{models.FrameStarted, models.FrameData, models.FrameError}, kinds(frames))
	assert.Equal(t, models.ErrCodeValidation, frames[2].Err.Code)
	assert.Equal(t, "missing portal credentials", frames[2].Err.Message)
	assert.False(t, g.Active())

	require.Len(t, obs.outcomes, 1)
	assert.Equal(t, StatusFailed, obs.outcomes[0].Status)
}

func TestFactoryError(t *testing.T) {
	g := New(func(models.Source, int) (Runner, error) {
		return nil, models.NewExtractError(models.ErrCodeValidation, "unknown source", nil)
	})
	frames := drain(g.Run(context.Background(), models.Source("x"), 5))
	require.Len(t, frames, 1)
	assert.Equal(t, models.FrameError, frames[0].Kind)
	assert.False(t, g.Active())
}

func TestSingleFlight(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := make(chan struct{})
	obs := &recordingObserver{}
	g := New(factoryFor(&fakeRunner{records: messages(2), gate: gate}), WithObserver(obs))

	var (
		wg    sync.WaitGroup
		first []models.Frame
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = drain(g.Run(context.Background(), models.SourceCallHistory, 10))
	}()
	require.Eventually(t, g.Active, time.Second, time.Millisecond)

	second := drain(g.Run(context.Background(), models.SourceVoicemail, 10))
	require.Len(t, second, 1)
	assert.Equal(t, models.FrameBusy, second[0].Kind)
	assert.Equal(t, models.BusyMessage, second[0].Err.Message)

	close(gate)
	wg.Wait()
	assert.Equal(t, models.FrameStarted, first[0].Kind)
	assert.Equal(t, models.FrameCompleted, first[len(first)-1].Kind)

	started := 0
	for _, f := range append(first, second...) {
		if f.Kind == models.FrameStarted {
			started++
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, obs.rejected)
	assert.Equal(t, 1, obs.started)
}

func TestEarlyStopReleasesSlot(t *testing.T) {
	defer goleak.VerifyNone(t)

	runner := &fakeRunner{records: messages(5)}
	obs := &recordingObserver{}
	g := New(factoryFor(runner), WithObserver(obs))

	n := 0
	for f := range g.Run(context.Background(), models.SourceChatSMS, 5) {
		if f.Kind == models.FrameData {
			n++
			break
		}
	}
	assert.Equal(t, 1, n)
	assert.False(t, g.Active())
	assert.True(t, runner.stopped)
	require.Len(t, obs.outcomes, 1)
	assert.Equal(t, StatusAbandoned, obs.outcomes[0].Status)

	// The slot is free again.
	frames := drain(g.Run(context.Background(), models.SourceChatSMS, 1))
	assert.Equal(t, models.FrameStarted, frames[0].Kind)
}

func TestPulledSequenceHoldsSlotUntilStopped(t *testing.T) {
	defer goleak.VerifyNone(t)

	g := New(factoryFor(&fakeRunner{records: messages(3)}))
	next, stop := iter.Pull(g.Run(context.Background(), models.SourceChatSMS, 3))

	f, ok := next()
	require.True(t, ok)
	assert.Equal(t, models.FrameStarted, f.Kind)
	assert.True(t, g.Active())

	busy := drain(g.Run(context.Background(), models.SourceChatSMS, 3))
	assert.Equal(t, []models.FrameKind{models.FrameBusy}, kinds(busy))

	stop()
	assert.False(t, g.Active())
}

func TestUniteratedSequenceHoldsNothing(t *testing.T) {
	g := New(factoryFor(&fakeRunner{records: messages(1)}))
	_ = g.Run(context.Background(), models.SourceChatSMS, 1)
	assert.False(t, g.Active())

	frames := drain(g.Run(context.Background(), models.SourceChatSMS, 1))
	assert.Equal(t, models.FrameStarted, frames[0].Kind)
}

type countingSlot struct {
	mu       sync.Mutex
	held     bool
	releases int
}

func (s *countingSlot) TryAcquire(int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held {
		return false
	}
	s.held = true
	return true
}

func (s *countingSlot) Release(int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = false
	s.releases++
}

func TestSlotReleasedExactlyOnce(t *testing.T) {
	tests := []struct {
		name   string
		runner *fakeRunner
		stopAt int
	}{
		{"completed", &fakeRunner{records: messages(2)}, -1},
		{"failed", &fakeRunner{err: errors.New("boom")}, -1},
		{"abandoned after started", &fakeRunner{records: messages(2)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slot := &countingSlot{}
			g := New(factoryFor(tt.runner), WithSlot(slot))
			i := 0
			for range g.Run(context.Background(), models.SourceChatSMS, 5) {
				if i == tt.stopAt {
					break
				}
				i++
			}
			assert.Equal(t, 1, slot.releases)
			assert.False(t, slot.held)
		})
	}
}

func TestCollect(t *testing.T) {
	g := New(factoryFor(&fakeRunner{records: messages(2)}))
	doc, err := Collect(models.SourceChatSMS, g.Run(context.Background(), models.SourceChatSMS, 10))
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Count)
	assert.Len(t, doc.Results, 2)
	assert.Equal(t, models.SourceChatSMS, doc.Source)
	assert.False(t, doc.ScrapedAt.IsZero())
}

func TestCollectBusyAndError(t *testing.T) {
	busy := func(yield func(models.Frame) bool) { yield(models.BusyFrame()) }
	_, err := Collect(models.SourceChatSMS, busy)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, models.ErrCodeBusy, models.CodeOf(err))

	failing := func(yield func(models.Frame) bool) {
		if !yield(models.StartedFrame(5)) {
			return
		}
		yield(models.ErrorFrame(models.NewExtractError(models.ErrCodeTimeout, "login did not complete", nil)))
	}
	_, err = Collect(models.SourceChatSMS, failing)
	assert.Equal(t, models.ErrCodeTimeout, models.CodeOf(err))
}

func TestCollectEmptyResultsIsArray(t *testing.T) {
	g := New(factoryFor(&fakeRunner{}))
	doc, err := Collect(models.SourceVoicemail, g.Run(context.Background(), models.SourceVoicemail, 0))
	require.NoError(t, err)
	assert.NotNil(t, doc.Results)
	assert.Zero(t, doc.Count)
}
