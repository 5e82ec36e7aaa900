// Package guard runs at most one extraction at a time per process and turns
// a run's records into the outward frame sequence.
package guard

import (
	"context"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/use-agent/portalscrape/engine"
	"github.com/use-agent/portalscrape/models"
	"golang.org/x/sync/semaphore"
)

// Slot is the exclusive token guarding extraction. *semaphore.Weighted
// satisfies it.
type Slot interface {
	TryAcquire(n int64) bool
	Release(n int64)
}

// Runner is one prepared extraction.
type Runner interface {
	ID() string
	Records(ctx context.Context) iter.Seq2[models.Record, error]
	Summary() engine.Summary
}

// Factory prepares a Runner for a source.
type Factory func(source models.Source, limit int) (Runner, error)

// EngineFactory adapts an engine to a Factory.
func EngineFactory(e *engine.Engine) Factory {
	return func(source models.Source, limit int) (Runner, error) {
		return e.NewRun(source, limit)
	}
}

// Run statuses reported to observers.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
)

// Outcome describes a finished run.
type Outcome struct {
	RunID    string
	Source   models.Source
	Limit    int
	Emitted  int
	Status   string
	Err      error
	Summary  engine.Summary
	Duration time.Duration
}

// Observer is notified of run lifecycle events. Calls happen on the
// consumer's goroutine and must not block.
type Observer interface {
	RunStarted(source models.Source, limit int)
	RunRejected(source models.Source)
	RunFinished(o Outcome)
}

// Option configures a Guard.
type Option func(*Guard)

// WithSlot replaces the default single-weight semaphore.
func WithSlot(s Slot) Option {
	return func(g *Guard) { g.slot = s }
}

// WithObserver adds an observer.
func WithObserver(o Observer) Option {
	return func(g *Guard) { g.observers = append(g.observers, o) }
}

// Guard enforces single-flight extraction.
type Guard struct {
	slot      Slot
	factory   Factory
	observers []Observer
	active    atomic.Bool
}

// New creates a Guard that prepares runs with factory.
func New(factory Factory, opts ...Option) *Guard {
	g := &Guard{
		slot:    semaphore.NewWeighted(1),
		factory: factory,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Active reports whether a run currently holds the slot.
func (g *Guard) Active() bool { return g.active.Load() }

// Run returns the frame sequence for one extraction. The slot is tried when
// iteration starts, so a sequence that is never iterated holds nothing.
//
// Busy yields exactly one busy frame. Otherwise the sequence is started,
// one data frame per record, then completed or error. The slot is released
// when the sequence ends, including when the consumer stops early.
func (g *Guard) Run(ctx context.Context, source models.Source, limit int) iter.Seq[models.Frame] {
	return func(yield func(models.Frame) bool) {
		if !g.slot.TryAcquire(1) {
			slog.Info("extraction rejected, another run is active", "source", source)
			for _, o := range g.observers {
				o.RunRejected(source)
			}
			yield(models.BusyFrame())
			return
		}
		g.active.Store(true)
		defer func() {
			g.active.Store(false)
			g.slot.Release(1)
		}()

		start := time.Now()
		out := Outcome{Source: source, Limit: limit}
		finish := func(status string, err error, r Runner) {
			out.Status, out.Err, out.Duration = status, err, time.Since(start)
			if r != nil {
				out.RunID, out.Summary = r.ID(), r.Summary()
			}
			for _, o := range g.observers {
				o.RunFinished(out)
			}
		}

		for _, o := range g.observers {
			o.RunStarted(source, limit)
		}

		runner, err := g.factory(source, limit)
		if err != nil {
			finish(StatusFailed, err, nil)
			yield(models.ErrorFrame(err))
			return
		}
		if !yield(models.StartedFrame(limit)) {
			finish(StatusAbandoned, nil, runner)
			return
		}

		for rec, err := range runner.Records(ctx) {
			if err != nil {
				finish(StatusFailed, err, runner)
				yield(models.ErrorFrame(err))
				return
			}
			if out.Emitted >= limit {
				break
			}
			out.Emitted++
			if !yield(models.DataFrame(rec)) {
				finish(StatusAbandoned, nil, runner)
				return
			}
		}

		finish(StatusCompleted, nil, runner)
		yield(models.CompletedFrame(out.Emitted))
	}
}

// ErrBusy is returned by Collect when another run holds the slot.
var ErrBusy = models.NewExtractError(models.ErrCodeBusy, models.BusyMessage, nil)

// Collect drains frames into one aggregated document.
func Collect(source models.Source, frames iter.Seq[models.Frame]) (*models.Document, error) {
	doc := &models.Document{Source: source, Results: []models.Record{}}
	for f := range frames {
		switch f.Kind {
		case models.FrameBusy:
			return nil, ErrBusy
		case models.FrameError:
			return nil, frameError(f)
		case models.FrameData:
			doc.Results = append(doc.Results, f.Record)
		}
	}
	doc.ScrapedAt = time.Now().UTC()
	doc.Count = len(doc.Results)
	return doc, nil
}

func frameError(f models.Frame) error {
	if f.Err == nil {
		return models.NewExtractError(models.ErrCodeUnknown, "extraction failed", nil)
	}
	return models.NewExtractError(f.Err.Code, f.Err.Message, nil)
}
