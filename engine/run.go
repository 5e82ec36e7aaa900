package engine

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/use-agent/portalscrape/browser"
	"github.com/use-agent/portalscrape/models"
)

// State is a run's position in the extraction state machine.
type State int

const (
	StateInit State = iota
	StateAuthenticating
	StateConfiguring
	StatePageReady
	StateRowExtraction
	StatePaginating
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAuthenticating:
		return "authenticating"
	case StateConfiguring:
		return "configuring"
	case StatePageReady:
		return "page_ready"
	case StateRowExtraction:
		return "row_extraction"
	case StatePaginating:
		return "paginating"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrRowShape marks a row whose structure is not a record row.
	ErrRowShape = errors.New("row does not have the expected shape")
	// ErrRowEmpty marks a row with nothing worth emitting.
	ErrRowEmpty = errors.New("row is empty")
)

// RowError records a row that failed extraction and was skipped.
type RowError struct {
	Page    int    `json:"page"`
	Index   int    `json:"index"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Summary is a snapshot of a run's bookkeeping.
type Summary struct {
	RunID          string        `json:"run_id"`
	Source         models.Source `json:"source"`
	State          string        `json:"state"`
	Limit          int           `json:"limit"`
	Emitted        int           `json:"emitted"`
	Skipped        int           `json:"skipped"`
	Pages          int           `json:"pages"`
	RowErrors      []RowError    `json:"row_errors,omitempty"`
	EnrichFailures int           `json:"enrich_failures"`
}

// Run is one extraction. Its records may be iterated once.
type Run struct {
	id      string
	engine  *Engine
	variant Variant
	limit   int
	log     *slog.Logger
	claimed atomic.Bool

	mu             sync.Mutex
	state          State
	emitted        int
	skipped        int
	pages          int
	rowErrors      []RowError
	enrichFailures int
}

func newRun(e *Engine, v Variant, limit int) *Run {
	id := uuid.NewString()
	return &Run{
		id:      id,
		engine:  e,
		variant: v,
		limit:   limit,
		log:     e.log.With("run_id", id, "source", v.Source()),
	}
}

// ID returns the run's unique id.
func (r *Run) ID() string { return r.id }

// Source returns the source being extracted.
func (r *Run) Source() models.Source { return r.variant.Source() }

// State returns the current state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Summary returns a snapshot of the run's bookkeeping.
func (r *Run) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Summary{
		RunID:          r.id,
		Source:         r.variant.Source(),
		State:          r.state.String(),
		Limit:          r.limit,
		Emitted:        r.emitted,
		Skipped:        r.skipped,
		Pages:          r.pages,
		RowErrors:      append([]RowError(nil), r.rowErrors...),
		EnrichFailures: r.enrichFailures,
	}
}

// Records extracts lazily, yielding records in portal order. An error is
// yielded at most once and ends the sequence. The browser session is
// released on every exit path, including a consumer that stops early.
func (r *Run) Records(ctx context.Context) iter.Seq2[models.Record, error] {
	return func(yield func(models.Record, error) bool) {
		if !r.claimed.CompareAndSwap(false, true) {
			yield(nil, models.NewExtractError(models.ErrCodeValidation, "run records already consumed", nil))
			return
		}
		if err := r.extract(ctx, yield); err != nil {
			failedIn := r.State()
			r.setState(StateFailed)
			r.log.Error("extraction failed", "state", failedIn.String(), "error", err)
			yield(nil, err)
			return
		}
		r.setState(StateDone)
		r.log.Info("extraction finished", "emitted", r.Summary().Emitted)
	}
}

// extract drives the state machine. A nil return means Done, whether the
// listing ran out, the limit was hit or the consumer stopped.
func (r *Run) extract(ctx context.Context, yield func(models.Record, error) bool) error {
	if r.limit <= 0 {
		return nil
	}
	start := time.Now()

	f, err := r.engine.provider.Open(ctx)
	if err != nil {
		return err
	}
	s := browser.NewSession(f, r.log)
	defer s.Close()

	r.setState(StateAuthenticating)
	if err := r.variant.Authenticate(ctx, s, r.engine.cfg.Portal); err != nil {
		return err
	}
	r.log.Info("authenticated", "elapsed", time.Since(start))

	r.setState(StateConfiguring)
	if err := r.variant.Configure(ctx, s); err != nil {
		return err
	}

	for page := 1; ; page++ {
		r.setState(StatePageReady)
		rows, err := r.waitRows(ctx, s)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			r.log.Info("no rows on page, stopping", "page", page)
			return nil
		}
		r.mu.Lock()
		r.pages = page
		r.mu.Unlock()

		r.setState(StateRowExtraction)
		r.log.Info("processing rows", "page", page, "rows", len(rows))
		for i, h := range rows {
			if err := ctx.Err(); err != nil {
				return models.NewExtractError(models.ErrCodeTimeout, "run canceled", err)
			}
			rec, ok := r.extractRow(ctx, s, page, i, h)
			if !ok {
				continue
			}
			r.mu.Lock()
			r.emitted++
			reached := r.emitted >= r.limit
			r.mu.Unlock()

			if !yield(rec, nil) {
				r.log.Info("consumer stopped", "page", page)
				return nil
			}
			if reached {
				r.log.Info("limit reached", "limit", r.limit)
				return nil
			}
		}

		if page >= r.engine.cfg.MaxPageVisits {
			r.log.Warn("page visit cap reached", "pages", page)
			return nil
		}
		r.setState(StatePaginating)
		more, err := r.nextPage(ctx, s)
		if err != nil || !more {
			return err
		}
	}
}

// waitRows waits for the page's rows, pausing and rechecking exactly once
// when none have rendered yet.
func (r *Run) waitRows(ctx context.Context, s *browser.Session) ([]browser.Handle, error) {
	plan := r.variant.Rows()
	wait := plan.Wait
	if r.engine.cfg.RowWait > 0 {
		wait = r.engine.cfg.RowWait
	}

	rows, err := s.FindAll(ctx, plan.Selector, nil, wait)
	if err != nil || len(rows) > 0 {
		return rows, err
	}

	r.log.Info("no rows found, waiting a bit more", "pause", r.engine.cfg.RecheckPause)
	if err := r.engine.pause(ctx, r.engine.cfg.RecheckPause); err != nil {
		return nil, models.NewExtractError(models.ErrCodeTimeout, "run canceled", err)
	}
	return s.FindAll(ctx, plan.Selector, nil, 0)
}

// extractRow isolates one row: every failure is contained here.
func (r *Run) extractRow(ctx context.Context, s *browser.Session, page, index int, h browser.Handle) (models.Record, bool) {
	row, err := r.variant.ExtractRow(ctx, s, h)
	switch {
	case err == nil:
	case errors.Is(err, ErrRowShape), errors.Is(err, ErrRowEmpty):
		r.mu.Lock()
		r.skipped++
		r.mu.Unlock()
		r.log.Debug("row skipped", "page", page, "row", index, "reason", err)
		return nil, false
	default:
		ee := models.AsExtractError(err)
		r.mu.Lock()
		r.skipped++
		r.rowErrors = append(r.rowErrors, RowError{Page: page, Index: index, Code: ee.Code, Message: ee.Error()})
		r.mu.Unlock()
		r.log.Error("row skipped due to error", "page", page, "row", index, "error", err)
		return nil, false
	}

	if row.Audio != nil && row.Href != nil {
		portalURL := r.resolve(*row.Href)
		row.Audio.PortalURL = &portalURL
		if cloudURL, ok := r.enrich(ctx, s, portalURL); ok {
			row.Audio.CloudURL = &cloudURL
		}
	}
	return row.Record, true
}

func (r *Run) enrich(ctx context.Context, s *browser.Session, portalURL string) (string, bool) {
	if r.engine.enricher == nil {
		return "", false
	}
	cloudURL, err := r.enrichOnce(ctx, s, portalURL)
	if err != nil {
		r.mu.Lock()
		r.enrichFailures++
		r.mu.Unlock()
		r.log.Error("audio upload failed for row", "portal_url", portalURL, "error", err)
		return "", false
	}
	return cloudURL, true
}

func (r *Run) enrichOnce(ctx context.Context, s *browser.Session, portalURL string) (string, error) {
	cookies, err := s.Cookies(ctx)
	if err != nil {
		return "", err
	}
	return r.engine.enricher.Enrich(ctx, cookies, portalURL)
}

// resolve makes a download href absolute against the portal base URL.
func (r *Run) resolve(href string) string {
	base, err := url.Parse(r.engine.cfg.Portal.BaseURL + "/")
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

// nextPage follows the pagination control. false means the last page.
func (r *Run) nextPage(ctx context.Context, s *browser.Session) (bool, error) {
	selector := r.variant.NextControl()
	if selector == "" {
		return false, nil
	}

	next, found, err := s.Lookup(ctx, selector, nil)
	if err != nil {
		return false, err
	}
	if !found {
		r.log.Info("no pagination control, stopping")
		return false, nil
	}
	disabled, err := s.HasClass(ctx, next, "disabled")
	if err != nil {
		return false, err
	}
	if disabled {
		r.log.Info("reached last page")
		return false, nil
	}
	link, found, err := s.Lookup(ctx, "a", &next)
	if err != nil || !found {
		return false, err
	}
	if err := s.Follow(ctx, link, r.engine.cfg.Portal.NavigationTimeout); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}
