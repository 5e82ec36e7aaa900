package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/use-agent/portalscrape/models"
)

// Session drives one Facade on behalf of one extraction run and owns the
// handle cache for it. Handles from one Session mean nothing to another.
type Session struct {
	facade  Facade
	handles *HandleCache
	log     *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewSession wraps f. A nil logger falls back to slog.Default().
func NewSession(f Facade, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{facade: f, handles: NewHandleCache(), log: log}
}

// Logger is the run-scoped logger the session was created with.
func (s *Session) Logger() *slog.Logger { return s.log }

// Handles exposes the session's cache, mostly for diagnostics and tests.
func (s *Session) Handles() *HandleCache { return s.handles }

// Navigate invalidates every outstanding handle and loads url.
func (s *Session) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	s.Invalidate()
	start := time.Now()
	if err := s.facade.Navigate(ctx, url, timeout); err != nil {
		s.log.Error("navigation failed", "url", url, "elapsed", time.Since(start), "error", err)
		return err
	}
	s.log.Info("navigated", "url", url, "elapsed", time.Since(start))
	return nil
}

// Invalidate drops every handle issued so far.
func (s *Session) Invalidate() {
	if n := s.handles.Clear(); n > 0 {
		s.log.Debug("cleared cached elements", "count", n)
	}
}

// Find returns a handle for the first match of selector, optionally scoped
// to the descendants of scope. Nothing matching before timeout is an
// element_not_found error.
func (s *Session) Find(ctx context.Context, selector string, scope *Handle, timeout time.Duration) (Handle, error) {
	parent, err := s.resolveScope(scope)
	if err != nil {
		return Handle{}, err
	}
	el, err := s.facade.FindOne(ctx, selector, parent, timeout)
	if err != nil {
		return Handle{}, err
	}
	h, ok := s.handles.Store(selector, el)
	if !ok {
		return Handle{}, models.NewExtractError(models.ErrCodeElementNotFound,
			fmt.Sprintf("no element for %q", selector), nil)
	}
	return h, nil
}

// Lookup is Find for optional elements: a missing element is (Handle{}, false, nil).
// Any other failure is returned as an error.
func (s *Session) Lookup(ctx context.Context, selector string, scope *Handle) (Handle, bool, error) {
	h, err := s.Find(ctx, selector, scope, 0)
	if err != nil {
		if models.IsCode(err, models.ErrCodeElementNotFound) {
			return Handle{}, false, nil
		}
		return Handle{}, false, err
	}
	return h, true, nil
}

// FindAll returns handles for every match in document order, waiting up to
// timeout for the first one to appear.
func (s *Session) FindAll(ctx context.Context, selector string, scope *Handle, timeout time.Duration) ([]Handle, error) {
	parent, err := s.resolveScope(scope)
	if err != nil {
		return nil, err
	}
	els, err := s.facade.FindMany(ctx, selector, parent, timeout)
	if err != nil {
		return nil, err
	}
	out := make([]Handle, 0, len(els))
	for _, el := range els {
		if h, ok := s.handles.Store(selector, el); ok {
			out = append(out, h)
		}
	}
	return out, nil
}

// Exists reports whether selector matches within timeout.
func (s *Session) Exists(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	_, err := s.Find(ctx, selector, nil, timeout)
	switch {
	case err == nil:
		return true, nil
	case models.IsCode(err, models.ErrCodeElementNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Text returns the element's trimmed text content.
func (s *Session) Text(ctx context.Context, h Handle) (string, error) {
	el, err := s.resolve(h)
	if err != nil {
		return "", err
	}
	text, err := s.facade.ReadText(ctx, el)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// Attribute returns the named attribute, or nil when it is absent.
func (s *Session) Attribute(ctx context.Context, h Handle, name string) (*string, error) {
	el, err := s.resolve(h)
	if err != nil {
		return nil, err
	}
	return s.facade.ReadAttribute(ctx, el, name)
}

// HasClass reports whether the element's class attribute contains class.
func (s *Session) HasClass(ctx context.Context, h Handle, class string) (bool, error) {
	cls, err := s.Attribute(ctx, h, "class")
	if err != nil || cls == nil {
		return false, err
	}
	for _, c := range strings.Fields(*cls) {
		if c == class {
			return true, nil
		}
	}
	return false, nil
}

// Fill clears the field and types text into it.
func (s *Session) Fill(ctx context.Context, h Handle, text string) error {
	el, err := s.resolve(h)
	if err != nil {
		return err
	}
	s.log.Debug("filling input", "selector", h.Selector, "length", len(text))
	return s.facade.TypeInto(ctx, el, text, true)
}

// Click clicks the element without touching the handle cache.
func (s *Session) Click(ctx context.Context, h Handle) error {
	el, err := s.resolve(h)
	if err != nil {
		return err
	}
	s.log.Debug("clicking", "selector", h.Selector)
	return s.facade.Click(ctx, el)
}

// Follow clicks an element that replaces the page content (a link, a
// pager control, a submit button), waits up to timeout for the new document
// and invalidates every handle issued before the click.
func (s *Session) Follow(ctx context.Context, h Handle, timeout time.Duration) error {
	el, err := s.resolve(h)
	if err != nil {
		return err
	}
	navCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wait := s.facade.ExpectNavigation(navCtx, timeout)
	s.log.Debug("following", "selector", h.Selector)
	err = s.facade.Click(navCtx, el)
	s.Invalidate()
	if err != nil {
		return err
	}
	start := time.Now()
	if err := wait(); err != nil {
		s.log.Error("navigation after click failed", "selector", h.Selector, "elapsed", time.Since(start), "error", err)
		return err
	}
	s.log.Info("navigated", "via", h.Selector, "elapsed", time.Since(start))
	return nil
}

// Cookies returns the browser's current cookies.
func (s *Session) Cookies(ctx context.Context) ([]Cookie, error) {
	return s.facade.Cookies(ctx)
}

// Close releases the underlying facade exactly once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.handles.Clear()
		s.closeErr = s.facade.Close()
		if s.closeErr != nil {
			s.log.Warn("closing browser session failed", "error", s.closeErr)
		} else {
			s.log.Debug("browser session closed")
		}
	})
	return s.closeErr
}

func (s *Session) resolve(h Handle) (Element, error) {
	el, ok := s.handles.Get(h.ID)
	if !ok {
		return nil, models.NewExtractError(models.ErrCodeElementNotFound,
			fmt.Sprintf("stale or unknown handle %s (%s)", h.ID, h.Selector), nil)
	}
	return el, nil
}

func (s *Session) resolveScope(scope *Handle) (Element, error) {
	if scope == nil {
		return nil, nil
	}
	return s.resolve(*scope)
}
