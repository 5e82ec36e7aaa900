// Package static implements browser.Facade over saved HTML pages.
//
// A Portal is a set of pages keyed by absolute URL. Each Open hands out a
// tab that parses pages with goquery as it navigates; links, form submits
// and checkboxes behave like their browser counterparts closely enough to
// replay a portal's login and pagination flow without Chromium.
package static

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/use-agent/portalscrape/browser"
	"github.com/use-agent/portalscrape/models"
)

type page struct {
	html    string
	version int
}

// Portal is a browser.Provider serving fixed HTML. It is safe for
// concurrent use.
type Portal struct {
	mu          sync.Mutex
	pages       map[string]page
	cookies     []browser.Cookie
	failText    []string
	selectors   map[string]cascadia.Selector
	navigations []string
	opened      int
	closed      int
}

// New returns an empty portal.
func New() *Portal {
	return &Portal{
		pages:     make(map[string]page),
		selectors: make(map[string]cascadia.Selector),
	}
}

// Page registers html under rawURL, replacing any earlier version. Tabs that
// currently show rawURL pick up the new content on their next lookup, the
// way a client-side render would.
func (p *Portal) Page(rawURL, html string) *Portal {
	key := normalize(rawURL)
	p.mu.Lock()
	prev := p.pages[key]
	p.pages[key] = page{html: html, version: prev.version + 1}
	p.mu.Unlock()
	return p
}

// SetCookies sets the cookies every tab reports.
func (p *Portal) SetCookies(cookies ...browser.Cookie) *Portal {
	p.mu.Lock()
	p.cookies = append([]browser.Cookie(nil), cookies...)
	p.mu.Unlock()
	return p
}

// FailTextOn makes ReadText fail with a facade_error for every element
// matching selector.
func (p *Portal) FailTextOn(selector string) *Portal {
	p.mu.Lock()
	p.failText = append(p.failText, selector)
	p.mu.Unlock()
	return p
}

// Navigations returns every URL loaded so far, in order.
func (p *Portal) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

// Opened and Closed count tabs handed out and released.
func (p *Portal) Opened() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened
}

func (p *Portal) Closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Open implements browser.Provider.
func (p *Portal) Open(ctx context.Context) (browser.Facade, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.NewExtractError(models.ErrCodeTimeout, "browser session not opened", err)
	}
	p.mu.Lock()
	p.opened++
	p.mu.Unlock()
	return &tab{portal: p}, nil
}

// LoadDir builds a portal from the .html files under dir. A file's path
// relative to dir, without the extension, is appended to baseURL;
// index.html maps to its directory with a trailing slash.
func LoadDir(dir, baseURL string) (*Portal, error) {
	base := strings.TrimRight(baseURL, "/")
	p := New()
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".html" {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(strings.TrimSuffix(rel, ".html"))
		switch {
		case rel == "index":
			rel = ""
		case strings.HasSuffix(rel, "/index"):
			rel = strings.TrimSuffix(rel, "index")
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		p.Page(base+"/"+rel, string(body))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading pages from %s: %w", dir, err)
	}
	return p, nil
}

func (p *Portal) compile(selector string) (cascadia.Selector, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sel, ok := p.selectors[selector]; ok {
		return sel, nil
	}
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, models.NewExtractError(models.ErrCodeFacade, "invalid selector "+selector, err)
	}
	p.selectors[selector] = sel
	return sel, nil
}

func (p *Portal) lookup(key string) (page, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pg, ok := p.pages[key]
	if !ok && strings.HasSuffix(key, "/") {
		pg, ok = p.pages[strings.TrimSuffix(key, "/")]
	} else if !ok {
		pg, ok = p.pages[key+"/"]
	}
	return pg, ok
}

func normalize(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Fragment = ""
	return u.String()
}

// tab is one open static browser tab.
type tab struct {
	portal  *Portal
	current *url.URL
	key     string
	version int
	loads   int
	doc     *goquery.Document
	closed  bool
	mu      sync.Mutex
}

func (t *tab) Navigate(ctx context.Context, rawURL string, _ time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.navigateLocked(ctx, rawURL)
}

func (t *tab) navigateLocked(ctx context.Context, rawURL string) error {
	if err := t.usable(ctx); err != nil {
		return err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return models.NewExtractError(models.ErrCodeValidation, "invalid url "+rawURL, err)
	}
	if t.current != nil {
		u = t.current.ResolveReference(u)
	}
	u.Fragment = ""
	key := u.String()

	t.portal.mu.Lock()
	t.portal.navigations = append(t.portal.navigations, key)
	t.portal.mu.Unlock()

	pg, ok := t.portal.lookup(key)
	if !ok {
		return models.NewExtractError(models.ErrCodeNetwork, "no page at "+key, nil)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pg.html))
	if err != nil {
		return models.NewExtractError(models.ErrCodeFacade, "parsing "+key, err)
	}
	t.current, t.key, t.version, t.doc = u, key, pg.version, doc
	t.loads++
	return nil
}

// refreshLocked reparses the current page when it was replaced since load.
func (t *tab) refreshLocked() {
	if t.doc == nil {
		return
	}
	pg, ok := t.portal.lookup(t.key)
	if !ok || pg.version == t.version {
		return
	}
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(pg.html)); err == nil {
		t.doc, t.version = doc, pg.version
	}
}

func (t *tab) usable(ctx context.Context) error {
	if t.closed {
		return models.NewExtractError(models.ErrCodeFacade, "tab is closed", nil)
	}
	if err := ctx.Err(); err != nil {
		return models.NewExtractError(models.ErrCodeTimeout, "request canceled", err)
	}
	return nil
}

func (t *tab) find(ctx context.Context, selector string, scope browser.Element) (*goquery.Selection, error) {
	if err := t.usable(ctx); err != nil {
		return nil, err
	}
	sel, err := t.portal.compile(selector)
	if err != nil {
		return nil, err
	}
	if scope != nil {
		parent, err := asSelection(scope)
		if err != nil {
			return nil, err
		}
		return parent.FindMatcher(sel), nil
	}
	t.refreshLocked()
	if t.doc == nil {
		return nil, models.NewExtractError(models.ErrCodeFacade, "no page loaded", nil)
	}
	return t.doc.FindMatcher(sel), nil
}

// FindOne never waits: static pages are fully rendered on load.
func (t *tab) FindOne(ctx context.Context, selector string, scope browser.Element, _ time.Duration) (browser.Element, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	matches, err := t.find(ctx, selector, scope)
	if err != nil {
		return nil, err
	}
	if matches.Length() == 0 {
		return nil, models.NewExtractError(models.ErrCodeElementNotFound, "no element matches "+selector, nil)
	}
	return matches.First(), nil
}

func (t *tab) FindMany(ctx context.Context, selector string, scope browser.Element, _ time.Duration) ([]browser.Element, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	matches, err := t.find(ctx, selector, scope)
	if err != nil {
		return nil, err
	}
	out := make([]browser.Element, 0, matches.Length())
	matches.Each(func(_ int, s *goquery.Selection) {
		out = append(out, s)
	})
	return out, nil
}

func (t *tab) ReadAttribute(ctx context.Context, el browser.Element, name string) (*string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(ctx); err != nil {
		return nil, err
	}
	s, err := asSelection(el)
	if err != nil {
		return nil, err
	}
	v, ok := s.Attr(name)
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (t *tab) ReadText(ctx context.Context, el browser.Element) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(ctx); err != nil {
		return "", err
	}
	s, err := asSelection(el)
	if err != nil {
		return "", err
	}

	t.portal.mu.Lock()
	failing := append([]string(nil), t.portal.failText...)
	t.portal.mu.Unlock()
	for _, selector := range failing {
		sel, err := t.portal.compile(selector)
		if err != nil {
			return "", err
		}
		if s.IsMatcher(sel) {
			return "", models.NewExtractError(models.ErrCodeFacade, "text of "+selector+" is unreadable", nil)
		}
	}
	return s.Text(), nil
}

func (t *tab) TypeInto(ctx context.Context, el browser.Element, text string, clear bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(ctx); err != nil {
		return err
	}
	s, err := asSelection(el)
	if err != nil {
		return err
	}
	if !clear {
		text = s.AttrOr("value", "") + text
	}
	s.SetAttr("value", text)
	return nil
}

func (t *tab) Click(ctx context.Context, el browser.Element) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(ctx); err != nil {
		return err
	}
	s, err := asSelection(el)
	if err != nil {
		return err
	}

	switch {
	case s.Is("a[href]"):
		href := s.AttrOr("href", "")
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return nil
		}
		return t.navigateLocked(ctx, href)
	case s.Is(`input[type="checkbox"]`):
		if _, checked := s.Attr("checked"); checked {
			s.RemoveAttr("checked")
		} else {
			s.SetAttr("checked", "checked")
		}
		return nil
	case s.Is(`input[type="submit"], button[type="submit"], form button:not([type])`):
		form := s.Closest("form")
		if form.Length() == 0 {
			return nil
		}
		action := form.AttrOr("action", "")
		if action == "" {
			action = t.current.String()
		}
		return t.navigateLocked(ctx, action)
	default:
		return nil
	}
}

// ExpectNavigation succeeds once the tab has loaded a document since it was
// armed. Static clicks navigate synchronously, so the wait never blocks.
func (t *tab) ExpectNavigation(ctx context.Context, timeout time.Duration) func() error {
	t.mu.Lock()
	armed := t.loads
	t.mu.Unlock()
	return func() error {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.loads > armed {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return models.NewExtractError(models.ErrCodeTimeout, "navigation canceled", err)
		}
		return models.NewExtractError(models.ErrCodeTimeout,
			fmt.Sprintf("page did not navigate within %s", timeout), nil)
	}
}

func (t *tab) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(ctx); err != nil {
		return nil, err
	}
	t.portal.mu.Lock()
	defer t.portal.mu.Unlock()
	return append([]browser.Cookie(nil), t.portal.cookies...), nil
}

func (t *tab) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.doc = nil
	t.portal.mu.Lock()
	t.portal.closed++
	t.portal.mu.Unlock()
	return nil
}

func asSelection(el browser.Element) (*goquery.Selection, error) {
	s, ok := el.(*goquery.Selection)
	if !ok || s == nil || s.Length() == 0 {
		return nil, models.NewExtractError(models.ErrCodeFacade,
			fmt.Sprintf("element of type %T does not belong to this tab", el), nil)
	}
	return s, nil
}
