package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/use-agent/portalscrape/config"
	"github.com/use-agent/portalscrape/models"
	"github.com/ysmood/gson"
)

// defaultNavigationWait bounds ExpectNavigation when the caller sets no timeout.
const defaultNavigationWait = 15 * time.Second

// RodProvider manages the browser process and a pool of reusable tabs.
// It is safe for concurrent use.
type RodProvider struct {
	browser     *rod.Browser
	pagePool    rod.Pool[rod.Page]
	cfg         config.BrowserConfig
	activePages atomic.Int32

	mu     sync.Mutex
	health map[*rod.Page]*pageHealth
}

// NewRodProvider launches a browser and initialises the page pool.
func NewRodProvider(cfg config.BrowserConfig) (*RodProvider, error) {
	l := launcher.New().
		Headless(cfg.Headless).
		NoSandbox(cfg.NoSandbox)

	if cfg.BrowserBin != "" {
		l = l.Bin(cfg.BrowserBin)
	}
	if cfg.DefaultProxy != "" {
		l = l.Proxy(cfg.DefaultProxy)
	}

	// ── Stealth flags ────────────────────────────────────────────────
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, models.NewExtractError(models.ErrCodeFacade, "failed to launch browser", err)
	}
	slog.Info("browser launched", "controlURL", controlURL)

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, models.NewExtractError(models.ErrCodeFacade, "failed to connect to browser", err)
	}

	slog.Info("page pool created", "maxPages", cfg.MaxPages)
	return &RodProvider{
		browser:  b,
		pagePool: rod.NewPagePool(cfg.MaxPages),
		cfg:      cfg,
		health:   make(map[*rod.Page]*pageHealth),
	}, nil
}

// Open borrows a tab from the pool. The returned facade must be closed to
// give the tab back.
func (p *RodProvider) Open(ctx context.Context) (Facade, error) {
	if err := ctx.Err(); err != nil {
		return nil, categorizeError(err, "browser session not opened")
	}
	page, err := p.pagePool.Get(p.newPage)
	if err != nil {
		return nil, models.NewExtractError(models.ErrCodeFacade, "failed to acquire page from pool", err)
	}
	p.activePages.Add(1)

	f := &rodFacade{page: page, provider: p}
	f.router = setupHijack(page, p.cfg.BlockedResourceTypes)
	return f, nil
}

// newPage creates a tab and applies the per-tab setup that survives reuse.
func (p *RodProvider) newPage() (*rod.Page, error) {
	page, err := p.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.health[page] = newPageHealth(time.Now())
	p.mu.Unlock()
	if p.cfg.Stealth {
		if _, evalErr := page.EvalOnNewDocument(stealth.JS); evalErr != nil {
			slog.Warn("stealth injection failed, proceeding without stealth", "error", evalErr)
		}
	}
	if len(p.cfg.ExtraHeaders) > 0 {
		_ = proto.NetworkSetExtraHTTPHeaders{
			Headers: toHeadersMap(p.cfg.ExtraHeaders),
		}.Call(page)
	}
	return page, nil
}

// release returns a tab to the pool, or closes it when its health says it
// should not be reused.
func (p *RodProvider) release(page *rod.Page, failed bool) {
	defer p.activePages.Add(-1)

	p.mu.Lock()
	h, ok := p.health[page]
	if !ok {
		h = newPageHealth(time.Now())
		p.health[page] = h
	}
	p.mu.Unlock()

	h.record(failed)
	if h.shouldRetire(time.Now()) {
		slog.Info("retiring browser tab", "failed", failed)
		p.mu.Lock()
		delete(p.health, page)
		p.mu.Unlock()
		_ = page.Close()
		// A nil slot makes the next Get create a fresh tab.
		p.pagePool.Put(nil)
		return
	}

	// about:blank uses the original page reference (without any request
	// context), so cleanup succeeds even if the run's context has expired.
	if err := page.Navigate("about:blank"); err != nil {
		slog.Warn("cleanup: failed to navigate to about:blank", "error", err)
	}
	p.pagePool.Put(page)
}

// Stats returns a snapshot of the pool's current state.
func (p *RodProvider) Stats() models.PoolStats {
	return models.PoolStats{
		MaxPages:    p.cfg.MaxPages,
		ActivePages: int(p.activePages.Load()),
	}
}

// Close drains the page pool and kills the browser process.
// Call this on graceful shutdown to prevent zombie Chrome processes.
func (p *RodProvider) Close() {
	slog.Info("browser shutting down: draining page pool")
	p.pagePool.Cleanup(func(pg *rod.Page) {
		_ = pg.Close()
	})
	if err := p.browser.Close(); err != nil {
		slog.Warn("browser close failed", "error", err)
	}
	slog.Info("browser shutdown complete")
}

// rodFacade is one pooled tab.
type rodFacade struct {
	page     *rod.Page
	provider *RodProvider
	router   *rod.HijackRouter
	once     sync.Once
	failed   atomic.Bool
}

// track marks the tab unhealthy on failures that are not about the
// portal's content.
func (f *rodFacade) track(err *models.ExtractError) error {
	if err.Code == models.ErrCodeFacade || err.Code == models.ErrCodeNetwork {
		f.failed.Store(true)
	}
	return err
}

func (f *rodFacade) Navigate(ctx context.Context, url string, verifyTimeout time.Duration) error {
	if verifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, verifyTimeout)
		defer cancel()
	}
	p := f.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return f.track(categorizeError(err, "navigation to "+url+" failed"))
	}
	if err := p.WaitLoad(); err != nil {
		return f.track(categorizeError(err, "page did not finish loading: "+url))
	}
	return nil
}

func (f *rodFacade) FindOne(ctx context.Context, selector string, scope Element, timeout time.Duration) (Element, error) {
	parent, err := asRodElement(scope)
	if err != nil {
		return nil, err
	}

	if timeout <= 0 {
		var (
			found bool
			el    *rod.Element
		)
		if parent != nil {
			found, el, err = parent.Context(ctx).Has(selector)
		} else {
			found, el, err = f.page.Context(ctx).Has(selector)
		}
		if err != nil {
			return nil, f.track(categorizeError(err, "lookup of "+selector+" failed"))
		}
		if !found {
			return nil, notFound(selector)
		}
		return el, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var el *rod.Element
	if parent != nil {
		el, err = parent.Context(lookupCtx).Element(selector)
	} else {
		el, err = f.page.Context(lookupCtx).Element(selector)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, notFound(selector)
		}
		return nil, f.track(categorizeError(err, "lookup of "+selector+" failed"))
	}
	return el, nil
}

func (f *rodFacade) FindMany(ctx context.Context, selector string, scope Element, timeout time.Duration) ([]Element, error) {
	if timeout > 0 {
		if _, err := f.FindOne(ctx, selector, scope, timeout); err != nil {
			if models.IsCode(err, models.ErrCodeElementNotFound) {
				return []Element{}, nil
			}
			return nil, err
		}
	}

	parent, err := asRodElement(scope)
	if err != nil {
		return nil, err
	}
	var els rod.Elements
	if parent != nil {
		els, err = parent.Context(ctx).Elements(selector)
	} else {
		els, err = f.page.Context(ctx).Elements(selector)
	}
	if err != nil {
		return nil, f.track(categorizeError(err, "lookup of "+selector+" failed"))
	}
	out := make([]Element, 0, len(els))
	for _, el := range els {
		out = append(out, el)
	}
	return out, nil
}

func (f *rodFacade) ReadAttribute(ctx context.Context, el Element, name string) (*string, error) {
	e, err := mustRodElement(el)
	if err != nil {
		return nil, err
	}
	v, err := e.Context(ctx).Attribute(name)
	if err != nil {
		return nil, f.track(categorizeError(err, "reading attribute "+name+" failed"))
	}
	return v, nil
}

func (f *rodFacade) ReadText(ctx context.Context, el Element) (string, error) {
	e, err := mustRodElement(el)
	if err != nil {
		return "", err
	}
	text, err := e.Context(ctx).Text()
	if err != nil {
		return "", f.track(categorizeError(err, "reading text failed"))
	}
	return text, nil
}

func (f *rodFacade) TypeInto(ctx context.Context, el Element, text string, clear bool) error {
	e, err := mustRodElement(el)
	if err != nil {
		return err
	}
	e = e.Context(ctx)
	if clear {
		if err := e.SelectAllText(); err != nil {
			return f.track(categorizeError(err, "selecting input text failed"))
		}
		if err := e.Input(""); err != nil {
			return f.track(categorizeError(err, "clearing input failed"))
		}
	}
	if err := e.Input(text); err != nil {
		return f.track(categorizeError(err, "typing into input failed"))
	}
	return nil
}

func (f *rodFacade) Click(ctx context.Context, el Element) error {
	e, err := mustRodElement(el)
	if err != nil {
		return err
	}
	if err := e.Context(ctx).Click(proto.InputMouseButtonLeft, 1); err != nil {
		return f.track(categorizeError(err, "click failed"))
	}
	return nil
}

func (f *rodFacade) ExpectNavigation(ctx context.Context, timeout time.Duration) func() error {
	if timeout <= 0 {
		timeout = defaultNavigationWait
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	wait := f.page.Context(navCtx).WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	return func() error {
		defer cancel()
		wait()
		// wait returns silently when navCtx ends, so only a live navCtx
		// means the event arrived.
		if err := navCtx.Err(); err != nil {
			if ctx.Err() != nil {
				return models.NewExtractError(models.ErrCodeTimeout, "navigation canceled", ctx.Err())
			}
			return models.NewExtractError(models.ErrCodeTimeout,
				fmt.Sprintf("page did not navigate within %s", timeout), err)
		}
		return nil
	}
}

func (f *rodFacade) Cookies(ctx context.Context) ([]Cookie, error) {
	cookies, err := f.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, f.track(categorizeError(err, "reading cookies failed"))
	}
	out := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
	}
	return out, nil
}

// Close stops request interception and hands the tab back to the provider.
func (f *rodFacade) Close() error {
	f.once.Do(func() {
		if f.router != nil {
			_ = f.router.Stop()
		}
		f.provider.release(f.page, f.failed.Load())
	})
	return nil
}

func asRodElement(el Element) (*rod.Element, error) {
	if el == nil {
		return nil, nil
	}
	return mustRodElement(el)
}

func mustRodElement(el Element) (*rod.Element, error) {
	e, ok := el.(*rod.Element)
	if !ok || e == nil {
		return nil, models.NewExtractError(models.ErrCodeFacade,
			fmt.Sprintf("element of type %T does not belong to this browser", el), nil)
	}
	return e, nil
}

func notFound(selector string) error {
	return models.NewExtractError(models.ErrCodeElementNotFound, "no element matches "+selector, nil)
}

// toHeadersMap converts a plain string map to the proto.NetworkHeaders type
// (map[string]gson.JSON) required by NetworkSetExtraHTTPHeaders.
func toHeadersMap(headers map[string]string) proto.NetworkHeaders {
	m := make(proto.NetworkHeaders, len(headers))
	for k, v := range headers {
		m[k] = gson.New(v)
	}
	return m
}

// categorizeError wraps raw browser errors into typed ExtractErrors.
func categorizeError(err error, msg string) *models.ExtractError {
	var notFoundErr *rod.ElementNotFoundError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewExtractError(models.ErrCodeTimeout, msg, err)
	case errors.Is(err, context.Canceled):
		return models.NewExtractError(models.ErrCodeTimeout, "request canceled", err)
	case errors.As(err, &notFoundErr):
		return models.NewExtractError(models.ErrCodeElementNotFound, msg, err)
	case isNavigationError(err):
		return models.NewExtractError(models.ErrCodeNetwork, msg, err)
	default:
		return models.NewExtractError(models.ErrCodeFacade, msg, err)
	}
}

func isNavigationError(err error) bool {
	var navErr *rod.NavigationError
	return errors.As(err, &navErr)
}
