// Package engine extracts records from the portal.
//
// Every source runs the same state machine (authenticate, configure, then
// extract rows page by page) and differs only in its Variant: the selectors,
// the row layout and whether the listing paginates.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/use-agent/portalscrape/browser"
	"github.com/use-agent/portalscrape/config"
	"github.com/use-agent/portalscrape/models"
)

// Portal locates the portal and holds the account used to log in.
type Portal struct {
	BaseURL  string
	Username string
	Password string

	// LoginTimeout bounds the wait for the login form to appear.
	LoginTimeout time.Duration
	// NavigationTimeout bounds each navigation.
	NavigationTimeout time.Duration
}

// URL joins path onto the portal's base URL.
func (p Portal) URL(path string) string {
	return p.BaseURL + path
}

// RowPlan tells the engine how to find a page's rows.
type RowPlan struct {
	Selector string
	Wait     time.Duration
}

// Row is the outcome of extracting one row.
type Row struct {
	Record models.Record

	// Audio points into Record for sources with recordings.
	Audio *models.Audio
	// Href is the raw download link, nil when absent or disabled.
	Href *string
}

// Variant is one source's part of the extraction contract.
type Variant interface {
	Source() models.Source

	// Authenticate logs in if needed and lands on the listing.
	Authenticate(ctx context.Context, s *browser.Session, p Portal) error

	// Configure performs one-time view setup before the first page.
	Configure(ctx context.Context, s *browser.Session) error

	Rows() RowPlan

	// ExtractRow reads one row using row-scoped lookups. ErrRowShape and
	// ErrRowEmpty skip the row silently; any other error is logged.
	ExtractRow(ctx context.Context, s *browser.Session, row browser.Handle) (Row, error)

	// NextControl is the pagination control selector, or "" for
	// single-page listings.
	NextControl() string
}

// AudioEnricher turns a portal download link into a public URL.
type AudioEnricher interface {
	Enrich(ctx context.Context, cookies []browser.Cookie, rawURL string) (string, error)
}

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	Portal Portal

	// RowWait overrides every variant's own row wait when non-zero.
	RowWait time.Duration

	// RecheckPause is the single pause before rechecking an empty page.
	RecheckPause time.Duration // default: 5s

	// MaxPageVisits caps pagination.
	MaxPageVisits int // default: 200
}

// ConfigFrom maps the loaded environment configuration onto the engine.
func ConfigFrom(portal config.PortalConfig, ex config.ExtractConfig) Config {
	return Config{
		Portal: Portal{
			BaseURL:           portal.BaseURL,
			Username:          portal.Username,
			Password:          portal.Password,
			LoginTimeout:      ex.LoginTimeout,
			NavigationTimeout: ex.NavigationTimeout,
		},
		RowWait:       ex.RowWait,
		RecheckPause:  ex.RecheckPause,
		MaxPageVisits: ex.MaxPageVisits,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithEnricher enables audio enrichment.
func WithEnricher(e AudioEnricher) Option {
	return func(en *Engine) { en.enricher = e }
}

// WithVariant registers v, replacing the built-in variant for its source.
func WithVariant(v Variant) Option {
	return func(en *Engine) { en.variants[v.Source()] = v }
}

// WithPause replaces the recheck pause, mainly for tests.
func WithPause(pause func(ctx context.Context, d time.Duration) error) Option {
	return func(en *Engine) { en.pause = pause }
}

// WithLogger sets the base logger for runs.
func WithLogger(l *slog.Logger) Option {
	return func(en *Engine) { en.log = l }
}

// Engine creates runs. It holds no per-run state and is safe for
// concurrent use.
type Engine struct {
	provider browser.Provider
	variants map[models.Source]Variant
	enricher AudioEnricher
	cfg      Config
	pause    func(ctx context.Context, d time.Duration) error
	log      *slog.Logger
}

// New creates an engine with the three portal sources registered.
func New(provider browser.Provider, cfg Config, opts ...Option) *Engine {
	if cfg.RecheckPause <= 0 {
		cfg.RecheckPause = 5 * time.Second
	}
	if cfg.MaxPageVisits <= 0 {
		cfg.MaxPageVisits = 200
	}
	if cfg.Portal.LoginTimeout <= 0 {
		cfg.Portal.LoginTimeout = 10 * time.Second
	}
	if cfg.Portal.NavigationTimeout <= 0 {
		cfg.Portal.NavigationTimeout = 15 * time.Second
	}

	e := &Engine{
		provider: provider,
		variants: map[models.Source]Variant{
			models.SourceCallHistory: CallHistory{},
			models.SourceVoicemail:   Voicemail{},
			models.SourceChatSMS:     ChatSMS{},
		},
		cfg:   cfg,
		pause: sleepWithContext,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewRun prepares one extraction. Nothing touches the browser until the
// run's records are iterated.
func (e *Engine) NewRun(source models.Source, limit int) (*Run, error) {
	v, ok := e.variants[source]
	if !ok {
		return nil, models.NewExtractError(models.ErrCodeValidation, fmt.Sprintf("unknown source %q", source), nil)
	}
	return newRun(e, v, limit), nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
