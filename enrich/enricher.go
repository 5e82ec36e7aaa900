// Package enrich turns a portal download link into a durable public URL:
// the file is fetched with the browser session's cookies and re-uploaded.
package enrich

import (
	"context"
	"log/slog"
	"time"

	"github.com/use-agent/portalscrape/browser"
	"github.com/use-agent/portalscrape/config"
	"github.com/use-agent/portalscrape/models"
)

// Downloader fetches a resource using a browser session's cookies.
type Downloader interface {
	Fetch(ctx context.Context, cookies []browser.Cookie, rawURL string) ([]byte, string, error)
}

// Uploader stores bytes and returns a public URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

// Enricher chains a Downloader and an Uploader.
type Enricher struct {
	downloader Downloader
	uploader   Uploader
}

// New returns an Enricher.
func New(d Downloader, u Uploader) *Enricher {
	return &Enricher{downloader: d, uploader: u}
}

// FromConfig builds the Cloudinary-backed enricher. It returns nil when
// upload credentials are incomplete, which leaves cloud URLs null.
func FromConfig(cfg config.EnrichConfig, proxy string) (*Enricher, error) {
	if !cfg.UploadEnabled() {
		return nil, nil
	}
	up, err := NewCloudinaryUploader(cfg.CloudName, cfg.APIKey, cfg.APISecret, cfg.Folder)
	if err != nil {
		return nil, err
	}
	f := NewFetcher(FetcherConfig{
		Timeout:     cfg.FetchTimeout,
		MaxBytes:    cfg.FetchMaxBytes,
		Fingerprint: cfg.Fingerprint,
		Proxy:       proxy,
	})
	return New(f, up), nil
}

// Enrich downloads rawURL and uploads it, returning the uploaded URL.
func (e *Enricher) Enrich(ctx context.Context, cookies []browser.Cookie, rawURL string) (string, error) {
	start := time.Now()
	data, contentType, err := e.downloader.Fetch(ctx, cookies, rawURL)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", models.NewExtractError(models.ErrCodeNetwork, "download of "+rawURL+" was empty", nil)
	}

	publicURL, err := e.uploader.Upload(ctx, data, contentType)
	if err != nil {
		return "", err
	}
	slog.Debug("audio enriched",
		"portal_url", rawURL,
		"bytes", len(data),
		"elapsed", time.Since(start),
	)
	return publicURL, nil
}
