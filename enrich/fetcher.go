package enrich

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	tls2 "github.com/refraction-networking/utls"
	"github.com/use-agent/portalscrape/browser"
	"github.com/use-agent/portalscrape/models"
	"golang.org/x/net/publicsuffix"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// FetcherConfig controls secondary downloads.
type FetcherConfig struct {
	Timeout     time.Duration // default: 60s
	MaxBytes    int64         // default: 50 MiB
	Fingerprint bool          // Chrome TLS fingerprint via utls
	Proxy       string
}

// Fetcher downloads resources with the cookies of a browser session.
// It is safe for concurrent use.
type Fetcher struct {
	transport *http.Transport
	timeout   time.Duration
	maxBytes  int64
}

// NewFetcher builds a fetcher. Zero values in cfg fall back to defaults.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 50 << 20
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     30 * time.Second,
	}
	if cfg.Fingerprint {
		transport.DialTLSContext = dialTLSChrome
	}
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err == nil && (proxyURL.Scheme == "http" || proxyURL.Scheme == "https") {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &Fetcher{transport: transport, timeout: cfg.Timeout, maxBytes: cfg.MaxBytes}
}

// Fetch GETs rawURL carrying cookies and returns the body and its content type.
func (f *Fetcher) Fetch(ctx context.Context, cookies []browser.Cookie, rawURL string) ([]byte, string, error) {
	target, err := url.Parse(rawURL)
	if err != nil || target.Host == "" {
		return nil, "", models.NewExtractError(models.ErrCodeValidation, "invalid download url "+rawURL, err)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, "", models.NewExtractError(models.ErrCodeUnknown, "cookie jar", err)
	}
	jar.SetCookies(target, toHTTPCookies(cookies))

	client := &http.Client{Transport: f.transport, Jar: jar, Timeout: f.timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", models.NewExtractError(models.ErrCodeValidation, "build download request", err)
	}
	req.Header.Set("User-Agent", chromeUA)
	req.Header.Set("Accept", "audio/*,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", categorizeFetchError(err, "download of "+rawURL+" failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, "", models.NewExtractError(models.ErrCodeNetwork,
			fmt.Sprintf("download returned HTTP %d for %s", resp.StatusCode, rawURL), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", categorizeFetchError(err, "reading download body")
	}
	if int64(len(body)) > f.maxBytes {
		return nil, "", models.NewExtractError(models.ErrCodeNetwork,
			fmt.Sprintf("download exceeds %d bytes", f.maxBytes), nil)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// Close drops idle connections.
func (f *Fetcher) Close() {
	f.transport.CloseIdleConnections()
}

// toHTTPCookies rescopes browser cookies to the download host: recordings
// may be served from a different host than the portal pages.
func toHTTPCookies(cookies []browser.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value, Path: "/"})
	}
	return out
}

func categorizeFetchError(err error, msg string) *models.ExtractError {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewExtractError(models.ErrCodeTimeout, msg, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return models.NewExtractError(models.ErrCodeTimeout, msg, err)
	default:
		return models.NewExtractError(models.ErrCodeNetwork, msg, err)
	}
}

// dialTLSChrome establishes a TLS connection with a Chrome ClientHello.
// ALPN is pinned to http/1.1 because the transport speaks HTTP/1 over
// connections it did not negotiate itself.
func dialTLSChrome(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 15 * time.Second}
	rawConn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	host, _, _ := net.SplitHostPort(addr)
	tlsConn := tls2.UClient(rawConn, &tls2.Config{ServerName: host}, tls2.HelloCustom)

	spec, err := tls2.UTLSIdToSpec(tls2.HelloChrome_Auto)
	if err != nil {
		rawConn.Close()
		return nil, err
	}
	for _, ext := range spec.Extensions {
		if alpn, ok := ext.(*tls2.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
		}
	}
	if err := tlsConn.ApplyPreset(&spec); err != nil {
		rawConn.Close()
		return nil, err
	}

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}
