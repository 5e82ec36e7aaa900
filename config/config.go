package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Browser   BrowserConfig
	Portal    PortalConfig
	Extract   ExtractConfig
	Enrich    EnrichConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
	Webhook   WebhookConfig
	Log       LogConfig
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string // default: "0.0.0.0"
	Port int    // default: 8080
	Mode string // "debug", "release", "test"; default: "release"
}

// BrowserConfig controls the Rod browser instance.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool // default: true

	// MaxPages is the page pool capacity. Only one run is active at a
	// time, so a small pool is enough.
	MaxPages int // default: 2

	// DefaultProxy is the proxy URL for all browser traffic.
	DefaultProxy string

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string

	// Stealth injects go-rod/stealth into every new tab.
	Stealth bool // default: true

	// BlockedResourceTypes lists resource types to block.
	// default: ["Image", "Font", "Media"]
	BlockedResourceTypes []string

	// ExtraHeaders are sent with every request the browser makes.
	ExtraHeaders map[string]string
}

// PortalConfig identifies the portal and the account used to log in.
type PortalConfig struct {
	BaseURL  string // default: "https://portal.mongotel.com"
	Username string
	Password string
}

// ExtractConfig bounds every wait the extraction engine performs.
type ExtractConfig struct {
	// NavigationTimeout is the max time for one navigation.
	NavigationTimeout time.Duration // default: 15s

	// LoginTimeout is how long to wait for the login form to appear.
	LoginTimeout time.Duration // default: 10s

	// RowWait overrides each source's own row wait when non-zero.
	RowWait time.Duration

	// RecheckPause is the single pause before re-checking an empty page.
	RecheckPause time.Duration // default: 5s

	// MaxPageVisits caps pagination for portals whose next control never
	// disables.
	MaxPageVisits int // default: 200

	// DefaultLimit is the record limit when a request gives none.
	DefaultLimit int // default: 50
}

// EnrichConfig controls audio download and upload.
type EnrichConfig struct {
	// FetchTimeout bounds one audio download.
	FetchTimeout time.Duration // default: 60s

	// FetchMaxBytes caps the size of a downloaded file.
	FetchMaxBytes int64 // default: 50 MiB

	// Fingerprint sends downloads with a Chrome TLS fingerprint.
	Fingerprint bool // default: true

	CloudName string
	APIKey    string
	APISecret string

	// Folder is the public id prefix for uploads.
	Folder string // default: "calls"
}

// UploadEnabled reports whether Cloudinary credentials are complete.
func (c EnrichConfig) UploadEnabled() bool {
	return c.CloudName != "" && c.APIKey != "" && c.APISecret != ""
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	// Enabled toggles API key authentication.
	Enabled bool // default: true

	// APIKeys is the list of valid API keys.
	APIKeys []string
}

// RateLimitConfig controls per-key rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per API key.
	RequestsPerSecond float64 // default: 1

	// Burst is the maximum burst size per API key.
	Burst int // default: 5
}

// CacheConfig controls the aggregated document cache.
type CacheConfig struct {
	// MaxEntries is the maximum number of cached documents.
	MaxEntries int // default: 100
}

// WebhookConfig controls run-finished notifications. An empty URL disables them.
type WebhookConfig struct {
	URL    string
	Secret string
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host: envOr("PORTAL_HOST", "0.0.0.0"),
			Port: envIntOr("PORTAL_PORT", 8080),
			Mode: envOr("PORTAL_MODE", "release"),
		},
		Browser: BrowserConfig{
			Headless:     envBoolOr("PORTAL_HEADLESS", true),
			MaxPages:     envIntOr("PORTAL_MAX_PAGES", 2),
			DefaultProxy: os.Getenv("PORTAL_PROXY"),
			NoSandbox:    envBoolOr("PORTAL_NO_SANDBOX", false),
			BrowserBin:   os.Getenv("PORTAL_BROWSER_BIN"),
			Stealth:      envBoolOr("PORTAL_STEALTH", true),
			BlockedResourceTypes: envSliceOr("PORTAL_BLOCKED_RESOURCES", []string{
				"Image", "Font", "Media",
			}),
			ExtraHeaders: map[string]string{
				"Accept-Language": envOr("PORTAL_ACCEPT_LANGUAGE", "en-US,en;q=0.9"),
			},
		},
		Portal: PortalConfig{
			BaseURL:  strings.TrimRight(envOr("PORTAL_BASE_URL", "https://portal.mongotel.com"), "/"),
			Username: os.Getenv("PORTAL_USERNAME"),
			Password: os.Getenv("PORTAL_PASSWORD"),
		},
		Extract: ExtractConfig{
			NavigationTimeout: envDurationOr("PORTAL_NAV_TIMEOUT", 15*time.Second),
			LoginTimeout:      envDurationOr("PORTAL_LOGIN_TIMEOUT", 10*time.Second),
			RowWait:           envDurationOr("PORTAL_ROW_WAIT", 0),
			RecheckPause:      envDurationOr("PORTAL_RECHECK_PAUSE", 5*time.Second),
			MaxPageVisits:     envIntOr("PORTAL_MAX_PAGE_VISITS", 200),
			DefaultLimit:      envIntOr("PORTAL_DEFAULT_LIMIT", 50),
		},
		Enrich: EnrichConfig{
			FetchTimeout:  envDurationOr("PORTAL_FETCH_TIMEOUT", 60*time.Second),
			FetchMaxBytes: int64(envIntOr("PORTAL_FETCH_MAX_BYTES", 50<<20)),
			Fingerprint:   envBoolOr("PORTAL_FETCH_FINGERPRINT", true),
			CloudName:     os.Getenv("CLOUDINARY_CLOUD_NAME"),
			APIKey:        os.Getenv("CLOUDINARY_API_KEY"),
			APISecret:     os.Getenv("CLOUDINARY_API_SECRET"),
			Folder:        envOr("CLOUDINARY_FOLDER", "calls"),
		},
		Auth: AuthConfig{
			Enabled: envBoolOr("PORTAL_AUTH_ENABLED", true),
			APIKeys: envSliceOr("PORTAL_API_KEYS", nil),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envFloatOr("PORTAL_RATE_RPS", 1.0),
			Burst:             envIntOr("PORTAL_RATE_BURST", 5),
		},
		Cache: CacheConfig{
			MaxEntries: envIntOr("PORTAL_CACHE_MAX_ENTRIES", 100),
		},
		Webhook: WebhookConfig{
			URL:    os.Getenv("PORTAL_WEBHOOK_URL"),
			Secret: os.Getenv("PORTAL_WEBHOOK_SECRET"),
		},
		Log: LogConfig{
			Level:  envOr("PORTAL_LOG_LEVEL", "info"),
			Format: envOr("PORTAL_LOG_FORMAT", "json"),
		},
	}
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
