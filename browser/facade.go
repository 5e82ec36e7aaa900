// Package browser is the boundary between the extraction engine and the
// browser that renders the portal.
//
// A Facade is one exclusively owned browser tab. A Session wraps a Facade with
// a HandleCache so callers refer to live elements by opaque Handle ids that
// are invalidated atomically whenever the tab navigates.
package browser

import (
	"context"
	"time"
)

// Element is a live node reference owned by a Facade. Only the Facade that
// produced an Element knows its concrete type.
type Element any

// Cookie is a browser cookie copied out for authenticated side requests.
type Cookie struct {
	Name   string
	Value  string
	Domain string
	Path   string
}

// Facade is the browser capability consumed by the engine.
//
// Every method is bounded by ctx, and the lookups additionally by their
// timeout. A timeout of zero means "check once, do not wait". Failures are
// *models.ExtractError values; a lookup never returns a wrong element.
type Facade interface {
	// Navigate loads url and waits up to verifyTimeout for the load event.
	Navigate(ctx context.Context, url string, verifyTimeout time.Duration) error

	// FindOne returns the first match, failing with element_not_found when
	// nothing matches before the timeout. A non-nil scope restricts the search
	// to its descendants.
	FindOne(ctx context.Context, selector string, scope Element, timeout time.Duration) (Element, error)

	// FindMany waits up to timeout for at least one match and returns all of
	// them in document order. Zero matches is an empty slice, not an error.
	FindMany(ctx context.Context, selector string, scope Element, timeout time.Duration) ([]Element, error)

	// ReadAttribute returns nil when the attribute is absent.
	ReadAttribute(ctx context.Context, el Element, name string) (*string, error)

	ReadText(ctx context.Context, el Element) (string, error)
	TypeInto(ctx context.Context, el Element, text string, clear bool) error
	Click(ctx context.Context, el Element) error

	// ExpectNavigation arms a waiter for the next document this tab loads.
	// Arm it before the action that navigates. The returned func blocks until
	// the new document's DOM is ready and fails with a timeout error when
	// nothing loads within timeout. Cancelling ctx releases an unused waiter.
	ExpectNavigation(ctx context.Context, timeout time.Duration) (wait func() error)

	// Cookies returns the cookies visible to the current page.
	Cookies(ctx context.Context) ([]Cookie, error)

	// Close releases the tab. It is safe to call more than once.
	Close() error
}

// Provider hands out exclusively owned facades.
type Provider interface {
	Open(ctx context.Context) (Facade, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context) (Facade, error)

func (f ProviderFunc) Open(ctx context.Context) (Facade, error) { return f(ctx) }
