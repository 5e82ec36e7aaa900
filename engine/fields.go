package engine

import (
	"context"

	"github.com/use-agent/portalscrape/browser"
)

// rowReader reads fields relative to one row. The first failure sticks:
// later reads return nil and err reports it.
type rowReader struct {
	ctx context.Context
	s   *browser.Session
	row browser.Handle
	err error
}

func newRowReader(ctx context.Context, s *browser.Session, row browser.Handle) *rowReader {
	return &rowReader{ctx: ctx, s: s, row: row}
}

// text returns the trimmed text of the first selector that matches and has
// non-empty text, falling back to an empty match, or nil when none match.
func (r *rowReader) text(selectors ...string) *string {
	var fallback *string
	for _, sel := range selectors {
		if r.err != nil {
			return nil
		}
		h, found, err := r.s.Lookup(r.ctx, sel, &r.row)
		if err != nil {
			r.err = err
			return nil
		}
		if !found {
			continue
		}
		v := r.handleText(h)
		if v != nil && *v != "" {
			return v
		}
		if fallback == nil {
			fallback = v
		}
	}
	return fallback
}

// all returns every match of selector inside the row.
func (r *rowReader) all(selector string) []browser.Handle {
	if r.err != nil {
		return nil
	}
	hs, err := r.s.FindAll(r.ctx, selector, &r.row, 0)
	if err != nil {
		r.err = err
		return nil
	}
	return hs
}

// nth returns the text of hs[i], or nil when there is no such element.
func (r *rowReader) nth(hs []browser.Handle, i int) *string {
	if i >= len(hs) {
		return nil
	}
	return r.handleText(hs[i])
}

func (r *rowReader) handleText(h browser.Handle) *string {
	if r.err != nil {
		return nil
	}
	text, err := r.s.Text(r.ctx, h)
	if err != nil {
		r.err = err
		return nil
	}
	return &text
}

// download returns the href of the download link matching selector inside
// scope, or nil when the link is missing, disabled or has no href.
func (r *rowReader) download(scope browser.Handle, selector string) *string {
	if r.err != nil {
		return nil
	}
	link, found, err := r.s.Lookup(r.ctx, selector, &scope)
	if err != nil {
		r.err = err
		return nil
	}
	if !found {
		return nil
	}
	disabled, err := r.s.HasClass(r.ctx, link, "disabled")
	if err != nil {
		r.err = err
		return nil
	}
	if disabled {
		return nil
	}
	href, err := r.s.Attribute(r.ctx, link, "href")
	if err != nil {
		r.err = err
		return nil
	}
	if href == nil || *href == "" {
		return nil
	}
	return href
}
