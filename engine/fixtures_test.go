package engine_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/use-agent/portalscrape/browser"
	"github.com/use-agent/portalscrape/browser/static"
	"github.com/use-agent/portalscrape/engine"
	"github.com/use-agent/portalscrape/models"
)

const base = "http://portal.test"

const loginHTML = `<html><body>
<form action="/portal/home" method="post">
  <input id="LoginUsername" name="username">
  <input id="LoginPassword" name="password" type="password">
  <input type="submit" value="Log In">
</form>
</body></html>`

const homeHTML = `<html><body>
<nav id="navbar-mobile"></nav>
<a id="LinkCallhistoryIndex" href="/portal/callhistory">Call History</a>
</body></html>`

// callPage renders one call history page. next is the pager markup.
func callPage(rows []string, next string) string {
	return fmt.Sprintf(`<html><body>
<span id="table-column-selector-title">Columns</span>
<input type="checkbox" data-table="callhistory" value="qos">
<input type="checkbox" data-table="callhistory" value="release_reason">
<table id="call-history-table"><tbody>
%s
</tbody></table>
<ul class="pagination">%s</ul>
</body></html>`, strings.Join(rows, "\n"), next)
}

func nextLink(page int) string {
	return fmt.Sprintf(`<li class="next"><a href="/portal/callhistory?page=%d">Next</a></li>`, page)
}

const nextDisabled = `<li class="next disabled"><a href="#">Next</a></li>`

// callRow renders a complete row. extra is appended inside the last cell.
func callRow(id string, extra string) string {
	return fmt.Sprintf(`<tr>
  <td class="from_name-field">Caller %[1]s</td>
  <td class="from-field"><a href="#">100%[1]s</a></td>
  <td class="to-field">200%[1]s</td>
  <td class="dialed-field"><a href="#">300%[1]s</a></td>
  <td class="date-field">2024-05-0%[1]s 10:00</td>
  <td class="duration-field">0:4%[1]s</td>
  <td class="release_reason-field">Orig: Bye</td>
  <td><a class="view-qos">4.4</a><a class="view-qos">4.1</a>%[2]s</td>
</tr>`, id, extra)
}

func callRows(ids ...string) []string {
	rows := make([]string, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, callRow(id, ""))
	}
	return rows
}

func listingPage(rows ...string) string {
	return fmt.Sprintf(`<html><body><table><tbody>%s</tbody></table></body></html>`, strings.Join(rows, "\n"))
}

func vmRow(number, name string, actions string) string {
	return fmt.Sprintf(`<tr><td><audio></audio></td><td>%s</td><td>%s</td><td>2024-05-01</td><td>0:30</td><td>%s</td></tr>`,
		number, name, actions)
}

func smsRow(number, message string) string {
	return fmt.Sprintf(`<tr><td></td><td>%s</td><td>x</td><td>%s</td><td>09:15</td></tr>`, number, message)
}

// newPortal returns a portal with login and home pages.
func newPortal() *static.Portal {
	return static.New().
		Page(base+"/portal/login/", loginHTML).
		Page(base+"/portal/home", homeHTML).
		SetCookies(browser.Cookie{Name: "PHPSESSID", Value: "s3ss"})
}

func testConfig() engine.Config {
	return engine.Config{
		Portal: engine.Portal{
			BaseURL:  base,
			Username: "100@acme",
			Password: "secret",
		},
		RecheckPause: time.Millisecond,
	}
}

type pauseRecorder struct {
	calls int
	hook  func()
}

func (p *pauseRecorder) pause(ctx context.Context, _ time.Duration) error {
	p.calls++
	if p.hook != nil {
		p.hook()
	}
	return ctx.Err()
}

type stubEnricher struct {
	url     string
	err     error
	calls   int
	cookies []browser.Cookie
	urls    []string
}

func (s *stubEnricher) Enrich(_ context.Context, cookies []browser.Cookie, rawURL string) (string, error) {
	s.calls++
	s.cookies = cookies
	s.urls = append(s.urls, rawURL)
	return s.url, s.err
}

func collect(t *testing.T, run *engine.Run) ([]models.Record, error) {
	t.Helper()
	var recs []models.Record
	for rec, err := range run.Records(context.Background()) {
		if err != nil {
			return recs, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func newRun(t *testing.T, e *engine.Engine, src models.Source, limit int) *engine.Run {
	t.Helper()
	run, err := e.NewRun(src, limit)
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	return run
}
