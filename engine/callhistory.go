package engine

import (
	"context"
	"time"

	"github.com/use-agent/portalscrape/browser"
	"github.com/use-agent/portalscrape/models"
)

const (
	callHistoryLink   = "#LinkCallhistoryIndex"
	columnSelector    = "#table-column-selector-title"
	callHistoryTable  = "#call-history-table"
	callHistoryRows   = "#call-history-table tbody tr"
	callHistoryNext   = "li.next"
	callHistoryAudio  = "a.download-audio"
	callHistoryQoS    = "a.view-qos"
	callHistoryMarker = 15 * time.Second
)

// Extra columns the call history table hides by default.
var callHistoryColumns = []string{
	`input[data-table="callhistory"][value="qos"]`,
	`input[data-table="callhistory"][value="release_reason"]`,
}

// CallHistory extracts the paginated call log.
type CallHistory struct{}

func (CallHistory) Source() models.Source { return models.SourceCallHistory }

func (CallHistory) Authenticate(ctx context.Context, s *browser.Session, p Portal) error {
	if err := portalLogin(ctx, s, p, callHistoryLink, callHistoryMarker); err != nil {
		return err
	}
	link, err := s.Find(ctx, callHistoryLink, nil, 0)
	if err != nil {
		return err
	}
	return s.Follow(ctx, link, p.NavigationTimeout)
}

// Configure enables the qos and release reason columns. A column that
// cannot be enabled only leaves its fields null.
func (CallHistory) Configure(ctx context.Context, s *browser.Session) error {
	opener, err := s.Find(ctx, columnSelector, nil, 10*time.Second)
	if err != nil {
		return tolerate(ctx, s, "column selector unavailable", "error", err)
	}
	if err := s.Click(ctx, opener); err != nil {
		return tolerate(ctx, s, "opening column selector failed", "error", err)
	}

	for _, sel := range callHistoryColumns {
		box, found, err := s.Lookup(ctx, sel, nil)
		if err != nil || !found {
			if err := tolerate(ctx, s, "column toggle missing", "selector", sel, "error", err); err != nil {
				return err
			}
			continue
		}
		checked, err := s.Attribute(ctx, box, "checked")
		if err == nil && checked != nil {
			continue
		}
		if err := s.Click(ctx, box); err != nil {
			if err := tolerate(ctx, s, "enabling column failed", "selector", sel, "error", err); err != nil {
				return err
			}
		}
	}

	// Clicking the table closes the selector.
	table, err := s.Find(ctx, callHistoryTable, nil, 0)
	if err != nil {
		return tolerate(ctx, s, "call history table missing", "error", err)
	}
	if err := s.Click(ctx, table); err != nil {
		return tolerate(ctx, s, "closing column selector failed", "error", err)
	}
	return nil
}

func (CallHistory) Rows() RowPlan {
	return RowPlan{Selector: callHistoryRows, Wait: 20 * time.Second}
}

func (CallHistory) ExtractRow(ctx context.Context, s *browser.Session, row browser.Handle) (Row, error) {
	r := newRowReader(ctx, s, row)
	rec := &models.CallRecord{}

	rec.From.Name = r.text(".from_name-field")
	rec.From.Number = r.text(".from-field a", ".from-field")
	rec.To = r.text(".to-field")
	rec.DialedNumber = r.text(".dialed-field a", ".dialed-field")
	rec.Date = r.text(".date-field")
	rec.Duration = r.text(".duration-field")
	rec.ReleaseReason = r.text(".release_reason-field")

	qos := r.all(callHistoryQoS)
	rec.QoS.Inbound = r.nth(qos, 0)
	rec.QoS.Outbound = r.nth(qos, 1)

	href := r.download(row, callHistoryAudio)
	if r.err != nil {
		return Row{}, r.err
	}
	return Row{Record: rec, Audio: &rec.Audio, Href: href}, nil
}

func (CallHistory) NextControl() string { return callHistoryNext }

// tolerate logs a best-effort failure. Only cancellation is returned.
func tolerate(ctx context.Context, s *browser.Session, msg string, args ...any) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return models.NewExtractError(models.ErrCodeTimeout, "run canceled", ctxErr)
	}
	s.Logger().Warn(msg, args...)
	return nil
}
