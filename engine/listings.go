package engine

import (
	"context"
	"time"

	"github.com/use-agent/portalscrape/browser"
	"github.com/use-agent/portalscrape/models"
)

const (
	navbarMarker   = "#navbar-mobile"
	listingRows    = "table tbody tr"
	voicemailsPath = "/portal/voicemails"
	messagesPath   = "/portal/messages"
)

// openListing logs in and navigates to a single-page listing.
func openListing(ctx context.Context, s *browser.Session, p Portal, path string) error {
	if err := portalLogin(ctx, s, p, navbarMarker, 10*time.Second); err != nil {
		return err
	}
	return s.Navigate(ctx, p.URL(path), p.NavigationTimeout)
}

// Voicemail extracts the voicemail listing. Record rows have exactly six
// cells: player, number, name, date, duration, actions.
type Voicemail struct{}

func (Voicemail) Source() models.Source { return models.SourceVoicemail }

func (Voicemail) Authenticate(ctx context.Context, s *browser.Session, p Portal) error {
	return openListing(ctx, s, p, voicemailsPath)
}

func (Voicemail) Configure(context.Context, *browser.Session) error { return nil }

func (Voicemail) Rows() RowPlan {
	return RowPlan{Selector: listingRows, Wait: 15 * time.Second}
}

func (Voicemail) ExtractRow(ctx context.Context, s *browser.Session, row browser.Handle) (Row, error) {
	r := newRowReader(ctx, s, row)
	cells := r.all("td")
	if r.err != nil {
		return Row{}, r.err
	}
	if len(cells) != 6 {
		return Row{}, ErrRowShape
	}

	rec := &models.VoicemailRecord{
		Number:   r.handleText(cells[1]),
		Name:     r.handleText(cells[2]),
		Date:     r.handleText(cells[3]),
		Duration: r.handleText(cells[4]),
	}
	href := r.download(cells[5], ".download-audio")
	if r.err != nil {
		return Row{}, r.err
	}
	return Row{Record: rec, Audio: &rec.Audio, Href: href}, nil
}

func (Voicemail) NextControl() string { return "" }

// ChatSMS extracts the message listing. Record rows have at least five
// cells; number, message and time are cells 1, 3 and 4.
type ChatSMS struct{}

func (ChatSMS) Source() models.Source { return models.SourceChatSMS }

func (ChatSMS) Authenticate(ctx context.Context, s *browser.Session, p Portal) error {
	return openListing(ctx, s, p, messagesPath)
}

func (ChatSMS) Configure(context.Context, *browser.Session) error { return nil }

func (ChatSMS) Rows() RowPlan {
	return RowPlan{Selector: listingRows, Wait: 15 * time.Second}
}

func (ChatSMS) ExtractRow(ctx context.Context, s *browser.Session, row browser.Handle) (Row, error) {
	r := newRowReader(ctx, s, row)
	cells := r.all("td")
	if r.err != nil {
		return Row{}, r.err
	}
	if len(cells) < 5 {
		return Row{}, ErrRowShape
	}

	rec := &models.MessageRecord{
		Number:  r.handleText(cells[1]),
		Message: r.handleText(cells[3]),
		Time:    r.handleText(cells[4]),
	}
	if r.err != nil {
		return Row{}, r.err
	}
	if isBlank(rec.Number) && isBlank(rec.Message) {
		return Row{}, ErrRowEmpty
	}
	return Row{Record: rec}, nil
}

func (ChatSMS) NextControl() string { return "" }

func isBlank(s *string) bool { return s == nil || *s == "" }
