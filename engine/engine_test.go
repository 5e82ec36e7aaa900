package engine_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/use-agent/portalscrape/config"
	"github.com/use-agent/portalscrape/engine"
	"github.com/use-agent/portalscrape/models"
)

func TestCallHistoryEndToEnd(t *testing.T) {
	portal := newPortal().
		Page(base+"/portal/callhistory", callPage(callRows("1", "2"), nextDisabled))
	e := engine.New(portal, testConfig())

	run := newRun(t, e, models.SourceCallHistory, 2)
	recs, err := collect(t, run)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	first, ok := recs[0].(*models.CallRecord)
	require.True(t, ok)
	assert.Equal(t, "Caller 1", *first.From.Name)
	assert.Equal(t, "1001", *first.From.Number)
	assert.Equal(t, "2001", *first.To)
	assert.Equal(t, "3001", *first.DialedNumber)
	assert.Equal(t, "2024-05-01 10:00", *first.Date)
	assert.Equal(t, "0:41", *first.Duration)
	assert.Equal(t, "Orig: Bye", *first.ReleaseReason)
	assert.Equal(t, "4.4", *first.QoS.Inbound)
	assert.Equal(t, "4.1", *first.QoS.Outbound)
	assert.Nil(t, first.Audio.PortalURL)
	assert.Nil(t, first.Audio.CloudURL)

	raw, err := json.Marshal(recs[1])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"audio":{"portal_url":null,"cloud_url":null}`)

	sum := run.Summary()
	assert.Equal(t, "done", sum.State)
	assert.Equal(t, 2, sum.Emitted)
	assert.Equal(t, 1, portal.Opened())
	assert.Equal(t, 1, portal.Closed())
}

func TestCallHistoryMissingFieldsAreNull(t *testing.T) {
	row := `<tr><td class="from-field">5550100</td><td class="date-field">today</td></tr>`
	portal := newPortal().
		Page(base+"/portal/callhistory", callPage([]string{row}, ""))
	e := engine.New(portal, testConfig())

	recs, err := collect(t, newRun(t, e, models.SourceCallHistory, 10))
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec := recs[0].(*models.CallRecord)
	assert.Equal(t, "5550100", *rec.From.Number, "falls back to the bare cell")
	assert.Nil(t, rec.From.Name)
	assert.Nil(t, rec.ReleaseReason)
	assert.Nil(t, rec.QoS.Inbound)
	assert.Nil(t, rec.QoS.Outbound)
}

func TestLimitStopsEarly(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		want      int
		wantPage2 bool
		wantPage3 bool
	}{
		{"mid first page", 2, 2, false, false},
		{"exactly first page", 3, 3, false, false},
		{"mid second page", 5, 5, true, false},
		{"more than available", 50, 7, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			portal := newPortal().
				Page(base+"/portal/callhistory", callPage(callRows("1", "2", "3"), nextLink(2))).
				Page(base+"/portal/callhistory?page=2", callPage(callRows("4", "5", "6"), nextLink(3))).
				Page(base+"/portal/callhistory?page=3", callPage(callRows("7"), nextDisabled))
			e := engine.New(portal, testConfig())

			run := newRun(t, e, models.SourceCallHistory, tt.limit)
			recs, err := collect(t, run)
			require.NoError(t, err)
			assert.Len(t, recs, tt.want)
			assert.Equal(t, tt.want, run.Summary().Emitted)

			navs := portal.Navigations()
			assert.Equal(t, tt.wantPage2, contains(navs, base+"/portal/callhistory?page=2"))
			assert.Equal(t, tt.wantPage3, contains(navs, base+"/portal/callhistory?page=3"))
			assert.Equal(t, 1, portal.Closed())
		})
	}
}

func TestPaginationTerminates(t *testing.T) {
	tests := []struct {
		name string
		next string
	}{
		{"next absent", ""},
		{"next disabled", nextDisabled},
		{"next without link", `<li class="next">Next</li>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			portal := newPortal().
				Page(base+"/portal/callhistory", callPage(callRows("1", "2"), nextLink(2))).
				Page(base+"/portal/callhistory?page=2", callPage(callRows("3", "4"), tt.next))
			e := engine.New(portal, testConfig())

			run := newRun(t, e, models.SourceCallHistory, 100)
			recs, err := collect(t, run)
			require.NoError(t, err)
			assert.Len(t, recs, 4)
			assert.Equal(t, 2, run.Summary().Pages)
		})
	}
}

func TestPageVisitCap(t *testing.T) {
	// The next control never disables: page 1 links to itself.
	portal := newPortal().
		Page(base+"/portal/callhistory", callPage(callRows("1"), `<li class="next"><a href="/portal/callhistory">Next</a></li>`))
	cfg := testConfig()
	cfg.MaxPageVisits = 3
	e := engine.New(portal, cfg)

	run := newRun(t, e, models.SourceCallHistory, 100)
	recs, err := collect(t, run)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
	assert.Equal(t, 3, run.Summary().Pages)
}

func TestRowFaultIsolation(t *testing.T) {
	rows := []string{
		callRow("1", ""),
		`<tr><td class="from_name-field broken">Bad</td><td class="from-field">1</td></tr>`,
		callRow("3", ""),
		callRow("4", ""),
	}
	portal := newPortal().
		Page(base+"/portal/callhistory", callPage(rows, "")).
		FailTextOn(".broken")
	e := engine.New(portal, testConfig())

	run := newRun(t, e, models.SourceCallHistory, 50)
	recs, err := collect(t, run)
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	sum := run.Summary()
	assert.Equal(t, 1, sum.Skipped)
	require.Len(t, sum.RowErrors, 1)
	assert.Equal(t, 1, sum.RowErrors[0].Page)
	assert.Equal(t, 1, sum.RowErrors[0].Index)
	assert.Equal(t, models.ErrCodeFacade, sum.RowErrors[0].Code)
}

func TestRecheckAfterSlowRender(t *testing.T) {
	portal := newPortal().
		Page(base+"/portal/callhistory", callPage(nil, ""))
	pause := &pauseRecorder{hook: func() {
		// Rows render while the engine pauses.
		portal.Page(base+"/portal/callhistory", callPage(callRows("1", "2"), ""))
	}}
	e := engine.New(portal, testConfig(), engine.WithPause(pause.pause))

	recs, err := collect(t, newRun(t, e, models.SourceCallHistory, 50))
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Equal(t, 1, pause.calls)
}

func TestEmptyListingRechecksOnce(t *testing.T) {
	portal := newPortal().
		Page(base+"/portal/callhistory", callPage(nil, ""))
	pause := &pauseRecorder{}
	e := engine.New(portal, testConfig(), engine.WithPause(pause.pause))

	run := newRun(t, e, models.SourceCallHistory, 50)
	recs, err := collect(t, run)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, 1, pause.calls)
	assert.Equal(t, "done", run.Summary().State)
}

func TestMissingCredentialsIsFatal(t *testing.T) {
	portal := newPortal().
		Page(base+"/portal/callhistory", callPage(callRows("1"), ""))
	cfg := testConfig()
	cfg.Portal.Password = ""
	e := engine.New(portal, cfg)

	run := newRun(t, e, models.SourceVoicemail, 10)
	recs, err := collect(t, run)
	require.Error(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, models.ErrCodeValidation, models.CodeOf(err))
	assert.Empty(t, portal.Navigations(), "fails before any navigation")
	assert.Equal(t, "failed", run.Summary().State)
	assert.Equal(t, portal.Opened(), portal.Closed())
}

func TestLoginMarkerMissingIsFatal(t *testing.T) {
	portal := newPortal().
		Page(base+"/portal/home", `<p>wrong password</p>`)
	e := engine.New(portal, testConfig())

	_, err := collect(t, newRun(t, e, models.SourceChatSMS, 10))
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeTimeout, models.CodeOf(err))
	assert.Equal(t, 1, portal.Closed())
}

func TestExistingSessionSkipsLoginForm(t *testing.T) {
	portal := newPortal().
		Page(base+"/portal/login/", homeHTML).
		Page(base+"/portal/messages", listingPage(smsRow("5550100", "hello")))
	e := engine.New(portal, testConfig())

	recs, err := collect(t, newRun(t, e, models.SourceChatSMS, 10))
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.NotContains(t, portal.Navigations(), base+"/portal/home")
}

func TestLimitZeroOpensNothing(t *testing.T) {
	portal := newPortal()
	e := engine.New(portal, testConfig())

	run := newRun(t, e, models.SourceCallHistory, 0)
	recs, err := collect(t, run)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Zero(t, portal.Opened())
	assert.Equal(t, "done", run.Summary().State)
}

func TestConsumerStopClosesSession(t *testing.T) {
	portal := newPortal().
		Page(base+"/portal/callhistory", callPage(callRows("1", "2", "3"), ""))
	e := engine.New(portal, testConfig())
	run := newRun(t, e, models.SourceCallHistory, 50)

	n := 0
	for _, err := range run.Records(context.Background()) {
		require.NoError(t, err)
		n++
		break
	}
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, portal.Closed())
}

func TestCanceledContext(t *testing.T) {
	portal := newPortal()
	e := engine.New(portal, testConfig())
	run := newRun(t, e, models.SourceCallHistory, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var gotErr error
	for _, err := range run.Records(ctx) {
		gotErr = err
	}
	assert.Equal(t, models.ErrCodeTimeout, models.CodeOf(gotErr))
	assert.Equal(t, portal.Opened(), portal.Closed())
}

func TestRecordsIterateOnce(t *testing.T) {
	portal := newPortal().
		Page(base+"/portal/callhistory", callPage(callRows("1"), ""))
	e := engine.New(portal, testConfig())
	run := newRun(t, e, models.SourceCallHistory, 5)

	_, err := collect(t, run)
	require.NoError(t, err)
	_, err = collect(t, run)
	assert.Equal(t, models.ErrCodeValidation, models.CodeOf(err))
}

func TestUnknownSource(t *testing.T) {
	e := engine.New(newPortal(), testConfig())
	_, err := e.NewRun(models.Source("faxes"), 5)
	assert.Equal(t, models.ErrCodeValidation, models.CodeOf(err))
}

func TestAudioEnrichment(t *testing.T) {
	rows := []string{
		callRow("1", `<a class="download-audio" href="/portal/audio/1.mp3">dl</a>`),
		callRow("2", `<a class="download-audio disabled" href="/portal/audio/2.mp3">dl</a>`),
		callRow("3", `<a class="download-audio" href="https://cdn.portal.test/3.mp3">dl</a>`),
	}
	portal := newPortal().Page(base+"/portal/callhistory", callPage(rows, ""))

	t.Run("uploaded", func(t *testing.T) {
		enr := &stubEnricher{url: "https://res.cloudinary.test/calls/x.mp3"}
		e := engine.New(portal, testConfig(), engine.WithEnricher(enr))

		recs, err := collect(t, newRun(t, e, models.SourceCallHistory, 10))
		require.NoError(t, err)
		require.Len(t, recs, 3)

		first := recs[0].(*models.CallRecord)
		assert.Equal(t, base+"/portal/audio/1.mp3", *first.Audio.PortalURL)
		assert.Equal(t, "https://res.cloudinary.test/calls/x.mp3", *first.Audio.CloudURL)

		disabled := recs[1].(*models.CallRecord)
		assert.Nil(t, disabled.Audio.PortalURL)
		assert.Nil(t, disabled.Audio.CloudURL)

		assert.Equal(t, []string{base + "/portal/audio/1.mp3", "https://cdn.portal.test/3.mp3"}, enr.urls)
		require.Len(t, enr.cookies, 1)
		assert.Equal(t, "PHPSESSID", enr.cookies[0].Name)
	})

	t.Run("upload fails", func(t *testing.T) {
		enr := &stubEnricher{err: errors.New("quota exceeded")}
		e := engine.New(portal, testConfig(), engine.WithEnricher(enr))
		run := newRun(t, e, models.SourceCallHistory, 10)

		recs, err := collect(t, run)
		require.NoError(t, err)
		require.Len(t, recs, 3, "enrichment failures never drop rows")

		first := recs[0].(*models.CallRecord)
		assert.Equal(t, base+"/portal/audio/1.mp3", *first.Audio.PortalURL)
		assert.Nil(t, first.Audio.CloudURL)
		assert.Equal(t, 2, run.Summary().EnrichFailures)
	})

	t.Run("no enricher", func(t *testing.T) {
		e := engine.New(portal, testConfig())
		recs, err := collect(t, newRun(t, e, models.SourceCallHistory, 10))
		require.NoError(t, err)
		first := recs[0].(*models.CallRecord)
		assert.NotNil(t, first.Audio.PortalURL)
		assert.Nil(t, first.Audio.CloudURL)
	})
}

func TestVoicemailShapeGuard(t *testing.T) {
	page := listingPage(
		vmRow("5550101", "Alice", `<a class="download-audio" href="/portal/vm/1.wav">dl</a>`),
		`<tr><td colspan="5">No more voicemails</td></tr>`,
		`<tr><td></td><td>5550102</td><td>Bob</td><td>2024</td><td>0:10</td></tr>`,
		vmRow("5550103", "Carol", ""),
	)
	portal := newPortal().Page(base+"/portal/voicemails", page)
	e := engine.New(portal, testConfig())
	run := newRun(t, e, models.SourceVoicemail, 10)

	recs, err := collect(t, run)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	alice := recs[0].(*models.VoicemailRecord)
	assert.Equal(t, "5550101", *alice.Number)
	assert.Equal(t, "Alice", *alice.Name)
	assert.Equal(t, "2024-05-01", *alice.Date)
	assert.Equal(t, "0:30", *alice.Duration)
	assert.Equal(t, base+"/portal/vm/1.wav", *alice.Audio.PortalURL)

	carol := recs[1].(*models.VoicemailRecord)
	assert.Equal(t, "Carol", *carol.Name)
	assert.Nil(t, carol.Audio.PortalURL)

	sum := run.Summary()
	assert.Equal(t, 2, sum.Skipped)
	assert.Empty(t, sum.RowErrors, "shape mismatches are not errors")
}

func TestChatSMSSkipsEmptyRows(t *testing.T) {
	page := listingPage(
		smsRow("5550100", "hello"),
		smsRow("", ""),
		smsRow("", "from nobody"),
		`<tr><td>1</td><td>2</td></tr>`,
		smsRow("5550101", ""),
	)
	portal := newPortal().Page(base+"/portal/messages", page)
	e := engine.New(portal, testConfig())

	recs, err := collect(t, newRun(t, e, models.SourceChatSMS, 10))
	require.NoError(t, err)
	require.Len(t, recs, 3)

	first := recs[0].(*models.MessageRecord)
	assert.Equal(t, "5550100", *first.Number)
	assert.Equal(t, "hello", *first.Message)
	assert.Equal(t, "09:15", *first.Time)
	assert.Equal(t, "from nobody", *recs[1].(*models.MessageRecord).Message)
}

func TestChatSMSLimit(t *testing.T) {
	portal := newPortal().Page(base+"/portal/messages", listingPage(
		smsRow("1", "a"), smsRow("2", "b"), smsRow("3", "c"),
	))
	e := engine.New(portal, testConfig())

	recs, err := collect(t, newRun(t, e, models.SourceChatSMS, 2))
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestCallHistoryNavigationFlow(t *testing.T) {
	portal := newPortal().
		Page(base+"/portal/callhistory", callPage(callRows("1"), ""))
	e := engine.New(portal, testConfig())
	_, err := collect(t, newRun(t, e, models.SourceCallHistory, 1))
	require.NoError(t, err)
	assert.Equal(t, []string{
		base + "/portal/login/",
		base + "/portal/home",
		base + "/portal/callhistory",
	}, portal.Navigations())
}

func TestMissingColumnSelectorIsTolerated(t *testing.T) {
	page := `<table id="call-history-table"><tbody>` + callRow("1", "") + `</tbody></table>`
	portal := newPortal().Page(base+"/portal/callhistory", page)
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	e := engine.New(portal, testConfig(), engine.WithLogger(logger))

	run := newRun(t, e, models.SourceCallHistory, 5)
	recs, err := collect(t, run)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	seen := map[string]bool{}
	for _, line := range bytes.Split(bytes.TrimSpace(logs.Bytes()), []byte("\n")) {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		msg, _ := entry["msg"].(string)
		if msg == "logging in" || msg == "column selector unavailable" {
			seen[msg] = true
			assert.Equal(t, run.ID(), entry["run_id"], msg)
			assert.Equal(t, string(models.SourceCallHistory), entry["source"], msg)
		}
	}
	assert.True(t, seen["logging in"])
	assert.True(t, seen["column selector unavailable"])
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func TestConfigFrom(t *testing.T) {
	cfg := engine.ConfigFrom(
		config.PortalConfig{BaseURL: base, Username: "u", Password: "p"},
		config.ExtractConfig{LoginTimeout: 3 * time.Second, NavigationTimeout: 4 * time.Second, RecheckPause: time.Second, MaxPageVisits: 7},
	)
	assert.Equal(t, base+"/portal/home", cfg.Portal.URL("/portal/home"))
	assert.Equal(t, "u", cfg.Portal.Username)
	assert.Equal(t, 3*time.Second, cfg.Portal.LoginTimeout)
	assert.Equal(t, 4*time.Second, cfg.Portal.NavigationTimeout)
	assert.Equal(t, 7, cfg.MaxPageVisits)
}
