package enrich

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/use-agent/portalscrape/browser"
	"github.com/use-agent/portalscrape/config"
	"github.com/use-agent/portalscrape/models"
)

func TestFetchForwardsSessionCookies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("PHPSESSID")
		if err != nil || c.Value != "abc" {
			http.Error(w, "no session", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3audio"))
	}))
	defer srv.Close()

	f := NewFetcher(FetcherConfig{Timeout: 5 * time.Second})
	defer f.Close()

	body, ct, err := f.Fetch(context.Background(), []browser.Cookie{{Name: "PHPSESSID", Value: "abc"}}, srv.URL+"/audio/1")
	require.NoError(t, err)
	assert.Equal(t, "ID3audio", string(body))
	assert.Equal(t, "audio/mpeg", ct)

	_, _, err = f.Fetch(context.Background(), nil, srv.URL+"/audio/1")
	assert.Equal(t, models.ErrCodeNetwork, models.CodeOf(err))
}

func TestFetchFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/big":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		case "/slow":
			time.Sleep(200 * time.Millisecond)
			_, _ = w.Write([]byte("late"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewFetcher(FetcherConfig{Timeout: 50 * time.Millisecond, MaxBytes: 16})
	defer f.Close()
	ctx := context.Background()

	tests := []struct {
		name string
		url  string
		code string
	}{
		{"not found", srv.URL + "/missing", models.ErrCodeNetwork},
		{"too large", srv.URL + "/big", models.ErrCodeNetwork},
		{"slow", srv.URL + "/slow", models.ErrCodeTimeout},
		{"relative url", "/audio/1", models.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.Fetch(ctx, nil, tt.url)
			require.Error(t, err)
			assert.Equal(t, tt.code, models.CodeOf(err))
		})
	}
}

func TestAudioFormat(t *testing.T) {
	tests := map[string]string{
		"audio/mpeg":               "mp3",
		"audio/wav":                "wav",
		"audio/x-wav; codecs=1":    "wav",
		"audio/ogg":                "ogg",
		"application/octet-stream": "mp3",
		"":                         "mp3",
	}
	for ct, want := range tests {
		assert.Equal(t, want, audioFormat(ct), ct)
	}
}

func TestCloudinaryUpload(t *testing.T) {
	var gotPath, gotType, gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotType = r.FormValue("resource_type")
		gotID = r.FormValue("public_id")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"public_id":"calls/x","secure_url":"https://res.cloudinary.test/calls/x.mp3"}`))
	}))
	defer srv.Close()

	u, err := NewCloudinaryUploader("demo", "key", "secret", "calls")
	require.NoError(t, err)
	u.cld.Upload.Config.API.UploadPrefix = srv.URL

	url, err := u.Upload(context.Background(), []byte("ID3audio"), "audio/mpeg")
	require.NoError(t, err)
	assert.Equal(t, "https://res.cloudinary.test/calls/x.mp3", url)
	assert.Contains(t, gotPath, "/demo/auto/upload")
	assert.Equal(t, "video", gotType)
	assert.True(t, strings.HasPrefix(gotID, "calls/"), gotID)
}

type stubDownloader struct {
	data []byte
	err  error
}

func (s stubDownloader) Fetch(context.Context, []browser.Cookie, string) ([]byte, string, error) {
	return s.data, "audio/mpeg", s.err
}

type stubUploader struct {
	url   string
	err   error
	calls int
}

func (s *stubUploader) Upload(context.Context, []byte, string) (string, error) {
	s.calls++
	return s.url, s.err
}

func TestEnricher(t *testing.T) {
	ctx := context.Background()

	up := &stubUploader{url: "https://cdn.test/a.mp3"}
	got, err := New(stubDownloader{data: []byte("a")}, up).Enrich(ctx, nil, "https://portal.test/a")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/a.mp3", got)

	up = &stubUploader{}
	_, err = New(stubDownloader{}, up).Enrich(ctx, nil, "https://portal.test/a")
	assert.Equal(t, models.ErrCodeNetwork, models.CodeOf(err))
	assert.Zero(t, up.calls, "empty downloads are not uploaded")

	up = &stubUploader{err: errors.New("quota")}
	_, err = New(stubDownloader{data: []byte("a")}, up).Enrich(ctx, nil, "https://portal.test/a")
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	e, err := FromConfig(config.EnrichConfig{CloudName: "demo"}, "")
	require.NoError(t, err)
	assert.Nil(t, e, "incomplete credentials disable enrichment")

	e, err = FromConfig(config.EnrichConfig{
		CloudName: "demo",
		APIKey:    "key",
		APISecret: "secret",
		Folder:    "calls",
	}, "")
	require.NoError(t, err)
	require.NotNil(t, e)
	up, ok := e.uploader.(*CloudinaryUploader)
	require.True(t, ok)
	assert.Equal(t, "calls", up.folder)
}
