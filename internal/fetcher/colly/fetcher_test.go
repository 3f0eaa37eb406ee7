package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

func landingServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><title>Login Portal</title></head><body><p>Enter password</p></body></html>`))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/", http.StatusFound)
	})
	mux.HandleFunc("/feed.txt", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("a.example\nb.example\n"))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func closedURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL + "/"
	srv.Close()
	return u
}

func TestCrawlFallsBackToNextScheme(t *testing.T) {
	t.Parallel()

	srv := landingServer(t)
	f := New(Config{UserAgent: "fqdnintel-test", Timeout: 2 * time.Second}, nil, nil)
	f.urlsFor = func(string) []string { return []string{closedURL(t), srv.URL + "/"} }

	page, err := f.Crawl(context.Background(), "portal.example")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Equal(t, "Login Portal", page.Title)
	assert.Contains(t, page.ContentType, "text/html")
	assert.Contains(t, string(page.Body), "Enter password")
	assert.Equal(t, srv.URL+"/", page.URL)
}

func TestCrawlReturnsErrorStatusesAsPages(t *testing.T) {
	t.Parallel()

	srv := landingServer(t)
	f := New(Config{Timeout: 2 * time.Second}, nil, nil)
	f.urlsFor = func(string) []string { return []string{srv.URL + "/missing"} }

	page, err := f.Crawl(context.Background(), "gone.example")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, page.StatusCode)
}

func TestCrawlDoesNotFollowRedirectsUnlessEnabled(t *testing.T) {
	t.Parallel()

	srv := landingServer(t)
	f := New(Config{Timeout: 2 * time.Second}, nil, nil)
	f.urlsFor = func(string) []string { return []string{srv.URL + "/moved"} }
	page, err := f.Crawl(context.Background(), "moved.example")
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, page.StatusCode)

	follow := New(Config{Timeout: 2 * time.Second, FollowRedirects: true}, nil, nil)
	follow.urlsFor = f.urlsFor
	page, err = follow.Crawl(context.Background(), "moved.example")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Equal(t, "Login Portal", page.Title)
}

func TestCrawlAllAttemptsFailIsTransient(t *testing.T) {
	t.Parallel()

	f := New(Config{Timeout: time.Second}, nil, nil)
	f.urlsFor = func(string) []string { return []string{closedURL(t), closedURL(t)} }
	_, err := f.Crawl(context.Background(), "down.example")
	require.ErrorIs(t, err, intel.ErrTransient)
}

func TestDownload(t *testing.T) {
	t.Parallel()

	srv := landingServer(t)
	f := New(Config{Timeout: 2 * time.Second}, nil, nil)

	body, err := f.Download(context.Background(), srv.URL+"/feed.txt")
	require.NoError(t, err)
	assert.Equal(t, "a.example\nb.example\n", string(body))

	_, err = f.Download(context.Background(), srv.URL+"/broken")
	require.ErrorIs(t, err, intel.ErrTransient)
	assert.Contains(t, err.Error(), "500")
}

func TestLandingURLs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"https://a.example/", "http://a.example/"},
		New(Config{PreferHTTPS: true}, nil, nil).landingURLs("A.example."))
	assert.Equal(t, []string{"http://a.example/", "https://a.example/"},
		New(Config{}, nil, nil).landingURLs("a.example"))
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, nil)
	var page intel.Page
	var fetchErr error
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, &page, &fetchErr)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"text/plain"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	assert.Equal(t, http.StatusCreated, page.StatusCode)
	assert.Equal(t, "body", string(page.Body))
	assert.Equal(t, "text/plain", page.ContentType)

	hooks.onError(nil, errors.New("boom"))
	assert.EqualError(t, fetchErr, "boom")
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
