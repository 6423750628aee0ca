package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortd/shortd/pkg/server"
	"github.com/shortd/shortd/pkg/shortener"
)

type fakeService struct {
	createFn func(ctx context.Context, rawURL, principal string) (string, error)
	resolve  map[string]shortener.Resolution

	lastPrincipal string
}

func (s *fakeService) CreateShort(ctx context.Context, rawURL, principal string) (string, error) {
	s.lastPrincipal = principal

	return s.createFn(ctx, rawURL, principal)
}

func (s *fakeService) Resolve(_ context.Context, hash string) (shortener.Resolution, error) {
	res, ok := s.resolve[hash]
	if !ok {
		return shortener.Resolution{}, shortener.ErrNotFound
	}

	return res, nil
}

func newTestServer(svc *fakeService) *httptest.Server {
	return httptest.NewServer(server.New(svc))
}

func TestCreateShortURL(t *testing.T) {
	t.Parallel()

	svc := &fakeService{
		createFn: func(_ context.Context, rawURL, _ string) (string, error) {
			assert.Equal(t, "https://example.com/a", rawURL)

			return "https://sho.rt/h1", nil
		},
	}

	ts := newTestServer(svc)
	defer ts.Close()

	req, err := http.NewRequestWithContext(context.Background(),
		http.MethodPost, ts.URL+"/url", strings.NewReader(`{"url":"https://example.com/a"}`))
	require.NoError(t, err)

	req.Header.Set("X-User-Id", "u1")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "u1", svc.lastPrincipal)

	var body struct {
		ShortURL string `json:"short_url"`
	}

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "https://sho.rt/h1", body.ShortURL)
}

func TestCreateShortURLErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "invalid url", err: shortener.ErrInvalidURL, wantStatus: http.StatusBadRequest},
		{name: "rate limited", err: shortener.ErrRateLimited, wantStatus: http.StatusTooManyRequests},
		{name: "unavailable", err: shortener.ErrUnavailable, wantStatus: http.StatusServiceUnavailable},
		{name: "internal", err: errors.New("boom"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := &fakeService{
				createFn: func(context.Context, string, string) (string, error) {
					return "", tt.err
				},
			}

			ts := newTestServer(svc)
			defer ts.Close()

			req, err := http.NewRequestWithContext(context.Background(),
				http.MethodPost, ts.URL+"/url", strings.NewReader(`{"url":"https://example.com/a"}`))
			require.NoError(t, err)

			resp, err := ts.Client().Do(req)
			require.NoError(t, err)

			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestCreateShortURLMalformedBody(t *testing.T) {
	t.Parallel()

	svc := &fakeService{
		createFn: func(context.Context, string, string) (string, error) {
			t.Fatal("the service must not be called")

			return "", nil
		},
	}

	ts := newTestServer(svc)
	defer ts.Close()

	req, err := http.NewRequestWithContext(context.Background(),
		http.MethodPost, ts.URL+"/url", strings.NewReader(`{"url":`))
	require.NoError(t, err)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRedirect(t *testing.T) {
	t.Parallel()

	svc := &fakeService{
		resolve: map[string]shortener.Resolution{
			"h1": {URL: "https://example.com/a", FromCache: true},
			"h2": {URL: "https://example.com/b", FromCache: false},
		},
	}

	ts := newTestServer(svc)
	defer ts.Close()

	client := ts.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	for _, tt := range []struct {
		hash      string
		wantURL   string
		wantCache string
	}{
		{hash: "h1", wantURL: "https://example.com/a", wantCache: "true"},
		{hash: "h2", wantURL: "https://example.com/b", wantCache: "false"},
	} {
		req, err := http.NewRequestWithContext(context.Background(),
			http.MethodGet, ts.URL+"/"+tt.hash, nil)
		require.NoError(t, err)

		resp, err := client.Do(req)
		require.NoError(t, err)

		resp.Body.Close()

		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, tt.wantURL, resp.Header.Get("Location"))
		assert.Equal(t, tt.wantCache, resp.Header.Get("X-Cache-Hit"))
	}
}

func TestRedirectNotFound(t *testing.T) {
	t.Parallel()

	svc := &fakeService{resolve: map[string]shortener.Resolution{}}

	ts := newTestServer(svc)
	defer ts.Close()

	req, err := http.NewRequestWithContext(context.Background(),
		http.MethodGet, ts.URL+"/nope1", nil)
	require.NoError(t, err)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRedirectRejectsNonAlphanumericHash(t *testing.T) {
	t.Parallel()

	svc := &fakeService{resolve: map[string]shortener.Resolution{}}

	ts := newTestServer(svc)
	defer ts.Close()

	req, err := http.NewRequestWithContext(context.Background(),
		http.MethodGet, ts.URL+"/h-1", nil)
	require.NoError(t, err)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	svc := &fakeService{resolve: map[string]shortener.Resolution{}}

	ts := newTestServer(svc)
	defer ts.Close()

	req, err := http.NewRequestWithContext(context.Background(),
		http.MethodGet, ts.URL+"/healthz", nil)
	require.NoError(t, err)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
