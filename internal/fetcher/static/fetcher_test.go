package static

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eventpulse/harvester/internal/pipeline"
)

func TestFetchReturnsMarkupAndMetadata(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "harvester-test", r.UserAgent())
		require.Equal(t, "de", r.Header.Get("Accept-Language"))
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body><h1>Events</h1></body></html>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "harvester-test", Timeout: 5 * time.Second})
	headers := http.Header{}
	headers.Set("Accept-Language", "de")

	res, err := f.Fetch(context.Background(), pipeline.FetchRequest{
		URL:     srv.URL,
		Headers: headers,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(res.Markup), "<h1>Events</h1>")
	require.Equal(t, pipeline.StrategyStatic, res.StrategyUsed)
	require.NotZero(t, res.Duration)
}

func TestFetchKeepsNon2xxResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("blocked"))
	}))
	defer srv.Close()

	f := New(Config{Timeout: 5 * time.Second})
	res, err := f.Fetch(context.Background(), pipeline.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestFetchErrorsOnUnreachableHost(t *testing.T) {
	t.Parallel()

	f := New(Config{Timeout: time.Second})
	_, err := f.Fetch(context.Background(), pipeline.FetchRequest{
		URL: "http://127.0.0.1:1/never",
	})
	require.Error(t, err)
}
