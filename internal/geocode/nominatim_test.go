package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNominatimSearchParsesTopResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/search", r.URL.Path)
		require.Equal(t, "Hauptstraße 5, Leipzig", r.URL.Query().Get("q"))
		require.Equal(t, "harvester-test/1.0", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"lat":"51.3397","lon":"12.3731","display_name":"Hauptstraße 5, Leipzig"}]`))
	}))
	defer server.Close()

	client := NewNominatimClient(server.URL, "harvester-test/1.0")
	result, err := client.Search(context.Background(), "Hauptstraße 5, Leipzig")
	require.NoError(t, err)
	require.InDelta(t, 51.3397, result.Lat, 0.0001)
	require.InDelta(t, 12.3731, result.Lng, 0.0001)
	require.Equal(t, "Hauptstraße 5, Leipzig", result.DisplayName)
}

func TestNominatimSearchEmptyResultErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewNominatimClient(server.URL, "harvester-test/1.0")
	_, err := client.Search(context.Background(), "nowhere")
	require.Error(t, err)
}

func TestNominatimSearchNon200Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewNominatimClient(server.URL, "harvester-test/1.0")
	_, err := client.Search(context.Background(), "Leipzig")
	require.Error(t, err)
}
