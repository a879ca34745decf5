package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/eventpulse/harvester/internal/pipeline"
)

const defaultSearchTimeout = 10 * time.Second

// NominatimClient queries a Nominatim-compatible geocoding endpoint.
type NominatimClient struct {
	baseURL   string
	userAgent string
	client    *http.Client
}

// NewNominatimClient constructs a client for the given endpoint.
// Nominatim's usage policy requires an identifying User-Agent.
func NewNominatimClient(baseURL, userAgent string) *NominatimClient {
	return &NominatimClient{
		baseURL:   baseURL,
		userAgent: userAgent,
		client:    &http.Client{Timeout: defaultSearchTimeout},
	}
}

type nominatimResult struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// Search geocodes a free-form query and returns the top result.
func (c *NominatimClient) Search(ctx context.Context, query string) (pipeline.GeocodeResult, error) {
	endpoint := fmt.Sprintf("%s/search?format=json&limit=1&q=%s", c.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return pipeline.GeocodeResult{}, fmt.Errorf("building geocode request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return pipeline.GeocodeResult{}, fmt.Errorf("geocode request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return pipeline.GeocodeResult{}, fmt.Errorf("geocode service returned status %d", resp.StatusCode)
	}

	var results []nominatimResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return pipeline.GeocodeResult{}, fmt.Errorf("decoding geocode response: %w", err)
	}
	if len(results) == 0 {
		return pipeline.GeocodeResult{}, fmt.Errorf("no geocode result for %q", query)
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return pipeline.GeocodeResult{}, fmt.Errorf("parsing latitude %q: %w", results[0].Lat, err)
	}
	lng, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return pipeline.GeocodeResult{}, fmt.Errorf("parsing longitude %q: %w", results[0].Lon, err)
	}
	return pipeline.GeocodeResult{Lat: lat, Lng: lng, DisplayName: results[0].DisplayName}, nil
}
