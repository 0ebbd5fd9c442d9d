package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var ErrGeocodeFailed = errors.New("reverse geocoding failed")

const (
	DefaultTimeout   = 5 * time.Second
	DefaultUserAgent = "CityConnectApp/1.0"
)

// Geocoder turns coordinates into a human-readable place name.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lon float64) (string, error)
}

// NominatimClient calls an OpenStreetMap Nominatim /reverse endpoint.
type NominatimClient struct {
	baseURL   string
	userAgent string
	http      *http.Client
}

func NewNominatimClient(baseURL, userAgent string, timeout time.Duration) *NominatimClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = DefaultUserAgent
	}
	return &NominatimClient{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		userAgent: userAgent,
		http:      &http.Client{Timeout: timeout},
	}
}

type reverseResponse struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
}

// ReverseGeocode returns the display name for lat/lon. Every failure wraps ErrGeocodeFailed.
func (c *NominatimClient) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', 6, 64))
	q.Set("format", "json")
	q.Set("zoom", "16")
	q.Set("addressdetails", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGeocodeFailed, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGeocodeFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %d", ErrGeocodeFailed, resp.StatusCode)
	}
	var out reverseResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrGeocodeFailed, err)
	}
	name := strings.TrimSpace(out.DisplayName)
	if name == "" {
		if out.Error != "" {
			return "", fmt.Errorf("%w: %s", ErrGeocodeFailed, out.Error)
		}
		return "", fmt.Errorf("%w: empty display name", ErrGeocodeFailed)
	}
	return name, nil
}
