// Package nws reads active alerts from an NWS-style GeoJSON API or a local
// fixture file.
package nws

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
)

const (
	DefaultBaseURL   = "https://api.weather.gov"
	DefaultUserAgent = "storm-alert-pipeline"

	maxZoneRequests = 4
)

// Client fetches active alerts for a set of zones. Responses are cached per
// zone and revalidated with If-Modified-Since.
type Client struct {
	baseURL    string
	userAgent  string
	zones      []string
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedResponse
}

type cachedResponse struct {
	lastModified string
	alerts       []domain.Alert
}

// NewClient creates a feed client. An empty zone list fetches every active
// alert.
func NewClient(baseURL, userAgent string, zones []string, timeout time.Duration, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  userAgent,
		zones:      zones,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		cache:      make(map[string]cachedResponse),
	}
}

// Fetch returns the active alerts across every configured zone, each id once.
// Zones are fetched concurrently; any zone failing fails the whole fetch so a
// partial view is never mistaken for expirations.
func (c *Client) Fetch(ctx context.Context) ([]domain.Alert, error) {
	zones := c.zones
	if len(zones) == 0 {
		zones = []string{""}
	}

	results := make([][]domain.Alert, len(zones))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxZoneRequests)
	for i, zone := range zones {
		g.Go(func() error {
			alerts, err := c.fetchZone(gctx, zone)
			if err != nil {
				return err
			}
			results[i] = alerts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []domain.Alert
	for _, alerts := range results {
		for _, a := range alerts {
			if seen[a.ID] {
				continue
			}
			seen[a.ID] = true
			out = append(out, a)
		}
	}
	return out, nil
}

func (c *Client) fetchZone(ctx context.Context, zone string) ([]domain.Alert, error) {
	u := c.baseURL + "/alerts/active"
	if zone != "" {
		u += "?" + url.Values{"zone": {zone}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/geo+json")

	c.mu.Lock()
	cached, hasCached := c.cache[zone]
	c.mu.Unlock()
	if hasCached && cached.lastModified != "" {
		req.Header.Set("If-Modified-Since", cached.lastModified)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("zone %q request: %w", zone, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && hasCached:
		return cloneAlerts(cached.alerts), nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("feed API error: zone %q: status %d: %s", zone, resp.StatusCode, body)
	}

	alerts, skipped, err := DecodeFeatureCollection(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("zone %q: %w", zone, err)
	}
	for _, s := range skipped {
		c.logger.Warn("skipping unparseable feature", "zone", zone, "error", s)
	}

	c.mu.Lock()
	c.cache[zone] = cachedResponse{lastModified: resp.Header.Get("Last-Modified"), alerts: cloneAlerts(alerts)}
	c.mu.Unlock()
	return alerts, nil
}

func cloneAlerts(in []domain.Alert) []domain.Alert {
	out := make([]domain.Alert, len(in))
	for i, a := range in {
		out[i] = a.Clone()
	}
	return out
}
