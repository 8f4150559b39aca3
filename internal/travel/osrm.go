package travel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"crewroute/internal/metrics"
	"crewroute/internal/opt"
)

// DefaultBaseURL is the public OSRM demo server.
const DefaultBaseURL = "https://router.project-osrm.org"

// OSRM answers travel lookups from an OSRM route service. Every failure degrades to opt.EstimateLeg.
type OSRM struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type Options struct {
	BaseURL string
	Timeout time.Duration
	// RequestsPerSecond caps outbound calls; zero means unthrottled.
	RequestsPerSecond float64
}

type osrmRouteResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Distance float64 `json:"distance"` // meters
		Duration float64 `json:"duration"` // seconds
	} `json:"routes"`
}

func NewOSRM(o Options) *OSRM {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if o.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(o.RequestsPerSecond), 1)
	}
	return &OSRM{
		baseURL:    o.BaseURL,
		httpClient: &http.Client{Timeout: o.Timeout},
		limiter:    limiter,
	}
}

// TravelInfo implements opt.TravelProvider.
func (c *OSRM) TravelInfo(ctx context.Context, origin, dest opt.Location, departure time.Time) opt.Leg {
	leg, err := c.route(ctx, origin, dest)
	if err != nil {
		return Fallback(origin, dest, departure, err)
	}
	return leg
}

func (c *OSRM) route(ctx context.Context, origin, dest opt.Location) (opt.Leg, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return opt.Leg{}, fmt.Errorf("rate wait: %w", err)
	}
	queryURL := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false",
		c.baseURL, origin.Lng, origin.Lat, dest.Lng, dest.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL, nil)
	if err != nil {
		return opt.Leg{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return opt.Leg{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return opt.Leg{}, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	var out osrmRouteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return opt.Leg{}, fmt.Errorf("decode: %w", err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return opt.Leg{}, fmt.Errorf("osrm code %q with %d routes", out.Code, len(out.Routes))
	}
	r := out.Routes[0]
	return opt.Leg{DistanceKm: r.Distance / 1000, Minutes: int(r.Duration / 60)}, nil
}

// Fallback answers with the great-circle estimate and records why the provider was bypassed.
func Fallback(origin, dest opt.Location, departure time.Time, cause error) opt.Leg {
	metrics.TravelFallbacks.Inc()
	leg := opt.EstimateLeg(origin, dest, departure)
	log.Printf("[TRAVEL] fallback origin=(%.6f,%.6f) dest=(%.6f,%.6f) km=%.2f minutes=%d err=%v",
		origin.Lat, origin.Lng, dest.Lat, dest.Lng, leg.DistanceKm, leg.Minutes, cause)
	return leg
}
