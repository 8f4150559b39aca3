package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"crewroute/internal/metrics"
	"crewroute/internal/opt"
)

const (
	DefaultBaseURL   = "https://nominatim.openstreetmap.org"
	DefaultUserAgent = "crewroute/1.0"
)

// Geocoder resolves a street address to a coordinate.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (opt.Location, error)
}

// ErrAddressNotFound matches failures where the provider returned no candidates.
var ErrAddressNotFound = errors.New("address not found")

// ErrGeocodingFailed is returned when an address cannot be geocoded
type ErrGeocodingFailed struct {
	Address  string
	Reason   string
	notFound bool
}

func (e *ErrGeocodingFailed) Error() string {
	return fmt.Sprintf("geocoding failed for address: %s - %s", e.Address, e.Reason)
}

func (e *ErrGeocodingFailed) Is(target error) bool { return e.notFound && target == ErrAddressNotFound }

type Options struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	// Nominatim's usage policy allows one request per second.
	RequestsPerSecond float64
}

type Nominatim struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type nominatimResponse struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

func NewNominatim(o Options) *Nominatim {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 1
	}
	return &Nominatim{
		baseURL:    o.BaseURL,
		userAgent:  o.UserAgent,
		httpClient: &http.Client{Timeout: o.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(o.RequestsPerSecond), 1),
	}
}

func (g *Nominatim) Geocode(ctx context.Context, address string) (opt.Location, error) {
	loc, err := g.lookup(ctx, address)
	switch {
	case err == nil:
		metrics.GeocodeRequests.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrAddressNotFound):
		metrics.GeocodeRequests.WithLabelValues("not_found").Inc()
	default:
		metrics.GeocodeRequests.WithLabelValues("error").Inc()
	}
	return loc, err
}

func (g *Nominatim) lookup(ctx context.Context, address string) (opt.Location, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return opt.Location{}, &ErrGeocodingFailed{Address: address, Reason: err.Error()}
	}

	queryURL := fmt.Sprintf("%s/search?q=%s&format=json&limit=1", g.baseURL, url.QueryEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL, nil)
	if err != nil {
		return opt.Location{}, &ErrGeocodingFailed{Address: address, Reason: err.Error()}
	}
	req.Header.Set("User-Agent", g.userAgent)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		log.Printf("[GEOCODE] request failed address=%q err=%v", address, err)
		return opt.Location{}, &ErrGeocodingFailed{Address: address, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Printf("[GEOCODE] api error address=%q status=%d", address, resp.StatusCode)
		return opt.Location{}, &ErrGeocodingFailed{Address: address, Reason: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body))}
	}

	var results []nominatimResponse
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return opt.Location{}, &ErrGeocodingFailed{Address: address, Reason: err.Error()}
	}
	if len(results) == 0 {
		log.Printf("[GEOCODE] no results address=%q", address)
		return opt.Location{}, &ErrGeocodingFailed{Address: address, Reason: "no results found", notFound: true}
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return opt.Location{}, &ErrGeocodingFailed{Address: address, Reason: "invalid latitude"}
	}
	lng, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return opt.Location{}, &ErrGeocodingFailed{Address: address, Reason: "invalid longitude"}
	}
	log.Printf("[GEOCODE] resolved address=%q lat=%.6f lng=%.6f", address, lat, lng)
	return opt.Location{Lat: lat, Lng: lng}, nil
}
