package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"crewroute/internal/opt"
)

const DefaultBaseURL = "https://api.open-meteo.com"

// Thresholds for exterior work.
const (
	MaxWindMph      = 25.0
	MinTemperatureF = 32.0
	// Daily precipitation below this is treated as dry.
	rainThresholdMm = 1.0
)

// Condition is the daily forecast relevant to exterior cleaning.
type Condition struct {
	Date         string  `json:"date"`
	Raining      bool    `json:"raining"`
	Snowing      bool    `json:"snowing"`
	WindSpeedMph float64 `json:"windSpeedMph"`
	TemperatureF float64 `json:"temperatureF"`
	// Fallback is set when the provider could not be reached.
	Fallback bool `json:"fallback"`
}

func (c Condition) SuitableForExteriorWork() bool {
	return !c.Raining && !c.Snowing && c.WindSpeedMph < MaxWindMph && c.TemperatureF > MinTemperatureF
}

// FallbackCondition is the fixed fair-weather answer used when no forecast is available.
func FallbackCondition(day time.Time) Condition {
	return Condition{Date: day.Format(time.DateOnly), WindSpeedMph: 15, TemperatureF: 65, Fallback: true}
}

// Forecaster never fails; implementations degrade to FallbackCondition.
type Forecaster interface {
	Forecast(ctx context.Context, day time.Time) Condition
}

// OpenMeteo reads the daily forecast at a fixed point (the depot).
type OpenMeteo struct {
	baseURL    string
	at         opt.Location
	httpClient *http.Client
}

func NewOpenMeteo(baseURL string, at opt.Location, timeout time.Duration) *OpenMeteo {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OpenMeteo{baseURL: baseURL, at: at, httpClient: &http.Client{Timeout: timeout}}
}

type dailyResponse struct {
	Daily struct {
		Time        []string  `json:"time"`
		Rain        []float64 `json:"precipitation_sum"`
		Snowfall    []float64 `json:"snowfall_sum"`
		WindMax     []float64 `json:"wind_speed_10m_max"`
		Temperature []float64 `json:"temperature_2m_mean"`
	} `json:"daily"`
}

func (w *OpenMeteo) Forecast(ctx context.Context, day time.Time) Condition {
	c, err := w.fetch(ctx, day)
	if err != nil {
		fb := FallbackCondition(day)
		log.Printf("[WEATHER] fallback date=%s err=%v", fb.Date, err)
		return fb
	}
	return c
}

func (w *OpenMeteo) fetch(ctx context.Context, day time.Time) (Condition, error) {
	date := day.Format(time.DateOnly)
	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.4f", w.at.Lat))
	q.Set("longitude", fmt.Sprintf("%.4f", w.at.Lng))
	q.Set("daily", "precipitation_sum,snowfall_sum,wind_speed_10m_max,temperature_2m_mean")
	q.Set("temperature_unit", "fahrenheit")
	q.Set("wind_speed_unit", "mph")
	q.Set("timezone", "auto")
	q.Set("start_date", date)
	q.Set("end_date", date)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/v1/forecast?"+q.Encode(), nil)
	if err != nil {
		return Condition{}, err
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return Condition{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Condition{}, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	var out dailyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Condition{}, fmt.Errorf("decode: %w", err)
	}
	d := out.Daily
	if len(d.Time) == 0 || len(d.Rain) == 0 || len(d.Snowfall) == 0 || len(d.WindMax) == 0 || len(d.Temperature) == 0 {
		return Condition{}, fmt.Errorf("no daily forecast for %s", date)
	}
	c := Condition{
		Date:         date,
		Raining:      d.Rain[0] >= rainThresholdMm,
		Snowing:      d.Snowfall[0] > 0,
		WindSpeedMph: d.WindMax[0],
		TemperatureF: d.Temperature[0],
	}
	log.Printf("[WEATHER] date=%s rain=%t snow=%t wind=%.1f temp=%.1f", date, c.Raining, c.Snowing, c.WindSpeedMph, c.TemperatureF)
	return c, nil
}

// Fixed always answers the same condition. Used when no forecast service is configured.
type Fixed struct{ Condition Condition }

func (f Fixed) Forecast(_ context.Context, day time.Time) Condition {
	c := f.Condition
	c.Date = day.Format(time.DateOnly)
	return c
}

// NextSuitableDay scans up to seven days from start and returns the first suitable one,
// or start+7 days when none is.
func NextSuitableDay(ctx context.Context, f Forecaster, start time.Time) time.Time {
	day := start
	for i := 0; i < 7; i++ {
		if f.Forecast(ctx, day).SuitableForExteriorWork() {
			return day
		}
		day = day.AddDate(0, 0, 1)
	}
	return start.AddDate(0, 0, 7)
}
