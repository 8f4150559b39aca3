// Package config loads service settings from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"crewroute/internal/webhooks"
)

type Config struct {
	Server   Server   `yaml:"server"`
	Database Database `yaml:"database"`
	Redis    Redis    `yaml:"redis"`
	Auth     Auth     `yaml:"auth"`
	Depot    Depot    `yaml:"depot"`
	Workday  Workday  `yaml:"workday"`
	Pricing  Pricing  `yaml:"pricing"`
	Solver   Solver   `yaml:"solver"`
	Travel   Travel   `yaml:"travel"`
	Geocode  Geocode  `yaml:"geocode"`
	Weather  Weather  `yaml:"weather"`
	Webhooks Webhooks `yaml:"webhooks"`
	CRM      CRM      `yaml:"crm"`
}

type Server struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

type Database struct {
	URL     string `yaml:"url"`
	Migrate bool   `yaml:"migrate"`
}

type Redis struct {
	URL     string        `yaml:"url"`
	LockTTL time.Duration `yaml:"lockTtl"`
}

type Auth struct {
	Mode   string `yaml:"mode"` // dev | hmac
	Secret string `yaml:"secret"`
}

type Depot struct {
	Lat float64 `yaml:"lat"`
	Lng float64 `yaml:"lng"`
}

type Workday struct {
	Start              string  `yaml:"start"` // HH:MM
	RegularHours       float64 `yaml:"regularHours"`
	MaxOvertimeMinutes int     `yaml:"maxOvertimeMinutes"`
	Timezone           string  `yaml:"timezone"`
}

type Pricing struct {
	FuelPricePerGallon    float64 `yaml:"fuelPricePerGallon"`
	DefaultFuelEfficiency float64 `yaml:"defaultFuelEfficiency"`
	BacktrackThresholdKm  float64 `yaml:"backtrackThresholdKm"`
}

type Solver struct {
	FullBudget  time.Duration `yaml:"fullBudget"`
	QuickBudget time.Duration `yaml:"quickBudget"`
	Seed        int64         `yaml:"seed"`
}

type Travel struct {
	OSRMURL           string        `yaml:"osrmUrl"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	// EstimateOnly skips OSRM and uses the great-circle estimate everywhere.
	EstimateOnly bool `yaml:"estimateOnly"`
}

type Geocode struct {
	NominatimURL      string  `yaml:"nominatimUrl"`
	UserAgent         string  `yaml:"userAgent"`
	CachePath         string  `yaml:"cachePath"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
}

type Weather struct {
	URL      string `yaml:"url"`
	Disabled bool   `yaml:"disabled"`
}

type Webhooks struct {
	MaxAttempts int                 `yaml:"maxAttempts"`
	Endpoints   []webhooks.Endpoint `yaml:"endpoints"`
}

type CRM struct {
	// QuotesCSV is the CRM export read by the daily import.
	QuotesCSV string `yaml:"quotesCsv"`
}

// Default returns the company defaults: 08:00 start, 10 regular hours, 2h overtime.
func Default() Config {
	return Config{
		Server:   Server{Port: "8080", ReadTimeout: 15 * time.Second, WriteTimeout: 3 * time.Minute},
		Database: Database{Migrate: true},
		Redis:    Redis{LockTTL: 5 * time.Minute},
		Auth:     Auth{Mode: "dev"},
		Depot:    Depot{Lat: 40.7128, Lng: -74.0060},
		Workday:  Workday{Start: "08:00", RegularHours: 10, MaxOvertimeMinutes: 120, Timezone: "Local"},
		Pricing:  Pricing{FuelPricePerGallon: 3.50, DefaultFuelEfficiency: 10, BacktrackThresholdKm: 15},
		Solver:   Solver{FullBudget: 2 * time.Minute, QuickBudget: 30 * time.Second},
		Travel:   Travel{OSRMURL: "https://router.project-osrm.org", Timeout: 10 * time.Second, RequestsPerSecond: 5},
		Geocode:  Geocode{NominatimURL: "https://nominatim.openstreetmap.org", UserAgent: "crewroute/1.0", CachePath: "data/geocode.db", RequestsPerSecond: 1},
		Weather:  Weather{URL: "https://api.open-meteo.com"},
		Webhooks: Webhooks{MaxAttempts: 10},
	}
}

// Load reads path (a missing file is fine) over Default and applies env overrides.
// An empty path uses CREWROUTE_CONFIG, then config.yaml.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv("CREWROUTE_CONFIG")
	}
	if path == "" {
		path = "config.yaml"
	}
	cfg := Default()
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"PORT":               &c.Server.Port,
		"DATABASE_URL":       &c.Database.URL,
		"REDIS_URL":          &c.Redis.URL,
		"AUTH_MODE":          &c.Auth.Mode,
		"AUTH_HMAC_SECRET":   &c.Auth.Secret,
		"OSRM_URL":           &c.Travel.OSRMURL,
		"NOMINATIM_URL":      &c.Geocode.NominatimURL,
		"GEOCODE_CACHE_PATH": &c.Geocode.CachePath,
		"WEATHER_URL":        &c.Weather.URL,
		"CRM_QUOTES_CSV":     &c.CRM.QuotesCSV,
	}
	for k, dst := range str {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("DB_MIGRATE"); v != "" {
		c.Database.Migrate = v != "false"
	}
	if v := os.Getenv("WEBHOOK_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS: %w", err)
		}
		c.Webhooks.MaxAttempts = n
	}
	if v := os.Getenv("SOLVER_FULL_BUDGET"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SOLVER_FULL_BUDGET: %w", err)
		}
		c.Solver.FullBudget = d
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Depot.Lat < -90 || c.Depot.Lat > 90 || c.Depot.Lng < -180 || c.Depot.Lng > 180 {
		errs = append(errs, fmt.Errorf("depot out of range: %v,%v", c.Depot.Lat, c.Depot.Lng))
	}
	if _, err := time.Parse("15:04", c.Workday.Start); err != nil {
		errs = append(errs, fmt.Errorf("workday.start %q: want HH:MM", c.Workday.Start))
	}
	if c.Workday.RegularHours <= 0 || c.Workday.RegularHours > 24 {
		errs = append(errs, fmt.Errorf("workday.regularHours must be in (0,24]"))
	}
	if c.Workday.MaxOvertimeMinutes < 0 {
		errs = append(errs, fmt.Errorf("workday.maxOvertimeMinutes must be >= 0"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.Solver.FullBudget <= 0 || c.Solver.QuickBudget <= 0 {
		errs = append(errs, fmt.Errorf("solver budgets must be positive"))
	}
	switch c.Auth.Mode {
	case "dev":
	case "hmac":
		if c.Auth.Secret == "" {
			errs = append(errs, fmt.Errorf("auth.secret is required in hmac mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.mode %q: want dev or hmac", c.Auth.Mode))
	}
	for i, ep := range c.Webhooks.Endpoints {
		if !strings.HasPrefix(ep.URL, "http://") && !strings.HasPrefix(ep.URL, "https://") {
			errs = append(errs, fmt.Errorf("webhooks.endpoints[%d].url must be http(s)", i))
		}
	}
	return errors.Join(errs...)
}

// Location resolves Workday.Timezone; "Local" and "" mean the process zone.
func (c Config) Location() (*time.Location, error) {
	if c.Workday.Timezone == "" || c.Workday.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Workday.Timezone)
	if err != nil {
		return nil, fmt.Errorf("workday.timezone: %w", err)
	}
	return loc, nil
}

func (c Config) Regular() time.Duration {
	return time.Duration(c.Workday.RegularHours * float64(time.Hour))
}

func (c Config) Overtime() time.Duration {
	return time.Duration(c.Workday.MaxOvertimeMinutes) * time.Minute
}
