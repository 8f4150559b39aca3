// Package planner runs the scheduling workflows on top of the routing engine:
// daily plans, re-optimization, emergency insertion, estimates and weather moves.
package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"crewroute/internal/geocode"
	"crewroute/internal/integrations"
	"crewroute/internal/lock"
	"crewroute/internal/model"
	"crewroute/internal/opt"
	"crewroute/internal/store"
	"crewroute/internal/weather"
)

// ErrInvalidRequest marks caller mistakes (missing fields, bad dates, unknown kinds).
var ErrInvalidRequest = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// EventSink receives domain events. Implementations must not block for long.
type EventSink interface {
	Publish(ctx context.Context, evt model.Event)
}

// FanOut publishes to every sink in order.
type FanOut []EventSink

func (f FanOut) Publish(ctx context.Context, evt model.Event) {
	for _, s := range f {
		if s != nil {
			s.Publish(ctx, evt)
		}
	}
}

type nopSink struct{}

func (nopSink) Publish(context.Context, model.Event) {}

// Config is the company setup threaded into every Problem.
type Config struct {
	Depot       opt.Location
	WorkStart   string // HH:MM
	Regular     time.Duration
	Overtime    time.Duration
	Pricing     opt.Pricing
	FullBudget  time.Duration
	QuickBudget time.Duration
	Seed        int64
	TimeZone    *time.Location
}

func DefaultConfig() Config {
	return Config{
		Depot:       opt.Location{Lat: 40.7128, Lng: -74.0060},
		WorkStart:   "08:00",
		Regular:     10 * time.Hour,
		Overtime:    2 * time.Hour,
		Pricing:     opt.DefaultPricing(),
		FullBudget:  opt.DefaultOptions().TimeBudget,
		QuickBudget: opt.QuickOptions().TimeBudget,
		TimeZone:    time.Local,
	}
}

// Deps are the collaborators. Nil optional fields get offline defaults in New.
type Deps struct {
	Store    store.Store
	Locker   lock.Locker
	Geocoder geocode.Geocoder
	Travel   opt.TravelProvider
	Weather  weather.Forecaster
	Events   EventSink
	Quotes   integrations.QuoteSource
}

type Service struct {
	cfg      Config
	store    store.Store
	locker   lock.Locker
	geocoder geocode.Geocoder
	travel   opt.TravelProvider
	weather  weather.Forecaster
	events   EventSink
	quotes   integrations.QuoteSource
	now      func() time.Time
}

func New(cfg Config, d Deps) *Service {
	if cfg.TimeZone == nil {
		cfg.TimeZone = time.Local
	}
	s := &Service{
		cfg:      cfg,
		store:    d.Store,
		locker:   d.Locker,
		geocoder: d.Geocoder,
		travel:   d.Travel,
		weather:  d.Weather,
		events:   d.Events,
		quotes:   d.Quotes,
		now:      time.Now,
	}
	if s.locker == nil {
		s.locker = lock.NewMemory()
	}
	if s.travel == nil {
		s.travel = opt.EstimateProvider{}
	}
	if s.weather == nil {
		s.weather = weather.Fixed{Condition: weather.FallbackCondition(time.Time{})}
	}
	if s.events == nil {
		s.events = nopSink{}
	}
	return s
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// emit publishes an event. Job events carry the CRM status code the integration expects.
func (s *Service) emit(ctx context.Context, typ string, data map[string]any) {
	if code := integrations.MapStatus(typ); code != "" {
		data["crmStatus"] = code
	}
	s.events.Publish(ctx, model.Event{ID: uuid.New().String(), Type: typ, TS: s.now().UTC(), Data: data})
}

// parseDay reads YYYY-MM-DD in the company time zone.
func (s *Service) parseDay(day string) (time.Time, error) {
	if day == "" {
		return time.Time{}, invalid("date is required")
	}
	t, err := time.ParseInLocation(time.DateOnly, day, s.cfg.TimeZone)
	if err != nil {
		return time.Time{}, invalid("date %q: want YYYY-MM-DD", day)
	}
	return t, nil
}

func (s *Service) hours(day time.Time) (opt.WorkingHours, error) {
	return opt.DayHours(day, s.cfg.WorkStart, s.cfg.Regular, s.cfg.Overtime)
}

// clock returns day at hh:mm in the company zone.
func clock(day time.Time, hour, minute int) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, hour, minute, 0, 0, day.Location())
}

func (s *Service) tomorrow() time.Time {
	y, m, d := s.now().In(s.cfg.TimeZone).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, s.cfg.TimeZone)
}
