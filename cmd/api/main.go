package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"

	"crewroute/internal/api"
	"crewroute/internal/auth"
	"crewroute/internal/config"
	"crewroute/internal/geocode"
	"crewroute/internal/integrations"
	"crewroute/internal/integrations/csvfile"
	"crewroute/internal/lock"
	"crewroute/internal/metrics"
	"crewroute/internal/opt"
	"crewroute/internal/planner"
	"crewroute/internal/store"
	"crewroute/internal/travel"
	"crewroute/internal/weather"
	"crewroute/internal/webhooks"
)

func main() {
	// .env is optional; real environment wins.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[MAIN] .env: %v", err)
	}
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	tz, _ := cfg.Location()
	metrics.RegisterDefault()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.Store = store.NewMemory()
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgres(cfg.Database.URL)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		if cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				log.Fatalf("migrate: %v", err)
			}
		}
		st = pg
		log.Printf("[MAIN] store=postgres")
	} else {
		log.Printf("[MAIN] store=memory (DATABASE_URL not set)")
	}

	checks := map[string]func(context.Context) error{}
	var (
		locker lock.Locker
		broker api.EventBroker
	)
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("redis url: %v", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		locker = lock.NewRedis(rdb, cfg.Redis.LockTTL)
		broker = api.NewRedisBroker(rdb)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	} else {
		locker = lock.NewMemory()
		broker = api.NewBroker()
	}

	var provider opt.TravelProvider = opt.EstimateProvider{}
	if !cfg.Travel.EstimateOnly {
		provider = travel.NewOSRM(travel.Options{BaseURL: cfg.Travel.OSRMURL, Timeout: cfg.Travel.Timeout, RequestsPerSecond: cfg.Travel.RequestsPerSecond})
	}

	var geo geocode.Geocoder = geocode.NewNominatim(geocode.Options{
		BaseURL:           cfg.Geocode.NominatimURL,
		UserAgent:         cfg.Geocode.UserAgent,
		RequestsPerSecond: cfg.Geocode.RequestsPerSecond,
	})
	if cfg.Geocode.CachePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Geocode.CachePath), 0o755); err != nil {
			log.Fatalf("geocode cache dir: %v", err)
		}
		cache, err := geocode.OpenCache(cfg.Geocode.CachePath)
		if err != nil {
			log.Fatalf("geocode cache: %v", err)
		}
		defer cache.Close()
		geo = &geocode.CachedGeocoder{Cache: cache, Next: geo}
	}

	depot := opt.Location{Lat: cfg.Depot.Lat, Lng: cfg.Depot.Lng}
	var wx weather.Forecaster = weather.NewOpenMeteo(cfg.Weather.URL, depot, 10*time.Second)
	if cfg.Weather.Disabled {
		wx = weather.Fixed{Condition: weather.FallbackCondition(time.Time{})}
	}

	var quotes integrations.QuoteSource
	if cfg.CRM.QuotesCSV != "" {
		quotes = csvfile.New(cfg.CRM.QuotesCSV)
	}

	pub := webhooks.NewPublisher(st, cfg.Webhooks.Endpoints)
	worker := webhooks.NewWorker(st, cfg.Webhooks.MaxAttempts)
	worker.Start()
	defer close(worker.Stop)

	pcfg := planner.Config{
		Depot:     depot,
		WorkStart: cfg.Workday.Start,
		Regular:   cfg.Regular(),
		Overtime:  cfg.Overtime(),
		Pricing: opt.Pricing{
			FuelPricePerGallon:    cfg.Pricing.FuelPricePerGallon,
			DefaultFuelEfficiency: cfg.Pricing.DefaultFuelEfficiency,
			BacktrackThresholdKm:  cfg.Pricing.BacktrackThresholdKm,
		},
		FullBudget:  cfg.Solver.FullBudget,
		QuickBudget: cfg.Solver.QuickBudget,
		Seed:        cfg.Solver.Seed,
		TimeZone:    tz,
	}
	svc := planner.New(pcfg, planner.Deps{
		Store:    st,
		Locker:   locker,
		Geocoder: geo,
		Travel:   provider,
		Weather:  wx,
		Events:   planner.FanOut{pub, api.BrokerSink{Broker: broker}},
		Quotes:   quotes,
	})

	verifier, err := auth.NewVerifier(cfg.Auth.Mode, cfg.Auth.Secret)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}
	server := api.NewServer(svc, st, verifier, broker)
	server.Checks = checks
	server.Settings = map[string]any{
		"port":            cfg.Server.Port,
		"authMode":        cfg.Auth.Mode,
		"hasDatabaseUrl":  cfg.Database.URL != "",
		"hasRedisUrl":     cfg.Redis.URL != "",
		"depot":           depot,
		"workday":         cfg.Workday,
		"solver":          cfg.Solver,
		"travelEstimate":  cfg.Travel.EstimateOnly,
		"weatherDisabled": cfg.Weather.Disabled,
		"webhookTargets":  len(cfg.Webhooks.Endpoints),
		"crmImport":       quotes != nil,
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[MAIN] shutdown: %v", err)
		}
	}()

	log.Printf("API listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}
