package planner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewroute/internal/geocode"
	"crewroute/internal/lock"
	"crewroute/internal/model"
	"crewroute/internal/opt"
	"crewroute/internal/store"
	"crewroute/internal/weather"
)

const testDay = "2030-06-03"

var depot = opt.Location{Lat: 40.00, Lng: -75.00}

type fakeGeocoder map[string]opt.Location

func (g fakeGeocoder) Geocode(_ context.Context, address string) (opt.Location, error) {
	if loc, ok := g[address]; ok {
		return loc, nil
	}
	return opt.Location{}, fmt.Errorf("geocode %q: %w", address, geocode.ErrAddressNotFound)
}

// dayWeather answers per date, fair weather otherwise.
type dayWeather map[string]weather.Condition

func (w dayWeather) Forecast(_ context.Context, day time.Time) weather.Condition {
	d := day.Format(time.DateOnly)
	if c, ok := w[d]; ok {
		c.Date = d
		return c
	}
	return weather.Condition{Date: d, WindSpeedMph: 5, TemperatureF: 70}
}

var rain = weather.Condition{Raining: true, WindSpeedMph: 10, TemperatureF: 55}

type recordSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recordSink) Publish(_ context.Context, evt model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordSink) ofType(t string) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	svc   *Service
	store *store.Memory
	sink  *recordSink
	wx    dayWeather
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Depot = depot
	cfg.TimeZone = time.UTC
	cfg.Seed = 7
	cfg.FullBudget = 2 * time.Second
	cfg.QuickBudget = time.Second
	geo := fakeGeocoder{
		"1 Main St": {Lat: 40.01, Lng: -75.01},
		"2 Oak Ave": {Lat: 40.02, Lng: -75.00},
		"3 Pine Rd": {Lat: 39.99, Lng: -75.02},
		"9 Elm Ct":  {Lat: 40.03, Lng: -74.99},
	}
	f := &fixture{store: store.NewMemory(), sink: &recordSink{}, wx: dayWeather{}}
	f.svc = New(cfg, Deps{Store: f.store, Geocoder: geo, Weather: f.wx, Events: f.sink})
	f.svc.now = func() time.Time { return time.Date(2030, 6, 2, 17, 0, 0, 0, time.UTC) }
	return f
}

func (f *fixture) vehicle(t *testing.T, id string, available bool, caps ...string) {
	t.Helper()
	_, err := f.store.UpsertVehicle(context.Background(), model.Vehicle{ID: id, Name: id, CrewCapacity: 3, Capabilities: caps, FuelEfficiency: 12, Available: available})
	require.NoError(t, err)
}

func (f *fixture) job(t *testing.T, address, kind string) model.Job {
	t.Helper()
	j, err := f.svc.CreateJob(context.Background(), model.JobIn{CustomerID: "c-" + address, Address: address, ServiceType: kind, Day: testDay})
	require.NoError(t, err)
	return j
}

func quick(date string) model.GenerateRequest {
	return model.GenerateRequest{Date: date, MaxIterations: 50, Seed: 3}
}

// stopsOf maps job ID to vehicle over every stored route of the day.
func stopsOf(t *testing.T, s store.Store, day string) map[string]string {
	t.Helper()
	routes, err := s.ListRoutes(context.Background(), day)
	require.NoError(t, err)
	out := map[string]string{}
	for _, r := range routes {
		for i, st := range r.Stops {
			assert.Equal(t, i+1, st.Sequence)
			_, dup := out[st.JobID]
			assert.False(t, dup, "job %s on two routes", st.JobID)
			out[st.JobID] = r.VehicleID
		}
	}
	return out
}

func TestGenerateRoutesPlansOpenJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.vehicle(t, "v1", true)
	f.vehicle(t, "v2", true)
	f.vehicle(t, "v3", false)
	a := f.job(t, "1 Main St", "pressure_washing")
	b := f.job(t, "2 Oak Ave", "window_cleaning")
	c := f.job(t, "3 Pine Rd", "roof_cleaning")
	done := f.job(t, "9 Elm Ct", "house_washing")
	_, err := f.svc.CompleteJob(ctx, done.ID, nil)
	require.NoError(t, err)

	res, err := f.svc.GenerateRoutes(ctx, quick(testDay))
	require.NoError(t, err)
	assert.Empty(t, res.Unassigned)
	assert.Equal(t, testDay, res.Date)
	assert.NotEmpty(t, res.StopReason)

	onRoute := stopsOf(t, f.store, testDay)
	assert.Len(t, onRoute, 3)
	assert.NotContains(t, onRoute, done.ID)
	for _, id := range []string{a.ID, b.ID, c.ID} {
		j, err := f.store.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.JobScheduled, j.Status)
		assert.Equal(t, onRoute[id], j.VehicleID)
		require.NotNil(t, j.ScheduledStart)
		assert.NotEqual(t, "v3", j.VehicleID)
	}
	for _, r := range res.Routes {
		assert.Equal(t, time.Date(2030, 6, 3, 8, 0, 0, 0, time.UTC), r.Start)
		assert.Positive(t, r.TotalDistanceKm)
		assert.Positive(t, r.FuelCost)
	}

	require.Len(t, f.sink.ofType("routes.planned"), 1)
	hist, err := f.store.ListPlanMetrics(ctx, testDay)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "daily", hist[0]["kind"])
	assert.Contains(t, opt.GetMetrics(testDay), opt.RunDaily)
}

func TestGenerateRoutesReplacesStaleRoutes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.vehicle(t, "v1", true)
	f.vehicle(t, "retired", false)
	j := f.job(t, "1 Main St", "window_cleaning")
	_, err := f.store.SaveRoute(ctx, model.Route{VehicleID: "retired", Day: testDay, Stops: []model.RouteStop{{JobID: j.ID, Sequence: 1}}})
	require.NoError(t, err)
	require.NoError(t, f.store.AssignJob(ctx, j.ID, "retired", nil))

	_, err = f.svc.GenerateRoutes(ctx, quick(testDay))
	require.NoError(t, err)
	_, err = f.store.GetRoute(ctx, "retired", testDay)
	assert.ErrorIs(t, err, store.ErrNotFound)
	got, _ := f.store.GetJob(ctx, j.ID)
	assert.Equal(t, "v1", got.VehicleID)
}

// hookLocker runs hook once, just before the first Acquire is granted.
type hookLocker struct {
	lock.Locker
	fired atomic.Bool
	hook  func()
}

func (h *hookLocker) Acquire(ctx context.Context, key string) (func(), error) {
	if h.fired.CompareAndSwap(false, true) {
		h.hook()
	}
	return h.Locker.Acquire(ctx, key)
}

func TestGenerateRoutesSeesRoutesWrittenBeforeItLocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.vehicle(t, "v1", true)
	f.vehicle(t, "spare", false)
	j := f.job(t, "1 Main St", "window_cleaning")

	// A re-optimization for a vehicle outside the available fleet lands while
	// the daily plan is about to take its locks.
	hl := &hookLocker{Locker: f.svc.locker}
	hl.hook = func() {
		res, err := f.svc.ReoptimizeRoutes(ctx, model.ReoptimizeRequest{Date: testDay, VehicleIDs: []string{"spare"}, Seed: 1})
		require.NoError(t, err)
		require.Len(t, res.Routes, 1)
	}
	f.svc.locker = hl

	_, err := f.svc.GenerateRoutes(ctx, quick(testDay))
	require.NoError(t, err)
	require.True(t, hl.fired.Load())

	onRoute := stopsOf(t, f.store, testDay)
	assert.Equal(t, "v1", onRoute[j.ID])
	_, err = f.store.GetRoute(ctx, "spare", testDay)
	assert.ErrorIs(t, err, store.ErrNotFound)
	got, err := f.store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "v1", got.VehicleID)
}

func TestGenerateRoutesDefersWeatherSensitiveJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.wx[testDay] = rain
	f.vehicle(t, "v1", true)
	wash := f.job(t, "1 Main St", "house_washing")
	est := f.job(t, "2 Oak Ave", "estimate")
	assert.True(t, wash.WeatherSensitive)
	assert.False(t, est.WeatherSensitive)

	res, err := f.svc.GenerateRoutes(ctx, quick(testDay))
	require.NoError(t, err)
	assert.Equal(t, []string{wash.ID}, res.Deferred)
	onRoute := stopsOf(t, f.store, testDay)
	assert.Contains(t, onRoute, est.ID)
	assert.NotContains(t, onRoute, wash.ID)
	got, _ := f.store.GetJob(ctx, wash.ID)
	assert.Equal(t, model.JobPending, got.Status)
}

func TestGenerateRoutesValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GenerateRoutes(context.Background(), model.GenerateRequest{Date: "06/03/2030"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.svc.GenerateRoutes(context.Background(), model.GenerateRequest{Date: testDay, TimeBudgetMs: -1})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestGenerateRoutesWithoutVehiclesLeavesJobsOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	j := f.job(t, "1 Main St", "window_cleaning")
	res, err := f.svc.GenerateRoutes(ctx, quick(testDay))
	require.NoError(t, err)
	assert.Empty(t, res.Routes)
	assert.Equal(t, []string{j.ID}, res.Unassigned)
	assert.Equal(t, string(opt.StopNoInput), res.StopReason)
}

func TestReoptimizeRoutesTouchesOnlyNamedVehicles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.vehicle(t, "v1", true)
	f.vehicle(t, "v2", true)
	f.job(t, "1 Main St", "window_cleaning")
	f.job(t, "2 Oak Ave", "window_cleaning")
	_, err := f.svc.GenerateRoutes(ctx, quick(testDay))
	require.NoError(t, err)
	before, err := f.store.ListRoutes(ctx, testDay)
	require.NoError(t, err)
	versions := map[string]int{}
	for _, r := range before {
		versions[r.VehicleID] = r.Version
	}

	late := f.job(t, "9 Elm Ct", "estimate")
	res, err := f.svc.ReoptimizeRoutes(ctx, model.ReoptimizeRequest{Date: testDay, VehicleIDs: []string{"v1"}, Seed: 5})
	require.NoError(t, err)
	assert.Empty(t, res.Unassigned)

	got, _ := f.store.GetJob(ctx, late.ID)
	assert.Equal(t, "v1", got.VehicleID)
	if v, ok := versions["v2"]; ok {
		r2, err := f.store.GetRoute(ctx, "v2", testDay)
		require.NoError(t, err)
		assert.Equal(t, v, r2.Version)
	}
	assert.Len(t, stopsOf(t, f.store, testDay), 3)

	_, err = f.svc.ReoptimizeRoutes(ctx, model.ReoptimizeRequest{Date: testDay, VehicleIDs: []string{"ghost"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.svc.ReoptimizeRoutes(ctx, model.ReoptimizeRequest{Date: testDay})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRouteMetrics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.vehicle(t, "v1", true)
	f.job(t, "1 Main St", "window_cleaning")
	f.job(t, "2 Oak Ave", "estimate")
	res, err := f.svc.GenerateRoutes(ctx, quick(testDay))
	require.NoError(t, err)

	st, err := f.svc.RouteMetrics(ctx, testDay)
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalRoutes)
	assert.Equal(t, 2, st.TotalJobs)
	assert.InDelta(t, 2.0, st.AvgJobsPerRoute, 1e-9)
	assert.InDelta(t, res.Routes[0].TotalDistanceKm, st.TotalDistanceKm, 1e-9)
	assert.InDelta(t, res.Routes[0].FuelCost, st.TotalFuelCost, 1e-9)

	empty, err := f.svc.RouteMetrics(ctx, "2030-01-01")
	require.NoError(t, err)
	assert.Zero(t, empty.AvgJobsPerRoute)

	pm, err := f.svc.PlanMetrics(ctx, testDay)
	require.NoError(t, err)
	assert.NotEmpty(t, pm.History)
}
