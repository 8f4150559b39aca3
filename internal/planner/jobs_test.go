package planner

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewroute/internal/geocode"
	"crewroute/internal/integrations"
	"crewroute/internal/model"
	"crewroute/internal/store"
)

var storeAll = store.JobFilter{}

func TestCreateJobDefaults(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	roof, err := f.svc.CreateJob(ctx, model.JobIn{Address: "1 Main St", ServiceType: "roof_cleaning", Day: testDay})
	require.NoError(t, err)
	assert.Equal(t, 180, roof.DurationMinutes)
	assert.Equal(t, 1, roof.CrewSize)
	assert.Equal(t, "medium", roof.Priority)
	assert.True(t, roof.WeatherSensitive)
	assert.Equal(t, model.GeoPoint{Lat: 40.01, Lng: -75.01}, roof.Location)
	assert.Equal(t, model.JobPending, roof.Status)

	indoors := false
	pref := time.Date(2030, 6, 4, 9, 0, 0, 0, time.UTC)
	j, err := f.svc.CreateJob(ctx, model.JobIn{
		Address: "unlisted", Location: &model.GeoPoint{Lat: 40.5, Lng: -75.5},
		ServiceType: "window_cleaning", Priority: "HIGH", PreferredStart: &pref,
		DurationMinutes: 45, CrewSize: 2, WeatherSensitive: &indoors,
	})
	require.NoError(t, err)
	assert.Equal(t, "2030-06-04", j.Day)
	assert.Equal(t, 45, j.DurationMinutes)
	assert.Equal(t, "high", j.Priority)
	assert.False(t, j.WeatherSensitive)

	est, err := f.svc.CreateJob(ctx, model.JobIn{Address: "2 Oak Ave", ServiceType: "estimate", Day: testDay})
	require.NoError(t, err)
	assert.False(t, est.WeatherSensitive)
}

func TestCreateJobRejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	early := time.Date(2030, 6, 3, 12, 0, 0, 0, time.UTC)
	late := early.Add(-time.Hour)
	cases := map[string]model.JobIn{
		"unknown kind":     {Address: "1 Main St", ServiceType: "gutters", Day: testDay},
		"unknown priority": {Address: "1 Main St", ServiceType: "estimate", Priority: "asap", Day: testDay},
		"no day":           {Address: "1 Main St", ServiceType: "estimate"},
		"no address":       {ServiceType: "estimate", Day: testDay},
		"negative crew":    {Address: "1 Main St", ServiceType: "estimate", Day: testDay, CrewSize: -1},
		"inverted window":  {Address: "1 Main St", ServiceType: "estimate", Day: testDay, EarliestStart: &early, LatestStart: &late},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateJob(ctx, in)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	_, err := f.svc.CreateJob(ctx, model.JobIn{Address: "Nowhere", ServiceType: "estimate", Day: testDay})
	assert.ErrorIs(t, err, geocode.ErrAddressNotFound)
}

func TestCompleteJobNotifiesCRM(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	j := f.job(t, "1 Main St", "window_cleaning")

	at := time.Date(2030, 6, 3, 15, 4, 0, 0, time.UTC)
	done, err := f.svc.CompleteJob(ctx, j.ID, &at)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, done.Status)
	assert.Equal(t, &at, done.CompletedAt)

	evts := f.sink.ofType("job.completed")
	require.Len(t, evts, 1)
	assert.Equal(t, integrations.StatusCompleted, evts[0].Data.(map[string]any)["crmStatus"])

	now, err := f.svc.CompleteJob(ctx, f.job(t, "2 Oak Ave", "estimate").ID, nil)
	require.NoError(t, err)
	assert.Equal(t, f.svc.now().UTC(), *now.CompletedAt)

	_, err = f.svc.CompleteJob(ctx, "missing", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestImportCSV(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	body := strings.Join([]string{
		"external_ref,customer_id,address,service_type,day,lat,lng",
		"q-1,c1,1 Main St,window_cleaning,2030-06-03,,",
		"q-2,c2,Nowhere,roof_cleaning,2030-06-03,,",
		"q-1,c1,1 Main St,window_cleaning,2030-06-03,,",
		"q-3,c3,Somewhere,house_washing,,40.1,-75.1",
		"q-4,c4,Farm Ln,pressure_washing,2030-06-03,40.2,-75.2",
	}, "\n")
	res, err := f.svc.ImportCSV(ctx, strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, res.Errors, 2)

	_, err = f.svc.ImportCSV(ctx, strings.NewReader("ref,addr\n"))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

type fakeSource struct {
	mu    sync.Mutex
	batch integrations.QuoteBatch
	acked []string
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) FetchApproved(context.Context) (integrations.QuoteBatch, error) {
	return s.batch, nil
}

func (s *fakeSource) Ack(_ context.Context, refs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, refs...)
	return nil
}

func TestImportFromSourceAcksStoredQuotes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.ImportFromSource(ctx)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	src := &fakeSource{batch: integrations.QuoteBatch{
		Jobs: []model.JobIn{
			{ExternalRef: "q-10", Address: "1 Main St", ServiceType: "house_washing", Day: testDay},
			{ExternalRef: "q-11", Address: "Nowhere", ServiceType: "house_washing", Day: testDay},
		},
		Errors: []string{"line 4: day is empty"},
	}}
	f.svc.quotes = src
	res, err := f.svc.ImportFromSource(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Len(t, res.Errors, 2)
	assert.Equal(t, []string{"q-10"}, src.acked)

	again, err := f.svc.ImportFromSource(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Skipped)
	assert.Equal(t, []string{"q-10", "q-10"}, src.acked)
}

func TestScheduleEstimates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.vehicle(t, "v1", true)

	res, err := f.svc.ScheduleEstimates(ctx, model.EstimatesRequest{Date: testDay, Addresses: []string{"1 Main St", "Nowhere", "2 Oak Ave"}})
	require.NoError(t, err)
	require.Len(t, res.Routes, 1)
	assert.Len(t, res.Routes[0].Stops, 2)

	jobs, err := f.store.ListJobs(ctx, store.JobFilter{Day: testDay})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, "estimate", j.ServiceType)
		assert.Equal(t, 60, j.DurationMinutes)
		assert.False(t, j.WeatherSensitive)
		assert.Equal(t, time.Date(2030, 6, 3, 9, 0, 0, 0, time.UTC), *j.PreferredStart)
		assert.Equal(t, time.Date(2030, 6, 3, 8, 0, 0, 0, time.UTC), *j.EarliestStart)
		assert.Equal(t, time.Date(2030, 6, 3, 18, 0, 0, 0, time.UTC), *j.LatestStart)
		assert.Equal(t, model.JobScheduled, j.Status)
	}

	_, err = f.svc.ScheduleEstimates(ctx, model.EstimatesRequest{Date: testDay, Addresses: []string{"Nowhere"}})
	assert.ErrorIs(t, err, geocode.ErrAddressNotFound)
	_, err = f.svc.ScheduleEstimates(ctx, model.EstimatesRequest{Date: testDay})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

// routeOf returns the stored route of v1 on day and checks each stop's job carries its arrival.
func routeOf(t *testing.T, f *fixture, day string) model.Route {
	t.Helper()
	ctx := context.Background()
	r, err := f.store.GetRoute(ctx, "v1", day)
	require.NoError(t, err)
	for _, st := range r.Stops {
		j, err := f.store.GetJob(ctx, st.JobID)
		require.NoError(t, err)
		assert.Equal(t, "v1", j.VehicleID)
		require.NotNil(t, j.ScheduledStart)
		assert.True(t, st.Arrival.Equal(*j.ScheduledStart), "job %s arrival", j.ID)
	}
	return r
}

func TestCancelJobRetimesRoute(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.vehicle(t, "v1", true)
	a := f.job(t, "1 Main St", "window_cleaning")
	b := f.job(t, "2 Oak Ave", "window_cleaning")
	c := f.job(t, "3 Pine Rd", "estimate")
	_, err := f.svc.GenerateRoutes(ctx, quick(testDay))
	require.NoError(t, err)
	before := routeOf(t, f, testDay)
	require.Len(t, before.Stops, 3)

	got, err := f.svc.CancelJob(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, got.Status)
	assert.Empty(t, got.VehicleID)
	assert.Nil(t, got.ScheduledStart)

	after := routeOf(t, f, testDay)
	onRoute := stopsOf(t, f.store, testDay)
	assert.Len(t, onRoute, 2)
	assert.NotContains(t, onRoute, b.ID)
	assert.LessOrEqual(t, after.TotalDistanceKm, before.TotalDistanceKm+1e-9)
	assert.True(t, before.Start.Equal(after.Start))

	stored, err := f.store.GetJob(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, stored.Status)
	require.Len(t, f.sink.ofType("job.cancelled"), 1)

	_, err = f.svc.CancelJob(ctx, b.ID)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.svc.CompleteJob(ctx, b.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	// the last stops leave no route behind
	for _, id := range []string{a.ID, c.ID} {
		_, err = f.svc.CancelJob(ctx, id)
		require.NoError(t, err)
	}
	_, err = f.store.GetRoute(ctx, "v1", testDay)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.svc.CancelJob(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelCompletedJobRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	j := f.job(t, "1 Main St", "estimate")
	_, err := f.svc.CompleteJob(ctx, j.ID, nil)
	require.NoError(t, err)
	_, err = f.svc.CancelJob(ctx, j.ID)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestUpdateJobLeavesRoute(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.vehicle(t, "v1", true)
	a := f.job(t, "1 Main St", "window_cleaning")
	b := f.job(t, "2 Oak Ave", "window_cleaning")
	_, err := f.svc.GenerateRoutes(ctx, quick(testDay))
	require.NoError(t, err)

	_, err = f.svc.UpdateJob(ctx, a.ID, model.JobIn{Address: "1 Main St", ServiceType: "gutters", Day: testDay})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Len(t, stopsOf(t, f.store, testDay), 2)

	moved, err := f.svc.UpdateJob(ctx, a.ID, model.JobIn{CustomerID: a.CustomerID, Address: "9 Elm Ct", ServiceType: "roof_cleaning", Day: testDay})
	require.NoError(t, err)
	assert.Equal(t, model.GeoPoint{Lat: 40.03, Lng: -74.99}, moved.Location)
	assert.Equal(t, "roof_cleaning", moved.ServiceType)
	assert.Equal(t, 180, moved.DurationMinutes)
	assert.Equal(t, model.JobPending, moved.Status)
	assert.Empty(t, moved.VehicleID)
	assert.Equal(t, a.CreatedAt, moved.CreatedAt)

	onRoute := stopsOf(t, f.store, testDay)
	assert.Equal(t, map[string]string{b.ID: "v1"}, onRoute)
	routeOf(t, f, testDay)
	require.Len(t, f.sink.ofType("job.updated"), 1)

	// same address, no location: the stored point is kept without geocoding
	f.svc.geocoder = fakeGeocoder{}
	kept, err := f.svc.UpdateJob(ctx, b.ID, model.JobIn{Address: "2 Oak Ave", ServiceType: "window_cleaning", Day: testDay, Notes: "gate code 4411"})
	require.NoError(t, err)
	assert.Equal(t, b.Location, kept.Location)
	assert.Equal(t, "gate code 4411", kept.Notes)
	_, err = f.store.GetRoute(ctx, "v1", testDay)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.svc.UpdateJob(ctx, "missing", model.JobIn{Address: "1 Main St", ServiceType: "estimate", Day: testDay})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRescheduleJobReplansBothDays(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.vehicle(t, "v1", true)
	a := f.job(t, "1 Main St", "window_cleaning")
	b := f.job(t, "2 Oak Ave", "window_cleaning")
	_, err := f.svc.GenerateRoutes(ctx, quick(testDay))
	require.NoError(t, err)

	const next = "2030-06-04"
	wrong := time.Date(2030, 6, 5, 10, 0, 0, 0, time.UTC)
	_, err = f.svc.RescheduleJob(ctx, a.ID, model.MoveJobRequest{Date: next, PreferredStart: &wrong})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	pref := time.Date(2030, 6, 4, 10, 0, 0, 0, time.UTC)
	res, err := f.svc.RescheduleJob(ctx, a.ID, model.MoveJobRequest{Date: next, PreferredStart: &pref})
	require.NoError(t, err)
	assert.Equal(t, testDay, res.From)
	assert.Equal(t, next, res.Job.Day)
	assert.Equal(t, model.JobScheduled, res.Job.Status)
	assert.Equal(t, "v1", res.Job.VehicleID)
	require.NotNil(t, res.Job.EarliestStart)
	require.NotNil(t, res.Job.LatestStart)
	assert.True(t, pref.Equal(*res.Job.PreferredStart))
	assert.True(t, time.Date(2030, 6, 4, 8, 0, 0, 0, time.UTC).Equal(*res.Job.EarliestStart))
	assert.True(t, time.Date(2030, 6, 4, 18, 0, 0, 0, time.UTC).Equal(*res.Job.LatestStart))
	assert.Equal(t, next, res.Plan.Date)

	assert.Equal(t, map[string]string{b.ID: "v1"}, stopsOf(t, f.store, testDay))
	assert.Equal(t, map[string]string{a.ID: "v1"}, stopsOf(t, f.store, next))

	evts := f.sink.ofType("job.moved")
	require.Len(t, evts, 1)
	data := evts[0].Data.(map[string]any)
	assert.Equal(t, "manual", data["reason"])
	assert.NotContains(t, data, "crmStatus")
	assert.Len(t, f.sink.ofType("routes.planned"), 3)

	done, err := f.svc.CompleteJob(ctx, b.ID, nil)
	require.NoError(t, err)
	_, err = f.svc.RescheduleJob(ctx, done.ID, model.MoveJobRequest{Date: next})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
