package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewroute/internal/auth"
	"crewroute/internal/model"
	"crewroute/internal/opt"
	"crewroute/internal/planner"
	"crewroute/internal/store"
	"crewroute/internal/weather"
)

const testDay = "2031-03-04"

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	cfg := planner.DefaultConfig()
	cfg.Depot = opt.Location{Lat: 40, Lng: -75}
	cfg.TimeZone = time.UTC
	cfg.FullBudget = time.Second
	cfg.QuickBudget = time.Second
	fair := weather.Condition{WindSpeedMph: 5, TemperatureF: 70}
	p := planner.New(cfg, planner.Deps{Store: st, Weather: weather.Fixed{Condition: fair}})
	v, err := auth.NewVerifier("dev", "")
	require.NoError(t, err)
	return NewServer(p, st, v, nil), st
}

// do runs one request through the full handler chain as the given dev role.
func do(t *testing.T, s *Server, method, path, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("Authorization", "Bearer tester:"+role)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func seedFleet(t *testing.T, s *Server) {
	t.Helper()
	for _, id := range []string{"truck-1", "truck-2"} {
		rr := do(t, s, http.MethodPut, "/v1/vehicles/"+id, auth.RoleDispatcher, model.Vehicle{Name: id, CrewCapacity: 3, FuelEfficiency: 12, Available: true})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}
}

func createJob(t *testing.T, s *Server, lat, lng float64, kind string) model.Job {
	t.Helper()
	rr := do(t, s, http.MethodPost, "/v1/jobs", auth.RoleDispatcher, model.JobIn{
		CustomerID:  "cust",
		Address:     "somewhere",
		Location:    &model.GeoPoint{Lat: lat, Lng: lng},
		ServiceType: kind,
		Day:         testDay,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[model.Job](t, rr)
}

func TestHealthReady(t *testing.T) {
	s, _ := newTestServer(t)
	rr := do(t, s, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, s, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	s.Checks["redis"] = func(context.Context) error { return errors.New("connection refused") }
	rr = do(t, s, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "connection refused")
}

func TestJobsCreateGetList(t *testing.T) {
	s, _ := newTestServer(t)
	j := createJob(t, s, 40.01, -75.01, "pressure_washing")
	assert.Equal(t, model.JobPending, j.Status)
	assert.Equal(t, opt.PressureWashing.DefaultMinutes(), j.DurationMinutes)

	rr := do(t, s, http.MethodGet, "/v1/jobs/"+j.ID, auth.RoleCrew, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, j.ID, decode[model.Job](t, rr).ID)

	rr = do(t, s, http.MethodGet, "/v1/jobs?date="+testDay+"&unassigned=true", auth.RoleCrew, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[struct{ Items []model.Job }](t, rr)
	assert.Len(t, list.Items, 1)

	rr = do(t, s, http.MethodGet, "/v1/jobs/missing", auth.RoleCrew, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestCreateJobValidation(t *testing.T) {
	s, _ := newTestServer(t)
	rr := do(t, s, http.MethodPost, "/v1/jobs", auth.RoleDispatcher, model.JobIn{
		Location: &model.GeoPoint{Lat: 40, Lng: -75}, ServiceType: "sandblasting", Day: testDay,
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, s, http.MethodPost, "/v1/jobs", auth.RoleDispatcher, map[string]any{"bogus": true})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// geocoding is disabled in this server
	rr = do(t, s, http.MethodPost, "/v1/jobs", auth.RoleDispatcher, model.JobIn{Address: "1 Main St", ServiceType: "estimate", Day: testDay})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRolesEnforced(t *testing.T) {
	s, _ := newTestServer(t)
	rr := do(t, s, http.MethodPost, "/v1/routing/generate", auth.RoleCrew, model.GenerateRequest{Date: testDay})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, s, http.MethodGet, "/v1/admin/webhook-deliveries", auth.RoleDispatcher, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, s, http.MethodGet, "/v1/admin/webhook-deliveries", auth.RoleAdmin, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer not-a-dev-token")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVehicleValidation(t *testing.T) {
	s, _ := newTestServer(t)
	rr := do(t, s, http.MethodPut, "/v1/vehicles/truck-9", auth.RoleDispatcher, model.Vehicle{Name: "x", CrewCapacity: 0})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, s, http.MethodPut, "/v1/vehicles/truck-9", auth.RoleDispatcher, model.Vehicle{CrewCapacity: 2, Capabilities: []string{"Teleport"}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, s, http.MethodPut, "/v1/vehicles/truck-9", auth.RoleDispatcher, model.Vehicle{ID: "other", CrewCapacity: 2})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, s, http.MethodPut, "/v1/vehicles/truck-9", auth.RoleDispatcher, model.Vehicle{CrewCapacity: 2, Capabilities: []string{"Window_Cleaning"}, Available: true})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"window_cleaning"}, decode[model.Vehicle](t, rr).Capabilities)
}

func TestGenerateRoutesAndRead(t *testing.T) {
	s, _ := newTestServer(t)
	seedFleet(t, s)
	a := createJob(t, s, 40.01, -75.01, "pressure_washing")
	b := createJob(t, s, 40.02, -75.00, "window_cleaning")
	c := createJob(t, s, 39.99, -75.02, "estimate")

	rr := do(t, s, http.MethodPost, "/v1/routing/generate", auth.RoleDispatcher, model.GenerateRequest{Date: testDay, MaxIterations: 30, Seed: 1})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[model.PlanResult](t, rr)
	assert.Empty(t, res.Unassigned)
	assert.Zero(t, res.Score.Hard)

	rr = do(t, s, http.MethodGet, "/v1/routes?date="+testDay, auth.RoleCrew, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	routes := decode[struct{ Items []model.Route }](t, rr).Items
	seen := map[string]bool{}
	for _, r := range routes {
		for _, st := range r.Stops {
			seen[st.JobID] = true
		}
	}
	assert.Equal(t, map[string]bool{a.ID: true, b.ID: true, c.ID: true}, seen)

	rr = do(t, s, http.MethodGet, "/v1/routes/"+routes[0].VehicleID+"?date="+testDay, auth.RoleCrew, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, routes[0].VehicleID, decode[model.Route](t, rr).VehicleID)

	rr = do(t, s, http.MethodGet, "/v1/routing/stats?date="+testDay, auth.RoleCrew, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 3, decode[model.RouteStats](t, rr).TotalJobs)

	rr = do(t, s, http.MethodGet, "/v1/admin/plan-metrics?date="+testDay, auth.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"daily"`)

	rr = do(t, s, http.MethodGet, "/v1/routes", auth.RoleCrew, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestReoptimizeRequiresVehicles(t *testing.T) {
	s, _ := newTestServer(t)
	seedFleet(t, s)
	rr := do(t, s, http.MethodPost, "/v1/routing/reoptimize", auth.RoleDispatcher, model.ReoptimizeRequest{Date: testDay})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestEmergencyInsertion(t *testing.T) {
	s, _ := newTestServer(t)
	seedFleet(t, s)
	createJob(t, s, 40.01, -75.01, "house_washing")
	createJob(t, s, 40.02, -75.00, "window_cleaning")
	rr := do(t, s, http.MethodPost, "/v1/routing/generate", auth.RoleDispatcher, model.GenerateRequest{Date: testDay, MaxIterations: 30})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	pref := time.Date(2031, 3, 4, 11, 0, 0, 0, time.UTC)
	rr = do(t, s, http.MethodPost, "/v1/routing/emergency", auth.RoleDispatcher, model.EmergencyRequest{
		CustomerID:     "vip",
		Location:       &model.GeoPoint{Lat: 40.015, Lng: -75.005},
		ServiceType:    "pressure_washing",
		PreferredStart: &pref,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	res := decode[model.EmergencyResult](t, rr)
	assert.True(t, res.Job.Emergency)
	assert.Equal(t, model.JobScheduled, res.Job.Status)
	require.GreaterOrEqual(t, res.Position, 1)
	assert.Equal(t, res.Job.ID, res.Route.Stops[res.Position-1].JobID)

	rr = do(t, s, http.MethodPost, "/v1/routing/emergency", auth.RoleDispatcher, model.EmergencyRequest{ServiceType: "pressure_washing", Location: &model.GeoPoint{Lat: 40, Lng: -75}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCompleteJob(t *testing.T) {
	s, _ := newTestServer(t)
	j := createJob(t, s, 40.01, -75.01, "roof_cleaning")

	rr := do(t, s, http.MethodPost, "/v1/jobs/"+j.ID+"/complete", auth.RoleCrew, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	got := decode[model.Job](t, rr)
	assert.Equal(t, model.JobCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	rr = do(t, s, http.MethodGet, "/v1/jobs/"+j.ID+"/complete", auth.RoleCrew, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestJobEditCancelReschedule(t *testing.T) {
	s, st := newTestServer(t)
	seedFleet(t, s)
	a := createJob(t, s, 40.01, -75.01, "pressure_washing")
	b := createJob(t, s, 40.02, -75.00, "window_cleaning")
	rr := do(t, s, http.MethodPost, "/v1/routing/generate", auth.RoleDispatcher, model.GenerateRequest{Date: testDay, MaxIterations: 30, Seed: 1})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	edit := model.JobIn{CustomerID: "cust", Address: "somewhere", Location: &model.GeoPoint{Lat: 40.03, Lng: -75.02}, ServiceType: "pressure_washing", Day: testDay, Notes: "side gate"}
	rr = do(t, s, http.MethodPut, "/v1/jobs/"+a.ID, auth.RoleCrew, edit)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = do(t, s, http.MethodPut, "/v1/jobs/"+a.ID, auth.RoleDispatcher, edit)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	updated := decode[model.Job](t, rr)
	assert.Equal(t, "side gate", updated.Notes)
	assert.Equal(t, model.JobPending, updated.Status)
	assert.Empty(t, updated.VehicleID)

	rr = do(t, s, http.MethodDelete, "/v1/jobs/"+a.ID, auth.RoleDispatcher, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, model.JobCancelled, decode[model.Job](t, rr).Status)
	rr = do(t, s, http.MethodPost, "/v1/jobs/"+a.ID+"/reschedule", auth.RoleDispatcher, model.MoveJobRequest{Date: "2031-03-05"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, s, http.MethodPost, "/v1/jobs/"+b.ID+"/reschedule", auth.RoleDispatcher, model.MoveJobRequest{Date: "2031-03-05"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[model.MoveJobResult](t, rr)
	assert.Equal(t, testDay, res.From)
	assert.Equal(t, "2031-03-05", res.Job.Day)
	assert.Equal(t, model.JobScheduled, res.Job.Status)

	left, err := st.ListRoutes(context.Background(), testDay)
	require.NoError(t, err)
	assert.Empty(t, left)

	rr = do(t, s, http.MethodDelete, "/v1/jobs/nope", auth.RoleDispatcher, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = do(t, s, http.MethodPatch, "/v1/jobs/"+b.ID, auth.RoleDispatcher, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestImportCSV(t *testing.T) {
	s, _ := newTestServer(t)
	csv := "external_ref,customer_id,address,lat,lng,service_type,day\n" +
		"Q-1,c1,1 Main St,40.01,-75.01,pressure_washing," + testDay + "\n" +
		"Q-2,c2,2 Oak Ave,40.02,-75.00,window_cleaning," + testDay + "\n"
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/import", strings.NewReader(csv))
	req.Header.Set("Authorization", "Bearer ops:dispatcher")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 2, decode[model.ImportResult](t, rr).Created)

	// no CRM source configured
	rr = do(t, s, http.MethodPost, "/v1/jobs/import?source=crm", auth.RoleDispatcher, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWeatherEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	rr := do(t, s, http.MethodGet, "/v1/weather?date="+testDay, auth.RoleCrew, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[model.WeatherOut](t, rr).Suitable)

	rr = do(t, s, http.MethodPost, "/v1/routing/weather-check", auth.RoleDispatcher, map[string]string{"date": testDay})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Empty(t, decode[model.RescheduleResult](t, rr).MovedJobIDs)
}

func TestDebugAndMetrics(t *testing.T) {
	s, _ := newTestServer(t)
	s.Settings = map[string]any{"authMode": "dev"}
	rr := do(t, s, http.MethodGet, "/v1/admin/debug", auth.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "crewroute")

	rr = do(t, s, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/v1/jobs/abc-123":            "/v1/jobs/:id",
		"/v1/jobs/abc-123/complete":   "/v1/jobs/:id/complete",
		"/v1/jobs/abc-123/reschedule": "/v1/jobs/:id/reschedule",
		"/v1/jobs/import":             "/v1/jobs/import",
		"/v1/routing/generate":        "/v1/routing/generate",
		"/healthz":                    "/healthz",
		"/wp-admin.php":               "other",
	}
	for in, want := range cases {
		assert.Equal(t, want, routeLabel(in), in)
	}
}
