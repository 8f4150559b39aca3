package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"crewroute/internal/model"
	"crewroute/internal/store"
)

const (
	// maxImportBytes bounds CSV uploads.
	maxImportBytes = 10 << 20
	readyTimeout   = 3 * time.Second
)

// JobsHandler handles GET/POST /v1/jobs
func (s *Server) JobsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !s.requireAny(w, r) {
			return
		}
		q := r.URL.Query()
		f := store.JobFilter{
			Day:            q.Get("date"),
			Status:         q.Get("status"),
			VehicleID:      q.Get("vehicleId"),
			UnassignedOnly: q.Get("unassigned") == "true",
		}
		items, err := s.Store.ListJobs(r.Context(), f)
		if err != nil {
			writeError(w, r, err, "List jobs failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		if !s.requirePlanner(w, r) {
			return
		}
		var in model.JobIn
		if err := decodeJSON(w, r, &in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		job, err := s.Planner.CreateJob(r.Context(), in)
		if err != nil {
			writeError(w, r, err, "Create job failed")
			return
		}
		writeJSON(w, http.StatusCreated, job)
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

// JobByIDHandler handles GET/PUT/DELETE /v1/jobs/{id}, POST /v1/jobs/{id}/complete,
// POST /v1/jobs/{id}/reschedule and POST /v1/jobs/import
func (s *Server) JobByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/jobs/"), "/")
	parts := strings.Split(rest, "/")
	switch {
	case rest == "":
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
	case rest == "import":
		s.importJobs(w, r)
	case len(parts) == 1:
		s.job(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "complete":
		s.completeJob(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "reschedule":
		s.rescheduleJob(w, r, parts[0])
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

// job reads, edits or cancels one job. DELETE keeps the record as cancelled.
func (s *Server) job(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		if !s.requireAny(w, r) {
			return
		}
		job, err := s.Store.GetJob(r.Context(), id)
		if err != nil {
			writeError(w, r, err, "Get job failed")
			return
		}
		writeJSON(w, http.StatusOK, job)
	case http.MethodPut:
		if !s.requirePlanner(w, r) {
			return
		}
		var in model.JobIn
		if err := decodeJSON(w, r, &in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		job, err := s.Planner.UpdateJob(r.Context(), id, in)
		if err != nil {
			writeError(w, r, err, "Update job failed")
			return
		}
		writeJSON(w, http.StatusOK, job)
	case http.MethodDelete:
		if !s.requirePlanner(w, r) {
			return
		}
		job, err := s.Planner.CancelJob(r.Context(), id)
		if err != nil {
			writeError(w, r, err, "Cancel job failed")
			return
		}
		writeJSON(w, http.StatusOK, job)
	default:
		methodNotAllowed(w, r, "GET, PUT, DELETE")
	}
}

func (s *Server) rescheduleJob(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !s.requirePlanner(w, r) {
		return
	}
	var req model.MoveJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	res, err := s.Planner.RescheduleJob(r.Context(), id, req)
	if err != nil {
		writeError(w, r, err, "Reschedule job failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// completeJob is open to crews; the body is optional.
func (s *Server) completeJob(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !s.requireAny(w, r) {
		return
	}
	var req model.CompleteJobRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	job, err := s.Planner.CompleteJob(r.Context(), id, req.CompletedAt)
	if err != nil {
		writeError(w, r, err, "Complete job failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// importJobs takes a CSV body, or pulls approved quotes from the CRM with ?source=crm.
func (s *Server) importJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !s.requirePlanner(w, r) {
		return
	}
	var (
		res model.ImportResult
		err error
	)
	switch src := r.URL.Query().Get("source"); src {
	case "crm":
		res, err = s.Planner.ImportFromSource(r.Context())
	case "", "csv":
		res, err = s.Planner.ImportCSV(r.Context(), http.MaxBytesReader(w, r.Body, maxImportBytes))
	default:
		writeProblem(w, http.StatusBadRequest, "Invalid request", "unknown source "+src, r.URL.Path)
		return
	}
	if err != nil {
		writeError(w, r, err, "Import failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// VehiclesHandler handles GET/POST /v1/vehicles
func (s *Server) VehiclesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !s.requireAny(w, r) {
			return
		}
		items, err := s.Store.ListVehicles(r.Context(), r.URL.Query().Get("available") == "true")
		if err != nil {
			writeError(w, r, err, "List vehicles failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var v model.Vehicle
		if !s.requirePlanner(w, r) {
			return
		}
		if err := decodeJSON(w, r, &v); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		s.saveVehicle(w, r, v, http.StatusCreated)
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

// VehicleByIDHandler handles GET/PUT /v1/vehicles/{id}
func (s *Server) VehicleByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/vehicles/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodGet:
		if !s.requireAny(w, r) {
			return
		}
		v, err := s.Store.GetVehicle(r.Context(), id)
		if err != nil {
			writeError(w, r, err, "Get vehicle failed")
			return
		}
		writeJSON(w, http.StatusOK, v)
	case http.MethodPut:
		if !s.requirePlanner(w, r) {
			return
		}
		var v model.Vehicle
		if err := decodeJSON(w, r, &v); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if v.ID != "" && v.ID != id {
			writeProblem(w, http.StatusBadRequest, "Invalid request", "id in body does not match path", r.URL.Path)
			return
		}
		v.ID = id
		s.saveVehicle(w, r, v, http.StatusOK)
	default:
		methodNotAllowed(w, r, "GET, PUT")
	}
}

func (s *Server) saveVehicle(w http.ResponseWriter, r *http.Request, v model.Vehicle, status int) {
	if err := validateVehicle(&v); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid vehicle", err.Error(), r.URL.Path)
		return
	}
	out, err := s.Store.UpsertVehicle(r.Context(), v)
	if err != nil {
		writeError(w, r, err, "Save vehicle failed")
		return
	}
	writeJSON(w, status, out)
}

// planCall decodes a POST body into req, runs fn and writes its result with status.
func planCall[Req, Resp any](s *Server, w http.ResponseWriter, r *http.Request, status int, fallback string, fn func(context.Context, Req) (Resp, error)) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !s.requirePlanner(w, r) {
		return
	}
	var req Req
	// an empty body leaves req zero; the planner reports what is missing
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	out, err := fn(r.Context(), req)
	if err != nil {
		writeError(w, r, err, fallback)
		return
	}
	writeJSON(w, status, out)
}

// GenerateHandler handles POST /v1/routing/generate
func (s *Server) GenerateHandler(w http.ResponseWriter, r *http.Request) {
	planCall(s, w, r, http.StatusOK, "Generate routes failed", s.Planner.GenerateRoutes)
}

// ReoptimizeHandler handles POST /v1/routing/reoptimize
func (s *Server) ReoptimizeHandler(w http.ResponseWriter, r *http.Request) {
	planCall(s, w, r, http.StatusOK, "Reoptimize failed", s.Planner.ReoptimizeRoutes)
}

// EmergencyHandler handles POST /v1/routing/emergency
func (s *Server) EmergencyHandler(w http.ResponseWriter, r *http.Request) {
	planCall(s, w, r, http.StatusCreated, "Emergency scheduling failed", s.Planner.ScheduleEmergencyJob)
}

// EstimatesHandler handles POST /v1/routing/estimates
func (s *Server) EstimatesHandler(w http.ResponseWriter, r *http.Request) {
	planCall(s, w, r, http.StatusOK, "Estimate scheduling failed", s.Planner.ScheduleEstimates)
}

// WeatherCheckHandler handles POST /v1/routing/weather-check. An empty date checks tomorrow.
func (s *Server) WeatherCheckHandler(w http.ResponseWriter, r *http.Request) {
	planCall(s, w, r, http.StatusOK, "Weather check failed", func(ctx context.Context, req struct {
		Date string `json:"date"`
	}) (model.RescheduleResult, error) {
		return s.Planner.CheckWeatherAndReschedule(ctx, req.Date)
	})
}

// RouteStatsHandler handles GET /v1/routing/stats?date=
func (s *Server) RouteStatsHandler(w http.ResponseWriter, r *http.Request) {
	s.dayQuery(w, r, s.requireAny, "Route stats failed", func(ctx context.Context, day string) (any, error) {
		return s.Planner.RouteMetrics(ctx, day)
	})
}

// WeatherHandler handles GET /v1/weather?date=
func (s *Server) WeatherHandler(w http.ResponseWriter, r *http.Request) {
	s.dayQuery(w, r, s.requireAny, "Forecast failed", func(ctx context.Context, day string) (any, error) {
		return s.Planner.Forecast(ctx, day)
	})
}

// RoutesIndexHandler handles GET /v1/routes?date=
func (s *Server) RoutesIndexHandler(w http.ResponseWriter, r *http.Request) {
	s.dayQuery(w, r, s.requireAny, "List routes failed", func(ctx context.Context, day string) (any, error) {
		items, err := s.Store.ListRoutes(ctx, day)
		if err != nil {
			return nil, err
		}
		return map[string]any{"date": day, "items": items}, nil
	})
}

// RouteByVehicleHandler handles GET /v1/routes/{vehicleId}?date=
func (s *Server) RouteByVehicleHandler(w http.ResponseWriter, r *http.Request) {
	vid := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/routes/"), "/")
	if vid == "" || strings.Contains(vid, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	s.dayQuery(w, r, s.requireAny, "Get route failed", func(ctx context.Context, day string) (any, error) {
		return s.Store.GetRoute(ctx, vid, day)
	})
}

// PlanMetricsHandler handles GET /v1/admin/plan-metrics?date=
func (s *Server) PlanMetricsHandler(w http.ResponseWriter, r *http.Request) {
	s.dayQuery(w, r, s.requireAdmin, "Plan metrics failed", func(ctx context.Context, day string) (any, error) {
		return s.Planner.PlanMetrics(ctx, day)
	})
}

// dayQuery serves GET endpoints keyed by a required ?date=.
func (s *Server) dayQuery(w http.ResponseWriter, r *http.Request, allow func(http.ResponseWriter, *http.Request) bool, fallback string, fn func(context.Context, string) (any, error)) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !allow(w, r) {
		return
	}
	day, err := queryDay(r.URL.Query())
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid request", err.Error(), r.URL.Path)
		return
	}
	out, err := fn(r.Context(), day)
	if err != nil {
		writeError(w, r, err, fallback)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// WebhookDeliveriesHandler handles GET /v1/admin/webhook-deliveries?status=
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	items, err := s.Store.ListWebhookDeliveries(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, r, err, "List deliveries failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler pings the store and every registered check.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	checks := map[string]string{}
	ok := true
	run := func(name string, fn func(context.Context) error) {
		if err := fn(ctx); err != nil {
			checks[name] = err.Error()
			ok = false
			return
		}
		checks[name] = "ok"
	}
	run("store", s.Store.Ping)
	for name, fn := range s.Checks {
		run(name, fn)
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ok, "checks": checks})
}
