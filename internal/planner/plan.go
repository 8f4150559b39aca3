package planner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"crewroute/internal/lock"
	"crewroute/internal/metrics"
	"crewroute/internal/model"
	"crewroute/internal/opt"
	"crewroute/internal/store"
)

func (s *Service) options(budget time.Duration, budgetMs, maxIterations int, seed int64) (opt.Options, error) {
	if budgetMs < 0 || maxIterations < 0 {
		return opt.Options{}, invalid("timeBudgetMs and maxIterations must not be negative")
	}
	o := opt.Options{TimeBudget: budget, Seed: s.cfg.Seed, IterationLimit: maxIterations}
	if budgetMs > 0 {
		o.TimeBudget = time.Duration(budgetMs) * time.Millisecond
	}
	if seed != 0 {
		o.Seed = seed
	}
	if err := o.Validate(); err != nil {
		return opt.Options{}, invalid("%v", err)
	}
	return o, nil
}

// GenerateRoutes plans the whole day: every open job on the available vehicles.
// Weather-sensitive jobs are held back when the forecast rules out exterior work.
func (s *Service) GenerateRoutes(ctx context.Context, req model.GenerateRequest) (model.PlanResult, error) {
	day, err := s.parseDay(req.Date)
	if err != nil {
		return model.PlanResult{}, err
	}
	opts, err := s.options(s.cfg.FullBudget, req.TimeBudgetMs, req.MaxIterations, req.Seed)
	if err != nil {
		return model.PlanResult{}, err
	}
	vehicles, err := s.store.ListVehicles(ctx, true)
	if err != nil {
		return model.PlanResult{}, fmt.Errorf("list vehicles: %w", err)
	}
	ids := make([]string, 0, len(vehicles))
	for _, v := range vehicles {
		ids = append(ids, v.ID)
	}
	release, existing, err := s.lockDay(ctx, req.Date, ids)
	if err != nil {
		return model.PlanResult{}, err
	}
	defer release()
	stale := map[string]bool{}
	for _, r := range existing {
		stale[r.VehicleID] = true
	}

	jobs, err := s.store.ListJobs(ctx, store.JobFilter{Day: req.Date})
	if err != nil {
		return model.PlanResult{}, fmt.Errorf("list jobs: %w", err)
	}
	cond := s.weather.Forecast(ctx, day)
	suitable := cond.SuitableForExteriorWork()
	var plannable []model.Job
	var deferred []string
	for _, j := range jobs {
		switch {
		case !open(j):
		case j.WeatherSensitive && !suitable:
			deferred = append(deferred, j.ID)
		default:
			plannable = append(plannable, j)
		}
	}
	if len(deferred) > 0 {
		log.Printf("[PLANNER] day=%s weather unsuitable, deferring %d jobs", req.Date, len(deferred))
		for _, id := range deferred {
			if err := s.store.AssignJob(ctx, id, "", nil); err != nil {
				return model.PlanResult{}, fmt.Errorf("defer job %s: %w", id, err)
			}
		}
	}

	res, err := s.solveAndPersist(ctx, opt.RunDaily, day, vehicles, plannable, opts, stale)
	if err != nil {
		return model.PlanResult{}, err
	}
	res.Deferred = deferred
	s.emit(ctx, "routes.planned", map[string]any{
		"date": req.Date, "kind": string(opt.RunDaily), "routes": len(res.Routes),
		"unassigned": res.Unassigned, "deferred": deferred, "score": res.Score.Text,
	})
	return res, nil
}

// lockDay locks the routes of vehicleIDs on day plus every vehicle that already has a
// route there, and returns those routes as read under the locks. A route that appears
// for an unlocked vehicle between listing and locking widens the set and retries.
func (s *Service) lockDay(ctx context.Context, day string, vehicleIDs []string) (func(), []model.Route, error) {
	want := map[string]bool{}
	for _, id := range vehicleIDs {
		want[id] = true
	}
	for {
		keys := make([]string, 0, len(want))
		for id := range want {
			keys = append(keys, lock.RouteKey(id, day))
		}
		release, err := lock.AcquireAll(ctx, s.locker, keys)
		if err != nil {
			return nil, nil, fmt.Errorf("lock routes: %w", err)
		}
		routes, err := s.store.ListRoutes(ctx, day)
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("list routes: %w", err)
		}
		widened := false
		for _, r := range routes {
			if !want[r.VehicleID] {
				want[r.VehicleID] = true
				widened = true
			}
		}
		if !widened {
			return release, routes, nil
		}
		release()
	}
}

// ReoptimizeRoutes rebuilds the named vehicles' routes from their current stops plus the
// day's unassigned jobs. Other vehicles are left alone.
func (s *Service) ReoptimizeRoutes(ctx context.Context, req model.ReoptimizeRequest) (model.PlanResult, error) {
	day, err := s.parseDay(req.Date)
	if err != nil {
		return model.PlanResult{}, err
	}
	if len(req.VehicleIDs) == 0 {
		return model.PlanResult{}, invalid("vehicleIds is required")
	}
	opts, err := s.options(s.cfg.QuickBudget, req.TimeBudgetMs, 0, req.Seed)
	if err != nil {
		return model.PlanResult{}, err
	}
	var vehicles []model.Vehicle
	var keys []string
	for _, id := range req.VehicleIDs {
		v, err := s.store.GetVehicle(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("[PLANNER] reoptimize: unknown vehicle=%s", id)
			continue
		}
		if err != nil {
			return model.PlanResult{}, fmt.Errorf("get vehicle %s: %w", id, err)
		}
		vehicles = append(vehicles, v)
		keys = append(keys, lock.RouteKey(v.ID, req.Date))
	}
	if len(vehicles) == 0 {
		return model.PlanResult{}, invalid("none of the vehicles exist")
	}
	release, err := lock.AcquireAll(ctx, s.locker, keys)
	if err != nil {
		return model.PlanResult{}, fmt.Errorf("lock routes: %w", err)
	}
	defer release()

	seen := map[string]bool{}
	stale := map[string]bool{}
	var jobs []model.Job
	add := func(j model.Job) {
		if open(j) && !seen[j.ID] {
			seen[j.ID] = true
			jobs = append(jobs, j)
		}
	}
	for _, v := range vehicles {
		r, err := s.store.GetRoute(ctx, v.ID, req.Date)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return model.PlanResult{}, fmt.Errorf("get route %s: %w", v.ID, err)
		}
		stale[v.ID] = true
		for _, st := range r.Stops {
			j, err := s.store.GetJob(ctx, st.JobID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return model.PlanResult{}, fmt.Errorf("get job %s: %w", st.JobID, err)
			}
			add(j)
		}
	}
	unassigned, err := s.store.ListJobs(ctx, store.JobFilter{Day: req.Date, UnassignedOnly: true})
	if err != nil {
		return model.PlanResult{}, fmt.Errorf("list jobs: %w", err)
	}
	for _, j := range unassigned {
		add(j)
	}

	res, err := s.solveAndPersist(ctx, opt.RunReoptimize, day, vehicles, jobs, opts, stale)
	if err != nil {
		return model.PlanResult{}, err
	}
	s.emit(ctx, "routes.planned", map[string]any{
		"date": req.Date, "kind": string(opt.RunReoptimize), "routes": len(res.Routes),
		"vehicleIds": req.VehicleIDs, "unassigned": res.Unassigned, "score": res.Score.Text,
	})
	return res, nil
}

// solveAndPersist runs the engine and stores the outcome. Callers hold the route locks of
// every vehicle in vehicles and stale. Stale routes that end up empty are deleted.
func (s *Service) solveAndPersist(ctx context.Context, kind opt.RunKind, day time.Time, vehicles []model.Vehicle, jobs []model.Job, opts opt.Options, stale map[string]bool) (model.PlanResult, error) {
	dayStr := day.Format(time.DateOnly)
	hours, err := s.hours(day)
	if err != nil {
		return model.PlanResult{}, err
	}
	var rejected []string
	stops := make([]*opt.Stop, 0, len(jobs))
	for _, j := range jobs {
		st, err := toStop(j)
		if err != nil {
			log.Printf("[PLANNER] day=%s skipping job=%s: %v", dayStr, j.ID, err)
			rejected = append(rejected, j.ID)
			continue
		}
		stops = append(stops, st)
	}
	ovs := make([]*opt.Vehicle, 0, len(vehicles))
	for _, v := range vehicles {
		ovs = append(ovs, toVehicle(v))
	}
	p := opt.NewProblem(s.cfg.Depot, hours, s.cfg.Pricing, ovs, stops)
	result, m := opt.Solve(ctx, p, opts)
	if err := ctx.Err(); err != nil {
		return model.PlanResult{}, fmt.Errorf("plan %s: %w", dayStr, err)
	}
	log.Printf("[PLANNER] kind=%s day=%s stops=%d vehicles=%d score=%s iterations=%d reason=%s elapsed=%s",
		kind, dayStr, len(stops), len(ovs), result.Score, m.Iterations, m.StopReason, m.Elapsed)

	out := model.PlanResult{
		Date:       dayStr,
		Routes:     []model.Route{},
		Score:      scoreOut(result.Score),
		Breakdown:  opt.Explain(p),
		Iterations: m.Iterations,
		StopReason: string(m.StopReason),
		ElapsedMs:  m.Elapsed.Milliseconds(),
	}
	for _, it := range opt.BuildItineraries(ctx, p, s.travel, day) {
		saved, err := s.store.SaveRoute(ctx, routeFromItinerary(it, result.Score.String()))
		if err != nil {
			return model.PlanResult{}, fmt.Errorf("save route %s: %w", it.VehicleID, err)
		}
		delete(stale, it.VehicleID)
		for _, st := range it.Stops {
			arrival := st.Arrival
			if err := s.store.AssignJob(ctx, st.StopID, it.VehicleID, &arrival); err != nil {
				return model.PlanResult{}, fmt.Errorf("assign job %s: %w", st.StopID, err)
			}
		}
		out.Routes = append(out.Routes, saved)
	}
	for vid := range stale {
		if err := s.store.DeleteRoute(ctx, vid, dayStr); err != nil && !errors.Is(err, store.ErrNotFound) {
			return model.PlanResult{}, fmt.Errorf("delete route %s: %w", vid, err)
		}
	}
	out.Unassigned = append(result.Unassigned, rejected...)
	for _, id := range out.Unassigned {
		if err := s.store.AssignJob(ctx, id, "", nil); err != nil {
			return model.PlanResult{}, fmt.Errorf("unassign job %s: %w", id, err)
		}
	}

	s.record(ctx, dayStr, kind, m, map[string]any{"routes": len(out.Routes), "unassigned": len(out.Unassigned)})
	return out, nil
}

// record keeps run metrics in memory, in the store and in Prometheus. Store failures are logged only.
func (s *Service) record(ctx context.Context, day string, kind opt.RunKind, m opt.Metrics, extra map[string]any) {
	opt.RecordMetrics(day, kind, m)
	metrics.OptimizationRuns.WithLabelValues(string(kind), string(m.StopReason)).Inc()
	metrics.OptimizationDuration.WithLabelValues(string(kind)).Observe(m.Elapsed.Seconds())
	metrics.PlanScore.WithLabelValues(string(kind), "hard").Set(float64(m.BestScore.Hard))
	metrics.PlanScore.WithLabelValues(string(kind), "medium").Set(float64(m.BestScore.Medium))
	metrics.PlanScore.WithLabelValues(string(kind), "soft").Set(float64(m.BestScore.Soft))
	row := map[string]any{
		"iterations":        m.Iterations,
		"accepted":          m.Accepted,
		"improvements":      m.Improvements,
		"constructionScore": m.ConstructionScore.String(),
		"bestScore":         m.BestScore.String(),
		"elapsedMs":         m.Elapsed.Milliseconds(),
		"stopReason":        string(m.StopReason),
	}
	for k, v := range extra {
		row[k] = v
	}
	if err := s.store.SavePlanMetrics(ctx, day, string(kind), row); err != nil {
		log.Printf("[PLANNER] save plan metrics day=%s kind=%s err=%v", day, kind, err)
	}
}

// PlanMetrics is the admin view of optimization runs for a day.
type PlanMetrics struct {
	Date    string                      `json:"date"`
	Latest  map[opt.RunKind]opt.Metrics `json:"latest"`
	History []map[string]any            `json:"history"`
}

func (s *Service) PlanMetrics(ctx context.Context, date string) (PlanMetrics, error) {
	if _, err := s.parseDay(date); err != nil {
		return PlanMetrics{}, err
	}
	hist, err := s.store.ListPlanMetrics(ctx, date)
	if err != nil {
		return PlanMetrics{}, fmt.Errorf("list plan metrics: %w", err)
	}
	return PlanMetrics{Date: date, Latest: opt.GetMetrics(date), History: hist}, nil
}

// RouteMetrics totals the stored routes of a day.
func (s *Service) RouteMetrics(ctx context.Context, date string) (model.RouteStats, error) {
	if _, err := s.parseDay(date); err != nil {
		return model.RouteStats{}, err
	}
	routes, err := s.store.ListRoutes(ctx, date)
	if err != nil {
		return model.RouteStats{}, fmt.Errorf("list routes: %w", err)
	}
	st := model.RouteStats{Date: date, TotalRoutes: len(routes)}
	for _, r := range routes {
		st.TotalJobs += len(r.Stops)
		st.TotalDistanceKm += r.TotalDistanceKm
		st.TotalFuelCost += r.FuelCost
		st.TotalDurationMinutes += r.TotalDurationMinutes
	}
	if st.TotalRoutes > 0 {
		st.AvgJobsPerRoute = float64(st.TotalJobs) / float64(st.TotalRoutes)
	}
	return st, nil
}
