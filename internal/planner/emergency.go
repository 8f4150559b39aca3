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

// Emergency jobs may start up to two hours before and four hours after the requested time.
const (
	emergencyLead = 2 * time.Hour
	emergencyLag  = 4 * time.Hour
)

// ScheduleEmergencyJob creates an emergency job and slots it into the nearest capable
// vehicle's route without a full re-solve.
func (s *Service) ScheduleEmergencyJob(ctx context.Context, req model.EmergencyRequest) (model.EmergencyResult, error) {
	started := time.Now()
	kind, err := opt.ParseServiceKind(req.ServiceType)
	if err != nil {
		return model.EmergencyResult{}, invalid("%v", err)
	}
	if req.PreferredStart == nil {
		return model.EmergencyResult{}, invalid("preferredStart is required")
	}
	if req.Address == "" && req.Location == nil {
		return model.EmergencyResult{}, invalid("address or location is required")
	}
	if req.CrewSize < 0 {
		return model.EmergencyResult{}, invalid("crewSize must not be negative")
	}
	loc, err := s.locate(ctx, req.Address, req.Location)
	if err != nil {
		metrics.EmergencyInsertions.WithLabelValues("geocode_failed").Inc()
		return model.EmergencyResult{}, err
	}

	pref := req.PreferredStart.In(s.cfg.TimeZone)
	day := clock(pref, 0, 0)
	dayStr := day.Format(time.DateOnly)
	earliest, latest := pref.Add(-emergencyLead), pref.Add(emergencyLag)
	crew := req.CrewSize
	if crew == 0 {
		crew = 1
	}
	job, err := s.store.CreateJob(ctx, model.Job{
		CustomerID:       req.CustomerID,
		Address:          req.Address,
		Location:         model.GeoPoint{Lat: loc.Lat, Lng: loc.Lng},
		ServiceType:      string(kind),
		Priority:         opt.PriorityEmergency.String(),
		QuoteAmount:      req.QuoteAmount,
		DurationMinutes:  kind.DefaultMinutes(),
		CrewSize:         crew,
		Day:              dayStr,
		EarliestStart:    &earliest,
		LatestStart:      &latest,
		PreferredStart:   &pref,
		WeatherSensitive: false,
		Emergency:        true,
		Notes:            req.Notes,
	})
	if err != nil {
		return model.EmergencyResult{}, fmt.Errorf("create emergency job: %w", err)
	}
	stop, err := toStop(job)
	if err != nil {
		return model.EmergencyResult{}, err
	}
	hours, err := s.hours(day)
	if err != nil {
		return model.EmergencyResult{}, err
	}

	vehicles, err := s.store.ListVehicles(ctx, true)
	if err != nil {
		return model.EmergencyResult{}, fmt.Errorf("list vehicles: %w", err)
	}
	candidates := make([]opt.EmergencyCandidate, 0, len(vehicles))
	for _, v := range vehicles {
		c := opt.EmergencyCandidate{Vehicle: toVehicle(v)}
		r, err := s.store.GetRoute(ctx, v.ID, dayStr)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return model.EmergencyResult{}, fmt.Errorf("get route %s: %w", v.ID, err)
		default:
			it := itineraryFromRoute(r, v.FuelEfficiency, day, hours)
			c.Route = &it
		}
		candidates = append(candidates, c)
	}
	idx, err := opt.SelectEmergencyVehicle(candidates, stop)
	if err != nil {
		metrics.EmergencyInsertions.WithLabelValues("no_vehicle").Inc()
		log.Printf("[PLANNER] emergency job=%s day=%s: %v", job.ID, dayStr, err)
		return model.EmergencyResult{}, err
	}
	vehicle := vehicles[idx]

	release, err := s.locker.Acquire(ctx, lock.RouteKey(vehicle.ID, dayStr))
	if err != nil {
		return model.EmergencyResult{}, fmt.Errorf("lock route %s: %w", vehicle.ID, err)
	}
	defer release()
	// Re-read under the lock; another run may have replaced the route meanwhile.
	it := opt.Itinerary{VehicleID: vehicle.ID, Day: day, Start: hours.Start, FuelEfficiency: vehicle.FuelEfficiency}
	r, err := s.store.GetRoute(ctx, vehicle.ID, dayStr)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return model.EmergencyResult{}, fmt.Errorf("get route %s: %w", vehicle.ID, err)
	default:
		it = itineraryFromRoute(r, vehicle.FuelEfficiency, day, hours)
	}
	pos := opt.InsertEmergency(ctx, &it, opt.ItineraryStop{
		StopID:         job.ID,
		Location:       stop.Location,
		ServiceMinutes: stop.Duration(),
	}, s.cfg.Depot, s.travel, s.cfg.Pricing)

	route := routeFromItinerary(it, r.Score)
	route.Status = r.Status
	saved, err := s.store.SaveRoute(ctx, route)
	if err != nil {
		return model.EmergencyResult{}, fmt.Errorf("save route %s: %w", vehicle.ID, err)
	}
	for _, st := range it.Stops {
		arrival := st.Arrival
		if err := s.store.AssignJob(ctx, st.StopID, vehicle.ID, &arrival); err != nil {
			return model.EmergencyResult{}, fmt.Errorf("assign job %s: %w", st.StopID, err)
		}
	}
	job, err = s.store.GetJob(ctx, job.ID)
	if err != nil {
		return model.EmergencyResult{}, err
	}

	elapsed := time.Since(started)
	metrics.EmergencyInsertions.WithLabelValues("inserted").Inc()
	s.record(ctx, dayStr, opt.RunEmergency, opt.Metrics{Elapsed: elapsed}, map[string]any{
		"jobId": job.ID, "vehicleId": vehicle.ID, "position": pos + 1,
	})
	log.Printf("[PLANNER] emergency job=%s vehicle=%s day=%s position=%d stops=%d", job.ID, vehicle.ID, dayStr, pos+1, len(it.Stops))
	s.emit(ctx, "job.emergency_scheduled", map[string]any{
		"jobId": job.ID, "externalRef": job.ExternalRef, "customerId": job.CustomerID,
		"vehicleId": vehicle.ID, "date": dayStr, "position": pos + 1, "scheduledStart": job.ScheduledStart,
	})
	return model.EmergencyResult{Job: job, Route: saved, Position: pos + 1}, nil
}

// locate returns the given point or geocodes the address. Geocoding errors pass through unwrapped
// so callers can match geocode.ErrGeocodingFailed.
func (s *Service) locate(ctx context.Context, address string, at *model.GeoPoint) (opt.Location, error) {
	if at != nil {
		if at.Lat < -90 || at.Lat > 90 || at.Lng < -180 || at.Lng > 180 {
			return opt.Location{}, invalid("location out of range")
		}
		return opt.Location{Lat: at.Lat, Lng: at.Lng}, nil
	}
	if s.geocoder == nil {
		return opt.Location{}, invalid("location is required when geocoding is disabled")
	}
	return s.geocoder.Geocode(ctx, address)
}
