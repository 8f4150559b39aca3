package planner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"crewroute/internal/integrations"
	"crewroute/internal/integrations/csvfile"
	"crewroute/internal/lock"
	"crewroute/internal/model"
	"crewroute/internal/opt"
	"crewroute/internal/store"
)

// CreateJob validates in, geocodes the address unless a location is given and stores a pending job.
func (s *Service) CreateJob(ctx context.Context, in model.JobIn) (model.Job, error) {
	j, err := s.jobFromInput(ctx, in, nil)
	if err != nil {
		return model.Job{}, err
	}
	created, err := s.store.CreateJob(ctx, j)
	if err != nil {
		return model.Job{}, fmt.Errorf("create job: %w", err)
	}
	log.Printf("[PLANNER] job created id=%s kind=%s day=%s", created.ID, created.ServiceType, created.Day)
	return created, nil
}

// jobFromInput validates in and fills defaults. The location of prev is reused when the
// address is unchanged and no location is given.
func (s *Service) jobFromInput(ctx context.Context, in model.JobIn, prev *model.Job) (model.Job, error) {
	kind, err := opt.ParseServiceKind(in.ServiceType)
	if err != nil {
		return model.Job{}, invalid("%v", err)
	}
	prio, err := opt.ParsePriority(in.Priority)
	if err != nil {
		return model.Job{}, invalid("%v", err)
	}
	if in.Day == "" && in.PreferredStart != nil {
		in.Day = in.PreferredStart.In(s.cfg.TimeZone).Format(time.DateOnly)
	}
	if _, err := s.parseDay(in.Day); err != nil {
		return model.Job{}, err
	}
	if in.Address == "" && in.Location == nil {
		return model.Job{}, invalid("address or location is required")
	}
	if in.CrewSize < 0 || in.DurationMinutes < 0 || in.QuoteAmount < 0 {
		return model.Job{}, invalid("crewSize, durationMinutes and quoteAmount must not be negative")
	}
	if in.EarliestStart != nil && in.LatestStart != nil && in.LatestStart.Before(*in.EarliestStart) {
		return model.Job{}, invalid("latestStart is before earliestStart")
	}
	var loc opt.Location
	if prev != nil && in.Location == nil && in.Address == prev.Address {
		loc = opt.Location{Lat: prev.Location.Lat, Lng: prev.Location.Lng}
	} else if loc, err = s.locate(ctx, in.Address, in.Location); err != nil {
		return model.Job{}, err
	}
	j := model.Job{
		ExternalRef:      in.ExternalRef,
		CustomerID:       in.CustomerID,
		Address:          in.Address,
		Location:         model.GeoPoint{Lat: loc.Lat, Lng: loc.Lng},
		ServiceType:      string(kind),
		Priority:         prio.String(),
		QuoteAmount:      in.QuoteAmount,
		DurationMinutes:  in.DurationMinutes,
		CrewSize:         in.CrewSize,
		Day:              in.Day,
		EarliestStart:    in.EarliestStart,
		LatestStart:      in.LatestStart,
		PreferredStart:   in.PreferredStart,
		WeatherSensitive: kind != opt.Estimate,
		Emergency:        prio == opt.PriorityEmergency,
		Notes:            in.Notes,
	}
	if j.DurationMinutes == 0 {
		j.DurationMinutes = kind.DefaultMinutes()
	}
	if j.CrewSize == 0 {
		j.CrewSize = 1
	}
	if in.WeatherSensitive != nil {
		j.WeatherSensitive = *in.WeatherSensitive
	}
	return j, nil
}

// UpdateJob replaces the editable fields of an open job. The job leaves its route, the
// rest of that route is re-timed and the job waits as pending for the next plan.
func (s *Service) UpdateJob(ctx context.Context, id string, in model.JobIn) (model.Job, error) {
	prev, err := s.store.GetJob(ctx, id)
	if err != nil {
		return model.Job{}, err
	}
	next, err := s.jobFromInput(ctx, in, &prev)
	if err != nil {
		return model.Job{}, err
	}
	updated, err := s.withJobDetached(ctx, id, func(j model.Job) (model.Job, error) {
		next.ID = j.ID
		next.Status = model.JobPending
		return s.store.UpdateJob(ctx, next)
	})
	if err != nil {
		return model.Job{}, err
	}
	log.Printf("[PLANNER] job updated id=%s day=%s", updated.ID, updated.Day)
	s.emit(ctx, "job.updated", map[string]any{
		"jobId": updated.ID, "externalRef": updated.ExternalRef, "customerId": updated.CustomerID, "date": updated.Day,
	})
	return updated, nil
}

// CancelJob takes an open job off its route and marks it cancelled. The job is kept.
func (s *Service) CancelJob(ctx context.Context, id string) (model.Job, error) {
	cancelled, err := s.withJobDetached(ctx, id, func(j model.Job) (model.Job, error) {
		if err := s.store.SetJobStatus(ctx, j.ID, model.JobCancelled, nil); err != nil {
			return model.Job{}, fmt.Errorf("cancel job %s: %w", j.ID, err)
		}
		j.Status = model.JobCancelled
		return j, nil
	})
	if err != nil {
		return model.Job{}, err
	}
	log.Printf("[PLANNER] job cancelled id=%s day=%s", cancelled.ID, cancelled.Day)
	s.emit(ctx, "job.cancelled", map[string]any{
		"jobId": cancelled.ID, "externalRef": cancelled.ExternalRef, "customerId": cancelled.CustomerID, "date": cancelled.Day,
	})
	return cancelled, nil
}

// RescheduleJob moves an open job to req.Date and re-plans the day it left and the day it
// joined. A new preferred time also resets the window to the regular working day.
func (s *Service) RescheduleJob(ctx context.Context, id string, req model.MoveJobRequest) (model.MoveJobResult, error) {
	day, err := s.parseDay(req.Date)
	if err != nil {
		return model.MoveJobResult{}, err
	}
	hours, err := s.hours(day)
	if err != nil {
		return model.MoveJobResult{}, err
	}
	var pref time.Time
	if req.PreferredStart != nil {
		pref = req.PreferredStart.In(s.cfg.TimeZone)
		if pref.Format(time.DateOnly) != req.Date {
			return model.MoveJobResult{}, invalid("preferredStart is not on %s", req.Date)
		}
	}
	var from string
	moved, err := s.withJobDetached(ctx, id, func(j model.Job) (model.Job, error) {
		from = j.Day
		if j.Day != req.Date {
			if err := s.store.MoveJobs(ctx, []string{j.ID}, req.Date); err != nil {
				return model.Job{}, fmt.Errorf("move job %s: %w", j.ID, err)
			}
			var err error
			if j, err = s.store.GetJob(ctx, j.ID); err != nil {
				return model.Job{}, err
			}
		}
		if pref.IsZero() {
			return j, nil
		}
		earliest, latest := hours.Start, hours.RegularEnd()
		j.PreferredStart, j.EarliestStart, j.LatestStart = &pref, &earliest, &latest
		return s.store.UpdateJob(ctx, j)
	})
	if err != nil {
		return model.MoveJobResult{}, err
	}
	log.Printf("[PLANNER] job rescheduled id=%s from=%s to=%s", moved.ID, from, req.Date)
	s.emit(ctx, "job.moved", map[string]any{
		"jobId": moved.ID, "externalRef": moved.ExternalRef, "customerId": moved.CustomerID,
		"from": from, "to": req.Date, "reason": "manual",
	})

	out := model.MoveJobResult{From: from}
	if from != req.Date {
		if _, err := s.GenerateRoutes(ctx, model.GenerateRequest{Date: from}); err != nil {
			return model.MoveJobResult{}, fmt.Errorf("re-plan %s: %w", from, err)
		}
	}
	if out.Plan, err = s.GenerateRoutes(ctx, model.GenerateRequest{Date: req.Date}); err != nil {
		return model.MoveJobResult{}, fmt.Errorf("re-plan %s: %w", req.Date, err)
	}
	if out.Job, err = s.store.GetJob(ctx, id); err != nil {
		return model.MoveJobResult{}, err
	}
	return out, nil
}

// withJobDetached takes an open job off its route under the route lock, re-times what
// remains and runs apply on the unassigned job before the lock is released.
func (s *Service) withJobDetached(ctx context.Context, id string, apply func(model.Job) (model.Job, error)) (model.Job, error) {
	for {
		j, err := s.store.GetJob(ctx, id)
		if err != nil {
			return model.Job{}, err
		}
		if !open(j) {
			return model.Job{}, invalid("job %s is %s", id, j.Status)
		}
		if j.VehicleID == "" {
			return apply(j)
		}
		release, err := s.locker.Acquire(ctx, lock.RouteKey(j.VehicleID, j.Day))
		if err != nil {
			return model.Job{}, fmt.Errorf("lock route %s: %w", j.VehicleID, err)
		}
		cur, err := s.store.GetJob(ctx, id)
		if err != nil {
			release()
			return model.Job{}, err
		}
		if cur.VehicleID != j.VehicleID || cur.Day != j.Day || !open(cur) {
			// Re-planned while waiting for the lock.
			release()
			continue
		}
		if err := s.dropStop(ctx, cur); err != nil {
			release()
			return model.Job{}, err
		}
		cur.VehicleID, cur.ScheduledStart, cur.Status = "", nil, model.JobPending
		out, err := apply(cur)
		release()
		return out, err
	}
}

// dropStop removes j from its vehicle's route and unassigns it. Callers hold the route lock.
func (s *Service) dropStop(ctx context.Context, j model.Job) error {
	r, err := s.store.GetRoute(ctx, j.VehicleID, j.Day)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return s.store.AssignJob(ctx, j.ID, "", nil)
	case err != nil:
		return fmt.Errorf("get route %s: %w", j.VehicleID, err)
	}
	day, err := s.parseDay(j.Day)
	if err != nil {
		return err
	}
	hours, err := s.hours(day)
	if err != nil {
		return err
	}
	var mpg float64
	if v, err := s.store.GetVehicle(ctx, j.VehicleID); err == nil {
		mpg = v.FuelEfficiency
	}
	it := itineraryFromRoute(r, mpg, day, hours)
	kept := it.Stops[:0]
	for _, st := range it.Stops {
		if st.StopID != j.ID {
			kept = append(kept, st)
		}
	}
	it.Stops = kept
	if len(it.Stops) == 0 {
		if err := s.store.DeleteRoute(ctx, j.VehicleID, j.Day); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("delete route %s: %w", j.VehicleID, err)
		}
	} else {
		opt.Retime(ctx, &it, s.cfg.Depot, s.travel, s.cfg.Pricing)
		route := routeFromItinerary(it, r.Score)
		route.Status = r.Status
		if _, err := s.store.SaveRoute(ctx, route); err != nil {
			return fmt.Errorf("save route %s: %w", j.VehicleID, err)
		}
		for _, st := range it.Stops {
			arrival := st.Arrival
			if err := s.store.AssignJob(ctx, st.StopID, j.VehicleID, &arrival); err != nil {
				return fmt.Errorf("assign job %s: %w", st.StopID, err)
			}
		}
	}
	log.Printf("[PLANNER] job=%s left route vehicle=%s day=%s remaining=%d", j.ID, j.VehicleID, j.Day, len(it.Stops))
	return s.store.AssignJob(ctx, j.ID, "", nil)
}

// CompleteJob marks a job done (now when at is nil) and tells the CRM.
func (s *Service) CompleteJob(ctx context.Context, id string, at *time.Time) (model.Job, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return model.Job{}, err
	}
	if j.Status == model.JobCancelled {
		return model.Job{}, invalid("job %s is cancelled", id)
	}
	when := s.now().UTC()
	if at != nil {
		when = *at
	}
	if err := s.store.SetJobStatus(ctx, id, model.JobCompleted, &when); err != nil {
		return model.Job{}, fmt.Errorf("complete job %s: %w", id, err)
	}
	j.Status = model.JobCompleted
	j.CompletedAt = &when
	s.emit(ctx, "job.completed", map[string]any{
		"jobId": j.ID, "externalRef": j.ExternalRef, "customerId": j.CustomerID, "completedAt": when,
	})
	return j, nil
}

// ImportCSV creates jobs from a CRM quote export. Rows that already exist are skipped.
func (s *Service) ImportCSV(ctx context.Context, r io.Reader) (model.ImportResult, error) {
	batch, err := csvfile.Parse(r)
	if err != nil {
		return model.ImportResult{}, invalid("%v", err)
	}
	res, _ := s.importBatch(ctx, batch)
	return res, nil
}

// ImportFromSource pulls approved quotes from the configured CRM source and acknowledges
// the ones now present as jobs.
func (s *Service) ImportFromSource(ctx context.Context) (model.ImportResult, error) {
	if s.quotes == nil {
		return model.ImportResult{}, invalid("no CRM quote source configured")
	}
	batch, err := s.quotes.FetchApproved(ctx)
	if err != nil {
		return model.ImportResult{}, fmt.Errorf("fetch quotes from %s: %w", s.quotes.Name(), err)
	}
	res, done := s.importBatch(ctx, batch)
	if len(done) > 0 {
		if err := s.quotes.Ack(ctx, done); err != nil {
			return res, fmt.Errorf("ack quotes: %w", err)
		}
	}
	log.Printf("[PLANNER] import source=%s created=%d skipped=%d errors=%d", s.quotes.Name(), res.Created, res.Skipped, len(res.Errors))
	return res, nil
}

// importBatch returns the external refs that are now stored, created or already present.
func (s *Service) importBatch(ctx context.Context, batch integrations.QuoteBatch) (model.ImportResult, []string) {
	res := model.ImportResult{Errors: append([]string(nil), batch.Errors...)}
	var done []string
	for _, in := range batch.Jobs {
		_, err := s.CreateJob(ctx, in)
		switch {
		case err == nil:
			res.Created++
		case errors.Is(err, store.ErrDuplicate):
			res.Skipped++
		default:
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", in.ExternalRef, err))
			continue
		}
		if in.ExternalRef != "" {
			done = append(done, in.ExternalRef)
		}
	}
	return res, done
}

// ScheduleEstimates books one-hour estimate visits for each address and re-plans the day.
// Addresses that cannot be geocoded are skipped; it fails only when none can be.
func (s *Service) ScheduleEstimates(ctx context.Context, req model.EstimatesRequest) (model.PlanResult, error) {
	day, err := s.parseDay(req.Date)
	if err != nil {
		return model.PlanResult{}, err
	}
	if len(req.Addresses) == 0 {
		return model.PlanResult{}, invalid("addresses is required")
	}
	preferred, earliest, latest := clock(day, 9, 0), clock(day, 8, 0), clock(day, 18, 0)
	sensitive := false
	var lastErr error
	created := 0
	for _, addr := range req.Addresses {
		_, err := s.CreateJob(ctx, model.JobIn{
			Address:          addr,
			ServiceType:      string(opt.Estimate),
			Priority:         opt.PriorityMedium.String(),
			CrewSize:         1,
			Day:              req.Date,
			EarliestStart:    &earliest,
			LatestStart:      &latest,
			PreferredStart:   &preferred,
			WeatherSensitive: &sensitive,
		})
		if err != nil {
			log.Printf("[PLANNER] estimate address=%q skipped: %v", addr, err)
			lastErr = err
			continue
		}
		created++
	}
	if created == 0 {
		return model.PlanResult{}, fmt.Errorf("no estimate could be scheduled: %w", lastErr)
	}
	return s.GenerateRoutes(ctx, model.GenerateRequest{Date: req.Date})
}
