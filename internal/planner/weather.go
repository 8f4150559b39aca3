package planner

import (
	"context"
	"fmt"
	"log"
	"time"

	"crewroute/internal/model"
	"crewroute/internal/store"
	"crewroute/internal/weather"
)

func weatherOut(c weather.Condition) model.WeatherOut {
	return model.WeatherOut{
		Date:         c.Date,
		Raining:      c.Raining,
		Snowing:      c.Snowing,
		WindSpeedMph: c.WindSpeedMph,
		TemperatureF: c.TemperatureF,
		Suitable:     c.SuitableForExteriorWork(),
		Fallback:     c.Fallback,
	}
}

// Forecast returns the condition used for planning on date.
func (s *Service) Forecast(ctx context.Context, date string) (model.WeatherOut, error) {
	day, err := s.parseDay(date)
	if err != nil {
		return model.WeatherOut{}, err
	}
	return weatherOut(s.weather.Forecast(ctx, day)), nil
}

// CheckWeatherAndReschedule moves the weather-sensitive jobs of date (tomorrow when empty)
// to the next suitable day and re-plans date. Moved jobs keep their time of day.
func (s *Service) CheckWeatherAndReschedule(ctx context.Context, date string) (model.RescheduleResult, error) {
	day := s.tomorrow()
	if date != "" {
		d, err := s.parseDay(date)
		if err != nil {
			return model.RescheduleResult{}, err
		}
		day = d
	}
	date = day.Format(time.DateOnly)
	cond := s.weather.Forecast(ctx, day)
	out := model.RescheduleResult{Date: date, Weather: weatherOut(cond)}
	if cond.SuitableForExteriorWork() {
		return out, nil
	}

	jobs, err := s.store.ListJobs(ctx, store.JobFilter{Day: date})
	if err != nil {
		return out, fmt.Errorf("list jobs: %w", err)
	}
	var ids []string
	var moved []model.Job
	for _, j := range jobs {
		if open(j) && j.WeatherSensitive {
			ids = append(ids, j.ID)
			moved = append(moved, j)
		}
	}
	if len(ids) == 0 {
		return out, nil
	}
	next := weather.NextSuitableDay(ctx, s.weather, day.AddDate(0, 0, 1)).Format(time.DateOnly)
	if err := s.store.MoveJobs(ctx, ids, next); err != nil {
		return out, fmt.Errorf("move jobs to %s: %w", next, err)
	}
	log.Printf("[PLANNER] weather day=%s moved %d jobs to %s", date, len(ids), next)
	for _, j := range moved {
		s.emit(ctx, "job.rescheduled", map[string]any{
			"jobId": j.ID, "externalRef": j.ExternalRef, "customerId": j.CustomerID,
			"from": date, "to": next, "reason": "weather",
		})
	}
	out.MovedTo = next
	out.MovedJobIDs = ids
	if _, err := s.GenerateRoutes(ctx, model.GenerateRequest{Date: date}); err != nil {
		return out, fmt.Errorf("replan %s: %w", date, err)
	}
	return out, nil
}
