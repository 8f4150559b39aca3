package integrations

import (
	"context"

	"crewroute/internal/model"
)

// QuoteSource is a CRM integration that hands over approved quotes as jobs to schedule.
type QuoteSource interface {
	Name() string
	FetchApproved(ctx context.Context) (QuoteBatch, error)
	// Ack marks quotes as imported so the next fetch skips them.
	Ack(ctx context.Context, externalRefs []string) error
}

type QuoteBatch struct {
	Jobs []model.JobIn
	// Errors holds per-row problems; the rest of the batch is still usable.
	Errors []string
}

// CRM status codes reported back for job events.
const (
	StatusEmergencyScheduled = "EMERGENCY_SCHEDULED"
	StatusCompleted          = "COMPLETED"
	StatusRescheduledWeather = "RESCHEDULED_WEATHER"
	StatusScheduled          = "SCHEDULED"
)

// MapStatus translates an internal event type to the CRM status code, "" when the CRM does not track it.
func MapStatus(eventType string) string {
	switch eventType {
	case "job.emergency_scheduled":
		return StatusEmergencyScheduled
	case "job.completed":
		return StatusCompleted
	case "job.rescheduled":
		return StatusRescheduledWeather
	case "job.scheduled":
		return StatusScheduled
	}
	return ""
}
