package store

import (
	"context"
	"errors"
	"time"

	"crewroute/internal/model"
)

// Store is the persistence interface used by the planner and the API server.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, j model.Job) (model.Job, error)
	GetJob(ctx context.Context, id string) (model.Job, error)
	// UpdateJob overwrites a stored job except its ID, external reference and creation time.
	UpdateJob(ctx context.Context, j model.Job) (model.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]model.Job, error)
	AssignJob(ctx context.Context, id, vehicleID string, scheduledStart *time.Time) error
	SetJobStatus(ctx context.Context, id, status string, at *time.Time) error
	MoveJobs(ctx context.Context, ids []string, day string) error

	// Vehicles
	UpsertVehicle(ctx context.Context, v model.Vehicle) (model.Vehicle, error)
	GetVehicle(ctx context.Context, id string) (model.Vehicle, error)
	ListVehicles(ctx context.Context, availableOnly bool) ([]model.Vehicle, error)

	// Routes, one per (vehicle, day)
	SaveRoute(ctx context.Context, r model.Route) (model.Route, error)
	GetRoute(ctx context.Context, vehicleID, day string) (model.Route, error)
	ListRoutes(ctx context.Context, day string) ([]model.Route, error)
	DeleteRoute(ctx context.Context, vehicleID, day string) error

	// Plan metrics
	SavePlanMetrics(ctx context.Context, day, kind string, metrics map[string]any) error
	ListPlanMetrics(ctx context.Context, day string) ([]map[string]any, error)

	// Webhook deliveries
	EnqueueWebhook(ctx context.Context, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, status string) ([]map[string]any, error)

	Ping(ctx context.Context) error
}

// JobFilter narrows ListJobs. Zero fields match everything.
type JobFilter struct {
	Day            string
	Status         string
	VehicleID      string
	UnassignedOnly bool
}

func (f JobFilter) match(j model.Job) bool {
	if f.Day != "" && j.Day != f.Day {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.VehicleID != "" && j.VehicleID != f.VehicleID {
		return false
	}
	if f.UnassignedOnly && j.VehicleID != "" {
		return false
	}
	return true
}

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a job with the same external reference exists.
	ErrDuplicate = errors.New("duplicate")
)
