package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"crewroute/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu       sync.Mutex
	jobs     map[string]model.Job     // id -> job
	jobOrder []string                 // insertion order
	extRefs  map[string]string        // externalRef -> job id
	vehicles map[string]model.Vehicle // id -> vehicle
	routes   map[routeKey]model.Route
	planMx   map[string][]map[string]any // day -> items
	// Webhooks queue state
	deliveries    map[string]*memDelivery
	deliveryOrder []string
}

type routeKey struct{ vehicleID, day string }

// memDelivery augments WebhookDelivery with scheduling/metrics
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs:       map[string]model.Job{},
		extRefs:    map[string]string{},
		vehicles:   map[string]model.Vehicle{},
		routes:     map[routeKey]model.Route{},
		planMx:     map[string][]map[string]any{},
		deliveries: map[string]*memDelivery{},
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) CreateJob(ctx context.Context, j model.Job) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ExternalRef != "" {
		if _, ok := m.extRefs[j.ExternalRef]; ok {
			return model.Job{}, fmt.Errorf("job %s: %w", j.ExternalRef, ErrDuplicate)
		}
	}
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = model.JobPending
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	m.jobs[j.ID] = j
	m.jobOrder = append(m.jobOrder, j.ID)
	if j.ExternalRef != "" {
		m.extRefs[j.ExternalRef] = j.ID
	}
	return j, nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return model.Job{}, ErrNotFound
	}
	return j, nil
}

func (m *Memory) UpdateJob(ctx context.Context, j model.Job) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.jobs[j.ID]
	if !ok {
		return model.Job{}, ErrNotFound
	}
	j.ExternalRef = old.ExternalRef
	j.CreatedAt = old.CreatedAt
	m.jobs[j.ID] = j
	return j, nil
}

func (m *Memory) ListJobs(ctx context.Context, f JobFilter) ([]model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Job{}
	for _, id := range m.jobOrder {
		if j := m.jobs[id]; f.match(j) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *Memory) AssignJob(ctx context.Context, id, vehicleID string, scheduledStart *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.VehicleID = vehicleID
	j.ScheduledStart = scheduledStart
	switch {
	case vehicleID == "" && j.Status == model.JobScheduled:
		j.Status = model.JobPending
	case vehicleID != "" && j.Status == model.JobPending:
		j.Status = model.JobScheduled
	}
	m.jobs[id] = j
	return nil
}

func (m *Memory) SetJobStatus(ctx context.Context, id, status string, at *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = status
	if status == model.JobCompleted {
		j.CompletedAt = at
	}
	m.jobs[id] = j
	return nil
}

// MoveJobs puts jobs on another day, shifting their time windows by the same number of days.
func (m *Memory) MoveJobs(ctx context.Context, ids []string, day string) error {
	to, err := time.Parse(time.DateOnly, day)
	if err != nil {
		return fmt.Errorf("move jobs: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if _, ok := m.jobs[id]; !ok {
			return fmt.Errorf("move job %s: %w", id, ErrNotFound)
		}
	}
	for _, id := range ids {
		j := m.jobs[id]
		if from, err := time.Parse(time.DateOnly, j.Day); err == nil {
			days := int(to.Sub(from).Hours() / 24)
			j.EarliestStart = shiftDays(j.EarliestStart, days)
			j.LatestStart = shiftDays(j.LatestStart, days)
			j.PreferredStart = shiftDays(j.PreferredStart, days)
		}
		j.Day = day
		j.VehicleID = ""
		j.ScheduledStart = nil
		if j.Status == model.JobScheduled {
			j.Status = model.JobPending
		}
		m.jobs[id] = j
	}
	return nil
}

func shiftDays(t *time.Time, days int) *time.Time {
	if t == nil {
		return nil
	}
	v := t.AddDate(0, 0, days)
	return &v
}

func (m *Memory) UpsertVehicle(ctx context.Context, v model.Vehicle) (model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	v.UpdatedAt = time.Now().UTC()
	m.vehicles[v.ID] = v
	return v, nil
}

func (m *Memory) GetVehicle(ctx context.Context, id string) (model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return model.Vehicle{}, ErrNotFound
	}
	return v, nil
}

func (m *Memory) ListVehicles(ctx context.Context, availableOnly bool) ([]model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Vehicle{}
	for _, v := range m.vehicles {
		if !availableOnly || v.Available {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveRoute replaces the route for (vehicle, day), keeping its ID and bumping the version.
func (m *Memory) SaveRoute(ctx context.Context, r model.Route) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := routeKey{r.VehicleID, r.Day}
	if prev, ok := m.routes[k]; ok {
		r.ID = prev.ID
		r.Version = prev.Version + 1
	} else {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		r.Version = 1
	}
	if r.Status == "" {
		r.Status = model.RoutePlanned
	}
	r.UpdatedAt = time.Now().UTC()
	r.Stops = append([]model.RouteStop(nil), r.Stops...)
	m.routes[k] = r
	return r, nil
}

func (m *Memory) GetRoute(ctx context.Context, vehicleID, day string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[routeKey{vehicleID, day}]
	if !ok {
		return model.Route{}, ErrNotFound
	}
	r.Stops = append([]model.RouteStop(nil), r.Stops...)
	return r, nil
}

func (m *Memory) ListRoutes(ctx context.Context, day string) ([]model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Route{}
	for k, r := range m.routes {
		if k.day == day {
			r.Stops = append([]model.RouteStop(nil), r.Stops...)
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out, nil
}

func (m *Memory) DeleteRoute(ctx context.Context, vehicleID, day string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := routeKey{vehicleID, day}
	if _, ok := m.routes[k]; !ok {
		return ErrNotFound
	}
	delete(m.routes, k)
	return nil
}

func (m *Memory) SavePlanMetrics(ctx context.Context, day, kind string, metrics map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := map[string]any{"day": day, "kind": kind, "metrics": metrics, "createdAt": time.Now().UTC()}
	m.planMx[day] = append(m.planMx[day], item)
	return nil
}

func (m *Memory) ListPlanMetrics(ctx context.Context, day string) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]any{}, m.planMx[day]...), nil
}

// Webhook deliveries
func (m *Memory) EnqueueWebhook(ctx context.Context, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	m.deliveries[id] = &memDelivery{
		WebhookDelivery: WebhookDelivery{ID: id, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending"},
		NextAttemptAt:   time.Now(),
	}
	m.deliveryOrder = append(m.deliveryOrder, id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, id := range m.deliveryOrder {
		d := m.deliveries[id]
		if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
			out = append(out, d.WebhookDelivery)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = "delivered"
		now := time.Now()
		d.DeliveredAt = &now
		return nil
	}
	d.Status = "retry"
	d.LastError = lastError
	if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	} else {
		d.NextAttemptAt = time.Now().Add(time.Minute)
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.Status = "failed"
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, status string) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []map[string]any{}
	for _, id := range m.deliveryOrder {
		d := m.deliveries[id]
		if status != "" && d.Status != status {
			continue
		}
		item := map[string]any{"id": d.ID, "eventType": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
		if d.Status != "delivered" && !d.NextAttemptAt.IsZero() {
			item["nextAttemptAt"] = d.NextAttemptAt
		}
		if d.LastError != "" {
			item["lastError"] = d.LastError
		}
		if d.ResponseCode != 0 {
			item["responseCode"] = d.ResponseCode
		}
		out = append(out, item)
	}
	return out, nil
}
