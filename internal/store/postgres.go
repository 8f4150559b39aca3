package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"crewroute/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded schema files in name order. Every statement is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
	}
	return nil
}

const jobColumns = `id::text, COALESCE(external_ref,''), customer_id, address, lat, lng, service_type, status, priority,
	quote_amount, duration_minutes, crew_size, day, earliest_start, latest_start, preferred_start, weather_sensitive,
	emergency, COALESCE(vehicle_id,''), scheduled_start, completed_at, COALESCE(notes,''), created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (model.Job, error) {
	var j model.Job
	var earliest, latest, preferred, scheduled, completed sql.NullTime
	err := row.Scan(&j.ID, &j.ExternalRef, &j.CustomerID, &j.Address, &j.Location.Lat, &j.Location.Lng, &j.ServiceType,
		&j.Status, &j.Priority, &j.QuoteAmount, &j.DurationMinutes, &j.CrewSize, &j.Day, &earliest, &latest, &preferred,
		&j.WeatherSensitive, &j.Emergency, &j.VehicleID, &scheduled, &completed, &j.Notes, &j.CreatedAt)
	if err != nil {
		return model.Job{}, err
	}
	j.EarliestStart = timePtr(earliest)
	j.LatestStart = timePtr(latest)
	j.PreferredStart = timePtr(preferred)
	j.ScheduledStart = timePtr(scheduled)
	j.CompletedAt = timePtr(completed)
	return j, nil
}

func (p *Postgres) CreateJob(ctx context.Context, j model.Job) (model.Job, error) {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = model.JobPending
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO jobs (id, external_ref, customer_id, address, lat, lng, service_type, status, priority,
		quote_amount, duration_minutes, crew_size, day, earliest_start, latest_start, preferred_start, weather_sensitive, emergency,
		vehicle_id, scheduled_start, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		j.ID, nullIfEmpty(j.ExternalRef), j.CustomerID, j.Address, j.Location.Lat, j.Location.Lng, j.ServiceType, j.Status,
		j.Priority, j.QuoteAmount, j.DurationMinutes, j.CrewSize, j.Day, j.EarliestStart, j.LatestStart, j.PreferredStart,
		j.WeatherSensitive, j.Emergency, nullIfEmpty(j.VehicleID), j.ScheduledStart, nullIfEmpty(j.Notes), j.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.Job{}, fmt.Errorf("job %s: %w", j.ExternalRef, ErrDuplicate)
		}
		return model.Job{}, err
	}
	return j, nil
}

func (p *Postgres) GetJob(ctx context.Context, id string) (model.Job, error) {
	j, err := scanJob(p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id::text=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, ErrNotFound
	}
	return j, err
}

func (p *Postgres) UpdateJob(ctx context.Context, j model.Job) (model.Job, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE jobs SET customer_id=$2, address=$3, lat=$4, lng=$5, service_type=$6, status=$7,
		priority=$8, quote_amount=$9, duration_minutes=$10, crew_size=$11, day=$12, earliest_start=$13, latest_start=$14,
		preferred_start=$15, weather_sensitive=$16, emergency=$17, vehicle_id=$18, scheduled_start=$19, completed_at=$20, notes=$21
		WHERE id::text=$1`,
		j.ID, j.CustomerID, j.Address, j.Location.Lat, j.Location.Lng, j.ServiceType, j.Status, j.Priority, j.QuoteAmount,
		j.DurationMinutes, j.CrewSize, j.Day, j.EarliestStart, j.LatestStart, j.PreferredStart, j.WeatherSensitive,
		j.Emergency, nullIfEmpty(j.VehicleID), j.ScheduledStart, j.CompletedAt, nullIfEmpty(j.Notes))
	if err := affected(res, err); err != nil {
		return model.Job{}, err
	}
	return p.GetJob(ctx, j.ID)
}

func (p *Postgres) ListJobs(ctx context.Context, f JobFilter) ([]model.Job, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Day != "" {
		add("day=$%d", f.Day)
	}
	if f.Status != "" {
		add("status=$%d", f.Status)
	}
	if f.VehicleID != "" {
		add("vehicle_id=$%d", f.VehicleID)
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if f.UnassignedOnly {
		where = append(where, "vehicle_id IS NULL")
	}
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, id`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *Postgres) AssignJob(ctx context.Context, id, vehicleID string, scheduledStart *time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE jobs SET vehicle_id=$2, scheduled_start=$3,
		status = CASE
			WHEN $2::text IS NULL AND status='scheduled' THEN 'pending'
			WHEN $2::text IS NOT NULL AND status='pending' THEN 'scheduled'
			ELSE status END
		WHERE id::text=$1`, id, nullIfEmpty(vehicleID), scheduledStart)
	return affected(res, err)
}

func (p *Postgres) SetJobStatus(ctx context.Context, id, status string, at *time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE jobs SET status=$2, completed_at = CASE WHEN $2='completed' THEN $3 ELSE completed_at END WHERE id::text=$1`,
		id, status, at)
	return affected(res, err)
}

func (p *Postgres) MoveJobs(ctx context.Context, ids []string, day string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `UPDATE jobs SET day=$2, vehicle_id=NULL, scheduled_start=NULL,
			earliest_start = earliest_start + ($2::date - day::date) * interval '1 day',
			latest_start = latest_start + ($2::date - day::date) * interval '1 day',
			preferred_start = preferred_start + ($2::date - day::date) * interval '1 day',
			status = CASE WHEN status='scheduled' THEN 'pending' ELSE status END WHERE id::text=$1`, id, day)
		if err := affected(res, err); err != nil {
			return fmt.Errorf("move job %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) UpsertVehicle(ctx context.Context, v model.Vehicle) (model.Vehicle, error) {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	caps, err := json.Marshal(nonNil(v.Capabilities))
	if err != nil {
		return model.Vehicle{}, err
	}
	v.UpdatedAt = time.Now().UTC()
	_, err = p.db.ExecContext(ctx, `INSERT INTO vehicles (id, name, license_plate, crew_capacity, capabilities, fuel_efficiency, available, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET name=$2, license_plate=$3, crew_capacity=$4, capabilities=$5, fuel_efficiency=$6, available=$7, updated_at=$8`,
		v.ID, v.Name, nullIfEmpty(v.LicensePlate), v.CrewCapacity, caps, v.FuelEfficiency, v.Available, v.UpdatedAt)
	if err != nil {
		return model.Vehicle{}, err
	}
	return v, nil
}

const vehicleColumns = `id, name, COALESCE(license_plate,''), crew_capacity, capabilities, fuel_efficiency, available, updated_at`

func scanVehicle(row scanner) (model.Vehicle, error) {
	var v model.Vehicle
	var caps []byte
	if err := row.Scan(&v.ID, &v.Name, &v.LicensePlate, &v.CrewCapacity, &caps, &v.FuelEfficiency, &v.Available, &v.UpdatedAt); err != nil {
		return model.Vehicle{}, err
	}
	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &v.Capabilities); err != nil {
			return model.Vehicle{}, fmt.Errorf("vehicle %s capabilities: %w", v.ID, err)
		}
	}
	return v, nil
}

func (p *Postgres) GetVehicle(ctx context.Context, id string) (model.Vehicle, error) {
	v, err := scanVehicle(p.db.QueryRowContext(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Vehicle{}, ErrNotFound
	}
	return v, err
}

func (p *Postgres) ListVehicles(ctx context.Context, availableOnly bool) ([]model.Vehicle, error) {
	q := `SELECT ` + vehicleColumns + ` FROM vehicles`
	if availableOnly {
		q += ` WHERE available`
	}
	rows, err := p.db.QueryContext(ctx, q+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Vehicle{}
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SaveRoute replaces the route for (vehicle, day). The row keeps its ID and its version is bumped.
func (p *Postgres) SaveRoute(ctx context.Context, r model.Route) (model.Route, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = model.RoutePlanned
	}
	stops, err := json.Marshal(nonNil(r.Stops))
	if err != nil {
		return model.Route{}, err
	}
	r.UpdatedAt = time.Now().UTC()
	err = p.db.QueryRowContext(ctx, `INSERT INTO routes (id, vehicle_id, day, status, version, start_at, end_at, stops,
		total_distance_km, total_duration_minutes, fuel_cost, score, updated_at)
		VALUES ($1,$2,$3,$4,1,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (vehicle_id, day) DO UPDATE SET status=$4, version=routes.version+1, start_at=$5, end_at=$6, stops=$7,
		  total_distance_km=$8, total_duration_minutes=$9, fuel_cost=$10, score=$11, updated_at=$12
		RETURNING id::text, version`,
		r.ID, r.VehicleID, r.Day, r.Status, r.Start, r.End, stops, r.TotalDistanceKm, r.TotalDurationMinutes, r.FuelCost,
		nullIfEmpty(r.Score), r.UpdatedAt).Scan(&r.ID, &r.Version)
	if err != nil {
		return model.Route{}, err
	}
	return r, nil
}

const routeColumns = `id::text, vehicle_id, day, status, version, start_at, end_at, stops, total_distance_km,
	total_duration_minutes, fuel_cost, COALESCE(score,''), updated_at`

func scanRoute(row scanner) (model.Route, error) {
	var r model.Route
	var stops []byte
	err := row.Scan(&r.ID, &r.VehicleID, &r.Day, &r.Status, &r.Version, &r.Start, &r.End, &stops, &r.TotalDistanceKm,
		&r.TotalDurationMinutes, &r.FuelCost, &r.Score, &r.UpdatedAt)
	if err != nil {
		return model.Route{}, err
	}
	if err := json.Unmarshal(stops, &r.Stops); err != nil {
		return model.Route{}, fmt.Errorf("route %s stops: %w", r.ID, err)
	}
	return r, nil
}

func (p *Postgres) GetRoute(ctx context.Context, vehicleID, day string) (model.Route, error) {
	r, err := scanRoute(p.db.QueryRowContext(ctx, `SELECT `+routeColumns+` FROM routes WHERE vehicle_id=$1 AND day=$2`, vehicleID, day))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Route{}, ErrNotFound
	}
	return r, err
}

func (p *Postgres) ListRoutes(ctx context.Context, day string) ([]model.Route, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+routeColumns+` FROM routes WHERE day=$1 ORDER BY vehicle_id`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Route{}
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteRoute(ctx context.Context, vehicleID, day string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM routes WHERE vehicle_id=$1 AND day=$2`, vehicleID, day)
	return affected(res, err)
}

func (p *Postgres) SavePlanMetrics(ctx context.Context, day, kind string, metrics map[string]any) error {
	body, err := json.Marshal(metrics)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO plan_metrics (day, kind, metrics) VALUES ($1,$2,$3)`, day, kind, body)
	return err
}

func (p *Postgres) ListPlanMetrics(ctx context.Context, day string) ([]map[string]any, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT kind, metrics, created_at FROM plan_metrics WHERE day=$1 ORDER BY id`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []map[string]any{}
	for rows.Next() {
		var kind string
		var body []byte
		var created time.Time
		if err := rows.Scan(&kind, &body, &created); err != nil {
			return nil, err
		}
		var metrics map[string]any
		if err := json.Unmarshal(body, &metrics); err != nil {
			return nil, err
		}
		out = append(out, map[string]any{"day": day, "kind": kind, "metrics": metrics, "createdAt": created})
	}
	return out, rows.Err()
}

func (p *Postgres) EnqueueWebhook(ctx context.Context, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, event_type, url, secret, payload, status, attempts, next_attempt_at)
		VALUES ($1,$2,$3,$4,$5,'pending',0,now())`, id, eventType, url, nullIfEmpty(secret), payload)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, event_type, url, COALESCE(secret,''), payload, status, attempts
		FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if !success {
		if nextAttemptAt == nil {
			t := time.Now().Add(1 * time.Minute)
			nextAttemptAt = &t
		}
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3,
			updated_at=now(), response_code=$4, latency_ms=$5 WHERE id::text=$1`, id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(),
		response_code=$2, latency_ms=$3 WHERE id::text=$1`, id, responseCode, latencyMs)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='failed', last_error=$2, updated_at=now(),
		response_code=$3, latency_ms=$4 WHERE id::text=$1`, id, nullIfEmpty(lastError), responseCode, latencyMs)
	return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, status string) ([]map[string]any, error) {
	q := `SELECT id::text, event_type, status, attempts, next_attempt_at, COALESCE(last_error,''), COALESCE(response_code,0), url FROM webhook_deliveries`
	args := []any{}
	if status != "" {
		q += ` WHERE status=$1`
		args = append(args, status)
	}
	rows, err := p.db.QueryContext(ctx, q+` ORDER BY created_at LIMIT 500`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []map[string]any{}
	for rows.Next() {
		var id, typ, st, lastErr, url string
		var attempts, code int
		var nextAt sql.NullTime
		if err := rows.Scan(&id, &typ, &st, &attempts, &nextAt, &lastErr, &code, &url); err != nil {
			return nil, err
		}
		m := map[string]any{"id": id, "eventType": typ, "status": st, "attempts": attempts, "url": url}
		if nextAt.Valid && st != "delivered" {
			m["nextAttemptAt"] = nextAt.Time
		}
		if lastErr != "" {
			m["lastError"] = lastErr
		}
		if code != 0 {
			m["responseCode"] = code
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// nonNil keeps empty slices encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
