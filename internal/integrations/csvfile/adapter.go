package csvfile

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"crewroute/internal/integrations"
	"crewroute/internal/model"
)

// Adapter reads approved quotes from a CSV export dropped by the CRM. Acked references are
// remembered for the adapter's lifetime.
type Adapter struct {
	Path  string
	acked map[string]bool
}

func New(path string) *Adapter { return &Adapter{Path: path, acked: map[string]bool{}} }

func (a *Adapter) Name() string { return "csv-file" }

func (a *Adapter) FetchApproved(ctx context.Context) (integrations.QuoteBatch, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return integrations.QuoteBatch{}, fmt.Errorf("open quotes: %w", err)
	}
	defer f.Close()
	batch, err := Parse(f)
	if err != nil {
		return integrations.QuoteBatch{}, err
	}
	fresh := batch.Jobs[:0]
	for _, j := range batch.Jobs {
		if !a.acked[j.ExternalRef] {
			fresh = append(fresh, j)
		}
	}
	batch.Jobs = fresh
	return batch, nil
}

func (a *Adapter) Ack(ctx context.Context, refs []string) error {
	for _, r := range refs {
		a.acked[r] = true
	}
	return nil
}

var required = []string{"external_ref", "customer_id", "address", "service_type", "day"}

// Parse reads a header-led CSV of quotes. Columns are matched by name; unknown columns are ignored.
//
//	external_ref,customer_id,address,service_type,day[,priority,quote_amount,crew_size,
//	duration_minutes,preferred_start,lat,lng,weather_sensitive,notes]
//
// preferred_start is RFC3339. A bad row is reported in Errors and skipped.
func Parse(r io.Reader) (integrations.QuoteBatch, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return integrations.QuoteBatch{}, fmt.Errorf("read header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range required {
		if _, ok := col[name]; !ok {
			return integrations.QuoteBatch{}, fmt.Errorf("missing column %q", name)
		}
	}

	var out integrations.QuoteBatch
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		get := func(name string) string {
			if i, ok := col[name]; ok && i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}
		j, err := row(get)
		if err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		out.Jobs = append(out.Jobs, j)
	}
	return out, nil
}

func row(get func(string) string) (model.JobIn, error) {
	j := model.JobIn{
		ExternalRef: get("external_ref"),
		CustomerID:  get("customer_id"),
		Address:     get("address"),
		ServiceType: get("service_type"),
		Priority:    get("priority"),
		Day:         get("day"),
		Notes:       get("notes"),
	}
	for _, name := range required {
		if get(name) == "" {
			return model.JobIn{}, fmt.Errorf("%s is empty", name)
		}
	}
	var err error
	if v := get("quote_amount"); v != "" {
		if j.QuoteAmount, err = strconv.ParseFloat(v, 64); err != nil {
			return model.JobIn{}, fmt.Errorf("quote_amount: %w", err)
		}
	}
	if v := get("crew_size"); v != "" {
		if j.CrewSize, err = strconv.Atoi(v); err != nil {
			return model.JobIn{}, fmt.Errorf("crew_size: %w", err)
		}
	}
	if v := get("duration_minutes"); v != "" {
		if j.DurationMinutes, err = strconv.Atoi(v); err != nil {
			return model.JobIn{}, fmt.Errorf("duration_minutes: %w", err)
		}
	}
	if v := get("preferred_start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return model.JobIn{}, fmt.Errorf("preferred_start: %w", err)
		}
		j.PreferredStart = &t
	}
	if v := get("weather_sensitive"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return model.JobIn{}, fmt.Errorf("weather_sensitive: %w", err)
		}
		j.WeatherSensitive = &b
	}
	lat, lng := get("lat"), get("lng")
	if lat != "" && lng != "" {
		var p model.GeoPoint
		if p.Lat, err = strconv.ParseFloat(lat, 64); err != nil {
			return model.JobIn{}, fmt.Errorf("lat: %w", err)
		}
		if p.Lng, err = strconv.ParseFloat(lng, 64); err != nil {
			return model.JobIn{}, fmt.Errorf("lng: %w", err)
		}
		j.Location = &p
	}
	return j, nil
}
