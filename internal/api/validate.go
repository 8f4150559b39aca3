package api

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"crewroute/internal/model"
	"crewroute/internal/opt"
)

// validateVehicle checks a fleet upsert and normalizes capability names.
func validateVehicle(v *model.Vehicle) error {
	var errs []error
	if strings.TrimSpace(v.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if v.CrewCapacity <= 0 {
		errs = append(errs, errors.New("crewCapacity must be positive"))
	}
	if v.FuelEfficiency < 0 {
		errs = append(errs, errors.New("fuelEfficiency must not be negative"))
	}
	for i, c := range v.Capabilities {
		k, err := opt.ParseServiceKind(c)
		if err != nil {
			errs = append(errs, fmt.Errorf("capabilities[%d]: %w", i, err))
			continue
		}
		v.Capabilities[i] = string(k)
	}
	return errors.Join(errs...)
}

// queryDay returns the required ?date= parameter.
func queryDay(q url.Values) (string, error) {
	day := q.Get("date")
	if day == "" {
		return "", errors.New("date is required")
	}
	if _, err := time.Parse(time.DateOnly, day); err != nil {
		return "", fmt.Errorf("date %q: want YYYY-MM-DD", day)
	}
	return day, nil
}
