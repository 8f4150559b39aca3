package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"crewroute/internal/geocode"
	"crewroute/internal/opt"
	"crewroute/internal/planner"
	"crewroute/internal/store"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// decodeJSON reads a single JSON document and rejects unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("body must contain a single JSON object")
	}
	return nil
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) (int, string) {
	var geoErr *geocode.ErrGeocodingFailed
	switch {
	case errors.Is(err, planner.ErrInvalidRequest):
		return http.StatusBadRequest, "Invalid request"
	case errors.As(err, &geoErr), errors.Is(err, geocode.ErrAddressNotFound):
		return http.StatusUnprocessableEntity, "Address could not be geocoded"
	case errors.Is(err, opt.ErrNoCapableVehicle):
		return http.StatusConflict, "No capable vehicle"
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict, "Duplicate"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "Request timed out"
	}
	return http.StatusInternalServerError, ""
}

// writeError renders err as a problem. fallback titles unexpected failures.
func writeError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status, title := statusFor(err)
	if title == "" {
		title = fallback
		log.Printf("[API] %s %s: %s: %v", r.Method, r.URL.Path, fallback, err)
	}
	writeProblem(w, status, title, err.Error(), r.URL.Path)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed string) {
	w.Header().Set("Allow", allowed)
	writeProblem(w, http.StatusMethodNotAllowed, "Method Not Allowed", fmt.Sprintf("use %s", allowed), r.URL.Path)
}
