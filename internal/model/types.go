package model

import "time"

// Job statuses.
const (
	JobPending   = "pending"
	JobScheduled = "scheduled"
	JobCompleted = "completed"
	JobCancelled = "cancelled"
)

// Route statuses.
const (
	RoutePlanned   = "planned"
	RouteActive    = "active"
	RouteCompleted = "completed"
)

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Job is a customer service visit as stored and served by the API.
type Job struct {
	ID               string     `json:"id"`
	ExternalRef      string     `json:"externalRef,omitempty"`
	CustomerID       string     `json:"customerId"`
	Address          string     `json:"address"`
	Location         GeoPoint   `json:"location"`
	ServiceType      string     `json:"serviceType"`
	Status           string     `json:"status"`
	Priority         string     `json:"priority"`
	QuoteAmount      float64    `json:"quoteAmount,omitempty"`
	DurationMinutes  int        `json:"durationMinutes"`
	CrewSize         int        `json:"crewSize"`
	Day              string     `json:"day"` // YYYY-MM-DD
	EarliestStart    *time.Time `json:"earliestStart,omitempty"`
	LatestStart      *time.Time `json:"latestStart,omitempty"`
	PreferredStart   *time.Time `json:"preferredStart,omitempty"`
	WeatherSensitive bool       `json:"weatherSensitive"`
	Emergency        bool       `json:"emergency"`
	VehicleID        string     `json:"vehicleId,omitempty"`
	ScheduledStart   *time.Time `json:"scheduledStart,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// JobIn is the create payload. Location skips geocoding when set.
type JobIn struct {
	ExternalRef      string     `json:"externalRef,omitempty"`
	CustomerID       string     `json:"customerId"`
	Address          string     `json:"address"`
	Location         *GeoPoint  `json:"location,omitempty"`
	ServiceType      string     `json:"serviceType"`
	Priority         string     `json:"priority,omitempty"`
	QuoteAmount      float64    `json:"quoteAmount,omitempty"`
	DurationMinutes  int        `json:"durationMinutes,omitempty"`
	CrewSize         int        `json:"crewSize,omitempty"`
	Day              string     `json:"day"`
	EarliestStart    *time.Time `json:"earliestStart,omitempty"`
	LatestStart      *time.Time `json:"latestStart,omitempty"`
	PreferredStart   *time.Time `json:"preferredStart,omitempty"`
	WeatherSensitive *bool      `json:"weatherSensitive,omitempty"`
	Notes            string     `json:"notes,omitempty"`
}

// MoveJobRequest moves a job to another day. PreferredStart, when set, replaces the
// preferred time and must fall on Date.
type MoveJobRequest struct {
	Date           string     `json:"date"`
	PreferredStart *time.Time `json:"preferredStart,omitempty"`
}

type MoveJobResult struct {
	Job  Job        `json:"job"`
	From string     `json:"from"`
	Plan PlanResult `json:"plan"`
}

type CompleteJobRequest struct {
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Vehicle is a crewed truck available for routing.
type Vehicle struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	LicensePlate   string    `json:"licensePlate,omitempty"`
	CrewCapacity   int       `json:"crewCapacity"`
	Capabilities   []string  `json:"capabilities,omitempty"`
	FuelEfficiency float64   `json:"fuelEfficiency,omitempty"` // mpg
	Available      bool      `json:"available"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Route is one vehicle's timed plan for a day.
type Route struct {
	ID                   string      `json:"id"`
	VehicleID            string      `json:"vehicleId"`
	Day                  string      `json:"day"`
	Status               string      `json:"status"`
	Version              int         `json:"version"`
	Start                time.Time   `json:"start"`
	End                  time.Time   `json:"end"`
	Stops                []RouteStop `json:"stops"`
	TotalDistanceKm      float64     `json:"totalDistanceKm"`
	TotalDurationMinutes int         `json:"totalDurationMinutes"`
	FuelCost             float64     `json:"fuelCost"`
	Score                string      `json:"score,omitempty"`
	UpdatedAt            time.Time   `json:"updatedAt"`
}

type RouteStop struct {
	JobID          string    `json:"jobId"`
	Sequence       int       `json:"sequence"`
	Location       GeoPoint  `json:"location"`
	ServiceMinutes int       `json:"serviceMinutes"`
	Arrival        time.Time `json:"arrival"`
	Departure      time.Time `json:"departure"`
	DistanceKm     float64   `json:"distanceKm"`
	TravelMinutes  int       `json:"travelMinutes"`
}

// GenerateRequest triggers a full-day plan. Zero TimeBudgetMs uses the configured default.
type GenerateRequest struct {
	Date          string `json:"date"`
	TimeBudgetMs  int    `json:"timeBudgetMs,omitempty"`
	MaxIterations int    `json:"maxIterations,omitempty"`
	Seed          int64  `json:"seed,omitempty"`
}

type ReoptimizeRequest struct {
	Date         string   `json:"date"`
	VehicleIDs   []string `json:"vehicleIds"`
	TimeBudgetMs int      `json:"timeBudgetMs,omitempty"`
	Seed         int64    `json:"seed,omitempty"`
}

type EmergencyRequest struct {
	CustomerID     string     `json:"customerId"`
	Address        string     `json:"address"`
	Location       *GeoPoint  `json:"location,omitempty"`
	ServiceType    string     `json:"serviceType"`
	PreferredStart *time.Time `json:"preferredStart"`
	CrewSize       int        `json:"crewSize,omitempty"`
	QuoteAmount    float64    `json:"quoteAmount,omitempty"`
	Notes          string     `json:"notes,omitempty"`
}

type EstimatesRequest struct {
	Date      string   `json:"date"`
	Addresses []string `json:"addresses"`
}

type ScoreOut struct {
	Hard     int64  `json:"hard"`
	Medium   int64  `json:"medium"`
	Soft     int64  `json:"soft"`
	Text     string `json:"text"`
	Feasible bool   `json:"feasible"`
}

// PlanResult is returned by generate and reoptimize.
type PlanResult struct {
	Date       string           `json:"date"`
	Routes     []Route          `json:"routes"`
	Unassigned []string         `json:"unassigned,omitempty"`
	Deferred   []string         `json:"deferred,omitempty"`
	Score      ScoreOut         `json:"score"`
	Breakdown  map[string]int64 `json:"breakdown,omitempty"`
	Iterations int              `json:"iterations"`
	StopReason string           `json:"stopReason"`
	ElapsedMs  int64            `json:"elapsedMs"`
}

type EmergencyResult struct {
	Job      Job   `json:"job"`
	Route    Route `json:"route"`
	Position int   `json:"position"` // 1-based sequence of the inserted stop
}

type WeatherOut struct {
	Date         string  `json:"date"`
	Raining      bool    `json:"raining"`
	Snowing      bool    `json:"snowing"`
	WindSpeedMph float64 `json:"windSpeedMph"`
	TemperatureF float64 `json:"temperatureF"`
	Suitable     bool    `json:"suitable"`
	Fallback     bool    `json:"fallback"`
}

type RescheduleResult struct {
	Date        string     `json:"date"`
	Weather     WeatherOut `json:"weather"`
	MovedTo     string     `json:"movedTo,omitempty"`
	MovedJobIDs []string   `json:"movedJobIds,omitempty"`
}

type RouteStats struct {
	Date                 string  `json:"date"`
	TotalRoutes          int     `json:"totalRoutes"`
	TotalJobs            int     `json:"totalJobs"`
	TotalDistanceKm      float64 `json:"totalDistanceKm"`
	TotalFuelCost        float64 `json:"totalFuelCost"`
	TotalDurationMinutes int     `json:"totalDurationMinutes"`
	AvgJobsPerRoute      float64 `json:"avgJobsPerRoute"`
}

type ImportResult struct {
	Created int      `json:"created"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// Event is published to stream subscribers and webhook endpoints.
type Event struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`
	Data any       `json:"data"`
}
