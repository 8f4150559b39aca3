package opt

import (
	"fmt"
	"strings"
	"time"
)

// Location is a latitude/longitude pair in decimal degrees.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ServiceKind is the type of work performed at a stop.
type ServiceKind string

const (
	PressureWashing ServiceKind = "pressure_washing"
	RoofCleaning    ServiceKind = "roof_cleaning"
	WindowCleaning  ServiceKind = "window_cleaning"
	HouseWashing    ServiceKind = "house_washing"
	Estimate        ServiceKind = "estimate"
)

var defaultServiceMinutes = map[ServiceKind]int{
	PressureWashing: 240,
	RoofCleaning:    180,
	WindowCleaning:  100,
	HouseWashing:    240,
	Estimate:        60,
}

// DefaultMinutes returns the nominal on-site duration for the kind, 0 if unknown.
func (k ServiceKind) DefaultMinutes() int { return defaultServiceMinutes[k] }

func (k ServiceKind) Valid() bool {
	_, ok := defaultServiceMinutes[k]
	return ok
}

// ParseServiceKind accepts snake_case or upper-case names (ROOF_CLEANING).
func ParseServiceKind(s string) (ServiceKind, error) {
	k := ServiceKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown service kind: %q", s)
	}
	return k, nil
}

// Priority orders stops by urgency. Its numeric value is the ordinal used by scoring.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityEmergency
)

var priorityNames = map[Priority]string{
	PriorityLow:       "low",
	PriorityMedium:    "medium",
	PriorityHigh:      "high",
	PriorityEmergency: "emergency",
}

func (p Priority) String() string {
	if n, ok := priorityNames[p]; ok {
		return n
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority maps a name to a Priority. Empty input means medium.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityMedium, nil
	}
	for p, n := range priorityNames {
		if n == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority: %q", s)
}

// Unassigned marks a stop that belongs to no vehicle.
const Unassigned = -1

// Stop is a single service visit. The assignment fields are owned by the Problem.
type Stop struct {
	ID               string
	Location         Location
	Kind             ServiceKind
	ServiceMinutes   int
	CrewSize         int
	Priority         Priority
	Value            float64
	Earliest         *time.Time
	Latest           *time.Time
	Preferred        *time.Time
	WeatherSensitive bool
	Emergency        bool

	vehicle  int
	position int
}

// Duration is the on-site time in minutes, falling back to the kind default.
func (s *Stop) Duration() int {
	if s.ServiceMinutes > 0 {
		return s.ServiceMinutes
	}
	return s.Kind.DefaultMinutes()
}

// Vehicle returns the index of the owning vehicle or Unassigned.
func (s *Stop) Vehicle() int { return s.vehicle }

// Position returns the 0-based index within the owning vehicle's sequence.
func (s *Stop) Position() int { return s.position }

// Vehicle is a crewed truck. seq is the ordered list of stop indices it serves.
type Vehicle struct {
	ID             string
	Capacity       int
	Capabilities   []ServiceKind
	FuelEfficiency float64

	seq []int
}

// CanServe reports whether the vehicle may perform kind. No capabilities means no restriction.
func (v *Vehicle) CanServe(kind ServiceKind) bool {
	if len(v.Capabilities) == 0 {
		return true
	}
	for _, c := range v.Capabilities {
		if c == kind {
			return true
		}
	}
	return false
}

// WorkingHours is the crew day: Start plus Regular hours, optionally stretched by MaxOvertime.
type WorkingHours struct {
	Start       time.Time
	Regular     time.Duration
	MaxOvertime time.Duration
}

func (w WorkingHours) RegularEnd() time.Time  { return w.Start.Add(w.Regular) }
func (w WorkingHours) OvertimeEnd() time.Time { return w.Start.Add(w.Regular + w.MaxOvertime) }

// DayHours builds the working window for day from a clock start ("08:00").
func DayHours(day time.Time, start string, regular, overtime time.Duration) (WorkingHours, error) {
	t, err := time.Parse("15:04", start)
	if err != nil {
		return WorkingHours{}, fmt.Errorf("parse work start %q: %w", start, err)
	}
	y, m, d := day.Date()
	return WorkingHours{
		Start:       time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, day.Location()),
		Regular:     regular,
		MaxOvertime: overtime,
	}, nil
}

// Pricing carries the cost constants that used to be hardcoded company values.
type Pricing struct {
	FuelPricePerGallon    float64
	DefaultFuelEfficiency float64 // mpg, used when a vehicle has none
	BacktrackThresholdKm  float64
}

func DefaultPricing() Pricing {
	return Pricing{FuelPricePerGallon: 3.50, DefaultFuelEfficiency: 10, BacktrackThresholdKm: 15}
}

// withDefaults fills zero fields from DefaultPricing.
func (pr Pricing) withDefaults() Pricing {
	d := DefaultPricing()
	if pr.FuelPricePerGallon <= 0 {
		pr.FuelPricePerGallon = d.FuelPricePerGallon
	}
	if pr.DefaultFuelEfficiency <= 0 {
		pr.DefaultFuelEfficiency = d.DefaultFuelEfficiency
	}
	if pr.BacktrackThresholdKm <= 0 {
		pr.BacktrackThresholdKm = d.BacktrackThresholdKm
	}
	return pr
}

// Problem is the planning state for one optimization run.
type Problem struct {
	Depot    Location
	Hours    WorkingHours
	Pricing  Pricing
	Vehicles []*Vehicle
	Stops    []*Stop
}

// NewProblem wires vehicles and stops together with every stop unassigned.
func NewProblem(depot Location, hours WorkingHours, pricing Pricing, vehicles []*Vehicle, stops []*Stop) *Problem {
	p := &Problem{Depot: depot, Hours: hours, Pricing: pricing.withDefaults(), Vehicles: vehicles, Stops: stops}
	p.ClearAssignments()
	return p
}

// ClearAssignments leaves every stop unassigned and every vehicle empty.
func (p *Problem) ClearAssignments() {
	for _, s := range p.Stops {
		s.vehicle = Unassigned
		s.position = 0
	}
	for _, v := range p.Vehicles {
		v.seq = v.seq[:0]
	}
}

func (p *Problem) IsAssigned(stop int) bool { return p.Stops[stop].vehicle != Unassigned }

// Route returns the vehicle's stop indices in visiting order. The slice is owned by the Problem.
func (p *Problem) Route(vehicle int) []int { return p.Vehicles[vehicle].seq }

// Predecessor returns the stop visited just before stop, or Unassigned when it is first after the depot.
func (p *Problem) Predecessor(stop int) int {
	s := p.Stops[stop]
	if s.vehicle == Unassigned || s.position == 0 {
		return Unassigned
	}
	return p.Vehicles[s.vehicle].seq[s.position-1]
}

// Assign moves stop to vehicle at pos (clamped to the sequence bounds).
func (p *Problem) Assign(stop, vehicle, pos int) {
	p.Unassign(stop)
	v := p.Vehicles[vehicle]
	if pos < 0 {
		pos = 0
	}
	if pos > len(v.seq) {
		pos = len(v.seq)
	}
	v.seq = append(v.seq, 0)
	copy(v.seq[pos+1:], v.seq[pos:])
	v.seq[pos] = stop
	p.Stops[stop].vehicle = vehicle
	p.renumber(vehicle, pos)
}

func (p *Problem) Unassign(stop int) {
	s := p.Stops[stop]
	if s.vehicle == Unassigned {
		return
	}
	v := p.Vehicles[s.vehicle]
	v.seq = append(v.seq[:s.position], v.seq[s.position+1:]...)
	p.renumber(s.vehicle, s.position)
	s.vehicle = Unassigned
	s.position = 0
}

func (p *Problem) renumber(vehicle, from int) {
	seq := p.Vehicles[vehicle].seq
	for i := from; i < len(seq); i++ {
		p.Stops[seq[i]].position = i
	}
}

func (p *Problem) TotalDemand(vehicle int) int {
	total := 0
	for _, idx := range p.Vehicles[vehicle].seq {
		total += p.Stops[idx].CrewSize
	}
	return total
}

func (p *Problem) TotalServiceMinutes(vehicle int) int {
	total := 0
	for _, idx := range p.Vehicles[vehicle].seq {
		total += p.Stops[idx].Duration()
	}
	return total
}

// Assignment is a copy of every vehicle's sequence.
type Assignment [][]int

func (p *Problem) Snapshot() Assignment {
	a := make(Assignment, len(p.Vehicles))
	for i, v := range p.Vehicles {
		a[i] = append([]int(nil), v.seq...)
	}
	return a
}

// Restore replaces the current assignment with a.
func (p *Problem) Restore(a Assignment) {
	p.ClearAssignments()
	for vi, seq := range a {
		for pos, idx := range seq {
			p.Vehicles[vi].seq = append(p.Vehicles[vi].seq, idx)
			p.Stops[idx].vehicle = vi
			p.Stops[idx].position = pos
		}
	}
}

// UnassignedStops lists stop indices not on any vehicle.
func (p *Problem) UnassignedStops() []int {
	var out []int
	for i, s := range p.Stops {
		if s.vehicle == Unassigned {
			out = append(out, i)
		}
	}
	return out
}
