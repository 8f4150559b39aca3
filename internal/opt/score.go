package opt

import "fmt"

// Score holds penalty magnitudes per tier. Lower is better; comparison is lexicographic.
type Score struct {
	Hard   int64 `json:"hard"`
	Medium int64 `json:"medium"`
	Soft   int64 `json:"soft"`
}

func (s Score) Add(o Score) Score {
	return Score{Hard: s.Hard + o.Hard, Medium: s.Medium + o.Medium, Soft: s.Soft + o.Soft}
}

// Compare returns -1 when s is better than o, 1 when worse and 0 when equal.
func (s Score) Compare(o Score) int {
	switch {
	case s.Hard != o.Hard:
		return sign(s.Hard - o.Hard)
	case s.Medium != o.Medium:
		return sign(s.Medium - o.Medium)
	default:
		return sign(s.Soft - o.Soft)
	}
}

func (s Score) Better(o Score) bool { return s.Compare(o) < 0 }

// Feasible reports zero hard and zero medium penalties.
func (s Score) Feasible() bool { return s.Hard == 0 && s.Medium == 0 }

func (s Score) String() string {
	return fmt.Sprintf("%dhard/%dmedium/%dsoft", -s.Hard, -s.Medium, -s.Soft)
}

func sign(v int64) int {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	}
	return 0
}

type Tier int

const (
	TierHard Tier = iota
	TierMedium
	TierSoft
)

func (t Tier) score(v int64) Score {
	switch t {
	case TierHard:
		return Score{Hard: v}
	case TierMedium:
		return Score{Medium: v}
	default:
		return Score{Soft: v}
	}
}

// vehicleRun is what every per-vehicle term sees.
type vehicleRun struct {
	p      *Problem
	v      *Vehicle
	stops  []*Stop
	timing routeTiming
}

type vehicleTerm struct {
	name string
	tier Tier
	fn   func(r *vehicleRun) int64
}

type problemTerm struct {
	name string
	tier Tier
	fn   func(p *Problem) int64
}

// Penalty terms in evaluation order.
var vehicleTerms = []vehicleTerm{
	{"vehicle capacity", TierHard, capacityPenalty},
	{"service capability", TierHard, capabilityPenalty},
	{"time window", TierHard, timeWindowPenalty},
	{"working hours", TierHard, workingHoursPenalty},
	{"backtracking", TierMedium, backtrackingPenalty},
	{"travel time", TierSoft, travelTimePenalty},
	{"preferred time", TierSoft, preferredTimePenalty},
	{"fuel cost", TierSoft, fuelCostPenalty},
}

var problemTerms = []problemTerm{
	{"workload balance", TierMedium, workloadPenalty},
	{"unassigned value", TierSoft, unassignedPenalty},
}

func capacityPenalty(r *vehicleRun) int64 {
	demand := 0
	for _, s := range r.stops {
		demand += s.CrewSize
	}
	if over := demand - r.v.Capacity; over > 0 {
		return int64(over)
	}
	return 0
}

func capabilityPenalty(r *vehicleRun) int64 {
	var n int64
	for _, s := range r.stops {
		if !r.v.CanServe(s.Kind) {
			n++
		}
	}
	return n
}

func timeWindowPenalty(r *vehicleRun) int64 {
	var total int64
	for i, s := range r.stops {
		arrival := r.timing.arrivals[i]
		if s.Earliest != nil && arrival.Before(*s.Earliest) {
			total += wholeMinutes(s.Earliest.Sub(arrival))
		} else if s.Latest != nil && arrival.After(*s.Latest) {
			total += wholeMinutes(arrival.Sub(*s.Latest))
		}
	}
	return total
}

// Penalizes minutes past the regular end, but only once the overtime allowance is blown.
func workingHoursPenalty(r *vehicleRun) int64 {
	if len(r.stops) == 0 {
		return 0
	}
	h := r.p.Hours
	if !r.timing.end.After(h.OvertimeEnd()) {
		return 0
	}
	return wholeMinutes(r.timing.end.Sub(h.RegularEnd()))
}

func backtrackingPenalty(r *vehicleRun) int64 {
	threshold := r.p.Pricing.BacktrackThresholdKm
	var total int64
	for i := 0; i < len(r.stops); i++ {
		for j := i + 1; j < len(r.stops); j++ {
			d := Haversine(r.stops[i].Location, r.stops[j].Location)
			if d > threshold {
				total += int64((d - threshold) * 10)
			}
		}
	}
	return total
}

func travelTimePenalty(r *vehicleRun) int64 {
	var total int64
	for _, l := range r.timing.legs {
		total += int64(l.Minutes)
	}
	return total
}

func preferredTimePenalty(r *vehicleRun) int64 {
	var total int64
	for i, s := range r.stops {
		if s.Preferred != nil {
			total += wholeMinutes(r.timing.arrivals[i].Sub(*s.Preferred))
		}
	}
	return total
}

func fuelCostPenalty(r *vehicleRun) int64 {
	if len(r.stops) == 0 {
		return 0
	}
	cost := FuelCost(r.timing.distanceKm, r.p.fuelEfficiency(r.v), r.p.Pricing.FuelPricePerGallon)
	return int64(cost * 100)
}

// Sums |difference| over every vehicle pair, so imbalance grows quadratically with fleet size.
func workloadPenalty(p *Problem) int64 {
	minutes := make([]int64, len(p.Vehicles))
	for i := range p.Vehicles {
		minutes[i] = int64(p.TotalServiceMinutes(i))
	}
	var total int64
	for i := 0; i < len(minutes); i++ {
		for j := i + 1; j < len(minutes); j++ {
			d := minutes[i] - minutes[j]
			if d < 0 {
				d = -d
			}
			total += d
		}
	}
	return total
}

func unassignedPenalty(p *Problem) int64 {
	var total int64
	for _, s := range p.Stops {
		if s.vehicle != Unassigned {
			continue
		}
		// A zero value counts like a missing quote: 1 point.
		points := int64(1)
		if s.Value > 0 {
			points = int64(s.Value) / 100
		}
		total += int64(s.Priority) * points
	}
	return total
}

func (p *Problem) fuelEfficiency(v *Vehicle) float64 {
	if v.FuelEfficiency > 0 {
		return v.FuelEfficiency
	}
	return p.Pricing.DefaultFuelEfficiency
}

func (p *Problem) visits(vehicle int) ([]*Stop, []visit) {
	seq := p.Vehicles[vehicle].seq
	stops := make([]*Stop, len(seq))
	visits := make([]visit, len(seq))
	for i, idx := range seq {
		s := p.Stops[idx]
		stops[i] = s
		visits[i] = visit{loc: s.Location, service: s.Duration()}
	}
	return stops, visits
}

func (p *Problem) run(vehicle int, leg LegFunc) *vehicleRun {
	stops, visits := p.visits(vehicle)
	return &vehicleRun{
		p:      p,
		v:      p.Vehicles[vehicle],
		stops:  stops,
		timing: simulate(p.Hours.Start, p.Depot, visits, leg),
	}
}

// Evaluator caches per-vehicle scores so a move only re-simulates the vehicles it touched.
type Evaluator struct {
	p          *Problem
	leg        LegFunc
	perVehicle []Score
}

func NewEvaluator(p *Problem) *Evaluator {
	e := &Evaluator{p: p, leg: EstimateLeg, perVehicle: make([]Score, len(p.Vehicles))}
	e.RefreshAll()
	return e
}

func (e *Evaluator) RefreshAll() {
	for vi := range e.p.Vehicles {
		e.perVehicle[vi] = vehicleScore(e.p.run(vi, e.leg))
	}
}

// Refresh recomputes the cached terms of the given vehicles.
func (e *Evaluator) Refresh(vehicles ...int) {
	for _, vi := range vehicles {
		if vi == Unassigned {
			continue
		}
		e.perVehicle[vi] = vehicleScore(e.p.run(vi, e.leg))
	}
}

func (e *Evaluator) Score() Score {
	var total Score
	for _, s := range e.perVehicle {
		total = total.Add(s)
	}
	for _, t := range problemTerms {
		total = total.Add(t.tier.score(t.fn(e.p)))
	}
	return total
}

func vehicleScore(r *vehicleRun) Score {
	var s Score
	for _, t := range vehicleTerms {
		s = s.Add(t.tier.score(t.fn(r)))
	}
	return s
}

// Evaluate scores the current assignment from scratch.
func Evaluate(p *Problem) Score {
	return NewEvaluator(p).Score()
}

// Explain breaks the score down by penalty term name.
func Explain(p *Problem) map[string]int64 {
	out := make(map[string]int64, len(vehicleTerms)+len(problemTerms))
	for vi := range p.Vehicles {
		r := p.run(vi, EstimateLeg)
		for _, t := range vehicleTerms {
			out[t.name] += t.fn(r)
		}
	}
	for _, t := range problemTerms {
		out[t.name] = t.fn(p)
	}
	return out
}
