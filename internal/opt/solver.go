package opt

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sort"
	"time"
)

// Options bounds a Solve run. Zero Seed means time-seeded.
type Options struct {
	TimeBudget     time.Duration
	Seed           int64
	IterationLimit int // 0 means unlimited
}

// DefaultOptions is the full-day planning budget.
func DefaultOptions() Options { return Options{TimeBudget: 2 * time.Minute} }

// QuickOptions is the short budget used for emergency re-solves.
func QuickOptions() Options { return Options{TimeBudget: 30 * time.Second} }

func (o Options) Validate() error {
	if o.TimeBudget < 0 {
		return errors.New("time budget must not be negative")
	}
	if o.IterationLimit < 0 {
		return errors.New("iteration limit must not be negative")
	}
	if o.TimeBudget == 0 && o.IterationLimit == 0 {
		return errors.New("either a time budget or an iteration limit is required")
	}
	return nil
}

type StopReason string

const (
	StopNoInput        StopReason = "no_input"
	StopTimeBudget     StopReason = "time_budget"
	StopCancelled      StopReason = "cancelled"
	StopIterationLimit StopReason = "iteration_limit"
	StopTargetReached  StopReason = "target_reached"
	StopNoMoves        StopReason = "no_moves"
)

// Plan is one vehicle's ordered stop IDs.
type Plan struct {
	VehicleID string   `json:"vehicleId"`
	StopIDs   []string `json:"stopIds"`
}

type Result struct {
	Score      Score    `json:"score"`
	Plans      []Plan   `json:"plans"`
	Unassigned []string `json:"unassigned"`
}

type Metrics struct {
	Iterations        int           `json:"iterations"`
	Accepted          int           `json:"accepted"`
	Improvements      int           `json:"improvements"`
	ConstructionScore Score         `json:"constructionScore"`
	BestScore         Score         `json:"bestScore"`
	Elapsed           time.Duration `json:"elapsed"`
	StopReason        StopReason    `json:"stopReason"`
}

type move struct {
	stop             int
	fromVehicle      int
	fromPos          int
	toVehicle, toPos int
}

// Solve builds a greedy assignment and improves it by local search until a bound fires.
// The best assignment found is left in p.
func Solve(ctx context.Context, p *Problem, opts Options) (Result, Metrics) {
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if opts.TimeBudget <= 0 && opts.IterationLimit <= 0 {
		opts.TimeBudget = DefaultOptions().TimeBudget
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	started := time.Now()
	var deadline time.Time
	if opts.TimeBudget > 0 {
		deadline = started.Add(opts.TimeBudget)
	}
	halted := func() StopReason {
		if ctx.Err() != nil {
			return StopCancelled
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return StopTimeBudget
		}
		return ""
	}

	p.ClearAssignments()
	var m Metrics
	if len(p.Vehicles) == 0 || len(p.Stops) == 0 {
		m.StopReason = StopNoInput
		m.BestScore = Evaluate(p)
		m.ConstructionScore = m.BestScore
		return result(p, m.BestScore), m
	}

	eval := NewEvaluator(p)
	for _, idx := range constructionOrder(p) {
		if r := halted(); r != "" {
			m.StopReason = r
			break
		}
		insertBest(p, eval, idx)
	}
	best := eval.Score()
	m.ConstructionScore = best
	snapshot := p.Snapshot()

	var assigned []int
	for i := range p.Stops {
		if p.IsAssigned(i) {
			assigned = append(assigned, i)
		}
	}
	for m.StopReason == "" {
		if best.Feasible() {
			m.StopReason = StopTargetReached
			break
		}
		if r := halted(); r != "" {
			m.StopReason = r
			break
		}
		if opts.IterationLimit > 0 && m.Iterations >= opts.IterationLimit {
			m.StopReason = StopIterationLimit
			break
		}
		mv, ok := pickMove(p, assigned, rng)
		if !ok {
			m.StopReason = StopNoMoves
			break
		}
		m.Iterations++
		p.Assign(mv.stop, mv.toVehicle, mv.toPos)
		eval.Refresh(mv.fromVehicle, mv.toVehicle)
		score := eval.Score()
		if score.Compare(best) > 0 {
			p.Assign(mv.stop, mv.fromVehicle, mv.fromPos)
			eval.Refresh(mv.fromVehicle, mv.toVehicle)
			continue
		}
		m.Accepted++
		if score.Better(best) {
			best = score
			snapshot = p.Snapshot()
			m.Improvements++
		}
	}

	p.Restore(snapshot)
	m.BestScore = best
	m.Elapsed = time.Since(started)
	log.Printf("[OPT] solve stops=%d vehicles=%d iterations=%d construction=%s best=%s reason=%s elapsed=%s",
		len(p.Stops), len(p.Vehicles), m.Iterations, m.ConstructionScore, m.BestScore, m.StopReason, m.Elapsed)
	return result(p, best), m
}

// insertBest puts stop at the vehicle and position with the smallest resulting score.
// Ties keep the first candidate in vehicle then position order.
func insertBest(p *Problem, eval *Evaluator, stop int) {
	bestVehicle, bestPos := -1, 0
	var bestScore Score
	for vi := range p.Vehicles {
		cached := eval.perVehicle[vi]
		for pos := 0; pos <= len(p.Vehicles[vi].seq); pos++ {
			p.Assign(stop, vi, pos)
			eval.Refresh(vi)
			score := eval.Score()
			if bestVehicle < 0 || score.Better(bestScore) {
				bestVehicle, bestPos, bestScore = vi, pos, score
			}
			p.Unassign(stop)
		}
		eval.perVehicle[vi] = cached
	}
	p.Assign(stop, bestVehicle, bestPos)
	eval.Refresh(bestVehicle)
}

// constructionOrder: emergencies, then priority desc, value desc, preferred time asc (unset last).
func constructionOrder(p *Problem) []int {
	order := make([]int, len(p.Stops))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		x, y := p.Stops[order[a]], p.Stops[order[b]]
		if x.Emergency != y.Emergency {
			return x.Emergency
		}
		if x.Priority != y.Priority {
			return x.Priority > y.Priority
		}
		if x.Value != y.Value {
			return x.Value > y.Value
		}
		switch {
		case x.Preferred == nil:
			return false
		case y.Preferred == nil:
			return true
		}
		return x.Preferred.Before(*y.Preferred)
	})
	return order
}

// pickMove draws a reassign (other vehicle, random position) or a reposition (same vehicle,
// different position). It reports false when no move can change the assignment.
func pickMove(p *Problem, assigned []int, rng *rand.Rand) (move, bool) {
	if len(assigned) == 0 {
		return move{}, false
	}
	stop := assigned[rng.Intn(len(assigned))]
	s := p.Stops[stop]
	mv := move{stop: stop, fromVehicle: s.vehicle, fromPos: s.position}
	routeLen := len(p.Vehicles[s.vehicle].seq)
	canReassign := len(p.Vehicles) > 1
	canReposition := routeLen > 1
	switch {
	case canReassign && (!canReposition || rng.Intn(2) == 0):
		to := rng.Intn(len(p.Vehicles) - 1)
		if to >= s.vehicle {
			to++
		}
		mv.toVehicle = to
		mv.toPos = rng.Intn(len(p.Vehicles[to].seq) + 1)
	case canReposition:
		pos := rng.Intn(routeLen - 1)
		if pos >= s.position {
			pos++
		}
		mv.toVehicle = s.vehicle
		mv.toPos = pos
	default:
		return move{}, false
	}
	return mv, true
}

func result(p *Problem, score Score) Result {
	r := Result{Score: score}
	for vi, v := range p.Vehicles {
		if len(v.seq) == 0 {
			continue
		}
		plan := Plan{VehicleID: v.ID, StopIDs: make([]string, 0, len(v.seq))}
		for _, idx := range p.Route(vi) {
			plan.StopIDs = append(plan.StopIDs, p.Stops[idx].ID)
		}
		r.Plans = append(r.Plans, plan)
	}
	for _, idx := range p.UnassignedStops() {
		r.Unassigned = append(r.Unassigned, p.Stops[idx].ID)
	}
	return r
}
