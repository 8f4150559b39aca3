package opt

import (
	"context"
	"errors"
	"math"
	"time"
)

var ErrNoCapableVehicle = errors.New("no capable vehicle for emergency job")

// CheapestInsertion returns the position in it.Stops where loc adds the least distance,
// treating the depot as both route ends. Ties go to the earliest position.
func CheapestInsertion(it *Itinerary, depot, loc Location) (int, float64) {
	bestPos, bestCost := 0, math.Inf(1)
	for pos := 0; pos <= len(it.Stops); pos++ {
		prev, next := depot, depot
		if pos > 0 {
			prev = it.Stops[pos-1].Location
		}
		if pos < len(it.Stops) {
			next = it.Stops[pos].Location
		}
		cost := Haversine(prev, loc) + Haversine(loc, next) - Haversine(prev, next)
		if cost < bestCost {
			bestPos, bestCost = pos, cost
		}
	}
	return bestPos, bestCost
}

// InsertEmergency slots stop into it and refreshes the timings. It returns the 0-based position used.
// On an empty route the crew starts at the job: arrival equals the route start.
func InsertEmergency(ctx context.Context, it *Itinerary, stop ItineraryStop, depot Location, provider TravelProvider, pricing Pricing) int {
	if len(it.Stops) == 0 {
		pricing = pricing.withDefaults()
		stop.Sequence = 1
		stop.Arrival = it.Start
		stop.Departure = it.Start.Add(time.Duration(stop.ServiceMinutes) * time.Minute)
		stop.DistanceKm = 0
		stop.TravelMinutes = 0
		it.Stops = []ItineraryStop{stop}
		back := provider.TravelInfo(ctx, stop.Location, depot, stop.Departure)
		it.End = stop.Departure.Add(time.Duration(back.Minutes) * time.Minute)
		it.TotalDistanceKm = back.DistanceKm
		it.TotalDurationMinutes = int(it.End.Sub(it.Start) / time.Minute)
		mpg := it.FuelEfficiency
		if mpg <= 0 {
			mpg = pricing.DefaultFuelEfficiency
		}
		it.FuelCost = FuelCost(it.TotalDistanceKm, mpg, pricing.FuelPricePerGallon)
		return 0
	}
	pos, _ := CheapestInsertion(it, depot, stop.Location)
	it.Stops = append(it.Stops, ItineraryStop{})
	copy(it.Stops[pos+1:], it.Stops[pos:])
	it.Stops[pos] = stop
	Retime(ctx, it, depot, provider, pricing)
	return pos
}

// EmergencyCandidate is a vehicle considered for an emergency job with its route for the day, if any.
type EmergencyCandidate struct {
	Vehicle *Vehicle
	Route   *Itinerary
}

// SelectEmergencyVehicle picks the capable candidate whose route passes closest to the stop.
// A vehicle with no route counts as distance zero. Ties keep the earlier candidate.
func SelectEmergencyVehicle(candidates []EmergencyCandidate, stop *Stop) (int, error) {
	best, bestDist := -1, math.Inf(1)
	for i, c := range candidates {
		if c.Vehicle == nil || !c.Vehicle.CanServe(stop.Kind) || c.Vehicle.Capacity < stop.CrewSize {
			continue
		}
		d := 0.0
		if c.Route != nil && len(c.Route.Stops) > 0 {
			d = math.Inf(1)
			for _, s := range c.Route.Stops {
				d = math.Min(d, Haversine(s.Location, stop.Location))
			}
		}
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return -1, ErrNoCapableVehicle
	}
	return best, nil
}
