package opt

import (
	"context"
	"time"
)

// TravelProvider answers road travel lookups. It must not fail; providers fall back to EstimateLeg.
type TravelProvider interface {
	TravelInfo(ctx context.Context, origin, dest Location, departure time.Time) Leg
}

// EstimateProvider is a TravelProvider backed only by EstimateLeg.
type EstimateProvider struct{}

func (EstimateProvider) TravelInfo(_ context.Context, origin, dest Location, departure time.Time) Leg {
	return EstimateLeg(origin, dest, departure)
}

func providerLegs(ctx context.Context, provider TravelProvider) LegFunc {
	return func(from, to Location, departure time.Time) Leg {
		return provider.TravelInfo(ctx, from, to, departure)
	}
}

type ItineraryStop struct {
	StopID         string    `json:"stopId"`
	Sequence       int       `json:"sequence"` // 1-based
	Location       Location  `json:"location"`
	ServiceMinutes int       `json:"serviceMinutes"`
	Arrival        time.Time `json:"arrival"`
	Departure      time.Time `json:"departure"`
	DistanceKm     float64   `json:"distanceKm"`
	TravelMinutes  int       `json:"travelMinutes"`
}

// Itinerary is the timed route of one vehicle for one day.
type Itinerary struct {
	VehicleID            string          `json:"vehicleId"`
	Day                  time.Time       `json:"day"`
	Start                time.Time       `json:"start"`
	End                  time.Time       `json:"end"`
	FuelEfficiency       float64         `json:"fuelEfficiency"`
	Stops                []ItineraryStop `json:"stops"`
	TotalDistanceKm      float64         `json:"totalDistanceKm"`
	TotalDurationMinutes int             `json:"totalDurationMinutes"`
	FuelCost             float64         `json:"fuelCost"`
}

// BuildItineraries times the current assignment of every vehicle that has stops.
func BuildItineraries(ctx context.Context, p *Problem, provider TravelProvider, day time.Time) []Itinerary {
	var out []Itinerary
	for vi, v := range p.Vehicles {
		if len(v.seq) == 0 {
			continue
		}
		it := Itinerary{
			VehicleID:      v.ID,
			Day:            day,
			Start:          p.Hours.Start,
			FuelEfficiency: p.fuelEfficiency(v),
		}
		for i, idx := range p.Route(vi) {
			s := p.Stops[idx]
			it.Stops = append(it.Stops, ItineraryStop{
				StopID:         s.ID,
				Sequence:       i + 1,
				Location:       s.Location,
				ServiceMinutes: s.Duration(),
			})
		}
		Retime(ctx, &it, p.Depot, provider, p.Pricing)
		out = append(out, it)
	}
	return out
}

// Retime re-simulates it from it.Start in sequence order and refreshes every timing and total.
func Retime(ctx context.Context, it *Itinerary, depot Location, provider TravelProvider, pricing Pricing) {
	pricing = pricing.withDefaults()
	visits := make([]visit, len(it.Stops))
	for i, s := range it.Stops {
		visits[i] = visit{loc: s.Location, service: s.ServiceMinutes}
	}
	rt := simulate(it.Start, depot, visits, providerLegs(ctx, provider))
	for i := range it.Stops {
		st := &it.Stops[i]
		st.Sequence = i + 1
		st.Arrival = rt.arrivals[i]
		st.Departure = rt.departures[i]
		st.DistanceKm = rt.legs[i].DistanceKm
		st.TravelMinutes = rt.legs[i].Minutes
	}
	it.End = rt.end
	it.TotalDistanceKm = rt.distanceKm
	it.TotalDurationMinutes = int(it.End.Sub(it.Start) / time.Minute)
	mpg := it.FuelEfficiency
	if mpg <= 0 {
		mpg = pricing.DefaultFuelEfficiency
	}
	it.FuelCost = FuelCost(it.TotalDistanceKm, mpg, pricing.FuelPricePerGallon)
}
