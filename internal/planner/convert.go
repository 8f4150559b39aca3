package planner

import (
	"log"
	"time"

	"crewroute/internal/model"
	"crewroute/internal/opt"
)

func toStop(j model.Job) (*opt.Stop, error) {
	kind, err := opt.ParseServiceKind(j.ServiceType)
	if err != nil {
		return nil, err
	}
	prio, err := opt.ParsePriority(j.Priority)
	if err != nil {
		return nil, err
	}
	crew := j.CrewSize
	if crew <= 0 {
		crew = 1
	}
	return &opt.Stop{
		ID:               j.ID,
		Location:         opt.Location{Lat: j.Location.Lat, Lng: j.Location.Lng},
		Kind:             kind,
		ServiceMinutes:   j.DurationMinutes,
		CrewSize:         crew,
		Priority:         prio,
		Value:            j.QuoteAmount,
		Earliest:         j.EarliestStart,
		Latest:           j.LatestStart,
		Preferred:        j.PreferredStart,
		WeatherSensitive: j.WeatherSensitive,
		Emergency:        j.Emergency,
	}, nil
}

// toVehicle drops capabilities it does not recognise rather than rejecting the truck.
func toVehicle(v model.Vehicle) *opt.Vehicle {
	out := &opt.Vehicle{ID: v.ID, Capacity: v.CrewCapacity, FuelEfficiency: v.FuelEfficiency}
	for _, c := range v.Capabilities {
		k, err := opt.ParseServiceKind(c)
		if err != nil {
			log.Printf("[PLANNER] vehicle=%s ignoring capability %q", v.ID, c)
			continue
		}
		out.Capabilities = append(out.Capabilities, k)
	}
	return out
}

func routeFromItinerary(it opt.Itinerary, score string) model.Route {
	r := model.Route{
		VehicleID:            it.VehicleID,
		Day:                  it.Day.Format(time.DateOnly),
		Start:                it.Start,
		End:                  it.End,
		TotalDistanceKm:      it.TotalDistanceKm,
		TotalDurationMinutes: it.TotalDurationMinutes,
		FuelCost:             it.FuelCost,
		Score:                score,
		Stops:                make([]model.RouteStop, 0, len(it.Stops)),
	}
	for _, st := range it.Stops {
		r.Stops = append(r.Stops, model.RouteStop{
			JobID:          st.StopID,
			Sequence:       st.Sequence,
			Location:       model.GeoPoint{Lat: st.Location.Lat, Lng: st.Location.Lng},
			ServiceMinutes: st.ServiceMinutes,
			Arrival:        st.Arrival,
			Departure:      st.Departure,
			DistanceKm:     st.DistanceKm,
			TravelMinutes:  st.TravelMinutes,
		})
	}
	return r
}

// itineraryFromRoute rebuilds the engine view of a stored route. A zero start falls back to hours.
func itineraryFromRoute(r model.Route, mpg float64, day time.Time, hours opt.WorkingHours) opt.Itinerary {
	it := opt.Itinerary{
		VehicleID:            r.VehicleID,
		Day:                  day,
		Start:                r.Start,
		End:                  r.End,
		FuelEfficiency:       mpg,
		TotalDistanceKm:      r.TotalDistanceKm,
		TotalDurationMinutes: r.TotalDurationMinutes,
		FuelCost:             r.FuelCost,
	}
	if it.Start.IsZero() {
		it.Start = hours.Start
	}
	for _, st := range r.Stops {
		it.Stops = append(it.Stops, opt.ItineraryStop{
			StopID:         st.JobID,
			Sequence:       st.Sequence,
			Location:       opt.Location{Lat: st.Location.Lat, Lng: st.Location.Lng},
			ServiceMinutes: st.ServiceMinutes,
			Arrival:        st.Arrival,
			Departure:      st.Departure,
			DistanceKm:     st.DistanceKm,
			TravelMinutes:  st.TravelMinutes,
		})
	}
	return it
}

func scoreOut(sc opt.Score) model.ScoreOut {
	return model.ScoreOut{Hard: sc.Hard, Medium: sc.Medium, Soft: sc.Soft, Text: sc.String(), Feasible: sc.Feasible()}
}

// open reports whether a job can still be planned.
func open(j model.Job) bool {
	return j.Status == model.JobPending || j.Status == model.JobScheduled
}
