package opt

import (
	"math"
	"time"
)

const (
	earthRadiusKm = 6371.0

	// Straight-line estimate used whenever no road network answer is available.
	fallbackKmPerMinute = 0.5 // 30 km/h
	minLegMinutes       = 5

	kmToMiles = 0.621371
)

// Haversine returns the great-circle distance between a and b in kilometres.
func Haversine(a, b Location) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Leg is the travel between two consecutive locations.
type Leg struct {
	DistanceKm float64 `json:"distanceKm"`
	Minutes    int     `json:"minutes"`
}

// LegFunc answers a travel lookup. Implementations must not fail.
type LegFunc func(from, to Location, departure time.Time) Leg

// EstimateLeg is the deterministic haversine estimate: 30 km/h with a 5 minute floor.
func EstimateLeg(from, to Location, _ time.Time) Leg {
	km := Haversine(from, to)
	minutes := int(km / fallbackKmPerMinute)
	if minutes < minLegMinutes {
		minutes = minLegMinutes
	}
	return Leg{DistanceKm: km, Minutes: minutes}
}

// FuelCost converts a distance to money at the given efficiency (mpg) and price per gallon.
func FuelCost(km, mpg, pricePerGallon float64) float64 {
	if mpg <= 0 {
		mpg = 10
	}
	return km * kmToMiles / mpg * pricePerGallon
}

type visit struct {
	loc     Location
	service int // minutes
}

// routeTiming is one pass over a vehicle's day: legs[i] leads into visit i.
type routeTiming struct {
	legs       []Leg
	arrivals   []time.Time
	departures []time.Time
	back       Leg
	end        time.Time
	distanceKm float64
}

// simulate walks depot -> visits -> depot starting at start. An empty route ends where it starts.
func simulate(start time.Time, depot Location, visits []visit, leg LegFunc) routeTiming {
	rt := routeTiming{
		legs:       make([]Leg, len(visits)),
		arrivals:   make([]time.Time, len(visits)),
		departures: make([]time.Time, len(visits)),
		end:        start,
	}
	if len(visits) == 0 {
		return rt
	}
	clock := start
	from := depot
	for i, v := range visits {
		l := leg(from, v.loc, clock)
		clock = clock.Add(time.Duration(l.Minutes) * time.Minute)
		rt.legs[i] = l
		rt.arrivals[i] = clock
		clock = clock.Add(time.Duration(v.service) * time.Minute)
		rt.departures[i] = clock
		rt.distanceKm += l.DistanceKm
		from = v.loc
	}
	rt.back = leg(from, depot, clock)
	rt.end = clock.Add(time.Duration(rt.back.Minutes) * time.Minute)
	rt.distanceKm += rt.back.DistanceKm
	return rt
}

func wholeMinutes(d time.Duration) int64 {
	if d < 0 {
		d = -d
	}
	return int64(d / time.Minute)
}
