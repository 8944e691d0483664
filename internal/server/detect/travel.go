package detect

import (
	"math"

	"github.com/minisoc/minisoc/internal/schema"
)

// RuleIDImpossibleTravel flags consecutive geolocated logins for one
// account that would require implausible ground speed.
const RuleIDImpossibleTravel = "AUTH005"

// defaultMaxKmh is just above airliner cruise speed; anything faster
// between two logins means the account is in two places at once.
const defaultMaxKmh = 900.0

type lastGeo struct {
	ts      string
	lat     float64
	lon     float64
	eventID string
}

// ImpossibleTravel remembers the last geolocated successful login per
// account and compares each new one against it. Events without
// coordinates neither fire nor disturb the remembered position.
type ImpossibleTravel struct {
	maxKmh float64
	last   map[string]lastGeo
}

// NewImpossibleTravel builds the rule. maxKmh <= 0 selects the default
// of 900 km/h.
func NewImpossibleTravel(maxKmh float64) *ImpossibleTravel {
	if maxKmh <= 0 {
		maxKmh = defaultMaxKmh
	}
	return &ImpossibleTravel{
		maxKmh: maxKmh,
		last:   make(map[string]lastGeo),
	}
}

func (r *ImpossibleTravel) ID() string { return RuleIDImpossibleTravel }

func (r *ImpossibleTravel) OnEvent(ev *schema.NormalizedEvent) *Detection {
	if ev.Event.Outcome != schema.OutcomeSuccess || ev.User == nil || ev.User.Name == "" {
		return nil
	}
	if ev.Src == nil || ev.Src.Geo == nil {
		return nil
	}
	name := ev.User.Name
	cur := lastGeo{ts: ev.TS, lat: ev.Src.Geo.Lat, lon: ev.Src.Geo.Lon, eventID: ev.EventID.String()}

	prev, ok := r.last[name]
	r.last[name] = cur
	if !ok {
		return nil
	}

	prevT, err := schema.ParseTime(prev.ts)
	if err != nil {
		return nil
	}
	curT, err := schema.ParseTime(cur.ts)
	if err != nil {
		return nil
	}

	km := haversineKm(prev.lat, prev.lon, cur.lat, cur.lon)
	// Out-of-order or same-second timestamps would divide by zero (or go
	// negative); clamp to a tiny positive interval instead.
	hours := math.Max(curT.Sub(prevT).Hours(), 1e-6)
	speed := km / hours
	if speed <= r.maxKmh {
		return nil
	}

	return &Detection{
		RuleID:   RuleIDImpossibleTravel,
		Title:    "Impossible travel for user",
		Severity: 9,
		Entity:   "user:" + name,
		EventIDs: []string{prev.eventID, cur.eventID},
		Details: map[string]any{
			"km":        km,
			"hours":     hours,
			"speed_kmh": speed,
			"max_kmh":   r.maxKmh,
			"bucket":    schema.Bucket(cur.ts),
		},
	}
}

const earthRadiusKm = 6371.0

// haversineKm returns the great-circle distance between two coordinates.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
