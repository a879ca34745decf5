// Package geocode resolves free-form venue/address text to
// coordinates: a curated venue registry first, then a cached external
// geocoding service. Resolution never fails the caller; misses report
// ok=false.
package geocode

import (
	"strings"

	"github.com/eventpulse/harvester/internal/pipeline"
)

// Venue is one curated registry entry.
type Venue struct {
	Name    string
	Aliases []string
	Lat     float64
	Lng     float64
}

// Registry answers exact name and alias lookups without any external
// call.
type Registry struct {
	byName map[string]pipeline.GeocodeResult
}

// NewRegistry builds the lookup index from curated venues.
func NewRegistry(venues []Venue) *Registry {
	byName := make(map[string]pipeline.GeocodeResult, len(venues))
	for _, v := range venues {
		result := pipeline.GeocodeResult{Lat: v.Lat, Lng: v.Lng, DisplayName: v.Name}
		byName[normalizeName(v.Name)] = result
		for _, alias := range v.Aliases {
			byName[normalizeName(alias)] = result
		}
	}
	return &Registry{byName: byName}
}

// Lookup returns the registry entry matching the name or one of its
// aliases.
func (r *Registry) Lookup(name string) (pipeline.GeocodeResult, bool) {
	result, ok := r.byName[normalizeName(name)]
	return result, ok
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
