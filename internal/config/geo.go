package config

import (
	"maps"
	"slices"

	"github.com/cockroachdb/errors"
)

// GeoKey is a short region code such as "eu" or "us_east".
type GeoKey string

// GeoLocation holds the coordinates Cloudflare uses for proximity steering.
type GeoLocation struct {
	DisplayName string  `mapstructure:"name"`
	Latitude    float64 `mapstructure:"latitude"`
	Longitude   float64 `mapstructure:"longitude"`
}

// GeoTable maps geo keys to their coordinates. It is fixed at startup.
type GeoTable struct {
	entries map[GeoKey]GeoLocation
}

// NewGeoTable copies entries into an immutable table.
func NewGeoTable(entries map[GeoKey]GeoLocation) (GeoTable, error) {
	if len(entries) == 0 {
		return GeoTable{}, errors.New("geo table must contain at least one location")
	}

	for key, loc := range entries {
		if key == "" {
			return GeoTable{}, errors.New("geo table contains an empty key")
		}

		if loc.Latitude < -90 || loc.Latitude > 90 {
			return GeoTable{}, errors.Newf("geo location %q: latitude %v out of range", key, loc.Latitude)
		}

		if loc.Longitude < -180 || loc.Longitude > 180 {
			return GeoTable{}, errors.Newf("geo location %q: longitude %v out of range", key, loc.Longitude)
		}
	}

	return GeoTable{entries: maps.Clone(entries)}, nil
}

// DefaultGeoTable returns the built-in regions.
func DefaultGeoTable() GeoTable {
	return GeoTable{entries: map[GeoKey]GeoLocation{
		"eu":      {DisplayName: "Europe", Latitude: 50.1109, Longitude: 8.6821},
		"us_east": {DisplayName: "United States East", Latitude: 40.7128, Longitude: -74.0060},
		"us_west": {DisplayName: "United States West", Latitude: 34.0522, Longitude: -118.2437},
		"asia":    {DisplayName: "Asia", Latitude: 35.6762, Longitude: 139.6503},
	}}
}

// Lookup returns the location for key.
func (t GeoTable) Lookup(key GeoKey) (GeoLocation, bool) {
	loc, ok := t.entries[key]

	return loc, ok
}

// Has reports whether key is a known region.
func (t GeoTable) Has(key GeoKey) bool {
	_, ok := t.entries[key]

	return ok
}

// Keys returns all keys in sorted order.
func (t GeoTable) Keys() []GeoKey {
	return slices.Sorted(maps.Keys(t.entries))
}

// Len returns the number of regions.
func (t GeoTable) Len() int {
	return len(t.entries)
}
