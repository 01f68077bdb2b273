// Package geocode resolves positions into cities and countries through the
// Google Maps Geocoding API.
package geocode

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"googlemaps.github.io/maps"

	"github.com/stuartshay/travel-geoengine/internal/geomath"
	"github.com/stuartshay/travel-geoengine/internal/region"
)

// reverseGeocoder is the subset of *maps.Client used here
type reverseGeocoder interface {
	ReverseGeocode(ctx context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error)
}

// cityTypes are address component types accepted as a city, most specific first
var cityTypes = []string{"locality", "postal_town", "administrative_area_level_3", "administrative_area_level_2"}

// Google resolves regions with the Google Maps reverse geocoder
type Google struct {
	client   reverseGeocoder
	language string
}

// NewGoogle creates a geocoder using an API key
func NewGoogle(apiKey, language string) (*Google, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &Google{client: client, language: language}, nil
}

// ReverseGeocode returns the city and country containing p
func (g *Google) ReverseGeocode(ctx context.Context, p geomath.Point) (region.Resolution, error) {
	req := &maps.GeocodingRequest{
		LatLng:   &maps.LatLng{Lat: p.Lat, Lng: p.Lng},
		Language: g.language,
	}

	results, err := g.client.ReverseGeocode(ctx, req)
	if err != nil {
		return region.Resolution{}, fmt.Errorf("reverse geocode %f,%f: %w", p.Lat, p.Lng, err)
	}

	res := Extract(results)

	log.Debug().
		Float64("lat", p.Lat).
		Float64("lng", p.Lng).
		Str("city", res.City.Name).
		Str("country", res.Country.Code).
		Int("results", len(results)).
		Msg("Reverse geocoded position")

	return res, nil
}

// Extract picks the city and country out of geocoding results. Results are
// ordered most specific first, so the first match of each wins.
func Extract(results []maps.GeocodingResult) region.Resolution {
	var res region.Resolution

	for _, cityType := range cityTypes {
		if c, ok := findComponent(results, cityType); ok {
			res.City = region.Region{Name: c.LongName, Code: c.ShortName}
			break
		}
	}
	if c, ok := findComponent(results, "country"); ok {
		res.Country = region.Region{Name: c.LongName, Code: c.ShortName}
	}

	return res
}

func findComponent(results []maps.GeocodingResult, componentType string) (maps.AddressComponent, bool) {
	for _, r := range results {
		for _, c := range r.AddressComponents {
			for _, t := range c.Types {
				if t == componentType {
					return c, true
				}
			}
		}
	}
	return maps.AddressComponent{}, false
}
