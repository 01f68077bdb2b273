// Package venue maps place categories to arrival detection radii.
//
// Free-form category tags coming from places providers are resolved once, at
// ingestion, into a closed Category and a Profile; nothing downstream matches
// on strings.
package venue

import (
	"strings"
)

// Category is a known venue category
type Category int

// Known categories. Unknown is the generic fallback.
const (
	Unknown Category = iota
	Airport
	Stadium
	ShoppingMall
	TouristAttraction
	Park
	Museum
	Hotel
	Restaurant
	Cafe
	PointOfInterest
	Establishment
	University
	Zoo
	ThemePark
	AmusementPark
)

// DefaultRadiusM is used for Unknown and for categories without a dedicated radius
const DefaultRadiusM = 50.0

var categoryNames = map[Category]string{
	Unknown:           "unknown",
	Airport:           "airport",
	Stadium:           "stadium",
	ShoppingMall:      "shopping_mall",
	TouristAttraction: "tourist_attraction",
	Park:              "park",
	Museum:            "museum",
	Hotel:             "hotel",
	Restaurant:        "restaurant",
	Cafe:              "cafe",
	PointOfInterest:   "point_of_interest",
	Establishment:     "establishment",
	University:        "university",
	Zoo:               "zoo",
	ThemePark:         "theme_park",
	AmusementPark:     "amusement_park",
}

// aliases maps normalized provider tags to categories
var aliases = map[string]Category{
	"airport":            Airport,
	"stadium":            Stadium,
	"shopping_mall":      ShoppingMall,
	"mall":               ShoppingMall,
	"tourist_attraction": TouristAttraction,
	"park":               Park,
	"museum":             Museum,
	"hotel":              Hotel,
	"lodging":            Hotel,
	"restaurant":         Restaurant,
	"cafe":               Cafe,
	"coffee_shop":        Cafe,
	"point_of_interest":  PointOfInterest,
	"establishment":      Establishment,
	"university":         University,
	"zoo":                Zoo,
	"theme_park":         ThemePark,
	"amusement_park":     AmusementPark,
}

// entry is one row of the radius table
type entry struct {
	category Category
	radiusM  float64
}

// priority lists categories that own a radius, most specific first
var priority = []entry{
	{Airport, 500},
	{Stadium, 300},
	{ShoppingMall, 200},
	{TouristAttraction, 100},
	{Park, 150},
	{Museum, 100},
	{Hotel, 80},
	{Restaurant, 30},
	{Cafe, 25},
	{PointOfInterest, 100},
	{Establishment, 50},
}

// largeVenues get the longer dwell requirement
var largeVenues = []Category{Airport, Stadium, ShoppingMall, University, Zoo, Park, ThemePark, AmusementPark}

// String returns the canonical tag for the category
func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return categoryNames[Unknown]
}

// IsLargeVenue reports whether arrivals at the category need a longer dwell
func (c Category) IsLargeVenue() bool {
	for _, large := range largeVenues {
		if c == large {
			return true
		}
	}
	return false
}

// Profile is the resolved detection profile of a place
type Profile struct {
	Category   Category
	RadiusM    float64
	LargeVenue bool
}

// ParseCategory resolves a single provider tag. Unrecognized tags return Unknown.
func ParseCategory(tag string) Category {
	if c, ok := aliases[normalize(tag)]; ok {
		return c
	}
	return Unknown
}

// Resolve builds the detection profile for a list of provider tags.
// The radius comes from the highest-priority category present; the large
// venue flag is set if any tag names a large venue.
func Resolve(tags []string) Profile {
	present := make(map[Category]bool, len(tags))
	for _, tag := range tags {
		present[ParseCategory(tag)] = true
	}
	return ResolveCategories(present)
}

// ResolveCategories is Resolve over already parsed categories
func ResolveCategories(present map[Category]bool) Profile {
	profile := Profile{Category: Unknown, RadiusM: DefaultRadiusM}

	for _, e := range priority {
		if present[e.category] {
			profile.Category = e.category
			profile.RadiusM = e.radiusM
			break
		}
	}

	for _, c := range largeVenues {
		if present[c] {
			profile.LargeVenue = true
			if profile.Category == Unknown {
				profile.Category = c
			}
			break
		}
	}

	return profile
}

// RadiusFor returns the detection radius for a single category
func RadiusFor(c Category) float64 {
	for _, e := range priority {
		if e.category == c {
			return e.radiusM
		}
	}
	return DefaultRadiusM
}

func normalize(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(tag)
}
