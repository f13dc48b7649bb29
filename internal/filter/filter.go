// Package filter holds the user's desired marketplace query.
package filter

import (
	"errors"
	"fmt"
	"strings"
)

// State is the desired marketplace filter. It is a plain value: Clone gives a
// snapshot that later mutations of the original cannot reach.
type State struct {
	SearchQuery      string `json:"searchQuery,omitempty"`
	SelectedCategory string `json:"selectedCategory,omitempty"`

	LocationCity string   `json:"locationCity,omitempty"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
	RadiusKm     int      `json:"radiusKm,omitempty"`

	MinPrice *int `json:"minPrice,omitempty"`
	MaxPrice *int `json:"maxPrice,omitempty"`

	MinYear *int `json:"minYear,omitempty"`
	MaxYear *int `json:"maxYear,omitempty"`

	MaxAgeMinutes *int `json:"maxAgeMinutes,omitempty"`
}

// Location is the argument of a location change.
type Location struct {
	City      string   `json:"city"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	RadiusKm  int      `json:"radius"`
}

var (
	// ErrInvalidRange is returned when a min bound exceeds its max bound.
	ErrInvalidRange = errors.New("min must not exceed max")
	// ErrInvalidValue is returned for a negative bound or a non-positive age.
	ErrInvalidValue = errors.New("invalid filter value")
)

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	out.Latitude = clonePtr(s.Latitude)
	out.Longitude = clonePtr(s.Longitude)
	out.MinPrice = clonePtr(s.MinPrice)
	out.MaxPrice = clonePtr(s.MaxPrice)
	out.MinYear = clonePtr(s.MinYear)
	out.MaxYear = clonePtr(s.MaxYear)
	out.MaxAgeMinutes = clonePtr(s.MaxAgeMinutes)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Location returns the location portion of the filter.
func (s State) Location() Location {
	return Location{
		City:      s.LocationCity,
		Latitude:  clonePtr(s.Latitude),
		Longitude: clonePtr(s.Longitude),
		RadiusKm:  s.RadiusKm,
	}
}

// HasLocation reports whether a location has been set.
func (s State) HasLocation() bool {
	return strings.TrimSpace(s.LocationCity) != "" || (s.Latitude != nil && s.Longitude != nil)
}

// HasPrice reports whether any price bound is set.
func (s State) HasPrice() bool { return s.MinPrice != nil || s.MaxPrice != nil }

// HasYear reports whether any year bound is set.
func (s State) HasYear() bool { return s.MinYear != nil || s.MaxYear != nil }

// WithLocation returns s with the location replaced.
func (s State) WithLocation(loc Location) State {
	out := s.Clone()
	out.LocationCity = strings.TrimSpace(loc.City)
	out.Latitude = clonePtr(loc.Latitude)
	out.Longitude = clonePtr(loc.Longitude)
	out.RadiusKm = loc.RadiusKm
	return out
}

// WithPrice returns s with the price range replaced.
func (s State) WithPrice(min, max *int) (State, error) {
	if err := checkRange(min, max); err != nil {
		return s, fmt.Errorf("price: %w", err)
	}
	out := s.Clone()
	out.MinPrice = clonePtr(min)
	out.MaxPrice = clonePtr(max)
	return out, nil
}

// WithYear returns s with the year range replaced.
func (s State) WithYear(min, max *int) (State, error) {
	if err := checkRange(min, max); err != nil {
		return s, fmt.Errorf("year: %w", err)
	}
	out := s.Clone()
	out.MinYear = clonePtr(min)
	out.MaxYear = clonePtr(max)
	return out, nil
}

// WithMaxAge returns s with the max listing age replaced. Nil clears it.
func (s State) WithMaxAge(minutes *int) (State, error) {
	if minutes != nil && *minutes <= 0 {
		return s, fmt.Errorf("%w: max age must be positive, got %d", ErrInvalidValue, *minutes)
	}
	out := s.Clone()
	out.MaxAgeMinutes = clonePtr(minutes)
	return out, nil
}

// YearInRange reports whether year satisfies the year bounds.
func (s State) YearInRange(year int) bool {
	if s.MinYear != nil && year < *s.MinYear {
		return false
	}
	if s.MaxYear != nil && year > *s.MaxYear {
		return false
	}
	return true
}

func checkRange(min, max *int) error {
	if min != nil && *min < 0 {
		return fmt.Errorf("%w: negative bound %d", ErrInvalidValue, *min)
	}
	if max != nil && *max < 0 {
		return fmt.Errorf("%w: negative bound %d", ErrInvalidValue, *max)
	}
	if min != nil && max != nil && *min > *max {
		return ErrInvalidRange
	}
	return nil
}
