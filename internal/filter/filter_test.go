package filter

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func intPtr(v int) *int { return &v }

func TestCloneIsIndependent(t *testing.T) {
	orig := State{
		SearchQuery:  "civic",
		LocationCity: "Austin",
		RadiusKm:     40,
		MinPrice:     intPtr(1000),
		MaxYear:      intPtr(2015),
	}
	snap := orig.Clone()

	*orig.MinPrice = 5
	orig.SearchQuery = "truck"
	orig.MaxYear = nil

	want := State{
		SearchQuery:  "civic",
		LocationCity: "Austin",
		RadiusKm:     40,
		MinPrice:     intPtr(1000),
		MaxYear:      intPtr(2015),
	}
	if diff := cmp.Diff(want, snap); diff != "" {
		t.Errorf("snapshot changed (-want +got):\n%s", diff)
	}
}

func TestWithPriceRejectsInvertedRange(t *testing.T) {
	s := State{}
	if _, err := s.WithPrice(intPtr(500), intPtr(100)); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
	got, err := s.WithPrice(intPtr(100), nil)
	if err != nil {
		t.Fatalf("WithPrice: %v", err)
	}
	if !got.HasPrice() || got.MaxPrice != nil {
		t.Errorf("unexpected price state %+v", got)
	}
	if s.HasPrice() {
		t.Error("WithPrice mutated the receiver")
	}
}

func TestWithMaxAge(t *testing.T) {
	if _, err := (State{}).WithMaxAge(intPtr(0)); err == nil {
		t.Error("expected error for zero max age")
	}
	got, err := (State{}).WithMaxAge(intPtr(60))
	if err != nil || got.MaxAgeMinutes == nil || *got.MaxAgeMinutes != 60 {
		t.Errorf("WithMaxAge = %+v, %v", got, err)
	}
	cleared, err := got.WithMaxAge(nil)
	if err != nil || cleared.MaxAgeMinutes != nil {
		t.Errorf("clearing max age = %+v, %v", cleared, err)
	}
}

func TestYearInRange(t *testing.T) {
	s := State{MinYear: intPtr(2010), MaxYear: intPtr(2015)}
	tests := []struct {
		year int
		want bool
	}{
		{2009, false},
		{2010, true},
		{2015, true},
		{2016, false},
	}
	for _, tt := range tests {
		if got := s.YearInRange(tt.year); got != tt.want {
			t.Errorf("YearInRange(%d) = %v, want %v", tt.year, got, tt.want)
		}
	}
	if !(State{}).YearInRange(1950) {
		t.Error("unbounded state should accept any year")
	}
}

func TestWithLocationTrims(t *testing.T) {
	s := (State{}).WithLocation(Location{City: "  Denver ", RadiusKm: 60})
	if s.LocationCity != "Denver" || !s.HasLocation() {
		t.Errorf("unexpected location state %+v", s)
	}
}
