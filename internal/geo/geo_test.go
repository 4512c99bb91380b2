package geo

import (
	"testing"

	"github.com/example/chair-dispatch/internal/models"
)

func TestDistanceZero(t *testing.T) {
	p := models.Coord{Latitude: 3, Longitude: -4}
	if d := Distance(p, p); d != 0 {
		t.Fatalf("expected 0, got %d", d)
	}
}

func TestDistanceIsManhattan(t *testing.T) {
	cases := []struct {
		a, b models.Coord
		want int
	}{
		{models.Coord{Latitude: 0, Longitude: 0}, models.Coord{Latitude: 10, Longitude: 0}, 10},
		{models.Coord{Latitude: 1, Longitude: 1}, models.Coord{Latitude: -2, Longitude: 5}, 7},
		{models.Coord{Latitude: -5, Longitude: -5}, models.Coord{Latitude: 5, Longitude: 5}, 20},
	}
	for _, tc := range cases {
		if got := Distance(tc.a, tc.b); got != tc.want {
			t.Errorf("Distance(%v, %v) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
		if got := Distance(tc.b, tc.a); got != tc.want {
			t.Errorf("Distance is not symmetric for %v, %v", tc.a, tc.b)
		}
	}
}

func TestWithinIsInclusive(t *testing.T) {
	a := models.Coord{}
	b := models.Coord{Latitude: 30, Longitude: 20}
	if !Within(a, b, 50) {
		t.Fatal("expected point at exactly 50 to be within 50")
	}
	if Within(a, b, 49) {
		t.Fatal("expected point at 50 to be outside 49")
	}
}
