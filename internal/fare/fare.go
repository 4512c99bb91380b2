// Package fare prices a trip from its pickup and destination.
package fare

import (
	"github.com/example/chair-dispatch/internal/geo"
	"github.com/example/chair-dispatch/internal/models"
)

const (
	InitialFare     = 500
	FarePerDistance = 100
)

// Metered is the distance-proportional part of a fare.
func Metered(pickup, destination models.Coord) int {
	return FarePerDistance * geo.Distance(pickup, destination)
}

// Calculate applies discount to the metered part only, so the result is never
// below InitialFare.
func Calculate(pickup, destination models.Coord, discount int) int {
	metered := Metered(pickup, destination) - discount
	if metered < 0 {
		metered = 0
	}
	return metered + InitialFare
}

// Undiscounted is the fare with no coupon applied.
func Undiscounted(pickup, destination models.Coord) int {
	return Calculate(pickup, destination, 0)
}
