package eta

import (
	"github.com/example/chair-dispatch/internal/geo"
	"github.com/example/chair-dispatch/internal/models"
)

// Estimate ranks a chair for a ride: the time to reach the pickup plus the
// time to carry the rider, at the chair model's speed. Only the ordering of
// estimates matters, so no units are attached.
func Estimate(chair, pickup, destination models.Coord, speed int) float64 {
	if speed <= 0 {
		speed = 1
	}
	d := geo.Distance(chair, pickup) + geo.Distance(pickup, destination)
	return float64(d) / float64(speed)
}
