package geo

import "github.com/example/chair-dispatch/internal/models"

// Distance is the Manhattan distance between two lattice points.
func Distance(a, b models.Coord) int {
	return abs(a.Latitude-b.Latitude) + abs(a.Longitude-b.Longitude)
}

// Within reports whether b lies no further than d from a.
func Within(a, b models.Coord, d int) bool {
	return Distance(a, b) <= d
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
