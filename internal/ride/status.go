package ride

import "github.com/example/chair-dispatch/internal/models"

// AllowedTransitions is the ride lifecycle as code. Each status has exactly
// one successor and COMPLETED has none.
var AllowedTransitions = map[models.RideStatus]models.RideStatus{
	models.StatusMatching: models.StatusEnroute,
	models.StatusEnroute:  models.StatusPickup,
	models.StatusPickup:   models.StatusCarrying,
	models.StatusCarrying: models.StatusArrived,
	models.StatusArrived:  models.StatusCompleted,
}

func CanTransition(from, to models.RideStatus) bool {
	next, ok := AllowedTransitions[from]
	return ok && next == to
}

// chairReportable are the statuses a chair may request explicitly. The rest
// are inferred from coordinates or driven by the rider.
var chairReportable = map[models.RideStatus]bool{
	models.StatusEnroute:  true,
	models.StatusCarrying: true,
}
