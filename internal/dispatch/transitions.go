package dispatch

import (
	"time"

	"github.com/example/ride-booking/internal/models"
)

// allowedTransitions is the booking status digraph. Missing edges are
// rejected with ErrInvalidTransition regardless of who asks.
var allowedTransitions = map[models.Status][]models.Status{
	models.StatusWaiting:  {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted: {models.StatusOnWay, models.StatusWaiting},
	models.StatusOnWay:    {models.StatusArrived},
	models.StatusArrived:  {models.StatusStarted, models.StatusCompleted},
	models.StatusStarted:  {models.StatusCompleted},
	// terminal
	models.StatusCompleted: {},
	models.StatusCancelled: {},
}

// CanTransition reports whether from -> to is an edge of the status graph.
func CanTransition(from, to models.Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// isAssignedDriver reports whether the actor is the driver attached to b.
func isAssignedDriver(b *models.Booking, actor models.Actor) bool {
	return actor.Role == models.RoleDriver &&
		b.AssignedDriver != nil && b.AssignedDriver.DriverID == actor.UserID
}

// Authorize checks the actor against the edge b.Status -> to. It assumes the
// edge itself is valid; authorization is evaluated independently, so a valid
// edge attempted by the wrong actor is ErrForbidden, not ErrInvalidTransition.
func Authorize(b *models.Booking, to models.Status, actor models.Actor) error {
	admin := actor.Role == models.RoleAdmin
	switch {
	case b.Status == models.StatusWaiting && to == models.StatusAccepted:
		// Drivers self-accept; admins can only confirm an already attached
		// driver, they cannot invent one through this edge.
		if actor.Role == models.RoleDriver {
			return nil
		}
		if admin && b.AssignedDriver != nil {
			return nil
		}
	case b.Status == models.StatusWaiting && to == models.StatusCancelled:
		if admin {
			return nil
		}
		if actor.Role == models.RoleCustomer && b.CustomerID == actor.UserID {
			return nil
		}
		if isAssignedDriver(b, actor) {
			return nil
		}
	case b.Status == models.StatusAccepted && to == models.StatusOnWay,
		b.Status == models.StatusOnWay && to == models.StatusArrived:
		if admin || isAssignedDriver(b, actor) {
			return nil
		}
	case b.Status == models.StatusArrived && to == models.StatusStarted:
		if isAssignedDriver(b, actor) {
			return nil
		}
	case to == models.StatusCompleted:
		if admin || isAssignedDriver(b, actor) {
			return nil
		}
	case b.Status == models.StatusAccepted && to == models.StatusWaiting:
		// Admin unassign or driver self-reject.
		if admin || isAssignedDriver(b, actor) {
			return nil
		}
	}
	return ErrForbidden
}

// ApplyTransition mutates the booking status and stamps the transition time.
// Each timestamp is set at most once. Callers check CanTransition first.
func ApplyTransition(b *models.Booking, to models.Status, now time.Time) {
	b.Status = to
	b.UpdatedAt = now
	t := now
	switch to {
	case models.StatusAccepted:
		if b.AcceptedAt == nil {
			b.AcceptedAt = &t
		}
	case models.StatusOnWay:
		if b.OnWayAt == nil {
			b.OnWayAt = &t
		}
	case models.StatusArrived:
		if b.ArrivedAt == nil {
			b.ArrivedAt = &t
		}
	case models.StatusStarted:
		if b.StartedAt == nil {
			b.StartedAt = &t
		}
	case models.StatusCompleted:
		if b.CompletedAt == nil {
			b.CompletedAt = &t
		}
	case models.StatusCancelled:
		if b.CancelledAt == nil {
			b.CancelledAt = &t
		}
	}
}
