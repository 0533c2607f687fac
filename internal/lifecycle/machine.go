package lifecycle

import "github.com/example/ride-dispatch/internal/models"

// Event is something an actor does to a ride.
type Event string

const (
	EventAccept   Event = "accept"
	EventStart    Event = "start"
	EventComplete Event = "complete"
	EventCancel   Event = "cancel"
	EventRate     Event = "rate"
)

var Events = []Event{EventAccept, EventStart, EventComplete, EventCancel, EventRate}

// transitions is the whole ride state machine. Anything missing here is
// refused with InvalidTransition.
var transitions = map[models.Status]map[Event]models.Status{
	models.StatusRequested: {
		EventAccept: models.StatusAccepted,
		EventCancel: models.StatusCancelled,
	},
	models.StatusAccepted: {
		EventStart:  models.StatusInProgress,
		EventCancel: models.StatusCancelled,
	},
	models.StatusInProgress: {
		EventComplete: models.StatusCompleted,
	},
	models.StatusCompleted: {
		EventRate: models.StatusCompleted,
	},
}

// Next returns the state ev leads to from, and whether the move is legal.
func Next(from models.Status, ev Event) (models.Status, bool) {
	to, ok := transitions[from][ev]
	return to, ok
}

// eventFor maps a requested target status onto the event that reaches it.
func eventFor(target models.Status) (Event, bool) {
	switch target {
	case models.StatusAccepted:
		return EventAccept, true
	case models.StatusInProgress:
		return EventStart, true
	case models.StatusCompleted:
		return EventComplete, true
	case models.StatusCancelled:
		return EventCancel, true
	}
	return "", false
}
