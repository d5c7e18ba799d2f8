package status

import (
	"errors"
	"fmt"
	"strings"
)

// Status is a ride lifecycle state.
type Status string

const (
	Requested       Status = "requested"
	EnRouteToPickup Status = "en-route-to-pickup"
	Pickup          Status = "pickup"
	Dropoff         Status = "dropoff"
	Completed       Status = "completed"
	Cancelled       Status = "cancelled"
)

// ErrIllegalTransition is returned when the target state is not reachable
// from the current one.
var ErrIllegalTransition = errors.New("illegal status transition")

// ErrUnknownStatus is returned by Parse for names outside the lifecycle.
var ErrUnknownStatus = errors.New("unknown status")

const changePrefix = "Status changed to "

var transitions = map[Status][]Status{
	Requested:       {EnRouteToPickup, Cancelled},
	EnRouteToPickup: {Pickup, Cancelled},
	Pickup:          {Dropoff, Cancelled},
	Dropoff:         {Completed, Cancelled},
	Completed:       {},
	Cancelled:       {},
}

// All lists the states in lifecycle order.
func All() []Status {
	return []Status{Requested, EnRouteToPickup, Pickup, Dropoff, Completed, Cancelled}
}

// Parse converts a status name into a Status.
func Parse(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
	return st, nil
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == Completed || s == Cancelled
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// ChangeDescription renders the event description recording a move to s.
func ChangeDescription(s Status) string {
	return changePrefix + string(s)
}

// ParseChange extracts the target status from a "Status changed to X"
// description. ok is false for free-form descriptions. A description with the
// prefix but an unknown status returns ErrUnknownStatus.
func ParseChange(desc string) (s Status, ok bool, err error) {
	rest, found := strings.CutPrefix(strings.TrimSpace(desc), changePrefix)
	if !found {
		return "", false, nil
	}
	s, err = Parse(rest)
	if err != nil {
		return "", true, err
	}
	return s, true, nil
}
