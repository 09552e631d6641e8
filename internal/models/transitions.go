package models

// rideSuccessors lists the only legal next states; no transition skips a state.
var rideSuccessors = map[RideStatus][]RideStatus{
	RideRequested: {RideAccepted, RideCancelled},
	RideAccepted:  {RidePickedUp},
	RidePickedUp:  {RideCompleted},
}

// CanTransition reports whether a ride may move from one status to another.
func CanTransition(from, to RideStatus) bool {
	for _, s := range rideSuccessors[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

// Valid reports whether s is one of the known ride statuses.
func (s RideStatus) Valid() bool {
	switch s {
	case RideRequested, RideAccepted, RidePickedUp, RideCompleted, RideCancelled:
		return true
	}
	return false
}

// Predecessor returns the single status that directly precedes s. The second
// result is false for REQUESTED and for unknown statuses.
func Predecessor(s RideStatus) (RideStatus, bool) {
	for from, next := range rideSuccessors {
		for _, n := range next {
			if n == s {
				return from, true
			}
		}
	}
	return "", false
}
