package schema

// Status tracks the unified order lifecycle across all venue families.
type Status string

const (
	// StatusPending marks a record created after risk passed, venue not yet informed.
	StatusPending Status = "PENDING"
	// StatusSubmitted marks venue acceptance.
	StatusSubmitted Status = "SUBMITTED"
	// StatusPartiallyFilled marks cumulative fills below the order quantity.
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	// StatusFilled marks cumulative fills equal to the order quantity.
	StatusFilled Status = "FILLED"
	// StatusCancelled marks a confirmed venue cancellation.
	StatusCancelled Status = "CANCELLED"
	// StatusRejected marks a risk denial or venue rejection.
	StatusRejected Status = "REJECTED"
	// StatusExpired marks a confirmed time-in-force expiry.
	StatusExpired Status = "EXPIRED"
)

// Valid reports whether the status is recognised.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusPartiallyFilled,
		StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status ends the order lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next follows the lifecycle
// state machine. Terminal states accept no transitions; PARTIALLY_FILLED
// self-loops on additional partial fills.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusPending:
		switch next {
		case StatusSubmitted, StatusRejected, StatusCancelled,
			StatusPartiallyFilled, StatusFilled, StatusExpired:
			return true
		}
	case StatusSubmitted:
		switch next {
		case StatusPartiallyFilled, StatusFilled, StatusCancelled,
			StatusRejected, StatusExpired:
			return true
		}
	case StatusPartiallyFilled:
		switch next {
		case StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusExpired:
			return true
		}
	}
	return false
}
