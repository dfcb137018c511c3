package schema

import "fmt"

// Status is the lifecycle state of an order. Active, Filled and Canceled are
// stored on-chain; Expired is only ever derived at read time.
type Status string

const (
	StatusActive   Status = "Active"
	StatusFilled   Status = "Filled"
	StatusCanceled Status = "Canceled"
	StatusExpired  Status = "Expired"
)

// StatusFromChain maps the contract's enum value to a stored status.
func StatusFromChain(v uint8) (Status, error) {
	switch v {
	case 0:
		return StatusActive, nil
	case 1:
		return StatusFilled, nil
	case 2:
		return StatusCanceled, nil
	default:
		return "", fmt.Errorf("unknown order status %d", v)
	}
}

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusFilled, StatusCanceled, StatusExpired:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a stored status may move from s to next.
// Only Active may change, and only to a terminal state. Re-applying the
// current status is allowed so replayed events are no-ops.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	return s == StatusActive && next.Terminal()
}

// DeriveStatus computes the visible status of an order at chain time now.
// It is a pure function of the stored status, the deadlines and now.
func DeriveStatus(stored Status, timings Timings, now int64) Status {
	if stored.Terminal() {
		return stored
	}
	if now > timings.GraceEndsAt {
		return StatusExpired
	}
	if now > timings.ExpiresAt {
		return StatusExpired
	}
	return StatusActive
}
