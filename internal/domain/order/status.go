package order

// State is the lifecycle state of an order.
type State string

const (
	StateCreated         State = "created"
	StatePaid            State = "paid"
	StateDispatching     State = "dispatching"
	StateDelivered       State = "delivered"
	StatePartiallyFailed State = "partially_failed"
	StateFailed          State = "failed"
	StateCancelled       State = "cancelled"
	StateRefunded        State = "refunded"
)

// transitions lists the allowed moves. Failed and partially failed orders may
// go back to dispatching when an operator retries unrefunded recipients.
var transitions = map[State][]State{
	StateCreated:         {StatePaid, StateCancelled},
	StatePaid:            {StateDispatching},
	StateDispatching:     {StateDelivered, StatePartiallyFailed, StateFailed},
	StatePartiallyFailed: {StateDispatching},
	StateFailed:          {StateDispatching, StateRefunded},
	StateDelivered:       {},
	StateCancelled:       {},
	StateRefunded:        {},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Final reports whether nothing can move the order any more.
func (s State) Final() bool {
	return len(transitions[s]) == 0
}

// transition moves the order to the given state or fails with
// *TransitionError.
func (o *Order) transition(to State) error {
	if !CanTransition(o.State, to) {
		return &TransitionError{Reference: o.Reference, From: o.State, To: to}
	}
	o.State = to
	return nil
}
