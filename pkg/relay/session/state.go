package session

import "fmt"

type State string

const (
	StateIdle       State = "idle"
	StateAdmitted   State = "admitted"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateFinalizing State = "finalizing"
	StateClosed     State = "closed"
)

// next reports whether from -> to is a legal step. Any state before
// Finalizing may jump straight to it.
func next(from, to State) error {
	switch from {
	case StateIdle:
		if to == StateAdmitted || to == StateFinalizing || to == StateClosed {
			return nil
		}
	case StateAdmitted:
		if to == StateConnecting || to == StateFinalizing || to == StateClosed {
			return nil
		}
	case StateConnecting:
		if to == StateActive || to == StateFinalizing {
			return nil
		}
	case StateActive:
		if to == StateFinalizing {
			return nil
		}
	case StateFinalizing:
		if to == StateClosed {
			return nil
		}
	case StateClosed:
	default:
		return fmt.Errorf("unknown state %q", from)
	}
	return invalidTransition(from, to)
}

func invalidTransition(from, to State) error {
	return fmt.Errorf("invalid transition: %s --> %s", from, to)
}

func (c *Controller) transition(to State) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if err := next(c.state, to); err != nil {
		return err
	}
	c.state = to
	return nil
}

func (c *Controller) State() State {
	if c == nil {
		return StateClosed
	}
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}
