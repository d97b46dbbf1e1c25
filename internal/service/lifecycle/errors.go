package lifecycle

import (
	"fmt"

	"github.com/labhya/labhya/internal/client"
	"github.com/labhya/labhya/pkg/models"
)

// InvalidTransitionError indicates an operation the session's current
// status does not allow. It is detected locally; nothing is sent.
type InvalidTransitionError struct {
	ID   string
	From models.SessionStatus
	Op   Operation
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s session %s in status %s", e.Op, e.ID, e.From)
}

// As lets callers treat the error as a local validation failure
func (e *InvalidTransitionError) As(target any) bool {
	if ve, ok := target.(**client.ValidationError); ok {
		*ve = &client.ValidationError{Field: "status", Reason: fmt.Sprintf("%s does not allow %s", e.From, e.Op)}
		return true
	}
	return false
}

// InsufficientFundsError indicates the renter cannot cover one hour of the
// GPU's price. It is detected locally; nothing is sent.
type InsufficientFundsError struct {
	Balance  models.Amount
	Required models.Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %.2f, one hour costs %.2f", e.Balance, e.Required)
}

// As lets callers treat the error as a local validation failure
func (e *InsufficientFundsError) As(target any) bool {
	if ve, ok := target.(**client.ValidationError); ok {
		*ve = &client.ValidationError{Field: "balance", Reason: fmt.Sprintf("must be at least %.2f", e.Required)}
		return true
	}
	return false
}
