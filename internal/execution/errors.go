package execution

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ajitpratap0/equityfunk/internal/broker"
)

// ErrOrderTerminal is returned when cancelling an order that already reached
// FILLED, CANCELLED or ERROR
var ErrOrderTerminal = errors.New("order is in a terminal state")

// ValidationError rejects a request before anything is persisted
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ContractResolutionError means no configured currency produced a contract
type ContractResolutionError struct {
	Symbol     string
	Currencies []string
	// Err is the last broker error seen, if any
	Err error
}

func (e *ContractResolutionError) Error() string {
	msg := fmt.Sprintf("could not resolve contract for %s in [%s]", e.Symbol, strings.Join(e.Currencies, ", "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ContractResolutionError) Unwrap() error {
	return e.Err
}

// SubmissionError wraps a broker rejection or transport failure on place
type SubmissionError struct {
	Err          error
	Disconnected bool
}

func (e *SubmissionError) Error() string {
	if e.Disconnected {
		return fmt.Sprintf("order submission failed (broker disconnected): %v", e.Err)
	}
	return fmt.Sprintf("order submission failed: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// IsPerOrder reports whether err concerns only the order being submitted
// and says nothing about the health of the session that submitted it
func IsPerOrder(err error) bool {
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return true
	}
	var subErr *SubmissionError
	if errors.As(err, &subErr) {
		return !subErr.Disconnected
	}
	var resErr *ContractResolutionError
	if errors.As(err, &resErr) {
		return resErr.Err == nil || !broker.IsDisconnect(resErr.Err)
	}
	return false
}
