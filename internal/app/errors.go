package app

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("invalid transfer request")
	ErrMalformedIdentifier = errors.New("malformed identifier")
	ErrAuthentication      = errors.New("message authentication failed")
	ErrUnresolvedReceiver  = errors.New("receiver could not be resolved")
	ErrConfiguration       = errors.New("peer bank is not configured correctly")
	ErrTransport           = errors.New("peer bank could not be reached")
	ErrRemoteRejection     = errors.New("transfer rejected by receiving bank")
)

// TransferFailure reports an outbound attempt that failed after the sender was debited,
// so callers can still surface the transaction id.
type TransferFailure struct {
	TransactionID string
	Reason        string
	Err           error
}

func (e *TransferFailure) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transaction %s: %v", e.TransactionID, e.Err)
	}
	return fmt.Sprintf("transaction %s: %v: %s", e.TransactionID, e.Err, e.Reason)
}

func (e *TransferFailure) Unwrap() error {
	return e.Err
}

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
