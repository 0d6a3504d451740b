package escrow

import (
	"errors"
	"fmt"

	"swapescrow/internal/ledger"
)

var (
	// ErrNotFound means the escrow account does not exist: never created, or
	// already closed by a fulfil or cancel.
	ErrNotFound            = errors.New("escrow not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrIdentityUnavailable = errors.New("no signer identity available")
	ErrSubmission          = errors.New("transaction submission failed")
	ErrLayoutMismatch      = errors.New("escrow account layout mismatch")
)

func invalidInput(what string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrInvalidInput, what)
	}
	return fmt.Errorf("%w: %s: %w", ErrInvalidInput, what, err)
}

func isMissing(err error) bool {
	return errors.Is(err, ledger.ErrAccountNotFound)
}
