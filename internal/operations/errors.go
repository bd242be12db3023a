package operations

import "errors"

var (
	// ErrValidation rejects malformed requests before any I/O.
	ErrValidation = errors.New("invalid operation request")

	// ErrUnknownRate means no exchange rate is configured for the requested
	// currency pair.
	ErrUnknownRate = errors.New("no exchange rate for currency pair")

	// ErrFeeConsumesAmount means the resolved fee leaves nothing to move.
	ErrFeeConsumesAmount = errors.New("fee consumes the full amount")
)
