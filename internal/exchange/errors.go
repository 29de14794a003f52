package exchange

import (
	"errors"
	"fmt"
)

// Exchange rejection codes with dedicated handling.
const (
	// CodeUnknownOrder is returned when cancelling an order the exchange no
	// longer knows about. Cancels treat it as success.
	CodeUnknownOrder = -2011

	// CodeWouldTrigger is returned when a conditional order's stop price is
	// already on the wrong side of the market ("would immediately trigger").
	CodeWouldTrigger = -2021
)

// ExchangeError is a typed rejection surfaced by the REST API. Anything that
// is not one of the specially-handled codes propagates to the strategy.
type ExchangeError struct {
	Code    int
	Message string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange error %d: %s", e.Code, e.Message)
}

// IsCode reports whether err wraps an ExchangeError with the given code.
func IsCode(err error, code int) bool {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}
