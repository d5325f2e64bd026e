package charon

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingCA is returned when intercept mode is requested without a CA.
	ErrMissingCA = errors.New("intercept mode requires a certificate authority")

	// ErrOrdering means a rendered config would let an allow rule shadow a deny.
	ErrOrdering = errors.New("proxy config rule ordering violated")

	// ErrMalformedLogLine is returned for access log lines that do not follow
	// the firewall_detailed format.
	ErrMalformedLogLine = errors.New("malformed access log line")
)

// OrderingError points at the offending line of a rendered config.
type OrderingError struct {
	Line   int
	Text   string
	Reason string
}

func (e *OrderingError) Error() string {
	return fmt.Sprintf("line %d %q: %s", e.Line, e.Text, e.Reason)
}

func (e *OrderingError) Unwrap() error {
	return ErrOrdering
}
