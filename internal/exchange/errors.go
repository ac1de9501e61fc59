package exchange

import (
	"errors"
	"fmt"
	"net/http"
)

// VenueError is a non-2xx response from the CLOB API. Status and the
// venue's error body are preserved so callers can distinguish transient
// failures (retry in place) from permanent ones (drop the market).
type VenueError struct {
	Status  int
	Op      string // "post order", "cancel order", ...
	Message string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
}

// Transient reports whether the failure is worth retrying: rate limits,
// venue-side errors, and gateway timeouts. 4xx other than 429 means the
// request itself is bad and will not succeed on retry.
func (e *VenueError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsTransient classifies any error from the client. Plain transport
// errors (connection reset, timeout) count as transient.
func IsTransient(err error) bool {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Transient()
	}
	return err != nil
}

// IsPermanent reports a venue rejection that retrying cannot fix.
func IsPermanent(err error) bool {
	var ve *VenueError
	return errors.As(err, &ve) && !ve.Transient()
}
