package fetch

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidURL is returned for unparsable URLs and schemes other than http and https.
	ErrInvalidURL = errors.New("invalid url")
	// ErrNetwork wraps transport and timeout failures.
	ErrNetwork = errors.New("network error")
	// ErrMissingRedirectTarget is returned for a 3xx response without a Location header.
	ErrMissingRedirectTarget = errors.New("redirect without location")
)

// HTTPError is returned for responses with status 400 or above.
type HTTPError struct {
	StatusCode int
	// Body is the raw response body, never decoded.
	Body string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

// TooManyRedirectsError is returned when a chain needs more than MaxRedirects hops.
type TooManyRedirectsError struct {
	// Location is the last redirect target seen.
	Location string
}

func (e *TooManyRedirectsError) Error() string {
	return fmt.Sprintf("too many redirects, last location %s", e.Location)
}

// MalformedBodyError is returned when a 2xx body is not valid JSON.
type MalformedBodyError struct {
	Body string
	Err  error
}

func (e *MalformedBodyError) Error() string {
	return fmt.Sprintf("malformed response body: %v", e.Err)
}

func (e *MalformedBodyError) Unwrap() error {
	return e.Err
}
