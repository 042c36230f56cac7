package adengine

import "errors"

// ErrInvalidInput is returned when a request fails validation. Nothing is
// written for such requests.
var ErrInvalidInput = errors.New("adengine: invalid input")

// ErrImpressionNotFound is returned when a click references an impression
// that was never recorded.
var ErrImpressionNotFound = errors.New("adengine: impression not found")
