package streamname

import "errors"

// ErrEmpty is returned when a stream name or category is constructed from an
// empty string.
var ErrEmpty = errors.New("streamname: empty")
