package restore

import "errors"

// ErrStoreClosed is returned by Store operations after Close
var ErrStoreClosed = errors.New("restore store closed")
