package helix

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound means the platform reported no matching resource. It is an
	// absent result, not a failure.
	ErrNotFound = errors.New("helix: not found")
	// ErrOffline means the broadcaster has no active stream.
	ErrOffline = errors.New("helix: stream offline")
)

// PlatformError is an unexpected non-2xx response from the Helix API.
type PlatformError struct {
	Op     string
	Status int
	Body   string
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("helix: %s: unexpected status %d: %s", e.Op, e.Status, e.Body)
}

// IsConflict reports whether the platform refused the call because the
// resource already exists, e.g. a duplicated subscription.
func (e *PlatformError) IsConflict() bool {
	return e.Status == http.StatusConflict
}

// IsConflict reports whether err is a PlatformError caused by a conflict.
func IsConflict(err error) bool {
	var perr *PlatformError
	return errors.As(err, &perr) && perr.IsConflict()
}

func isStatus(err error, status int) bool {
	var perr *PlatformError
	return errors.As(err, &perr) && perr.Status == status
}
