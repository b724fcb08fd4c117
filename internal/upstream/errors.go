package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrUnavailable signals a 404-family answer: the resource does not exist
// upstream, either because it was purged or because it is not ready yet.
// The platform cannot distinguish the two.
var ErrUnavailable = errors.New("upstream: resource unavailable")

// ErrRejected signals an authentication or authorization failure. Retrying
// cannot help; the caller should surface it to the operator.
var ErrRejected = errors.New("upstream: request rejected")

// StatusError carries a non-2xx response that is neither a rejection nor an
// absence, e.g. 429 or a 5xx.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: status %d: %s", e.Code, e.Body)
}

// IsTransient reports whether the error is worth retrying: server-side
// hiccups and network timeouts, but never rejections, absences, or a
// canceled context. The net.Error check runs before the context sentinels
// because a per-request timeout arrives wrapped in a *url.Error and is
// retryable, while a dead caller context is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRejected) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == 429 || statusErr.Code >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
