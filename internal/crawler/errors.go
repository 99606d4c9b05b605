package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrPoolClosed is returned by Acquire after the pool has been shut down.
	ErrPoolClosed = errors.New("session pool closed")
	// ErrSessionBroken marks a session that can no longer serve fetches.
	ErrSessionBroken = errors.New("session broken")
	// ErrExtract wraps failures to parse fetched content.
	ErrExtract = errors.New("extract failed")
)

// FetchErrorKind classifies fetch failures.
type FetchErrorKind string

// Fetch failure kinds.
const (
	FetchTimeout    FetchErrorKind = "timeout"
	FetchNetwork    FetchErrorKind = "network"
	FetchNavigation FetchErrorKind = "navigation"
)

// FetchError reports a failed page load.
type FetchError struct {
	Kind FetchErrorKind
	URL  string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s (%s): %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError classifies err. Errors that already carry a FetchError are
// returned unchanged. Cancellation is not a page failure, so it is only
// annotated with the URL.
func NewFetchError(url string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	kind := FetchNavigation
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = FetchTimeout
	case errors.As(err, &netErr):
		kind = FetchNetwork
		if netErr.Timeout() {
			kind = FetchTimeout
		}
	}
	return &FetchError{Kind: kind, URL: url, Err: err}
}

// ResourceAcquisitionError reports that a session could not be constructed.
type ResourceAcquisitionError struct {
	Err error
}

func (e *ResourceAcquisitionError) Error() string {
	return fmt.Sprintf("acquire session: %v", e.Err)
}

func (e *ResourceAcquisitionError) Unwrap() error { return e.Err }

// SinkWriteError reports a batch the sink rejected. The batch is not retried.
type SinkWriteError struct {
	Batch   int
	Records int
	Err     error
}

func (e *SinkWriteError) Error() string {
	return fmt.Sprintf("write batch %d (%d records): %v", e.Batch, e.Records, e.Err)
}

func (e *SinkWriteError) Unwrap() error { return e.Err }
