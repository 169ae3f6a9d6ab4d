package treesync

import (
	"errors"
	"fmt"
)

var (
	// ErrRootDelete is returned when a caller attempts to delete the tree
	// root. Root deletion is refused locally; no request is issued.
	ErrRootDelete = errors.New("cannot delete root item")

	// ErrPollInFlight is returned by PollNow when a previous poll has not
	// settled yet. The tick is skipped entirely.
	ErrPollInFlight = errors.New("poll already in flight")

	// ErrNotFound marks remote responses for identities the server does
	// not know.
	ErrNotFound = errors.New("item not found")
)

// FetchError wraps a transport-level failure (connection error or an
// unexpected HTTP status) for a single remote operation.
type FetchError struct {
	Op       string
	Identity string
	Status   int
	Err      error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: http %d", e.Op, e.Identity, e.Status)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Identity, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func (e *FetchError) Is(target error) bool {
	if target == ErrNotFound {
		return e.Status == 404
	}
	return false
}

// ProtocolError reports a response the remote answered successfully but
// whose payload did not match the expected shape.
type ProtocolError struct {
	Op       string
	Identity string
	Message  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Identity, e.Message)
}
