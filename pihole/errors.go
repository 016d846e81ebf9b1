package pihole

import "fmt"

// TransportError wraps a network-level failure reaching an instance.
// Connectivity loss likely affects every subsequent call, so callers abort
// the rest of the instance's work for the current pass.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error for %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError means the instance rejected our credentials. Surfaced
// separately from TransportError so operators can tell "unreachable" from
// "rejected".
type AuthError struct {
	URL string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected by %s", e.URL)
}

// RemoteRejectedError means the instance refused a single change, e.g. an
// invalid regex or duplicate address. It never aborts the rest of a
// change-set.
type RemoteRejectedError struct {
	Op     string
	Target string
	Reason string
}

func (e *RemoteRejectedError) Error() string {
	return fmt.Sprintf("remote rejected %s of %s: %s", e.Op, e.Target, e.Reason)
}
