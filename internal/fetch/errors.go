// Package fetch turns an intercepted custom-scheme stream request into a
// validated HTTPS byte stream against a selected origin, classifying every
// failure as security, authorization, permanent, or transient so the session
// controller can decide between fallback and a terminal status.
package fetch

import (
	"errors"
	"fmt"
)

// Class buckets a fetch failure for retry policy.
type Class int

const (
	// ClassTransient covers conditions expected to clear on their own:
	// no connectivity, timeouts, cancellation.
	ClassTransient Class = iota
	// ClassPermanent covers conditions retrying the same server will not
	// fix: unreachable host, 404/429/502/503, malformed URLs.
	ClassPermanent
	// ClassSecurity covers trust failures: pin mismatch outside the
	// rotation window, untrusted or invalid certificate chains.
	ClassSecurity
	// ClassAuthorization covers server-side policy rejection (403).
	ClassAuthorization
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassSecurity:
		return "security"
	case ClassAuthorization:
		return "authorization"
	default:
		return "unknown"
	}
}

// AllowsFallback reports whether the fallback chain may try another server
// after a failure of this class. Security and authorization failures are
// terminal: they would reproduce identically against every origin.
func (c Class) AllowsFallback() bool {
	return c == ClassTransient || c == ClassPermanent
}

// Failure is a classified fetch error.
type Failure struct {
	// Class is the retry-policy bucket.
	Class Class
	// Status is the HTTP status code when the failure came from a
	// completed response, zero otherwise.
	Status int
	// Err is the underlying cause.
	Err error
}

func (f *Failure) Error() string {
	if f.Status != 0 {
		return fmt.Sprintf("fetch failed (%s, status %d): %v", f.Class, f.Status, f.Err)
	}
	return fmt.Sprintf("fetch failed (%s): %v", f.Class, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func newFailure(class Class, status int, err error) *Failure {
	return &Failure{Class: class, Status: status, Err: err}
}

// ClassOf extracts the failure class from err. Unclassified errors are
// treated as transient so they stay eligible for retry once conditions
// change.
func ClassOf(err error) Class {
	var f *Failure
	if errors.As(err, &f) {
		return f.Class
	}
	return ClassTransient
}
