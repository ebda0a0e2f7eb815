package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"syscall"

	"github.com/jmylchreest/radiarr/internal/trust"
)

// classifyStatus maps a non-200 HTTP status to a failure class. Only 403
// carries authorization semantics; every other client or server error is
// attributed to the origin and handled by the fallback chain.
func classifyStatus(status int) Class {
	if status == 403 {
		return ClassAuthorization
	}
	return ClassPermanent
}

// classifyTransportError maps an error from the HTTP round trip to a
// failure class. Trust evaluation failures rank above everything else so a
// pin mismatch is never softened into a retryable network error.
func classifyTransportError(err error) Class {
	if isSecurityError(err) {
		return ClassSecurity
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return ClassPermanent
		}
		return ClassTransient
	}

	// Refused and unreachable-host errors indicate a server problem worth
	// skipping past; a downed local network is expected to recover.
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ECONNRESET):
		return ClassPermanent
	case errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.ENETDOWN):
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	return ClassTransient
}

func isSecurityError(err error) bool {
	if errors.Is(err, trust.ErrNotTrusted) || errors.Is(err, trust.ErrNoCertificate) {
		return true
	}

	var (
		certVerify  *tls.CertificateVerificationError
		recordHdr   tls.RecordHeaderError
		unknownAuth x509.UnknownAuthorityError
		certInvalid x509.CertificateInvalidError
		hostname    x509.HostnameError
	)
	switch {
	case errors.As(err, &certVerify),
		errors.As(err, &recordHdr),
		errors.As(err, &unknownAuth),
		errors.As(err, &certInvalid),
		errors.As(err, &hostname):
		return true
	}
	return false
}
