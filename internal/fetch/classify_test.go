package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/radiarr/internal/trust"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Class
	}{
		{403, ClassAuthorization},
		{404, ClassPermanent},
		{429, ClassPermanent},
		{500, ClassPermanent},
		{502, ClassPermanent},
		{503, ClassPermanent},
		{418, ClassPermanent},
		{301, ClassPermanent},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, classifyStatus(tt.status))
		})
	}
}

func TestClassifyTransportError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{
			name: "context deadline",
			err:  &url.Error{Op: "Get", URL: "https://x", Err: context.DeadlineExceeded},
			want: ClassTransient,
		},
		{
			name: "context canceled",
			err:  context.Canceled,
			want: ClassTransient,
		},
		{
			name: "dns not found",
			err:  &url.Error{Op: "Get", URL: "https://x", Err: &net.DNSError{Err: "no such host", IsNotFound: true}},
			want: ClassPermanent,
		},
		{
			name: "dns timeout",
			err:  &net.DNSError{Err: "timed out", IsTimeout: true},
			want: ClassTransient,
		},
		{
			name: "connection refused",
			err:  &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)},
			want: ClassPermanent,
		},
		{
			name: "host unreachable",
			err:  &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.EHOSTUNREACH)},
			want: ClassPermanent,
		},
		{
			name: "connection reset",
			err:  &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)},
			want: ClassPermanent,
		},
		{
			name: "network unreachable",
			err:  &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ENETUNREACH)},
			want: ClassTransient,
		},
		{
			name: "network down",
			err:  os.NewSyscallError("connect", syscall.ENETDOWN),
			want: ClassTransient,
		},
		{
			name: "pin rejection",
			err:  &url.Error{Op: "Get", URL: "https://x", Err: trust.ErrNotTrusted},
			want: ClassSecurity,
		},
		{
			name: "empty peer chain",
			err:  trust.ErrNoCertificate,
			want: ClassSecurity,
		},
		{
			name: "unknown authority",
			err:  &url.Error{Op: "Get", URL: "https://x", Err: x509.UnknownAuthorityError{}},
			want: ClassSecurity,
		},
		{
			name: "certificate invalid",
			err:  x509.CertificateInvalidError{Reason: x509.Expired},
			want: ClassSecurity,
		},
		{
			name: "hostname mismatch",
			err:  x509.HostnameError{Host: "evil.example.com"},
			want: ClassSecurity,
		},
		{
			name: "tls record header",
			err:  tls.RecordHeaderError{Msg: "first record does not look like a TLS handshake"},
			want: ClassSecurity,
		},
		{
			name: "generic timeout",
			err:  &url.Error{Op: "Get", URL: "https://x", Err: timeoutError{}},
			want: ClassTransient,
		},
		{
			name: "unknown error",
			err:  errors.New("mystery"),
			want: ClassTransient,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyTransportError(tt.err))
		})
	}
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "transient", ClassTransient.String())
	assert.Equal(t, "permanent", ClassPermanent.String())
	assert.Equal(t, "security", ClassSecurity.String())
	assert.Equal(t, "authorization", ClassAuthorization.String())
	assert.Equal(t, "unknown", Class(99).String())
}

func TestClassAllowsFallback(t *testing.T) {
	assert.True(t, ClassTransient.AllowsFallback())
	assert.True(t, ClassPermanent.AllowsFallback())
	assert.False(t, ClassSecurity.AllowsFallback())
	assert.False(t, ClassAuthorization.AllowsFallback())
}

func TestFailure(t *testing.T) {
	cause := errors.New("boom")

	withStatus := newFailure(ClassAuthorization, 403, cause)
	assert.Contains(t, withStatus.Error(), "authorization")
	assert.Contains(t, withStatus.Error(), "403")
	assert.ErrorIs(t, withStatus, cause)

	withoutStatus := newFailure(ClassTransient, 0, cause)
	assert.NotContains(t, withoutStatus.Error(), "status")
}

func TestClassOf(t *testing.T) {
	wrapped := fmt.Errorf("play: %w", newFailure(ClassSecurity, 0, trust.ErrNotTrusted))
	assert.Equal(t, ClassSecurity, ClassOf(wrapped))

	var f *Failure
	require.True(t, errors.As(wrapped, &f))
	assert.Equal(t, ClassSecurity, f.Class)

	assert.Equal(t, ClassTransient, ClassOf(errors.New("bare")))
}
