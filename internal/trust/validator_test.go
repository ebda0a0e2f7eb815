package trust

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	rotationStart  = time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)
	rotationExpiry = time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC)
)

const mismatchPin = "00:11:22:33:44:55:66:77:88:99:AA:BB:CC:DD:EE:FF:00:11:22:33:44:55:66:77:88:99:AA:BB:CC:DD:EE:FF"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// makeCert generates a self-signed server certificate valid 2020-2040 and a
// cert pool containing it as the sole trust anchor.
func makeCert(t *testing.T, hostname string) (*x509.Certificate, *x509.CertPool) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: hostname},
		DNSNames:              []string{hostname},
		NotBefore:             time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:              time.Date(2040, time.January, 1, 0, 0, 0, 0, time.UTC),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return cert, pool
}

func newTestValidator(t *testing.T, pin string, roots *x509.CertPool, now *time.Time) *Validator {
	t.Helper()
	return New(Config{
		PinSHA256:      pin,
		RotationStart:  rotationStart,
		RotationExpiry: rotationExpiry,
		Roots:          roots,
		Now:            func() time.Time { return *now },
		Logger:         discardLogger(),
	})
}

func TestEvaluate_PinMatch(t *testing.T) {
	cert, pool := makeCert(t, "audio.example.com")
	pin := FingerprintSHA256(cert)

	tests := []struct {
		name string
		now  time.Time
	}{
		{"before rotation window", rotationStart.Add(-24 * time.Hour)},
		{"inside rotation window", rotationStart.Add(time.Hour)},
		{"after rotation window", rotationExpiry.Add(24 * time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := tt.now
			v := newTestValidator(t, pin, pool, &now)
			assert.True(t, v.Evaluate([]*x509.Certificate{cert}))
		})
	}
}

func TestEvaluate_RotationWindow(t *testing.T) {
	cert, pool := makeCert(t, "audio.example.com")

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"one second after window opens", rotationStart.Add(time.Second), true},
		{"one second after window closes", rotationExpiry.Add(time.Second), false},
		{"one second before window opens", rotationStart.Add(-time.Second), false},
		{"exactly at window open", rotationStart, true},
		{"exactly at window close", rotationExpiry, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := tt.now
			v := newTestValidator(t, mismatchPin, pool, &now)
			assert.Equal(t, tt.want, v.Evaluate([]*x509.Certificate{cert}))
		})
	}
}

func TestEvaluate_PositiveResultCached(t *testing.T) {
	cert, pool := makeCert(t, "audio.example.com")
	chain := []*x509.Certificate{cert}

	// Mismatched pin evaluated just inside the window: trusted, and the
	// positive decision is memoized.
	now := rotationExpiry.Add(-time.Second)
	v := newTestValidator(t, mismatchPin, pool, &now)
	require.True(t, v.Evaluate(chain))

	// Thirty seconds later the window has closed. A fresh evaluation would
	// reject the mismatch, so a true result here proves the cache answered.
	now = rotationExpiry.Add(30 * time.Second)
	assert.True(t, v.Evaluate(chain))

	fresh := newTestValidator(t, mismatchPin, pool, &now)
	assert.False(t, fresh.Evaluate(chain))

	// Invalidation forces re-evaluation under the now-strict policy.
	v.Invalidate()
	assert.False(t, v.Evaluate(chain))
}

func TestEvaluate_CacheExpiresAfterTTL(t *testing.T) {
	cert, pool := makeCert(t, "audio.example.com")
	chain := []*x509.Certificate{cert}

	now := rotationExpiry.Add(-time.Second)
	v := newTestValidator(t, mismatchPin, pool, &now)
	require.True(t, v.Evaluate(chain))

	now = now.Add(DefaultCacheTTL + time.Second)
	assert.False(t, v.Evaluate(chain))
}

func TestEvaluate_NegativeResultNotCached(t *testing.T) {
	cert, pool := makeCert(t, "audio.example.com")
	chain := []*x509.Certificate{cert}

	// Mismatch before the window opens: rejected.
	now := rotationStart.Add(-2 * time.Second)
	v := newTestValidator(t, mismatchPin, pool, &now)
	require.False(t, v.Evaluate(chain))

	// Three seconds later the window is open. If the negative decision had
	// been cached it would still be returned; it must not be.
	now = rotationStart.Add(time.Second)
	assert.True(t, v.Evaluate(chain))
}

func TestEvaluate_UntrustedChain(t *testing.T) {
	cert, _ := makeCert(t, "audio.example.com")
	pin := FingerprintSHA256(cert)

	// Empty root set: chain verification fails even though the pin matches
	// and the rotation window is open.
	now := rotationStart.Add(time.Hour)
	v := newTestValidator(t, pin, x509.NewCertPool(), &now)
	assert.False(t, v.Evaluate([]*x509.Certificate{cert}))
}

func TestEvaluate_MalformedInput(t *testing.T) {
	_, pool := makeCert(t, "audio.example.com")
	now := rotationStart.Add(time.Hour)
	v := newTestValidator(t, mismatchPin, pool, &now)

	assert.False(t, v.Evaluate(nil))
	assert.False(t, v.Evaluate([]*x509.Certificate{}))
	assert.False(t, v.Evaluate([]*x509.Certificate{nil}))
}

func TestPeerVerifier(t *testing.T) {
	t.Run("accepts pinned certificate for expected host", func(t *testing.T) {
		cert, pool := makeCert(t, "audio.example.com")
		now := rotationStart.Add(-24 * time.Hour)
		v := newTestValidator(t, FingerprintSHA256(cert), pool, &now)

		verify := v.PeerVerifier("audio.example.com")
		assert.NoError(t, verify([][]byte{cert.Raw}, nil))
	})

	t.Run("rejects wrong hostname", func(t *testing.T) {
		cert, pool := makeCert(t, "audio.example.com")
		now := rotationStart.Add(-24 * time.Hour)
		v := newTestValidator(t, FingerprintSHA256(cert), pool, &now)

		verify := v.PeerVerifier("other.example.com")
		err := verify([][]byte{cert.Raw}, nil)
		assert.ErrorIs(t, err, ErrNotTrusted)
	})

	t.Run("rejects pin mismatch outside window", func(t *testing.T) {
		cert, pool := makeCert(t, "audio.example.com")
		now := rotationExpiry.Add(time.Hour)
		v := newTestValidator(t, mismatchPin, pool, &now)

		verify := v.PeerVerifier("audio.example.com")
		assert.ErrorIs(t, verify([][]byte{cert.Raw}, nil), ErrNotTrusted)
	})

	t.Run("rejects empty chain", func(t *testing.T) {
		_, pool := makeCert(t, "audio.example.com")
		now := rotationStart
		v := newTestValidator(t, mismatchPin, pool, &now)

		verify := v.PeerVerifier("audio.example.com")
		assert.ErrorIs(t, verify(nil, nil), ErrNoCertificate)
	})

	t.Run("rejects garbage DER", func(t *testing.T) {
		_, pool := makeCert(t, "audio.example.com")
		now := rotationStart
		v := newTestValidator(t, mismatchPin, pool, &now)

		verify := v.PeerVerifier("audio.example.com")
		assert.ErrorIs(t, verify([][]byte{{0xDE, 0xAD, 0xBE, 0xEF}}, nil), ErrNotTrusted)
	})
}

func TestEvaluateLegacyKey(t *testing.T) {
	cert, _ := makeCert(t, "audio.example.com")

	t.Run("matching key pin", func(t *testing.T) {
		v := New(Config{
			LegacyKeyPinSHA512: LegacyKeyFingerprintSHA512(cert),
			Logger:             discardLogger(),
		})
		assert.True(t, v.EvaluateLegacyKey(cert))
	})

	t.Run("mismatched key pin", func(t *testing.T) {
		v := New(Config{
			LegacyKeyPinSHA512: base64.StdEncoding.EncodeToString(make([]byte, 64)),
			Logger:             discardLogger(),
		})
		assert.False(t, v.EvaluateLegacyKey(cert))
	})

	t.Run("nil certificate", func(t *testing.T) {
		v := New(Config{Logger: discardLogger()})
		assert.False(t, v.EvaluateLegacyKey(nil))
	})
}

func TestFingerprintSHA256(t *testing.T) {
	cert, _ := makeCert(t, "audio.example.com")
	fp := FingerprintSHA256(cert)

	// Canonical form: 32 uppercase hex pairs joined by colons.
	assert.Regexp(t, regexp.MustCompile(`^([0-9A-F]{2}:){31}[0-9A-F]{2}$`), fp)

	sum := sha256.Sum256(cert.Raw)
	assert.Equal(t, fmt.Sprintf("%02X", sum[0]), fp[:2])

	// Deterministic.
	assert.Equal(t, fp, FingerprintSHA256(cert))
}

func TestLegacyKeyFingerprintSHA512(t *testing.T) {
	cert, _ := makeCert(t, "audio.example.com")
	fp := LegacyKeyFingerprintSHA512(cert)

	decoded, err := base64.StdEncoding.DecodeString(fp)
	require.NoError(t, err)
	assert.Len(t, decoded, 64)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultPinSHA256, cfg.PinSHA256)
	assert.Equal(t, DefaultLegacyKeyPinSHA512, cfg.LegacyKeyPinSHA512)
	assert.Equal(t, DefaultCacheTTL, cfg.CacheTTL)
	assert.True(t, cfg.RotationStart.Before(cfg.RotationExpiry))
}

func TestNew_FillsDefaults(t *testing.T) {
	v := New(Config{})

	assert.Equal(t, DefaultPinSHA256, v.cfg.PinSHA256)
	assert.Equal(t, DefaultLegacyKeyPinSHA512, v.cfg.LegacyKeyPinSHA512)
	assert.Equal(t, DefaultRotationStart, v.cfg.RotationStart)
	assert.Equal(t, DefaultRotationExpiry, v.cfg.RotationExpiry)
	assert.Equal(t, DefaultCacheTTL, v.cfg.CacheTTL)
	assert.NotNil(t, v.now)
	assert.NotNil(t, v.logger)
}
