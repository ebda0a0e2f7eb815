// Package trust evaluates whether an upstream server certificate should be
// trusted. It combines baseline PKI chain verification with a compiled-in
// certificate pin and a bounded rotation window during which pin mismatches
// are tolerated so certificates can be replaced without shipping a new build.
//
// The validator is safe for concurrent use and memoizes positive decisions
// for a short TTL so repeated TLS handshakes against the same origin do not
// re-run chain verification.
package trust

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Errors returned by the peer verifier.
var (
	ErrNoCertificate = errors.New("no server certificate presented")
	ErrNotTrusted    = errors.New("server certificate not trusted")
)

// Compiled-in pin material. These are build constants on purpose: making
// them runtime-configurable would let a hostile environment disable pinning.
const (
	// DefaultPinSHA256 is the SHA-256 digest of the expected leaf
	// certificate's DER encoding, uppercase colon-separated hex.
	DefaultPinSHA256 = "4E:B2:0F:83:1D:97:C6:55:08:AA:3C:E2:79:D4:16:FD:62:0B:91:C8:3A:44:EF:5D:27:80:B3:9C:D1:6E:42:A7"

	// DefaultLegacyKeyPinSHA512 is the SHA-512 digest of the expected
	// server public key (SubjectPublicKeyInfo DER), standard base64.
	//
	// Deprecated: full-certificate pinning via DefaultPinSHA256 is the
	// canonical strategy. This pin remains only for resource-loader call
	// sites that still challenge on the public key.
	DefaultLegacyKeyPinSHA512 = "pQj4mW9zR3kYx0vNdB7uSf2aHc8eL5oTgI6nKqDZyM1rEwUVJhbACXtGslOiF0P9m2vYx3kRzqWd74NnBe8gQA=="

	// DefaultCacheTTL bounds how long a positive trust decision is reused.
	DefaultCacheTTL = 600 * time.Second
)

// Default rotation window for the compiled-in pin. Inside the window a pin
// mismatch is tolerated (chain verification still applies); outside it the
// pin is enforced strictly.
var (
	DefaultRotationStart  = time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC)
	DefaultRotationExpiry = time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)
)

// Config holds the configuration for a Validator.
type Config struct {
	// PinSHA256 is the expected leaf certificate fingerprint in the
	// canonical uppercase colon-separated hex form.
	PinSHA256 string

	// LegacyKeyPinSHA512 is the expected public key digest in standard
	// base64. Only consulted by EvaluateLegacyKey.
	LegacyKeyPinSHA512 string

	// RotationStart and RotationExpiry bound the grace window. The window
	// is closed on both ends: RotationStart <= t <= RotationExpiry.
	RotationStart  time.Time
	RotationExpiry time.Time

	// Roots is the trust anchor set for chain verification. Nil means the
	// system trust store.
	Roots *x509.CertPool

	// CacheTTL bounds reuse of positive decisions. Zero means DefaultCacheTTL.
	CacheTTL time.Duration

	// Now returns the current time. Nil means time.Now. Injected so tests
	// can exercise the rotation window and cache expiry deterministically.
	Now func() time.Time

	// Logger is the structured logger. Nil means slog.Default.
	Logger *slog.Logger
}

// DefaultConfig returns a Config carrying the compiled-in pins and window.
func DefaultConfig() Config {
	return Config{
		PinSHA256:          DefaultPinSHA256,
		LegacyKeyPinSHA512: DefaultLegacyKeyPinSHA512,
		RotationStart:      DefaultRotationStart,
		RotationExpiry:     DefaultRotationExpiry,
		CacheTTL:           DefaultCacheTTL,
	}
}

// Validator evaluates server trust chains against the pin and rotation policy.
type Validator struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	cachedAt time.Time
	cachedOK bool
	hasCache bool
}

// New creates a Validator from cfg, filling unset fields with defaults.
func New(cfg Config) *Validator {
	if cfg.PinSHA256 == "" {
		cfg.PinSHA256 = DefaultPinSHA256
	}
	if cfg.LegacyKeyPinSHA512 == "" {
		cfg.LegacyKeyPinSHA512 = DefaultLegacyKeyPinSHA512
	}
	if cfg.RotationStart.IsZero() {
		cfg.RotationStart = DefaultRotationStart
	}
	if cfg.RotationExpiry.IsZero() {
		cfg.RotationExpiry = DefaultRotationExpiry
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		cfg:    cfg,
		now:    now,
		logger: logger,
	}
}

// Evaluate reports whether the presented chain should be trusted. The first
// element must be the leaf certificate. Safe for concurrent use.
//
// A positive decision younger than the cache TTL is returned without
// re-running chain verification. Negative decisions are recorded but never
// reused, so a transient failure cannot poison later handshakes.
func (v *Validator) Evaluate(chain []*x509.Certificate) bool {
	return v.evaluate(chain, "")
}

// PeerVerifier returns a callback suitable for tls.Config.VerifyPeerCertificate
// with InsecureSkipVerify set: it re-applies chain verification (including the
// hostname check against serverName) plus the pin and rotation policy.
//
// serverName should be the logical upstream hostname even when the connection
// is dialed by IP or an alternate name.
func (v *Validator) PeerVerifier(serverName string) func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return ErrNoCertificate
		}
		chain := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("%w: parsing certificate: %v", ErrNotTrusted, err)
			}
			chain = append(chain, cert)
		}
		if !v.evaluate(chain, serverName) {
			return ErrNotTrusted
		}
		return nil
	}
}

func (v *Validator) evaluate(chain []*x509.Certificate, serverName string) bool {
	// Malformed input is a validation failure, never a crash.
	if len(chain) == 0 || chain[0] == nil {
		return false
	}
	leaf := chain[0]
	now := v.now()

	v.mu.Lock()
	if v.hasCache && v.cachedOK && now.Sub(v.cachedAt) < v.cfg.CacheTTL {
		v.mu.Unlock()
		return true
	}
	v.mu.Unlock()

	ok := v.evaluateChain(leaf, chain[1:], serverName, now)

	v.mu.Lock()
	v.cachedAt = now
	v.cachedOK = ok
	v.hasCache = true
	v.mu.Unlock()

	return ok
}

func (v *Validator) evaluateChain(leaf *x509.Certificate, rest []*x509.Certificate, serverName string, now time.Time) bool {
	opts := x509.VerifyOptions{
		Roots:       v.cfg.Roots,
		CurrentTime: now,
		DNSName:     serverName,
	}
	if len(rest) > 0 {
		opts.Intermediates = x509.NewCertPool()
		for _, cert := range rest {
			if cert != nil {
				opts.Intermediates.AddCert(cert)
			}
		}
	}
	if _, err := leaf.Verify(opts); err != nil {
		v.logger.Warn("certificate chain verification failed",
			slog.String("subject", leaf.Subject.CommonName),
			slog.String("error", err.Error()),
		)
		return false
	}

	fingerprint := FingerprintSHA256(leaf)
	match := fingerprint == v.cfg.PinSHA256

	// Closed interval: mismatches are tolerated from RotationStart through
	// RotationExpiry inclusive, strict enforcement on either side.
	inWindow := !now.Before(v.cfg.RotationStart) && !now.After(v.cfg.RotationExpiry)

	switch {
	case match:
		return true
	case inWindow:
		v.logger.Warn("certificate fingerprint mismatch inside rotation window, trusting chain",
			slog.String("expected", v.cfg.PinSHA256),
			slog.String("presented", fingerprint),
			slog.Time("rotation_expiry", v.cfg.RotationExpiry),
		)
		return true
	default:
		v.logger.Warn("certificate fingerprint mismatch",
			slog.String("expected", v.cfg.PinSHA256),
			slog.String("presented", fingerprint),
		)
		return false
	}
}

// EvaluateLegacyKey reports whether cert's public key matches the compiled-in
// SHA-512 key pin. No chain verification, no caching, no rotation window.
//
// Deprecated: remaining call sites should migrate to full-certificate pinning
// via Evaluate or PeerVerifier.
func (v *Validator) EvaluateLegacyKey(cert *x509.Certificate) bool {
	if cert == nil {
		return false
	}
	digest := LegacyKeyFingerprintSHA512(cert)
	if digest != v.cfg.LegacyKeyPinSHA512 {
		v.logger.Warn("legacy public key pin mismatch",
			slog.String("presented", digest),
		)
		return false
	}
	return true
}

// Invalidate drops the memoized trust decision so the next Evaluate call
// re-runs the full evaluation.
func (v *Validator) Invalidate() {
	v.mu.Lock()
	v.hasCache = false
	v.mu.Unlock()
}

// FingerprintSHA256 returns the SHA-256 digest of cert's DER encoding in the
// canonical pin form: uppercase hex pairs joined by colons.
func FingerprintSHA256(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// LegacyKeyFingerprintSHA512 returns the SHA-512 digest of cert's
// SubjectPublicKeyInfo DER encoding in standard base64.
func LegacyKeyFingerprintSHA512(cert *x509.Certificate) string {
	sum := sha512.Sum512(cert.RawSubjectPublicKeyInfo)
	return base64.StdEncoding.EncodeToString(sum[:])
}
