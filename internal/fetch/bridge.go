package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/radiarr/internal/catalog"
	"github.com/jmylchreest/radiarr/internal/trust"
	"github.com/jmylchreest/radiarr/internal/version"
)

const (
	// appScheme is the app-specific alias for the streaming scheme.
	appScheme = "radiarr"

	// securityModelParam carries the build model identifier to the origin.
	securityModelParam = "security_model"

	// DefaultDialTimeout bounds the TCP connect per attempt.
	DefaultDialTimeout = 10 * time.Second
	// DefaultTLSHandshakeTimeout bounds the TLS handshake per attempt.
	DefaultTLSHandshakeTimeout = 10 * time.Second
)

// ErrBadScheme is returned when a request URL does not use the custom
// streaming scheme. Plain http/https URLs are never proxied as-is.
var ErrBadScheme = errors.New("fetch: request scheme is not a streaming scheme")

// Config configures a Bridge.
type Config struct {
	// Validator evaluates origin certificate chains. Required.
	Validator *trust.Validator
	// BuildModel is appended to every rewritten URL as the
	// security_model query parameter. Defaults to the compiled-in
	// build model identifier.
	BuildModel string
	// UseLegacyKeyPin switches certificate evaluation to the deprecated
	// SHA-512 public-key pin instead of the full-certificate pin.
	//
	// Deprecated: kept only for origins that have not completed the pin
	// migration.
	UseLegacyKeyPin bool
	// DialTimeout bounds the TCP connect. Defaults to DefaultDialTimeout.
	DialTimeout time.Duration
	// TLSHandshakeTimeout bounds the TLS handshake. Defaults to
	// DefaultTLSHandshakeTimeout.
	TLSHandshakeTimeout time.Duration
	// Logger receives fetch lifecycle events.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sane defaults. The Validator must
// still be supplied by the caller.
func DefaultConfig() Config {
	return Config{
		BuildModel:          version.BuildModelID(),
		DialTimeout:         DefaultDialTimeout,
		TLSHandshakeTimeout: DefaultTLSHandshakeTimeout,
	}
}

// Request describes one intercepted stream fetch.
type Request struct {
	// URL is the original custom-scheme URL; its path and query survive
	// the rewrite.
	URL string
	// Host is the logical stream hostname, built from the language
	// prefix and the selected server. It is always sent as the Host
	// header and used for certificate evaluation.
	Host string
	// Port overrides the HTTPS port. Zero means 443.
	Port int
	// DialHost optionally replaces the dialed authority (an IP address
	// or alternate hostname) while Host stays in the Host header.
	DialHost string
}

// Bridge rewrites custom-scheme stream URLs to HTTPS and opens them over a
// transport whose certificate evaluation is delegated to the trust
// validator.
type Bridge struct {
	cfg    Config
	logger *slog.Logger
}

// NewBridge creates a Bridge from cfg, filling zero values with defaults.
func NewBridge(cfg Config) (*Bridge, error) {
	if cfg.Validator == nil {
		return nil, errors.New("fetch: validator is required")
	}
	def := DefaultConfig()
	if cfg.BuildModel == "" {
		cfg.BuildModel = def.BuildModel
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.TLSHandshakeTimeout <= 0 {
		cfg.TLSHandshakeTimeout = def.TLSHandshakeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{cfg: cfg, logger: logger}, nil
}

// Stream is an open live-audio response. The body must be drained or
// closed; Close also tears down the attempt's transport so a failed or
// finished stream never leaves a pooled connection behind.
type Stream struct {
	// Body delivers the audio bytes as they arrive.
	Body io.ReadCloser
	// Header is the response header set.
	Header http.Header
	// URL is the final rewritten HTTPS URL.
	URL *url.URL

	transport *http.Transport
}

// Close releases the response body and the underlying connections.
func (s *Stream) Close() error {
	err := s.Body.Close()
	if s.transport != nil {
		s.transport.CloseIdleConnections()
	}
	return err
}

// ContentType returns the response content type.
func (s *Stream) ContentType() string {
	return s.Header.Get("Content-Type")
}

// MetaInterval returns the in-band metadata interval from the icy-metaint
// header, or zero when the origin does not interleave metadata.
func (s *Stream) MetaInterval() int {
	v := strings.TrimSpace(s.Header.Get("Icy-Metaint"))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Open rewrites req to HTTPS and performs the fetch. A nil error means the
// origin answered 200 and the body is streaming; every other outcome is a
// *Failure carrying its class. The response body is never buffered.
func (b *Bridge) Open(ctx context.Context, req Request) (*Stream, error) {
	target, err := b.rewrite(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, newFailure(ClassPermanent, 0, fmt.Errorf("build request: %w", err))
	}
	// The logical hostname survives authority replacement in the Host
	// header so virtual-hosted origins route the request correctly.
	httpReq.Host = req.Host
	httpReq.Header.Set("Accept", "audio/*")
	httpReq.Header.Set("Accept-Encoding", "identity")
	httpReq.Header.Set("Icy-MetaData", "1")
	httpReq.Header.Set("User-Agent", version.UserAgent())

	transport := b.newTransport(req.Host)
	client := &http.Client{Transport: transport}

	b.logger.Debug("opening stream",
		slog.String("host", req.Host),
		slog.String("path", target.Path),
		slog.String("authority", target.Host))

	resp, err := client.Do(httpReq)
	if err != nil {
		transport.CloseIdleConnections()
		class := classifyTransportError(err)
		b.logger.Warn("stream open failed",
			slog.String("host", req.Host),
			slog.String("class", class.String()),
			slog.Any("error", err))
		return nil, newFailure(class, 0, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		transport.CloseIdleConnections()
		class := classifyStatus(resp.StatusCode)
		b.logger.Warn("stream rejected by origin",
			slog.String("host", req.Host),
			slog.Int("status", resp.StatusCode),
			slog.String("class", class.String()))
		return nil, newFailure(class, resp.StatusCode, fmt.Errorf("origin status %d", resp.StatusCode))
	}

	b.logger.Info("stream open",
		slog.String("host", req.Host),
		slog.String("content_type", resp.Header.Get("Content-Type")))

	return &Stream{
		Body:      resp.Body,
		Header:    resp.Header,
		URL:       target,
		transport: transport,
	}, nil
}

// rewrite converts the custom-scheme request URL into the final HTTPS URL:
// scheme swap, authority substitution, and the security_model parameter.
func (b *Bridge) rewrite(req Request) (*url.URL, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, newFailure(ClassPermanent, 0, fmt.Errorf("malformed url: %w", err))
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != catalog.Scheme && scheme != appScheme {
		return nil, newFailure(ClassPermanent, 0, fmt.Errorf("%w: %q", ErrBadScheme, u.Scheme))
	}
	if req.Host == "" {
		return nil, newFailure(ClassPermanent, 0, errors.New("missing target host"))
	}

	authority := req.Host
	if req.DialHost != "" {
		authority = req.DialHost
	}
	if req.Port != 0 && req.Port != 443 {
		authority = net.JoinHostPort(authority, strconv.Itoa(req.Port))
	}

	u.Scheme = "https"
	u.Host = authority

	q := u.Query()
	q.Set(securityModelParam, b.cfg.BuildModel)
	u.RawQuery = q.Encode()
	return u, nil
}

// newTransport builds the per-attempt transport. Standard verification is
// disabled in favor of the validator, which re-runs full chain validation
// against serverName before applying the pin policy. Compression stays off
// so the audio byte stream arrives exactly as encoded.
func (b *Bridge) newTransport(serverName string) *http.Transport {
	verify := b.cfg.Validator.PeerVerifier(serverName)
	if b.cfg.UseLegacyKeyPin {
		verify = b.legacyPeerVerifier()
	}
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: b.cfg.DialTimeout,
		}).DialContext,
		TLSHandshakeTimeout: b.cfg.TLSHandshakeTimeout,
		DisableCompression:  true,
		TLSClientConfig: &tls.Config{
			// Verification is delegated, not skipped: the verifier
			// below rejects any chain the validator refuses.
			InsecureSkipVerify:    true,
			ServerName:            serverName,
			VerifyPeerCertificate: verify,
		},
	}
}

// legacyPeerVerifier evaluates only the deprecated SHA-512 public-key pin.
func (b *Bridge) legacyPeerVerifier() func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return trust.ErrNoCertificate
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("%w: %v", trust.ErrNotTrusted, err)
		}
		if !b.cfg.Validator.EvaluateLegacyKey(leaf) {
			return trust.ErrNotTrusted
		}
		return nil
	}
}
