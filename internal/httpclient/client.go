// Package httpclient provides the outbound HTTP client used for origin
// latency probes, connectivity pre-checks, and remote catalog fetches.
// The live audio path does not go through it: stream fetches need pinned
// TLS and a per-attempt transport, which the fetch bridge builds itself.
//
// The client layers three behaviors over net/http: bounded retries with
// exponential backoff, a circuit breaker that sheds requests after
// repeated failures, and transparent response decompression (gzip,
// deflate, brotli). Request outcomes are logged with sensitive query
// values masked.
package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/jmylchreest/radiarr/internal/version"
)

// Defaults for the general-purpose client.
const (
	DefaultTimeout           = 30 * time.Second
	DefaultRetryAttempts     = 3
	DefaultRetryDelay        = time.Second
	DefaultRetryMaxDelay     = 30 * time.Second
	DefaultBackoffMultiplier = 2.0

	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 30 * time.Second
	DefaultBreakerProbes    = 1

	acceptEncodings = "gzip, deflate, br"
)

// Sentinel errors surfaced by Do.
var (
	// ErrCircuitOpen marks a request shed without touching the network.
	ErrCircuitOpen = errors.New("httpclient: circuit breaker open")
	// ErrMaxRetries wraps the last attempt's error once the retry budget
	// is spent.
	ErrMaxRetries = errors.New("httpclient: retries exhausted")
)

// Config holds the client tuning knobs.
type Config struct {
	// Timeout bounds one attempt end to end.
	Timeout time.Duration

	// RetryAttempts is how many times a failed request is retried. Zero
	// means a single attempt.
	RetryAttempts int
	// RetryDelay is the wait before the first retry. Each further retry
	// multiplies it by BackoffMultiplier, capped at RetryMaxDelay.
	RetryDelay        time.Duration
	RetryMaxDelay     time.Duration
	BackoffMultiplier float64

	// BreakerThreshold is how many consecutive failures open the
	// circuit. BreakerCooldown is how long it then stays open before a
	// trial request is admitted, and BreakerProbes is how many trials
	// the half-open state allows.
	BreakerThreshold int
	BreakerCooldown  time.Duration
	BreakerProbes    int

	// UserAgent is sent when the request carries none.
	UserAgent string

	// Decompress enables transparent response body decompression.
	Decompress bool

	// Transport overrides the underlying http.Client. Nil builds one
	// from Timeout.
	Transport *http.Client

	// Logger receives request and breaker events. Nil means slog.Default.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with the package defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:           DefaultTimeout,
		RetryAttempts:     DefaultRetryAttempts,
		RetryDelay:        DefaultRetryDelay,
		RetryMaxDelay:     DefaultRetryMaxDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
		BreakerThreshold:  DefaultBreakerThreshold,
		BreakerCooldown:   DefaultBreakerCooldown,
		BreakerProbes:     DefaultBreakerProbes,
		UserAgent:         version.UserAgent(),
		Decompress:        true,
	}
}

// ProbeConfig returns a Config for one-shot reachability and latency
// probes: a single attempt with the given timeout, no decompression, and
// a breaker that never opens.
//
// Retries would distort measured latency, and a probe that needed a
// retry has already answered the question it was asking.
func ProbeConfig(timeout time.Duration) Config {
	cfg := DefaultConfig()
	cfg.Timeout = timeout
	cfg.RetryAttempts = 0
	cfg.Decompress = false
	cfg.BreakerThreshold = math.MaxInt
	return cfg
}

// Client issues HTTP requests with retries and circuit breaking.
type Client struct {
	cfg     Config
	base    *http.Client
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// New creates a Client from cfg, filling unset fields with defaults.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	base := cfg.Transport
	if base == nil {
		base = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:     cfg,
		base:    base,
		breaker: NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, cfg.BreakerProbes),
		logger:  cfg.Logger,
	}
}

// Do executes the request, retrying transport errors and retryable
// status codes up to the configured budget. Context cancellation ends
// the retry loop immediately.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if req.Header.Get("User-Agent") == "" && c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.Decompress && req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", acceptEncodings)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			wait := backoff(c.cfg.RetryDelay, c.cfg.BackoffMultiplier, attempt-1, c.cfg.RetryMaxDelay)
			c.logger.Debug("retrying request",
				slog.String("url", sanitizeURL(req.URL)),
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		resp, err := c.attempt(req, attempt == c.cfg.RetryAttempts)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrMaxRetries, lastErr)
}

// attempt runs one request through the breaker and records the outcome.
// A retryable status on a non-final attempt is converted to an error so
// the retry loop goes around; on the final attempt the response is
// returned as-is.
func (c *Client) attempt(req *http.Request, final bool) (*http.Response, error) {
	if !c.breaker.Allow() {
		c.logger.Warn("circuit open, shedding request",
			slog.String("url", sanitizeURL(req.URL)),
		)
		return nil, ErrCircuitOpen
	}

	start := time.Now()
	resp, err := c.base.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		c.breaker.Failure()
		c.logger.Warn("request failed",
			slog.String("url", sanitizeURL(req.URL)),
			slog.String("method", req.Method),
			slog.Duration("duration", elapsed),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	if !final && retryableStatus(resp.StatusCode) {
		c.breaker.Failure()
		c.logger.Warn("retryable status",
			slog.String("url", sanitizeURL(req.URL)),
			slog.Int("status", resp.StatusCode),
			slog.Duration("duration", elapsed),
		)
		resp.Body.Close()
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	c.breaker.Success()
	c.logger.Debug("request completed",
		slog.String("url", sanitizeURL(req.URL)),
		slog.String("method", req.Method),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", elapsed),
	)

	if c.cfg.Decompress {
		resp.Body = decodeBody(resp, c.logger)
	}
	return resp, nil
}

// Get issues a GET request to url.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return c.Do(req)
}

// CircuitState returns the breaker position for health reporting.
func (c *Client) CircuitState() CircuitState {
	return c.breaker.State()
}

// backoff returns the wait before retry n (zero-based), growing
// geometrically from base and capped at max.
func backoff(base time.Duration, mult float64, n int, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultRetryDelay
	}
	d := time.Duration(float64(base) * math.Pow(mult, float64(n)))
	if d <= 0 || d > max {
		return max
	}
	return d
}

// retryableStatus reports whether the status implies a retry could
// succeed: throttling or upstream gateway trouble.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// decodeBody wraps resp.Body according to Content-Encoding. Unknown or
// unreadable encodings fall back to the raw body.
func decodeBody(resp *http.Response, logger *slog.Logger) io.ReadCloser {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "":
		return resp.Body
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			logger.Warn("gzip response unreadable, passing raw body",
				slog.String("error", err.Error()),
			)
			return resp.Body
		}
		return &decodedBody{Reader: zr, raw: resp.Body}
	case "deflate":
		return &decodedBody{Reader: flate.NewReader(resp.Body), raw: resp.Body}
	case "br":
		return &decodedBody{Reader: brotli.NewReader(resp.Body), raw: resp.Body}
	default:
		return resp.Body
	}
}

// decodedBody reads decompressed bytes while keeping the network body
// around for Close.
type decodedBody struct {
	io.Reader
	raw io.ReadCloser
}

func (d *decodedBody) Close() error {
	if c, ok := d.Reader.(io.Closer); ok {
		c.Close()
	}
	return d.raw.Close()
}

// maskedParams are query parameters whose values never reach the log.
var maskedParams = map[string]struct{}{
	"password": {}, "passwd": {}, "pass": {}, "pwd": {},
	"token": {}, "api_key": {}, "apikey": {}, "key": {},
	"secret": {}, "auth": {}, "authorization": {},
	"credential": {}, "credentials": {},
}

// sanitizeURL renders u with sensitive query values masked.
func sanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	q := u.Query()
	changed := false
	for name := range q {
		if _, ok := maskedParams[strings.ToLower(name)]; ok {
			q.Set(name, "***")
			changed = true
		}
	}
	if !changed {
		return u.String()
	}
	masked := *u
	masked.RawQuery = q.Encode()
	return masked.String()
}
