package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jmylchreest/radiarr/internal/origin"
)

// OriginsHandler serves the origin server registry and latency probes.
type OriginsHandler struct {
	registry *origin.Registry
	selector *origin.Selector
	logger   *slog.Logger

	mu          sync.Mutex
	lastProbe   []origin.PingResult
	lastProbeAt time.Time
}

// NewOriginsHandler creates a new origins handler.
func NewOriginsHandler(registry *origin.Registry, selector *origin.Selector) *OriginsHandler {
	return &OriginsHandler{
		registry: registry,
		selector: selector,
		logger:   slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *OriginsHandler) WithLogger(logger *slog.Logger) *OriginsHandler {
	h.logger = logger
	return h
}

// OriginStatus is one registry entry with its runtime state.
type OriginStatus struct {
	origin.Server
	Failures int  `json:"failures" doc:"Consecutive connect failures recorded against this server"`
	Current  bool `json:"current" doc:"Whether this server heads the cached selection"`
}

// ProbeReport is the outcome of one latency probe sweep.
type ProbeReport struct {
	At      time.Time           `json:"at"`
	Results []origin.PingResult `json:"results"`
}

// ListOriginsOutput is the response for listing origin servers.
type ListOriginsOutput struct {
	Body struct {
		Origins    []OriginStatus `json:"origins"`
		LastFailed string         `json:"last_failed,omitempty" doc:"Name of the most recently failed server"`
		Probe      *ProbeReport   `json:"probe,omitempty" doc:"Most recent probe sweep, if one has run"`
	}
}

// ProbeOriginsOutput is the response for a probe sweep.
type ProbeOriginsOutput struct {
	Body ProbeReport
}

// Register registers the origin routes with the API.
func (h *OriginsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listOrigins",
		Method:      http.MethodGet,
		Path:        "/api/v1/origins",
		Summary:     "List origin servers",
		Description: "Returns the origin server registry with failure counts and the most recent latency probe results.",
		Tags:        []string{"Origins"},
	}, h.ListOrigins)

	huma.Register(api, huma.Operation{
		OperationID: "probeOrigins",
		Method:      http.MethodPost,
		Path:        "/api/v1/origins/probe",
		Summary:     "Probe origin latency",
		Description: "Pings every origin server concurrently and returns per-server reachability and latency.",
		Tags:        []string{"Origins"},
	}, h.ProbeOrigins)
}

// ListOrigins returns the registry with runtime failure state.
func (h *OriginsHandler) ListOrigins(ctx context.Context, input *struct{}) (*ListOriginsOutput, error) {
	servers := h.registry.Servers()

	var currentName string
	if current, ok := h.selector.Current(); ok {
		currentName = current.Name
	}

	origins := make([]OriginStatus, 0, len(servers))
	for _, srv := range servers {
		origins = append(origins, OriginStatus{
			Server:   srv,
			Failures: h.registry.Failures(srv.Name),
			Current:  srv.Name == currentName,
		})
	}

	resp := &ListOriginsOutput{}
	resp.Body.Origins = origins
	if name, ok := h.registry.LastFailed(); ok {
		resp.Body.LastFailed = name
	}

	h.mu.Lock()
	if len(h.lastProbe) > 0 {
		resp.Body.Probe = &ProbeReport{At: h.lastProbeAt, Results: h.lastProbe}
	}
	h.mu.Unlock()

	return resp, nil
}

// ProbeOrigins runs a latency sweep over every origin server.
func (h *OriginsHandler) ProbeOrigins(ctx context.Context, input *struct{}) (*ProbeOriginsOutput, error) {
	results := h.selector.ProbeAll(ctx)
	now := time.Now()

	h.mu.Lock()
	h.lastProbe = results
	h.lastProbeAt = now
	h.mu.Unlock()

	reachable := 0
	for _, r := range results {
		if r.Reachable {
			reachable++
		}
	}
	h.logger.Info("origin probe sweep completed",
		slog.Int("reachable", reachable),
		slog.Int("probed", len(results)),
	)

	return &ProbeOriginsOutput{Body: ProbeReport{At: now, Results: results}}, nil
}
