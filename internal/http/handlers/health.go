package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jmylchreest/radiarr/internal/httpclient"
	"github.com/jmylchreest/radiarr/internal/netmon"
	"github.com/jmylchreest/radiarr/internal/scheduler"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	network   *netmon.Monitor
	scheduler *scheduler.Scheduler
	session   func() (state, status, stream string)
	clients   []namedClient
}

type namedClient struct {
	name   string
	client *httpclient.Client
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithNetworkMonitor sets the connectivity monitor for health checks.
func (h *HealthHandler) WithNetworkMonitor(m *netmon.Monitor) *HealthHandler {
	h.network = m
	return h
}

// WithScheduler sets the maintenance scheduler for health checks.
func (h *HealthHandler) WithScheduler(s *scheduler.Scheduler) *HealthHandler {
	h.scheduler = s
	return h
}

// WithSessionStatus sets the session state readout for health checks.
func (h *HealthHandler) WithSessionStatus(fn func() (state, status, stream string)) *HealthHandler {
	h.session = fn
	return h
}

// WithHTTPClient registers a named HTTP client whose circuit breaker state
// is reported by the health check.
func (h *HealthHandler) WithHTTPClient(name string, c *httpclient.Client) *HealthHandler {
	h.clients = append(h.clients, namedClient{name: name, client: c})
	return h
}

// CPUInfo holds CPU load information.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo holds system and process memory information.
type MemoryInfo struct {
	TotalMemoryMB     float64           `json:"total_memory_mb"`
	UsedMemoryMB      float64           `json:"used_memory_mb"`
	FreeMemoryMB      float64           `json:"free_memory_mb"`
	AvailableMemoryMB float64           `json:"available_memory_mb"`
	SwapTotalMB       float64           `json:"swap_total_mb"`
	SwapUsedMB        float64           `json:"swap_used_mb"`
	ProcessMemory     ProcessMemoryInfo `json:"process_memory"`
}

// ProcessMemoryInfo holds process-specific memory information.
type ProcessMemoryInfo struct {
	MainProcessMB      float64 `json:"main_process_mb"`
	PercentageOfSystem float64 `json:"percentage_of_system"`
}

// CircuitBreakerStatus reports one HTTP client's circuit breaker.
type CircuitBreakerStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// NetworkHealth reports the connectivity monitor's view.
type NetworkHealth struct {
	Status string `json:"status"`
	Online bool   `json:"online"`
}

// SessionHealth reports the playback session's observable state.
type SessionHealth struct {
	State  string `json:"state"`
	Status string `json:"status"`
	Stream string `json:"stream,omitempty"`
}

// SchedulerHealth reports the maintenance scheduler and its jobs.
type SchedulerHealth struct {
	Status string                `json:"status"`
	Jobs   []scheduler.JobStatus `json:"jobs,omitempty"`
}

// HealthComponents groups per-component health details.
type HealthComponents struct {
	Network         *NetworkHealth         `json:"network,omitempty"`
	Session         *SessionHealth         `json:"session,omitempty"`
	Scheduler       *SchedulerHealth       `json:"scheduler,omitempty"`
	CircuitBreakers []CircuitBreakerStatus `json:"circuit_breakers,omitempty"`
}

// HealthResponse is the health check response body.
type HealthResponse struct {
	Status        string           `json:"status"`
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	Uptime        string           `json:"uptime"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	CPUInfo       CPUInfo          `json:"cpu"`
	Memory        MemoryInfo       `json:"memory"`
	Components    HealthComponents `json:"components"`
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// LivezInput is the input for the liveness probe.
type LivezInput struct{}

// LivezOutput is the output for the liveness probe.
type LivezOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// ReadyzInput is the input for the readiness probe.
type ReadyzInput struct{}

// ReadyzOutput is the output for the readiness probe.
type ReadyzOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the service including system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      "GET",
		Path:        "/livez",
		Summary:     "Liveness probe",
		Description: "Returns ok while the process is serving requests",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getReadyz",
		Method:      "GET",
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Description: "Returns ready once the playback session is wired and the network is not known to be down",
		Tags:        []string{"System"},
	}, h.GetReadyz)
}

// GetLivez returns the liveness status.
func (h *HealthHandler) GetLivez(ctx context.Context, input *LivezInput) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// GetReadyz returns the readiness status.
func (h *HealthHandler) GetReadyz(ctx context.Context, input *ReadyzInput) (*ReadyzOutput, error) {
	out := &ReadyzOutput{}
	out.Body.Status = "ready"
	if h.session == nil {
		out.Body.Status = "not_ready"
	}
	if h.network != nil && h.network.State() == netmon.StateOffline {
		out.Body.Status = "not_ready"
	}
	return out, nil
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, input *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	status := "healthy"
	components := HealthComponents{}

	if h.network != nil {
		state := h.network.State()
		components.Network = &NetworkHealth{
			Status: state.String(),
			Online: state == netmon.StateOnline,
		}
		if state == netmon.StateOffline {
			status = "degraded"
		}
	}

	if h.session != nil {
		state, statusKey, stream := h.session()
		components.Session = &SessionHealth{
			State:  state,
			Status: statusKey,
			Stream: stream,
		}
	}

	if h.scheduler != nil {
		sched := &SchedulerHealth{Status: "stopped", Jobs: h.scheduler.Jobs()}
		if h.scheduler.Started() {
			sched.Status = "ok"
		}
		components.Scheduler = sched
	}

	for _, nc := range h.clients {
		state := nc.client.CircuitState()
		components.CircuitBreakers = append(components.CircuitBreakers, CircuitBreakerStatus{
			Name:  nc.name,
			State: state.String(),
		})
		if state == httpclient.CircuitOpen {
			status = "degraded"
		}
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:        status,
			Timestamp:     now.UTC().Format(time.RFC3339),
			Version:       h.version,
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			CPUInfo:       h.getCPUInfo(),
			Memory:        h.getMemoryInfo(),
			Components:    components,
		},
	}, nil
}

// getCPUInfo returns CPU load information.
func (h *HealthHandler) getCPUInfo() CPUInfo {
	cores := runtime.NumCPU()

	info := CPUInfo{
		Cores: cores,
	}

	loadAvg, err := load.Avg()
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15

		if cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(cores)) * 100
		}
	}

	return info
}

// getMemoryInfo returns memory usage information.
func (h *HealthHandler) getMemoryInfo() MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemory()
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		info.FreeMemoryMB = float64(vmStat.Free) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}

	swapStat, err := mem.SwapMemory()
	if err == nil && swapStat != nil {
		info.SwapTotalMB = float64(swapStat.Total) / 1024 / 1024
		info.SwapUsedMB = float64(swapStat.Used) / 1024 / 1024
	}

	info.ProcessMemory = h.getProcessMemoryInfo(info.TotalMemoryMB)

	return info
}

// getProcessMemoryInfo returns process-specific memory information.
func (h *HealthHandler) getProcessMemoryInfo(totalSystemMB float64) ProcessMemoryInfo {
	info := ProcessMemoryInfo{}

	pid := int32(os.Getpid())
	proc, err := process.NewProcess(pid)
	if err != nil {
		return info
	}

	memInfo, err := proc.MemoryInfo()
	if err == nil && memInfo != nil {
		info.MainProcessMB = float64(memInfo.RSS) / 1024 / 1024

		if totalSystemMB > 0 {
			info.PercentageOfSystem = (info.MainProcessMB / totalSystemMB) * 100
		}
	}

	return info
}
