package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// Pinger is a dependency the service cannot work without.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Check represents the status of a single dependency.
type Check struct {
	Status  string `json:"status"` // "pass" or "fail"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

type Response struct {
	Status    string           `json:"status"` // "healthy" or "degraded"
	Backends  []string         `json:"backends"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

// Handler reports the state of the configured backends. Backends that are
// not configured (in-memory mode) are simply absent from the report.
type Handler struct {
	checks  map[string]Pinger
	timeout time.Duration
	now     func() time.Time
}

func NewHandler() *Handler {
	return &Handler{
		checks:  make(map[string]Pinger),
		timeout: 3 * time.Second,
		now:     time.Now,
	}
}

// Register adds a named check. Call before serving.
func (h *Handler) Register(name string, p Pinger) {
	h.checks[name] = p
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := Response{
		Status:   "healthy",
		Backends: make([]string, 0, len(h.checks)),
		Checks:   make(map[string]Check, len(h.checks)),
	}
	for name, p := range h.checks {
		resp.Backends = append(resp.Backends, name)
		start := h.now()
		if err := p.Ping(ctx); err != nil {
			resp.Checks[name] = Check{Status: "fail", Message: "connection failed"}
			resp.Status = "degraded"
			continue
		}
		resp.Checks[name] = Check{Status: "pass", Latency: h.now().Sub(start).String()}
	}
	sort.Strings(resp.Backends)
	resp.Timestamp = h.now().UTC().Format(time.RFC3339)

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
