package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/taskgrid/pkg/history"
	"github.com/cuemby/taskgrid/pkg/metrics"
)

// Version is reported by the health endpoints
var Version = "dev"

// HealthServer serves /health, /ready and /metrics over HTTP
type HealthServer struct {
	history *history.History
	mux     *http.ServeMux

	mu     sync.Mutex
	server *http.Server
}

// NewHealthServer creates the HTTP server. hist may be nil when the driver
// keeps no history.
func NewHealthServer(hist *history.History) *HealthServer {
	hs := &HealthServer{
		history: hist,
		mux:     http.NewServeMux(),
	}
	hs.mux.HandleFunc("GET /health", hs.healthHandler)
	hs.mux.HandleFunc("GET /ready", hs.readyHandler)
	hs.mux.Handle("GET /metrics", metrics.Handler())
	return hs
}

// Start listens on addr until Stop
func (hs *HealthServer) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	hs.mu.Lock()
	hs.server = srv
	hs.mu.Unlock()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop closes the HTTP server
func (hs *HealthServer) Stop() error {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.server == nil {
		return nil
	}
	return hs.server.Close()
}

// Handler returns the endpoints for mounting on another server
func (hs *HealthServer) Handler() http.Handler {
	return hs.mux
}

// HealthResponse is the /health body
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
	Uptime    string    `json:"uptime"`
}

// ReadyResponse is the /ready body
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler answers 200 as long as the process serves HTTP
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   Version,
		Uptime:    metrics.Uptime().Round(time.Second).String(),
	})
}

// readyHandler answers 200 once the driver accepts jobs and nodes and its
// history can be written or followed
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	readiness := metrics.GetReadiness()
	checks := make(map[string]string, len(readiness.States)+2)
	for name, s := range readiness.States {
		if s.Up {
			checks[name] = "ready"
		} else {
			checks[name] = "down: " + s.Message
		}
	}
	var reasons []string
	for _, name := range readiness.Waiting {
		if _, ok := checks[name]; !ok {
			checks[name] = "not registered"
		}
		reasons = append(reasons, "waiting for "+name)
	}

	if hs.history != nil {
		switch {
		case !hs.history.Replicated():
			checks["history"] = "local"
		case hs.history.IsLeader():
			checks["history"] = "leader"
		case hs.history.LeaderAddr() != "":
			checks["history"] = fmt.Sprintf("follower (leader: %s)", hs.history.LeaderAddr())
		default:
			checks["history"] = "no leader elected"
			reasons = append(reasons, "waiting for leader election")
		}

		if _, err := hs.history.LoadBalancer(); err != nil {
			checks["storage"] = fmt.Sprintf("error: %v", err)
			reasons = append(reasons, "storage not accessible")
		} else {
			checks["storage"] = "ok"
		}
	} else {
		checks["history"] = "disabled"
	}

	resp := ReadyResponse{
		Status:    "ready",
		Timestamp: time.Now(),
		Checks:    checks,
	}
	code := http.StatusOK
	if len(reasons) > 0 {
		resp.Status = "not ready"
		resp.Message = strings.Join(reasons, "; ")
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
