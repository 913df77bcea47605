// Package proxy is the dispatcher that runs inside a deployed runtime. It
// turns HTTP invocations into worker activations and reports what the
// runtime has installed.
package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomwhite/lithops/internal/completion"
	"github.com/tomwhite/lithops/internal/protocol"
	"github.com/tomwhite/lithops/pkg/jwt"
)

const notDictionaryMessage = "The action did not receive a dictionary as an argument."

// Options configures a Router.
type Options struct {
	Executor Executor
	Modules  ModuleLister
	Signaler completion.Signaler
	// Secret enables bearer-token verification when set.
	Secret string
	// LanguageVersion is reported by /preinstalls. Empty reports the
	// dispatcher's own toolchain version.
	LanguageVersion string
	// Version is the framework release logged at the start of each activation.
	Version string
	// Registry receives the dispatcher metrics and backs /metrics. Nil uses
	// the default registry.
	Registry *prometheus.Registry
}

// Router exposes the dispatcher routes. Activations are serialized; metadata
// and health requests are answered alongside a running activation.
type Router struct {
	mux    *http.ServeMux
	logger *slog.Logger
	opts   Options
	// mu admits one activation at a time.
	mu sync.Mutex

	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	activationResults *prometheus.CounterVec
}

// New creates the router and registers its handlers.
func New(logger *slog.Logger, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.LanguageVersion == "" {
		opts.LanguageVersion = protocol.LanguageVersion()
	}
	if opts.Modules == nil {
		opts.Modules = BuildInfoLister{}
	}
	if opts.Signaler == nil {
		opts.Signaler = completion.NewStreamSignaler(completion.SyncResponse, nil)
	}
	r := &Router{mux: http.NewServeMux(), logger: logger, opts: opts}

	var metrics http.Handler
	if opts.Registry != nil {
		r.initMetrics(opts.Registry)
		metrics = promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})
	} else {
		r.initMetrics(prometheus.DefaultRegisterer)
		metrics = promhttp.Handler()
	}
	r.mux.Handle("/metrics", metrics)
	r.mux.HandleFunc(protocol.RouteHealth, r.instrument(protocol.RouteHealth, r.handleHealth))
	r.mux.HandleFunc(protocol.RoutePreinstalls, r.instrument(protocol.RoutePreinstalls, r.handlePreinstalls))
	r.mux.HandleFunc(protocol.RouteRun, r.instrument(protocol.RouteRun, r.handleRun))
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) handleRun(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != protocol.RouteRun {
		r.complete(w, http.StatusNotFound, protocol.ErrorResponse{Error: "not found"}, "")
		return
	}
	if req.Method != http.MethodPost {
		r.complete(w, http.StatusMethodNotAllowed, protocol.ErrorResponse{Error: "method not allowed"}, "")
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		r.complete(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "unable to read request body"}, "")
		return
	}
	var message protocol.Payload
	if err := json.Unmarshal(body, &message); err != nil || message == nil {
		r.complete(w, http.StatusNotFound, protocol.ErrorResponse{Error: notDictionaryMessage}, "")
		return
	}
	if !r.authorize(req, message) {
		r.complete(w, http.StatusUnauthorized, protocol.ErrorResponse{Error: "invalid invocation token"}, "")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	activationID := newActivationID()
	mode := ModeHandler
	if message.RemoteInvoker() {
		mode = ModeInvoker
		r.logger.Info("starting invoker", "version", r.opts.Version, "activation_id", activationID)
	} else {
		r.logger.Info("starting execution", "version", r.opts.Version, "activation_id", activationID,
			"executor_id", message.ExecutorID(), "job_id", message.JobID(), "call_id", message.CallID())
	}

	// The activation outlives a disconnected caller.
	ctx := context.WithoutCancel(req.Context())
	// A failed worker still completes the activation. Call status is reported
	// by the worker itself, and a non-2xx answer would get the call resubmitted.
	outcome := "success"
	if err := r.opts.Executor.Execute(ctx, mode, activationID, body); err != nil {
		outcome = "failure"
		r.logger.Error("activation failed", "activation_id", activationID, "mode", mode, "error", err)
	}
	r.recordActivation(mode, outcome)
	r.complete(w, http.StatusAccepted, protocol.ActivationResponse{ActivationID: activationID}, activationID)
}

func (r *Router) handlePreinstalls(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet && req.Method != http.MethodPost {
		r.complete(w, http.StatusMethodNotAllowed, protocol.ErrorResponse{Error: "method not allowed"}, "")
		return
	}
	if !r.authorize(req, nil) {
		r.complete(w, http.StatusUnauthorized, protocol.ErrorResponse{Error: "invalid invocation token"}, "")
		return
	}
	r.logger.Info("extracting preinstalled modules")
	mods, err := r.opts.Modules.Modules()
	if err != nil {
		r.logger.Error("module listing failed", "error", err)
		r.complete(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: err.Error()}, "")
		return
	}
	if mods == nil {
		mods = []protocol.Module{}
	}
	r.complete(w, http.StatusOK, protocol.Metadata{Preinstalls: mods, LanguageVersion: r.opts.LanguageVersion}, "")
}

// handleHealth reports liveness for platform readiness checks. It takes no
// lock and emits no completion signal.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if req.Method == http.MethodGet {
		_, _ = io.WriteString(w, `{"status":"ok"}`+"\n")
	}
}

// authorize verifies the bearer token when a secret is configured. Tokens
// minted for a call must name the executor and job of the message.
func (r *Router) authorize(req *http.Request, message protocol.Payload) bool {
	if r.opts.Secret == "" {
		return true
	}
	token, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return false
	}
	claims, err := jwt.Parse(token, r.opts.Secret)
	if err != nil {
		r.logger.Warn("rejected invocation token", "error", err)
		return false
	}
	if message == nil {
		return true
	}
	return claims.ExecutorID == message.ExecutorID() && claims.JobID == message.JobID()
}

// complete signals the end of the activation and writes the response. The
// signal is emitted for every response, rejected calls included.
func (r *Router) complete(w http.ResponseWriter, status int, payload any, activationID string) {
	if err := r.opts.Signaler.Signal(activationID); err != nil {
		r.logger.Error("completion signal failed", "activation_id", activationID, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("failed to encode response", "error", err)
	}
}

// newActivationID returns the first 12 hex characters of a random UUID.
func newActivationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
