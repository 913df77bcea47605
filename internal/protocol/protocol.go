// Package protocol defines the JSON contract between the invocation client
// and the dispatcher running inside a deployed runtime.
package protocol

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
)

// Routes served by the dispatcher.
const (
	RouteRun         = "/"
	RoutePreinstalls = "/preinstalls"
	// RouteHealth answers readiness checks. It never waits on an activation.
	RouteHealth = "/healthz"
)

// Payload keys understood by the transport and the dispatcher.
const (
	KeyExecutorID    = "executor_id"
	KeyJobID         = "job_id"
	KeyCallID        = "call_id"
	KeyServiceRoute  = "service_route"
	KeyRemoteInvoker = "remote_invoker"
)

// ActivationEnv is the environment variable holding the current activation id.
const ActivationEnv = "__LITHOPS_ACTIVATION_ID"

// Payload is the JSON object sent to a runtime.
type Payload map[string]any

// ExecutorID returns the executor identifier, if present.
func (p Payload) ExecutorID() string { return p.str(KeyExecutorID) }

// JobID returns the job identifier, if present.
func (p Payload) JobID() string { return p.str(KeyJobID) }

// CallID returns the call identifier, if present.
func (p Payload) CallID() string { return p.str(KeyCallID) }

// Route returns the dispatcher route the payload targets.
func (p Payload) Route() string {
	route := strings.TrimSpace(p.str(KeyServiceRoute))
	if route == "" {
		return RouteRun
	}
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	return route
}

// RemoteInvoker reports whether the payload asks for sub-invocation orchestration.
func (p Payload) RemoteInvoker() bool {
	_, ok := p[KeyRemoteInvoker]
	return ok
}

func (p Payload) str(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// ActivationResponse is returned by the run route.
type ActivationResponse struct {
	ActivationID string `json:"activationId"`
}

// ErrorResponse is returned when the dispatcher rejects a call.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Module is one installed module of the runtime.
type Module struct {
	Name      string
	IsPackage bool
}

// MarshalJSON encodes a module as a [name, isPackage] pair.
func (m Module) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{m.Name, m.IsPackage})
}

// UnmarshalJSON decodes a [name, isPackage] pair.
func (m *Module) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("decode module entry: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("decode module entry: expected 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &m.Name); err != nil {
		return fmt.Errorf("decode module name: %w", err)
	}
	if err := json.Unmarshal(pair[1], &m.IsPackage); err != nil {
		return fmt.Errorf("decode module kind: %w", err)
	}
	return nil
}

// Metadata describes what a deployed runtime has installed.
type Metadata struct {
	Preinstalls []Module `json:"preinstalls"`
	// LanguageVersion keeps the wire name the execution framework reads.
	LanguageVersion string `json:"python_ver"`
}

// DecodeMetadata converts a synchronous probe body into Metadata.
// ok is false when the body carries no preinstalls list.
func DecodeMetadata(body map[string]any) (meta Metadata, ok bool, err error) {
	raw, present := body["preinstalls"]
	if !present || raw == nil {
		return Metadata{}, false, nil
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return Metadata{}, false, fmt.Errorf("encode probe body: %w", err)
	}
	if err := json.Unmarshal(buf, &meta); err != nil {
		return Metadata{}, false, fmt.Errorf("decode runtime metadata: %w", err)
	}
	return meta, true, nil
}

// LanguageVersion returns the "<major>.<minor>" version of the running
// toolchain, as reported in Metadata.
func LanguageVersion() string {
	v := strings.TrimPrefix(runtime.Version(), "go")
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return v
	}
	return parts[0] + "." + strings.TrimRightFunc(parts[1], func(r rune) bool { return r < '0' || r > '9' })
}
