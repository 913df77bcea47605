// Package invoke sends invocation payloads to deployed runtimes and
// classifies their responses.
package invoke

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tomwhite/lithops/internal/protocol"
	"github.com/tomwhite/lithops/pkg/jwt"
)

const (
	defaultTokenTTL  = 10 * time.Minute
	maxErrorBodySize = 4096
)

var (
	// ErrRuntimeNotDeployed indicates the runtime service does not exist or
	// answered 404.
	ErrRuntimeNotDeployed = errors.New("lithops runtime is not deployed")
	// ErrRetryable matches every *RetryableError.
	ErrRetryable = errors.New("invocation failed, retry the request")
	// ErrInvalidResponse indicates a successful status with an undecodable body.
	ErrInvalidResponse = errors.New("invalid runtime response")
)

// RetryableError reports a status other than 200, 202 or 404.
type RetryableError struct {
	Status int
	Body   string
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", ErrRetryable, e.Status, e.Body)
}

// Is makes errors.Is(err, ErrRetryable) hold.
func (e *RetryableError) Is(target error) bool {
	return target == ErrRetryable
}

// TransportError reports a connection-level failure before any status was read.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("invoke %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Result is the outcome of a successful invocation. Fire-and-forget calls
// carry ActivationID, synchronous calls carry Body.
type Result struct {
	Status       int
	ActivationID string
	Body         map[string]any
}

// TransportOptions configures a Transport.
type TransportOptions struct {
	// Timeout bounds each request. Zero leaves requests bounded only by ctx.
	Timeout time.Duration
	// Secret signs a bearer token per call when set.
	Secret   string
	TokenTTL time.Duration
	// Registerer receives the outcome counter. Nil uses the default registry.
	Registerer prometheus.Registerer
}

// Transport performs single POST invocations. It is safe for concurrent use;
// the embedded http.Client is shared only as a connection pool.
type Transport struct {
	client   *http.Client
	secret   string
	tokenTTL time.Duration
	results  *prometheus.CounterVec
	logger   *slog.Logger
}

// NewTransport returns a Transport. https endpoints are dialled without
// certificate verification.
func NewTransport(opts TransportOptions, log *slog.Logger) *Transport {
	base := http.DefaultTransport.(*http.Transport).Clone()
	// Runtime endpoint certificates are not verified.
	base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = defaultTokenTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		client:   &http.Client{Transport: base, Timeout: opts.Timeout},
		secret:   opts.Secret,
		tokenTTL: opts.TokenTTL,
		results:  registerResults(opts.Registerer),
		logger:   log,
	}
}

func registerResults(reg prometheus.Registerer) *prometheus.CounterVec {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	results := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lithops",
		Subsystem: "invoke",
		Name:      "results_total",
		Help:      "Number of runtime invocations by outcome",
	}, []string{"outcome"})
	if err := reg.Register(results); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return results
}

// Call posts payload to the route it names on endpoint. sync selects whether
// the response body or only the activation id is returned.
func (t *Transport) Call(ctx context.Context, endpoint string, payload protocol.Payload, sync bool) (Result, error) {
	target, err := requestURL(endpoint, payload.Route())
	if err != nil {
		return Result{}, &TransportError{Endpoint: endpoint, Err: err}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return Result{}, &TransportError{Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if t.secret != "" {
		token, err := jwt.GenerateToken(target.Hostname(), payload.ExecutorID(), payload.JobID(), payload.CallID(), t.secret, t.tokenTTL)
		if err != nil {
			return Result{}, fmt.Errorf("sign invocation: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.record("transport_error")
		return Result{}, &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()
	t.logInvoked(payload)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
		return t.decodeSuccess(resp, sync)
	case http.StatusNotFound:
		t.record("not_deployed")
		return Result{}, fmt.Errorf("%w: %s", ErrRuntimeNotDeployed, target.Host)
	default:
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		summary := strings.TrimSpace(string(buf))
		t.record("retryable")
		t.logger.Debug("function call failed, retrying request",
			"executor_id", payload.ExecutorID(),
			"job_id", payload.JobID(),
			"call_id", payload.CallID(),
			"status", resp.StatusCode,
			"body", summary,
		)
		return Result{}, &RetryableError{Status: resp.StatusCode, Body: summary}
	}
}

func (t *Transport) decodeSuccess(resp *http.Response, sync bool) (Result, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.record("transport_error")
		return Result{}, &TransportError{Endpoint: resp.Request.URL.Host, Err: err}
	}
	result := Result{Status: resp.StatusCode}
	if sync {
		if err := json.Unmarshal(data, &result.Body); err != nil {
			t.record("invalid_response")
			return Result{}, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
		}
	} else {
		var activation protocol.ActivationResponse
		if err := json.Unmarshal(data, &activation); err != nil {
			t.record("invalid_response")
			return Result{}, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
		}
		if activation.ActivationID == "" {
			t.record("invalid_response")
			return Result{}, fmt.Errorf("%w: response has no activationId", ErrInvalidResponse)
		}
		result.ActivationID = activation.ActivationID
	}
	t.record("success")
	return result, nil
}

func (t *Transport) record(outcome string) {
	t.results.With(prometheus.Labels{"outcome": outcome}).Inc()
}

func (t *Transport) logInvoked(payload protocol.Payload) {
	execID, jobID, callID := payload.ExecutorID(), payload.JobID(), payload.CallID()
	switch {
	case execID != "" && jobID != "" && callID != "":
		t.logger.Debug("function call invoked", "executor_id", execID, "job_id", jobID, "call_id", callID)
	case execID != "" && jobID != "":
		t.logger.Debug("function invoked", "executor_id", execID, "job_id", jobID)
	default:
		t.logger.Debug("function invoked")
	}
}

// requestURL joins the endpoint and route. A bare host is treated as https.
func requestURL(endpoint, route string) (*url.URL, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("endpoint required")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("endpoint %q has no host", endpoint)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + route
	return u, nil
}
