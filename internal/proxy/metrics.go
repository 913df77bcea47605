package proxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300}

func (r *Router) initMetrics(reg prometheus.Registerer) {
	r.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lithops",
		Subsystem: "proxy",
		Name:      "http_requests_total",
		Help:      "Count of processed HTTP requests",
	}, []string{"method", "route", "status"})

	r.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lithops",
		Subsystem: "proxy",
		Name:      "http_request_duration_seconds",
		Help:      "Latency distribution of dispatcher routes",
		Buckets:   histogramBuckets,
	}, []string{"method", "route", "status"})

	r.activationResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lithops",
		Subsystem: "proxy",
		Name:      "activations_total",
		Help:      "Number of activations by mode and outcome",
	}, []string{"mode", "outcome"})

	for _, collector := range []prometheus.Collector{r.requestTotal, r.requestDuration, r.activationResults} {
		err := reg.Register(collector)
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			continue
		}
		switch existing := already.ExistingCollector.(type) {
		case *prometheus.CounterVec:
			if collector == r.requestTotal {
				r.requestTotal = existing
			} else {
				r.activationResults = existing
			}
		case *prometheus.HistogramVec:
			r.requestDuration = existing
		}
	}
}

func (r *Router) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &responseRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)
		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		labels := prometheus.Labels{
			"method": req.Method,
			"route":  route,
			"status": strconv.Itoa(status),
		}
		r.requestTotal.With(labels).Inc()
		r.requestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}

func (r *Router) recordActivation(mode Mode, outcome string) {
	r.activationResults.With(prometheus.Labels{"mode": string(mode), "outcome": outcome}).Inc()
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	return rr.ResponseWriter.Write(b)
}
