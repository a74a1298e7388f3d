package metrics

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/l0p7/messenger"
	"github.com/prometheus/client_golang/prometheus"
)

// CallOutcome classifies a completed Graph call.
type CallOutcome string

const (
	// CallOutcomeSuccess is a 2xx response with a decodable body.
	CallOutcomeSuccess CallOutcome = "success"
	// CallOutcomeAPIError is a decodable non-2xx response (a Graph error object).
	CallOutcomeAPIError CallOutcome = "api_error"
	// CallOutcomeTransportError is a failure before a response was read.
	CallOutcomeTransportError CallOutcome = "transport_error"
	// CallOutcomeDecodeError is a response whose body was not JSON.
	CallOutcomeDecodeError CallOutcome = "decode_error"
)

var _ messenger.Observer = (*Recorder)(nil)

// Recorder publishes Prometheus metrics for Graph API activity.
type Recorder struct {
	gatherer prometheus.Gatherer

	graphRequests *prometheus.CounterVec
	graphLatency  *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	graphRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messenger",
		Subsystem: "graph",
		Name:      "requests_total",
		Help:      "Total Graph API calls issued by the client.",
	}, []string{"method", "endpoint", "status_code", "outcome"})

	graphLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "messenger",
		Subsystem: "graph",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed Graph API calls.",
		Buckets:   []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "endpoint", "outcome"})

	reg.MustRegister(graphRequests, graphLatency)

	return &Recorder{
		gatherer:      reg,
		graphRequests: graphRequests,
		graphLatency:  graphLatency,
	}
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveGraphCall records one completed Graph call. It satisfies
// messenger.Observer.
func (r *Recorder) ObserveGraphCall(method, endpoint string, status int, err error, duration time.Duration) {
	if r == nil {
		return
	}
	methodLabel := normalizeLabel(strings.ToUpper(method))
	endpointLabel := normalizeLabel(endpointPattern(endpoint))
	statusLabel := strconv.Itoa(status)
	if status <= 0 {
		statusLabel = "unknown"
	}
	outcome := string(classify(status, err))
	r.graphRequests.WithLabelValues(methodLabel, endpointLabel, statusLabel, outcome).Inc()
	r.graphLatency.WithLabelValues(methodLabel, endpointLabel, outcome).Observe(duration.Seconds())
}

// WriteTextfile dumps the registry in the node-exporter textfile format. The
// file is written atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return errors.New("metrics: recorder is nil")
	}
	if strings.TrimSpace(path) == "" {
		return errors.New("metrics: textfile path required")
	}
	return prometheus.WriteToTextfile(path, r.gatherer)
}

func classify(status int, err error) CallOutcome {
	var decodeErr *messenger.DecodingError
	switch {
	case err == nil && status >= 200 && status < 300:
		return CallOutcomeSuccess
	case err == nil:
		return CallOutcomeAPIError
	case errors.As(err, &decodeErr):
		return CallOutcomeDecodeError
	default:
		return CallOutcomeTransportError
	}
}

// endpointPattern strips the query string and fragment and replaces object id
// segments with ":id".
func endpointPattern(endpoint string) string {
	path, _, _ := strings.Cut(endpoint, "?")
	path, _, _ = strings.Cut(path, "#")
	segments := strings.Split(path, "/")
	for i, segment := range segments {
		if isObjectID(segment) {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

// isObjectID matches Graph ids such as 1234567890 and page-post ids such as
// 1234567890_987654321.
func isObjectID(segment string) bool {
	digits := false
	for _, r := range segment {
		switch {
		case r >= '0' && r <= '9':
			digits = true
		case r == '_':
		default:
			return false
		}
	}
	return digits
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
