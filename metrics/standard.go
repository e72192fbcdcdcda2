package metrics

import "github.com/prometheus/client_golang/prometheus"

// Pre-defined metrics for the claim pipeline.

var (
	// ---- Preflight metrics ----

	// RPCRequests counts JSON-RPC requests issued during preflight, by method.
	RPCRequests = newCounterVec("preflight", "rpc_requests_total",
		"JSON-RPC requests issued while preflighting a view call.", "method")
	// RPCErrors counts failed preflight JSON-RPC requests, by method.
	RPCErrors = newCounterVec("preflight", "rpc_errors_total",
		"JSON-RPC requests that failed while preflighting a view call.", "method")
	// CodeCacheHits counts contract code served from the code cache.
	CodeCacheHits = newCounter("preflight", "code_cache_hits_total",
		"Contract code lookups served from the code cache.")
	// WitnessBytes records the size of each recorded view-call input.
	WitnessBytes = newHistogram("preflight", "witness_bytes",
		"Trie node and code bytes carried by a view-call input.",
		prometheus.ExponentialBuckets(1024, 2, 12))

	// ---- Proving metrics ----

	// ProofsGenerated counts proof artifacts produced, by image id.
	ProofsGenerated = newCounterVec("prover", "proofs_total",
		"Proof artifacts produced.", "image")
	// GuestAborts counts guest runs that rejected their input, by stage.
	GuestAborts = newCounterVec("prover", "guest_aborts_total",
		"Guest runs that aborted without a journal.", "stage")

	// ---- Submission metrics ----

	// ClaimsSubmitted counts claim transactions broadcast.
	ClaimsSubmitted = newCounter("submitter", "claims_submitted_total",
		"Claim transactions broadcast to the chain.")

	// ---- Pipeline metrics ----

	// StageDuration records how long each pipeline stage took.
	StageDuration = newHistogramVec("pipeline", "stage_duration_seconds",
		"Duration of each pipeline stage.", prometheus.DefBuckets, "stage")
	// ClaimOutcomes counts finished claims by result kind ("ok" or an
	// error kind such as "guest_abort").
	ClaimOutcomes = newCounterVec("pipeline", "claims_total",
		"Finished claims by outcome.", "outcome")
	// Retries counts retry attempts by error kind.
	Retries = newCounterVec("pipeline", "retries_total",
		"Retried pipeline attempts by error kind.", "kind")
	// InFlight tracks claims currently being processed.
	InFlight = newGauge("pipeline", "claims_in_flight",
		"Claims currently being processed.")
)

func newCounter(subsystem, name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help,
	})
	Registry.MustRegister(c)
	return c
}

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
	Registry.MustRegister(c)
	return c
}

func newGauge(subsystem, name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help,
	})
	Registry.MustRegister(g)
	return g
}

func newHistogram(subsystem, name, help string, buckets []float64) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
	})
	Registry.MustRegister(h)
	return h
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
	}, labels)
	Registry.MustRegister(h)
	return h
}
