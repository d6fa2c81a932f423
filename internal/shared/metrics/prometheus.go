package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Business metrics
	approvalsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approvals_resolved_total",
			Help: "Total number of approvals resolved",
		},
		[]string{"role", "outcome"},
	)

	certificatesIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certificates_issued_total",
			Help: "Total number of certificates issued",
		},
		[]string{"organization"},
	)

	certificatesRevoked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certificates_revoked_total",
			Help: "Total number of certificates revoked",
		},
		[]string{"organization"},
	)

	signatureOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signature_operations_total",
			Help: "Total number of sign/verify operations",
		},
		[]string{"operation", "result"},
	)

	documentsNotarized = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "documents_notarized_total",
			Help: "Total number of documents anchored on the ledger",
		},
	)

	ledgerTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_transactions_total",
			Help: "Total number of ledger transactions",
		},
		[]string{"operation", "organization", "status"},
	)

	ledgerTransactionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_transaction_duration_seconds",
			Help:    "Ledger transaction duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"operation"},
	)

	queueJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_total",
			Help: "Total number of resilience-queue jobs processed",
		},
		[]string{"type", "status"},
	)

	queueJobsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_jobs_pending",
			Help: "Number of jobs currently waiting in the resilience queue",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath normalizes URL paths for metrics to avoid cardinality explosion
func normalizePath(path string) string {
	if len(path) > 100 {
		return "/api/..."
	}
	return path
}

// --- Business metric helpers ---

// RecordApprovalResolved records an approval reaching APPROVED or REJECTED
func RecordApprovalResolved(role, outcome string) {
	approvalsResolved.WithLabelValues(role, outcome).Inc()
}

// RecordCertificateIssued records a certificate issuance
func RecordCertificateIssued(organization string) {
	certificatesIssued.WithLabelValues(organization).Inc()
}

// RecordCertificateRevoked records a certificate revocation
func RecordCertificateRevoked(organization string) {
	certificatesRevoked.WithLabelValues(organization).Inc()
}

// RecordSignatureOperation records a sign or verify call
func RecordSignatureOperation(operation string, ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	signatureOperations.WithLabelValues(operation, result).Inc()
}

// RecordDocumentNotarized records a successful ledger anchoring
func RecordDocumentNotarized() {
	documentsNotarized.Inc()
}

// RecordLedgerTransaction records a ledger transaction attempt
func RecordLedgerTransaction(operation, organization, status string, duration time.Duration) {
	ledgerTransactionsTotal.WithLabelValues(operation, organization, status).Inc()
	ledgerTransactionDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordQueueJob records a queue job outcome
func RecordQueueJob(jobType, status string) {
	queueJobsTotal.WithLabelValues(jobType, status).Inc()
}

// RecordQueueDepth records the number of pending queue jobs
func RecordQueueDepth(count int) {
	queueJobsPending.Set(float64(count))
}
