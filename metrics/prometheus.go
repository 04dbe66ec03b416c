package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements the Collector interface using Prometheus
// metrics.
type PrometheusCollector struct {
	// Connection metrics
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge

	// Command metrics
	commandsTotal *prometheus.CounterVec

	// Message metrics
	messagesReceivedTotal *prometheus.CounterVec
	messagesRejectedTotal *prometheus.CounterVec
	messagesSizeBytes     prometheus.Histogram

	// Client delivery metrics
	sendsTotal *prometheus.CounterVec

	// MX resolution metrics
	mxLookupsTotal *prometheus.CounterVec
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics
// registered on reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtpkit_connections_total",
			Help: "Total number of SMTP connections accepted.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smtpkit_connections_active",
			Help: "Number of currently active SMTP connections.",
		}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpkit_commands_total",
			Help: "Total number of SMTP commands processed.",
		}, []string{"command"}),

		messagesReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpkit_messages_received_total",
			Help: "Total number of messages received.",
		}, []string{"recipient_domain"}),
		messagesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpkit_messages_rejected_total",
			Help: "Total number of messages rejected.",
		}, []string{"recipient_domain", "reason"}),
		messagesSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smtpkit_messages_size_bytes",
			Help:    "Size of received messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400},
		}),

		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpkit_sends_total",
			Help: "Total number of outbound delivery attempts per recipient.",
		}, []string{"recipient_domain", "result"}),

		mxLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpkit_mx_lookups_total",
			Help: "Total number of MX lookups performed.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.commandsTotal,
		c.messagesReceivedTotal,
		c.messagesRejectedTotal,
		c.messagesSizeBytes,
		c.sendsTotal,
		c.mxLookupsTotal,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed decrements the active connection gauge.
func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

// CommandProcessed increments the per-verb command counter.
func (c *PrometheusCollector) CommandProcessed(verb string) {
	c.commandsTotal.WithLabelValues(verb).Inc()
}

// MessageReceived records an accepted message and its size.
func (c *PrometheusCollector) MessageReceived(recipientDomain string, sizeBytes int64) {
	c.messagesReceivedTotal.WithLabelValues(recipientDomain).Inc()
	c.messagesSizeBytes.Observe(float64(sizeBytes))
}

// MessageRejected records a rejected message with a reason.
func (c *PrometheusCollector) MessageRejected(recipientDomain string, reason string) {
	c.messagesRejectedTotal.WithLabelValues(recipientDomain, reason).Inc()
}

// SendCompleted records the outcome of one outbound recipient.
func (c *PrometheusCollector) SendCompleted(recipientDomain string, result string) {
	c.sendsTotal.WithLabelValues(recipientDomain, result).Inc()
}

// MXLookup records the outcome of an MX lookup.
func (c *PrometheusCollector) MXLookup(result string) {
	c.mxLookupsTotal.WithLabelValues(result).Inc()
}

// PrometheusServer exposes the registered metrics over HTTP at one path.
type PrometheusServer struct {
	addr string
	path string

	mu   sync.Mutex
	http *http.Server
}

// NewPrometheusServer creates a server for the given address and path. It
// does not listen until Start.
func NewPrometheusServer(address, path string) *PrometheusServer {
	return &PrometheusServer{addr: address, path: path}
}

// Start listens and serves until ctx is cancelled, then shuts down and
// returns nil. Any other serve failure is returned as-is.
func (s *PrometheusServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.Handler())

	s.mu.Lock()
	s.http = &http.Server{Handler: mux}
	srv := s.http
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the metrics server if it is running.
func (s *PrometheusServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
