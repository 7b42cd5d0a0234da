package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mped_build_info",
			Help: "Build information of the MPED assistant",
		},
		[]string{"version", "commit", "date"},
	)

	AsksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mped_asks_total",
			Help: "Total number of answered questions by outcome",
		},
		[]string{"outcome"},
	)

	AskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mped_ask_duration_seconds",
			Help:    "Duration of one question from ask to answer",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 0.05s to ~102s
		},
	)

	AskIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mped_ask_iterations",
			Help:    "Reasoning iterations used per question",
			Buckets: prometheus.LinearBuckets(1, 1, 15),
		},
	)

	QueryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mped_query_attempts_total",
			Help: "Total number of proposed queries by result",
		},
		[]string{"result"},
	)

	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mped_query_duration_seconds",
			Help:    "Duration of executed queries including transport retries",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
	)

	DeciderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mped_decider_calls_total",
			Help: "Total number of decider calls by result",
		},
		[]string{"result"},
	)

	BusyRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mped_busy_rejections_total",
			Help: "Questions rejected because the session was still answering",
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mped_active_sessions",
			Help: "Number of live sessions in the registry",
		},
	)
)

// Query attempt results.
const (
	ResultExecuted = "executed"
	ResultFailed   = "failed"
	ResultRejected = "rejected"
)

// Serve exposes /metrics on addr until ctx ends.
func Serve(ctx context.Context, addr string, log *slog.Logger) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("prometheus metrics server listening", "address", listener.Addr().String())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
