package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rwfrom/internal/rewrite"
)

var (
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rwfrom_messages_total",
			Help: "Total number of messages that passed through the filter.",
		},
		[]string{"transport"},
	)

	RewritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rwfrom_rewrites_total",
			Help: "Total number of From: header lines replaced.",
		},
		[]string{"transport", "key"}, // key: "mail", "rcpt"
	)

	TruncatedLinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rwfrom_truncated_lines_total",
			Help: "Total number of replacement lines cut to the maximum line size.",
		},
		[]string{"transport"},
	)

	RulesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rwfrom_rules_loaded",
			Help: "Number of rewrite rules currently loaded.",
		},
	)
)

// ObserveAction records a line outcome for transport. Pass-through lines are
// not counted.
func ObserveAction(transport string, a rewrite.Action) {
	if a.Kind != rewrite.Replace {
		return
	}
	RewritesTotal.WithLabelValues(transport, a.Rule.Key.String()).Inc()
	if a.Truncated {
		TruncatedLinesTotal.WithLabelValues(transport).Inc()
	}
}

// Serve exposes the default registry on /metrics until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	slog.Info("metrics listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
