package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ppiankov/pagesync/internal/metrics"
	"github.com/ppiankov/pagesync/internal/report"
	"github.com/ppiankov/pagesync/internal/schedule"
	"github.com/ppiankov/pagesync/internal/syncer"
)

var (
	watchMetricsAddr string
	watchNoColor     bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sync pages on their poll intervals until interrupted",
	RunE:  watchAction,
}

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().BoolVar(&watchNoColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(watchCmd)
}

func watchAction(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := loadRuntime(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	eng, err := rt.engine(metrics.New(reg))
	if err != nil {
		return err
	}

	if watchMetricsAddr != "" {
		srv := newMetricsServer(watchMetricsAddr, reg)
		go serveMetrics(srv, rt.log)
		defer shutdownMetrics(srv, rt.log)
	}

	printer := report.NewTerminal(useColor(watchNoColor))
	runner, err := schedule.NewRunner(eng, rt.targets, schedule.Options{
		Logger: rt.log,
		OnResult: func(res syncer.Result) {
			input := report.Input{Results: []syncer.Result{res}, GeneratedAt: time.Now()}
			if !res.OK() {
				input.Streaks = rt.failureStreaks(context.WithoutCancel(ctx), []string{res.PageID})
			}
			if err := printer.Format(os.Stdout, input); err != nil {
				rt.log.WithError(err).Warn("write report")
			}
		},
	})
	if err != nil {
		return fmt.Errorf("create runner: %w", err)
	}

	return runner.Run(ctx)
}

func newMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func serveMetrics(srv *http.Server, log *logrus.Logger) {
	log.WithField("addr", srv.Addr).Info("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("metrics server stopped")
	}
}

func shutdownMetrics(srv *http.Server, log *logrus.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("shutdown metrics server")
	}
}
