package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"priorityq/internal/api"
	logpkg "priorityq/internal/log"
	"priorityq/internal/metrics"
	"priorityq/internal/queue"
	"priorityq/internal/ratelimit"
	"priorityq/internal/reaper"
	"priorityq/internal/websocket"
	"priorityq/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, workers and background maintenance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.shutdown()

			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				a.cfg.HTTPAddr = addr
			}
			if cmd.Flags().Changed("workers") {
				a.cfg.Workers, _ = cmd.Flags().GetInt("workers")
			}
			return a.serve(ctx)
		},
	}
	cmd.Flags().String("addr", "", "HTTP listen address (overrides PRIORITYQ_HTTP_ADDR)")
	cmd.Flags().Int("workers", 0, "number of in-process workers (overrides PRIORITYQ_WORKERS)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	logger := a.logger
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	queueMetrics := metrics.NewQueueMetrics(reg, logpkg.Component(logger, "metrics"))

	ctrl, err := a.controller(ctx, queue.WithObserver(queueMetrics))
	if err != nil {
		return err
	}
	logger.Info("queue initialized",
		zap.String("backend", a.cfg.Backend),
		zap.String("namespace", ctrl.Namespace().String()),
		zap.Duration("retention", ctrl.Retention()))

	wsManager := websocket.New(ctrl, logpkg.Component(logger, "websocket"))
	limiter := ratelimit.New(a.cfg.GroupRatePerMin)
	server := api.NewServer(ctrl, limiter, wsManager, queueMetrics.Handler(), logpkg.Component(logger, "api"))

	var wg sync.WaitGroup
	background := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	background(func() { queueMetrics.Run(ctx, 10*time.Second, ctrl) })

	if exp, ok := a.store.(reaper.Expirer); ok {
		r := reaper.New(exp, a.cfg.ReaperInterval, logpkg.Component(logger, "reaper"))
		background(func() { r.Run(ctx) })
	} else {
		logger.Info("store expires finished items natively; reaper disabled")
	}

	for i := 1; i <= a.cfg.Workers; i++ {
		w := worker.New(i, ctrl, worker.LogHandler(logger), worker.Options{
			PollInterval: a.cfg.PollInterval,
			OnUpdate:     wsManager.Broadcast,
		}, logpkg.Component(logger, "worker"))
		background(func() { w.Start(ctx) })
	}

	srv := &http.Server{
		Addr: a.cfg.HTTPAddr,
		Handler: server.Handler(api.RouterOptions{
			IPRatePerMin: a.cfg.IPRatePerMin,
			JWTSecret:    a.cfg.JWTSecret,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", srv.Addr),
			zap.Int("workers", a.cfg.Workers),
			zap.Int("group_rate_per_min", limiter.PerMinute()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("http shutdown", zap.Error(shutdownErr))
	}

	stop()
	wg.Wait()
	return err
}
