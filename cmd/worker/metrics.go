package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/DoNewsCode/core/contract"
	"github.com/DoNewsCode/core/di"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics/prometheus"
	"github.com/oklog/run"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	queue "github.com/DoNewsCode/jobboard-queue"
)

func provideMetrics() di.Deps {
	return di.Deps{
		func(appName contract.AppName, env contract.Env) queue.Gauge {
			return prometheus.NewGaugeFrom(
				stdprometheus.GaugeOpts{
					Namespace: appName.String(),
					Subsystem: env.String(),
					Name:      "queue_length",
					Help:      "The gauge of queue length",
				}, []string{"queue", "channel"},
			)
		},
		func(appName contract.AppName, env contract.Env) *queue.Metrics {
			return &queue.Metrics{
				Attempts: prometheus.NewCounterFrom(
					stdprometheus.CounterOpts{
						Namespace: appName.String(),
						Subsystem: env.String(),
						Name:      "job_attempts_total",
						Help:      "The number of finished job attempts",
					}, []string{"queue", "job", "status"},
				),
				Duration: prometheus.NewHistogramFrom(
					stdprometheus.HistogramOpts{
						Namespace: appName.String(),
						Subsystem: env.String(),
						Name:      "job_duration_seconds",
						Help:      "The time spent in job handlers",
					}, []string{"queue", "job", "status"},
				),
			}
		},
	}
}

// metricsModule exposes the prometheus registry while the worker serves.
type metricsModule struct {
	addr   string
	logger log.Logger
}

func newMetricsModule(conf workerConfig, logger log.Logger) metricsModule {
	return metricsModule{addr: conf.MetricsAddr, logger: logger}
}

// ProvideRunGroup implements container.RunProvider.
func (m metricsModule) ProvideRunGroup(group *run.Group) {
	if m.addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	group.Add(func() error {
		ln, err := net.Listen("tcp", m.addr)
		if err != nil {
			return err
		}
		_ = level.Info(m.logger).Log("msg", "metrics available", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			return err
		}
		return nil
	}, func(err error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
}
