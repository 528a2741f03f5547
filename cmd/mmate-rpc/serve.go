package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	mmaterpc "github.com/glimte/mmate-rpc"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/interceptors"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/monitor"
)

// failField makes the echo responder answer with an error
const failField = "fail"

type serveFlags struct {
	metricsAddr      string
	pendingThreshold int
	handlerTimeout   time.Duration
}

func newServeCmd(global *globalFlags, defaults mmaterpc.Config) *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve <pattern> [patterns...]",
		Short: "Answer requests with an echo responder",
		Long: `Serve registers an echo responder on every pattern. A request carrying a
"fail" string is answered with an error of that message.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			global.config.MetricsAddr = flags.metricsAddr
			app := fx.New(serveApp(global, flags, args))
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", defaults.MetricsAddr, "Address serving /metrics and /healthz, disabled when empty")
	cmd.Flags().DurationVar(&flags.handlerTimeout, "handler-timeout", 5*time.Second, "Deadline for answering a request, 0 disables it")
	cmd.Flags().IntVar(&flags.pendingThreshold, "pending-threshold", 1000, "Pending requests above which /healthz reports degraded")
	return cmd
}

func serveApp(global *globalFlags, flags *serveFlags, patterns []string) fx.Option {
	logger := global.logger()

	fxLogger := fx.WithLogger(func() fxevent.Logger {
		return &fxevent.ZapLogger{Logger: zap.NewNop()}
	})
	if global.verbose {
		fxLogger = mmaterpc.Logger(logger)
	}

	return fx.Options(
		fxLogger,
		fx.Supply(global.config, logger),
		fx.Provide(
			newPrometheusRegistry,
			func(reg *prometheus.Registry, cfg mmaterpc.Config) (messaging.MetricsCollector, error) {
				return monitor.NewPrometheusCollector(reg,
					monitor.WithConstLabels(prometheus.Labels{"service": cfg.ServiceName}),
				)
			},
		),
		mmaterpc.Module,
		fx.Invoke(func(lc fx.Lifecycle, rpc *mmaterpc.RPC) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					return registerEcho(ctx, rpc, echoChain(logger, flags.handlerTimeout), patterns, logger)
				},
			})
		}),
		fx.Invoke(func(lc fx.Lifecycle, rpc *mmaterpc.RPC, reg *prometheus.Registry) {
			if flags.metricsAddr == "" {
				return
			}
			health := monitor.NewRegistry(
				monitor.TransportChecker(rpc),
				monitor.PendingChecker(rpc, flags.pendingThreshold),
			)
			registerMetricsServer(lc, flags.metricsAddr, reg, health, logger)
		}),
	)
}

func newPrometheusRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// echoReply answers a request with its own payload and routing metadata
func echoReply(pattern string, msg contracts.Payload, opts contracts.Options) (contracts.Payload, error) {
	if reason, ok := msg[failField].(string); ok {
		return nil, errors.New(reason)
	}
	return contracts.Payload{
		"pattern":       pattern,
		"correlationId": opts.CorrelationID,
		"echo":          msg,
	}, nil
}

func echoChain(logger *slog.Logger, handlerTimeout time.Duration) *interceptors.Chain {
	chain := interceptors.NewChain(logger).
		Add(interceptors.NewLoggingInterceptor(logger))
	if handlerTimeout > 0 {
		chain.Add(interceptors.NewTimeoutInterceptor(handlerTimeout))
	}
	return chain.Add(interceptors.NewRecoveryInterceptor())
}

func registerEcho(ctx context.Context, rpc interceptors.Puller, chain *interceptors.Chain, patterns []string, logger *slog.Logger) error {
	for _, pattern := range patterns {
		_, err := chain.Serve(ctx, rpc, pattern, func(ctx context.Context, req *interceptors.Request) (contracts.Payload, error) {
			return echoReply(req.Pattern, req.Payload, req.Options)
		})
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", pattern, err)
		}
		logger.Info("serving", "pattern", pattern)
	}
	return nil
}

func registerMetricsServer(lc fx.Lifecycle, addr string, reg *prometheus.Registry, health *monitor.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/healthz", monitor.Handler(health, 5*time.Second))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", addr, err)
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", "error", err)
				}
			}()
			logger.Info("metrics server started", "addr", ln.Addr().String())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
