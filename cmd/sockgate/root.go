// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/absmach/sockgate"
	"github.com/absmach/sockgate/pkg/breaker"
	"github.com/absmach/sockgate/pkg/health"
	"github.com/absmach/sockgate/pkg/metrics"
	"github.com/absmach/sockgate/pkg/service"
	"github.com/absmach/sockgate/pkg/session"
	"github.com/absmach/sockgate/pkg/socket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	defaultListen   = "tcp://127.0.0.1:3000"
	defaultTarget   = "unix:///var/run/docker.sock"
	defaultProtocol = "http"
	defaultService  = "default"
)

type options struct {
	config   string
	mapping  string
	listen   string
	target   string
	protocol string
	timeout  string
	watch    bool
}

func newRootCmd() *cobra.Command {
	var opts options

	root := &cobra.Command{
		Use:   "sockgate",
		Short: "Reverse proxy for TCP and Unix socket services",
		Long: `sockgate accepts connections on TCP or Unix sockets and forwards them to a
target socket. HTTP services can rewrite request paths using URI mappings.

Without --config a single service is built from --listen, --target and
--protocol. Process settings are read from SOCKGATE_* environment variables
and an optional .env file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.config, "config", "c", "", "service configuration file (YAML or JSON)")
	flags.StringVarP(&opts.mapping, "mapping", "m", "", "shared URI mapping file")
	flags.StringVarP(&opts.listen, "listen", "l", defaultListen, "listen address of the single service")
	flags.StringVarP(&opts.target, "target", "t", defaultTarget, "target address of the single service")
	flags.StringVarP(&opts.protocol, "protocol", "p", defaultProtocol, "protocol of the single service (http or tcp)")
	flags.StringVar(&opts.timeout, "timeout", "", "dial and idle timeout of the single service")
	root.Flags().BoolVar(&opts.watch, "watch", false, "reload URI mappings when mapping files change")

	root.AddCommand(newValidateCmd(&opts), newVersionCmd())
	return root
}

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check service definitions and URI mappings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := sockgate.LoadConfig(".env")
			if err != nil {
				return err
			}
			f, err := loadFile(*opts, cfg)
			if err != nil {
				return err
			}
			if err := f.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration valid: %d service(s)\n", len(f.Service))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "sockgate", version)
		},
	}
}

// loadFile reads the configuration file named by a flag or the
// environment, or builds a single service from flags.
func loadFile(opts options, cfg sockgate.Config) (*service.File, error) {
	path := opts.config
	if path == "" {
		path = cfg.ConfigFile
	}

	var f *service.File
	if path != "" {
		var err error
		if f, err = service.Load(path); err != nil {
			return nil, err
		}
	} else {
		f = &service.File{Service: []service.Definition{{
			Name:     defaultService,
			Listen:   opts.listen,
			Target:   opts.target,
			Protocol: opts.protocol,
			Timeout:  opts.timeout,
		}}}
	}

	mapping := opts.mapping
	if mapping == "" {
		mapping = cfg.MappingFile
	}
	if mapping != "" {
		abs, err := filepath.Abs(mapping)
		if err != nil {
			return nil, err
		}
		f.URIMapping = abs
	}

	return f, nil
}

func run(cmd *cobra.Command, opts options) error {
	cfg, err := sockgate.LoadConfig(".env")
	if err != nil {
		return err
	}

	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	f, err := loadFile(opts, cfg)
	if err != nil {
		return err
	}

	m := metrics.New("sockgate", prometheus.DefaultRegisterer)

	reg := health.NewRegistry()
	reg.OnChange = func(_ string, from, to health.State) {
		m.ObserveServiceTransition(string(from), string(to))
	}

	orch := service.New(service.Config{
		File:            f,
		Workers:         cfg.Workers,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Host:            cfg.HostHeader,
		Watch:           opts.watch || cfg.WatchMappings,
		Health:          reg,
		Observer:        session.Chain{m, session.NewLogObserver(logger)},
		OnAcceptError: func(name string, _ error) {
			m.ObserveAcceptError(name)
		},
		OnReject: func(name string, _ socket.Address) {
			m.ObserveRejected(name)
		},
		OnBreakerChange: func(name string, _, to breaker.State) {
			m.ObserveBreakerState(name, int(to))
		},
		Logger: logger,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting sockgate",
		slog.String("version", version),
		slog.Int("services", len(f.Service)))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(ctx)
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		g.Go(func() error {
			return serveAdmin(ctx, "metrics", cfg.MetricsAddr, mux, logger)
		})
	}
	if cfg.HealthAddr != "" {
		g.Go(func() error {
			return serveAdmin(ctx, "health", cfg.HealthAddr, reg.Mux(), logger)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("sockgate stopped with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("sockgate stopped")
	return nil
}

// serveAdmin runs an auxiliary HTTP server until ctx is done. A failure is
// logged and leaves the services running.
func serveAdmin(ctx context.Context, name, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting "+name+" server", slog.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error(name+" server failed", slog.String("error", err.Error()))
	}
	return nil
}
