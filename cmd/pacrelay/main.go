package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/goodtune/pacrelay/internal/config"
	"github.com/goodtune/pacrelay/internal/dialer"
	"github.com/goodtune/pacrelay/internal/logging"
	"github.com/goodtune/pacrelay/internal/metrics"
	"github.com/goodtune/pacrelay/internal/proxy"
	"github.com/goodtune/pacrelay/internal/resolver"
	"github.com/goodtune/pacrelay/internal/watch"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Parse(args, os.Getenv)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	metrics.Register()

	g, ctx := errgroup.WithContext(context.Background())
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, err := newSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("route source loaded", "source", src.path, "kind", src.kind)
	metrics.ResolverReloadTotal.WithLabelValues("success").Inc()

	handler := proxy.NewHandler(src, logger,
		proxy.WithDialConfig(dialer.Config{
			DialTimeout:        cfg.DialTimeout,
			NegotiationTimeout: cfg.NegotiationTimeout,
			KeepAlive:          cfg.KeepAlive,
		}),
		proxy.WithIdleTimeout(cfg.IdleTimeout),
		proxy.WithResolveTimeout(cfg.ResolveTimeout),
		proxy.WithUserAgent(cfg.UserAgent),
	)
	defer handler.Close()

	lc := dialer.ListenConfig(cfg.KeepAlive)
	ln, err := lc.Listen(ctx, "tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("proxy listen: %w", err)
	}
	proxySrv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: cfg.NegotiationTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	context.AfterFunc(ctx, func() {
		_ = proxySrv.Close()
		_ = ln.Close()
	})
	g.Go(func() error {
		if err := proxySrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("proxy serve: %w", err)
		}
		return nil
	})
	logger.Info("proxy server listening", "addr", ln.Addr().String())

	if cfg.MetricsListen != "" {
		mln, err := lc.Listen(ctx, "tcp", cfg.MetricsListen)
		if err != nil {
			return fmt.Errorf("metrics listen: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		context.AfterFunc(ctx, func() {
			_ = metricsSrv.Close()
			_ = mln.Close()
		})
		g.Go(func() error {
			if err := metricsSrv.Serve(mln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics serve: %w", err)
			}
			return nil
		})
		logger.Info("metrics server listening", "addr", mln.Addr().String())
	}

	g.Go(func() error {
		reloadOnHangup(ctx, src, logger)
		return nil
	})

	if cfg.Watch {
		if src.local {
			w, err := watch.New(src.path, watch.DefaultDebounce, logger)
			if err != nil {
				return err
			}
			g.Go(func() error {
				return w.Run(ctx, func(ctx context.Context) { _ = src.reloadAndRecord(ctx) })
			})
		} else {
			logger.Warn("--watch ignored for a remote route source", "source", src.path)
		}
	}

	if src.done != nil {
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return nil
			case <-src.done:
				if ctx.Err() != nil {
					return nil
				}
				return resolver.ErrUnavailable
			}
		})
	}

	err = g.Wait()
	logger.Info("shutting down")
	return err
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if cfg.Syslog {
		logger, err := logging.NewSyslogLogger(level)
		if err == nil {
			return logger, nil
		}
		fallback, ferr := logging.New(os.Stderr, cfg.LogFormat, level)
		if ferr != nil {
			return nil, ferr
		}
		fallback.Warn("syslog unavailable, logging to stderr", "error", err)
		return fallback, nil
	}
	return logging.New(os.Stderr, cfg.LogFormat, level)
}

func reloadOnHangup(ctx context.Context, src *source, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			logger.Info("SIGHUP received, reloading route source", "source", src.path)
			_ = src.reloadAndRecord(ctx)
		}
	}
}
