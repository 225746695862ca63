package main

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/goodtune/pacrelay/internal/config"
	"github.com/goodtune/pacrelay/internal/metrics"
	"github.com/goodtune/pacrelay/internal/pac"
	"github.com/goodtune/pacrelay/internal/proxy"
	"github.com/goodtune/pacrelay/internal/resolver"
	"github.com/goodtune/pacrelay/internal/subnet"
)

// source is the configured route resolver together with its reload hook.
type source struct {
	proxy.Resolver
	reload func(context.Context) error
	logger *slog.Logger

	kind  string
	path  string
	local bool
	// done is closed if the resolver stops on its own.
	done <-chan struct{}
}

// newSource builds the PAC actor or the subnet table resolver. A source that
// cannot be loaded is a startup error.
func newSource(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*source, error) {
	if cfg.SubnetFile != "" {
		var addrs subnet.AddrFunc
		if len(cfg.OutboundAddrs) > 0 {
			var err error
			if addrs, err = subnet.StaticAddrs(cfg.OutboundAddrs...); err != nil {
				return nil, err
			}
		}
		r, err := subnet.NewResolver(cfg.SubnetFile, addrs)
		if err != nil {
			return nil, err
		}
		return &source{
			Resolver: r,
			reload:   r.Reload,
			logger:   logger,
			kind:     "subnet",
			path:     r.Source(),
			local:    true,
		}, nil
	}

	load := func() (resolver.Evaluator, error) {
		e, err := pac.New(cfg.PACFile)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
	a, err := resolver.Start(ctx, load,
		resolver.WithQueueSize(cfg.QueueSize),
		resolver.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	return &source{
		Resolver: a,
		reload:   a.Reload,
		logger:   logger,
		kind:     "pac",
		path:     cfg.PACFile,
		local:    isLocal(cfg.PACFile),
		done:     a.Done(),
	}, nil
}

// reloadAndRecord reloads the source, keeping the previous one in service on
// failure.
func (s *source) reloadAndRecord(ctx context.Context) error {
	if err := s.reload(ctx); err != nil {
		s.logger.Error("route source reload failed", "source", s.path, "error", err)
		metrics.ResolverReloadTotal.WithLabelValues("failure").Inc()
		return err
	}
	s.logger.Info("route source reloaded", "source", s.path)
	metrics.ResolverReloadTotal.WithLabelValues("success").Inc()
	return nil
}

func isLocal(source string) bool {
	u, err := url.Parse(source)
	if err != nil {
		return true
	}
	return u.Scheme == ""
}
