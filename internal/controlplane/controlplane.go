// Package controlplane serves a local HTTP API to start, cancel and watch syncs of the
// configured root.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openmined/syftmirror/internal/alert"
	"github.com/openmined/syftmirror/internal/controlplane/middleware"
	"github.com/openmined/syftmirror/internal/controlplane/runner"
	"github.com/openmined/syftmirror/internal/mirror"
	"github.com/openmined/syftmirror/internal/progress"
	"github.com/openmined/syftmirror/internal/utils"
	"github.com/openmined/syftmirror/internal/watcher"
)

const (
	shutdownTimeout    = 10 * time.Second
	defaultQuietPeriod = 5 * time.Second
)

type Config struct {
	Addr      string
	AuthToken string
	// StreamTokenTTL bounds issued stream tokens. Zero uses the default.
	StreamTokenTTL time.Duration
	// Interval starts a sync periodically. Zero only syncs on request.
	Interval  time.Duration
	RateLimit int64
	// SyncOnStart starts a sync as soon as the server is up.
	SyncOnStart bool
	// Watch repairs the root with a forced sync when something else edits it.
	Watch bool
	// QuietPeriod is how long edits are ignored after a sync reports anything.
	QuietPeriod time.Duration
	// Alerts, when set, is told about every run's events.
	Alerts *alert.Mailer
}

type Server struct {
	config *Config
	server *http.Server
	runner *runner.Runner
}

func New(config *Config, r *runner.Runner) (*Server, error) {
	if _, _, err := net.SplitHostPort(config.Addr); err != nil {
		return nil, fmt.Errorf("control plane addr: %w", err)
	}

	routes := SetupRoutes(r, &RouteConfig{
		Auth: middleware.TokenAuthConfig{
			Token:       config.AuthToken,
			StreamPaths: middleware.StreamPaths,
		},
		StreamTokenTTL: config.StreamTokenTTL,
		RateLimit:      config.RateLimit,
	})

	httpServer := &http.Server{
		Addr:    config.Addr,
		Handler: routes,
		// event streams stay open, so there is no WriteTimeout
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	return &Server{
		config: config,
		server: httpServer,
		runner: r,
	}, nil
}

// Run serves until ctx is done, then shuts down and waits for an in flight sync to wind
// down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("control plane listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	var w *watcher.Watcher
	if s.config.Watch {
		var err error
		if w, err = s.startWatcher(ctx); err != nil {
			ln.Close()
			return err
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		slog.Info("control plane start", "addr", fmt.Sprintf("http://%s", ln.Addr()), "auth", s.config.AuthToken != "")
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control plane serve: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	})

	if s.config.SyncOnStart || s.config.Interval > 0 {
		eg.Go(func() error {
			s.schedule(egCtx)
			return nil
		})
	}

	if s.config.Alerts != nil {
		events := s.runner.Subscribe()
		eg.Go(func() error {
			defer s.runner.Unsubscribe(events)
			s.config.Alerts.Watch(egCtx, events)
			return nil
		})
	}

	if w != nil {
		events := s.runner.Subscribe()
		eg.Go(func() error {
			defer s.runner.Unsubscribe(events)
			s.watch(egCtx, w, events)
			return nil
		})
	}

	err := eg.Wait()
	s.runner.Wait()
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("control plane stop")
	return s.server.Shutdown(ctx)
}

func (s *Server) schedule(ctx context.Context) {
	if s.config.SyncOnStart {
		s.trigger()
	}
	if s.config.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.trigger()
		}
	}
}

func (s *Server) trigger() {
	started, err := s.runner.Start(runner.Override{})
	switch {
	case errors.Is(err, runner.ErrBusy):
		slog.Debug("control plane scheduled sync skipped, busy")
	case err != nil:
		slog.Warn("control plane scheduled sync", "error", err)
	case started.UpToDate:
		slog.Debug("control plane scheduled sync, up to date")
	}
}

func (s *Server) startWatcher(ctx context.Context) (*watcher.Watcher, error) {
	root := s.runner.Defaults().Root
	if err := utils.EnsureDir(root); err != nil {
		return nil, fmt.Errorf("control plane watch: %w", err)
	}

	w := watcher.New(root)
	w.FilterPaths(mirror.IsStateFile)
	if err := w.Start(ctx); err != nil {
		return nil, fmt.Errorf("control plane watch: %w", err)
	}
	return w, nil
}

// watch starts a forced sync for every batch of local edits. Edits made while a sync is
// reporting, and for a quiet period after, are the syncer's own and are ignored.
func (s *Server) watch(ctx context.Context, w *watcher.Watcher, events <-chan progress.Event) {
	defer w.Stop()

	quiet := s.config.QuietPeriod
	if quiet <= 0 {
		quiet = defaultQuietPeriod
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-events:
			w.Suppress(quiet)
		case changed := <-w.Changes():
			slog.Info("control plane local changes", "count", len(changed), "first", changed[0])
			started, err := s.runner.Start(runner.Override{Force: true})
			switch {
			case errors.Is(err, runner.ErrBusy):
				slog.Debug("control plane repair skipped, busy")
			case err != nil:
				slog.Warn("control plane repair", "error", err)
			default:
				slog.Info("control plane repair started", "id", started.RunID)
			}
		}
	}
}
