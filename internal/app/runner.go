package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fireline/internal/host"
	"fireline/internal/server"
)

// Runner is the long-lived process: the alarm host plus its HTTP surface.
type Runner struct {
	Host      *host.Host
	Handler   http.Handler
	Addr      string
	Workspace string
	logger    *zap.Logger
}

// NewRunner wires a host to the context's engine. The HTTP incident routes
// run on Runner.Host.Engine(), so every command notifies the host directly
// and shares its per-incident locks.
func (c *Context) NewRunner(version string) (*Runner, error) {
	h := host.New(c.Engine, host.Config{
		Workers:       c.Config.Host.Workers,
		SweepInterval: c.Config.Host.SweepInterval,
	}, c.Logger)
	eng := h.Engine()
	handler, err := server.New(server.Config{Scheduler: h, Engine: &eng, Logger: c.Logger, Version: version})
	if err != nil {
		return nil, err
	}
	return &Runner{Host: h, Handler: handler, Addr: c.Config.Host.Addr, Workspace: c.Workspace, logger: c.Logger}, nil
}

// RunnerAddrPath is where a serving runner advertises its API address.
func RunnerAddrPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".fireline", "runner.addr")
}

// RunnerAddr returns the address advertised by a runner on workspace, or ""
// when none is serving.
func RunnerAddr(workspace string) string {
	data, err := os.ReadFile(RunnerAddrPath(workspace))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Serve runs the host and, when ln is set, the HTTP server until ctx is
// cancelled. While serving, the listener address is advertised in the
// workspace so CLI commands reach this process instead of opening their own
// engine.
func (r *Runner) Serve(ctx context.Context, ln net.Listener) error {
	life := NewLifecycle(10*time.Second, r.logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var srv *http.Server
	if ln != nil {
		srv = &http.Server{Handler: r.Handler, ReadHeaderTimeout: 5 * time.Second}
		if r.Workspace != "" {
			path := RunnerAddrPath(r.Workspace)
			if err := os.WriteFile(path, []byte(ln.Addr().String()+"\n"), 0o644); err != nil {
				return fmt.Errorf("advertise runner: %w", err)
			}
			life.Register("advert", func(context.Context) error {
				if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
					return err
				}
				return nil
			})
		}
		life.Register("http", srv.Shutdown)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Host.Run(gctx) })
	if srv != nil {
		g.Go(func() error {
			r.logger.Info("runner api listening", zap.String("addr", ln.Addr().String()))
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return life.Shutdown(context.Background())
		})
	}
	return g.Wait()
}

// ListenAndServe listens on Addr (when set) and serves until a signal or
// ctx cancellation.
func (r *Runner) ListenAndServe(ctx context.Context) error {
	var ln net.Listener
	if r.Addr != "" {
		var err error
		if ln, err = net.Listen("tcp", r.Addr); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	NewLifecycle(0, r.logger).Listen(cancel)
	return r.Serve(ctx, ln)
}
