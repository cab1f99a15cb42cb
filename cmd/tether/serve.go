package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/benaskins/tether/internal/api"
	"github.com/benaskins/tether/internal/config"
	"github.com/benaskins/tether/internal/instance"
	"github.com/benaskins/tether/internal/journal"
	"github.com/benaskins/tether/internal/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run tether in the foreground",
	Long: "Serve the status page and control API. The backend is started by the first\n" +
		"page request and stopped when tether receives SIGTERM or SIGINT.",
	Args: cobra.NoArgs,
	RunE: runServe,
}

var noWatch bool

func init() {
	serveCmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file when it changes")
	rootCmd.AddCommand(serveCmd)
}

// supervisorConfig maps the backend section of the config file onto the
// supervisor's own config.
func supervisorConfig(b config.Backend, host []string, obs supervisor.Observer) supervisor.Config {
	sc := supervisor.Config{
		Name:         b.Name,
		Command:      b.Command,
		WorkingDir:   b.WorkingDir,
		Env:          b.EnvList(host),
		KillTimeout:  b.KillTimeout.Duration,
		StartupProbe: b.StartupProbe.Duration,
		LogLines:     b.LogLines,
		Observer:     obs,
	}
	if l := b.SpawnLimit; l != nil {
		sc.SpawnLimiter = rate.NewLimiter(rate.Every(l.Interval.Duration), l.Burst)
	}
	return sc
}

func pageFromConfig(p config.Page) api.Page {
	page := api.Page{Title: p.Title}
	for _, l := range p.Links {
		page.Links = append(page.Links, api.Link{Label: l.Label, Href: l.Href})
	}
	return page
}

// fanOut delivers each event to every observer in order.
func fanOut(observers ...supervisor.Observer) supervisor.Observer {
	return func(e supervisor.Event) {
		for _, o := range observers {
			o(e)
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s: %w", configPath, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lock, err := instance.Acquire(ctx, cfg.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	j, err := journal.Open(filepath.Join(cfg.StateDir, "events.log"))
	if err != nil {
		return err
	}
	defer j.Close()

	stopTimeout := cfg.Backend.StopTimeout.Duration
	killTimeout := cfg.Backend.KillTimeout.Duration

	if rec, err := lock.ReapOrphan(ctx, stopTimeout, killTimeout); err != nil {
		slog.Warn("could not reap orphaned backend", "error", err)
	} else if rec != nil {
		j.Record(journal.Entry{
			Timestamp: time.Now().UTC(),
			Action:    journal.ActionOrphanReaped,
			Backend:   rec.Backend,
			PID:       rec.PID,
		})
	}

	sup := supervisor.New(supervisorConfig(cfg.Backend, os.Environ(), fanOut(j.Observe, lock.Observe)))

	// Stop is a no-op without a child, so this can run more than once. The
	// deferred call also runs while a panic unwinds.
	stopBackend := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout+killTimeout+time.Second)
		defer cancel()
		if err := sup.Stop(stopCtx, stopTimeout); err != nil {
			slog.Error("stopping backend", "error", err)
		}
	}
	defer stopBackend()

	srv := api.NewServer(sup, pageFromConfig(cfg.Page), stopTimeout)

	errCh := make(chan error, 2)
	go func() {
		errCh <- srv.ListenTCP(cfg.HTTP.Addr)
	}()

	socketPath := cfg.HTTP.Socket
	if socketPath != "" {
		// the instance lock is held, so any socket left here is stale
		os.Remove(socketPath)
		if err := os.MkdirAll(filepath.Dir(socketPath), 0700); err != nil {
			return fmt.Errorf("creating socket dir: %w", err)
		}
		go func() {
			errCh <- srv.ListenUnix(socketPath)
		}()
		defer os.Remove(socketPath)
	}

	if !noWatch {
		// only the watcher goroutine reads or replaces current
		current := cfg
		go func() {
			err := config.Watch(ctx, configPath, func(next *config.Config) {
				current = applyConfig(ctx, sup, srv, current, next)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	slog.Info("tether ready", "backend", cfg.Backend.Name, "addr", cfg.HTTP.Addr, "socket", socketPath, "journal", j.Path())

	var serveErr error
	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("listener: %w", err)
			slog.Error("listener failed, shutting down", "error", err)
		}
	}

	// backend first; the deferred stop catches a respawn by a request that
	// was still draining
	stopBackend()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown", "error", err)
	}

	slog.Info("tether stopped")
	return serveErr
}

// applyConfig reconciles a reloaded config with the running one and returns
// the config now in effect.
func applyConfig(ctx context.Context, sup *supervisor.Supervisor, srv *api.Server, current, next *config.Config) *config.Config {
	if !reflect.DeepEqual(current.Backend, next.Backend) {
		sc := supervisorConfig(next.Backend, os.Environ(), nil)
		if err := sup.Reconfigure(ctx, sc, current.Backend.StopTimeout.Duration); err != nil {
			slog.Warn("previous backend did not stop cleanly", "error", err)
		}
		srv.SetStopTimeout(next.Backend.StopTimeout.Duration)
	}
	if !reflect.DeepEqual(current.Page, next.Page) {
		srv.SetPage(pageFromConfig(next.Page))
		slog.Info("status page updated", "title", next.Page.Title)
	}
	if current.HTTP != next.HTTP || current.StateDir != next.StateDir {
		slog.Warn("http and state_dir changes take effect after a restart")
	}
	return next
}
