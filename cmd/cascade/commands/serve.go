package commands

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cascade/am"
	"github.com/teranos/cascade/errors"
	"github.com/teranos/cascade/pulse/sweep"
	"github.com/teranos/cascade/pulse/throttle"
	"github.com/teranos/cascade/server"
	"github.com/teranos/cascade/version"
)

// ServeCmd starts the HTTP trigger server with the worker pool and sweeper
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the HTTP trigger server",
	Long: `Start the cascade HTTP server.

Serves POST /api/pipeline/trigger, the job run API and run stream, and
/api/health. Background workers deliver notifications and retries, and the
sweeper abandons runs left behind by crashed processes. Token and throttle
settings are reloaded when the config file changes.`,
	RunE: runServe,
}

var servePort int

func init() {
	ServeCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (overrides server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	port := cfg.Server.Port
	if servePort > 0 {
		port = servePort
	}
	if len(cfg.Server.Tokens) == 0 {
		pterm.Warning.Println("No server.tokens configured: every trigger will be rejected with 401")
	}

	th := throttle.New(server.ThrottleConfig(cfg.Throttle))
	srv, err := server.New(server.Deps{
		Pipeline: a.orch,
		Ledger:   a.ledger,
		Auth:     server.NewTokenAuthorizer(cfg.Server.Tokens),
		Throttle: th,
		DB:       pinger(a),
		Workers:  a.pool,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create server")
	}

	if cfg.Pulse.Workers > 0 {
		a.pool.Start()
		defer a.pool.Stop()
	}

	var sweeper *sweep.Sweeper
	if cfg.Sweep.IntervalSeconds > 0 {
		sweeper = sweep.New(cmd.Context(), a.ledger, a.registry, sweep.Config{
			Interval:   time.Duration(cfg.Sweep.IntervalSeconds) * time.Second,
			StaleAfter: time.Duration(cfg.Sweep.StaleAfterSeconds) * time.Second,
		})
		sweeper.Start()
		defer sweeper.Stop()
	}

	if path := configPath(cmd); path != "" {
		watcher, err := am.NewConfigWatcher(path)
		if err != nil {
			pterm.Warning.Printf("Config reload disabled: %v\n", err)
		} else {
			watcher.OnReload(srv.ApplyConfig)
			watcher.Start()
			defer watcher.Stop()
		}
	}

	printServeBanner(cfg, port)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe(port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return errors.Wrap(err, "server stopped")
	case <-sigChan:
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- srv.Stop()
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return errors.Wrap(err, "shutdown error")
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("Force shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}

// pinger returns the SQL connection for health checks, or nil for the
// rest driver
func pinger(a *app) server.Pinger {
	if a.conn == nil {
		return nil
	}
	return a.conn
}

func printServeBanner(cfg *am.Config, port int) {
	info := version.Get()
	pterm.DefaultSection.Printf("cascade %s", info.Version)
	rows := [][]string{
		{"Commit", info.Short()},
		{"Listen", pterm.Sprintf(":%d", port)},
		{"Database", cfg.Database.Driver},
		{"Workers", pterm.Sprint(cfg.Pulse.Workers)},
		{"Sweep interval", pterm.Sprintf("%ds", cfg.Sweep.IntervalSeconds)},
		{"Throttle", pterm.Sprintf("%d per %ds", cfg.Throttle.MaxPerWindow, cfg.Throttle.WindowSeconds)},
		{"Entities", pterm.Sprint(len(cfg.Entities))},
	}
	_ = pterm.DefaultTable.WithData(rows).Render()
	pterm.Info.Println("Press Ctrl+C to stop")
}
