// Command gatewayd is the Gateway daemon entrypoint: it loads layered
// config, opens the sqlite store, wires every component together, and
// serves both listeners until interrupted.
//
// Grounded on the teacher's cmd/wtd/main.go (cobra root command wrapping
// a single RunE) and internal/daemon/daemon.go's construction order and
// signal.NotifyContext/errCh/select graceful-shutdown shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/fleetgate/internal/commander"
	"github.com/ehrlich-b/fleetgate/internal/config"
	"github.com/ehrlich-b/fleetgate/internal/gatewayserver"
	"github.com/ehrlich-b/fleetgate/internal/jobs"
	"github.com/ehrlich-b/fleetgate/internal/logging"
	"github.com/ehrlich-b/fleetgate/internal/outbox"
	"github.com/ehrlich-b/fleetgate/internal/ptybridge"
	"github.com/ehrlich-b/fleetgate/internal/sessionstore"
	"github.com/ehrlich-b/fleetgate/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:   "gatewayd",
		Short: "fleetgate daemon: PTY sessions, headless jobs, and the commander meta-agent over a WebSocket gateway",
	}
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the gateway daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configDir)
		},
	}
	cmd.Flags().StringVar(&configDir, "project-dir", "", "project directory (defaults to the nearest .fleetgate or .git ancestor)")
	return cmd
}

func run(projectDirFlag string) error {
	userDir, err := config.GetUserConfigDir()
	if err != nil {
		return fmt.Errorf("resolve user config dir: %w", err)
	}
	projectDir := projectDirFlag
	if projectDir == "" {
		projectDir, err = config.GetProjectDir()
		if err != nil {
			return fmt.Errorf("resolve project dir: %w", err)
		}
	}
	if err := config.EnsureConfigDirs(userDir, projectDir); err != nil {
		return fmt.Errorf("ensure config dirs: %w", err)
	}

	cfgMgr := config.NewManager()
	if err := cfgMgr.Load(userDir, projectDir); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgMgr.Get()

	if err := logging.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logging.Component("gatewayd")

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	sessions := sessionstore.New()

	pty := ptybridge.New(cfg.RecoveryDir, ptybridge.Callbacks{
		OnExit: func(sessionID string, exitCode int, signal string) {
			sessions.Remove(sessionID)
		},
	})

	jobMgr := jobs.NewManager(db)

	tailer, err := outbox.New(db)
	if err != nil {
		return fmt.Errorf("init outbox tailer: %w", err)
	}

	cmdr := commander.New(pty, sessions, commander.Config{
		Command:    cfg.CommanderCommand,
		ProjectDir: cfg.CommanderProjectDir,
		PreludeBuilder: func(sinceEventID int64) (string, bool, int64) {
			events, err := tailer.GetEventsAfter(sinceEventID, 50)
			if err != nil || len(events) == 0 {
				return "", false, sinceEventID
			}
			prelude := fmt.Sprintf("%d fleet events occurred since your last turn.", len(events))
			return prelude, true, events[len(events)-1].EventID
		},
	})
	cmdr.Initialize()
	defer cmdr.Shutdown()

	srv := gatewayserver.New(gatewayserver.Config{
		Listen:             cfg.Listen,
		HookSocketPath:     cfg.HookSocketPath,
		RingBufferBudget:   cfg.RingBufferBudget,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
	}, gatewayserver.Deps{
		DB:        db,
		PTY:       pty,
		Jobs:      jobMgr,
		Commander: cmdr,
		Sessions:  sessions,
		Tailer:    tailer,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("gatewayd starting", "listen", cfg.Listen, "hook_socket", cfg.HookSocketPath, "db", cfg.DBPath)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("gateway server: %w", err)
	}
	log.Info("gatewayd stopped")
	return nil
}
