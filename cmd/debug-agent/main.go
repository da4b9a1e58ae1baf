// Command debug-agent serves the HTTP debugging API for a native app running
// on a device, attached through a local debugserver tunnel.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/workspace/debug-agent/internal/auth"
	"github.com/workspace/debug-agent/internal/backend"
	"github.com/workspace/debug-agent/internal/bridge"
	"github.com/workspace/debug-agent/internal/buildrunner"
	"github.com/workspace/debug-agent/internal/config"
	"github.com/workspace/debug-agent/internal/loghub"
	"github.com/workspace/debug-agent/internal/logging"
	"github.com/workspace/debug-agent/internal/logstream"
	"github.com/workspace/debug-agent/internal/persistence"
	"github.com/workspace/debug-agent/internal/server"
	"github.com/workspace/debug-agent/internal/session"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "debug-agent",
		Short:         "HTTP debugging API for a device-attached native app",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd)
		},
	}

	flags := cmd.Flags()
	flags.String("program", "", "host-side copy of the debugged binary")
	flags.String("host", "", "HTTP listen host")
	flags.Int("port", 0, "HTTP listen port")
	flags.Int("debugserver-port", 0, "local port carrying debugserver traffic")
	flags.String("device", "", "device identifier")
	flags.String("bundle-id", "", "app bundle identifier")
	flags.Bool("manage-bridge", false, "spawn and supervise the device bridge")
	flags.String("bridge-bin", "", "device bridge binary")
	flags.Bool("strict-debug-info", false, "refuse to start without line debug info")
	return cmd
}

func run(cmd *cobra.Command) error {
	logging.Setup()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if !backend.HasLineDebugInfo(cfg.Program) {
		if cfg.StrictDebugInfo {
			return fmt.Errorf("program %s has no line debug info; breakpoints would never resolve", cfg.Program)
		}
		slog.Warn("program has no line debug info, source-level debugging will be degraded", "program", cfg.Program)
	}

	be, err := backend.NewFromProgramWithAdapter(cfg.Program, cfg.AdapterPath)
	if err != nil {
		return err
	}
	sess := session.New(be)

	hub := loghub.New()
	defer hub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bridgeCtrl *bridge.Controller
	if cfg.ManageBridge {
		bridgeCtrl, err = bridge.NewController(bridge.Options{
			Bin:        cfg.BridgeBin,
			Device:     cfg.Device,
			BundleID:   cfg.BundleID,
			ListenPort: cfg.DebugserverPort,
			InstallApp: cfg.InstallApp,
			StateFile:  cfg.StateFile,
		}, hub)
		if err != nil {
			return err
		}
		defer bridgeCtrl.Stop()
	} else {
		// Direct mode: something else runs debugserver on the port. A failed
		// attach degrades the queries but keeps the API up.
		if err := sess.Connect(cfg.DebugserverPort); err != nil {
			slog.Warn("initial debugserver attach failed", "port", cfg.DebugserverPort, "error", err)
		}
	}

	if cfg.StreamDeviceLogs {
		stream, err := logstream.New(logstream.Options{
			Bin:        "xcrun",
			Subcommand: "devicectl",
			Device:     cfg.Device,
			Predicate:  cfg.LogPredicate,
		}, hub)
		if err != nil {
			return err
		}
		if err := stream.Start(ctx); err != nil {
			slog.Warn("device log stream failed to start", "error", err)
		} else {
			defer stream.Stop()
		}
	}

	var store *persistence.Store
	if cfg.DBPath != "" {
		store, err = persistence.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open launch history: %w", err)
		}
		defer store.Close()
	}

	var validator auth.TokenValidator
	if cfg.JWKSEndpoint != "" {
		v, err := auth.NewJWTValidator(cfg.JWKSEndpoint, cfg.Device)
		if err != nil {
			return fmt.Errorf("configure auth: %w", err)
		}
		validator = v
	}

	srv := server.New(cfg, server.Deps{
		Session:   sess,
		Hub:       hub,
		Bridge:    bridgeCtrl,
		Builder:   buildrunner.New(cfg.BuildCommand),
		Store:     store,
		Validator: validator,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	}

	if err := sess.Disconnect(); err != nil {
		slog.Warn("disconnect on shutdown", "error", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Stop(shutdownCtx)
}

// loadConfig merges the environment configuration with explicit flags. Flags
// outrank everything.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	applyFlagEnv := func(flag, env string) {
		if flags.Changed(flag) {
			value, _ := flags.GetString(flag)
			os.Setenv(env, value)
		}
	}
	applyFlagEnv("program", "DEBUG_AGENT_PROGRAM")
	applyFlagEnv("host", "DEBUG_AGENT_HOST")
	applyFlagEnv("device", "DEBUG_AGENT_DEVICE")
	applyFlagEnv("bundle-id", "DEBUG_AGENT_BUNDLE_ID")
	applyFlagEnv("bridge-bin", "DEBUG_AGENT_BRIDGE_BIN")
	if flags.Changed("port") {
		v, _ := flags.GetInt("port")
		os.Setenv("DEBUG_AGENT_PORT", fmt.Sprintf("%d", v))
	}
	if flags.Changed("debugserver-port") {
		v, _ := flags.GetInt("debugserver-port")
		os.Setenv("DEBUG_AGENT_DEBUGSERVER_PORT", fmt.Sprintf("%d", v))
	}
	if flags.Changed("manage-bridge") {
		v, _ := flags.GetBool("manage-bridge")
		os.Setenv("DEBUG_AGENT_MANAGE_BRIDGE", fmt.Sprintf("%t", v))
	}
	if flags.Changed("strict-debug-info") {
		v, _ := flags.GetBool("strict-debug-info")
		os.Setenv("DEBUG_AGENT_STRICT_DEBUG_INFO", fmt.Sprintf("%t", v))
	}
	return config.Load()
}
