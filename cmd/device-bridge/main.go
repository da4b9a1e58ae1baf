// Command device-bridge installs and launches an app on a device, attaches
// the on-device debugserver to it, and exposes debugserver's stdio protocol
// on a local TCP port for the debug agent to connect through.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/workspace/debug-agent/internal/bridge"
	"github.com/workspace/debug-agent/internal/devicectl"
	"github.com/workspace/debug-agent/internal/logging"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type bridgeFlags struct {
	device          string
	bundleID        string
	listenPort      int
	installApp      string
	stateFile       string
	debugserverPath string
	toolBin         string
	toolSubcommand  string
}

func newRootCommand() *cobra.Command {
	var f bridgeFlags
	cmd := &cobra.Command{
		Use:           "device-bridge",
		Short:         "Launch an app suspended and tunnel its debugserver to a local TCP port",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.device, "device", "", "device identifier")
	flags.StringVar(&f.bundleID, "bundle-id", "", "app bundle identifier")
	flags.IntVar(&f.listenPort, "listen-port", 2331, "local TCP port to expose debugserver on")
	flags.StringVar(&f.installApp, "install-app", "", "optional .app bundle to install before launching")
	flags.StringVar(&f.stateFile, "state-file", "", "where to record launch state (default "+devicectl.DefaultStatePath+")")
	flags.StringVar(&f.debugserverPath, "debugserver-path", "/usr/bin/debugserver", "on-device debugserver binary")
	flags.StringVar(&f.toolBin, "tool-bin", "xcrun", "device management wrapper binary")
	flags.StringVar(&f.toolSubcommand, "tool-subcommand", "devicectl", "device management subcommand")
	_ = cmd.MarkFlagRequired("device")
	_ = cmd.MarkFlagRequired("bundle-id")
	return cmd
}

func run(ctx context.Context, f bridgeFlags) error {
	logging.Setup()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runner := &devicectl.Runner{Bin: f.toolBin, Subcommand: f.toolSubcommand}

	if f.installApp != "" {
		if err := runner.Install(ctx, f.device, f.installApp); err != nil {
			return err
		}
	}

	launch, err := runner.LaunchWaiting(ctx, f.device, f.bundleID, nil)
	if err != nil {
		return err
	}
	slog.Info("app launched suspended", "pid", launch.PID, "binary", launch.AppBinary)

	if err := devicectl.WriteState(f.stateFile, devicectl.State{
		Device:     f.device,
		BundleID:   f.bundleID,
		ListenPort: f.listenPort,
		AppBinary:  launch.AppBinary,
		PID:        launch.PID,
	}); err != nil {
		slog.Warn("state file not written", "error", err)
	}

	cmd := runner.DebugServerCommand(ctx, f.device, f.debugserverPath, launch.PID)
	tunnel := &bridge.Tunnel{Port: f.listenPort}
	return tunnel.Serve(cmd)
}
