package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := buildRoot()
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every verb.
type GlobalFlags struct {
	ConfigPath string
	Verbose    bool
}

// buildRoot creates the root command and wires up all verbs.
func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	ctl := command{flags: flags}

	root := &cobra.Command{
		Use:   "axonctl",
		Short: "Build and run the local Axon/Cortex development stack",
		Long: `Axonctl builds the axon and cortex services plus the dashboard bundle,
launches them as detached processes, and tracks them via pid marker
files under the output directory. It is invocation-scoped: no daemon,
no supervision.

Examples:
  axonctl build                # build everything (restarts running services)
  axonctl start                # start both services, build dashboard if absent
  axonctl status               # what is running, is the bundle present
  axonctl logs cortex          # follow the cortex log`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		createBuildCommand(ctl),
		createStartCommand(ctl),
		createStopCommand(ctl),
		createRestartCommand(ctl),
		createStatusCommand(ctl),
		createLogsCommand(ctl),
		createRebuildDashboardCommand(ctl),
		createCleanCommand(ctl),
		createHistoryCommand(ctl),
	)
	return root
}

func createBuildCommand(ctl command) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Build all artifacts, restarting services that were running",
		Long: `Build the axon and cortex binaries and the dashboard bundle, then
install them into the output directory. If services are running they are
stopped first and started again after a successful build; a failed build
leaves the stack down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctl.Build(cmd.Context())
		},
	}
}

func createStartCommand(ctl command) *cobra.Command {
	return &cobra.Command{
		Use:   "start [axon|cortex|all]",
		Short: "Launch service(s) and wait for readiness",
		Long: `Launch the named service (default all) as a detached process and poll
its health endpoint. Services that are already running are skipped; use
restart to force a fresh spawn. A service that misses its probe budget
is reported as a warning, not a failure.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctl.Start(cmd.Context(), serviceArg(args))
		},
	}
}

func createStopCommand(ctl command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop all tracked services and sweep orphans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctl.Stop(cmd.Context())
		},
	}
}

func createRestartCommand(ctl command) *cobra.Command {
	return &cobra.Command{
		Use:   "restart [axon|cortex|all]",
		Short: "Stop service(s), pause, start again",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctl.Restart(cmd.Context(), serviceArg(args))
		},
	}
}

func createStatusCommand(ctl command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report per-service liveness and bundle presence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctl.Status(cmd.OutOrStdout())
		},
	}
}

func createLogsCommand(ctl command) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <axon|cortex>",
		Short: "Stream a service's combined log",
		Long: `Print the service log and keep following appended output until
interrupted. Interrupting affects only the log reader, never the
service. Errors if the service has never written a log.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctl.Logs(cmd.Context(), args[0], cmd.OutOrStdout())
		},
	}
}

func createRebuildDashboardCommand(ctl command) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-dashboard",
		Short: "Rebuild only the dashboard bundle",
		Long:  `Rebuild the frontend bundle and replace the installed copy wholesale. Running backend services are not touched.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctl.RebuildDashboard(cmd.Context())
		},
	}
}

func createCleanCommand(ctl command) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Stop everything and remove build outputs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctl.Clean(cmd.Context())
		},
	}
}

func createHistoryCommand(ctl command) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent lifecycle events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctl.History(cmd.Context(), limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of events to show")
	return cmd
}

func serviceArg(args []string) string {
	if len(args) == 0 {
		return "all"
	}
	return args[0]
}
