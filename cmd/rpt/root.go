package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/devports/rpt/pkg/cli"
	"github.com/devports/rpt/pkg/logging"
)

type rootOptions struct {
	configPath string
	debug      bool
}

func (o *rootOptions) level() logging.LogLevel {
	if o.debug {
		return logging.LevelDebug
	}
	return logging.LevelWarn
}

// newApp wires the application for one command invocation.
func (o *rootOptions) newApp() (*cli.App, error) {
	return cli.NewApp(o.configPath)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "rpt",
		Short: "Discover and forward ports listening on your SSH hosts",
		Long: `rpt reads the hosts from your SSH config, asks each one which TCP ports
it is listening on, and forwards any of them to localhost with ssh -L.

Run without arguments for the interactive view.`,
		Version: version,
		// Errors are ours to report; usage on every failed scan is noise.
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.InitForCLI(opts.level(), os.Stderr)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			logPath, err := logging.InitForTUI(opts.level(), app.Paths().LogsDir)
			if err != nil {
				return err
			}
			defer logging.Close()
			logging.Info("cli", "tui started, logging to %s", logPath)
			return app.TopCmd(cmd.Context())
		},
	}
	root.SetVersionTemplate(`{{printf "rpt version %s\n" .Version}}`)

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "settings file (default ~/.config/rpt/config.yaml)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newHostsCmd(opts),
		newScanCmd(opts),
		newForwardCmd(opts),
		newStatusCmd(opts),
		newLogsCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newHostsCmd(opts *rootOptions) *cobra.Command {
	var scan bool
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "List the hosts found in the SSH config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			if scan {
				// Failures show up in the table.
				_ = app.ScanAll(cmd.Context())
			}
			return app.HostsCmd(cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&scan, "scan", false, "scan every host before listing")
	return cmd
}

func newScanCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scan [host...]",
		Short: "List listening ports on the given hosts, or on all hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.newApp()
			if err != nil {
				return err
			}
			defer app.Close()
			return app.ScanCmd(cmd.Context(), cmd.OutOrStdout(), args)
		},
	}
}

func newForwardCmd(opts *rootOptions) *cobra.Command {
	var noScan bool
	cmd := &cobra.Command{
		Use:   "forward <host> <port>",
		Short: "Forward a remote port to localhost until interrupted",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[1])
			if err != nil {
				return err
			}
			app, err := opts.newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			if !noScan {
				// The scan tells the page lookup which runtime serves the port.
				if err := app.Scan(cmd.Context(), args[0]); err != nil {
					logging.Warn("cli", "scan before forward: %v", err)
				}
			}
			return app.ForwardCmd(cmd.Context(), cmd.OutOrStdout(), args[0], port)
		},
	}
	cmd.Flags().BoolVar(&noScan, "no-scan", false, "skip the scan that runs before forwarding")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <host> <port>",
		Short: "Show details and tunnel health for one remote port",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[1])
			if err != nil {
				return err
			}
			app, err := opts.newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Scan(cmd.Context(), args[0]); err != nil {
				return err
			}
			return app.StatusCmd(cmd.OutOrStdout(), args[0], port)
		},
	}
}

func newLogsCmd(opts *rootOptions) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs <host> <port>",
		Short: "Show ssh output from the latest tunnel to a remote port",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[1])
			if err != nil {
				return err
			}
			app, err := opts.newApp()
			if err != nil {
				return err
			}
			defer app.Close()
			return app.LogsCmd(cmd.OutOrStdout(), args[0], port, lines)
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of lines to show")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of rpt",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rpt version %s\n", version)
		},
	}
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}
