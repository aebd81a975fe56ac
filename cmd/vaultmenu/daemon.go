package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/vaultmenu/vaultmenu/internal/channel"
	"github.com/vaultmenu/vaultmenu/internal/config"
	"github.com/vaultmenu/vaultmenu/internal/daemon"
	"github.com/vaultmenu/vaultmenu/internal/launcher"
	"github.com/vaultmenu/vaultmenu/internal/ledger"
	"github.com/vaultmenu/vaultmenu/internal/procutil"
	"github.com/vaultmenu/vaultmenu/internal/registry"
)

const statusTimeout = 5 * time.Second

func newDaemonCommand() *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:           "daemon",
		Short:         "Daemon management commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	daemonRunCmd := &cobra.Command{
		Use:           "run",
		Short:         "Run the daemon in the foreground",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          daemonRun,
	}
	daemonRunCmd.Flags().Bool("stderr", false, "Also write the log to stderr")

	daemonStatusCmd := &cobra.Command{
		Use:           "status",
		Short:         "Get daemon status",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          daemonStatus,
	}

	daemonStopCmd := &cobra.Command{
		Use:           "stop",
		Short:         "Stop the daemon",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          daemonStop,
	}

	daemonCmd.AddCommand(daemonRunCmd, daemonStatusCmd, daemonStopCmd)
	return daemonCmd
}

// daemonRun runs the daemon until it retires
func daemonRun(cmd *cobra.Command, args []string) error {
	paths := resolvePaths(cmd)
	alsoStderr, _ := cmd.Flags().GetBool("stderr")
	if closer, err := daemon.SetupLogging(paths, alsoStderr); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Failed to initialise logging: %v\n", err)
	} else {
		defer closer.Close()
	}
	return daemon.Serve(commandContext(cmd), paths)
}

// daemonStatus reports whether a daemon answers on the ledger port and
// which databases it holds open
func daemonStatus(cmd *cobra.Command, args []string) error {
	paths := resolvePaths(cmd)
	out := cmd.OutOrStdout()

	rec, err := ledger.New(paths).Ensure()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(commandContext(cmd), statusTimeout)
	defer cancel()

	res := registry.Probe(ctx, rec.Addr(), rec.Key)
	fmt.Fprintln(out, "Daemon Status:")
	fmt.Fprintf(out, "  State: %s\n", res.State)
	fmt.Fprintf(out, "  Address: %s\n", rec.Addr())
	if pid, err := procutil.ReadPIDFile(paths.PIDFile); err == nil {
		fmt.Fprintf(out, "  PID: %d\n", pid)
	}
	switch res.State {
	case registry.Faulted:
		return fmt.Errorf("probe daemon: %w", res.Err)
	case registry.Unreachable:
		return nil
	}

	client, err := registry.Dial(rec.Addr(), rec.Key)
	if err != nil {
		return err
	}
	defer client.Close()
	return printDatabases(ctx, out, client)
}

func printDatabases(ctx context.Context, out io.Writer, client *registry.Client) error {
	current, err := client.CurrentDatabasePath(ctx)
	if err != nil {
		return fmt.Errorf("read current database: %w", err)
	}
	open, err := client.OpenDatabasePaths(ctx)
	if err != nil {
		return fmt.Errorf("read open databases: %w", err)
	}
	passwordable, err := client.ConfigPasswordablePaths(ctx)
	if err != nil {
		return fmt.Errorf("read passwordable databases: %w", err)
	}
	fmt.Fprintf(out, "  Current database: %s\n", orNone(current))
	fmt.Fprintf(out, "  Open databases: %s\n", orNone(strings.Join(open, ", ")))
	fmt.Fprintf(out, "  Passwordable databases: %s\n", orNone(strings.Join(passwordable, ", ")))
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// daemonStop sends a kill request through the argument channel, falling
// back to the pid file when the registry does not answer
func daemonStop(cmd *cobra.Command, args []string) error {
	paths := resolvePaths(cmd)
	out := cmd.OutOrStdout()

	rec, err := ledger.New(paths).Ensure()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(commandContext(cmd), statusTimeout)
	defer cancel()

	switch res := registry.Probe(ctx, rec.Addr(), rec.Key); res.State {
	case registry.Unreachable:
		fmt.Fprintln(out, "Daemon is not running")
		return nil
	case registry.Faulted:
		if err := procutil.TerminatePIDFile(paths.PIDFile); err != nil {
			return fmt.Errorf("stop daemon via pid file: %w (probe: %v)", err, res.Err)
		}
		fmt.Fprintln(out, "Daemon terminated via pid file")
		return nil
	}

	l := launcher.New(launcher.Options{
		Paths:  paths,
		Config: config.Default(),
		Stdout: out,
		Stderr: cmd.ErrOrStderr(),
	})
	if err := l.Run(ctx, channel.ArgBundle{Kill: true}); err != nil {
		return err
	}
	fmt.Fprintln(out, "Shutdown request sent to daemon")
	return nil
}
