package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/vaultmenu/vaultmenu/internal/channel"
	"github.com/vaultmenu/vaultmenu/internal/config"
	"github.com/vaultmenu/vaultmenu/internal/launcher"
	vmversion "github.com/vaultmenu/vaultmenu/internal/version"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		// show failures were already reported on stderr
		if !errors.Is(err, launcher.ErrShowFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vaultmenu",
		Short: "Menu-driven front end for vaultmenu secrets databases",
		Long: `vaultmenu presents the entries of an encrypted secrets database through a
dmenu-compatible launcher and types or copies the selection. Unlocked
databases are cached by a per-user background daemon that retires after
cache_period_min minutes of inactivity.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// the client stays silent; the daemon redirects the logger itself
			log.SetOutput(io.Discard)
		},
		RunE: runLauncher,
	}
	rootCmd.Version = vmversion.Display(rootCmd.Use)
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to config file (default ~/.config/vaultmenu/config.yaml)")

	flags := rootCmd.Flags()
	flags.StringP("database", "d", "", "Path to the secrets database")
	flags.StringP("keyfile", "k", "", "Path to the database keyfile")
	flags.StringP("autotype", "a", "", "Override the autotype sequence for this invocation")
	flags.BoolP("clipboard", "C", false, "Copy to the clipboard instead of typing")
	flags.BoolP("totp", "t", false, "List only entries with OTP data and type the current code")
	flags.String("show", "", "Print the password of the single entry matching `query`")
	flags.Bool("no-prompt", false, "Never prompt for a password; fail instead")

	rootCmd.AddCommand(newDaemonCommand(), newVaultCommand())
	return rootCmd
}

// resolvePaths returns the per-user paths with the --config override
// applied.
func resolvePaths(cmd *cobra.Command) config.Paths {
	paths := config.GetPaths()
	if file, _ := cmd.Flags().GetString("config"); file != "" {
		paths.ConfigFile = config.CanonicalPath(file)
		paths.ConfigDir = filepath.Dir(paths.ConfigFile)
	}
	return paths
}

// bundleFromFlags folds the root command's flags into an argument bundle.
func bundleFromFlags(cmd *cobra.Command) channel.ArgBundle {
	flags := cmd.Flags()
	var b channel.ArgBundle
	b.Database, _ = flags.GetString("database")
	b.Keyfile, _ = flags.GetString("keyfile")
	b.Autotype, _ = flags.GetString("autotype")
	b.Clipboard, _ = flags.GetBool("clipboard")
	b.TOTP, _ = flags.GetBool("totp")
	b.Show, _ = flags.GetString("show")
	b.NoPrompt, _ = flags.GetBool("no-prompt")
	return b
}

func runLauncher(cmd *cobra.Command, args []string) error {
	paths := resolvePaths(cmd)
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return err
	}
	l := launcher.New(launcher.Options{
		Paths:  paths,
		Config: cfg,
		Stdout: cmd.OutOrStdout(),
		Stderr: cmd.ErrOrStderr(),
	})
	return l.Run(commandContext(cmd), bundleFromFlags(cmd))
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
