package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/vaultmenu/vaultmenu/internal/config"
	"github.com/vaultmenu/vaultmenu/internal/daemon"
	vmversion "github.com/vaultmenu/vaultmenu/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "vaultmenud",
		Short:         "vaultmenu daemon - caches unlocked secrets databases",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}
	rootCmd.Version = vmversion.Display(rootCmd.Use)
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	rootCmd.Flags().StringP("config", "c", "", "Path to config file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	paths := config.GetPaths()
	if file, _ := cmd.Flags().GetString("config"); file != "" {
		paths.ConfigFile = config.CanonicalPath(file)
		paths.ConfigDir = filepath.Dir(paths.ConfigFile)
	}

	closer, err := daemon.SetupLogging(paths, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	} else {
		defer closer.Close()
	}

	if err := daemon.Serve(context.Background(), paths); err != nil {
		log.Printf("Daemon error: %v", err)
		return err
	}
	log.Println("Daemon stopped")
	return nil
}
