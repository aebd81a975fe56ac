package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vaultmenu/vaultmenu/internal/config"
	"github.com/vaultmenu/vaultmenu/internal/credentials"
	"github.com/vaultmenu/vaultmenu/internal/launcher"
	"github.com/vaultmenu/vaultmenu/internal/otp"
	"github.com/vaultmenu/vaultmenu/internal/vault"
	"golang.org/x/term"
)

// vaultOptions are passed to vault.Create.
var vaultOptions []vault.Option

func newVaultCommand() *cobra.Command {
	vaultCmd := &cobra.Command{
		Use:           "vault",
		Short:         "Create and edit secrets databases",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	vaultInitCmd := &cobra.Command{
		Use:           "init",
		Short:         "Create a new secrets database and add it to the config",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          vaultInit,
	}
	vaultInitCmd.Flags().StringP("database", "d", "", "Path of the database to create")
	vaultInitCmd.Flags().StringP("keyfile", "k", "", "Keyfile required in addition to the password")
	vaultInitCmd.Flags().Bool("keyring", false, "Store the password in the OS keyring")
	_ = vaultInitCmd.MarkFlagRequired("database")

	vaultAddCmd := &cobra.Command{
		Use:           "add",
		Short:         "Add an entry to a secrets database",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          vaultAdd,
	}
	vaultAddCmd.Flags().StringP("database", "d", "", "Database to edit (default: first configured)")
	vaultAddCmd.Flags().StringP("keyfile", "k", "", "Database keyfile")
	vaultAddCmd.Flags().String("title", "", "Entry title")
	vaultAddCmd.Flags().String("group", "", "Entry group, slash separated")
	vaultAddCmd.Flags().String("username", "", "Entry username")
	vaultAddCmd.Flags().String("url", "", "Entry URL")
	vaultAddCmd.Flags().String("notes", "", "Entry notes")
	vaultAddCmd.Flags().String("otp", "", "otpauth:// URL for one-time passwords")
	vaultAddCmd.Flags().String("autotype", "", "Autotype sequence for this entry")
	_ = vaultAddCmd.MarkFlagRequired("title")

	vaultCmd.AddCommand(vaultInitCmd, vaultAddCmd)
	return vaultCmd
}

// vaultInit creates a database file and records it in the configuration
func vaultInit(cmd *cobra.Command, args []string) error {
	paths := resolvePaths(cmd)
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return err
	}
	path, _ := cmd.Flags().GetString("database")
	keyfile, _ := cmd.Flags().GetString("keyfile")
	useKeyring, _ := cmd.Flags().GetBool("keyring")
	path = config.CanonicalPath(path)
	keyfile = config.CanonicalPath(keyfile)

	secrets := newSecretReader(cmd)
	password, err := secrets.read("New database password: ")
	if err != nil {
		return err
	}
	if secrets.interactive() {
		again, err := secrets.read("Repeat password: ")
		if err != nil {
			return err
		}
		if again != password {
			return errors.New("passwords do not match")
		}
	}

	v, err := vault.Create(commandContext(cmd), path, vault.Credentials{Password: password, Keyfile: keyfile}, vaultOptions...)
	if err != nil {
		return err
	}
	if err := v.Close(); err != nil {
		return err
	}

	dc := config.DatabaseConfig{Path: path, Keyfile: keyfile}
	if useKeyring {
		if err := credentials.NewResolver().Store(path, password); err != nil {
			return fmt.Errorf("store password in keyring: %w", err)
		}
		dc.Keyring = true
	}
	if _, ok := cfg.Database(path); !ok {
		if err := cfg.WithDatabase(dc).Save(); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
	return nil
}

// vaultAdd stores one new entry
func vaultAdd(cmd *cobra.Command, args []string) error {
	paths := resolvePaths(cmd)
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	path, _ := flags.GetString("database")
	keyfile, _ := flags.GetString("keyfile")

	dc, err := targetDatabase(cfg, path)
	if err != nil {
		return err
	}
	if keyfile != "" {
		dc.Keyfile = config.CanonicalPath(keyfile)
	}

	entry := vault.Entry{}
	entry.Title, _ = flags.GetString("title")
	entry.Group, _ = flags.GetString("group")
	entry.Username, _ = flags.GetString("username")
	entry.URL, _ = flags.GetString("url")
	entry.Notes, _ = flags.GetString("notes")
	entry.OTP, _ = flags.GetString("otp")
	entry.Autotype, _ = flags.GetString("autotype")
	if entry.OTP != "" {
		if _, err := otp.ParseURL(entry.OTP); err != nil {
			return fmt.Errorf("invalid --otp: %w", err)
		}
	}

	ctx := commandContext(cmd)
	secrets := newSecretReader(cmd)
	master, err := masterPassword(ctx, secrets, dc)
	if err != nil {
		return err
	}
	v, err := vault.Open(ctx, dc.Path, vault.Credentials{Password: master, Keyfile: dc.Keyfile})
	if err != nil {
		return err
	}
	defer v.Close()

	entry.Password, err = secrets.read("Entry password: ")
	if err != nil {
		return err
	}
	saved := v.Put(entry)
	if err := v.Save(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added %s to %s\n", saved.Path(), dc.Path)
	return nil
}

// targetDatabase resolves the database a vault command works on.
func targetDatabase(cfg *config.Config, path string) (config.DatabaseConfig, error) {
	if path != "" {
		path = config.CanonicalPath(path)
		if dc, ok := cfg.Database(path); ok {
			return dc, nil
		}
		return config.DatabaseConfig{Path: path}, nil
	}
	if len(cfg.Databases) == 0 {
		return config.DatabaseConfig{}, errors.New("no database given and none configured; use --database")
	}
	return cfg.Databases[0], nil
}

func masterPassword(ctx context.Context, secrets *secretReader, dc config.DatabaseConfig) (string, error) {
	if credentials.HasSource(dc) {
		return credentials.NewResolver().Password(ctx, dc)
	}
	return secrets.read("Password for " + dc.Path + ": ")
}

// secretReader reads passwords without echo when stdin is a terminal, or
// one plain line each otherwise.
type secretReader struct {
	in  *bufio.Reader
	tty *os.File
}

func newSecretReader(cmd *cobra.Command) *secretReader {
	in := cmd.InOrStdin()
	s := &secretReader{in: bufio.NewReader(in)}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		s.tty = f
	}
	return s
}

func (s *secretReader) interactive() bool {
	return s.tty != nil
}

func (s *secretReader) read(prompt string) (string, error) {
	if s.tty != nil {
		return launcher.ReadPassword(s.tty, prompt)
	}
	line, err := s.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
