package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"spiked/bootstrap"
	"spiked/seeds"
)

const (
	envPrefix                  = "SPIKED"
	googleWorkspaceCredentials = "WORKSPACE_CREDENTIALS_FILE" //nolint:gosec

	configFlag       = "config"
	catalogFlag      = "catalog"
	catalogSheetFlag = "catalog-sheet"

	exitSuccess = 0
	exitFatal   = 1
	exitUsage   = 2
)

var errNoCommand = errors.New("a command is required: run, init or update")

// fatalError marks failures of the operation itself, as opposed to
// command-line misuse.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var fe *fatalError
	if errors.As(err, &fe) {
		return exitFatal
	}
	return exitUsage
}

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(afero.NewOsFs())
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "spiked:", err)
	}
	return exitCode(err)
}

func newRootCmd(fs afero.Fs) *cobra.Command {
	var debug, force bool
	var maxBackups int

	rootCmd := &cobra.Command{
		Use:           "spiked",
		Short:         "Initialize, update and run the Spike naxsi ruleset server",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(cmd.ErrOrStderr(), cmd.UsageString())
			return errNoCommand
		},
	}
	rootCmd.PersistentFlags().String(configFlag, "", "Path to config.cfg (default: next to the executable)")
	rootCmd.PersistentFlags().String(catalogFlag, "", "Seed catalog YAML file (default: built-in catalog)")
	rootCmd.PersistentFlags().String(catalogSheetFlag, "", "Google Sheets spreadsheet ID holding the seed catalog")
	for _, name := range []string{configFlag, catalogFlag, catalogSheetFlag} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(err)
		}
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Serve using the settings stored by init",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(cmd.Context(), fs, debug, false)
			if err != nil {
				return fatal(err)
			}
			defer env.Log.Sync() //nolint:errcheck
			return fatal(bootstrap.Run(cmd.Context(), env, bootstrap.RunOptions{}))
		},
	}
	runCmd.Flags().BoolVarP(&debug, "debug", "d", false, "Run server in debug mode")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Back up existing stores, create and seed a fresh store, provision SECRET_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(cmd.Context(), fs, false, true)
			if err != nil {
				return fatal(err)
			}
			defer env.Log.Sync() //nolint:errcheck
			_, err = bootstrap.Init(cmd.Context(), env, bootstrap.InitOptions{Force: force, MaxBackups: maxBackups})
			return fatal(err)
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Re-initialize a deployment that already has a SECRET_KEY")
	initCmd.Flags().IntVar(&maxBackups, "max-backups", 0, "Maximum number of backups to retain per store (0 keeps all)")

	updateCmd := &cobra.Command{
		Use:   "update",
		Short: "Fetch the latest release and add missing settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(cmd.Context(), fs, false, true)
			if err != nil {
				return fatal(err)
			}
			defer env.Log.Sync() //nolint:errcheck
			_, err = bootstrap.Update(cmd.Context(), env)
			return fatal(err)
		},
	}

	rootCmd.AddCommand(runCmd, initCmd, updateCmd)

	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv() // binds environment variables to viper config

	return rootCmd
}

func newEnv(ctx context.Context, fs afero.Fs, debug, withCatalog bool) (*bootstrap.Env, error) {
	log, err := newLogger(debug)
	if err != nil {
		return nil, err
	}
	env := &bootstrap.Env{
		ConfigPath: viper.GetString(configFlag),
		Fs:         fs,
		Log:        log,
		Debug:      debug,
	}
	if withCatalog {
		catalog, err := loadCatalog(ctx, fs)
		if err != nil {
			return nil, err
		}
		env.Catalog = catalog
	}
	return env, nil
}

func newLogger(debug bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return l.Sugar(), nil
}

func loadCatalog(ctx context.Context, fs afero.Fs) (*seeds.Catalog, error) {
	if sheet := viper.GetString(catalogSheetFlag); sheet != "" {
		credentialsPath := viper.GetString(googleWorkspaceCredentials)
		if credentialsPath == "" {
			// AutomaticEnv only sees the SPIKED_ prefixed name.
			credentialsPath = os.Getenv(googleWorkspaceCredentials)
		}
		if credentialsPath == "" {
			return nil, fmt.Errorf("environment variable %s is not set", googleWorkspaceCredentials)
		}
		getter, err := seeds.NewSheetsGetter(ctx, credentialsPath)
		if err != nil {
			return nil, err
		}
		return seeds.LoadSheet(ctx, getter, sheet)
	}
	if path := viper.GetString(catalogFlag); path != "" {
		return seeds.LoadFile(fs, path)
	}
	return seeds.Default()
}
