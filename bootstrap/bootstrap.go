// Package bootstrap sequences the three spiked operations: run, init and
// update. Every operation receives an explicit Env; nothing is global.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"spiked/config"
	"spiked/db"
	"spiked/seeds"
	"spiked/server"
	"spiked/updater"
)

var (
	ErrConfigResolution = errors.New("config resolution failed")
	ErrStoreConnection  = errors.New("store connection failed")
	ErrBackupRotation   = errors.New("backup rotation failed")
	ErrSeedTransaction  = errors.New("seed transaction failed")
	ErrSecretExists     = errors.New("config already holds a SECRET_KEY; rerun init with --force to replace the deployment")
	ErrSecretProvision  = errors.New("secret provisioning failed")
	ErrArtifactUpdate   = errors.New("artifact update failed")
	ErrReconcile        = errors.New("settings reconciliation failed")
)

// Env carries the collaborators of one bootstrap operation.
type Env struct {
	// ConfigPath overrides the config.cfg found next to the executable.
	ConfigPath string
	Fs         afero.Fs
	Log        *zap.SugaredLogger
	// Catalog defaults to the built-in seed catalog.
	Catalog *seeds.Catalog
	// Updater overrides the updater selected by UPDATE_SOURCE.
	Updater updater.Updater
	Now     func() time.Time
	Debug   bool
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Env) catalog() (*seeds.Catalog, error) {
	if e.Catalog != nil {
		return e.Catalog, nil
	}
	return seeds.Default()
}

func (e *Env) newRun() db.RunInfo {
	return db.RunInfo{ID: uuid.NewString(), Started: e.now()}
}

func (e *Env) loadConfig() (*config.Config, error) {
	path := e.ConfigPath
	if path == "" {
		p, err := config.LocateFromExecutable()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfigResolution, err)
		}
		path = p
	}
	e.Log.Infow("locating config", "path", path)
	cfg, err := config.Load(e.Fs, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigResolution, err)
	}
	return cfg, nil
}

func (e *Env) openStore(ctx context.Context, cfg *config.Config, create bool) (*db.SQLStore, error) {
	store, err := db.Open(cfg.Binds, e.Log, db.OpenOptions{Create: create, Debug: e.Debug})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreConnection, err)
	}
	if err := store.Ping(ctx); err != nil {
		store.Close() //nolint:errcheck
		return nil, fmt.Errorf("%w: %w", ErrStoreConnection, err)
	}
	return store, nil
}

// ServeFunc starts the runtime server; Run uses (*server.Server).Run unless
// RunOptions.Serve is set.
type ServeFunc func(ctx context.Context, srv *server.Server) error

type RunOptions struct {
	Serve ServeFunc
}

// Run resolves the runtime settings and serves until ctx is cancelled.
func Run(ctx context.Context, env *Env, opts RunOptions) error {
	cfg, err := env.loadConfig()
	if err != nil {
		return err
	}
	store, err := env.openStore(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	settings, err := resolveSettings(ctx, env, cfg, store)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreConnection, err)
	}

	srv := &server.Server{Store: store, Settings: settings, Log: env.Log}
	serve := opts.Serve
	if serve == nil {
		serve = func(ctx context.Context, srv *server.Server) error { return srv.Run(ctx) }
	}
	return serve(ctx, srv)
}

func resolveSettings(ctx context.Context, env *Env, cfg *config.Config, store db.Store) (server.Settings, error) {
	port, ok := cfg.Port()
	if !ok {
		env.Log.Infow("APP_PORT missing or malformed, using default", "port", port)
	}
	backupDir, err := db.SettingOr(ctx, store, db.BackupDirSetting, db.DefaultBackupDir, env.Log)
	if err != nil {
		return server.Settings{}, err
	}
	offset, err := db.IntSettingOr(ctx, store, db.RulesOffsetSetting, db.DefaultRulesOffset, env.Log)
	if err != nil {
		return server.Settings{}, err
	}
	return server.Settings{
		Host:          cfg.Host(),
		Port:          port,
		BackupDir:     backupDir,
		RulesOffset:   offset,
		RulesetHeader: cfg.RulesetHeader(),
		Debug:         env.Debug,
	}, nil
}

type InitOptions struct {
	// Force allows init on a deployment that already has a SECRET_KEY.
	Force      bool
	MaxBackups int
}

type InitResult struct {
	Run     db.RunInfo
	Backups []db.Backup
	Seeded  db.SeedResult
}

// Init rotates existing stores into backups, creates a fresh schema, seeds
// it and, only after the seed commit, appends a new SECRET_KEY.
func Init(ctx context.Context, env *Env, opts InitOptions) (*InitResult, error) {
	run := env.newRun()
	log := env.Log.With("run_id", run.ID)
	log.Infow("initializing spike", "timestamp", run.Started.Unix())

	cfg, err := env.loadConfig()
	if err != nil {
		return nil, err
	}
	catalog, err := env.catalog()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSeedTransaction, err)
	}

	hasSecret, err := config.HasSecret(env.Fs, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigResolution, err)
	}
	if hasSecret && !opts.Force {
		return nil, ErrSecretExists
	}

	backupDir := cfg.BackupDir()
	if backupDir == "" {
		backupDir = cfg.Resolve(db.DefaultBackupDir)
	}
	rotator := &db.BackupRotator{Fs: env.Fs, Dir: backupDir, MaxBackups: opts.MaxBackups, Log: log}
	backups, err := rotator.Rotate(cfg.Binds, run.Started.Unix())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackupRotation, err)
	}

	store, err := env.openStore(ctx, cfg, true)
	if err != nil {
		return nil, err
	}
	defer store.Close() //nolint:errcheck

	if err := store.CreateSchema(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreConnection, err)
	}

	seeded, err := db.SeedStore(ctx, store, catalog, run, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSeedTransaction, err)
	}

	log.Infow("provisioning secret key", "config", cfg.Path)
	if err := config.NewSecretProvisioner(env.Fs).Provision(cfg.Path); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSecretProvision, err)
	}

	log.Infow("spike initialization completed",
		"backups", len(backups),
		"templates", seeded.Templates,
		"rulesets", seeded.Rulesets,
		"settings", seeded.Settings)
	return &InitResult{Run: run, Backups: backups, Seeded: seeded}, nil
}

type UpdateResult struct {
	Run        db.RunInfo
	Revision   updater.Revision
	Reconciled db.ReconcileResult
}

// Update fetches the latest artifact and adds catalog settings the store
// does not know yet.
func Update(ctx context.Context, env *Env) (*UpdateResult, error) {
	run := env.newRun()
	log := env.Log.With("run_id", run.ID)
	log.Infow("updating spike")

	cfg, err := env.loadConfig()
	if err != nil {
		return nil, err
	}
	catalog, err := env.catalog()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReconcile, err)
	}
	store, err := env.openStore(ctx, cfg, false)
	if err != nil {
		return nil, err
	}
	defer store.Close() //nolint:errcheck

	up := env.Updater
	if up == nil {
		up, err = updater.New(updater.Options{
			Source: cfg.UpdateSource(),
			Dir:    cfg.Dir,
			Repo:   cfg.UpdateRepo(),
			Token:  cfg.GitHubToken(),
			Log:    log,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrArtifactUpdate, err)
		}
	}
	rev, err := up.Update(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArtifactUpdate, err)
	}

	if err := store.CreateSchema(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreConnection, err)
	}
	reconciled, err := db.ReconcileSettings(ctx, store, catalog, run, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReconcile, err)
	}

	log.Infow("spike update completed",
		"revision", rev.Ref,
		"added", len(reconciled.Added),
		"known", len(reconciled.Known))
	return &UpdateResult{Run: run, Revision: rev, Reconciled: reconciled}, nil
}
