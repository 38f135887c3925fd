package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"spiked/config"
	"spiked/model"
)

// OpenOptions controls how Open treats store files.
type OpenOptions struct {
	// Create allows Open to create missing store files and their directories.
	// Without it a missing file is ErrStoreMissing.
	Create bool
	Debug  bool
}

// SQLStore is a set of SQLite databases, one per store binding. Bindings
// that point at the same file share a connection.
type SQLStore struct {
	dbs    map[string]*gorm.DB
	unique []*gorm.DB
}

// NewSQLStore wraps already opened connections keyed by bind name.
// The settings bind falls back to the rules bind when absent.
func NewSQLStore(dbs map[string]*gorm.DB) (*SQLStore, error) {
	rules, ok := dbs[model.RulesBind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingBind, model.RulesBind)
	}
	names := make([]string, 0, len(dbs))
	for name := range dbs {
		names = append(names, name)
	}
	sort.Strings(names)

	s := &SQLStore{dbs: make(map[string]*gorm.DB, len(dbs)+1)}
	seen := map[*gorm.DB]bool{}
	for _, name := range names {
		conn := dbs[name]
		s.dbs[name] = conn
		if !seen[conn] {
			seen[conn] = true
			s.unique = append(s.unique, conn)
		}
	}
	if _, ok := s.dbs[model.SettingsBind]; !ok {
		s.dbs[model.SettingsBind] = rules
	}
	return s, nil
}

// Open connects to every configured binding.
func Open(binds []config.Bind, log *zap.SugaredLogger, opts OpenOptions) (*SQLStore, error) {
	gormLog := newGormLogger(log, opts.Debug)
	byDSN := map[string]*gorm.DB{}
	dbs := map[string]*gorm.DB{}
	closeAll := func() {
		for _, conn := range byDSN {
			if sqlDB, err := conn.DB(); err == nil {
				sqlDB.Close() //nolint:errcheck
			}
		}
	}

	for _, b := range binds {
		dsn := b.DSN()
		if conn, ok := byDSN[dsn]; ok {
			dbs[b.Name] = conn
			continue
		}
		if !b.InMemory {
			if err := ensureStoreFile(b, opts.Create); err != nil {
				closeAll()
				return nil, err
			}
		}
		conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormLog})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to open store %q (%s): %w", b.Name, dsn, err)
		}
		byDSN[dsn] = conn
		dbs[b.Name] = conn
		log.Debugw("opened store", "bind", b.Name, "dsn", dsn)
	}

	s, err := NewSQLStore(dbs)
	if err != nil {
		closeAll()
		return nil, err
	}
	return s, nil
}

func ensureStoreFile(b config.Bind, create bool) error {
	_, err := os.Stat(b.Path)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("stat store %q: %w", b.Name, err)
	case !create:
		return fmt.Errorf("%w: %s (%s)", ErrStoreMissing, b.Name, b.Path)
	}
	return os.MkdirAll(filepath.Dir(b.Path), 0o755)
}

func newGormLogger(log *zap.SugaredLogger, debug bool) logger.Interface {
	level := logger.Silent
	if debug {
		level = logger.Info
	}
	return logger.New(
		zap.NewStdLog(log.Desugar()),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
			Colorful:                  false,
		},
	)
}

func (s *SQLStore) db(m any) *gorm.DB {
	return s.dbs[model.BindOf(m)]
}

// Ping verifies every underlying database connection is healthy.
func (s *SQLStore) Ping(ctx context.Context) error {
	if s == nil || len(s.unique) == 0 {
		return fmt.Errorf("sql store is not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for _, conn := range s.unique {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return err
		}
	}
	return nil
}

// CreateSchema creates missing tables and columns. It never drops data, so
// update runs it against live stores as well.
func (s *SQLStore) CreateSchema(ctx context.Context) error {
	for _, m := range model.Models() {
		if err := s.db(m).WithContext(ctx).AutoMigrate(m); err != nil {
			return fmt.Errorf("auto-migration of %T failed: %w", m, err)
		}
	}
	return nil
}

// Transaction runs fn with a transaction open on every distinct database.
// Nothing is committed unless fn returns nil; commits then run in bind order.
func (s *SQLStore) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	tx := &Tx{dbs: make(map[string]*gorm.DB, len(s.dbs))}
	begun := map[*gorm.DB]*gorm.DB{}
	var opened []*gorm.DB
	rollback := func(txs []*gorm.DB) {
		for _, t := range txs {
			t.Rollback()
		}
	}

	for _, conn := range s.unique {
		t := conn.WithContext(ctx).Begin()
		if t.Error != nil {
			rollback(opened)
			return fmt.Errorf("begin transaction: %w", t.Error)
		}
		begun[conn] = t
		opened = append(opened, t)
	}
	for name, conn := range s.dbs {
		tx.dbs[name] = begun[conn]
	}

	if err := fn(tx); err != nil {
		rollback(opened)
		return err
	}
	for i, t := range opened {
		if err := t.Commit().Error; err != nil {
			rollback(opened[i+1:])
			return fmt.Errorf("commit transaction: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) GetSetting(ctx context.Context, name string) (*model.Setting, error) {
	var st model.Setting
	err := s.db(&st).WithContext(ctx).Where("name = ?", name).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSettingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *SQLStore) ListSettings(ctx context.Context) ([]model.Setting, error) {
	var settings []model.Setting
	if err := s.db(&model.Setting{}).WithContext(ctx).Order("name").Find(&settings).Error; err != nil {
		return nil, err
	}
	return settings, nil
}

func (s *SQLStore) ListRuleSets(ctx context.Context) ([]model.RuleSet, error) {
	var rulesets []model.RuleSet
	if err := s.db(&model.RuleSet{}).WithContext(ctx).Order("id").Find(&rulesets).Error; err != nil {
		return nil, err
	}
	return rulesets, nil
}

func (s *SQLStore) ListValueTemplates(ctx context.Context) ([]model.ValueTemplate, error) {
	var templates []model.ValueTemplate
	if err := s.db(&model.ValueTemplate{}).WithContext(ctx).Order("id").Find(&templates).Error; err != nil {
		return nil, err
	}
	return templates, nil
}

func (s *SQLStore) ListAuditLogs(ctx context.Context) ([]model.AuditLog, error) {
	var events []model.AuditLog
	if err := s.db(&model.AuditLog{}).WithContext(ctx).Order("id").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// Close releases every connection.
func (s *SQLStore) Close() error {
	var errs []error
	for _, conn := range s.unique {
		sqlDB, err := conn.DB()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := sqlDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Tx stages writes inside SQLStore.Transaction.
type Tx struct {
	dbs map[string]*gorm.DB
}

func (t *Tx) db(m any) *gorm.DB {
	return t.dbs[model.BindOf(m)]
}

// Create stages an insert of v in the bind its model lives in.
func (t *Tx) Create(v any) error {
	return t.db(v).Create(v).Error
}

// SettingExists reports whether a setting named name is already stored.
func (t *Tx) SettingExists(name string) (bool, error) {
	var count int64
	err := t.db(&model.Setting{}).
		Model(&model.Setting{}).
		Where("name = ?", name).
		Count(&count).Error
	return count > 0, err
}

// LogAuditEvent stages an audit row; Message defaults to Action.
func (t *Tx) LogAuditEvent(event model.AuditLog) error {
	if event.Message == "" {
		event.Message = event.Action
	}
	return t.Create(&event)
}
