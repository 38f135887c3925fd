package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spiked/config"
	"spiked/model"
	"spiked/seeds"
)

// testBinds returns separate rules and settings stores under a temp dir.
func testBinds(t *testing.T) []config.Bind {
	dir := t.TempDir()
	return []config.Bind{
		{Name: model.RulesBind, Path: filepath.Join(dir, "rules.db")},
		{Name: model.SettingsBind, Path: filepath.Join(dir, "settings.db")},
	}
}

// setupTestStore opens a fresh store with its schema created.
func setupTestStore(t *testing.T, binds []config.Bind) *SQLStore {
	store, err := Open(binds, zap.NewNop().Sugar(), OpenOptions{Create: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() }) //nolint:errcheck
	require.NoError(t, store.CreateSchema(context.Background()))
	return store
}

func testRun() RunInfo {
	return RunInfo{ID: "run-1", Started: time.Unix(1700000000, 0)}
}

func TestOpen(t *testing.T) {
	t.Run("missing store file without create", func(t *testing.T) {
		_, err := Open(testBinds(t), zap.NewNop().Sugar(), OpenOptions{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrStoreMissing))
	})

	t.Run("creates missing parent directory", func(t *testing.T) {
		dir := t.TempDir()
		binds := []config.Bind{{Name: model.RulesBind, Path: filepath.Join(dir, "nested", "spike.db")}}
		store, err := Open(binds, zap.NewNop().Sugar(), OpenOptions{Create: true})
		require.NoError(t, err)
		defer store.Close() //nolint:errcheck
		require.NoError(t, store.Ping(context.Background()))
	})

	t.Run("requires a rules bind", func(t *testing.T) {
		binds := []config.Bind{{Name: model.SettingsBind, Path: filepath.Join(t.TempDir(), "s.db")}}
		_, err := Open(binds, zap.NewNop().Sugar(), OpenOptions{Create: true})
		assert.True(t, errors.Is(err, ErrMissingBind))
	})

	t.Run("settings fall back to rules bind", func(t *testing.T) {
		binds := []config.Bind{{Name: model.RulesBind, Path: filepath.Join(t.TempDir(), "spike.db")}}
		store := setupTestStore(t, binds)
		assert.Len(t, store.unique, 1)
		assert.Same(t, store.dbs[model.RulesBind], store.dbs[model.SettingsBind])
	})

	t.Run("binds sharing a file share a connection", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "spike.db")
		binds := []config.Bind{
			{Name: model.RulesBind, Path: path},
			{Name: model.SettingsBind, Path: path},
		}
		store := setupTestStore(t, binds)
		assert.Len(t, store.unique, 1)
	})
}

func TestSeedStore(t *testing.T) {
	ctx := context.Background()
	catalog, err := seeds.Default()
	require.NoError(t, err)
	store := setupTestStore(t, testBinds(t))
	run := testRun()

	res, err := SeedStore(ctx, store, catalog, run, zap.NewNop().Sugar())
	require.NoError(t, err)

	t.Run("writes one row per template value", func(t *testing.T) {
		templates, err := store.ListValueTemplates(ctx)
		require.NoError(t, err)
		assert.Len(t, templates, catalog.TemplateValueCount())
		assert.Equal(t, catalog.TemplateValueCount(), res.Templates)
	})

	t.Run("rulesets carry remarks and timestamps", func(t *testing.T) {
		rulesets, err := store.ListRuleSets(ctx)
		require.NoError(t, err)
		require.Len(t, rulesets, len(catalog.Rulesets))
		for i, rs := range rulesets {
			assert.Equal(t, catalog.Rulesets[i].Name, rs.Name)
			assert.Equal(t, catalog.Rulesets[i].File, rs.File)
			assert.Equal(t, RulesetRemarks(rs.Name, run.Started), rs.Remarks)
			assert.Equal(t, run.Started.Unix(), rs.Timestamp)
			assert.Equal(t, run.Started.Unix(), rs.Updated)
		}
	})

	t.Run("writes catalog settings", func(t *testing.T) {
		settings, err := store.ListSettings(ctx)
		require.NoError(t, err)
		assert.Len(t, settings, len(catalog.Settings))
		st, err := store.GetSetting(ctx, BackupDirSetting)
		require.NoError(t, err)
		assert.Equal(t, "backups", st.Value)
	})

	t.Run("records an init audit event", func(t *testing.T) {
		events, err := store.ListAuditLogs(ctx)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, model.InitAction, events[0].Action)
		assert.Contains(t, events[0].Metadata, `"run_id":"run-1"`)
	})
}

func TestSeedStoreRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, testBinds(t))
	// Duplicate ruleset files violate the unique index on the second insert.
	catalog := &seeds.Catalog{
		Templates: []seeds.TemplateSeed{{Name: "$IPADDR", Values: []string{"127.0.0.1"}}},
		Rulesets: []seeds.RulesetSeed{
			{Name: "A", File: "same.rules"},
			{Name: "B", File: "same.rules"},
		},
		Settings: []seeds.SettingSeed{{Name: "backup_dir", Value: "backups"}},
	}

	_, err := SeedStore(ctx, store, catalog, testRun(), zap.NewNop().Sugar())
	require.Error(t, err)

	templates, err := store.ListValueTemplates(ctx)
	require.NoError(t, err)
	assert.Empty(t, templates)
	rulesets, err := store.ListRuleSets(ctx)
	require.NoError(t, err)
	assert.Empty(t, rulesets)
}

func TestTransactionSpansBinds(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, testBinds(t))
	boom := errors.New("boom")

	err := store.Transaction(ctx, func(tx *Tx) error {
		if err := tx.Create(&model.Setting{Name: "a", Value: "1"}); err != nil {
			return err
		}
		if err := tx.Create(&model.ValueTemplate{Name: "$A", Value: "1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	settings, err := store.ListSettings(ctx)
	require.NoError(t, err)
	assert.Empty(t, settings)
	templates, err := store.ListValueTemplates(ctx)
	require.NoError(t, err)
	assert.Empty(t, templates)

	require.NoError(t, store.Transaction(ctx, func(tx *Tx) error {
		if err := tx.Create(&model.Setting{Name: "a", Value: "1"}); err != nil {
			return err
		}
		return tx.Create(&model.ValueTemplate{Name: "$A", Value: "1"})
	}))
	settings, err = store.ListSettings(ctx)
	require.NoError(t, err)
	assert.Len(t, settings, 1)
	templates, err = store.ListValueTemplates(ctx)
	require.NoError(t, err)
	assert.Len(t, templates, 1)
}

func TestReconcileSettings(t *testing.T) {
	ctx := context.Background()
	catalog, err := seeds.Default()
	require.NoError(t, err)
	store := setupTestStore(t, testBinds(t))

	require.NoError(t, store.Transaction(ctx, func(tx *Tx) error {
		return tx.Create(&model.Setting{Name: BackupDirSetting, Value: "custom"})
	}))

	t.Run("adds missing settings and keeps existing values", func(t *testing.T) {
		res, err := ReconcileSettings(ctx, store, catalog, testRun(), zap.NewNop().Sugar())
		require.NoError(t, err)
		assert.Equal(t, []string{BackupDirSetting}, res.Known)
		assert.Len(t, res.Added, len(catalog.Settings)-1)

		st, err := store.GetSetting(ctx, BackupDirSetting)
		require.NoError(t, err)
		assert.Equal(t, "custom", st.Value)
	})

	t.Run("second run adds nothing", func(t *testing.T) {
		before, err := store.ListSettings(ctx)
		require.NoError(t, err)

		res, err := ReconcileSettings(ctx, store, catalog, testRun(), zap.NewNop().Sugar())
		require.NoError(t, err)
		assert.Empty(t, res.Added)
		assert.Len(t, res.Known, len(catalog.Settings))

		after, err := store.ListSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("does not touch templates or rulesets", func(t *testing.T) {
		templates, err := store.ListValueTemplates(ctx)
		require.NoError(t, err)
		assert.Empty(t, templates)
		rulesets, err := store.ListRuleSets(ctx)
		require.NoError(t, err)
		assert.Empty(t, rulesets)
	})

	t.Run("audits every run", func(t *testing.T) {
		events, err := store.ListAuditLogs(ctx)
		require.NoError(t, err)
		require.Len(t, events, 2)
		for _, e := range events {
			assert.Equal(t, model.UpdateAction, e.Action)
		}
	})
}

func TestGetSetting(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, testBinds(t))

	_, err := store.GetSetting(ctx, "nope")
	assert.True(t, errors.Is(err, ErrSettingNotFound))
}

func TestRulesetRemarks(t *testing.T) {
	created := time.Date(2024, 3, 9, 7, 5, 0, 0, time.Local)
	assert.Equal(t, "Ruleset for SCANNER / auto-created 2024-03-09 - 07:05", RulesetRemarks("SCANNER", created))
}
