package db

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Persisted runtime settings read by the server, with their defaults.
const (
	BackupDirSetting   = "backup_dir"
	RulesOffsetSetting = "rules_offset"

	DefaultBackupDir   = "backups"
	DefaultRulesOffset = 20000
)

// SettingOr returns the stored value of name, or def when the setting is
// absent or blank. Query failures are returned so a broken store is not
// mistaken for a missing setting.
func SettingOr(ctx context.Context, s Store, name, def string, log *zap.SugaredLogger) (string, error) {
	st, err := s.GetSetting(ctx, name)
	if errors.Is(err, ErrSettingNotFound) {
		log.Debugw("setting not stored, using default", "name", name, "default", def)
		return def, nil
	}
	if err != nil {
		return def, err
	}
	if strings.TrimSpace(st.Value) == "" {
		log.Debugw("setting is blank, using default", "name", name, "default", def)
		return def, nil
	}
	return st.Value, nil
}

// IntSettingOr is SettingOr for integer settings. A value that does not
// parse is treated like a missing one.
func IntSettingOr(ctx context.Context, s Store, name string, def int, log *zap.SugaredLogger) (int, error) {
	raw, err := SettingOr(ctx, s, name, strconv.Itoa(def), log)
	if err != nil {
		return def, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		log.Warnw("malformed integer setting, using default", "name", name, "value", raw, "default", def)
		return def, nil
	}
	return n, nil
}
