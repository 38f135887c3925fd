package config

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `APP_HOST = 0.0.0.0
APP_PORT = 8080
STORE_BINDS.rules = sqlite:///spike.db
STORE_BINDS.settings = sqlite:////var/lib/spike/settings.db
RULESET_HEADER = generated by spike
`

func writeConfig(t *testing.T, fs afero.Fs, content string) string {
	path := "/opt/spike/config.cfg"
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg, err := Load(fs, writeConfig(t, fs, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "/opt/spike", cfg.Dir)
	assert.Equal(t, "0.0.0.0", cfg.Host())
	port, ok := cfg.Port()
	assert.True(t, ok)
	assert.Equal(t, 8080, port)
	assert.Equal(t, DefaultUpdateSource, cfg.UpdateSource())

	require.Len(t, cfg.Binds, 2)
	rules, ok := cfg.Bind("rules")
	require.True(t, ok)
	assert.Equal(t, "/opt/spike/spike.db", rules.Path)
	settings, ok := cfg.Bind("settings")
	require.True(t, ok)
	assert.Equal(t, "/var/lib/spike/settings.db", settings.Path)
}

func TestLoadDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg, err := Load(fs, writeConfig(t, fs, "STORE_BINDS.rules = sqlite:///spike.db\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultHost, cfg.Host())
	port, ok := cfg.Port()
	assert.False(t, ok)
	assert.Equal(t, DefaultPort, port)
	assert.Equal(t, "", cfg.BackupDir())
	assert.Equal(t, "/opt/spike/backups", cfg.Resolve("backups"))
}

func TestLoadBackupDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg, err := Load(fs, writeConfig(t, fs, "STORE_BINDS.rules = sqlite:///spike.db\nBACKUP_DIR = archive\n"))
	require.NoError(t, err)
	assert.Equal(t, "/opt/spike/archive", cfg.BackupDir())
}

func TestPortValidation(t *testing.T) {
	for _, raw := range []string{"abc", "0", "70000", "-1"} {
		t.Run(raw, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			cfg, err := Load(fs, writeConfig(t, fs, "STORE_BINDS.rules = sqlite:///spike.db\nAPP_PORT = "+raw+"\n"))
			require.NoError(t, err)
			port, ok := cfg.Port()
			assert.False(t, ok)
			assert.Equal(t, DefaultPort, port)
		})
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(afero.NewMemMapFs(), "/nowhere/config.cfg")
		assert.Error(t, err)
	})

	t.Run("no bindings", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		_, err := Load(fs, writeConfig(t, fs, "APP_PORT = 5555\n"))
		assert.True(t, errors.Is(err, ErrNoBinds))
	})

	t.Run("settings bind without rules bind", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		_, err := Load(fs, writeConfig(t, fs, "STORE_BINDS.settings = sqlite:///settings.db\n"))
		assert.True(t, errors.Is(err, ErrNoRulesBind))
	})
}

func TestResolveBind(t *testing.T) {
	tests := []struct {
		uri      string
		path     string
		inMemory bool
		wantErr  bool
	}{
		{uri: "sqlite:///spike.db", path: "/opt/spike/spike.db"},
		{uri: "sqlite:///data/spike.db?check_same_thread=False", path: "/opt/spike/data/spike.db"},
		{uri: "sqlite:////var/spike.db", path: "/var/spike.db"},
		{uri: "spike.db", path: "/opt/spike/spike.db"},
		{uri: "sqlite://", inMemory: true},
		{uri: ":memory:", inMemory: true},
		{uri: "postgres://localhost/spike", wantErr: true},
		{uri: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			b, err := ResolveBind("rules", tt.uri, "/opt/spike")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.inMemory, b.InMemory)
			assert.Equal(t, filepath.FromSlash(tt.path), b.Path)
		})
	}
}

func TestBindDSN(t *testing.T) {
	assert.Equal(t, "/var/spike.db", Bind{Name: "rules", Path: "/var/spike.db"}.DSN())
	assert.Equal(t, "file:rules?mode=memory&cache=shared", Bind{Name: "rules", InMemory: true}.DSN())
}

func TestLocateFromExecutable(t *testing.T) {
	orig := platform
	t.Cleanup(func() { platform = orig })

	t.Run("follows symlinks", func(t *testing.T) {
		platform.executable = func() (string, error) { return "/usr/local/bin/spiked", nil }
		platform.evalSymlinks = func(string) (string, error) { return "/opt/spike/spiked", nil }

		path, err := LocateFromExecutable()
		require.NoError(t, err)
		assert.Equal(t, "/opt/spike/config.cfg", path)
	})

	t.Run("unresolvable executable", func(t *testing.T) {
		platform.executable = func() (string, error) { return "", errors.New("no /proc") }

		_, err := LocateFromExecutable()
		assert.True(t, errors.Is(err, ErrUnresolvable))
	})
}

func TestProvision(t *testing.T) {
	t.Run("appends exactly one secret line", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		path := writeConfig(t, fs, testConfig)

		has, err := HasSecret(fs, path)
		require.NoError(t, err)
		assert.False(t, has)

		p := NewSecretProvisioner(fs)
		require.NoError(t, p.Provision(path))

		content, err := afero.ReadFile(fs, path)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(content), testConfig), "existing lines must be preserved")
		assert.Equal(t, 1, strings.Count(string(content), SecretKeyKey+"="))

		has, err = HasSecret(fs, path)
		require.NoError(t, err)
		assert.True(t, has)
	})

	t.Run("adds missing trailing newline", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		path := writeConfig(t, fs, "STORE_BINDS.rules = sqlite:///spike.db")

		p := &SecretProvisioner{Fs: fs, Rand: bytes.NewReader(bytes.Repeat([]byte{0xff}, 3)), Size: 3}
		require.NoError(t, p.Provision(path))

		content, err := afero.ReadFile(fs, path)
		require.NoError(t, err)
		assert.Equal(t, "STORE_BINDS.rules = sqlite:///spike.db\nSECRET_KEY=____\n", string(content))
	})

	t.Run("secret is readable through Load", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		path := writeConfig(t, fs, testConfig)
		require.NoError(t, NewSecretProvisioner(fs).Provision(path))

		cfg, err := Load(fs, path)
		require.NoError(t, err)
		assert.Len(t, cfg.v.GetString(SecretKeyKey), 171)
	})

	t.Run("short random source", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		path := writeConfig(t, fs, testConfig)

		p := &SecretProvisioner{Fs: fs, Rand: bytes.NewReader([]byte{1}), Size: 16}
		assert.Error(t, p.Provision(path))

		content, err := afero.ReadFile(fs, path)
		require.NoError(t, err)
		assert.Equal(t, testConfig, string(content))
	})
}
