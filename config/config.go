package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"spiked/model"
)

const (
	EnvPrefix = "SPIKED"

	HostKey          = "APP_HOST"
	PortKey          = "APP_PORT"
	BindsKey         = "STORE_BINDS"
	RulesetHeaderKey = "RULESET_HEADER"
	BackupDirKey     = "BACKUP_DIR"
	UpdateSourceKey  = "UPDATE_SOURCE"
	UpdateRepoKey    = "UPDATE_REPO"
	SecretKeyKey     = "SECRET_KEY"
	GitHubTokenKey   = "GITHUB_TOKEN"

	DefaultHost         = "127.0.0.1"
	DefaultPort         = 5555
	DefaultUpdateSource = "git"

	sqliteScheme = "sqlite://"
	memoryPath   = ":memory:"
)

var (
	ErrNoBinds     = errors.New("no store bindings configured")
	ErrNoRulesBind = errors.New("required store binding " + BindsKey + "." + model.RulesBind + " is not configured")
)

// Bind is a named store connection resolved to an on-disk path.
type Bind struct {
	Name     string
	URI      string
	Path     string
	InMemory bool
}

// DSN returns the sqlite data source name for the bind.
func (b Bind) DSN() string {
	if b.InMemory {
		return fmt.Sprintf("file:%s?mode=memory&cache=shared", b.Name)
	}
	return b.Path
}

// Config is the parsed content of config.cfg plus SPIKED_* environment overrides.
type Config struct {
	Path  string
	Dir   string
	Binds []Bind

	v *viper.Viper
}

// Load reads the config file at path from fs.
func Load(fs afero.Fs, path string) (*Config, error) {
	v := viper.New()
	v.SetFs(fs)
	v.SetConfigFile(path)
	v.SetConfigType("dotenv")
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	if err := v.BindEnv(GitHubTokenKey, EnvPrefix+"_"+GitHubTokenKey, GitHubTokenKey); err != nil {
		return nil, err
	}
	v.SetDefault(HostKey, DefaultHost)
	v.SetDefault(RulesetHeaderKey, "")
	v.SetDefault(UpdateSourceKey, DefaultUpdateSource)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	c := &Config{Path: path, Dir: filepath.Dir(path), v: v}
	binds, err := parseBinds(v, c.Dir)
	if err != nil {
		return nil, err
	}
	c.Binds = binds
	return c, nil
}

// Host returns APP_HOST, or DefaultHost when it is blank.
func (c *Config) Host() string {
	if h := strings.TrimSpace(c.v.GetString(HostKey)); h != "" {
		return h
	}
	return DefaultHost
}

// Port returns APP_PORT. ok is false when the value was missing or not a
// valid TCP port and DefaultPort was substituted.
func (c *Config) Port() (port int, ok bool) {
	raw := strings.TrimSpace(c.v.GetString(PortKey))
	if raw == "" {
		return DefaultPort, false
	}
	p, err := strconv.Atoi(raw)
	if err != nil || p <= 0 || p > 65535 {
		return DefaultPort, false
	}
	return p, true
}

func (c *Config) RulesetHeader() string { return c.v.GetString(RulesetHeaderKey) }
func (c *Config) UpdateSource() string  { return strings.ToLower(c.v.GetString(UpdateSourceKey)) }
func (c *Config) UpdateRepo() string    { return c.v.GetString(UpdateRepoKey) }
func (c *Config) GitHubToken() string   { return c.v.GetString(GitHubTokenKey) }

// BackupDir returns the BACKUP_DIR override resolved against the config
// directory, or "" when it is not set.
func (c *Config) BackupDir() string {
	d := strings.TrimSpace(c.v.GetString(BackupDirKey))
	if d == "" {
		return ""
	}
	return c.Resolve(d)
}

// Resolve makes p absolute relative to the config directory.
func (c *Config) Resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// Bind returns the named binding.
func (c *Config) Bind(name string) (Bind, bool) {
	for _, b := range c.Binds {
		if b.Name == name {
			return b, true
		}
	}
	return Bind{}, false
}

// parseBinds collects STORE_BINDS.<name> keys; viper lowercases them.
func parseBinds(v *viper.Viper, dir string) ([]Bind, error) {
	prefix := strings.ToLower(BindsKey) + "."
	var binds []Bind
	for _, key := range v.AllKeys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		name := strings.TrimPrefix(key, prefix)
		b, err := ResolveBind(name, v.GetString(key), dir)
		if err != nil {
			return nil, err
		}
		binds = append(binds, b)
	}
	if len(binds) == 0 {
		return nil, ErrNoBinds
	}
	if !slices.ContainsFunc(binds, func(b Bind) bool { return b.Name == model.RulesBind }) {
		return nil, ErrNoRulesBind
	}
	sort.Slice(binds, func(i, j int) bool { return binds[i].Name < binds[j].Name })
	return binds, nil
}

// ResolveBind strips the store-engine prefix from uri and resolves the
// remaining path against dir.
//
//	sqlite:///spike.db        -> <dir>/spike.db
//	sqlite:////var/spike.db   -> /var/spike.db
//	sqlite://, :memory:       -> in-memory
//	/var/spike.db, spike.db   -> bare paths
func ResolveBind(name, uri, dir string) (Bind, error) {
	b := Bind{Name: name, URI: strings.TrimSpace(uri)}
	if name == "" {
		return b, fmt.Errorf("store binding with empty name")
	}
	p := b.URI
	if p == "" {
		return b, fmt.Errorf("store binding %q has no URI", name)
	}
	if strings.HasPrefix(p, sqliteScheme) {
		p = strings.TrimPrefix(p, sqliteScheme)
		if p == "" {
			b.InMemory = true
			return b, nil
		}
		p = strings.TrimPrefix(p, "/")
	} else if strings.Contains(p, "://") {
		return b, fmt.Errorf("store binding %q: unsupported store engine in %q", name, uri)
	}
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || p == memoryPath {
		b.InMemory = true
		return b, nil
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	b.Path = filepath.Clean(p)
	return b, nil
}
