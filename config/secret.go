package config

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/spf13/afero"
)

// DefaultSecretSize is the number of random bytes behind a SECRET_KEY.
const DefaultSecretSize = 128

var secretLine = regexp.MustCompile(`^\s*(?:export\s+)?` + SecretKeyKey + `\s*[=:]`)

// SecretProvisioner appends a freshly generated SECRET_KEY to config.cfg.
// The file is only ever appended to.
type SecretProvisioner struct {
	Fs   afero.Fs
	Rand io.Reader
	Size int
}

func NewSecretProvisioner(fs afero.Fs) *SecretProvisioner {
	return &SecretProvisioner{Fs: fs, Rand: rand.Reader, Size: DefaultSecretSize}
}

// HasSecret reports whether the config file at path already assigns SECRET_KEY.
func HasSecret(fs afero.Fs, path string) (bool, error) {
	f, err := fs.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close() //nolint:errcheck

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if secretLine.MatchString(sc.Text()) {
			return true, nil
		}
	}
	return false, sc.Err()
}

// Provision generates a secret and appends a SECRET_KEY=<secret> line to
// the file at path. The secret itself is never returned or logged.
func (p *SecretProvisioner) Provision(path string) error {
	size := p.Size
	if size <= 0 {
		size = DefaultSecretSize
	}
	raw := make([]byte, size)
	if _, err := io.ReadFull(p.Rand, raw); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}

	existing, err := afero.ReadFile(p.Fs, path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var line bytes.Buffer
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		line.WriteByte('\n')
	}
	line.WriteString(SecretKeyKey)
	line.WriteByte('=')
	line.WriteString(base64.RawURLEncoding.EncodeToString(raw))
	line.WriteByte('\n')

	f, err := p.Fs.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s for append: %w", path, err)
	}
	if _, err := f.Write(line.Bytes()); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("append secret to %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return f.Close()
}
