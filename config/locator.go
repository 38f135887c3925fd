// Package config locates, reads and appends to config.cfg, the line-oriented
// KEY = value file that sits next to the spiked binary.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the configuration file expected alongside the executable.
const FileName = "config.cfg"

var ErrUnresolvable = errors.New("config location is unresolvable")

// platform holds process lookups that tests override.
var platform = struct {
	executable   func() (string, error)
	evalSymlinks func(string) (string, error)
}{
	executable:   os.Executable,
	evalSymlinks: filepath.EvalSymlinks,
}

// Locate returns the absolute path of config.cfg inside dir.
func Locate(dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("%w: empty install directory", ErrUnresolvable)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnresolvable, err)
	}
	return filepath.Join(abs, FileName), nil
}

// LocateFromExecutable returns the config.cfg that lives in the same
// directory as the running binary, after resolving symlinks.
func LocateFromExecutable() (string, error) {
	exe, err := platform.executable()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnresolvable, err)
	}
	resolved, err := platform.evalSymlinks(exe)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnresolvable, err)
	}
	return Locate(filepath.Dir(resolved))
}
