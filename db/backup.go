package db

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"spiked/config"
)

// sqliteSidecars are the files SQLite keeps next to a store; they belong to
// the store and move with it.
var sqliteSidecars = []string{"-journal", "-wal", "-shm"}

// Backup describes one rotated store file.
type Backup struct {
	Bind   string
	Source string
	Target string
	Size   int64
}

// BackupRotator moves existing store files aside before init replaces them.
// A backup lands at <Dir>/<base>.<stamp>; when that path is taken a counter
// is appended (<base>.<stamp>.1, .2, ...). Existing backups are never
// overwritten.
type BackupRotator struct {
	Fs  afero.Fs
	Dir string
	// MaxBackups keeps at most this many backups per store; 0 keeps all.
	MaxBackups int
	Log        *zap.SugaredLogger
}

// EnsureDir creates the backup directory if it is missing.
func (r *BackupRotator) EnsureDir() error {
	if err := r.Fs.MkdirAll(r.Dir, 0o755); err != nil {
		return fmt.Errorf("create backup directory %s: %w", r.Dir, err)
	}
	return nil
}

// Rotate moves every existing store file named by binds into the backup
// directory using the single timestamp stamp. Missing and in-memory stores
// are skipped.
func (r *BackupRotator) Rotate(binds []config.Bind, stamp int64) ([]Backup, error) {
	if err := r.EnsureDir(); err != nil {
		return nil, err
	}

	var backups []Backup
	seen := map[string]bool{}
	for _, b := range binds {
		if b.InMemory {
			r.Log.Debugw("in-memory store, nothing to back up", "bind", b.Name)
			continue
		}
		if seen[b.Path] {
			continue
		}
		seen[b.Path] = true

		info, err := r.Fs.Stat(b.Path)
		if errors.Is(err, os.ErrNotExist) {
			r.Log.Debugw("no existing store", "bind", b.Name, "path", b.Path)
			continue
		}
		if err != nil {
			return backups, fmt.Errorf("stat store %s: %w", b.Path, err)
		}
		if !info.Mode().IsRegular() {
			return backups, fmt.Errorf("%s is not a regular file", b.Path)
		}

		target, err := r.nextTarget(b.Path, stamp)
		if err != nil {
			return backups, err
		}
		r.Log.Infow("rotating store", "bind", b.Name, "from", b.Path, "to", target,
			"size", humanize.Bytes(uint64(info.Size())))
		if err := r.move(b.Path, target); err != nil {
			return backups, fmt.Errorf("back up %s to %s: %w", b.Path, target, err)
		}
		for _, sfx := range sqliteSidecars {
			if _, err := r.Fs.Stat(b.Path + sfx); err != nil {
				continue
			}
			if err := r.move(b.Path+sfx, target+sfx); err != nil {
				return backups, fmt.Errorf("back up %s: %w", b.Path+sfx, err)
			}
		}
		backups = append(backups, Backup{Bind: b.Name, Source: b.Path, Target: target, Size: info.Size()})

		if r.MaxBackups > 0 {
			r.prune(filepath.Base(b.Path))
		}
	}
	return backups, nil
}

func (r *BackupRotator) nextTarget(path string, stamp int64) (string, error) {
	base := filepath.Join(r.Dir, filepath.Base(path)+"."+strconv.FormatInt(stamp, 10))
	candidate := base
	for n := 1; ; n++ {
		taken, err := r.taken(candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		r.Log.Warnw("backup path already exists, disambiguating", "path", candidate)
		candidate = base + "." + strconv.Itoa(n)
	}
}

func (r *BackupRotator) taken(target string) (bool, error) {
	for _, sfx := range append([]string{""}, sqliteSidecars...) {
		exists, err := afero.Exists(r.Fs, target+sfx)
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

// move renames src to dst. Across filesystems it copies first and removes
// src only once dst is fully written and synced.
func (r *BackupRotator) move(src, dst string) error {
	err := r.Fs.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}
	r.Log.Debugw("rename crosses filesystems, copying", "from", src, "to", dst)
	if err := r.copyFile(src, dst); err != nil {
		r.Fs.Remove(dst) //nolint:errcheck
		return err
	}
	return r.Fs.Remove(src)
}

func (r *BackupRotator) copyFile(src, dst string) error {
	source, err := r.Fs.Open(src)
	if err != nil {
		return err
	}
	defer func(source afero.File) {
		if err := source.Close(); err != nil {
			r.Log.Warnw("failed to close file", "path", src, "error", err)
		}
	}(source)

	destination, err := r.Fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(destination, source); err != nil {
		destination.Close() //nolint:errcheck
		return err
	}
	if err := destination.Sync(); err != nil {
		destination.Close() //nolint:errcheck
		return err
	}
	return destination.Close()
}

type backupFile struct {
	path    string
	stamp   int64
	counter int
}

// prune removes the oldest backups of the store named base beyond MaxBackups.
func (r *BackupRotator) prune(base string) {
	entries, err := afero.ReadDir(r.Fs, r.Dir)
	if err != nil {
		r.Log.Warnw("failed to read backup directory", "dir", r.Dir, "error", err)
		return
	}

	prefix := base + "."
	var backups []backupFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || isSidecar(name) {
			continue
		}
		if bf, ok := parseBackupName(strings.TrimPrefix(name, prefix)); ok {
			bf.path = filepath.Join(r.Dir, name)
			backups = append(backups, bf)
		}
	}
	if len(backups) <= r.MaxBackups {
		return
	}

	sort.Slice(backups, func(i, j int) bool {
		if backups[i].stamp != backups[j].stamp {
			return backups[i].stamp < backups[j].stamp
		}
		return backups[i].counter < backups[j].counter
	})
	for _, bf := range backups[:len(backups)-r.MaxBackups] {
		for _, sfx := range append([]string{""}, sqliteSidecars...) {
			err := r.Fs.Remove(bf.path + sfx)
			switch {
			case err == nil:
				r.Log.Infow("removed old backup", "path", bf.path+sfx)
			case !errors.Is(err, os.ErrNotExist):
				r.Log.Warnw("failed to remove old backup", "path", bf.path+sfx, "error", err)
			}
		}
	}
}

// parseBackupName parses "<stamp>" or "<stamp>.<counter>".
func parseBackupName(suffix string) (backupFile, bool) {
	parts := strings.Split(suffix, ".")
	if len(parts) > 2 {
		return backupFile{}, false
	}
	stamp, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return backupFile{}, false
	}
	bf := backupFile{stamp: stamp}
	if len(parts) == 2 {
		if bf.counter, err = strconv.Atoi(parts[1]); err != nil {
			return backupFile{}, false
		}
	}
	return bf, true
}

func isSidecar(name string) bool {
	for _, sfx := range sqliteSidecars {
		if strings.HasSuffix(name, sfx) {
			return true
		}
	}
	return false
}
