package browser

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vulnverified/hstsbypass/internal/engine"
	"go.uber.org/multierr"
)

const backupMarker = ".bak."

// backupStamp is lexically sortable, so the newest backup sorts last.
func backupStamp() string {
	return time.Now().UTC().Format("20060102T150405.000000000")
}

// backupCopy copies path to a fresh backup next to it.
func backupCopy(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", classify(path, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return "", classify(path, err)
	}

	backup := path + backupMarker + backupStamp()
	dst, err := os.OpenFile(backup, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return "", classify(backup, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(backup)
		return "", fmt.Errorf("backup %s: %w", path, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(backup)
		return "", fmt.Errorf("backup %s: %w", path, err)
	}
	return backup, nil
}

// backupRename moves path aside as a backup. The browser recreates an empty
// store on next start.
func backupRename(path string) (string, error) {
	backup := path + backupMarker + backupStamp()
	if err := os.Rename(path, backup); err != nil {
		return "", classify(path, err)
	}
	return backup, nil
}

// atomicWrite replaces path with data through a temp file in the same
// directory, keeping the original permissions.
func atomicWrite(path string, data []byte) error {
	mode := fs.FileMode(0o600)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return classify(path, err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, mode); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return classify(path, err)
	}
	return nil
}

// findBackups walks root for backups of files named name and returns the
// newest backup keyed by the original path.
func findBackups(root, name string) map[string]string {
	latest := make(map[string]string)
	prefix := name + backupMarker
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), prefix) {
			return nil
		}
		orig := filepath.Join(filepath.Dir(path), name)
		if cur, ok := latest[orig]; !ok || path > cur {
			latest[orig] = path
		}
		return nil
	})
	return latest
}

// restoreLatest renames the newest backup of every store under root back in
// place. The restored file is the backup itself, byte for byte.
func restoreLatest(root, name string) ([]engine.ProfileOutcome, error) {
	backups := findBackups(root, name)
	if len(backups) == 0 {
		return nil, fmt.Errorf("%s under %s: %w", name, root, ErrNoBackup)
	}

	var (
		outcomes []engine.ProfileOutcome
		errs     error
	)
	for _, orig := range sortedKeys(backups) {
		o := engine.ProfileOutcome{Path: orig, Backup: backups[orig]}
		if err := os.Rename(backups[orig], orig); err != nil {
			err = classify(orig, err)
			o.Error = err.Error()
			errs = multierr.Append(errs, err)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, errs
}

// sortedKeys returns the keys of m in order.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func classify(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%s: %w", path, ErrPermissionDenied)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s: %w", path, ErrProfileNotFound)
	}
	return err
}

