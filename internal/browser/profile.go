package browser

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
)

// singletonFiles are the lock artifacts a crashed browser leaves in its profile.
// While present, a new launch on the same profile refuses to start.
var singletonFiles = []string{"SingletonLock", "SingletonSocket", "SingletonCookie"}

// skipInSnapshot names profile entries that are volatile or machine-bound.
var skipInSnapshot = map[string]bool{
	"SingletonLock":   true,
	"SingletonSocket": true,
	"SingletonCookie": true,
	"Cache":           true,
	"Code Cache":      true,
	"GPUCache":        true,
	"ShaderCache":     true,
	"Crashpad":        true,
}

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ProfileStore keeps one persistent browser profile per tenant on disk. The profile
// holds the surface's login cookies, so reusing it keeps the session authenticated.
type ProfileStore struct {
	base   string
	logger *zap.Logger
}

// NewProfileStore roots profiles under base. A leading "~" expands to the home directory.
func NewProfileStore(base string, logger *zap.Logger) (*ProfileStore, error) {
	expanded, err := homedir.Expand(base)
	if err != nil {
		return nil, fmt.Errorf("failed to expand profile directory %q: %w", base, err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve profile directory %q: %w", base, err)
	}
	return &ProfileStore{base: abs, logger: logger.Named("profile_store")}, nil
}

// Dir returns the profile directory for tenant without creating it.
func (s *ProfileStore) Dir(tenant string) (string, error) {
	if !tenantPattern.MatchString(tenant) {
		return "", fmt.Errorf("invalid tenant name %q", tenant)
	}
	return filepath.Join(s.base, tenant), nil
}

// Ensure creates the tenant's profile directory if needed and returns it.
func (s *ProfileStore) Ensure(tenant string) (string, error) {
	dir, err := s.Dir(tenant)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create profile directory: %w", err)
	}
	return dir, nil
}

// ClearStaleLocks removes lock artifacts left by a browser that did not exit cleanly.
// Callers must only use it when no browser of theirs is running on the profile.
func (s *ProfileStore) ClearStaleLocks(tenant string) error {
	dir, err := s.Dir(tenant)
	if err != nil {
		return err
	}
	for _, name := range singletonFiles {
		path := filepath.Join(dir, name)
		// Lstat: SingletonLock is a dangling symlink on Linux.
		if _, err := os.Lstat(path); err != nil {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove stale %s: %w", name, err)
		}
		s.logger.Info("Removed stale profile lock.", zap.String("tenant", tenant), zap.String("file", name))
	}
	return nil
}

// Locked reports whether the profile carries a browser lock, live or stale.
func (s *ProfileStore) Locked(tenant string) bool {
	dir, err := s.Dir(tenant)
	if err != nil {
		return false
	}
	_, err = os.Lstat(filepath.Join(dir, "SingletonLock"))
	return err == nil
}

// Exists reports whether the tenant's profile directory has any content.
func (s *ProfileStore) Exists(tenant string) bool {
	dir, err := s.Dir(tenant)
	if err != nil {
		return false
	}
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// Snapshot writes the tenant's profile to w as a tar.gz archive.
func (s *ProfileStore) Snapshot(tenant string, w io.Writer) error {
	dir, err := s.Dir(tenant)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("profile for tenant %q not found: %w", tenant, err)
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if skipInSnapshot[d.Name()] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		// Sockets and symlinks are not portable between machines.
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		return fmt.Errorf("failed to archive profile: %w", walkErr)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finish compression: %w", err)
	}
	return nil
}

// Restore replaces the tenant's profile with the tar.gz archive read from r.
// The archive is unpacked next to the profile and swapped in only once complete.
func (s *ProfileStore) Restore(tenant string, r io.Reader) error {
	dir, err := s.Dir(tenant)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.base, 0o700); err != nil {
		return fmt.Errorf("failed to create profile root: %w", err)
	}

	staging, err := os.MkdirTemp(s.base, "."+tenant+"-restore-")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := extractArchive(r, staging); err != nil {
		return fmt.Errorf("failed to extract profile archive: %w", err)
	}

	old := dir + ".old"
	_ = os.RemoveAll(old)
	if _, err := os.Stat(dir); err == nil {
		if err := os.Rename(dir, old); err != nil {
			return fmt.Errorf("failed to move current profile aside: %w", err)
		}
	}
	if err := os.Rename(staging, dir); err != nil {
		_ = os.Rename(old, dir)
		return fmt.Errorf("failed to install restored profile: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return fmt.Errorf("failed to set profile permissions: %w", err)
	}
	_ = os.RemoveAll(old)

	s.logger.Info("Profile restored.", zap.String("tenant", tenant), zap.String("dir", dir))
	return nil
}

func extractArchive(r io.Reader, target string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		name := filepath.FromSlash(header.Name)
		if filepath.IsAbs(name) || strings.HasPrefix(filepath.Clean(name), "..") {
			return fmt.Errorf("archive entry %q escapes the profile directory", header.Name)
		}
		path := filepath.Join(target, name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return err
			}
			out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}
