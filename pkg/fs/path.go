// SPDX-License-Identifier: Apache-2.0

// Package fs implements the safe path composition and filesystem helpers
// every other subsystem calls through rather than touching the filesystem
// directly: path joining with overflow checks, unique file/dir creation,
// whole-file reads, and mmap-backed reads, mirroring the upstream C
// runtime's fs/path utility surface over os, path/filepath and
// golang.org/x/sys/unix.
package fs

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vaccel-project/vaccel-go/pkg/errcode"
)

var log = logrus.WithField("subsystem", "fs")

// SetLogger rewires this package's logger, the way every other vaccel
// subsystem package exposes a SetLogger hook for bootstrap to call.
func SetLogger(logger *logrus.Entry) {
	fields := log.Data
	log = logger.WithFields(fields)
}

// PathMax mirrors PATH_MAX on Linux; FromParts refuses to build anything
// longer than this, returning ENAMETOOLONG-shaped errors the way the
// upstream path_init_from_parts does.
const PathMax = 4096

// FromParts joins parts with "/" the way path_from_parts does, failing if
// the result would exceed PathMax.
func FromParts(parts ...string) (string, error) {
	out := filepath.Join(parts...)
	if len(out) >= PathMax {
		return "", errcode.New(errcode.ENameTooLong, "path %q exceeds max length %d", out, PathMax)
	}
	return out, nil
}

// FileName returns the basename of path.
func FileName(path string) string {
	return filepath.Base(path)
}

// randomSuffix returns a 6-char alphanumeric suffix suitable for use the
// way mkstemp/mkdtemp's "XXXXXX" is, without relying on the libc call
// itself (Go has no mkstemps wrapper in the standard library).
func randomSuffix() (string, error) {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "generating random suffix")
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf), nil
}

// FileNameAddRandomSuffix inserts a "_XXXXXX" suffix before the extension
// of name, e.g. "model.pb" -> "model_a1b2c3.pb".
func FileNameAddRandomSuffix(name string) (string, error) {
	suffix, err := randomSuffix()
	if err != nil {
		return "", err
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s_%s%s", base, suffix, ext), nil
}

// IsDir reports whether path exists and is a directory.
func IsDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// IsFile reports whether path exists and is a regular file.
func IsFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// Exists reports whether path exists at all.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// DirCreate recursively creates path (and any missing parents) with
// mode 0700, the way the upstream fs_dir_create does.
func DirCreate(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return errors.Wrapf(err, "creating directory %q", path)
	}
	return nil
}

// uniqueAttempts bounds the mkdtemp/mkstemps-style retry loops below;
// with a 62^6 suffix space collisions are vanishingly rare, so hitting
// the bound means something other than bad luck is wrong with dir.
const uniqueAttempts = 100

// DirCreateUnique appends a 6-char random suffix to prefix and creates
// the directory with mode 0700, retrying on collision, mirroring
// fs_dir_create_unique's mkdtemp behaviour. Returns the final path
// actually created.
func DirCreateUnique(prefix string) (string, error) {
	if len(prefix)+6 >= PathMax {
		return "", errors.Errorf("path %q exceeds max length %d", prefix, PathMax)
	}
	for i := 0; i < uniqueAttempts; i++ {
		suffix, err := randomSuffix()
		if err != nil {
			return "", err
		}
		final := prefix + suffix
		err = os.Mkdir(final, 0o700)
		if err == nil {
			return final, nil
		}
		if !os.IsExist(err) {
			return "", errors.Wrapf(err, "creating unique directory %q", final)
		}
	}
	return "", errors.Errorf("could not create a unique directory with prefix %q", prefix)
}

// FileCreate opens path with O_CREAT|O_RDWR|O_EXCL, mode 0700.
func FileCreate(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o700)
	if err != nil {
		return nil, errors.Wrapf(err, "creating file %q", path)
	}
	return f, nil
}

// FileCreateUnique creates a randomized variant of dir/baseName (the
// "_XXXXXX" suffix goes before the extension, mkstemps-style) and
// returns the opened file plus its final path.
func FileCreateUnique(dir, baseName string) (*os.File, string, error) {
	for i := 0; i < uniqueAttempts; i++ {
		name, err := FileNameAddRandomSuffix(baseName)
		if err != nil {
			return nil, "", err
		}
		path, err := FromParts(dir, name)
		if err != nil {
			return nil, "", err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o700)
		if err == nil {
			return f, path, nil
		}
		if !os.IsExist(err) {
			return nil, "", errors.Wrapf(err, "creating unique file %q", path)
		}
	}
	return nil, "", errors.Errorf("could not create a unique file for %q in %q", baseName, dir)
}

// FileRead reads the full contents of path into memory.
func FileRead(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading file %q", path)
	}
	return data, nil
}

// DirRemove removes an (expected empty) directory.
func DirRemove(path string) error {
	if err := os.Remove(path); err != nil {
		return errors.Wrapf(err, "removing directory %q", path)
	}
	return nil
}

// FileRemove removes a file.
func FileRemove(path string) error {
	if err := os.Remove(path); err != nil {
		return errors.Wrapf(err, "removing file %q", path)
	}
	return nil
}

// IsURL prefix-matches http:// or https://, the way path_is_url does.
func IsURL(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

// ListRegularFiles enumerates the regular files directly under dir,
// sorted by name, the way a LOCAL_DIR resource walks its single path
// looking for blobs to materialize.
func ListRegularFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading directory %q", dir)
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}
