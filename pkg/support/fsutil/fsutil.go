// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with the file system.
package fsutil

import (
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// DirPermMode is the default permission mode for directories created by the benchmark:
// checkpoint and metrics directories.
const DirPermMode = os.FileMode(0770)

// FileExists returns whether the file or directory exists or an error if something went wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to FileExists(%q)", path)
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
//
// It returns an error if `dir` has an unknown user or some other filesystem error (e.g: `~unknown/...`)
func ReplaceTildeInDir(dir string) (string, error) {
	if len(dir) == 0 || dir[0] != '~' {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		sepIdx := strings.IndexRune(dir, '/')
		if sepIdx == -1 {
			userName = dir[1:]
		} else {
			userName = dir[1:sepIdx]
		}
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	return path.Join(usr.HomeDir, dir[1+len(userName):]), nil
}

// EnsureDir expands a leading "~", makes the path absolute and creates the directory (and parents)
// if it doesn't exist yet. It returns the resolved path.
func EnsureDir(dir string) (string, error) {
	dir, err := ReplaceTildeInDir(dir)
	if err != nil {
		return "", err
	}
	dir, err = filepath.Abs(dir)
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve directory %q", dir)
	}
	if err = os.MkdirAll(dir, DirPermMode); err != nil {
		return "", errors.Wrapf(err, "failed to create directory %q", dir)
	}
	return dir, nil
}

// WriteFileAtomic writes data to a temporary file in the same directory and renames it to name,
// so readers never observe a partially written file.
func WriteFileAtomic(name string, write func(f *os.File) error) error {
	f, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file for %q", name)
	}
	tmpName := f.Name()
	if err = write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err = f.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "failed to close %q", tmpName)
	}
	if err = os.Rename(tmpName, name); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "failed to rename %q to %q", tmpName, name)
	}
	return nil
}
