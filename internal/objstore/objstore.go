// Fherelay is a task dispatch and result-delivery service for FHE workloads.
// Copyright (C) 2026 The fherelay authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package objstore is the flat shared-directory object store used by
// the front-end and the workers. Objects are whole files addressed by
// exact name inside a single directory; a second directory holds the
// durable backup copies of delivered results.
package objstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	// ErrInvalidName rejects object names that would escape the root.
	ErrInvalidName = errors.New("objstore: invalid object name")
	// ErrNotFound reports a missing object.
	ErrNotFound = errors.New("objstore: object not found")
)

// KeySuffix is the fixed extension of evaluation-key objects.
const KeySuffix = ".serverKey"

// BackupPrefix marks promoted result copies in the backup directory.
const BackupPrefix = "backup."

// Store manages the live shared directory and the backup directory.
// Both directories are created on construction.
type Store struct {
	shared string
	backup string
}

// New returns a Store rooted at the two directories, creating them if
// needed. The directories may be the same path.
func New(sharedDir, backupDir string) (*Store, error) {
	for _, dir := range []string{sharedDir, backupDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	return &Store{shared: sharedDir, backup: backupDir}, nil
}

// SharedDir returns the live root. Workers pass it to executables as
// their working directory.
func (s *Store) SharedDir() string { return s.shared }

// ValidName reports whether a string is usable as an object name or
// name component: no separators, NUL bytes, or dot traversal.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00*?[")
}

// resolve maps an object name to an absolute path under root.
func resolve(root, name string) (string, error) {
	if !ValidName(name) {
		return "", ErrInvalidName
	}
	path := filepath.Join(root, name)
	// Join cleans the path; anything that left the root was hostile.
	if filepath.Dir(path) != filepath.Clean(root) {
		return "", ErrInvalidName
	}
	return path, nil
}

// KeyName returns the object name of a uid's evaluation key.
func KeyName(uid string) string { return uid + KeySuffix }

// WriteKey stores the evaluation key for uid, replacing any previous
// key atomically.
func (s *Store) WriteKey(uid string, r io.Reader) error {
	return s.Write(KeyName(uid), r)
}

// HasKey reports whether an evaluation key exists for uid.
func (s *Store) HasKey(uid string) bool {
	_, err := s.Stat(KeyName(uid))
	return err == nil
}

// Write stores an object under name in the live directory. The write
// is atomic: readers see either the old content or the new, never a
// partial file.
func (s *Store) Write(name string, r io.Reader) error {
	path, err := resolve(s.shared, name)
	if err != nil {
		return err
	}
	return writeAtomic(path, r)
}

// Open returns a reader over the named live object. Callers close it.
func (s *Store) Open(name string) (*os.File, error) {
	path, err := resolve(s.shared, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// Read returns the full content of the named live object.
func (s *Store) Read(name string) ([]byte, error) {
	f, err := s.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Stat returns metadata for the named live object.
func (s *Store) Stat(name string) (os.FileInfo, error) {
	path, err := resolve(s.shared, name)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return info, err
}

// Remove deletes a live object. Missing objects are not an error.
func (s *Store) Remove(name string) error {
	path, err := resolve(s.shared, name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// BackupName derives the backup object name for one output filename
// template: the uid placeholder widens to "<uid>.<taskID>" so copies
// from distinct jobs never collide, and the backup prefix marks it.
func BackupName(tmpl, uid, taskID, task string) string {
	scoped := strings.ReplaceAll(tmpl, "{uid}", uid+"."+taskID)
	scoped = strings.ReplaceAll(scoped, "{task}", task)
	return BackupPrefix + scoped
}

// Promote copies a live output into the backup directory under its
// backup name. The source stays in place; promotion is idempotent.
func (s *Store) Promote(liveName, backupName string) error {
	src, err := resolve(s.shared, liveName)
	if err != nil {
		return err
	}
	dst, err := resolve(s.backup, backupName)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	defer in.Close()
	return writeAtomic(dst, in)
}

// Backup describes one promoted result copy.
type Backup struct {
	Name    string
	ModTime time.Time
}

// FindBackups lists the promoted outputs of one job, sorted by name.
// The pattern matches what Promote writes for any output template that
// mentions "output" in its filename.
func (s *Store) FindBackups(uid, taskID string) ([]Backup, error) {
	if !ValidName(uid) || !ValidName(taskID) {
		return nil, ErrInvalidName
	}
	pattern := filepath.Join(s.backup, BackupPrefix+uid+"."+taskID+".*output*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	out := make([]Backup, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		out = append(out, Backup{Name: filepath.Base(m), ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// OpenBackup returns a reader over a promoted result copy.
func (s *Store) OpenBackup(name string) (*os.File, error) {
	path, err := resolve(s.backup, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// ReadBackup returns the full content of a promoted result copy.
func (s *Store) ReadBackup(name string) ([]byte, error) {
	f, err := s.OpenBackup(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// writeAtomic streams r into path via a temp file in the same
// directory, then renames it into place.
func writeAtomic(path string, r io.Reader) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}
