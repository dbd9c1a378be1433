// Package store is the on-disk source of truth for record content:
// markdown files with YAML frontmatter under records/<type>/<slug>.md.
package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/civicstack/civic/internal/config"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
	"github.com/civicstack/civic/internal/frontmatter"
	"github.com/civicstack/civic/internal/record"
)

// Store reads and writes record files. Writes are atomic: serialize to
// a temp file in the target directory, fsync, rename over the target.
type Store struct {
	root          string // records directory
	archivePolicy string
	maxBytes      int64

	mu sync.Mutex // serializes mutations; reads are lock-free
}

// New creates a store rooted at the records directory.
func New(recordsRoot string, storage *config.StorageConfig) *Store {
	s := &Store{root: recordsRoot, archivePolicy: config.ArchiveMove}
	if storage != nil {
		s.archivePolicy = storage.ArchivePolicy
		s.maxBytes = storage.MaxRecordBytes
	}
	return s
}

// Root returns the records directory.
func (s *Store) Root() string { return s.root }

// RelPath returns the canonical relative path for a record.
func RelPath(recordType, slug string) string {
	return filepath.Join(recordType, slug+".md")
}

// ArchiveRelPath returns the relative path of an archived record.
func ArchiveRelPath(recordType, slug string) string {
	return filepath.Join(config.ArchiveDir, recordType, slug+".md")
}

// AbsPath resolves a relative record path under the store root and
// rejects traversal outside it.
func (s *Store) AbsPath(rel string) (string, error) {
	clean := filepath.Clean(rel)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", ferrors.Validation("record path escapes the records tree").
			WithContext("path", rel).Build()
	}
	return filepath.Join(s.root, clean), nil
}

// Write serializes the record and atomically replaces the file at rel.
// Parent directories are created as needed. A partial file is never
// visible at the target path.
func (s *Store) Write(rel string, r *record.Record) error {
	abs, err := s.AbsPath(rel)
	if err != nil {
		return err
	}

	data, err := frontmatter.Serialize(r, frontmatter.DefaultStyle)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CategoryValidation, "serialize record").
			WithContext("path", rel).Build()
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return ferrors.Validation("record exceeds configured size limit").
			WithContext("path", rel).WithContext("bytes", len(data)).Build()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return ferrors.Wrap(err, ferrors.CategoryFilesystem, "create record directory").
			WithContext("path", rel).Build()
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), "."+filepath.Base(abs)+".tmp-*")
	if err != nil {
		return ferrors.Wrap(err, ferrors.CategoryFilesystem, "create temp file").
			WithContext("path", rel).Build()
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return ferrors.Wrap(err, ferrors.CategoryFilesystem, "write temp file").
			WithContext("path", rel).Build()
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return ferrors.Wrap(err, ferrors.CategoryFilesystem, "sync temp file").
			WithContext("path", rel).Build()
	}
	if err := tmp.Close(); err != nil {
		return ferrors.Wrap(err, ferrors.CategoryFilesystem, "close temp file").
			WithContext("path", rel).Build()
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return ferrors.Wrap(err, ferrors.CategoryFilesystem, "rename temp file").
			WithContext("path", rel).Build()
	}
	return nil
}

// Read loads and parses the record at rel.
func (s *Store) Read(rel string) (*record.Record, error) {
	abs, err := s.AbsPath(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ferrors.NotFound("record file not found").
				WithContext("path", rel).Build()
		}
		return nil, ferrors.Wrap(err, ferrors.CategoryFilesystem, "read record").
			WithContext("path", rel).Build()
	}

	r, _, err := frontmatter.Parse(data)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryValidation, "invalid frontmatter").
			WithContext("path", rel).Build()
	}
	return r, nil
}

// Exists reports whether a record file is present at rel.
func (s *Store) Exists(rel string) bool {
	abs, err := s.AbsPath(rel)
	if err != nil {
		return false
	}
	_, statErr := os.Stat(abs)
	return statErr == nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Type string
	// Pattern is a doublestar glob relative to the records root; when
	// empty, all <type>/<slug>.md files match.
	Pattern         string
	IncludeArchived bool
}

// List walks the records tree and returns matching relative paths in
// sorted order. The archive subtree and index.yml are skipped unless
// requested.
func (s *Store) List(filter ListFilter) ([]string, error) {
	pattern := filter.Pattern
	if pattern == "" {
		if filter.Type != "" {
			pattern = filter.Type + "/*.md"
		} else {
			pattern = "*/*.md"
		}
	}

	var out []string
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == s.root {
				return filepath.SkipAll
			}
			return err
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return relErr
		}
		if d.IsDir() {
			if rel == config.ArchiveDir && !filter.IncludeArchived {
				return filepath.SkipDir
			}
			if strings.HasPrefix(filepath.Base(rel), ".") && rel != "." {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(rel, ".md") {
			return nil
		}
		match, matchErr := doublestar.Match(pattern, filepath.ToSlash(rel))
		if matchErr != nil {
			return matchErr
		}
		if !match && filter.IncludeArchived {
			match, _ = doublestar.Match(config.ArchiveDir+"/"+pattern, filepath.ToSlash(rel))
		}
		if match {
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryFilesystem, "walk records tree").Build()
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes a record per the archive policy: move to the archive
// subtree (default) or delete outright. It returns the path the record
// ended up at, or empty when deleted.
func (s *Store) Delete(rel string) (string, error) {
	abs, err := s.AbsPath(rel)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(abs); os.IsNotExist(err) {
		return "", ferrors.NotFound("record file not found").WithContext("path", rel).Build()
	}

	if s.archivePolicy == config.ArchiveDelete {
		if err := os.Remove(abs); err != nil {
			return "", ferrors.Wrap(err, ferrors.CategoryFilesystem, "delete record").
				WithContext("path", rel).Build()
		}
		return "", nil
	}

	archiveRel := filepath.Join(config.ArchiveDir, rel)
	archiveAbs := filepath.Join(s.root, archiveRel)
	if err := os.MkdirAll(filepath.Dir(archiveAbs), 0o750); err != nil {
		return "", ferrors.Wrap(err, ferrors.CategoryFilesystem, "create archive directory").Build()
	}
	if err := os.Rename(abs, archiveAbs); err != nil {
		return "", ferrors.Wrap(err, ferrors.CategoryFilesystem, "archive record").
			WithContext("path", rel).Build()
	}
	return filepath.ToSlash(archiveRel), nil
}

// Restore moves an archived record back to its canonical path, used by
// delete compensation.
func (s *Store) Restore(archiveRel string) (string, error) {
	if !strings.HasPrefix(filepath.ToSlash(archiveRel), config.ArchiveDir+"/") {
		return "", ferrors.Validation("not an archive path").WithContext("path", archiveRel).Build()
	}
	rel := strings.TrimPrefix(filepath.ToSlash(archiveRel), config.ArchiveDir+"/")

	src, err := s.AbsPath(archiveRel)
	if err != nil {
		return "", err
	}
	dst, err := s.AbsPath(rel)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", ferrors.Wrap(err, ferrors.CategoryFilesystem, "create record directory").Build()
	}
	if err := os.Rename(src, dst); err != nil {
		return "", ferrors.Wrap(err, ferrors.CategoryFilesystem, "restore record").
			WithContext("path", archiveRel).Build()
	}
	return rel, nil
}

// Remove deletes a record file outright regardless of archive policy.
// Used by create compensation, where archiving a half-created record
// would leave garbage behind.
func (s *Store) Remove(rel string) error {
	abs, err := s.AbsPath(rel)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return ferrors.Wrap(err, ferrors.CategoryFilesystem, "remove record").
			WithContext("path", rel).Build()
	}
	return nil
}
