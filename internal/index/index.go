// Package index builds the canonical records/index.yml and reconciles
// the records tree with the database mirror. Generation is idempotent:
// with no record changes the output is byte-identical, so the file
// diffs cleanly in git.
package index

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/civicstack/civic/internal/activity"
	"github.com/civicstack/civic/internal/config"
	"github.com/civicstack/civic/internal/db"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
	"github.com/civicstack/civic/internal/hooks"
	"github.com/civicstack/civic/internal/logfields"
	"github.com/civicstack/civic/internal/record"
	"github.com/civicstack/civic/internal/store"
)

// GeneratorVersion is stamped into index.yml metadata.
const GeneratorVersion = "1.0"

// Entry is one record in index.yml. Field order is the serialization
// order.
type Entry struct {
	File      string        `yaml:"file"`
	ID        string        `yaml:"id"`
	Type      string        `yaml:"type"`
	Status    string        `yaml:"status"`
	Title     string        `yaml:"title"`
	Author    string        `yaml:"author,omitempty"`
	CreatedAt string        `yaml:"created_at,omitempty"`
	UpdatedAt string        `yaml:"updated_at,omitempty"`
	Metadata  EntryMetadata `yaml:"metadata"`
}

// EntryMetadata is the nested metadata block of an entry.
type EntryMetadata struct {
	Slug    string   `yaml:"slug"`
	Tags    []string `yaml:"tags,omitempty"`
	Module  string   `yaml:"module,omitempty"`
	Version any      `yaml:"version,omitempty"`
}

// Summary is the trailing metadata block.
type Summary struct {
	TotalRecords     int      `yaml:"totalRecords"`
	Types            []string `yaml:"types"`
	Modules          []string `yaml:"modules"`
	GeneratedAt      string   `yaml:"generated_at"`
	GeneratorVersion string   `yaml:"generator_version"`
}

// Failure is one malformed record that did not block the rest.
type Failure struct {
	File  string `yaml:"file"`
	Error string `yaml:"error"`
}

// Document is the full index.yml shape.
type Document struct {
	Records  []Entry   `yaml:"records"`
	Metadata Summary   `yaml:"metadata"`
	Errors   []Failure `yaml:"errors,omitempty"`
}

// Service scans the records tree and maintains index.yml. It is
// constructor-pure: collaborators that need a fully built engine are
// attached afterwards.
type Service struct {
	store  *store.Store
	mirror *db.DB
	act    *activity.Log
	path   string // index.yml location
	log    *slog.Logger

	bus *hooks.Bus // attached, may be nil
	now func() time.Time
}

// New builds the service over its leaf dependencies.
func New(st *store.Store, mirror *db.DB, act *activity.Log, manifest *config.Manifest, log *slog.Logger) *Service {
	return &Service{
		store:  st,
		mirror: mirror,
		act:    act,
		path:   manifest.IndexPath(),
		log:    log,
		now:    time.Now,
	}
}

// Attach wires the hook bus after the engine layer exists. Conflict
// events are dropped silently until this is called.
func (s *Service) Attach(bus *hooks.Bus) {
	s.bus = bus
}

// Build scans the tree and produces the document. Malformed records
// land in Errors; they never block the healthy ones.
func (s *Service) Build(ctx context.Context) (*Document, error) {
	rels, err := s.store.List(store.ListFilter{})
	if err != nil {
		return nil, err
	}

	doc := &Document{Records: []Entry{}}
	latest := time.Time{}
	typeSet := map[string]struct{}{}
	moduleSet := map[string]struct{}{}

	for _, rel := range rels {
		if ctx.Err() != nil {
			return nil, ferrors.Wrap(ctx.Err(), ferrors.CategoryOperational, "index build cancelled").Build()
		}
		rec, err := s.store.Read(rel)
		if err != nil {
			doc.Errors = append(doc.Errors, Failure{File: rel, Error: err.Error()})
			continue
		}
		doc.Records = append(doc.Records, entryFor(rel, rec))
		typeSet[rec.Type] = struct{}{}
		if m := rec.Module(); m != "" {
			moduleSet[m] = struct{}{}
		}
		if rec.UpdatedAt.After(latest) {
			latest = rec.UpdatedAt
		}
	}

	sort.Slice(doc.Records, func(i, j int) bool {
		a, b := doc.Records[i], doc.Records[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Metadata.Slug < b.Metadata.Slug
	})

	// generated_at derives from the newest record, not the wall clock,
	// so regenerating an unchanged tree is byte-identical.
	generated := ""
	if !latest.IsZero() {
		generated = latest.UTC().Format(time.RFC3339)
	}
	doc.Metadata = Summary{
		TotalRecords:     len(doc.Records),
		Types:            sortedKeys(typeSet),
		Modules:          sortedKeys(moduleSet),
		GeneratedAt:      generated,
		GeneratorVersion: GeneratorVersion,
	}
	return doc, nil
}

// Generate serializes the current tree to the canonical YAML bytes.
func (s *Service) Generate(ctx context.Context) ([]byte, error) {
	doc, err := s.Build(ctx)
	if err != nil {
		return nil, err
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryInternal, "serialize index").Build()
	}
	return data, nil
}

// Write regenerates index.yml, touching the file only when the content
// actually changed. Returns whether it was rewritten.
func (s *Service) Write(ctx context.Context) (bool, error) {
	data, err := s.Generate(ctx)
	if err != nil {
		return false, err
	}

	if existing, err := os.ReadFile(s.path); err == nil && string(existing) == string(data) {
		return false, nil
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return false, ferrors.Wrap(err, ferrors.CategoryFilesystem, "create records directory").Build()
	}
	tmp, err := os.CreateTemp(dir, ".index.yml.tmp-*")
	if err != nil {
		return false, ferrors.Wrap(err, ferrors.CategoryFilesystem, "create temp index").Build()
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, ferrors.Wrap(err, ferrors.CategoryFilesystem, "write index").Build()
	}
	if err := tmp.Close(); err != nil {
		return false, ferrors.Wrap(err, ferrors.CategoryFilesystem, "close temp index").Build()
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return false, ferrors.Wrap(err, ferrors.CategoryFilesystem, "replace index").Build()
	}
	s.log.Info("index regenerated", logfields.Path(s.path))
	return true, nil
}

func entryFor(rel string, rec *record.Record) Entry {
	e := Entry{
		File:   rel,
		ID:     rec.ID,
		Type:   rec.Type,
		Status: rec.Status,
		Title:  rec.Title,
		Author: rec.Author,
		Metadata: EntryMetadata{
			Slug:   rec.Slug,
			Tags:   rec.Tags(),
			Module: rec.Module(),
		},
	}
	if !rec.CreatedAt.IsZero() {
		e.CreatedAt = rec.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !rec.UpdatedAt.IsZero() {
		e.UpdatedAt = rec.UpdatedAt.UTC().Format(time.RFC3339)
	}
	if rec.Metadata != nil {
		e.Metadata.Version = rec.Metadata["version"]
	}
	return e
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
