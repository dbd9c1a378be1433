// Package templates seeds new record bodies. Each record type may have
// a template at .civic/templates/<type>.md; shared fragments live under
// .civic/partials/ and are addressable from any template by file name.
package templates

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"

	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

// Data is what a template may reference.
type Data struct {
	Title  string
	Slug   string
	Type   string
	Status string
	Author string
	Date   string
}

// DefaultBody is used when a type has no template.
const DefaultBody = "# {{.Title}}\n\n_Drafted by {{.Author}} on {{.Date}}._\n"

// Renderer loads and caches parsed templates.
type Renderer struct {
	templatesDir string
	partialsDir  string

	mu    sync.Mutex
	cache map[string]*template.Template
	fsw   *fsnotify.Watcher
	done  chan struct{}
}

// NewRenderer builds a renderer over the .civic directory.
func NewRenderer(civicDir string) *Renderer {
	return &Renderer{
		templatesDir: filepath.Join(civicDir, "templates"),
		partialsDir:  filepath.Join(civicDir, "partials"),
		cache:        map[string]*template.Template{},
	}
}

// Render produces the initial body for a record. Missing per-type
// templates fall back to the default; a template that fails to parse is
// a config error, since records must not be created from broken
// scaffolding.
func (r *Renderer) Render(recordType string, data Data) (string, error) {
	if data.Date == "" {
		data.Date = time.Now().UTC().Format("2006-01-02")
	}

	tmpl, err := r.load(recordType)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", ferrors.Config("template execution failed").
			WithCause(err).
			WithContext("record_type", recordType).Build()
	}
	return sb.String(), nil
}

// HasTemplate reports whether a per-type template file exists.
func (r *Renderer) HasTemplate(recordType string) bool {
	_, err := os.Stat(filepath.Join(r.templatesDir, recordType+".md"))
	return err == nil
}

func (r *Renderer) load(recordType string) (*template.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tmpl, ok := r.cache[recordType]; ok {
		return tmpl, nil
	}

	source := DefaultBody
	path := filepath.Join(r.templatesDir, recordType+".md")
	if data, err := os.ReadFile(path); err == nil {
		source = string(data)
	} else if !os.IsNotExist(err) {
		return nil, ferrors.Wrap(err, ferrors.CategoryFilesystem, "read template").
			WithContext("path", path).Build()
	}

	tmpl, err := template.New(recordType).Parse(source)
	if err != nil {
		return nil, ferrors.Config("template parse failed").
			WithCause(err).
			WithContext("record_type", recordType).Build()
	}
	if err := r.attachPartials(tmpl); err != nil {
		return nil, err
	}

	r.cache[recordType] = tmpl
	return tmpl, nil
}

// attachPartials parses every partial as an associated template named
// by its file name without extension, so templates can write
// {{template "signature" .}} for partials/signature.md.
func (r *Renderer) attachPartials(tmpl *template.Template) error {
	entries, err := os.ReadDir(r.partialsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ferrors.Wrap(err, ferrors.CategoryFilesystem, "read partials").Build()
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.partialsDir, entry.Name()))
		if err != nil {
			return ferrors.Wrap(err, ferrors.CategoryFilesystem, "read partial").
				WithContext("name", entry.Name()).Build()
		}
		name := strings.TrimSuffix(entry.Name(), ".md")
		if _, err := tmpl.New(name).Parse(string(data)); err != nil {
			return ferrors.Config("partial parse failed").
				WithCause(err).
				WithContext("name", name).Build()
		}
	}
	return nil
}

// Invalidate drops the parsed cache.
func (r *Renderer) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = map[string]*template.Template{}
}

// Watch invalidates the cache whenever a template or partial changes.
// Both directories must exist before watching.
func (r *Renderer) Watch() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return ferrors.Wrap(err, ferrors.CategoryFilesystem, "create template watcher").Build()
	}
	for _, dir := range []string{r.templatesDir, r.partialsDir} {
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return ferrors.Wrap(err, ferrors.CategoryFilesystem, "watch template directory").
				WithContext("path", dir).Build()
		}
	}

	r.fsw = fsw
	r.done = make(chan struct{})
	go func() {
		for {
			select {
			case <-r.done:
				return
			case _, ok := <-fsw.Events:
				if !ok {
					return
				}
				r.Invalidate()
			case _, ok := <-fsw.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Close stops the watcher if one is running.
func (r *Renderer) Close() error {
	if r.fsw == nil {
		return nil
	}
	close(r.done)
	return r.fsw.Close()
}
