// Package record defines the canonical civic record entity shared by the
// filesystem store, the index database, and the orchestrating engine.
package record

import (
	"time"

	"github.com/google/uuid"
)

// Record is a civic document: a markdown body plus the frontmatter
// fields the engine indexes.
//
// The file on disk owns the record; database rows are a derived mirror.
type Record struct {
	// ID is an opaque identifier, stable across renames. Immutable once
	// assigned.
	ID string
	// Slug is the filename-safe identifier, unique per type.
	Slug string
	// Type is one of the configured record types (bylaw, policy, ...).
	Type string
	// Title is the human-readable name the slug was derived from.
	Title  string
	Status string
	// Content is the markdown body below the frontmatter.
	Content string
	// Author is the username of the primary author. It must resolve to a
	// known user at write time but may later refer to a deleted user.
	Author  string
	Authors []Author

	CreatedAt time.Time
	UpdatedAt time.Time

	// Metadata holds free-form frontmatter: tags, module, version, and
	// any unknown keys found in the file. Preserved on rewrite.
	Metadata map[string]any

	Geography *Geography
}

// Author is a structured contributor entry.
type Author struct {
	Username string `yaml:"username" json:"username"`
	Role     string `yaml:"role,omitempty" json:"role,omitempty"`
}

// Geography carries the optional spatial frontmatter block.
type Geography struct {
	SRID    int       `yaml:"srid,omitempty" json:"srid,omitempty"`
	ZoneRef string    `yaml:"zone_ref,omitempty" json:"zone_ref,omitempty"`
	BBox    []float64 `yaml:"bbox,omitempty" json:"bbox,omitempty"`
	Center  []float64 `yaml:"center,omitempty" json:"center,omitempty"`
}

// NewID returns a fresh record identifier.
func NewID() string {
	return uuid.NewString()
}

// Tags returns the metadata tag list, tolerating both []string and
// []any shapes coming out of YAML.
func (r *Record) Tags() []string {
	if r.Metadata == nil {
		return nil
	}
	switch v := r.Metadata["tags"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Module returns the metadata module string, if set.
func (r *Record) Module() string {
	if r.Metadata == nil {
		return ""
	}
	if s, ok := r.Metadata["module"].(string); ok {
		return s
	}
	return ""
}

// Clone returns a deep copy so callers can mutate patches without
// aliasing the engine's loaded state.
func (r *Record) Clone() *Record {
	out := *r
	out.Authors = append([]Author(nil), r.Authors...)
	if r.Metadata != nil {
		out.Metadata = cloneMap(r.Metadata)
	}
	if r.Geography != nil {
		g := *r.Geography
		g.BBox = append([]float64(nil), r.Geography.BBox...)
		g.Center = append([]float64(nil), r.Geography.Center...)
		out.Geography = &g
	}
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		if list, ok := v.([]any); ok {
			out[k] = append([]any(nil), list...)
			continue
		}
		out[k] = v
	}
	return out
}
