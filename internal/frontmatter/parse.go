package frontmatter

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/civicstack/civic/internal/record"
)

// Known top-level frontmatter keys. Anything else found in a header is
// preserved under the record's metadata bag.
var knownKeys = map[string]struct{}{
	"id": {}, "title": {}, "type": {}, "status": {}, "slug": {},
	"author": {}, "authors": {}, "created_at": {}, "updated_at": {},
	"metadata": {}, "geography": {},
}

// Parse decodes a full record document (header + body) into a Record.
// Missing optional keys default; unknown keys land in Metadata.
func Parse(content []byte) (*record.Record, Style, error) {
	header, body, had, style, err := Split(content)
	if err != nil {
		return nil, style, err
	}

	r := &record.Record{Content: string(body)}
	if !had || len(header) == 0 {
		return r, style, nil
	}

	var fields map[string]any
	if err := yaml.Unmarshal(header, &fields); err != nil {
		return nil, style, fmt.Errorf("parse frontmatter: %w", err)
	}

	for key, value := range fields {
		if _, known := knownKeys[key]; known {
			continue
		}
		if r.Metadata == nil {
			r.Metadata = map[string]any{}
		}
		r.Metadata[key] = value
	}

	r.ID = stringField(fields, "id")
	r.Title = stringField(fields, "title")
	r.Type = stringField(fields, "type")
	r.Status = stringField(fields, "status")
	r.Slug = stringField(fields, "slug")
	r.Author = stringField(fields, "author")
	r.CreatedAt = timeField(fields, "created_at")
	r.UpdatedAt = timeField(fields, "updated_at")

	if raw, ok := fields["metadata"]; ok {
		if m, ok := raw.(map[string]any); ok {
			if r.Metadata == nil {
				r.Metadata = map[string]any{}
			}
			for k, v := range m {
				r.Metadata[k] = v
			}
		}
	}

	if raw, ok := fields["authors"]; ok {
		r.Authors = parseAuthors(raw)
	}
	if raw, ok := fields["geography"]; ok {
		r.Geography = parseGeography(raw)
	}

	return r, style, nil
}

func stringField(fields map[string]any, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

// timeField accepts RFC3339 timestamps, bare dates, and yaml's own
// time.Time decoding. Unparseable values are dropped, not fatal: the
// validator reports them separately.
func timeField(fields map[string]any, key string) time.Time {
	switch v := fields[key].(type) {
	case time.Time:
		return v
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

func parseAuthors(raw any) []record.Author {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]record.Author, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case string:
			out = append(out, record.Author{Username: v})
		case map[string]any:
			a := record.Author{}
			if s, ok := v["username"].(string); ok {
				a.Username = s
			}
			if s, ok := v["role"].(string); ok {
				a.Role = s
			}
			if a.Username != "" {
				out = append(out, a)
			}
		}
	}
	return out
}

func parseGeography(raw any) *record.Geography {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	g := &record.Geography{}
	if n, ok := m["srid"].(int); ok {
		g.SRID = n
	}
	if s, ok := m["zone_ref"].(string); ok {
		g.ZoneRef = s
	}
	g.BBox = floatList(m["bbox"])
	g.Center = floatList(m["center"])
	return g
}

func floatList(raw any) []float64 {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case float64:
			out = append(out, v)
		case int:
			out = append(out, float64(v))
		}
	}
	return out
}
