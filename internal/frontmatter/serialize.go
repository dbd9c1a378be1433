package frontmatter

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/civicstack/civic/internal/record"
)

// canonicalOrder fixes the top-level key order so serialization is
// byte-stable across rewrites.
var canonicalOrder = []string{
	"title", "type", "status", "id", "slug",
	"author", "authors", "created_at", "updated_at",
	"metadata", "geography",
}

// Serialize renders a full record document: canonical frontmatter
// followed by the markdown body. Known keys appear in canonical order;
// metadata keys are sorted recursively.
func Serialize(r *record.Record, style Style) ([]byte, error) {
	fields := map[string]*yaml.Node{}

	fields["title"] = scalarString(r.Title)
	fields["type"] = scalarString(r.Type)
	fields["status"] = scalarString(r.Status)
	if r.ID != "" {
		fields["id"] = scalarString(r.ID)
	}
	if r.Slug != "" {
		fields["slug"] = scalarString(r.Slug)
	}
	if r.Author != "" {
		fields["author"] = scalarString(r.Author)
	}
	if len(r.Authors) > 0 {
		fields["authors"] = authorsNode(r.Authors)
	}
	if !r.CreatedAt.IsZero() {
		fields["created_at"] = scalarString(r.CreatedAt.UTC().Format(time.RFC3339))
	}
	if !r.UpdatedAt.IsZero() {
		fields["updated_at"] = scalarString(r.UpdatedAt.UTC().Format(time.RFC3339))
	}
	if len(r.Metadata) > 0 {
		node, err := nodeFromStringMap(r.Metadata)
		if err != nil {
			return nil, err
		}
		fields["metadata"] = node
	}
	if r.Geography != nil {
		fields["geography"] = geographyNode(r.Geography)
	}

	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, key := range canonicalOrder {
		node, ok := fields[key]
		if !ok {
			continue
		}
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, node)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		_ = enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}

	header := buf.Bytes()
	nl := style.Newline
	if nl != "" && nl != "\n" {
		header = bytes.ReplaceAll(header, []byte("\n"), []byte(nl))
	}
	return Join(header, []byte(r.Content), style), nil
}

func scalarString(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

func authorsNode(authors []record.Author) *yaml.Node {
	seq := &yaml.Node{Kind: yaml.SequenceNode}
	for _, a := range authors {
		m := &yaml.Node{Kind: yaml.MappingNode}
		m.Content = append(m.Content, scalarString("username"), scalarString(a.Username))
		if a.Role != "" {
			m.Content = append(m.Content, scalarString("role"), scalarString(a.Role))
		}
		seq.Content = append(seq.Content, m)
	}
	return seq
}

func geographyNode(g *record.Geography) *yaml.Node {
	m := &yaml.Node{Kind: yaml.MappingNode}
	if g.SRID != 0 {
		m.Content = append(m.Content, scalarString("srid"),
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(g.SRID)})
	}
	if g.ZoneRef != "" {
		m.Content = append(m.Content, scalarString("zone_ref"), scalarString(g.ZoneRef))
	}
	if len(g.BBox) > 0 {
		m.Content = append(m.Content, scalarString("bbox"), floatSeq(g.BBox))
	}
	if len(g.Center) > 0 {
		m.Content = append(m.Content, scalarString("center"), floatSeq(g.Center))
	}
	return m
}

func floatSeq(values []float64) *yaml.Node {
	seq := &yaml.Node{Kind: yaml.SequenceNode}
	for _, v := range values {
		seq.Content = append(seq.Content, &yaml.Node{
			Kind: yaml.ScalarNode, Tag: "!!float",
			Value: strconv.FormatFloat(v, 'g', -1, 64),
		})
	}
	return seq
}

// nodeFromStringMap builds a mapping node with recursively sorted keys.
func nodeFromStringMap(m map[string]any) (*yaml.Node, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	n := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range keys {
		valNode, err := nodeFromAny(m[k])
		if err != nil {
			return nil, err
		}
		n.Content = append(n.Content, scalarString(k), valNode)
	}
	return n, nil
}

func nodeFromAny(v any) (*yaml.Node, error) {
	switch vv := v.(type) {
	case nil:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}, nil
	case string:
		return scalarString(vv), nil
	case bool:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(vv)}, nil
	case int:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(vv)}, nil
	case int64:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatInt(vv, 10)}, nil
	case float64:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: fmt.Sprintf("%v", vv)}, nil
	case map[string]any:
		return nodeFromStringMap(vv)
	case map[any]any:
		converted := make(map[string]any, len(vv))
		for k, val := range vv {
			converted[fmt.Sprint(k)] = val
		}
		return nodeFromStringMap(converted)
	case []string:
		seq := &yaml.Node{Kind: yaml.SequenceNode}
		for _, item := range vv {
			seq.Content = append(seq.Content, scalarString(item))
		}
		return seq, nil
	case []any:
		seq := &yaml.Node{Kind: yaml.SequenceNode}
		for _, item := range vv {
			node, err := nodeFromAny(item)
			if err != nil {
				return nil, err
			}
			seq.Content = append(seq.Content, node)
		}
		return seq, nil
	default:
		// Fall back to yaml's own encoding for uncommon scalar types.
		raw, err := yaml.Marshal(v)
		if err != nil {
			return nil, err
		}
		var node yaml.Node
		if err := yaml.Unmarshal(raw, &node); err != nil {
			return nil, err
		}
		if len(node.Content) == 0 {
			return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}, nil
		}
		return node.Content[0], nil
	}
}
