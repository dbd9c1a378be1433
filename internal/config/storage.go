package config

import (
	"os"

	"gopkg.in/yaml.v3"

	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

// StorageConfig is the parsed storage.yml: record tree layout, archive
// policy, and per-type limits.
type StorageConfig struct {
	// RecordPattern globs record files under the records root.
	RecordPattern string `yaml:"recordPattern,omitempty"`
	// ArchivePolicy is "move" (default: relocate to archive/<type>/) or
	// "delete" (remove outright; git history still holds the content).
	ArchivePolicy string `yaml:"archivePolicy,omitempty"`
	// MaxRecordBytes caps a single record file size. Zero means no cap.
	MaxRecordBytes int64 `yaml:"maxRecordBytes,omitempty"`
	// Types optionally restricts the configured record types.
	Types []string `yaml:"types,omitempty"`
}

// Archive policies.
const (
	ArchiveMove   = "move"
	ArchiveDelete = "delete"
)

// DefaultRecordTypes is used when storage.yml does not restrict types.
var DefaultRecordTypes = []string{
	"bylaw", "policy", "resolution", "ordinance", "proclamation", "motion", "feedback",
}

// LoadStorage reads storage.yml. A missing file yields defaults.
func LoadStorage(path string) (*StorageConfig, error) {
	cfg := &StorageConfig{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, ferrors.Wrap(err, ferrors.CategoryConfig, "read storage config").Build()
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryConfig, "parse storage config").WithContext("path", path).Build()
	}

	switch cfg.ArchivePolicy {
	case "", ArchiveMove, ArchiveDelete:
	default:
		return nil, ferrors.Config("invalid archive policy").
			WithContext("policy", cfg.ArchivePolicy).Build()
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *StorageConfig) applyDefaults() {
	if c.RecordPattern == "" {
		c.RecordPattern = "*/*.md"
	}
	if c.ArchivePolicy == "" {
		c.ArchivePolicy = ArchiveMove
	}
	if len(c.Types) == 0 {
		c.Types = DefaultRecordTypes
	}
}

// HasType reports whether a record type is configured.
func (c *StorageConfig) HasType(recordType string) bool {
	for _, t := range c.Types {
		if t == recordType {
			return true
		}
	}
	return false
}
