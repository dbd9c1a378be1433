// Package config discovers and loads the root manifest (.civicrc) and
// the typed configuration files under .civic/.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

// ManifestName is the root manifest filename.
const ManifestName = ".civicrc"

// Well-known paths inside the data directory.
const (
	CivicDir      = ".civic"
	RecordsDir    = "records"
	ArchiveDir    = "archive"
	SystemDataDir = ".system-data"
	TemplatesDir  = "templates"
	PartialsDir   = "partials"

	WorkflowsFile = "workflows.yml"
	RolesFile     = "roles.yml"
	HooksFile     = "hooks.yml"
	StorageFile   = "storage.yml"

	DatabaseFile = "civic.db"
	ActivityFile = "activity.log"
	IndexFile    = "index.yml"
)

// Manifest is the parsed .civicrc.
type Manifest struct {
	// DataDir is the repository root holding records/ and .civic/.
	// Relative paths resolve against the manifest's own directory.
	DataDir  string         `yaml:"dataDir"`
	Database DatabaseConfig `yaml:"database"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Features FeatureToggles `yaml:"features"`

	// root is the directory the manifest was found in.
	root string
}

// DatabaseConfig selects the index database backend.
type DatabaseConfig struct {
	// Adapter is "sqlite" (default) or "postgres".
	Adapter string `yaml:"adapter"`
	// Path is the sqlite file path (relative to the system data dir) or
	// a postgres DSN.
	Path string `yaml:"path"`
}

// DefaultsConfig carries engine-wide fallbacks.
type DefaultsConfig struct {
	Author   string `yaml:"author"`
	Template string `yaml:"template"`
}

// FeatureToggles enables optional subsystems.
type FeatureToggles struct {
	Metrics bool `yaml:"metrics"`
	// MetricsAddr is the listen address for the daemon metrics endpoint.
	MetricsAddr string `yaml:"metricsAddr"`
	// NATSURL, when set, forwards every hook emission to NATS.
	NATSURL string `yaml:"natsUrl"`
}

// Load reads a manifest from an explicit path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ferrors.NotFound("manifest not found").WithContext("path", path).Build()
		}
		return nil, ferrors.Wrap(err, ferrors.CategoryConfig, "read manifest").Build()
	}

	var m Manifest
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &m); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryConfig, "parse manifest").WithContext("path", path).Build()
	}

	m.root, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryConfig, "resolve manifest directory").Build()
	}
	m.applyDefaults()
	return &m, nil
}

// Discover walks upward from dir looking for a manifest, like git does
// for .git.
func Discover(dir string) (*Manifest, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryConfig, "resolve working directory").Build()
	}
	for {
		candidate := filepath.Join(abs, ManifestName)
		if _, err := os.Stat(candidate); err == nil {
			return Load(candidate)
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return nil, ferrors.NotFound("no " + ManifestName + " found in this or any parent directory").Build()
		}
		abs = parent
	}
}

func (m *Manifest) applyDefaults() {
	if m.DataDir == "" {
		m.DataDir = "."
	}
	if m.Database.Adapter == "" {
		m.Database.Adapter = "sqlite"
	}
	if m.Database.Path == "" && m.Database.Adapter == "sqlite" {
		m.Database.Path = DatabaseFile
	}
	if m.Features.MetricsAddr == "" {
		m.Features.MetricsAddr = ":9464"
	}
}

// Root returns the absolute data directory.
func (m *Manifest) Root() string {
	if filepath.IsAbs(m.DataDir) {
		return m.DataDir
	}
	return filepath.Join(m.root, m.DataDir)
}

func (m *Manifest) CivicPath(parts ...string) string {
	return filepath.Join(append([]string{m.Root(), CivicDir}, parts...)...)
}

func (m *Manifest) RecordsPath(parts ...string) string {
	return filepath.Join(append([]string{m.Root(), RecordsDir}, parts...)...)
}

func (m *Manifest) SystemDataPath(parts ...string) string {
	return filepath.Join(append([]string{m.Root(), SystemDataDir}, parts...)...)
}

// DatabasePath returns the sqlite file location (only meaningful for
// the sqlite adapter).
func (m *Manifest) DatabasePath() string {
	if filepath.IsAbs(m.Database.Path) {
		return m.Database.Path
	}
	return m.SystemDataPath(m.Database.Path)
}

func (m *Manifest) ActivityLogPath() string {
	return m.SystemDataPath(ActivityFile)
}

func (m *Manifest) IndexPath() string {
	return m.RecordsPath(IndexFile)
}
