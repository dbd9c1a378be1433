package config

import (
	"os"

	"gopkg.in/yaml.v3"

	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

// Resolved is the full configuration snapshot the container builds from.
// It is immutable after Resolve; reload happens by resolving again and
// swapping.
type Resolved struct {
	Manifest  *Manifest
	Workflows *WorkflowConfig
	Roles     *RolesConfig
	Hooks     *HooksConfig
	Storage   *StorageConfig
	Mode      Mode
}

// Resolve discovers the manifest from dir and loads every config file
// under .civic/.
func Resolve(dir string) (*Resolved, error) {
	LoadEnv()

	manifest, err := Discover(dir)
	if err != nil {
		return nil, err
	}
	return resolveFrom(manifest)
}

// ResolveManifest loads everything from an already-located manifest.
func ResolveManifest(path string) (*Resolved, error) {
	LoadEnv()

	manifest, err := Load(path)
	if err != nil {
		return nil, err
	}
	return resolveFrom(manifest)
}

func resolveFrom(manifest *Manifest) (*Resolved, error) {
	workflows, err := LoadWorkflows(manifest.CivicPath(WorkflowsFile))
	if err != nil {
		return nil, err
	}
	roles, err := LoadRoles(manifest.CivicPath(RolesFile))
	if err != nil {
		return nil, err
	}
	hooks, err := LoadHooks(manifest.CivicPath(HooksFile))
	if err != nil {
		return nil, err
	}
	storage, err := LoadStorage(manifest.CivicPath(StorageFile))
	if err != nil {
		return nil, err
	}

	return &Resolved{
		Manifest:  manifest,
		Workflows: workflows,
		Roles:     roles,
		Hooks:     hooks,
		Storage:   storage,
		Mode:      CurrentMode(),
	}, nil
}

// Init scaffolds a data directory: manifest, default workflow, and the
// records/system trees. Existing files are preserved unless force is
// set.
func Init(dir string, force bool) error {
	manifestPath := dir + string(os.PathSeparator) + ManifestName
	if _, err := os.Stat(manifestPath); err == nil && !force {
		return ferrors.Conflict("already initialized").WithContext("path", manifestPath).Build()
	}

	for _, sub := range []string{CivicDir, RecordsDir, SystemDataDir,
		CivicDir + string(os.PathSeparator) + TemplatesDir,
		CivicDir + string(os.PathSeparator) + PartialsDir} {
		if err := os.MkdirAll(dir+string(os.PathSeparator)+sub, 0o750); err != nil {
			return ferrors.Wrap(err, ferrors.CategoryFilesystem, "create directory").WithContext("path", sub).Build()
		}
	}

	manifest := Manifest{DataDir: "."}
	manifest.applyDefaults()
	if err := writeYAML(manifestPath, &manifest); err != nil {
		return err
	}

	workflowsPath := dir + string(os.PathSeparator) + CivicDir + string(os.PathSeparator) + WorkflowsFile
	if _, err := os.Stat(workflowsPath); os.IsNotExist(err) || force {
		if err := writeYAML(workflowsPath, DefaultWorkflow()); err != nil {
			return err
		}
	}
	return nil
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CategoryConfig, "serialize config").Build()
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return ferrors.Wrap(err, ferrors.CategoryFilesystem, "write config").WithContext("path", path).Build()
	}
	return nil
}
