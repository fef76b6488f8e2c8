// Package registry persists the plugin registry file: the single durable
// list of installed plugin records. Writes are atomic (temp file + rename)
// with a best-effort .bak mirror, and reads recover from the backup or from
// legacy file formats before degrading to an empty registry.
package registry

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/leeforge/pluginkit/config"
	"github.com/leeforge/pluginkit/errors"
	"github.com/leeforge/pluginkit/fsutil"
	"github.com/leeforge/pluginkit/jsonx"
	"github.com/leeforge/pluginkit/logging"
)

const (
	defaultRegistryName = "plugins.yaml"
	backupSuffix        = ".bak"
)

// legacyExtensions are consulted once for migration when the primary file
// is absent, in order.
var legacyExtensions = []string{".yml", ".json"}

// Store reads and writes the plugin registry file.
type Store struct {
	dataDir      string
	overridePath string
	installDir   string
	logger       logging.Logger
	mu           sync.Mutex
}

// NewStore creates a Store over the configured data directory.
func NewStore(settings config.Settings, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Store{
		dataDir:      settings.DataDir,
		overridePath: settings.RegistryPath,
		installDir:   settings.InstallDir,
		logger:       logger.Named("registry"),
	}
}

// Path resolves the registry file location: the configured override wins,
// otherwise <data-dir>/plugins/plugins.yaml. The resolved path must lie
// inside the data directory.
func (s *Store) Path() (string, error) {
	path := s.overridePath
	if path == "" {
		path = filepath.Join(s.dataDir, "plugins", defaultRegistryName)
	} else {
		path = fsutil.ExpandHome(path)
		if !filepath.IsAbs(path) {
			path = filepath.Join(s.dataDir, path)
		}
	}

	resolved, inside, err := fsutil.ResolveUnder(s.dataDir, path)
	if err != nil {
		return "", errors.FromError(err)
	}
	if !inside {
		return "", errors.NewPathEscape(resolved, s.dataDir)
	}
	return resolved, nil
}

// Read loads the registry. A missing file is not an error: recovery is
// attempted from the .bak sibling, then one-time migration from legacy
// formats, and finally an empty registry is returned. A present but
// unparsable primary falls back to the backup, then degrades to empty.
func (s *Store) Read() (path string, reg *Registry, exists bool, err error) {
	path, err = s.Path()
	if err != nil {
		return "", nil, false, err
	}

	if data, readErr := os.ReadFile(path); readErr == nil {
		reg, parseErr := parseRegistry(data, path)
		if parseErr == nil {
			return path, reg, true, nil
		}
		s.logger.Warn("registry file corrupted, trying backup",
			zap.String("path", path), zap.Error(parseErr))

		if reg := s.readBackup(path); reg != nil {
			return path, reg, true, nil
		}
		s.logger.Error("registry and backup both unreadable, degrading to empty registry",
			zap.String("path", path),
			zap.Error(errors.NewConfigCorrupted(path, parseErr)))
		return path, &Registry{}, true, nil
	}

	// Primary absent: backup first, then legacy migration.
	if reg := s.readBackup(path); reg != nil {
		s.logger.Warn("registry file missing, recovered from backup", zap.String("path", path))
		return path, reg, true, nil
	}
	if reg := s.migrateLegacy(path); reg != nil {
		return path, reg, true, nil
	}

	return path, &Registry{}, false, nil
}

// Write persists the registry atomically: the current primary is mirrored
// to .bak best-effort, the new content goes to a temp sibling, and a single
// rename makes it visible.
func (s *Store) Write(reg *Registry) error {
	path, err := s.Path()
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(reg.Plugins))
	for _, rec := range reg.Plugins {
		if _, dup := seen[rec.ID]; dup {
			return errors.NewInvalid("duplicate plugin id " + rec.ID)
		}
		seen[rec.ID] = struct{}{}
	}

	if _, exists, _ := fsutil.Exists(path); exists {
		if err := fsutil.CopyFile(path, path+backupSuffix); err != nil {
			s.logger.Warn("failed to write registry backup", zap.String("path", path+backupSuffix), zap.Error(err))
		}
	}

	data, err := yaml.Marshal(reg)
	if err != nil {
		return errors.FromError(err)
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return errors.FromError(err)
	}

	s.logger.Debug("registry written", zap.String("path", path), zap.Int("records", len(reg.Plugins)))
	return nil
}

// Upsert inserts or replaces a record. An empty id is derived from the
// module specifier; the module is normalized before storage. The stored
// record is returned.
func (s *Store) Upsert(rec PluginRecord) (PluginRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = DeriveID(rec.Module)
	}

	module, err := s.NormalizeModule(rec.Module)
	if err != nil {
		return PluginRecord{}, err
	}
	rec.Module = module

	_, reg, _, err := s.Read()
	if err != nil {
		return PluginRecord{}, err
	}

	if existing, ok := reg.Find(rec.ID); ok {
		*existing = rec
	} else {
		reg.Plugins = append(reg.Plugins, rec)
	}

	if err := s.Write(reg); err != nil {
		return PluginRecord{}, err
	}
	return rec, nil
}

// Patch applies a partial update to an existing record.
func (s *Store) Patch(id string, patch RecordPatch) (PluginRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, reg, _, err := s.Read()
	if err != nil {
		return PluginRecord{}, err
	}

	rec, ok := reg.Find(id)
	if !ok {
		return PluginRecord{}, errors.NewRecordNotFound(id)
	}

	if patch.Module != nil {
		module, err := s.NormalizeModule(*patch.Module)
		if err != nil {
			return PluginRecord{}, err
		}
		rec.Module = module
	}
	if patch.Enabled != nil {
		rec.Enabled = *patch.Enabled
	}
	if patch.Config != nil {
		rec.Config = patch.Config
	}
	if patch.Source != nil {
		rec.Source = patch.Source
	}

	if err := s.Write(reg); err != nil {
		return PluginRecord{}, err
	}
	return *rec, nil
}

// Remove deletes a record. Absence is not an error; the boolean reports
// whether anything was removed.
func (s *Store) Remove(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, reg, exists, err := s.Read()
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	kept := reg.Plugins[:0]
	removed := false
	for _, rec := range reg.Plugins {
		if rec.ID == id {
			removed = true
			continue
		}
		kept = append(kept, rec)
	}
	if !removed {
		return false, nil
	}

	reg.Plugins = kept
	if err := s.Write(reg); err != nil {
		return false, err
	}
	return true, nil
}

// List returns the registry for display, with a best-effort module file
// existence check per record. Missing files are reported, never fatal.
func (s *Store) List() (ListResult, error) {
	path, reg, exists, err := s.Read()
	if err != nil {
		return ListResult{}, err
	}

	result := ListResult{Path: path, Exists: exists, Records: make([]ListEntry, 0, len(reg.Plugins))}
	for _, rec := range reg.Plugins {
		entry := ListEntry{Record: rec}
		abs := s.ModuleAbsPath(rec.Module)
		if _, found, _ := fsutil.Exists(abs); !found {
			entry.ModuleMissing = true
			s.logger.Warn("plugin module file missing",
				zap.String("pluginId", rec.ID), zap.String("module", abs))
		}
		result.Records = append(result.Records, entry)
	}
	return result, nil
}

// NormalizeModule converts a module specifier (absolute path, file:// URL
// or bare relative name) to its stored form: relative to the registry
// file's directory when it resolves underneath it, absolute otherwise.
// A path escaping the data directory is a fatal path_escape error.
func (s *Store) NormalizeModule(module string) (string, error) {
	if module == "" {
		return "", errors.NewInvalid("module specifier is empty")
	}

	path, err := s.Path()
	if err != nil {
		return "", err
	}
	registryDir := filepath.Dir(path)

	m := strings.TrimPrefix(module, "file://")
	m = fsutil.ExpandHome(m)
	if !filepath.IsAbs(m) {
		m = filepath.Join(registryDir, m)
	}

	resolved, inside, err := fsutil.ResolveUnder(s.dataDir, m)
	if err != nil {
		return "", errors.FromError(err)
	}
	if !inside {
		return "", errors.NewPathEscape(resolved, s.dataDir)
	}

	if rel, err := filepath.Rel(registryDir, resolved); err == nil &&
		rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "./" + filepath.ToSlash(rel), nil
	}
	return resolved, nil
}

// ModuleAbsPath resolves a stored module specifier back to an absolute path.
func (s *Store) ModuleAbsPath(module string) string {
	if filepath.IsAbs(module) {
		return module
	}
	path, err := s.Path()
	if err != nil {
		return module
	}
	return filepath.Join(filepath.Dir(path), filepath.FromSlash(module))
}

func (s *Store) readBackup(path string) *Registry {
	data, err := os.ReadFile(path + backupSuffix)
	if err != nil {
		return nil
	}
	reg, err := parseRegistry(data, path+backupSuffix)
	if err != nil {
		s.logger.Warn("registry backup unreadable", zap.String("path", path+backupSuffix), zap.Error(err))
		return nil
	}
	return reg
}

// migrateLegacy consults known legacy siblings (<base>.yml, <base>.json)
// and mirrors the first parsable one into the primary format.
func (s *Store) migrateLegacy(path string) *Registry {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	for _, ext := range legacyExtensions {
		legacy := base + ext
		if legacy == path {
			continue
		}
		data, err := os.ReadFile(legacy)
		if err != nil {
			continue
		}

		var reg Registry
		if ext == ".json" {
			err = jsonx.Unmarshal(data, &reg)
		} else {
			err = yaml.Unmarshal(data, &reg)
		}
		if err != nil {
			s.logger.Warn("legacy registry file unreadable, skipping migration",
				zap.String("path", legacy), zap.Error(err))
			continue
		}

		s.logger.Info("migrating legacy registry file",
			zap.String("from", legacy), zap.String("to", path))
		if err := s.Write(&reg); err != nil {
			s.logger.Warn("failed to mirror legacy registry into primary format",
				zap.String("path", path), zap.Error(err))
		}
		return &reg
	}
	return nil
}

func parseRegistry(data []byte, path string) (*Registry, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.NewConfigCorrupted(path, nil).WithDetail("reason", "file is empty")
	}
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, errors.NewConfigCorrupted(path, err)
	}
	return &reg, nil
}
