// Package marketplace reads previously-fetched plugin catalogs. The refresh
// mechanism that produces the cached index files lives outside this module;
// this reader only consumes them.
package marketplace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/leeforge/pluginkit/errors"
	"github.com/leeforge/pluginkit/jsonx"
	"github.com/leeforge/pluginkit/logging"
)

// Reader loads and validates cached marketplace index files. One file per
// marketplace id, JSON or YAML by extension.
type Reader struct {
	dir      string
	validate *validator.Validate
	logger   logging.Logger
}

// NewReader creates a Reader over the given cache directory.
func NewReader(dir string, logger logging.Logger) *Reader {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Reader{
		dir:      dir,
		validate: validator.New(),
		logger:   logger.Named("marketplace"),
	}
}

// Load reads the cached index for a marketplace id. The first of
// <id>.json, <id>.yaml, <id>.yml found wins.
func (r *Reader) Load(marketplaceID string) (*Index, error) {
	if marketplaceID == "" {
		return nil, errors.NewInvalid("marketplace id is required")
	}

	var path string
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		candidate := filepath.Join(r.dir, marketplaceID+ext)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			path = candidate
			break
		}
	}
	if path == "" {
		return nil, errors.NewNotFoundInMarketplace(marketplaceID, "").
			WithDetail("reason", "no cached index file").
			WithDetail("dir", r.dir)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapWithType(err, errors.ErrorTypeInvalidIndexSchema, "failed to read index "+path)
	}

	var idx Index
	if strings.HasSuffix(path, ".json") {
		err = jsonx.Unmarshal(data, &idx)
	} else {
		err = yaml.Unmarshal(data, &idx)
	}
	if err != nil {
		return nil, errors.WrapWithType(err, errors.ErrorTypeInvalidIndexSchema, "failed to parse index "+path)
	}

	if err := r.Validate(&idx); err != nil {
		return nil, err
	}

	r.logger.Debug("marketplace index loaded",
		zap.String("marketplaceId", marketplaceID),
		zap.String("path", path),
		zap.Int("plugins", len(idx.Plugins)))
	return &idx, nil
}

// Validate checks the index against the schema rules: schemaVersion must be
// exactly 1, every sha256 must be 64 lowercase hex characters and no entry
// path may escape its extraction root.
func (r *Reader) Validate(idx *Index) error {
	if idx.SchemaVersion != SchemaVersion {
		return errors.NewInvalidIndexSchema(fmt.Sprintf("schemaVersion %d, want %d", idx.SchemaVersion, SchemaVersion))
	}
	if err := r.validate.Struct(idx); err != nil {
		return errors.WrapWithType(err, errors.ErrorTypeInvalidIndexSchema, "index failed validation")
	}

	seen := make(map[string]struct{}, len(idx.Plugins))
	for i := range idx.Plugins {
		p := &idx.Plugins[i]
		if _, dup := seen[p.ID]; dup {
			return errors.NewInvalidIndexSchema("duplicate plugin id " + p.ID)
		}
		seen[p.ID] = struct{}{}

		for j := range p.Versions {
			if reason, ok := unsafeEntryPath(p.Versions[j].Entry.Path); ok {
				return errors.NewInvalidIndexSchema(
					fmt.Sprintf("plugin %s version %s entry path %q %s",
						p.ID, p.Versions[j].Version, p.Versions[j].Entry.Path, reason))
			}
		}
	}
	return nil
}

// Get returns the catalog listing for a plugin id.
func (r *Reader) Get(marketplaceID, pluginID string) (*Plugin, error) {
	idx, err := r.Load(marketplaceID)
	if err != nil {
		return nil, err
	}
	for i := range idx.Plugins {
		if idx.Plugins[i].ID == pluginID {
			return &idx.Plugins[i], nil
		}
	}
	return nil, errors.NewNotFoundInMarketplace(marketplaceID, pluginID)
}

// Search returns listings whose id, name or description contain the query,
// case-insensitively. An empty query returns everything.
func (r *Reader) Search(marketplaceID, query string) ([]Plugin, error) {
	idx, err := r.Load(marketplaceID)
	if err != nil {
		return nil, err
	}
	if query == "" {
		return idx.Plugins, nil
	}

	q := strings.ToLower(query)
	var out []Plugin
	for _, p := range idx.Plugins {
		if strings.Contains(strings.ToLower(p.ID), q) ||
			strings.Contains(strings.ToLower(p.Name), q) ||
			strings.Contains(strings.ToLower(p.Description), q) {
			out = append(out, p)
		}
	}
	return out, nil
}

// unsafeEntryPath reports why a declared entry path is unacceptable.
func unsafeEntryPath(path string) (string, bool) {
	if path == "" {
		return "is empty", true
	}
	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") {
		return "is absolute", true
	}
	if strings.Contains(path, `\`) {
		return "contains a backslash", true
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == "." || segment == ".." {
			return "contains a dot segment", true
		}
	}
	return "", false
}
