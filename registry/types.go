package registry

import (
	"github.com/leeforge/pluginkit/marketplace"
	"github.com/leeforge/pluginkit/permission"
)

// PluginRecord is one installed or configured plugin as persisted in the
// registry file. The registry file is the sole durable owner of records;
// in-memory copies are caches invalidated on every read.
type PluginRecord struct {
	// ID is the stable slug uniquely identifying the plugin.
	ID string `yaml:"id" json:"id"`

	// Module is the specifier of the plugin's entry file, stored relative
	// to the registry file's directory when it resolves underneath it.
	Module string `yaml:"module" json:"module"`

	// Enabled controls whether the runtime loads the plugin.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Config is an opaque structured blob owned by the plugin.
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`

	// Source records install provenance for upgrades and rollbacks.
	Source *SourceDescriptor `yaml:"source,omitempty" json:"source,omitempty"`
}

// SourceDescriptor records where a registered plugin came from.
type SourceDescriptor struct {
	Type          string                   `yaml:"type" json:"type"`
	MarketplaceID string                   `yaml:"marketplaceId,omitempty" json:"marketplaceId,omitempty"`
	PluginID      string                   `yaml:"pluginId,omitempty" json:"pluginId,omitempty"`
	Version       string                   `yaml:"version,omitempty" json:"version,omitempty"`
	Dist          *marketplace.Dist        `yaml:"dist,omitempty" json:"dist,omitempty"`
	Install       *marketplace.InstallSpec `yaml:"install,omitempty" json:"install,omitempty"`
	Permissions   *permission.Permissions  `yaml:"permissions,omitempty" json:"permissions,omitempty"`
}

// SourceTypeMarketplace marks records installed from a marketplace catalog.
const SourceTypeMarketplace = "marketplace"

// Registry is the full persisted registry file content.
type Registry struct {
	Plugins []PluginRecord `yaml:"plugins" json:"plugins"`
}

// Find returns the record with the given id.
func (r *Registry) Find(id string) (*PluginRecord, bool) {
	for i := range r.Plugins {
		if r.Plugins[i].ID == id {
			return &r.Plugins[i], true
		}
	}
	return nil, false
}

// RecordPatch is a partial update applied to an existing record. Nil fields
// are left untouched.
type RecordPatch struct {
	Module  *string
	Enabled *bool
	Config  map[string]any
	Source  *SourceDescriptor
}

// ListEntry pairs a record with the result of the best-effort module file
// existence check performed during listing.
type ListEntry struct {
	Record        PluginRecord `json:"record"`
	ModuleMissing bool         `json:"moduleMissing,omitempty"`
}

// ListResult is the read-only registry view exposed to the admin layer.
type ListResult struct {
	Path    string      `json:"path"`
	Exists  bool        `json:"exists"`
	Records []ListEntry `json:"records"`
}
