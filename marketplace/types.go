package marketplace

// SchemaVersion is the only index schema this reader understands.
const SchemaVersion = 1

// Dist archive kinds.
const (
	DistZip = "zip"
	DistTgz = "tgz"
)

// Install modes.
const (
	InstallModeNone       = "none"
	InstallModeDependency = "dependency-install"
)

// Index is a versioned, externally-refreshed catalog of installable plugins.
type Index struct {
	SchemaVersion int      `json:"schemaVersion" yaml:"schemaVersion" validate:"eq=1"`
	Plugins       []Plugin `json:"plugins" yaml:"plugins" validate:"dive"`
}

// Plugin is one catalog listing with its published versions.
type Plugin struct {
	ID          string          `json:"id" yaml:"id" validate:"required"`
	Name        string          `json:"name,omitempty" yaml:"name,omitempty"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Versions    []PluginVersion `json:"versions" yaml:"versions" validate:"dive"`
}

// PluginVersion is an immutable published version of a plugin.
type PluginVersion struct {
	Version     string             `json:"version" yaml:"version" validate:"required"`
	Entry       Entry              `json:"entry" yaml:"entry"`
	Dist        Dist               `json:"dist" yaml:"dist"`
	Install     *InstallSpec       `json:"install,omitempty" yaml:"install,omitempty"`
	Permissions *PermissionRequest `json:"permissions,omitempty" yaml:"permissions,omitempty"`
}

// Entry locates the code entry point inside the extracted archive.
type Entry struct {
	Path string `json:"path" yaml:"path" validate:"required"`
}

// Dist describes the downloadable artifact for a version.
type Dist struct {
	Type   string `json:"type" yaml:"type" validate:"required,oneof=zip tgz"`
	URL    string `json:"url" yaml:"url" validate:"required,url"`
	SHA256 string `json:"sha256" yaml:"sha256" validate:"required,len=64,hexadecimal,lowercase"`
}

// InstallSpec declares the optional dependency-installation step.
type InstallSpec struct {
	Mode           string `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,oneof=none dependency-install"`
	Production     bool   `json:"production,omitempty" yaml:"production,omitempty"`
	IgnoreScripts  bool   `json:"ignoreScripts,omitempty" yaml:"ignoreScripts,omitempty"`
	FrozenLockfile bool   `json:"frozenLockfile,omitempty" yaml:"frozenLockfile,omitempty"`
	Registry       string `json:"registry,omitempty" yaml:"registry,omitempty"`
}

// WantsDependencyInstall reports whether the version requests the
// dependency-install step.
func (s *InstallSpec) WantsDependencyInstall() bool {
	return s != nil && s.Mode == InstallModeDependency
}

// PermissionRequest is a version's declared capability requests. Absent
// arrays mean "nothing requested"; defaulting happens at the permission
// gate, not here.
type PermissionRequest struct {
	Network   []string `json:"network,omitempty" yaml:"network,omitempty"`
	FS        []string `json:"fs,omitempty" yaml:"fs,omitempty"`
	Instances []string `json:"instances,omitempty" yaml:"instances,omitempty"`
}

// VersionStrings returns the plugin's published version strings in catalog order.
func (p *Plugin) VersionStrings() []string {
	out := make([]string, 0, len(p.Versions))
	for _, v := range p.Versions {
		out = append(out, v.Version)
	}
	return out
}

// FindVersion returns the catalog entry for an exact version string.
func (p *Plugin) FindVersion(version string) (*PluginVersion, bool) {
	for i := range p.Versions {
		if p.Versions[i].Version == version {
			return &p.Versions[i], true
		}
	}
	return nil, false
}
