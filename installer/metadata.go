package installer

import (
	"os"
	"path/filepath"
	"time"

	"github.com/leeforge/pluginkit/errors"
	"github.com/leeforge/pluginkit/fsutil"
	"github.com/leeforge/pluginkit/jsonx"
	"github.com/leeforge/pluginkit/marketplace"
	"github.com/leeforge/pluginkit/permission"
)

// metadataFileName is the install-metadata side file written into every
// installed version directory. Rollback depends on it to recover the
// entry path without re-downloading anything.
const metadataFileName = ".install.json"

// InstallMetadata records the provenance of one installed version.
type InstallMetadata struct {
	InstalledAt   time.Time                `json:"installedAt"`
	Type          string                   `json:"type"`
	MarketplaceID string                   `json:"marketplaceId"`
	PluginID      string                   `json:"pluginId"`
	Version       string                   `json:"version"`
	Dist          marketplace.Dist         `json:"dist"`
	Install       *marketplace.InstallSpec `json:"install,omitempty"`
	Permissions   permission.Permissions   `json:"permissions"`
	Entry         MetadataEntry            `json:"entry"`
}

// MetadataEntry is the entry path resolved at install time, relative to
// the version directory.
type MetadataEntry struct {
	Path string `json:"path"`
}

func writeMetadata(versionDir string, meta InstallMetadata) error {
	data, err := jsonx.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.FromError(err)
	}
	return fsutil.WriteFileAtomic(filepath.Join(versionDir, metadataFileName), data, 0o644)
}

func readMetadata(versionDir string) (*InstallMetadata, error) {
	data, err := os.ReadFile(filepath.Join(versionDir, metadataFileName))
	if err != nil {
		return nil, err
	}
	var meta InstallMetadata
	if err := jsonx.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
