// Package installer orchestrates the plugin lifecycle: resolving a version
// from a marketplace catalog, gating its permissions against operator
// policy, downloading and verifying the archive, extracting it into a
// per-version directory, optionally installing its dependencies, and
// registering the result. A single FIFO lock serializes every mutating
// operation.
package installer

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/leeforge/pluginkit/archive"
	"github.com/leeforge/pluginkit/config"
	"github.com/leeforge/pluginkit/errors"
	"github.com/leeforge/pluginkit/fsutil"
	"github.com/leeforge/pluginkit/logging"
	"github.com/leeforge/pluginkit/marketplace"
	"github.com/leeforge/pluginkit/permission"
	"github.com/leeforge/pluginkit/registry"
	"github.com/leeforge/pluginkit/version"
)

// PolicyProvider yields the operator policy in force for one operation.
// Policy is re-read per operation, never cached across them.
type PolicyProvider interface {
	Policy() (config.Policy, error)
}

// StaticPolicy is a fixed PolicyProvider, mostly for tests and embedders
// that manage configuration themselves.
type StaticPolicy config.Policy

// Policy returns the wrapped policy unchanged.
func (p StaticPolicy) Policy() (config.Policy, error) {
	return config.Policy(p), nil
}

// Options configures a new Installer. Zero-value fields get working
// defaults; only Settings is required.
type Options struct {
	Settings     config.Settings
	Policies     PolicyProvider
	Store        *registry.Store
	Marketplaces *marketplace.Reader
	Runner       ProcessRunner
	Client       *http.Client
	Logger       logging.Logger
}

// Installer coordinates install, upgrade, rollback and uninstall against
// the registry store, the marketplace reader and the filesystem.
type Installer struct {
	settings  config.Settings
	policies  PolicyProvider
	store     *registry.Store
	market    *marketplace.Reader
	gate      *permission.Gate
	extractor *archive.Extractor
	runner    ProcessRunner
	client    *http.Client
	lock      *InstallLock
	logger    logging.Logger
}

// New builds an Installer from options.
func New(opts Options) *Installer {
	settings := opts.Settings
	settings.Normalize()

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	store := opts.Store
	if store == nil {
		store = registry.NewStore(settings, logger)
	}
	market := opts.Marketplaces
	if market == nil {
		market = marketplace.NewReader(settings.MarketplaceDir, logger)
	}
	runner := opts.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	client := opts.Client
	if client == nil {
		client = newHTTPClient()
	}
	policies := opts.Policies
	if policies == nil {
		// Deny-all until the embedder wires real configuration.
		policies = StaticPolicy{}
	}

	return &Installer{
		settings:  settings,
		policies:  policies,
		store:     store,
		market:    market,
		gate:      permission.NewGate(logger),
		extractor: archive.NewExtractor(logger),
		runner:    runner,
		client:    client,
		lock:      NewInstallLock(),
		logger:    logger.Named("installer"),
	}
}

// Store exposes the registry store backing this installer.
func (i *Installer) Store() *registry.Store {
	return i.store
}

// InstallRequest asks for one plugin from one marketplace. An empty
// Version selects the highest published version.
type InstallRequest struct {
	MarketplaceID string         `json:"marketplaceId"`
	PluginID      string         `json:"pluginId"`
	Version       string         `json:"version,omitempty"`
	Enabled       *bool          `json:"enabled,omitempty"`
	Config        map[string]any `json:"config,omitempty"`

	// DryRun resolves and permission-checks only; nothing touches the
	// network, the filesystem or the registry.
	DryRun bool `json:"dryRun,omitempty"`
}

// InstallResult reports a completed (or dry-run) installation.
type InstallResult struct {
	ID          string                 `json:"id"`
	PluginID    string                 `json:"pluginId"`
	Version     string                 `json:"version"`
	Module      string                 `json:"module"`
	EntryPath   string                 `json:"entryPath"`
	InstallDir  string                 `json:"installDir"`
	Permissions permission.Permissions `json:"permissions"`
	DryRun      bool                   `json:"dryRun,omitempty"`
}

// UpgradeRequest asks to move a registered plugin to another published
// version. MarketplaceID and Version default to the record's originating
// marketplace and the highest published version.
type UpgradeRequest struct {
	MarketplaceID string `json:"marketplaceId,omitempty"`
	Version       string `json:"version,omitempty"`
}

// UpgradeResult reports a version change performed through Upgrade.
type UpgradeResult struct {
	ID      string        `json:"id"`
	From    string        `json:"from"`
	To      string        `json:"to"`
	Install InstallResult `json:"install"`
}

// RollbackResult reports a registry re-point to an earlier on-disk version.
type RollbackResult struct {
	ID     string `json:"id"`
	From   string `json:"from"`
	To     string `json:"to"`
	Module string `json:"module"`
}

// UninstallResult reports record and file removal.
type UninstallResult struct {
	ID           string `json:"id"`
	Removed      bool   `json:"removed"`
	FilesRemoved bool   `json:"filesRemoved"`
}

// VersionsResult lists the versions available on disk for one plugin.
type VersionsResult struct {
	ID        string   `json:"id"`
	Current   string   `json:"current,omitempty"`
	Installed []string `json:"installed"`
}

// DescribeResult is the full lifecycle view of one registered plugin.
type DescribeResult struct {
	Record        registry.PluginRecord `json:"record"`
	ModuleMissing bool                  `json:"moduleMissing,omitempty"`
	Installed     []string              `json:"installed"`
	Metadata      *InstallMetadata      `json:"metadata,omitempty"`
}

// Install resolves, verifies and registers one plugin version. Concurrent
// calls are serialized in arrival order.
func (i *Installer) Install(ctx context.Context, req InstallRequest) (*InstallResult, error) {
	if err := i.lock.Acquire(ctx); err != nil {
		return nil, errors.FromError(err)
	}
	defer i.lock.Release()
	return i.installLocked(ctx, req)
}

// installLocked runs the install pipeline. The install lock must be held.
func (i *Installer) installLocked(ctx context.Context, req InstallRequest) (*InstallResult, error) {
	log := i.logger.With(
		zap.String("marketplaceId", req.MarketplaceID),
		zap.String("pluginId", req.PluginID))
	log.Info("install requested", zap.Stringer("state", StateRequested),
		zap.String("requestedVersion", req.Version), zap.Bool("dryRun", req.DryRun))

	if !validPluginID(req.PluginID) {
		return nil, errors.NewInvalid("plugin id must be a single path segment").
			WithDetail("pluginId", req.PluginID)
	}

	policy, err := i.policies.Policy()
	if err != nil {
		return nil, errors.FromError(err)
	}

	plugin, err := i.market.Get(req.MarketplaceID, req.PluginID)
	if err != nil {
		return nil, err
	}

	selected, ok := version.Pick(plugin.VersionStrings(), req.Version)
	if !ok {
		requested := req.Version
		if requested == "" {
			requested = "latest"
		}
		return nil, errors.NewVersionNotFound(req.PluginID, requested)
	}
	ver, _ := plugin.FindVersion(selected)
	log = log.With(zap.String("version", selected))
	log.Info("version resolved", zap.Stringer("state", StateResolved))

	perms := i.gate.Resolve(ver.Permissions)
	if err := i.gate.Validate(perms, ver.Install, policy); err != nil {
		log.Warn("permission check failed", zap.Stringer("state", StateFailed), zap.Error(err))
		return nil, err
	}
	log.Info("permissions validated", zap.Stringer("state", StatePermissionChecked))

	id := req.PluginID
	verDir := i.versionDir(id, selected)

	if req.DryRun {
		prospective := filepath.Join(verDir, filepath.FromSlash(ver.Entry.Path))
		module, err := i.store.NormalizeModule(prospective)
		if err != nil {
			return nil, err
		}
		return &InstallResult{
			ID:          id,
			PluginID:    req.PluginID,
			Version:     selected,
			Module:      module,
			EntryPath:   ver.Entry.Path,
			InstallDir:  verDir,
			Permissions: perms,
			DryRun:      true,
		}, nil
	}

	archivePath, err := downloadArchive(ctx, i.client, i.settings.TempDir,
		ver.Dist.URL, id+"-"+selected, ver.Dist.SHA256)
	if err != nil {
		log.Warn("download failed", zap.Stringer("state", StateFailed), zap.Error(err))
		return nil, err
	}
	defer os.Remove(archivePath)
	log.Info("archive downloaded", zap.Stringer("state", StateVerified),
		zap.String("archive", archivePath))

	// Reinstalling the same version replaces the directory wholesale.
	if err := os.RemoveAll(verDir); err != nil {
		return nil, errors.FromError(err)
	}
	if err := i.extractor.Extract(ver.Dist.Type, archivePath, verDir); err != nil {
		os.RemoveAll(verDir)
		log.Warn("extraction failed", zap.Stringer("state", StateFailed), zap.Error(err))
		return nil, err
	}
	log.Info("archive extracted", zap.Stringer("state", StateExtracted),
		zap.String("dir", verDir))

	if ver.Install.WantsDependencyInstall() {
		if err := i.installDependencies(ctx, log, id, verDir, ver.Install, policy); err != nil {
			os.RemoveAll(verDir)
			return nil, err
		}
		log.Info("dependencies installed", zap.Stringer("state", StateDependencyInstalled))
	}

	entryAbs, entryRel, err := resolveEntry(verDir, ver.Entry.Path, id)
	if err != nil {
		os.RemoveAll(verDir)
		log.Warn("entry not found", zap.Stringer("state", StateFailed), zap.Error(err))
		return nil, err
	}
	log.Info("entry resolved", zap.Stringer("state", StateEntryResolved),
		zap.String("entry", entryRel))

	dist := ver.Dist
	meta := InstallMetadata{
		InstalledAt:   time.Now().UTC(),
		Type:          registry.SourceTypeMarketplace,
		MarketplaceID: req.MarketplaceID,
		PluginID:      req.PluginID,
		Version:       selected,
		Dist:          dist,
		Install:       ver.Install,
		Permissions:   perms,
		Entry:         MetadataEntry{Path: entryRel},
	}
	if err := writeMetadata(verDir, meta); err != nil {
		os.RemoveAll(verDir)
		return nil, err
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	rec := registry.PluginRecord{
		ID:      id,
		Module:  entryAbs,
		Enabled: enabled,
		Config:  req.Config,
		Source: &registry.SourceDescriptor{
			Type:          registry.SourceTypeMarketplace,
			MarketplaceID: req.MarketplaceID,
			PluginID:      req.PluginID,
			Version:       selected,
			Dist:          &dist,
			Install:       ver.Install,
			Permissions:   &perms,
		},
	}
	stored, err := i.store.Upsert(rec)
	if err != nil {
		os.RemoveAll(verDir)
		log.Warn("registration failed", zap.Stringer("state", StateFailed), zap.Error(err))
		return nil, err
	}
	log.Info("plugin registered", zap.Stringer("state", StateRegistered),
		zap.String("id", stored.ID), zap.String("module", stored.Module))

	return &InstallResult{
		ID:          stored.ID,
		PluginID:    req.PluginID,
		Version:     selected,
		Module:      stored.Module,
		EntryPath:   entryRel,
		InstallDir:  verDir,
		Permissions: perms,
	}, nil
}

func (i *Installer) installDependencies(ctx context.Context, log logging.Logger,
	id, verDir string, spec *marketplace.InstallSpec, policy config.Policy) error {
	cwd := dependencyInstallDir(verDir)
	args := dependencyInstallArgs(spec, policy.RegistryOverride)
	log.Info("installing dependencies",
		zap.String("command", depInstallCommand), zap.Strings("args", args), zap.String("cwd", cwd))

	out, code, err := i.runner.Run(ctx, depInstallCommand, args, cwd, nil)
	if err != nil {
		return errors.NewDependencyInstallFailed(id, -1, err)
	}
	if code != 0 {
		return errors.NewDependencyInstallFailed(id, code, nil).
			WithDetail("output", tailLines(out, 20))
	}
	return nil
}

// Upgrade moves a registered marketplace plugin to another published
// version. The marketplace and current version are inferred from the
// record's source descriptor when the request does not supply them;
// selecting the version already installed is an error.
func (i *Installer) Upgrade(ctx context.Context, id string, req UpgradeRequest) (*UpgradeResult, error) {
	if err := i.lock.Acquire(ctx); err != nil {
		return nil, errors.FromError(err)
	}
	defer i.lock.Release()

	rec, err := i.findRecord(id)
	if err != nil {
		return nil, err
	}

	marketplaceID := req.MarketplaceID
	pluginID := id
	current := ""
	if src := rec.Source; src != nil && src.Type == registry.SourceTypeMarketplace {
		if marketplaceID == "" {
			marketplaceID = src.MarketplaceID
		}
		if src.PluginID != "" {
			pluginID = src.PluginID
		}
		current = src.Version
	}
	if marketplaceID == "" {
		return nil, errors.NewInvalid("marketplace id is required: record has no marketplace source").
			WithDetail("pluginId", id)
	}

	plugin, err := i.market.Get(marketplaceID, pluginID)
	if err != nil {
		return nil, err
	}
	target, ok := version.Pick(plugin.VersionStrings(), req.Version)
	if !ok {
		requested := req.Version
		if requested == "" {
			requested = "latest"
		}
		return nil, errors.NewVersionNotFound(pluginID, requested)
	}
	if target == current {
		return nil, errors.NewAlreadyOnVersion(id, target)
	}

	enabled := rec.Enabled
	res, err := i.installLocked(ctx, InstallRequest{
		MarketplaceID: marketplaceID,
		PluginID:      pluginID,
		Version:       target,
		Enabled:       &enabled,
		Config:        rec.Config,
	})
	if err != nil {
		return nil, err
	}
	return &UpgradeResult{ID: res.ID, From: current, To: res.Version, Install: *res}, nil
}

// Rollback re-points a registered plugin at an earlier on-disk version
// without touching the network. With an empty target the version
// immediately preceding the current one is chosen. The target's install
// metadata must exist; rollback never guesses entry paths.
func (i *Installer) Rollback(ctx context.Context, id, targetVersion string) (*RollbackResult, error) {
	if err := i.lock.Acquire(ctx); err != nil {
		return nil, errors.FromError(err)
	}
	defer i.lock.Release()

	rec, err := i.findRecord(id)
	if err != nil {
		return nil, err
	}
	current := ""
	if rec.Source != nil {
		current = rec.Source.Version
	}

	installed, err := i.installedVersions(id)
	if err != nil {
		return nil, err
	}

	target := targetVersion
	if target == "" {
		prev, ok := version.Previous(installed, current)
		if !ok {
			return nil, errors.NewVersionNotInstalled(id, "previous").
				WithDetail("reason", "no earlier version on disk")
		}
		target = prev
	} else if !containsVersion(installed, target) {
		return nil, errors.NewVersionNotInstalled(id, target)
	}
	if target == current {
		return nil, errors.NewAlreadyOnVersion(id, target)
	}

	verDir := i.versionDir(id, target)
	meta, err := readMetadata(verDir)
	if err != nil {
		return nil, errors.NewVersionNotInstalled(id, target).
			WithDetail("reason", "install metadata missing").
			WithInnerError(err)
	}

	module := filepath.Join(verDir, filepath.FromSlash(meta.Entry.Path))
	dist := meta.Dist
	perms := meta.Permissions
	patched, err := i.store.Patch(id, registry.RecordPatch{
		Module: &module,
		Source: &registry.SourceDescriptor{
			Type:          registry.SourceTypeMarketplace,
			MarketplaceID: meta.MarketplaceID,
			PluginID:      meta.PluginID,
			Version:       meta.Version,
			Dist:          &dist,
			Install:       meta.Install,
			Permissions:   &perms,
		},
	})
	if err != nil {
		return nil, err
	}

	i.logger.Info("plugin rolled back", zap.String("id", id),
		zap.String("from", current), zap.String("to", target))
	return &RollbackResult{ID: id, From: current, To: target, Module: patched.Module}, nil
}

// Uninstall removes a plugin's registry record and, when removeFiles is
// set, every installed version directory. A missing record is not an
// error; the result reports what was actually removed.
func (i *Installer) Uninstall(ctx context.Context, id string, removeFiles bool) (*UninstallResult, error) {
	if err := i.lock.Acquire(ctx); err != nil {
		return nil, errors.FromError(err)
	}
	defer i.lock.Release()

	if !validPluginID(id) {
		return nil, errors.NewInvalid("plugin id must be a single path segment").
			WithDetail("pluginId", id)
	}

	removed, err := i.store.Remove(id)
	if err != nil {
		return nil, err
	}

	filesRemoved := false
	if removeFiles {
		root := i.installRoot(id)
		resolved, inside, err := fsutil.ResolveUnder(i.settings.DataDir, root)
		if err != nil {
			return nil, errors.FromError(err)
		}
		if !inside {
			return nil, errors.NewPathEscape(resolved, i.settings.DataDir)
		}
		if _, found, _ := fsutil.Exists(resolved); found {
			if err := os.RemoveAll(resolved); err != nil {
				return nil, errors.FromError(err)
			}
			filesRemoved = true
		}
	}

	i.logger.Info("plugin uninstalled", zap.String("id", id),
		zap.Bool("removed", removed), zap.Bool("filesRemoved", filesRemoved))
	return &UninstallResult{ID: id, Removed: removed, FilesRemoved: filesRemoved}, nil
}

// GetVersions reports the registered plugin's current version and every
// version present on disk, ascending. Read-only; takes no lock.
func (i *Installer) GetVersions(id string) (*VersionsResult, error) {
	rec, err := i.findRecord(id)
	if err != nil {
		return nil, err
	}
	current := ""
	if rec.Source != nil {
		current = rec.Source.Version
	}
	installed, err := i.installedVersions(id)
	if err != nil {
		return nil, err
	}
	return &VersionsResult{ID: id, Current: current, Installed: installed}, nil
}

// Enable turns a registered plugin on.
func (i *Installer) Enable(ctx context.Context, id string) (registry.PluginRecord, error) {
	return i.setEnabled(ctx, id, true)
}

// Disable turns a registered plugin off without removing anything.
func (i *Installer) Disable(ctx context.Context, id string) (registry.PluginRecord, error) {
	return i.setEnabled(ctx, id, false)
}

func (i *Installer) setEnabled(ctx context.Context, id string, enabled bool) (registry.PluginRecord, error) {
	if err := i.lock.Acquire(ctx); err != nil {
		return registry.PluginRecord{}, errors.FromError(err)
	}
	defer i.lock.Release()
	return i.store.Patch(id, registry.RecordPatch{Enabled: &enabled})
}

// Describe returns the full lifecycle view of one registered plugin:
// its record, on-disk versions and the current version's install
// metadata. Missing metadata is reported as absent, never fatal here.
func (i *Installer) Describe(id string) (*DescribeResult, error) {
	rec, err := i.findRecord(id)
	if err != nil {
		return nil, err
	}

	installed, err := i.installedVersions(id)
	if err != nil {
		return nil, err
	}

	result := &DescribeResult{Record: rec, Installed: installed}
	if _, found, _ := fsutil.Exists(i.store.ModuleAbsPath(rec.Module)); !found {
		result.ModuleMissing = true
	}
	if rec.Source != nil && rec.Source.Version != "" {
		meta, err := readMetadata(i.versionDir(id, rec.Source.Version))
		if err != nil {
			i.logger.Warn("install metadata unreadable",
				zap.String("id", id), zap.String("version", rec.Source.Version), zap.Error(err))
		} else {
			result.Metadata = meta
		}
	}
	return result, nil
}

// ListRegistry returns the registry view with module existence checks.
func (i *Installer) ListRegistry() (registry.ListResult, error) {
	return i.store.List()
}

func (i *Installer) findRecord(id string) (registry.PluginRecord, error) {
	_, reg, _, err := i.store.Read()
	if err != nil {
		return registry.PluginRecord{}, err
	}
	rec, ok := reg.Find(id)
	if !ok {
		return registry.PluginRecord{}, errors.NewRecordNotFound(id)
	}
	return *rec, nil
}

func (i *Installer) installRoot(id string) string {
	return filepath.Join(i.settings.InstallDir, id)
}

func (i *Installer) versionDir(id, ver string) string {
	return filepath.Join(i.installRoot(id), ver)
}

// installedVersions lists the subdirectories of the plugin's install root.
// A missing root means nothing is installed.
func (i *Installer) installedVersions(id string) ([]string, error) {
	if !validPluginID(id) {
		return nil, errors.NewInvalid("plugin id must be a single path segment").
			WithDetail("pluginId", id)
	}

	entries, err := os.ReadDir(i.installRoot(id))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, errors.FromError(err)
	}

	versions := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			versions = append(versions, entry.Name())
		}
	}
	version.SortAscending(versions)
	return versions, nil
}

// resolveEntry locates the declared entry file inside the extracted
// version directory, trying the archive root first and then the package/
// subdirectory that tgz package archives conventionally use. It returns
// the absolute path and the path relative to verDir.
func resolveEntry(verDir, entryPath, id string) (string, string, error) {
	rel := filepath.FromSlash(entryPath)
	for _, prefix := range []string{"", "package"} {
		candidate := filepath.Join(verDir, prefix, rel)
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			relOut, err := filepath.Rel(verDir, candidate)
			if err != nil {
				return "", "", errors.FromError(err)
			}
			return candidate, filepath.ToSlash(relOut), nil
		}
	}
	return "", "", errors.NewEntryNotFound(id, entryPath)
}

// dependencyInstallDir picks the working directory for the dependency
// install: the version directory itself, unless the manifest only exists
// under package/.
func dependencyInstallDir(verDir string) string {
	if _, err := os.Stat(filepath.Join(verDir, "package.json")); err == nil {
		return verDir
	}
	nested := filepath.Join(verDir, "package")
	if _, err := os.Stat(filepath.Join(nested, "package.json")); err == nil {
		return nested
	}
	return verDir
}

func validPluginID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

func containsVersion(versions []string, target string) bool {
	for _, v := range versions {
		if v == target {
			return true
		}
	}
	return false
}

// tailLines keeps the last n lines of subprocess output for error details.
func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
