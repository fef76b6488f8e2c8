package installer

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leeforge/pluginkit/config"
	"github.com/leeforge/pluginkit/errors"
	"github.com/leeforge/pluginkit/fsutil"
	"github.com/leeforge/pluginkit/jsonx"
	"github.com/leeforge/pluginkit/logging"
	"github.com/leeforge/pluginkit/marketplace"
	"github.com/leeforge/pluginkit/registry"
)

type fixtureArchive struct {
	data []byte
	sha  string
}

func zipArchive(t *testing.T, files map[string]string) fixtureArchive {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	sum := sha256.Sum256(buf.Bytes())
	return fixtureArchive{data: buf.Bytes(), sha: hex.EncodeToString(sum[:])}
}

func tgzArchive(t *testing.T, files map[string]string) fixtureArchive {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	sum := sha256.Sum256(buf.Bytes())
	return fixtureArchive{data: buf.Bytes(), sha: hex.EncodeToString(sum[:])}
}

type runnerCall struct {
	cmd  string
	args []string
	cwd  string
}

type fakeRunner struct {
	mu       sync.Mutex
	calls    []runnerCall
	exitCode int
	err      error
}

func (f *fakeRunner) Run(_ context.Context, cmd string, args []string, cwd string, _ []string) (string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, runnerCall{cmd: cmd, args: args, cwd: cwd})
	if f.err != nil {
		return "", -1, f.err
	}
	return "npm says hi\n", f.exitCode, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type installHarness struct {
	t        *testing.T
	settings config.Settings
	server   *httptest.Server
	archives map[string]fixtureArchive
	hits     int32
	runner   *fakeRunner
	inst     *Installer
}

func newHarness(t *testing.T, policy config.Policy) *installHarness {
	return newHarnessWith(t, policy, nil)
}

func newHarnessWith(t *testing.T, policy config.Policy, mutate func(*config.Settings)) *installHarness {
	t.Helper()
	h := &installHarness{t: t, archives: map[string]fixtureArchive{}, runner: &fakeRunner{}}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&h.hits, 1)
		a, ok := h.archives[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(a.data)
	}))
	t.Cleanup(h.server.Close)

	settings := config.Settings{DataDir: t.TempDir(), TempDir: t.TempDir()}
	if mutate != nil {
		mutate(&settings)
	}
	settings.Normalize()
	h.settings = settings

	h.inst = New(Options{
		Settings: settings,
		Policies: StaticPolicy(policy),
		Runner:   h.runner,
		Logger:   logging.NewNop(),
	})
	return h
}

func (h *installHarness) serveZip(path string, files map[string]string) marketplace.Dist {
	h.t.Helper()
	a := zipArchive(h.t, files)
	h.archives[path] = a
	return marketplace.Dist{Type: marketplace.DistZip, URL: h.server.URL + path, SHA256: a.sha}
}

func (h *installHarness) serveTgz(path string, files map[string]string) marketplace.Dist {
	h.t.Helper()
	a := tgzArchive(h.t, files)
	h.archives[path] = a
	return marketplace.Dist{Type: marketplace.DistTgz, URL: h.server.URL + path, SHA256: a.sha}
}

func (h *installHarness) writeIndex(marketplaceID string, idx marketplace.Index) {
	h.t.Helper()
	require.NoError(h.t, fsutil.EnsureDir(h.settings.MarketplaceDir))
	data, err := jsonx.Marshal(idx)
	require.NoError(h.t, err)
	require.NoError(h.t, os.WriteFile(
		filepath.Join(h.settings.MarketplaceDir, marketplaceID+".json"), data, 0o644))
}

// seedEchoBot publishes echo-bot 1.0.0 and 1.1.0 as plain zip archives
// in the "core" marketplace.
func (h *installHarness) seedEchoBot() {
	d1 := h.serveZip("/echo-1.0.0.zip", map[string]string{"index.js": "module.exports = 1;\n"})
	d2 := h.serveZip("/echo-1.1.0.zip", map[string]string{"index.js": "module.exports = 2;\n"})
	h.writeIndex("core", marketplace.Index{
		SchemaVersion: 1,
		Plugins: []marketplace.Plugin{{
			ID:   "echo-bot",
			Name: "Echo Bot",
			Versions: []marketplace.PluginVersion{
				{Version: "1.0.0", Entry: marketplace.Entry{Path: "index.js"}, Dist: d1},
				{Version: "1.1.0", Entry: marketplace.Entry{Path: "index.js"}, Dist: d2},
			},
		}},
	})
}

func (h *installHarness) versionDir(id, ver string) string {
	return filepath.Join(h.settings.InstallDir, id, ver)
}

func TestInstall_LatestVersion(t *testing.T) {
	h := newHarness(t, config.Policy{})
	h.seedEchoBot()

	res, err := h.inst.Install(context.Background(), InstallRequest{
		MarketplaceID: "core", PluginID: "echo-bot",
	})
	require.NoError(t, err)
	require.Equal(t, "echo-bot", res.ID)
	require.Equal(t, "1.1.0", res.Version)
	require.Equal(t, "./echo-bot/1.1.0/index.js", res.Module)
	require.Equal(t, "index.js", res.EntryPath)

	data, err := os.ReadFile(filepath.Join(res.InstallDir, "index.js"))
	require.NoError(t, err)
	require.Equal(t, "module.exports = 2;\n", string(data))

	_, found, _ := fsutil.Exists(filepath.Join(res.InstallDir, metadataFileName))
	require.True(t, found)

	_, reg, _, err := h.inst.Store().Read()
	require.NoError(t, err)
	rec, ok := reg.Find("echo-bot")
	require.True(t, ok)
	require.True(t, rec.Enabled)
	require.Equal(t, "1.1.0", rec.Source.Version)
	require.Equal(t, "core", rec.Source.MarketplaceID)
}

func TestInstall_ExactVersion(t *testing.T) {
	h := newHarness(t, config.Policy{})
	h.seedEchoBot()

	res, err := h.inst.Install(context.Background(), InstallRequest{
		MarketplaceID: "core", PluginID: "echo-bot", Version: "1.0.0",
	})
	require.NoError(t, err)
	require.Equal(t, "1.0.0", res.Version)

	data, err := os.ReadFile(filepath.Join(res.InstallDir, "index.js"))
	require.NoError(t, err)
	require.Equal(t, "module.exports = 1;\n", string(data))
}

func TestInstall_RegistryAtDataDirRoot(t *testing.T) {
	h := newHarnessWith(t, config.Policy{}, func(s *config.Settings) {
		s.RegistryPath = filepath.Join(s.DataDir, "plugins.yaml")
	})
	h.seedEchoBot()

	res, err := h.inst.Install(context.Background(), InstallRequest{
		MarketplaceID: "core", PluginID: "echo-bot", Version: "1.0.0",
	})
	require.NoError(t, err)
	require.Equal(t, "./plugins/echo-bot/1.0.0/index.js", res.Module)

	_, reg, _, err := h.inst.Store().Read()
	require.NoError(t, err)
	rec, ok := reg.Find("echo-bot")
	require.True(t, ok)
	require.Equal(t, "./plugins/echo-bot/1.0.0/index.js", rec.Module)
}

func TestInstall_DisabledOnRequest(t *testing.T) {
	h := newHarness(t, config.Policy{})
	h.seedEchoBot()

	disabled := false
	_, err := h.inst.Install(context.Background(), InstallRequest{
		MarketplaceID: "core", PluginID: "echo-bot", Enabled: &disabled,
		Config: map[string]any{"greeting": "hi"},
	})
	require.NoError(t, err)

	_, reg, _, err := h.inst.Store().Read()
	require.NoError(t, err)
	rec, ok := reg.Find("echo-bot")
	require.True(t, ok)
	require.False(t, rec.Enabled)
	require.Equal(t, "hi", rec.Config["greeting"])
}

func TestInstall_DryRun(t *testing.T) {
	h := newHarness(t, config.Policy{})
	h.seedEchoBot()

	res, err := h.inst.Install(context.Background(), InstallRequest{
		MarketplaceID: "core", PluginID: "echo-bot", DryRun: true,
	})
	require.NoError(t, err)
	require.True(t, res.DryRun)
	require.Equal(t, "1.1.0", res.Version)
	require.Equal(t, "./echo-bot/1.1.0/index.js", res.Module)

	require.Zero(t, atomic.LoadInt32(&h.hits), "dry run must not download")
	_, found, _ := fsutil.Exists(h.versionDir("echo-bot", "1.1.0"))
	require.False(t, found)

	_, _, exists, err := h.inst.Store().Read()
	require.NoError(t, err)
	require.False(t, exists, "dry run must not create the registry file")
}

func TestInstall_UnknownPluginAndVersion(t *testing.T) {
	h := newHarness(t, config.Policy{})
	h.seedEchoBot()

	_, err := h.inst.Install(context.Background(), InstallRequest{
		MarketplaceID: "core", PluginID: "missing",
	})
	require.True(t, errors.IsType(err, errors.ErrorTypeNotFoundInMarketplace), "got %v", err)

	_, err = h.inst.Install(context.Background(), InstallRequest{
		MarketplaceID: "core", PluginID: "echo-bot", Version: "9.9.9",
	})
	require.True(t, errors.IsType(err, errors.ErrorTypeVersionNotFound), "got %v", err)
}

func TestInstall_ChecksumMismatchLeavesNothingBehind(t *testing.T) {
	h := newHarness(t, config.Policy{})
	dist := h.serveZip("/bad.zip", map[string]string{"index.js": "x"})
	dist.SHA256 = strings.Repeat("ab", 32)
	h.writeIndex("core", marketplace.Index{
		SchemaVersion: 1,
		Plugins: []marketplace.Plugin{{
			ID: "bad-bot",
			Versions: []marketplace.PluginVersion{
				{Version: "1.0.0", Entry: marketplace.Entry{Path: "index.js"}, Dist: dist},
			},
		}},
	})

	_, err := h.inst.Install(context.Background(), InstallRequest{
		MarketplaceID: "core", PluginID: "bad-bot",
	})
	require.True(t, errors.IsType(err, errors.ErrorTypeChecksumMismatch), "got %v", err)

	_, found, _ := fsutil.Exists(h.versionDir("bad-bot", "1.0.0"))
	require.False(t, found)
	_, _, exists, readErr := h.inst.Store().Read()
	require.NoError(t, readErr)
	require.False(t, exists)
}

func TestInstall_PermissionDeniedBeforeDownload(t *testing.T) {
	h := newHarness(t, config.Policy{})
	dist := h.serveZip("/net.zip", map[string]string{"index.js": "x"})
	h.writeIndex("core", marketplace.Index{
		SchemaVersion: 1,
		Plugins: []marketplace.Plugin{{
			ID: "net-bot",
			Versions: []marketplace.PluginVersion{{
				Version:     "1.0.0",
				Entry:       marketplace.Entry{Path: "index.js"},
				Dist:        dist,
				Permissions: &marketplace.PermissionRequest{Network: []string{"api.example.com"}},
			}},
		}},
	})

	_, err := h.inst.Install(context.Background(), InstallRequest{
		MarketplaceID: "core", PluginID: "net-bot",
	})
	require.True(t, errors.IsType(err, errors.ErrorTypePermissionDenied), "got %v", err)
	require.Zero(t, atomic.LoadInt32(&h.hits), "denial must happen before any download")
}

func TestInstall_NetworkAllowList(t *testing.T) {
	h := newHarness(t, config.Policy{
		AllowNetwork:     true,
		NetworkAllowList: []string{"api.example.com", "*.internal"},
	})
	dist := h.serveZip("/net.zip", map[string]string{"index.js": "x"})
	h.writeIndex("core", marketplace.Index{
		SchemaVersion: 1,
		Plugins: []marketplace.Plugin{{
			ID: "net-bot",
			Versions: []marketplace.PluginVersion{{
				Version:     "1.0.0",
				Entry:       marketplace.Entry{Path: "index.js"},
				Dist:        dist,
				Permissions: &marketplace.PermissionRequest{Network: []string{"api.example.com"}},
			}},
		}},
	})

	res, err := h.inst.Install(context.Background(), InstallRequest{
		MarketplaceID: "core", PluginID: "net-bot",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"api.example.com"}, res.Permissions.Network)
	require.Empty(t, res.Permissions.FS)
}

func TestInstall_DependencyInstallTgz(t *testing.T) {
	h := newHarness(t, config.Policy{
		AllowNetwork:           true,
		AllowDependencyInstall: true,
		RegistryOverride:       "https://registry.example.com",
	})
	dist := h.serveTgz("/dep.tgz", map[string]string{
		"package/package.json": `{"name":"dep-bot"}`,
		"package/index.js":     "module.exports = 3;\n",
	})
	h.writeIndex("core", marketplace.Index{
		SchemaVersion: 1,
		Plugins: []marketplace.Plugin{{
			ID: "dep-bot",
			Versions: []marketplace.PluginVersion{{
				Version: "2.0.0",
				Entry:   marketplace.Entry{Path: "index.js"},
				Dist:    dist,
				Install: &marketplace.InstallSpec{
					Mode:           marketplace.InstallModeDependency,
					Production:     true,
					IgnoreScripts:  true,
					FrozenLockfile: true,
				},
			}},
		}},
	})

	res, err := h.inst.Install(context.Background(), InstallRequest{
		MarketplaceID: "core", PluginID: "dep-bot",
	})
	require.NoError(t, err)
	require.Equal(t, "package/index.js", res.EntryPath)
	require.Equal(t, "./dep-bot/2.0.0/package/index.js", res.Module)

	require.Equal(t, 1, h.runner.callCount())
	call := h.runner.calls[0]
	require.Equal(t, "npm", call.cmd)
	require.Equal(t, filepath.Join(res.InstallDir, "package"), call.cwd)
	require.Contains(t, call.args, "ci")
	require.Contains(t, call.args, "--omit=dev")
	require.Contains(t, call.args, "--ignore-scripts")
	require.Contains(t, call.args, "--registry=https://registry.example.com")
}

func TestInstall_DependencyInstallFailureCleansUp(t *testing.T) {
	h := newHarness(t, config.Policy{
		AllowNetwork:           true,
		AllowDependencyInstall: true,
		AllowScripts:           true,
	})
	h.runner.exitCode = 1
	dist := h.serveZip("/dep.zip", map[string]string{
		"package.json": `{"name":"dep-bot"}`,
		"index.js":     "x",
	})
	h.writeIndex("core", marketplace.Index{
		SchemaVersion: 1,
		Plugins: []marketplace.Plugin{{
			ID: "dep-bot",
			Versions: []marketplace.PluginVersion{{
				Version: "1.0.0",
				Entry:   marketplace.Entry{Path: "index.js"},
				Dist:    dist,
				Install: &marketplace.InstallSpec{Mode: marketplace.InstallModeDependency},
			}},
		}},
	})

	_, err := h.inst.Install(context.Background(), InstallRequest{
		MarketplaceID: "core", PluginID: "dep-bot",
	})
	require.True(t, errors.IsType(err, errors.ErrorTypeDependencyInstallFailed), "got %v", err)

	_, found, _ := fsutil.Exists(h.versionDir("dep-bot", "1.0.0"))
	require.False(t, found)
	_, _, exists, readErr := h.inst.Store().Read()
	require.NoError(t, readErr)
	require.False(t, exists)
}

func TestInstall_EntryMissingCleansUp(t *testing.T) {
	h := newHarness(t, config.Policy{})
	dist := h.serveZip("/noentry.zip", map[string]string{"other.js": "x"})
	h.writeIndex("core", marketplace.Index{
		SchemaVersion: 1,
		Plugins: []marketplace.Plugin{{
			ID: "no-entry",
			Versions: []marketplace.PluginVersion{
				{Version: "1.0.0", Entry: marketplace.Entry{Path: "index.js"}, Dist: dist},
			},
		}},
	})

	_, err := h.inst.Install(context.Background(), InstallRequest{
		MarketplaceID: "core", PluginID: "no-entry",
	})
	require.True(t, errors.IsType(err, errors.ErrorTypeEntryNotFound), "got %v", err)

	_, found, _ := fsutil.Exists(h.versionDir("no-entry", "1.0.0"))
	require.False(t, found)
}

func TestInstall_ConcurrentDistinctPlugins(t *testing.T) {
	h := newHarness(t, config.Policy{})
	h.seedEchoBot()
	d := h.serveZip("/relay-0.2.0.zip", map[string]string{"main.js": "x"})
	h.writeIndex("extra", marketplace.Index{
		SchemaVersion: 1,
		Plugins: []marketplace.Plugin{{
			ID: "relay",
			Versions: []marketplace.PluginVersion{
				{Version: "0.2.0", Entry: marketplace.Entry{Path: "main.js"}, Dist: d},
			},
		}},
	})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = h.inst.Install(context.Background(), InstallRequest{
			MarketplaceID: "core", PluginID: "echo-bot",
		})
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = h.inst.Install(context.Background(), InstallRequest{
			MarketplaceID: "extra", PluginID: "relay",
		})
	}()
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	_, reg, _, err := h.inst.Store().Read()
	require.NoError(t, err)
	require.Len(t, reg.Plugins, 2)
}

func TestUpgrade(t *testing.T) {
	h := newHarness(t, config.Policy{})
	h.seedEchoBot()

	_, err := h.inst.Install(context.Background(), InstallRequest{
		MarketplaceID: "core", PluginID: "echo-bot", Version: "1.0.0",
	})
	require.NoError(t, err)

	res, err := h.inst.Upgrade(context.Background(), "echo-bot", UpgradeRequest{})
	require.NoError(t, err)
	require.Equal(t, "1.0.0", res.From)
	require.Equal(t, "1.1.0", res.To)

	// Both versions stay on disk for rollback.
	_, found, _ := fsutil.Exists(h.versionDir("echo-bot", "1.0.0"))
	require.True(t, found)
	_, found, _ = fsutil.Exists(h.versionDir("echo-bot", "1.1.0"))
	require.True(t, found)

	_, reg, _, err := h.inst.Store().Read()
	require.NoError(t, err)
	rec, ok := reg.Find("echo-bot")
	require.True(t, ok)
	require.Equal(t, "1.1.0", rec.Source.Version)
	require.Equal(t, "./echo-bot/1.1.0/index.js", rec.Module)

	_, err = h.inst.Upgrade(context.Background(), "echo-bot", UpgradeRequest{})
	require.True(t, errors.IsType(err, errors.ErrorTypeAlreadyOnVersion), "got %v", err)
}

func TestUpgrade_PreservesEnabledAndConfig(t *testing.T) {
	h := newHarness(t, config.Policy{})
	h.seedEchoBot()

	disabled := false
	_, err := h.inst.Install(context.Background(), InstallRequest{
		MarketplaceID: "core", PluginID: "echo-bot", Version: "1.0.0",
		Enabled: &disabled, Config: map[string]any{"greeting": "hello"},
	})
	require.NoError(t, err)

	_, err = h.inst.Upgrade(context.Background(), "echo-bot", UpgradeRequest{Version: "1.1.0"})
	require.NoError(t, err)

	_, reg, _, err := h.inst.Store().Read()
	require.NoError(t, err)
	rec, _ := reg.Find("echo-bot")
	require.False(t, rec.Enabled)
	require.Equal(t, "hello", rec.Config["greeting"])
}

func TestUpgrade_UnknownRecord(t *testing.T) {
	h := newHarness(t, config.Policy{})
	h.seedEchoBot()

	_, err := h.inst.Upgrade(context.Background(), "ghost", UpgradeRequest{})
	require.True(t, errors.IsType(err, errors.ErrorTypeNotFound), "got %v", err)
}

func TestUpgrade_MarketplaceOverride(t *testing.T) {
	h := newHarness(t, config.Policy{})
	h.seedEchoBot()
	d := h.serveZip("/echo-2.0.0.zip", map[string]string{"index.js": "module.exports = 4;\n"})
	h.writeIndex("mirror", marketplace.Index{
		SchemaVersion: 1,
		Plugins: []marketplace.Plugin{{
			ID: "echo-bot",
			Versions: []marketplace.PluginVersion{
				{Version: "2.0.0", Entry: marketplace.Entry{Path: "index.js"}, Dist: d},
			},
		}},
	})

	_, err := h.inst.Install(context.Background(), InstallRequest{
		MarketplaceID: "core", PluginID: "echo-bot", Version: "1.0.0",
	})
	require.NoError(t, err)

	res, err := h.inst.Upgrade(context.Background(), "echo-bot", UpgradeRequest{MarketplaceID: "mirror"})
	require.NoError(t, err)
	require.Equal(t, "1.0.0", res.From)
	require.Equal(t, "2.0.0", res.To)

	_, reg, _, err := h.inst.Store().Read()
	require.NoError(t, err)
	rec, _ := reg.Find("echo-bot")
	require.Equal(t, "mirror", rec.Source.MarketplaceID)
	require.Equal(t, "2.0.0", rec.Source.Version)
}

func TestUpgrade_RecordWithoutSource(t *testing.T) {
	h := newHarness(t, config.Policy{})
	h.seedEchoBot()

	_, err := h.inst.Store().Upsert(registry.PluginRecord{
		ID:      "echo-bot",
		Module:  filepath.Join(h.settings.InstallDir, "echo-bot", "manual", "index.js"),
		Enabled: true,
	})
	require.NoError(t, err)

	_, err = h.inst.Upgrade(context.Background(), "echo-bot", UpgradeRequest{})
	require.True(t, errors.IsType(err, errors.ErrorTypeInvalid), "got %v", err)

	res, err := h.inst.Upgrade(context.Background(), "echo-bot", UpgradeRequest{MarketplaceID: "core"})
	require.NoError(t, err)
	require.Equal(t, "", res.From)
	require.Equal(t, "1.1.0", res.To)
}

func TestRollback(t *testing.T) {
	h := newHarness(t, config.Policy{})
	h.seedEchoBot()

	_, err := h.inst.Install(context.Background(), InstallRequest{
		MarketplaceID: "core", PluginID: "echo-bot", Version: "1.0.0",
	})
	require.NoError(t, err)
	_, err = h.inst.Upgrade(context.Background(), "echo-bot", UpgradeRequest{})
	require.NoError(t, err)

	hitsBefore := atomic.LoadInt32(&h.hits)
	res, err := h.inst.Rollback(context.Background(), "echo-bot", "")
	require.NoError(t, err)
	require.Equal(t, "1.1.0", res.From)
	require.Equal(t, "1.0.0", res.To)
	require.Equal(t, "./echo-bot/1.0.0/index.js", res.Module)
	require.Equal(t, hitsBefore, atomic.LoadInt32(&h.hits), "rollback must not download")

	_, reg, _, err := h.inst.Store().Read()
	require.NoError(t, err)
	rec, _ := reg.Find("echo-bot")
	require.Equal(t, "1.0.0", rec.Source.Version)

	// Already on the oldest version: nothing earlier to roll back to.
	_, err = h.inst.Rollback(context.Background(), "echo-bot", "")
	require.True(t, errors.IsType(err, errors.ErrorTypeVersionNotInstalled), "got %v", err)
}

func TestRollback_TargetNotOnDisk(t *testing.T) {
	h := newHarness(t, config.Policy{})
	h.seedEchoBot()

	_, err := h.inst.Install(context.Background(), InstallRequest{
		MarketplaceID: "core", PluginID: "echo-bot",
	})
	require.NoError(t, err)

	_, err = h.inst.Rollback(context.Background(), "echo-bot", "0.9.0")
	require.True(t, errors.IsType(err, errors.ErrorTypeVersionNotInstalled), "got %v", err)
}

func TestRollback_MissingMetadataIsFatal(t *testing.T) {
	h := newHarness(t, config.Policy{})
	h.seedEchoBot()

	_, err := h.inst.Install(context.Background(), InstallRequest{
		MarketplaceID: "core", PluginID: "echo-bot", Version: "1.1.0",
	})
	require.NoError(t, err)

	// A version directory that predates metadata tracking.
	stale := h.versionDir("echo-bot", "1.0.0")
	require.NoError(t, fsutil.EnsureDir(stale))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "index.js"), []byte("x"), 0o644))

	_, err = h.inst.Rollback(context.Background(), "echo-bot", "1.0.0")
	require.True(t, errors.IsType(err, errors.ErrorTypeVersionNotInstalled), "got %v", err)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, "install metadata missing", appErr.Details["reason"])
}

func TestUninstall(t *testing.T) {
	h := newHarness(t, config.Policy{})
	h.seedEchoBot()

	_, err := h.inst.Install(context.Background(), InstallRequest{
		MarketplaceID: "core", PluginID: "echo-bot",
	})
	require.NoError(t, err)

	res, err := h.inst.Uninstall(context.Background(), "echo-bot", true)
	require.NoError(t, err)
	require.True(t, res.Removed)
	require.True(t, res.FilesRemoved)

	_, found, _ := fsutil.Exists(filepath.Join(h.settings.InstallDir, "echo-bot"))
	require.False(t, found)
	_, reg, _, err := h.inst.Store().Read()
	require.NoError(t, err)
	require.Empty(t, reg.Plugins)
}

func TestUninstall_UnknownIsNotAnError(t *testing.T) {
	h := newHarness(t, config.Policy{})

	res, err := h.inst.Uninstall(context.Background(), "ghost", true)
	require.NoError(t, err)
	require.False(t, res.Removed)
	require.False(t, res.FilesRemoved)
}

func TestUninstall_KeepFiles(t *testing.T) {
	h := newHarness(t, config.Policy{})
	h.seedEchoBot()

	_, err := h.inst.Install(context.Background(), InstallRequest{
		MarketplaceID: "core", PluginID: "echo-bot",
	})
	require.NoError(t, err)

	res, err := h.inst.Uninstall(context.Background(), "echo-bot", false)
	require.NoError(t, err)
	require.True(t, res.Removed)
	require.False(t, res.FilesRemoved)

	_, found, _ := fsutil.Exists(h.versionDir("echo-bot", "1.1.0"))
	require.True(t, found)
}

func TestGetVersions(t *testing.T) {
	h := newHarness(t, config.Policy{})
	h.seedEchoBot()

	_, err := h.inst.Install(context.Background(), InstallRequest{
		MarketplaceID: "core", PluginID: "echo-bot", Version: "1.0.0",
	})
	require.NoError(t, err)
	_, err = h.inst.Upgrade(context.Background(), "echo-bot", UpgradeRequest{})
	require.NoError(t, err)

	res, err := h.inst.GetVersions("echo-bot")
	require.NoError(t, err)
	require.Equal(t, "1.1.0", res.Current)
	require.Equal(t, []string{"1.0.0", "1.1.0"}, res.Installed)

	_, err = h.inst.GetVersions("ghost")
	require.True(t, errors.IsType(err, errors.ErrorTypeNotFound), "got %v", err)
}

func TestEnableDisable(t *testing.T) {
	h := newHarness(t, config.Policy{})
	h.seedEchoBot()

	_, err := h.inst.Install(context.Background(), InstallRequest{
		MarketplaceID: "core", PluginID: "echo-bot",
	})
	require.NoError(t, err)

	rec, err := h.inst.Disable(context.Background(), "echo-bot")
	require.NoError(t, err)
	require.False(t, rec.Enabled)

	rec, err = h.inst.Enable(context.Background(), "echo-bot")
	require.NoError(t, err)
	require.True(t, rec.Enabled)
}

func TestDescribe(t *testing.T) {
	h := newHarness(t, config.Policy{})
	h.seedEchoBot()

	_, err := h.inst.Install(context.Background(), InstallRequest{
		MarketplaceID: "core", PluginID: "echo-bot",
	})
	require.NoError(t, err)

	res, err := h.inst.Describe("echo-bot")
	require.NoError(t, err)
	require.Equal(t, "echo-bot", res.Record.ID)
	require.False(t, res.ModuleMissing)
	require.Equal(t, []string{"1.1.0"}, res.Installed)
	require.NotNil(t, res.Metadata)
	require.Equal(t, "1.1.0", res.Metadata.Version)
	require.Equal(t, "index.js", res.Metadata.Entry.Path)
}

func TestListRegistry_ReportsMissingModules(t *testing.T) {
	h := newHarness(t, config.Policy{})
	h.seedEchoBot()

	res, err := h.inst.Install(context.Background(), InstallRequest{
		MarketplaceID: "core", PluginID: "echo-bot",
	})
	require.NoError(t, err)

	list, err := h.inst.ListRegistry()
	require.NoError(t, err)
	require.Len(t, list.Records, 1)
	require.False(t, list.Records[0].ModuleMissing)

	require.NoError(t, os.RemoveAll(res.InstallDir))
	list, err = h.inst.ListRegistry()
	require.NoError(t, err)
	require.True(t, list.Records[0].ModuleMissing)
}

func TestDependencyInstallArgs(t *testing.T) {
	args := dependencyInstallArgs(&marketplace.InstallSpec{Mode: marketplace.InstallModeDependency}, "")
	require.Equal(t, []string{"install", "--no-audit", "--no-fund"}, args)

	args = dependencyInstallArgs(&marketplace.InstallSpec{
		Mode:           marketplace.InstallModeDependency,
		Production:     true,
		IgnoreScripts:  true,
		FrozenLockfile: true,
		Registry:       "https://mirror.example.com",
	}, "https://ignored.example.com")
	require.Equal(t, []string{
		"ci", "--no-audit", "--no-fund", "--omit=dev", "--ignore-scripts",
		"--registry=https://mirror.example.com",
	}, args)
}

func TestResolveEntry_PackagePrefix(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, fsutil.EnsureDir(filepath.Join(dir, "package")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package", "main.js"), []byte("x"), 0o644))

	abs, rel, err := resolveEntry(dir, "main.js", "p")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "package", "main.js"), abs)
	require.Equal(t, "package/main.js", rel)
}
