package fsutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	isDir, exists, err := Exists(dir)
	if err != nil || !exists || !isDir {
		t.Errorf("Exists(dir) = (%v, %v, %v)", isDir, exists, err)
	}

	isDir, exists, err = Exists(file)
	if err != nil || !exists || isDir {
		t.Errorf("Exists(file) = (%v, %v, %v)", isDir, exists, err)
	}

	_, exists, err = Exists(filepath.Join(dir, "missing"))
	if err != nil || exists {
		t.Errorf("Exists(missing) = (_, %v, %v)", exists, err)
	}
}

func TestWriteFileAtomic_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.yaml")

	if err := WriteFileAtomic(path, []byte("plugins: []\n"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "plugins: []\n" {
		t.Errorf("got %q", data)
	}

	// No temp siblings left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected exactly the target file, got %d entries", len(entries))
	}
}

func TestWriteFileAtomic_Overwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.yaml")
	if err := WriteFileAtomic(path, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "new" {
		t.Errorf("got %q, want new", data)
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "sub", "dst.bin")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := CopyFile(src, dst); err != nil {
		t.Fatalf("CopyFile: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("got %q", data)
	}
}

func TestResolveUnder(t *testing.T) {
	root := t.TempDir()

	resolved, inside, err := ResolveUnder(root, filepath.Join(root, "plugins", "plugins.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !inside {
		t.Errorf("path under root reported outside: %s", resolved)
	}

	_, inside, err = ResolveUnder(root, filepath.Join(root, "..", "escape.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if inside {
		t.Error("escaping path reported inside")
	}

	_, inside, err = ResolveUnder(root, root)
	if err != nil {
		t.Fatal(err)
	}
	if !inside {
		t.Error("root itself should count as inside")
	}
}

func TestResolveUnder_SymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks not reliable on windows CI")
	}
	root := t.TempDir()
	outside := t.TempDir()

	link := filepath.Join(root, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlink: %v", err)
	}

	_, inside, err := ResolveUnder(root, filepath.Join(link, "plugins.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if inside {
		t.Error("symlinked escape reported inside")
	}
}
