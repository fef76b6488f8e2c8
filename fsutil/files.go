package fsutil

import (
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Exists reports whether path exists and whether it is a directory.
func Exists(path string) (isDir bool, exists bool, err error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return info.IsDir(), true, nil
}

// EnsureDir creates the directory and any missing parents.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// ExpandHome expands a leading ~/ against the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// CopyFile copies src to dst, creating dst's directory if needed.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := EnsureDir(filepath.Dir(dst)); err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// WriteFileAtomic writes data to path through a temporary sibling file and
// a single rename, so readers never observe a partially-written file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// ResolveUnder resolves path to an absolute, symlink-evaluated form and
// reports whether it lies under root. The deepest existing ancestor is
// evaluated so the check also works for paths that do not exist yet.
func ResolveUnder(root, path string) (resolved string, inside bool, err error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false, err
	}
	if r, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = r
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false, err
	}

	// Evaluate symlinks on the deepest existing ancestor, then re-join the
	// non-existing remainder.
	existing := abs
	var remainder []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		remainder = append([]string{filepath.Base(existing)}, remainder...)
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}
	if r, err := filepath.EvalSymlinks(existing); err == nil {
		existing = r
	}
	resolved = filepath.Join(append([]string{existing}, remainder...)...)

	rel, err := filepath.Rel(absRoot, resolved)
	if err != nil {
		return resolved, false, nil
	}
	if rel == "." {
		return resolved, true, nil
	}
	inside = rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
	return resolved, inside, nil
}
