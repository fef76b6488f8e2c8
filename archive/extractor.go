// Package archive materializes downloaded plugin archives into install
// directories. Extraction is deliberately strict: traversal attempts,
// symlinks and other non-regular entries abort the whole archive.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/leeforge/pluginkit/errors"
	"github.com/leeforge/pluginkit/fsutil"
	"github.com/leeforge/pluginkit/logging"
)

// Archive kinds understood by Extract.
const (
	KindZip = "zip"
	KindTgz = "tgz"
)

// Extractor unpacks plugin dist archives.
type Extractor struct {
	logger logging.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(logger logging.Logger) *Extractor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Extractor{logger: logger.Named("archive")}
}

// Extract unpacks archivePath into destDir. Any unsafe entry aborts
// extraction with an unsafe_archive_entry error; callers are responsible
// for discarding the partially-written destination directory.
func (e *Extractor) Extract(kind, archivePath, destDir string) error {
	if err := fsutil.EnsureDir(destDir); err != nil {
		return errors.FromError(err)
	}

	switch kind {
	case KindZip:
		return e.extractZip(archivePath, destDir)
	case KindTgz:
		return e.extractTgz(archivePath, destDir)
	default:
		return errors.NewInvalid("unsupported archive kind " + kind)
	}
}

func (e *Extractor) extractZip(archivePath, destDir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return errors.WrapWithType(err, errors.ErrorTypeUnsafeArchiveEntry, "failed to open zip archive")
	}
	defer reader.Close()

	for _, file := range reader.File {
		if reason, bad := unsafeEntryName(file.Name); bad {
			return errors.NewUnsafeArchiveEntry(file.Name, reason)
		}

		target, err := safeJoin(destDir, file.Name)
		if err != nil {
			return err
		}

		if file.FileInfo().IsDir() {
			if err := fsutil.EnsureDir(target); err != nil {
				return errors.FromError(err)
			}
			continue
		}
		if !file.FileInfo().Mode().IsRegular() {
			return errors.NewUnsafeArchiveEntry(file.Name, "not a regular file or directory")
		}

		if err := e.writeEntry(target, file.Mode(), func() (io.ReadCloser, error) { return file.Open() }); err != nil {
			return err
		}
	}
	return nil
}

func (e *Extractor) extractTgz(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return errors.FromError(err)
	}
	defer f.Close()

	gzReader, err := gzip.NewReader(f)
	if err != nil {
		return errors.WrapWithType(err, errors.ErrorTypeUnsafeArchiveEntry, "failed to open gzip stream")
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WrapWithType(err, errors.ErrorTypeUnsafeArchiveEntry, "failed to read tar header")
		}

		if reason, bad := unsafeEntryName(header.Name); bad {
			return errors.NewUnsafeArchiveEntry(header.Name, reason)
		}

		target, err := safeJoin(destDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := fsutil.EnsureDir(target); err != nil {
				return errors.FromError(err)
			}
		case tar.TypeReg:
			mode := os.FileMode(header.Mode).Perm()
			if err := e.writeEntry(target, mode, func() (io.ReadCloser, error) {
				return io.NopCloser(tarReader), nil
			}); err != nil {
				return err
			}
		default:
			// Symlinks, hard links, devices and the rest are all refused.
			return errors.NewUnsafeArchiveEntry(header.Name, "not a regular file or directory")
		}
	}
	return nil
}

func (e *Extractor) writeEntry(target string, mode os.FileMode, open func() (io.ReadCloser, error)) error {
	if err := fsutil.EnsureDir(filepath.Dir(target)); err != nil {
		return errors.FromError(err)
	}

	src, err := open()
	if err != nil {
		return errors.FromError(err)
	}
	defer src.Close()

	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return errors.FromError(err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return errors.FromError(err)
	}
	if err := out.Close(); err != nil {
		return errors.FromError(err)
	}

	e.logger.Debug("extracted entry", zap.String("path", target))
	return nil
}

// unsafeEntryName reports why an archive entry name must be rejected.
func unsafeEntryName(name string) (string, bool) {
	if name == "" {
		return "is empty", true
	}
	if strings.Contains(name, `\`) {
		return "contains a backslash", true
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "is absolute", true
	}
	for _, segment := range strings.Split(name, "/") {
		if segment == "." || segment == ".." {
			return "contains a dot segment", true
		}
	}
	return "", false
}

// safeJoin resolves name under destDir and asserts the result stays inside
// it. Defense in depth beyond the entry-name check.
func safeJoin(destDir, name string) (string, error) {
	target := filepath.Join(destDir, filepath.FromSlash(name))
	cleanDest := filepath.Clean(destDir)
	if target != cleanDest && !strings.HasPrefix(target, cleanDest+string(filepath.Separator)) {
		return "", errors.NewUnsafeArchiveEntry(name, "resolves outside the destination")
	}
	return target, nil
}
