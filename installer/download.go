package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/leeforge/pluginkit/errors"
	"github.com/leeforge/pluginkit/fsutil"
)

// defaultDownloadTimeout bounds a single archive download.
const defaultDownloadTimeout = 5 * time.Minute

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultDownloadTimeout}
}

// downloadArchive fetches url to a uniquely-named file in tempDir, hashing
// the stream as it lands on disk. The digest is compared against
// expectedSHA256 before the path is handed back; a mismatch removes the
// temp file and returns a checksum_mismatch error.
func downloadArchive(ctx context.Context, client *http.Client, tempDir, url, name, expectedSHA256 string) (string, error) {
	if err := fsutil.EnsureDir(tempDir); err != nil {
		return "", errors.FromError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.NewDownloadFailed(url, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", errors.NewDownloadFailed(url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.NewDownloadFailed(url, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	tempPath := filepath.Join(tempDir, fmt.Sprintf("pluginkit-%s-%s", name, uuid.NewString()))
	out, err := os.Create(tempPath)
	if err != nil {
		return "", errors.FromError(err)
	}

	hasher := sha256.New()
	if _, err := io.Copy(out, io.TeeReader(resp.Body, hasher)); err != nil {
		out.Close()
		os.Remove(tempPath)
		return "", errors.NewDownloadFailed(url, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tempPath)
		return "", errors.FromError(err)
	}

	actual := hex.EncodeToString(hasher.Sum(nil))
	if actual != expectedSHA256 {
		os.Remove(tempPath)
		return "", errors.NewChecksumMismatch(expectedSHA256, actual)
	}
	return tempPath, nil
}
