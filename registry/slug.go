package registry

import (
	"path/filepath"
	"regexp"
	"strings"
)

const (
	maxSlugLength = 64
	defaultSlug   = "plugin"
)

var (
	invalidSlugChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
	repeatedDashes   = regexp.MustCompile(`[-_]{2,}`)
)

// DeriveID produces a stable slug from a module specifier: the final path
// segment, or the containing directory's name when the file is an index.*
// entry point.
func DeriveID(module string) string {
	module = strings.TrimPrefix(module, "file://")
	normalized := filepath.ToSlash(module)
	normalized = strings.TrimSuffix(normalized, "/")

	base := normalized
	if idx := strings.LastIndex(normalized, "/"); idx >= 0 {
		base = normalized[idx+1:]
	}

	// index.js, index.mjs and friends say nothing about the plugin; use
	// the directory that contains them.
	if name := strings.TrimSuffix(base, filepath.Ext(base)); strings.EqualFold(name, "index") {
		parent := strings.TrimSuffix(normalized, "/"+base)
		if idx := strings.LastIndex(parent, "/"); idx >= 0 {
			parent = parent[idx+1:]
		}
		if parent != "" && parent != normalized {
			base = parent
		} else {
			base = name
		}
	} else if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}

	return sanitizeSlug(base)
}

func sanitizeSlug(s string) string {
	s = invalidSlugChars.ReplaceAllString(s, "-")
	s = repeatedDashes.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-_")
	if len(s) > maxSlugLength {
		s = strings.Trim(s[:maxSlugLength], "-_")
	}
	if s == "" {
		return defaultSlug
	}
	return s
}
