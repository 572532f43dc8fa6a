package parser

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/Nao-Mk2/log-anomaly-inspector/internal/model"
)

// ErrUnknownFormat is returned when a file name maps to no known grammar.
var ErrUnknownFormat = errors.New("unknown log format")

// compressedSuffixes are stripped before classification.
var compressedSuffixes = []string{".gz", ".zst"}

// Classify maps a file path to a log grammar by substring match on its base name.
// Precedence is myfiles, then error, then access.
func Classify(path string) model.FormatTag {
	name := strings.ToLower(StripCompression(filepath.Base(path)))
	switch {
	case strings.Contains(name, "myfiles"):
		return model.FormatMyFiles
	case strings.Contains(name, "error"):
		return model.FormatError
	case strings.Contains(name, "access"):
		return model.FormatAccess
	}
	return model.FormatUnknown
}

// ParseFormat converts a user supplied name into a FormatTag.
func ParseFormat(s string) (model.FormatTag, error) {
	f := model.FormatTag(strings.ToLower(strings.TrimSpace(s)))
	if !f.Valid() {
		return model.FormatUnknown, ErrUnknownFormat
	}
	return f, nil
}

// StripCompression removes a trailing compression suffix from name.
func StripCompression(name string) string {
	for _, suf := range compressedSuffixes {
		if strings.HasSuffix(strings.ToLower(name), suf) {
			return name[:len(name)-len(suf)]
		}
	}
	return name
}

// IsHidden reports whether the base name of path starts with a dot.
func IsHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
