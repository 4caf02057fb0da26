package export

import (
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/heimdex/heimdex-editor/internal/apperr"
)

const maxNameLen = 200

// containers that carry the H.264/AAC the encoder produces
var containerExts = map[string]bool{
	".mp4": true,
	".mov": true,
	".mkv": true,
}

// SanitizeName replaces characters that do not belong in a file name and
// drops control characters.
func SanitizeName(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if isAllowedNameRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	cleaned := strings.TrimSpace(b.String())
	if maxLen > 0 {
		runes := []rune(cleaned)
		if len(runes) > maxLen {
			cleaned = string(runes[:maxLen])
		}
	}
	return cleaned
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case ' ', '-', '_', '.', ',', '(', ')':
		return true
	default:
		return false
	}
}

// ValidateOutputDir checks that dir is a clean, existing directory.
func ValidateOutputDir(dir string) error {
	const op = "validate_output"
	if strings.TrimSpace(dir) == "" {
		return apperr.Validationf(op, "output directory is required")
	}
	for _, part := range strings.Split(filepath.ToSlash(dir), "/") {
		if part == ".." {
			return apperr.Validationf(op, "output directory cannot contain path traversal")
		}
	}
	if filepath.Clean(dir) != dir {
		return apperr.Validationf(op, "output directory must be a clean path")
	}

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return apperr.Validationf(op, "output directory does not exist")
		}
		return apperr.Wrap(apperr.KindValidation, op, err)
	}
	if !info.IsDir() {
		return apperr.Validationf(op, "output directory is not a directory")
	}
	return nil
}

// ResolveOutputPath validates an export destination and returns it with a
// sanitized file name. The container is chosen by extension.
func ResolveOutputPath(path string) (string, error) {
	const op = "validate_output"
	if strings.TrimSpace(path) == "" {
		return "", apperr.Validationf(op, "output path is required")
	}
	if !filepath.IsAbs(path) {
		return "", apperr.Validationf(op, "output path must be absolute")
	}
	if err := ValidateOutputDir(filepath.Dir(path)); err != nil {
		return "", err
	}

	ext := strings.ToLower(filepath.Ext(path))
	if !containerExts[ext] {
		return "", apperr.Validationf(op, "unsupported container %q (use .mp4, .mov or .mkv)", ext)
	}
	stem := SanitizeName(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), maxNameLen)
	if stem == "" || strings.Trim(stem, ".") == "" {
		return "", apperr.Validationf(op, "output file name is empty")
	}
	out := filepath.Join(filepath.Dir(path), stem+ext)

	if info, err := os.Stat(out); err == nil && info.IsDir() {
		return "", apperr.Validationf(op, "output path is a directory")
	}
	return out, nil
}
