package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validation errors
var (
	ErrPathTraversal     = errors.New("security: path traversal detected")
	ErrInvalidPath       = errors.New("security: invalid path")
	ErrPathOutsideRoot   = errors.New("security: path outside allowed root")
	ErrInvalidInput      = errors.New("security: invalid input")
	ErrInputTooLong      = errors.New("security: input exceeds maximum length")
	ErrNullByte          = errors.New("security: null byte in input")
	ErrInvalidUTF8       = errors.New("security: invalid UTF-8 encoding")
	ErrControlCharacters = errors.New("security: control characters in input")
)

// PathValidator provides secure path validation.
type PathValidator struct {
	// AllowedRoots are the directories that paths must be within
	AllowedRoots []string

	// AllowSymlinks controls whether symbolic links are followed
	AllowSymlinks bool

	// MaxPathLength is the maximum allowed path length
	MaxPathLength int
}

// DefaultPathValidator returns a PathValidator with sensible defaults.
func DefaultPathValidator() *PathValidator {
	return &PathValidator{
		AllowSymlinks: false,
		MaxPathLength: 4096,
	}
}

// ValidatePath checks if a path is safe to use.
// It returns the cleaned, absolute path if valid.
func (v *PathValidator) ValidatePath(path string) (string, error) {
	if path == "" {
		return "", ErrInvalidPath
	}
	if strings.Contains(path, "\x00") {
		return "", ErrNullByte
	}
	if v.MaxPathLength > 0 && len(path) > v.MaxPathLength {
		return "", fmt.Errorf("%w: length %d exceeds maximum %d", ErrInputTooLong, len(path), v.MaxPathLength)
	}
	if containsTraversal(path) {
		return "", ErrPathTraversal
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	if !v.AllowSymlinks {
		realPath, err := filepath.EvalSymlinks(absPath)
		switch {
		case err == nil:
			absPath = realPath
		case !os.IsNotExist(err):
			return "", fmt.Errorf("%w: symlink evaluation failed: %v", ErrInvalidPath, err)
		default:
			// Not created yet; resolve the parent instead.
			parentDir := filepath.Dir(absPath)
			realParent, err := filepath.EvalSymlinks(parentDir)
			if err != nil && !os.IsNotExist(err) {
				return "", fmt.Errorf("%w: parent symlink evaluation failed: %v", ErrInvalidPath, err)
			}
			if realParent != "" && realParent != parentDir {
				absPath = filepath.Join(realParent, filepath.Base(absPath))
			}
		}
	}

	if len(v.AllowedRoots) > 0 && !v.within(absPath) {
		return "", ErrPathOutsideRoot
	}
	return absPath, nil
}

func (v *PathValidator) within(absPath string) bool {
	for _, root := range v.AllowedRoots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
			absRoot = resolved
		}
		if absPath == absRoot || strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// containsTraversal checks for common path traversal patterns.
func containsTraversal(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return true
		}
	}
	if strings.Contains(strings.ToLower(path), "%2e%2e") {
		return true
	}
	return strings.Contains(path, "..\\") || strings.Contains(path, "\\..")
}

var packageNamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,254}$`)

// ValidatePackageName checks that name is usable as a single directory
// component: no separators, no leading dot, no traversal.
func ValidatePackageName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty package name", ErrInvalidInput)
	}
	if strings.Contains(name, "\x00") {
		return ErrNullByte
	}
	if !packageNamePattern.MatchString(name) {
		return fmt.Errorf("%w: package name %q", ErrInvalidInput, name)
	}
	return nil
}

// InputValidator provides general input validation.
type InputValidator struct {
	// MaxLength is the maximum allowed input length in bytes
	MaxLength int

	// AllowNullBytes controls whether null bytes are allowed
	AllowNullBytes bool

	// AllowControlChars controls whether control characters other than
	// tab, CR and LF are allowed
	AllowControlChars bool

	// RequireUTF8 ensures the input is valid UTF-8
	RequireUTF8 bool
}

// Validate checks if input meets the validation requirements.
func (v *InputValidator) Validate(input string) error {
	if v.MaxLength > 0 && len(input) > v.MaxLength {
		return fmt.Errorf("%w: length %d exceeds maximum %d", ErrInputTooLong, len(input), v.MaxLength)
	}
	if !v.AllowNullBytes && strings.Contains(input, "\x00") {
		return ErrNullByte
	}
	if v.RequireUTF8 && !utf8.ValidString(input) {
		return ErrInvalidUTF8
	}
	if !v.AllowControlChars {
		for _, r := range input {
			if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' && r != 0 {
				return ErrControlCharacters
			}
		}
	}
	return nil
}
