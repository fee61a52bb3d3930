// Package assets manages the directory of uploaded game files.
package assets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// maxTokenLen bounds each sanitized component of a stored filename.
	maxTokenLen = 80
	// defaultExt is used when the client filename carries no extension.
	defaultExt = ".py"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// ErrNotFound is returned when a stored asset does not exist on disk.
var ErrNotFound = errors.New("asset not found")

// SafeToken replaces every character outside [A-Za-z0-9_.-] with '_',
// truncates to 80 characters, and substitutes "x" for an empty result.
func SafeToken(s string) string {
	s = unsafeChars.ReplaceAllString(strings.TrimSpace(s), "_")
	if len(s) > maxTokenLen {
		s = s[:maxTokenLen]
	}
	if s == "" {
		return "x"
	}
	return s
}

// extension returns the suffix of the final path element of clientFilename,
// or ".py" when it has none. A leading dot alone does not start a suffix.
func extension(clientFilename string) string {
	base := filepath.Base(strings.ReplaceAll(clientFilename, `\`, "/"))
	ext := filepath.Ext(strings.TrimLeft(base, "."))
	if ext == "" || ext == "." {
		return defaultExt
	}
	return "." + SafeToken(ext[1:])
}

// FileName builds the stored filename "<game>__<dev>__v<version><ext>".
func FileName(game, dev, version, clientFilename string) string {
	return fmt.Sprintf("%s__%s__v%s%s", SafeToken(game), SafeToken(dev), SafeToken(version), extension(clientFilename))
}

// Dir is the upload directory.
type Dir struct {
	root string
}

// Open returns a Dir rooted at root, creating it when absent.
//
// Precondition: root must be non-empty.
// Postcondition: The directory exists on disk, or an error is returned.
func Open(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload dir %s: %w", root, err)
	}
	return &Dir{root: root}, nil
}

// Root returns the directory path.
func (d *Dir) Root() string {
	return d.root
}

// Path resolves a stored filename inside the directory. Any directory
// components in filename are discarded.
func (d *Dir) Path(filename string) string {
	return filepath.Join(d.root, filepath.Base(filename))
}

// Stat returns the size of a stored asset.
//
// Postcondition: Returns ErrNotFound when the file is absent or is not a regular file.
func (d *Dir) Stat(filename string) (int64, error) {
	if filename == "" {
		return 0, ErrNotFound
	}
	info, err := os.Stat(d.Path(filename))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat asset %s: %w", filename, err)
	}
	if !info.Mode().IsRegular() {
		return 0, ErrNotFound
	}
	return info.Size(), nil
}

// Remove deletes a stored asset. A missing file is not an error.
func (d *Dir) Remove(filename string) error {
	if filename == "" {
		return nil
	}
	if err := os.Remove(d.Path(filename)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing asset %s: %w", filename, err)
	}
	return nil
}
