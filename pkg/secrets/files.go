// Package secrets reads secrets projected as files, the way Kubernetes
// mounts Secret volumes.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultBasePath is where Kubernetes mounts secret volumes by convention.
const DefaultBasePath = "/var/run/secrets"

var (
	// ErrNotFound is returned when the named secret file does not exist.
	ErrNotFound = errors.New("secrets: not found")
	// ErrInvalidName is returned for names that would leave the base path.
	ErrInvalidName = errors.New("secrets: invalid name")
)

// FileProvider resolves secret names to files below a base directory.
type FileProvider struct {
	basePath string
}

// NewFileProvider checks that basePath is a readable directory.
func NewFileProvider(basePath string) (*FileProvider, error) {
	if basePath == "" {
		basePath = DefaultBasePath
	}

	info, err := os.Stat(basePath)
	if err != nil {
		return nil, fmt.Errorf("secrets: base %s not accessible: %w", basePath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("secrets: base %s is not a directory", basePath)
	}

	return &FileProvider{basePath: basePath}, nil
}

// Get returns the trimmed content of the secret file name.
func (p *FileProvider) Get(name string) (string, error) {
	clean := filepath.Clean(name)
	if name == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	content, err := os.ReadFile(filepath.Join(p.basePath, clean))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("secrets: read %s: %w", name, err)
	}

	value := strings.TrimSpace(string(content))
	if value == "" {
		return "", fmt.Errorf("secrets: %s is empty", name)
	}
	return value, nil
}
