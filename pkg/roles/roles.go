// Package roles loads AI-CLI role presets from ~/.aiw/role/.
//
// Each role is a Markdown file:
//
//	<description>
//	------------
//	<content>
//
// The description feeds listings; the content is prepended to the task text
// handed to the AI CLI.
package roles

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/aiw-dev/aiw/pkg/config"
)

const (
	roleFileExtension = ".md"
	delimiter         = "------------"

	// MaxRoleFileBytes caps role files at 1 MiB.
	MaxRoleFileBytes = 1 << 20
)

// roleNameRegex restricts names to a safe identifier set. Anything else —
// separators, traversal sequences, non-ASCII — is rejected outright.
var roleNameRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var (
	// ErrRoleNotFound indicates the named role file does not exist.
	ErrRoleNotFound = errors.New("role not found")
	// ErrInvalidRoleName indicates a name outside the allowed set.
	ErrInvalidRoleName = errors.New("invalid role name")
	// ErrRoleFileTooLarge indicates a role file above the size cap.
	ErrRoleFileTooLarge = errors.New("role file too large")
	// ErrInvalidRoleFormat indicates a file without the delimiter line.
	ErrInvalidRoleFormat = errors.New("invalid role file format")
)

// Role is a parsed role preset.
type Role struct {
	Name        string
	Description string
	Content     string
	FilePath    string
}

// Manager loads role definitions from a base directory.
type Manager struct {
	baseDir string
}

// NewManager uses the default ~/.aiw/role directory.
func NewManager() (*Manager, error) {
	dir, err := config.ConfigDir()
	if err != nil {
		return nil, err
	}
	return &Manager{baseDir: filepath.Join(dir, "role")}, nil
}

// NewManagerWithDir points the manager at a custom directory (tests).
func NewManagerWithDir(baseDir string) *Manager {
	return &Manager{baseDir: baseDir}
}

// Load reads and parses one role by name.
func (m *Manager) Load(name string) (*Role, error) {
	if !roleNameRegex.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRoleName, name)
	}

	path := filepath.Join(m.baseDir, name+roleFileExtension)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
		}
		return nil, fmt.Errorf("stat role %q: %w", name, err)
	}
	if info.Size() > MaxRoleFileBytes {
		return nil, fmt.Errorf("%w: %d bytes at %s", ErrRoleFileTooLarge, info.Size(), path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read role %q: %w", name, err)
	}
	role, err := parseRole(name, path, string(data))
	if err != nil {
		return nil, err
	}
	return role, nil
}

// List parses every role in the base directory. A missing directory yields
// an empty list. Malformed files are skipped.
func (m *Manager) List() ([]Role, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read role dir: %w", err)
	}

	var roles []Role
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), roleFileExtension) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), roleFileExtension)
		role, err := m.Load(name)
		if err != nil {
			continue
		}
		roles = append(roles, *role)
	}
	return roles, nil
}

func parseRole(name, path, raw string) (*Role, error) {
	idx := strings.Index(raw, delimiter)
	if idx < 0 {
		return nil, fmt.Errorf("%w: missing %q delimiter in %s", ErrInvalidRoleFormat, delimiter, path)
	}
	description := strings.TrimSpace(raw[:idx])
	content := strings.TrimSpace(raw[idx+len(delimiter):])
	return &Role{
		Name:        name,
		Description: description,
		Content:     content,
		FilePath:    path,
	}, nil
}
