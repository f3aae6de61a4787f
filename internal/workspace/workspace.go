// Package workspace maps a (project, thread) pair to the directory an agent
// run executes in.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidID is returned for IDs that could escape the workspace root.
var ErrInvalidID = errors.New("invalid workspace id")

// Resolver returns the working directory for a thread. Implementations must
// be pure functions of their inputs.
type Resolver interface {
	Resolve(projectID, threadID string) (string, error)
}

// DirResolver lays workspaces out as root/projects/<project>/threads/<thread>.
type DirResolver struct {
	root string
}

// NewDirResolver returns a resolver rooted at root. root is made absolute.
func NewDirResolver(root string) (*DirResolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root %q: %w", root, err)
	}
	return &DirResolver{root: abs}, nil
}

// Root returns the absolute workspace root.
func (r *DirResolver) Root() string { return r.root }

// Resolve returns the thread's directory without touching the filesystem.
func (r *DirResolver) Resolve(projectID, threadID string) (string, error) {
	if err := checkID(projectID); err != nil {
		return "", fmt.Errorf("project %q: %w", projectID, err)
	}
	if err := checkID(threadID); err != nil {
		return "", fmt.Errorf("thread %q: %w", threadID, err)
	}
	return filepath.Join(r.root, "projects", projectID, "threads", threadID), nil
}

// Ensure creates dir (and parents) if missing.
func Ensure(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	return nil
}

func checkID(id string) error {
	switch {
	case id == "", id == ".", id == "..":
		return ErrInvalidID
	case strings.ContainsAny(id, `/\`+"\x00"):
		return ErrInvalidID
	}
	return nil
}
