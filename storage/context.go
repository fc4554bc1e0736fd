// Package storage provides the runtime's persistence layer: a storage root
// resolver, interchangeable key/value backends (memory, file, SQLite), typed
// providers layered on top of them, and a purpose-keyed manager that routes
// components to their configured provider.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// GlobalDirName is the directory created under the user's home (or a project
// root) to hold all persistent state.
const GlobalDirName = ".dexto"

// Manifest file names that mark a directory as a project root.
var projectManifests = []string{"dexto.yml", "dexto.yaml"}

// Context describes where storage lives for the lifetime of the process.
// It is resolved once at initialization and shared by every backend and
// provider; the fields besides Root record how the root was chosen.
type Context struct {
	Root          string
	IsDevelopment bool
	ProjectRoot   string
	ForceGlobal   bool
	CustomRoot    string
}

// ContextOptions configures root resolution.
type ContextOptions struct {
	// CustomRoot overrides all other resolution rules when set.
	CustomRoot string

	// ForceGlobal selects the user-global root even inside a project.
	ForceGlobal bool

	// IsDevelopment prefers a project-local root when a project is found.
	IsDevelopment bool

	// StartDir is where project detection begins. Defaults to the current
	// working directory.
	StartDir string
}

// ResolveContext chooses the storage root per the precedence rules:
// custom root, then forced global, then a project-local root when developing
// (or when one already exists and is writable), then the user-global root.
// The chosen root directory is created; a failure to create it is returned,
// never silently replaced with a different root.
func ResolveContext(opts ContextOptions) (*Context, error) {
	if opts.CustomRoot != "" {
		if err := ensureDir(opts.CustomRoot); err != nil {
			return nil, fmt.Errorf("storage: create custom root %q: %w", opts.CustomRoot, err)
		}
		return &Context{Root: opts.CustomRoot, CustomRoot: opts.CustomRoot, IsDevelopment: opts.IsDevelopment}, nil
	}

	globalRoot, err := globalRootDir()
	if err != nil {
		return nil, err
	}

	if opts.ForceGlobal {
		if err := ensureDir(globalRoot); err != nil {
			return nil, fmt.Errorf("storage: create global root %q: %w", globalRoot, err)
		}
		return &Context{Root: globalRoot, ForceGlobal: true, IsDevelopment: opts.IsDevelopment}, nil
	}

	startDir := opts.StartDir
	if startDir == "" {
		startDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("storage: resolve working directory: %w", err)
		}
	}

	projectRoot, found := FindProjectRoot(startDir)
	if found {
		local := filepath.Join(projectRoot, GlobalDirName)
		if opts.IsDevelopment || isWritableDir(local) {
			if err := ensureDir(local); err != nil {
				return nil, fmt.Errorf("storage: create project root %q: %w", local, err)
			}
			return &Context{
				Root:          local,
				ProjectRoot:   projectRoot,
				IsDevelopment: opts.IsDevelopment,
			}, nil
		}
	}

	if err := ensureDir(globalRoot); err != nil {
		return nil, fmt.Errorf("storage: create global root %q: %w", globalRoot, err)
	}
	return &Context{Root: globalRoot, ProjectRoot: projectRoot, IsDevelopment: opts.IsDevelopment}, nil
}

// FindProjectRoot walks upward from start looking for a directory containing
// either a .dexto directory or a project manifest. Returns the directory and
// whether one was found.
func FindProjectRoot(start string) (string, bool) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", false
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, GlobalDirName)); err == nil && info.IsDir() {
			return dir, true
		}
		for _, manifest := range projectManifests {
			if info, err := os.Stat(filepath.Join(dir, manifest)); err == nil && !info.IsDir() {
				return dir, true
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// Path returns a sub-path under the storage root, creating the directory.
func (c *Context) Path(parts ...string) (string, error) {
	p := filepath.Join(append([]string{c.Root}, parts...)...)
	if err := ensureDir(p); err != nil {
		return "", fmt.Errorf("storage: create directory %q: %w", p, err)
	}
	return p, nil
}

func globalRootDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("storage: resolve home directory: %w", err)
	}
	return filepath.Join(home, GlobalDirName), nil
}

// ensureDir creates dir recursively. An existing directory is not an error.
func ensureDir(dir string) error {
	err := os.MkdirAll(dir, 0o755)
	if err == nil || errors.Is(err, os.ErrExist) {
		return nil
	}
	return err
}

func isWritableDir(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	probe := filepath.Join(dir, ".dexto-write-probe")
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}
