// Package shell hides the platform differences the registry depends on:
// where the home directory lives, where the snapshot file goes, and how a
// file is locked for exclusive use.
//
// Both implementations are compiled on every platform and one is picked at
// startup from the target OS name, so tests can exercise either. Only the
// OS-level lock call is build-tagged.
package shell

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/avaropoint/crunchy/internal/fault"
)

// SnapshotName is the snapshot file name under the home directory.
const SnapshotName = ".crcdt"

// Shell is the portability capability set.
type Shell interface {
	Name() string
	// HomeDir resolves the platform home directory. A missing variable is
	// a configuration error.
	HomeDir() (string, error)
	// SnapshotPath is the default snapshot location.
	SnapshotPath() (string, error)
	// Lock takes an exclusive lock on f, blocking until it is available.
	Lock(f *os.File) error
	Unlock(f *os.File) error
}

// Getenv looks up an environment variable.
type Getenv func(string) string

// New selects the shell for goos.
func New(goos string, getenv Getenv) Shell {
	if getenv == nil {
		getenv = os.Getenv
	}
	if goos == "windows" {
		return &Windows{getenv: getenv}
	}
	return &Unix{getenv: getenv}
}

// Detect selects the shell for the running platform.
func Detect() Shell {
	return New(runtime.GOOS, os.Getenv)
}

// Unix resolves $HOME.
type Unix struct{ getenv Getenv }

func (u *Unix) Name() string { return "unix" }

func (u *Unix) HomeDir() (string, error) { return lookup(u.getenv, "HOME") }

func (u *Unix) SnapshotPath() (string, error) { return snapshotPath(u) }

func (u *Unix) Lock(f *os.File) error { return lockFile(f) }

func (u *Unix) Unlock(f *os.File) error { return unlockFile(f) }

// Windows resolves %USERPROFILE%.
type Windows struct{ getenv Getenv }

func (w *Windows) Name() string { return "windows" }

func (w *Windows) HomeDir() (string, error) { return lookup(w.getenv, "USERPROFILE") }

func (w *Windows) SnapshotPath() (string, error) { return snapshotPath(w) }

func (w *Windows) Lock(f *os.File) error { return lockFile(f) }

func (w *Windows) Unlock(f *os.File) error { return unlockFile(f) }

func lookup(getenv Getenv, name string) (string, error) {
	v := getenv(name)
	if v == "" {
		return "", fault.New(fault.Config, "environment variable %s is not set", name)
	}
	return v, nil
}

func snapshotPath(s Shell) (string, error) {
	home, err := s.HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, SnapshotName), nil
}
