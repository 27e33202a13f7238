//go:build windows

package txstore

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

type (
	// directoryLockGuard holds the lock file of a directory open. Windows refuses to create the file again while it
	// exists, which is what makes it exclusive.
	directoryLockGuard struct {
		file *os.File

		// The absolute path to our lock file.
		path string
	}
)

// acquireDirectoryLock creates the lock file exclusively, it fails if another store already owns the directory.
func acquireDirectoryLock(directory string, pidFileName string) (*directoryLockGuard, error) {
	absoluteLockFilePath, err := filepath.Abs(filepath.Join(directory, pidFileName))
	if err != nil {
		return nil, errors.Wrap(err, "cannot get absolute path for lock file")
	}

	file, err := os.OpenFile(absoluteLockFilePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return nil, errors.Wrapf(
			err,
			"cannot create lock file %q. Another process is using this transaction store",
			absoluteLockFilePath,
		)
	}

	return &directoryLockGuard{
		file: file,
		path: absoluteLockFilePath,
	}, nil
}

// release closes and removes the lock file.
func (guard *directoryLockGuard) release() error {
	err := guard.file.Close()

	if removeErr := os.Remove(guard.path); err == nil {
		err = removeErr
	}

	guard.path = ""
	guard.file = nil

	return err
}

// syncDir is a no-op on Windows, directory entries can't be synced.
func syncDir(dir string) error {
	return nil
}
