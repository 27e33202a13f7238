//go:build !windows

package txstore

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/elliotcourant/txstore/z"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type (
	// directoryLockGuard holds a lock on a directory and a pid file inside. The pid file isn't part of the locking
	// mechanism, it's just advisory.
	directoryLockGuard struct {
		// File handle on the directory, which we've flocked.
		file *os.File

		// The absolute path to our pid file.
		path string
	}
)

// acquireDirectoryLock gets an exclusive lock on the directory. It will also write our pid to
// directory/pidFileName for convenience.
func acquireDirectoryLock(directory string, pidFileName string) (*directoryLockGuard, error) {
	// Convert to absolute path so that Release still works even if we do an unbalanced chdir in the meantime.
	absolutePidFilePath, err := filepath.Abs(filepath.Join(directory, pidFileName))
	if err != nil {
		return nil, errors.Wrap(err, "cannot get absolute path for pid lock file")
	}

	file, err := openDir(directory)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open directory %q", directory)
	}

	if err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()
		return nil, errors.Wrapf(
			err,
			"cannot acquire directory lock on %q. Another process is using this transaction store",
			directory,
		)
	}

	// Yes, we happily overwrite a pre-existing pid file. We're the only process using this directory.
	if err = ioutil.WriteFile(absolutePidFilePath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0666); err != nil {
		_ = file.Close()
		return nil, errors.Wrapf(err, "cannot write pid file %q", absolutePidFilePath)
	}

	return &directoryLockGuard{
		file: file,
		path: absolutePidFilePath,
	}, nil
}

// release deletes the pid file and releases our lock on the directory.
func (guard *directoryLockGuard) release() error {
	err := os.Remove(guard.path)

	if closeErr := guard.file.Close(); err == nil {
		err = closeErr
	}

	guard.path = ""
	guard.file = nil

	return err
}

// openDir opens a directory for syncing.
func openDir(path string) (*os.File, error) {
	return os.Open(path)
}

// When you create or delete a file, you have to ensure the directory entry for the file is synced
// in order to guarantee the file is visible (if the system crashes). (See the man page for fsync,
// or see https://github.com/coreos/etcd/issues/6368 for an example.)
func syncDir(dir string) error {
	f, err := openDir(dir)
	if err != nil {
		return errors.Wrapf(err, "While opening directory: %s.", dir)
	}
	err = z.FileSync(f)
	closeErr := f.Close()
	if err != nil {
		return errors.Wrapf(err, "While syncing directory: %s.", dir)
	}
	return errors.Wrapf(closeErr, "While closing directory: %s.", dir)
}
