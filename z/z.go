package z

import (
	"fmt"
	"os"

	"github.com/elliotcourant/timber"
	"github.com/pkg/errors"
)

const (
	// This is O_DSYNC (datasync) on platforms that support it -- see file_unix.go
	dataSyncFileFlag = 0x0
)

const (
	// Sync indicates that O_DSYNC should be set on the underlying file,
	// ensuring that data writes do not return until the data is flushed
	// to disk.
	Sync = 1 << iota
	// ReadOnly opens the underlying file on a read-only basis.
	ReadOnly
)

// OpenExistingFile opens an existing file, errors if it doesn't exist.
func OpenExistingFile(fileName string, flags uint32) (*os.File, error) {
	openFlags := os.O_RDWR
	if flags&ReadOnly != 0 {
		openFlags = os.O_RDONLY
	}

	if flags&Sync != 0 {
		openFlags |= dataSyncFileFlag
	}
	return os.OpenFile(fileName, openFlags, 0)
}

// OpenOrCreateFile opens the file with O_RDWR | O_CREATE, the contents of an existing file are left untouched.
func OpenOrCreateFile(fileName string, sync bool) (*os.File, error) {
	flags := os.O_RDWR | os.O_CREATE
	if sync {
		flags |= dataSyncFileFlag
	}
	return os.OpenFile(fileName, flags, 0600)
}

// OpenTruncFile opens the file with O_RDWR | O_CREATE | O_TRUNC
func OpenTruncFile(fileName string, sync bool) (*os.File, error) {
	flags := os.O_RDWR | os.O_CREATE | os.O_TRUNC
	if sync {
		flags |= dataSyncFileFlag
	}
	return os.OpenFile(fileName, flags, 0600)
}

// FileSync flushes the file's contents to stable storage.
func FileSync(file *os.File) error {
	return file.Sync()
}

// Exists reports whether something exists at path. An error is only returned when the existence could not be
// determined.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return true, err
}

// AssertTrue asserts that b is true. Otherwise it logs the failure and panics.
func AssertTrue(b bool) {
	if !b {
		err := errors.Errorf("Assert failed")
		timber.Errorf("%+v", err)
		panic(err)
	}
}

// AssertTruef is AssertTrue with extra info.
func AssertTruef(b bool, format string, args ...interface{}) {
	if !b {
		err := errors.Errorf(format, args...)
		timber.Errorf("%+v", err)
		panic(err)
	}
}

// Wrap wraps errors from external lib.
func Wrap(err error) error {
	return errors.Wrap(err, "")
}

// Wrapf is Wrap with extra info.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}

	return errors.Wrap(err, fmt.Sprintf(format, args...))
}
