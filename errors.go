package txstore

import (
	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned when a mutation is attempted on a partition or store that has been closed.
	ErrClosed = errors.New("transaction store is closed")

	// ErrNilTransaction is returned when a record without a transaction is added or updated.
	ErrNilTransaction = errors.New("record has no transaction")

	// ErrLabelTooLong is returned when a record's label does not fit in the on-disk format.
	ErrLabelTooLong = errors.New("record label is too long")

	// ErrInvalidHeight is returned when a transaction is reclassified as confirmed with a negative height.
	ErrInvalidHeight = errors.New("confirmed height must not be negative")

	// ErrEmptyDirectory is returned by Open when no base directory was provided.
	ErrEmptyDirectory = errors.New("base directory must be provided")

	// ErrNilNetwork is returned by Open when no network was provided.
	ErrNilNetwork = errors.New("network must be provided")

	// ErrUnavailable is returned when a partition lost its file because a compaction could not reopen it. The
	// partition has to be closed and opened again.
	ErrUnavailable = errors.New("partition file is unavailable")

	// ErrInvalidOptions is returned by Open when the rewrite or cache settings are inconsistent.
	ErrInvalidOptions = errors.New("invalid options")
)
