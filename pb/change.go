package pb

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// RecordVersion is the first byte of every change written to a partition file. Readers reject changes with a
	// version they do not know.
	RecordVersion uint8 = 0x01

	// HashSize is the size of transaction and block hashes.
	HashSize = 32

	// changeHeaderSize is the size of the prefix shared by every change.
	changeHeaderSize = 0 + // Simply here to align the other items.
		1 + // Version (uint8 - 1 byte)
		1 + // Operation (uint8 - 1 byte)
		HashSize // TxId (32 bytes)

	// putFixedSize is how many bytes a put change consumes before its variable length fields.
	putFixedSize = changeHeaderSize +
		4 + // Height (int32 - 4 bytes)
		HashSize + // BlockHash (32 bytes)
		4 + // BlockIndex (uint32 - 4 bytes)
		8 + // FirstSeen (int64 - 8 bytes)
		1 + // Flags (uint8 - 1 byte)
		2 + // Label length (uint16 - 2 bytes)
		4 // Transaction length (uint32 - 4 bytes)

	// MaxLabelLength is the longest label, in bytes, that can be stored with a record.
	MaxLabelLength = math.MaxUint16
)

type (
	// ChangeOperation indicates what a change does to the partition it is applied to.
	ChangeOperation uint8

	// RecordFlag is a bit set of boolean properties of a transaction record.
	RecordFlag uint8

	// TransactionRecord is the on-disk form of a transaction and its status metadata. The transaction itself is kept
	// in its wire serialization.
	TransactionRecord struct {
		TxId [HashSize]byte

		// Height is -1 while the transaction is unconfirmed.
		Height int32

		BlockHash [HashSize]byte

		BlockIndex uint32

		// FirstSeen is in unix seconds.
		FirstSeen int64

		Flags RecordFlag

		Label string

		Transaction []byte
	}

	// Change is a single entry of a partition file. A put carries the full record, a delete only the TxId of the
	// record.
	Change struct {
		Operation ChangeOperation
		Record    TransactionRecord
	}
)

const (
	// ChangePut inserts the record or replaces the record with the same TxId.
	ChangePut ChangeOperation = iota
	// ChangeDelete removes the record with the TxId.
	ChangeDelete
)

const (
	// FlagReplacement marks a transaction that replaced another one through RBF.
	FlagReplacement RecordFlag = 1 << iota
)

// String implements fmt.Stringer.
func (o ChangeOperation) String() string {
	switch o {
	case ChangePut:
		return "put"
	case ChangeDelete:
		return "delete"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

// NewPutChange returns a change that stores the record.
func NewPutChange(record TransactionRecord) Change {
	return Change{
		Operation: ChangePut,
		Record:    record,
	}
}

// NewDeleteChange returns a change that removes the record with the provided TxId.
func NewDeleteChange(txId [HashSize]byte) Change {
	return Change{
		Operation: ChangeDelete,
		Record: TransactionRecord{
			TxId: txId,
		},
	}
}

// EncodedSize is the number of bytes the change consumes once marshalled.
func (c *Change) EncodedSize() int {
	if c.Operation == ChangeDelete {
		return changeHeaderSize
	}

	return putFixedSize + len(c.Record.Label) + len(c.Record.Transaction)
}

// MarshalEx encodes the change into dst, which must be at least EncodedSize bytes long.
func (c *Change) MarshalEx(dst []byte) error {
	size := c.EncodedSize()
	if len(dst) < size {
		return fmt.Errorf(
			"cannot marshal Change, buffer is too small. Need: %d Got: %d",
			size,
			len(dst),
		)
	}

	if len(c.Record.Label) > MaxLabelLength {
		return fmt.Errorf("cannot marshal Change, label is %d bytes long", len(c.Record.Label))
	}

	i := 0

	dst[i] = RecordVersion
	i++

	dst[i] = uint8(c.Operation)
	i++

	copy(dst[i:i+HashSize], c.Record.TxId[:])
	i += HashSize

	switch c.Operation {
	case ChangeDelete:
		return nil
	case ChangePut:
	default:
		return fmt.Errorf("cannot marshal Change, unknown operation %s", c.Operation)
	}

	record := &c.Record

	binary.BigEndian.PutUint32(dst[i:i+4], uint32(record.Height))
	i += 4

	copy(dst[i:i+HashSize], record.BlockHash[:])
	i += HashSize

	binary.BigEndian.PutUint32(dst[i:i+4], record.BlockIndex)
	i += 4

	binary.BigEndian.PutUint64(dst[i:i+8], uint64(record.FirstSeen))
	i += 8

	dst[i] = uint8(record.Flags)
	i++

	binary.BigEndian.PutUint16(dst[i:i+2], uint16(len(record.Label)))
	i += 2

	i += copy(dst[i:], record.Label)

	binary.BigEndian.PutUint32(dst[i:i+4], uint32(len(record.Transaction)))
	i += 4

	copy(dst[i:], record.Transaction)

	return nil
}

// Marshal allocates a buffer of the right size and encodes the change into it.
func (c *Change) Marshal() ([]byte, error) {
	buf := make([]byte, c.EncodedSize())
	if err := c.MarshalEx(buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// Unmarshal decodes a change from src. The record's Transaction is copied out of src so the caller may reuse src.
func (c *Change) Unmarshal(src []byte) error {
	if len(src) < changeHeaderSize {
		return fmt.Errorf(
			"cannot unmarshal Change, source is too short. Need: %d Got: %d",
			changeHeaderSize,
			len(src),
		)
	}

	if version := src[0]; version != RecordVersion {
		return fmt.Errorf("cannot unmarshal Change, unknown record version %d", version)
	}

	*c = Change{}

	i := 1

	c.Operation = ChangeOperation(src[i])
	i++

	copy(c.Record.TxId[:], src[i:i+HashSize])
	i += HashSize

	switch c.Operation {
	case ChangeDelete:
		if len(src) != changeHeaderSize {
			return fmt.Errorf("cannot unmarshal Change, delete has %d trailing bytes", len(src)-changeHeaderSize)
		}
		return nil
	case ChangePut:
	default:
		return fmt.Errorf("cannot unmarshal Change, unknown operation %s", c.Operation)
	}

	if len(src) < putFixedSize {
		return fmt.Errorf(
			"cannot unmarshal put Change, source is too short. Need: %d Got: %d",
			putFixedSize,
			len(src),
		)
	}

	record := &c.Record

	record.Height = int32(binary.BigEndian.Uint32(src[i : i+4]))
	i += 4

	copy(record.BlockHash[:], src[i:i+HashSize])
	i += HashSize

	record.BlockIndex = binary.BigEndian.Uint32(src[i : i+4])
	i += 4

	record.FirstSeen = int64(binary.BigEndian.Uint64(src[i : i+8]))
	i += 8

	record.Flags = RecordFlag(src[i])
	i++

	labelLength := int(binary.BigEndian.Uint16(src[i : i+2]))
	i += 2

	// The label and the 4 byte transaction length still have to fit.
	if len(src) < i+labelLength+4 {
		return fmt.Errorf("cannot unmarshal put Change, label of %d bytes overruns the source", labelLength)
	}

	record.Label = string(src[i : i+labelLength])
	i += labelLength

	transactionLength := int(binary.BigEndian.Uint32(src[i : i+4]))
	i += 4

	if len(src)-i != transactionLength {
		return fmt.Errorf(
			"cannot unmarshal put Change, transaction length is %d but %d bytes remain",
			transactionLength,
			len(src)-i,
		)
	}

	record.Transaction = make([]byte, transactionLength)
	copy(record.Transaction, src[i:])

	return nil
}
