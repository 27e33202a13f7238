package options

// ChecksumVerificationMode specifies whether frame checksums in a partition file are verified when the file is
// replayed.
type ChecksumVerificationMode int

const (
	// NoVerification indicates the store should trust the payload of every complete frame.
	NoVerification ChecksumVerificationMode = iota
	// OnLoad indicates checksums should be verified while replaying a partition file. Frames that fail the check are
	// skipped.
	OnLoad
)

// PartitionKind identifies one of the two partitions of a store.
type PartitionKind uint8

const (
	// MempoolPartition holds transactions that have not been included in a block yet.
	MempoolPartition PartitionKind = iota
	// ConfirmedPartition holds transactions that have been included in a block.
	ConfirmedPartition
)

// String returns the directory name used for the partition.
func (k PartitionKind) String() string {
	switch k {
	case MempoolPartition:
		return "Mempool"
	case ConfirmedPartition:
		return "ConfirmedTransactions"
	default:
		return "Unknown"
	}
}
