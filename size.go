package txstore

type (
	// StoreSize is the on-disk size of a store.
	StoreSize struct {
		// MempoolSize is the size of the mempool partition file in bytes.
		MempoolSize int64

		// ConfirmedSize is the size of the confirmed partition file in bytes.
		ConfirmedSize int64
	}
)

// Total returns the combined size of both partition files in bytes.
func (s StoreSize) Total() int64 {
	return s.MempoolSize + s.ConfirmedSize
}
