package txstore

import (
	"bytes"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/elliotcourant/txstore/pb"
	"github.com/pkg/errors"
)

const (
	// MempoolHeight is the height of a transaction that has not been included in a block.
	MempoolHeight int32 = -1
)

type (
	// TransactionRecord is a transaction the wallet knows about together with what the wallet knows about its
	// status. The record is identified by the hash of Tx.
	TransactionRecord struct {
		Tx *wire.MsgTx

		// Height of the block that included the transaction, MempoolHeight while it is unconfirmed.
		Height int32

		// BlockHash and BlockIndex locate the transaction within its block. Both are zero while unconfirmed.
		BlockHash  chainhash.Hash
		BlockIndex uint32

		Label string

		// FirstSeen is kept with second precision.
		FirstSeen time.Time

		IsReplacement bool
	}
)

// NewMempoolRecord returns a record for a transaction that was just seen unconfirmed.
func NewMempoolRecord(tx *wire.MsgTx, firstSeen time.Time) *TransactionRecord {
	return &TransactionRecord{
		Tx:        tx,
		Height:    MempoolHeight,
		FirstSeen: firstSeen,
	}
}

// NewConfirmedRecord returns a record for a transaction found in a block.
func NewConfirmedRecord(
	tx *wire.MsgTx,
	height int32,
	blockHash chainhash.Hash,
	blockIndex uint32,
	firstSeen time.Time,
) *TransactionRecord {
	return &TransactionRecord{
		Tx:         tx,
		Height:     height,
		BlockHash:  blockHash,
		BlockIndex: blockIndex,
		FirstSeen:  firstSeen,
	}
}

// Hash returns the identifier of the record.
func (r *TransactionRecord) Hash() chainhash.Hash {
	return r.Tx.TxHash()
}

// Confirmed returns true once the transaction has been included in a block.
func (r *TransactionRecord) Confirmed() bool {
	return r.Height >= 0
}

// Copy returns a deep copy of the record.
func (r *TransactionRecord) Copy() *TransactionRecord {
	c := *r
	if r.Tx != nil {
		c.Tx = r.Tx.Copy()
	}

	return &c
}

// encode converts the record into its on-disk form and returns its identifier along with it.
func (r *TransactionRecord) encode() (chainhash.Hash, pb.TransactionRecord, error) {
	if r == nil || r.Tx == nil {
		return chainhash.Hash{}, pb.TransactionRecord{}, ErrNilTransaction
	}

	if len(r.Label) > pb.MaxLabelLength {
		return chainhash.Hash{}, pb.TransactionRecord{}, errors.Wrapf(ErrLabelTooLong, "%d bytes", len(r.Label))
	}

	var buf bytes.Buffer
	buf.Grow(r.Tx.SerializeSize())
	if err := r.Tx.Serialize(&buf); err != nil {
		return chainhash.Hash{}, pb.TransactionRecord{}, errors.Wrap(err, "failed to serialize transaction")
	}

	id := r.Tx.TxHash()
	encoded := pb.TransactionRecord{
		TxId:        id,
		Height:      r.Height,
		BlockIndex:  r.BlockIndex,
		Label:       r.Label,
		Transaction: buf.Bytes(),
	}

	if r.Height < 0 {
		// Anything below zero is unconfirmed, confirmation details of an unconfirmed transaction are meaningless.
		encoded.Height = MempoolHeight
		encoded.BlockIndex = 0
	} else {
		encoded.BlockHash = r.BlockHash
	}

	if !r.FirstSeen.IsZero() {
		encoded.FirstSeen = r.FirstSeen.Unix()
	}

	if r.IsReplacement {
		encoded.Flags |= pb.FlagReplacement
	}

	return id, encoded, nil
}

// decodeRecord converts the on-disk form of a record back into a TransactionRecord. The transaction must hash to the
// TxId it was stored under.
func decodeRecord(encoded *pb.TransactionRecord) (*TransactionRecord, error) {
	tx, err := deserializeTransaction(encoded.Transaction)
	if err != nil {
		return nil, err
	}

	id := chainhash.Hash(encoded.TxId)
	if hash := tx.TxHash(); hash != id {
		return nil, errors.Errorf("transaction hashes to %s but is stored as %s", hash, id)
	}

	record := &TransactionRecord{
		Tx:            tx,
		Height:        encoded.Height,
		BlockHash:     encoded.BlockHash,
		BlockIndex:    encoded.BlockIndex,
		Label:         encoded.Label,
		IsReplacement: encoded.Flags&pb.FlagReplacement != 0,
	}

	if encoded.FirstSeen != 0 {
		record.FirstSeen = time.Unix(encoded.FirstSeen, 0).UTC()
	}

	return record, nil
}

// deserializeTransaction reads exactly one transaction from raw.
func deserializeTransaction(raw []byte) (*wire.MsgTx, error) {
	reader := bytes.NewReader(raw)
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(reader); err != nil {
		return nil, errors.Wrap(err, "failed to deserialize transaction")
	}

	if reader.Len() != 0 {
		return nil, errors.Errorf("%d trailing bytes after transaction", reader.Len())
	}

	return tx, nil
}

// mergeMetadata fills the fields the update left empty with what was stored before, and keeps the stored
// transaction so an update never changes identity.
func mergeMetadata(update pb.TransactionRecord, stored *pb.TransactionRecord) pb.TransactionRecord {
	update.Transaction = stored.Transaction

	if update.Label == "" {
		update.Label = stored.Label
	}

	if update.FirstSeen == 0 || (stored.FirstSeen != 0 && stored.FirstSeen < update.FirstSeen) {
		update.FirstSeen = stored.FirstSeen
	}

	return update
}

// sameRecord returns true when both records would be written out identically.
func sameRecord(a, b *pb.TransactionRecord) bool {
	return a.TxId == b.TxId &&
		a.Height == b.Height &&
		a.BlockHash == b.BlockHash &&
		a.BlockIndex == b.BlockIndex &&
		a.FirstSeen == b.FirstSeen &&
		a.Flags == b.Flags &&
		a.Label == b.Label &&
		bytes.Equal(a.Transaction, b.Transaction)
}
