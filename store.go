package txstore

import (
	"os"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/elliotcourant/timber"
	"github.com/elliotcourant/txstore/layout"
	"github.com/elliotcourant/txstore/options"
	"github.com/elliotcourant/txstore/pb"
	"github.com/elliotcourant/txstore/z"
	"github.com/pkg/errors"
)

type (
	// Store presents the mempool and confirmed partitions of one network as a single store. A transaction is in at
	// most one of the two partitions at any time.
	//
	// Operations that look at both partitions hold both partition locks, always taking the mempool lock first, so a
	// transaction moving between the partitions is never seen in both or in neither.
	Store struct {
		directory string
		network   *chaincfg.Params
		options   Options

		mempool   *Partition
		confirmed *Partition
	}
)

// Open initializes the store for opts.Network below opts.Directory. The partitions are created empty if there is
// nothing on disk yet. With EnsureBackwardsCompatibility set, transactions written by the legacy single file layout
// are moved into the partitions. Open either returns a usable store or an error, never a partially opened store.
func Open(opts Options) (*Store, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	s := &Store{
		directory: layout.NetworkDirectory(opts.Directory, opts.Network),
		network:   opts.Network,
		options:   opts,
	}

	if err := createDirs(s.directory); err != nil {
		return nil, err
	}

	// Both partitions are independent files so they are loaded at the same time.
	throttle := z.NewThrottle(2)
	for _, kind := range []options.PartitionKind{options.MempoolPartition, options.ConfirmedPartition} {
		kind := kind
		err := throttle.Go(func() error {
			partition, err := openPartition(
				kind,
				layout.PartitionDirectory(s.directory, kind),
				opts.partitionOptions(),
			)
			if err != nil {
				return errors.Wrapf(err, "failed to open %s partition", kind)
			}

			switch kind {
			case options.MempoolPartition:
				s.mempool = partition
			case options.ConfirmedPartition:
				s.confirmed = partition
			}

			return nil
		})
		if err != nil {
			break
		}
	}

	if err := throttle.Finish(); err != nil {
		_ = s.closePartitions()
		return nil, err
	}

	if err := s.reconcile(); err != nil {
		_ = s.closePartitions()
		return nil, err
	}

	if opts.EnsureBackwardsCompatibility {
		if err := s.ensureBackwardsCompatibility(); err != nil {
			_ = s.closePartitions()
			return nil, err
		}
	}

	timber.Infof(
		"opened transaction store %s: %d mempool and %d confirmed transactions",
		s.directory, s.mempool.Len(), s.confirmed.Len(),
	)

	return s, nil
}

func createDirs(directory string) error {
	dirExists, err := z.Exists(directory)
	if err != nil {
		return z.Wrapf(err, "Invalid Dir: %q", directory)
	}

	if !dirExists {
		if err := os.MkdirAll(directory, 0700); err != nil {
			return z.Wrapf(err, "Error Creating Dir: %q", directory)
		}
	}

	return nil
}

// reconcile repairs the only state a crash during reclassification can leave behind: a transaction that was added
// to one partition but not yet removed from the other. The confirmed copy wins.
func (s *Store) reconcile() error {
	s.lock()
	defer s.unlock()

	for id := range s.mempool.index {
		if !s.confirmed.containsLocked(id) {
			continue
		}

		timber.Warningf("transaction %s is in both partitions, keeping the confirmed one", id)
		if _, _, err := s.mempool.removeLocked(id); err != nil {
			return errors.Wrapf(err, "failed to remove duplicate %s from mempool", id)
		}
	}

	return nil
}

// checkOpenLocked returns ErrClosed once the store was closed. Both locks must be held.
func (s *Store) checkOpenLocked() error {
	if s.mempool.closed || s.confirmed.closed {
		return ErrClosed
	}

	return nil
}

func (s *Store) rlock() {
	s.mempool.lock.RLock()
	s.confirmed.lock.RLock()
}

func (s *Store) runlock() {
	s.confirmed.lock.RUnlock()
	s.mempool.lock.RUnlock()
}

func (s *Store) lock() {
	s.mempool.lock.Lock()
	s.confirmed.lock.Lock()
}

func (s *Store) unlock() {
	s.confirmed.lock.Unlock()
	s.mempool.lock.Unlock()
}

// partitionFor returns the partition a record with the given confirmation status belongs to.
func (s *Store) partitionFor(confirmed bool) *Partition {
	if confirmed {
		return s.confirmed
	}

	return s.mempool
}

// Mempool returns the partition of unconfirmed transactions.
func (s *Store) Mempool() *Partition {
	return s.mempool
}

// Confirmed returns the partition of confirmed transactions.
func (s *Store) Confirmed() *Partition {
	return s.confirmed
}

// Network returns the network the store is scoped to.
func (s *Store) Network() *chaincfg.Params {
	return s.network
}

// Directory returns the network scoped directory that holds both partitions.
func (s *Store) Directory() string {
	return s.directory
}

// Contains returns true if either partition has the transaction.
func (s *Store) Contains(id chainhash.Hash) bool {
	s.rlock()
	defer s.runlock()

	return s.mempool.containsLocked(id) || s.confirmed.containsLocked(id)
}

// TryGetTransaction returns a copy of the transaction's record, looking in the mempool first.
func (s *Store) TryGetTransaction(id chainhash.Hash) (*TransactionRecord, bool) {
	s.rlock()
	defer s.runlock()

	if record, ok := s.mempool.tryGetLocked(id); ok {
		return record, true
	}

	return s.confirmed.tryGetLocked(id)
}

// GetTransactions returns a snapshot of the records of both partitions, in no particular order.
func (s *Store) GetTransactions() []*TransactionRecord {
	s.rlock()
	defer s.runlock()

	records := make([]*TransactionRecord, 0, len(s.mempool.index)+len(s.confirmed.index))
	records = s.mempool.appendAllLocked(records)
	return s.confirmed.appendAllLocked(records)
}

// GetTransactionHashes returns a snapshot of the identifiers of both partitions, in no particular order.
func (s *Store) GetTransactionHashes() []chainhash.Hash {
	s.rlock()
	defer s.runlock()

	ids := make([]chainhash.Hash, 0, len(s.mempool.index)+len(s.confirmed.index))
	ids = s.mempool.appendAllIdsLocked(ids)
	return s.confirmed.appendAllIdsLocked(ids)
}

// IsEmpty returns true only if both partitions are empty.
func (s *Store) IsEmpty() bool {
	s.rlock()
	defer s.runlock()

	return len(s.mempool.index) == 0 && len(s.confirmed.index) == 0
}

// TryUpdate replaces the metadata of a transaction the store already has. It returns false, without changing
// anything, when neither partition has the transaction; it never inserts. If the update changes whether the
// transaction is confirmed, the record is moved to the other partition as part of the update.
func (s *Store) TryUpdate(record *TransactionRecord) (bool, error) {
	id, encoded, err := record.encode()
	if err != nil {
		return false, err
	}

	s.lock()
	defer s.unlock()

	if err := s.checkOpenLocked(); err != nil {
		return false, err
	}

	return s.updateLocked(id, encoded)
}

func (s *Store) updateLocked(id chainhash.Hash, encoded pb.TransactionRecord) (bool, error) {
	confirmed := encoded.Height >= 0

	for _, current := range []*Partition{s.mempool, s.confirmed} {
		if !current.containsLocked(id) {
			continue
		}

		target := s.partitionFor(confirmed)
		if target == current {
			return current.updateLocked(id, encoded)
		}

		return true, s.moveLocked(current, target, id, encoded)
	}

	return false, nil
}

// TryAddOrUpdate stores the record in the partition matching its confirmation status. A confirmed record takes the
// place of its mempool copy. An unconfirmed record for a transaction that is already confirmed only updates the
// metadata of the confirmed copy; seeing a transaction in the mempool does not undo its confirmation, use
// ReleaseToMempoolFromBlock for reorganizations.
func (s *Store) TryAddOrUpdate(record *TransactionRecord) (added bool, updated bool, err error) {
	id, encoded, err := record.encode()
	if err != nil {
		return false, false, err
	}

	s.lock()
	defer s.unlock()

	if err := s.checkOpenLocked(); err != nil {
		return false, false, err
	}

	return s.addOrUpdateLocked(id, encoded)
}

func (s *Store) addOrUpdateLocked(id chainhash.Hash, encoded pb.TransactionRecord) (bool, bool, error) {
	if encoded.Height >= 0 {
		if s.mempool.containsLocked(id) {
			return false, true, s.moveLocked(s.mempool, s.confirmed, id, encoded)
		}

		if s.confirmed.containsLocked(id) {
			updated, err := s.confirmed.updateLocked(id, encoded)
			return false, updated, err
		}

		added, err := s.confirmed.addLocked(id, encoded)
		return added, false, err
	}

	if entry, ok := s.confirmed.index[id]; ok {
		encoded.Height = entry.record.Height
		encoded.BlockHash = entry.record.BlockHash
		encoded.BlockIndex = entry.record.BlockIndex
		updated, err := s.confirmed.updateLocked(id, encoded)
		return false, updated, err
	}

	if s.mempool.containsLocked(id) {
		updated, err := s.mempool.updateLocked(id, encoded)
		return false, updated, err
	}

	added, err := s.mempool.addLocked(id, encoded)
	return added, false, err
}

// Reclassify moves a transaction from the mempool to the confirmed partition now that it was included in a block.
// It returns false if the transaction is not in the mempool.
func (s *Store) Reclassify(id chainhash.Hash, height int32, blockHash chainhash.Hash, blockIndex uint32) (bool, error) {
	if height < 0 {
		return false, errors.Wrapf(ErrInvalidHeight, "height %d", height)
	}

	s.lock()
	defer s.unlock()

	if err := s.checkOpenLocked(); err != nil {
		return false, err
	}

	entry, ok := s.mempool.index[id]
	if !ok {
		return false, nil
	}

	confirmed := entry.record
	confirmed.Height = height
	confirmed.BlockHash = blockHash
	confirmed.BlockIndex = blockIndex

	if err := s.moveLocked(s.mempool, s.confirmed, id, confirmed); err != nil {
		return false, err
	}

	return true, nil
}

// ReleaseToMempoolFromBlock moves every confirmed transaction of the block back to the mempool, which is what a
// reorganization that orphaned the block requires. The released records are returned.
func (s *Store) ReleaseToMempoolFromBlock(blockHash chainhash.Hash) ([]*TransactionRecord, error) {
	s.lock()
	defer s.unlock()

	if err := s.checkOpenLocked(); err != nil {
		return nil, err
	}

	var ids []chainhash.Hash
	for id, entry := range s.confirmed.index {
		if chainhash.Hash(entry.record.BlockHash) == blockHash {
			ids = append(ids, id)
		}
	}

	released := make([]*TransactionRecord, 0, len(ids))
	for _, id := range ids {
		unconfirmed := s.confirmed.index[id].record
		unconfirmed.Height = MempoolHeight
		unconfirmed.BlockHash = [pb.HashSize]byte{}
		unconfirmed.BlockIndex = 0

		if err := s.moveLocked(s.confirmed, s.mempool, id, unconfirmed); err != nil {
			return released, err
		}

		record, _ := s.mempool.tryGetLocked(id)
		released = append(released, record)
	}

	if len(released) > 0 {
		timber.Infof("released %d transactions of block %s to the mempool", len(released), blockHash)
	}

	return released, nil
}

// moveLocked takes the record out of one partition and puts the update into the other. Both locks must be held. The
// destination is written first, if the process dies in between Open finds the transaction in both partitions and
// reconciles it.
func (s *Store) moveLocked(from, to *Partition, id chainhash.Hash, update pb.TransactionRecord) error {
	entry, ok := from.index[id]
	z.AssertTrue(ok)

	moved := mergeMetadata(update, &entry.record)

	added, err := to.addLocked(id, moved)
	if err != nil {
		return err
	}
	z.AssertTruef(added, "transaction %s is in both the %s and %s partitions", id, from.kind, to.kind)

	if _, _, err := from.removeLocked(id); err != nil {
		// Undo the add so the transaction stays where it was.
		if _, _, undoErr := to.removeLocked(id); undoErr != nil {
			timber.Errorf("failed to undo move of %s to %s partition: %v", id, to.kind, undoErr)
		}

		return errors.Wrapf(err, "failed to remove %s from %s partition", id, from.kind)
	}

	return nil
}

// Size returns the size of both partition files.
func (s *Store) Size() (StoreSize, error) {
	mempoolSize, err := s.mempool.Size()
	if err != nil {
		return StoreSize{}, err
	}

	confirmedSize, err := s.confirmed.Size()
	if err != nil {
		return StoreSize{}, err
	}

	return StoreSize{
		MempoolSize:   mempoolSize,
		ConfirmedSize: confirmedSize,
	}, nil
}

// Close closes both partitions. The store is disposed of as a unit.
func (s *Store) Close() error {
	return s.closePartitions()
}

func (s *Store) closePartitions() error {
	var err error
	for _, partition := range []*Partition{s.mempool, s.confirmed} {
		if partition == nil {
			continue
		}

		if closeErr := partition.Close(); err == nil {
			err = closeErr
		}
	}

	return err
}
