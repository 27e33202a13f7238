package txstore

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/elliotcourant/txstore/layout"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireEmptyStore(t *testing.T, store *Store) {
	t.Helper()

	require.NotNil(t, store.Confirmed())
	require.NotNil(t, store.Mempool())
	require.Empty(t, store.GetTransactions())
	require.Empty(t, store.GetTransactionHashes())
	require.Empty(t, store.Mempool().GetAll())
	require.Empty(t, store.Mempool().GetAllIds())
	require.Empty(t, store.Confirmed().GetAll())
	require.Empty(t, store.Confirmed().GetAllIds())

	txHash := randomTransaction().TxHash()
	require.False(t, store.Contains(txHash))
	require.True(t, store.IsEmpty())
	_, ok := store.TryGetTransaction(txHash)
	require.False(t, ok)
}

func TestStore_CanInitialize(t *testing.T) {
	for _, network := range testNetworks {
		t.Run(network.Name, func(t *testing.T) {
			dir := tempDir(t)
			defer removeDir(dir)

			store := openTestStore(t, testOptions(dir, network))
			defer store.Close()

			requireEmptyStore(t, store)

			mempoolFile := filepath.Join(networkDirectory(dir, network), "Mempool", "Transactions.dat")
			txFile := filepath.Join(networkDirectory(dir, network), "ConfirmedTransactions", "Transactions.dat")
			require.FileExists(t, mempoolFile)
			require.FileExists(t, txFile)
			require.Empty(t, readFile(t, mempoolFile))
			require.Empty(t, readFile(t, txFile))
		})
	}
}

func TestStore_DoesntUpdate(t *testing.T) {
	for _, network := range testNetworks {
		t.Run(network.Name, func(t *testing.T) {
			dir := tempDir(t)
			defer removeDir(dir)

			store := openTestStore(t, testOptions(dir, network))
			defer store.Close()

			updated, err := store.TryUpdate(randomMempoolRecord())
			require.NoError(t, err)
			require.False(t, updated)

			updated, err = store.TryUpdate(randomConfirmedRecord(100))
			require.NoError(t, err)
			require.False(t, updated)

			// TryUpdate didn't modify anything.
			requireEmptyStore(t, store)

			mempoolFile, txFile := partitionFilePaths(store)
			require.Empty(t, readFile(t, mempoolFile))
			require.Empty(t, readFile(t, txFile))
		})
	}
}

func TestStore_DoesntUpdateNonEmpty(t *testing.T) {
	dir := tempDir(t)
	defer removeDir(dir)

	store := openTestStore(t, testOptions(dir, &chaincfg.MainNetParams))
	defer store.Close()

	_, _, err := store.TryAddOrUpdate(randomMempoolRecord())
	require.NoError(t, err)
	_, _, err = store.TryAddOrUpdate(randomConfirmedRecord(10))
	require.NoError(t, err)

	mempoolFile, txFile := partitionFilePaths(store)
	mempoolBefore, confirmedBefore := readFile(t, mempoolFile), readFile(t, txFile)
	hashesBefore := store.GetTransactionHashes()

	updated, err := store.TryUpdate(randomConfirmedRecord(11))
	require.NoError(t, err)
	require.False(t, updated)

	require.ElementsMatch(t, hashesBefore, store.GetTransactionHashes())
	require.Equal(t, mempoolBefore, readFile(t, mempoolFile))
	require.Equal(t, confirmedBefore, readFile(t, txFile))
}

func TestStore_Durability(t *testing.T) {
	dir := tempDir(t)
	defer removeDir(dir)

	opts := testOptions(dir, &chaincfg.RegressionNetParams)
	store := openTestStore(t, opts)

	mempoolRecord := randomMempoolRecord()
	mempoolRecord.Label = "coffee"
	confirmedRecord := randomConfirmedRecord(120)
	confirmedRecord.IsReplacement = true

	added, err := store.Mempool().Add(mempoolRecord)
	require.NoError(t, err)
	require.True(t, added)

	added, err = store.Confirmed().Add(confirmedRecord)
	require.NoError(t, err)
	require.True(t, added)

	require.NoError(t, store.Close())

	store = openTestStore(t, opts)
	defer store.Close()

	require.False(t, store.IsEmpty())
	require.Len(t, store.GetTransactions(), 2)
	require.True(t, store.Mempool().Contains(mempoolRecord.Hash()))
	require.True(t, store.Confirmed().Contains(confirmedRecord.Hash()))

	record, ok := store.TryGetTransaction(mempoolRecord.Hash())
	require.True(t, ok)
	requireSameRecord(t, mempoolRecord, record)

	record, ok = store.TryGetTransaction(confirmedRecord.Hash())
	require.True(t, ok)
	requireSameRecord(t, confirmedRecord, record)
}

func TestStore_NetworksDoNotShareFiles(t *testing.T) {
	dir := tempDir(t)
	defer removeDir(dir)

	main := openTestStore(t, testOptions(dir, &chaincfg.MainNetParams))
	defer main.Close()

	regtest := openTestStore(t, testOptions(dir, &chaincfg.RegressionNetParams))
	defer regtest.Close()

	assert.NotEqual(t, main.Directory(), regtest.Directory())

	record := randomMempoolRecord()
	_, _, err := main.TryAddOrUpdate(record)
	require.NoError(t, err)

	assert.True(t, main.Contains(record.Hash()))
	assert.False(t, regtest.Contains(record.Hash()))
	assert.True(t, regtest.IsEmpty())

	networks, err := ListNetworks(dir)
	require.NoError(t, err)
	require.Len(t, networks, 2)
}

func TestStore_Reclassify(t *testing.T) {
	dir := tempDir(t)
	defer removeDir(dir)

	opts := testOptions(dir, &chaincfg.TestNet3Params)
	store := openTestStore(t, opts)

	record := randomMempoolRecord()
	record.Label = "salary"
	added, _, err := store.TryAddOrUpdate(record)
	require.NoError(t, err)
	require.True(t, added)

	var blockHash chainhash.Hash
	blockHash[0] = 0xaa

	t.Run("unknown transaction", func(t *testing.T) {
		moved, err := store.Reclassify(randomTransaction().TxHash(), 500, blockHash, 1)
		require.NoError(t, err)
		require.False(t, moved)
	})

	t.Run("negative height", func(t *testing.T) {
		_, err := store.Reclassify(record.Hash(), -1, blockHash, 1)
		require.Equal(t, ErrInvalidHeight, errors.Cause(err))
		require.True(t, store.Mempool().Contains(record.Hash()))
	})

	t.Run("moves to confirmed", func(t *testing.T) {
		moved, err := store.Reclassify(record.Hash(), 500, blockHash, 7)
		require.NoError(t, err)
		require.True(t, moved)

		require.False(t, store.Mempool().Contains(record.Hash()))
		require.True(t, store.Confirmed().Contains(record.Hash()))
		requireUnique(t, store)

		stored, ok := store.TryGetTransaction(record.Hash())
		require.True(t, ok)
		require.Equal(t, int32(500), stored.Height)
		require.Equal(t, blockHash, stored.BlockHash)
		require.Equal(t, uint32(7), stored.BlockIndex)
		require.Equal(t, "salary", stored.Label)
		require.True(t, testFirstSeen.Equal(stored.FirstSeen))
	})

	t.Run("not in mempool anymore", func(t *testing.T) {
		moved, err := store.Reclassify(record.Hash(), 501, blockHash, 7)
		require.NoError(t, err)
		require.False(t, moved)
	})

	require.NoError(t, store.Close())

	store = openTestStore(t, opts)
	defer store.Close()

	require.True(t, store.Mempool().IsEmpty())
	require.True(t, store.Confirmed().Contains(record.Hash()))
	requireUnique(t, store)
}

func TestStore_TryUpdate(t *testing.T) {
	dir := tempDir(t)
	defer removeDir(dir)

	store := openTestStore(t, testOptions(dir, &chaincfg.MainNetParams))
	defer store.Close()

	record := randomMempoolRecord()
	_, _, err := store.TryAddOrUpdate(record)
	require.NoError(t, err)

	t.Run("metadata in place", func(t *testing.T) {
		update := record.Copy()
		update.Label = "rent"
		update.IsReplacement = true

		updated, err := store.TryUpdate(update)
		require.NoError(t, err)
		require.True(t, updated)

		stored, ok := store.Mempool().TryGet(record.Hash())
		require.True(t, ok)
		requireSameRecord(t, update, stored)
	})

	t.Run("confirmation moves the record", func(t *testing.T) {
		update := record.Copy()
		update.Height = 42
		update.BlockHash[0] = 0x01

		updated, err := store.TryUpdate(update)
		require.NoError(t, err)
		require.True(t, updated)

		require.False(t, store.Mempool().Contains(record.Hash()))
		stored, ok := store.Confirmed().TryGet(record.Hash())
		require.True(t, ok)
		require.Equal(t, int32(42), stored.Height)
		require.Equal(t, "rent", stored.Label)
		requireUnique(t, store)
	})

	t.Run("unconfirming moves it back", func(t *testing.T) {
		update := record.Copy()
		update.Height = MempoolHeight

		updated, err := store.TryUpdate(update)
		require.NoError(t, err)
		require.True(t, updated)

		stored, ok := store.Mempool().TryGet(record.Hash())
		require.True(t, ok)
		require.Equal(t, MempoolHeight, stored.Height)
		require.Equal(t, chainhash.Hash{}, stored.BlockHash)
		require.False(t, store.Confirmed().Contains(record.Hash()))
	})

	t.Run("nil transaction", func(t *testing.T) {
		_, err := store.TryUpdate(&TransactionRecord{})
		require.Equal(t, ErrNilTransaction, errors.Cause(err))
	})
}

func TestStore_TryAddOrUpdate(t *testing.T) {
	dir := tempDir(t)
	defer removeDir(dir)

	store := openTestStore(t, testOptions(dir, &chaincfg.MainNetParams))
	defer store.Close()

	t.Run("unconfirmed goes to mempool", func(t *testing.T) {
		record := randomMempoolRecord()
		added, updated, err := store.TryAddOrUpdate(record)
		require.NoError(t, err)
		require.True(t, added)
		require.False(t, updated)
		require.True(t, store.Mempool().Contains(record.Hash()))

		added, updated, err = store.TryAddOrUpdate(record)
		require.NoError(t, err)
		require.False(t, added)
		require.True(t, updated)
	})

	t.Run("confirmed replaces mempool copy", func(t *testing.T) {
		record := randomMempoolRecord()
		_, _, err := store.TryAddOrUpdate(record)
		require.NoError(t, err)

		confirmed := record.Copy()
		confirmed.Height = 10
		added, updated, err := store.TryAddOrUpdate(confirmed)
		require.NoError(t, err)
		require.False(t, added)
		require.True(t, updated)
		require.False(t, store.Mempool().Contains(record.Hash()))
		require.True(t, store.Confirmed().Contains(record.Hash()))
		requireUnique(t, store)
	})

	t.Run("unconfirmed does not undo confirmation", func(t *testing.T) {
		record := randomConfirmedRecord(77)
		added, _, err := store.TryAddOrUpdate(record)
		require.NoError(t, err)
		require.True(t, added)

		seen := record.Copy()
		seen.Height = MempoolHeight
		seen.BlockHash = chainhash.Hash{}
		seen.Label = "seen again"
		added, updated, err := store.TryAddOrUpdate(seen)
		require.NoError(t, err)
		require.False(t, added)
		require.True(t, updated)

		stored, ok := store.Confirmed().TryGet(record.Hash())
		require.True(t, ok)
		require.Equal(t, int32(77), stored.Height)
		require.Equal(t, record.BlockHash, stored.BlockHash)
		require.Equal(t, "seen again", stored.Label)
		require.False(t, store.Mempool().Contains(record.Hash()))
	})
}

func TestStore_ReleaseToMempoolFromBlock(t *testing.T) {
	dir := tempDir(t)
	defer removeDir(dir)

	opts := testOptions(dir, &chaincfg.RegressionNetParams)
	store := openTestStore(t, opts)

	var orphaned, other chainhash.Hash
	orphaned[0], other[0] = 0x01, 0x02

	inBlock := []*TransactionRecord{
		NewConfirmedRecord(randomTransaction(), 200, orphaned, 1, testFirstSeen),
		NewConfirmedRecord(randomTransaction(), 200, orphaned, 2, testFirstSeen),
	}
	elsewhere := NewConfirmedRecord(randomTransaction(), 199, other, 1, testFirstSeen)

	for _, record := range append(inBlock, elsewhere) {
		_, _, err := store.TryAddOrUpdate(record)
		require.NoError(t, err)
	}

	released, err := store.ReleaseToMempoolFromBlock(orphaned)
	require.NoError(t, err)
	require.Len(t, released, 2)
	for _, record := range released {
		require.False(t, record.Confirmed())
		require.Equal(t, chainhash.Hash{}, record.BlockHash)
	}

	for _, record := range inBlock {
		require.True(t, store.Mempool().Contains(record.Hash()))
		require.False(t, store.Confirmed().Contains(record.Hash()))
	}
	require.True(t, store.Confirmed().Contains(elsewhere.Hash()))
	requireUnique(t, store)

	released, err = store.ReleaseToMempoolFromBlock(orphaned)
	require.NoError(t, err)
	require.Empty(t, released)

	require.NoError(t, store.Close())

	store = openTestStore(t, opts)
	defer store.Close()

	require.Equal(t, 2, store.Mempool().Len())
	require.Equal(t, 1, store.Confirmed().Len())
}

func TestStore_Reconcile(t *testing.T) {
	dir := tempDir(t)
	defer removeDir(dir)

	opts := testOptions(dir, &chaincfg.MainNetParams)
	store := openTestStore(t, opts)

	record := randomConfirmedRecord(5)
	_, _, err := store.TryAddOrUpdate(record)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// A crash between the add and the remove of a reclassification leaves the transaction in both partitions.
	mempool := openTestPartition(
		t,
		filepath.Join(networkDirectory(dir, &chaincfg.MainNetParams), "Mempool"),
		opts.partitionOptions(),
	)
	unconfirmed := record.Copy()
	unconfirmed.Height = MempoolHeight
	added, err := mempool.Add(unconfirmed)
	require.NoError(t, err)
	require.True(t, added)
	require.NoError(t, mempool.Close())

	store = openTestStore(t, opts)
	defer store.Close()

	require.False(t, store.Mempool().Contains(record.Hash()))
	require.True(t, store.Confirmed().Contains(record.Hash()))
	requireUnique(t, store)
}

func TestStore_ExclusiveOwnership(t *testing.T) {
	dir := tempDir(t)
	defer removeDir(dir)

	opts := testOptions(dir, &chaincfg.MainNetParams)
	store := openTestStore(t, opts)

	_, err := Open(opts)
	require.Error(t, err)

	require.NoError(t, store.Close())

	store = openTestStore(t, opts)
	require.NoError(t, store.Close())
}

func TestStore_Closed(t *testing.T) {
	dir := tempDir(t)
	defer removeDir(dir)

	store := openTestStore(t, testOptions(dir, &chaincfg.MainNetParams))

	mempoolRecord := randomMempoolRecord()
	confirmedRecord := randomConfirmedRecord(3)
	for _, record := range []*TransactionRecord{mempoolRecord, confirmedRecord} {
		_, _, err := store.TryAddOrUpdate(record)
		require.NoError(t, err)
	}

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	t.Run("reads", func(t *testing.T) {
		for _, record := range []*TransactionRecord{mempoolRecord, confirmedRecord} {
			require.False(t, store.Contains(record.Hash()))
			_, ok := store.TryGetTransaction(record.Hash())
			require.False(t, ok)
		}

		require.Empty(t, store.GetTransactions())
		require.Empty(t, store.GetTransactionHashes())
		require.True(t, store.IsEmpty())
		require.Equal(t, 0, store.Mempool().Len())
		require.Empty(t, store.Confirmed().GetAll())
	})

	t.Run("mutations", func(t *testing.T) {
		_, _, err := store.TryAddOrUpdate(randomMempoolRecord())
		require.Equal(t, ErrClosed, errors.Cause(err))

		_, err = store.TryUpdate(mempoolRecord)
		require.Equal(t, ErrClosed, errors.Cause(err))

		_, err = store.Reclassify(mempoolRecord.Hash(), 10, chainhash.Hash{}, 0)
		require.Equal(t, ErrClosed, errors.Cause(err))

		_, err = store.ReleaseToMempoolFromBlock(confirmedRecord.BlockHash)
		require.Equal(t, ErrClosed, errors.Cause(err))

		_, err = store.Size()
		require.Equal(t, ErrClosed, errors.Cause(err))
	})
}

func TestStore_ReclassifyWithFailedCompaction(t *testing.T) {
	dir := tempDir(t)
	defer removeDir(dir)

	opts := testOptions(dir, &chaincfg.RegressionNetParams).WithRewriteThreshold(0)
	store := openTestStore(t, opts)

	record := randomMempoolRecord()
	_, _, err := store.TryAddOrUpdate(record)
	require.NoError(t, err)

	// Removing the record from the mempool triggers a compaction that can't create its file.
	require.NoError(t, os.Mkdir(layout.RewriteFile(store.Mempool().Directory()), 0700))

	var blockHash chainhash.Hash
	blockHash[0] = 0x0f
	moved, err := store.Reclassify(record.Hash(), 42, blockHash, 0)
	require.NoError(t, err)
	require.True(t, moved)

	require.False(t, store.Mempool().Contains(record.Hash()))
	require.True(t, store.Confirmed().Contains(record.Hash()))
	requireUnique(t, store)

	require.NoError(t, store.Close())

	store = openTestStore(t, opts)
	defer store.Close()

	require.True(t, store.Mempool().IsEmpty())
	stored, ok := store.Confirmed().TryGet(record.Hash())
	require.True(t, ok)
	require.Equal(t, int32(42), stored.Height)
}

func TestStore_Size(t *testing.T) {
	dir := tempDir(t)
	defer removeDir(dir)

	store := openTestStore(t, testOptions(dir, &chaincfg.MainNetParams))
	defer store.Close()

	size, err := store.Size()
	require.NoError(t, err)
	require.Equal(t, StoreSize{}, size)

	_, _, err = store.TryAddOrUpdate(randomMempoolRecord())
	require.NoError(t, err)

	size, err = store.Size()
	require.NoError(t, err)
	require.True(t, size.MempoolSize > 0)
	require.Equal(t, int64(0), size.ConfirmedSize)
	require.Equal(t, size.MempoolSize, size.Total())
}

func TestOpen_InvalidOptions(t *testing.T) {
	dir := tempDir(t)
	defer removeDir(dir)

	t.Run("no directory", func(t *testing.T) {
		_, err := Open(testOptions("", &chaincfg.MainNetParams))
		require.Equal(t, ErrEmptyDirectory, err)
	})

	t.Run("no network", func(t *testing.T) {
		_, err := Open(testOptions(dir, nil))
		require.Equal(t, ErrNilNetwork, err)
	})

	t.Run("rewrite ratio", func(t *testing.T) {
		_, err := Open(testOptions(dir, &chaincfg.MainNetParams).WithRewriteRatio(0))
		require.Equal(t, ErrInvalidOptions, errors.Cause(err))
	})

	t.Run("cache without counters", func(t *testing.T) {
		_, err := Open(testOptions(dir, &chaincfg.MainNetParams).WithCache(0, 1024))
		require.Equal(t, ErrInvalidOptions, errors.Cause(err))
	})

	t.Run("directory can't be created", func(t *testing.T) {
		file := filepath.Join(dir, "file")
		require.NoError(t, os.WriteFile(file, nil, 0600))

		_, err := Open(testOptions(file, &chaincfg.MainNetParams))
		require.Error(t, err)
	})
}

func TestStore_ConcurrentReclassify(t *testing.T) {
	dir := tempDir(t)
	defer removeDir(dir)

	store := openTestStore(t, testOptions(dir, &chaincfg.RegressionNetParams))
	defer store.Close()

	const count = 50
	records := make([]*TransactionRecord, count)
	for i := range records {
		records[i] = randomMempoolRecord()
		_, _, err := store.TryAddOrUpdate(records[i])
		require.NoError(t, err)
	}

	done := make(chan struct{})
	var readers sync.WaitGroup
	failures := make(chan string, 4)

	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}

				ids := store.GetTransactionHashes()
				if len(ids) != count {
					failures <- "union view has the wrong number of transactions"
					return
				}

				for _, record := range records {
					if !store.Contains(record.Hash()) {
						failures <- "transaction missing during reclassification"
						return
					}
				}
			}
		}()
	}

	var blockHash chainhash.Hash
	for i, record := range records {
		moved, err := store.Reclassify(record.Hash(), 300, blockHash, uint32(i))
		require.NoError(t, err)
		require.True(t, moved)
	}

	close(done)
	readers.Wait()
	close(failures)

	for failure := range failures {
		t.Error(failure)
	}

	require.True(t, store.Mempool().IsEmpty())
	require.Equal(t, count, store.Confirmed().Len())
	requireUnique(t, store)
}

func TestListNetworks(t *testing.T) {
	dir := tempDir(t)
	defer removeDir(dir)

	networks, err := ListNetworks(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	require.Empty(t, networks)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Wallets"), 0700))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, layout.NetworkName(&chaincfg.SigNetParams)), 0700))

	networks, err = ListNetworks(dir)
	require.NoError(t, err)
	require.Len(t, networks, 1)
	require.Equal(t, chaincfg.SigNetParams.Net, networks[0].Net)
}
