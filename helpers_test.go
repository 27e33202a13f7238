package txstore

import (
	"bytes"
	"encoding/binary"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/elliotcourant/txstore/layout"
	"github.com/elliotcourant/txstore/options"
	"github.com/stretchr/testify/require"
)

var (
	testNetworks = []*chaincfg.Params{
		&chaincfg.MainNetParams,
		&chaincfg.TestNet3Params,
		&chaincfg.RegressionNetParams,
	}

	testFirstSeen = time.Unix(1593423127, 0).UTC()

	testRandom     = rand.New(rand.NewSource(time.Now().UnixNano()))
	testRandomLock sync.Mutex
)

func removeDir(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		panic(err)
	}
}

func tempDir(t *testing.T) string {
	dir, err := ioutil.TempDir("", "txstore-test")
	require.NoError(t, err)
	return dir
}

// newTransaction builds a transaction spending a random outpoint, so every call returns a new identifier.
func newTransaction(random *rand.Rand) *wire.MsgTx {
	var prevHash chainhash.Hash
	random.Read(prevHash[:])

	pkScript := make([]byte, 22)
	pkScript[1] = 0x14
	random.Read(pkScript[2:])

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevHash, random.Uint32()), []byte{0x51}, nil))
	tx.AddTxOut(wire.NewTxOut(random.Int63n(1e8)+1, pkScript))

	return tx
}

func randomTransaction() *wire.MsgTx {
	testRandomLock.Lock()
	defer testRandomLock.Unlock()

	return newTransaction(testRandom)
}

func randomMempoolRecord() *TransactionRecord {
	return NewMempoolRecord(randomTransaction(), testFirstSeen)
}

func randomConfirmedRecord(height int32) *TransactionRecord {
	var blockHash chainhash.Hash
	rand.Read(blockHash[:])

	return NewConfirmedRecord(randomTransaction(), height, blockHash, 3, testFirstSeen)
}

func serializeTransaction(t *testing.T, tx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	return buf.Bytes()
}

func requireSameRecord(t *testing.T, expected, actual *TransactionRecord) {
	t.Helper()

	require.NotNil(t, actual)
	require.Equal(t, expected.Hash(), actual.Hash())
	require.Equal(t, serializeTransaction(t, expected.Tx), serializeTransaction(t, actual.Tx))
	require.Equal(t, expected.Height, actual.Height)
	require.Equal(t, expected.BlockHash, actual.BlockHash)
	require.Equal(t, expected.BlockIndex, actual.BlockIndex)
	require.Equal(t, expected.Label, actual.Label)
	require.True(t, expected.FirstSeen.Equal(actual.FirstSeen), "%s != %s", expected.FirstSeen, actual.FirstSeen)
	require.Equal(t, expected.IsReplacement, actual.IsReplacement)
}

func testOptions(dir string, network *chaincfg.Params) Options {
	return DefaultOptions(dir, network).
		WithEnsureBackwardsCompatibility(false).
		WithSyncWrites(false)
}

func openTestStore(t *testing.T, opts Options) *Store {
	store, err := Open(opts)
	require.NoError(t, err)
	require.NotNil(t, store)
	return store
}

func openTestPartition(t *testing.T, dir string, opts partitionOptions) *Partition {
	partition, err := openPartition(options.MempoolPartition, dir, opts)
	require.NoError(t, err)
	return partition
}

func testPartitionOptions() partitionOptions {
	return testOptions("unused", &chaincfg.RegressionNetParams).partitionOptions()
}

func partitionFilePaths(store *Store) (string, string) {
	return layout.PartitionFile(store.Mempool().Directory()), layout.PartitionFile(store.Confirmed().Directory())
}

func readFile(t *testing.T, path string) []byte {
	content, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	return content
}

// frameLengths splits a partition file into the lengths of its frames, headers included.
func frameLengths(t *testing.T, content []byte) []int {
	var lengths []int
	for offset := 0; offset < len(content); {
		require.True(t, offset+frameHeaderSize <= len(content), "partial frame header")
		length := frameHeaderSize + int(binary.BigEndian.Uint32(content[offset:offset+4]))
		lengths = append(lengths, length)
		offset += length
	}
	return lengths
}

func requireUnique(t *testing.T, store *Store) {
	t.Helper()

	for _, id := range store.Mempool().GetAllIds() {
		require.False(t, store.Confirmed().Contains(id), "%s is in both partitions", id)
	}

	ids := store.GetTransactionHashes()
	seen := make(map[chainhash.Hash]struct{}, len(ids))
	for _, id := range ids {
		_, ok := seen[id]
		require.False(t, ok, "%s listed twice", id)
		seen[id] = struct{}{}
	}
}

func networkDirectory(dir string, network *chaincfg.Params) string {
	return filepath.Join(dir, layout.NetworkName(network))
}
