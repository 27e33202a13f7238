package txstore

import (
	"bufio"
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/elliotcourant/timber"
	"github.com/elliotcourant/txstore/layout"
	"github.com/elliotcourant/txstore/pb"
	"github.com/elliotcourant/txstore/z"
	"github.com/pkg/errors"
)

const (
	// legacyFieldCount is the number of colon separated fields of a legacy line:
	// txid:rawhex:height:blockhash:blockindex:label:firstseen:isreplacement
	legacyFieldCount = 8

	// Heights older versions wrote for transactions that were not in a block.
	legacyMempoolHeight = "Mempool"
	legacyUnknownHeight = "Unknown"

	maxLegacyLineLength = 16 << 20
)

type (
	// MigrationResult describes what a legacy migration did.
	MigrationResult struct {
		// Found is false when there was no legacy file to migrate.
		Found bool

		// Mempool and Confirmed are the number of transactions added to each partition.
		Mempool   int
		Confirmed int

		// Updated is the number of transactions that were already stored and had their metadata updated.
		Updated int

		// Skipped is the number of lines that could not be read.
		Skipped int
	}
)

// MigrateLegacy moves the transactions of the legacy single file layout into the partitions and retires the legacy
// file. Running it again once the legacy file is gone does nothing, and an interrupted run can safely be repeated.
func (s *Store) MigrateLegacy() (MigrationResult, error) {
	legacyPath := layout.LegacyFile(s.directory)

	info, err := os.Stat(legacyPath)
	if os.IsNotExist(err) {
		return MigrationResult{}, nil
	} else if err != nil {
		return MigrationResult{}, errors.Wrapf(err, "failed to stat legacy file %q", legacyPath)
	}

	if info.IsDir() {
		timber.Warningf("%s is a directory, not migrating it", legacyPath)
		return MigrationResult{}, nil
	}

	records, skipped, err := readLegacyFile(legacyPath)
	if err != nil {
		return MigrationResult{}, err
	}

	result, err := s.importRecords(records)
	if err != nil {
		return MigrationResult{}, err
	}
	result.Found = true
	result.Skipped += skipped

	migratedPath := layout.MigratedLegacyFile(s.directory)

	// A file left over from an earlier migration would make the rename fail on Windows.
	if err := os.Remove(migratedPath); err != nil && !os.IsNotExist(err) {
		return MigrationResult{}, errors.Wrapf(err, "failed to remove %q", migratedPath)
	}

	if err := os.Rename(legacyPath, migratedPath); err != nil {
		return MigrationResult{}, errors.Wrap(err, "failed to retire legacy file")
	}

	if err := syncDir(s.directory); err != nil {
		return MigrationResult{}, err
	}

	timber.Infof(
		"migrated legacy transactions of %s: %d to mempool, %d to confirmed, %d updated, %d skipped",
		s.directory, result.Mempool, result.Confirmed, result.Updated, result.Skipped,
	)

	return result, nil
}

func (s *Store) ensureBackwardsCompatibility() error {
	_, err := s.MigrateLegacy()
	return err
}

// importRecords routes the records into the partitions. Confirmed records that are new to the store are written to
// the confirmed partition in one go. When the same transaction appears more than once the last one wins.
func (s *Store) importRecords(records []*TransactionRecord) (MigrationResult, error) {
	result := MigrationResult{}

	order := make([]chainhash.Hash, 0, len(records))
	byId := make(map[chainhash.Hash]pb.TransactionRecord, len(records))
	for _, record := range records {
		id, encoded, err := record.encode()
		if err != nil {
			timber.Warningf("skipping legacy transaction: %v", err)
			result.Skipped++
			continue
		}

		if _, ok := byId[id]; !ok {
			order = append(order, id)
		}
		byId[id] = encoded
	}

	s.lock()
	defer s.unlock()

	if err := s.checkOpenLocked(); err != nil {
		return MigrationResult{}, err
	}

	bulkIds := make([]chainhash.Hash, 0, len(order))
	bulk := make([]pb.TransactionRecord, 0, len(order))
	for _, id := range order {
		encoded := byId[id]

		if encoded.Height >= 0 && !s.mempool.containsLocked(id) && !s.confirmed.containsLocked(id) {
			bulkIds = append(bulkIds, id)
			bulk = append(bulk, encoded)
			continue
		}

		added, updated, err := s.addOrUpdateLocked(id, encoded)
		if err != nil {
			return MigrationResult{}, errors.Wrapf(err, "failed to migrate transaction %s", id)
		}

		switch {
		case added:
			result.Mempool++
		case updated:
			result.Updated++
		}
	}

	added, err := s.confirmed.addManyLocked(bulkIds, bulk)
	if err != nil {
		return MigrationResult{}, errors.Wrap(err, "failed to migrate confirmed transactions")
	}
	result.Confirmed = added

	return result, nil
}

// readLegacyFile parses every line of the legacy file. Lines that can't be parsed are logged and counted.
func readLegacyFile(path string) ([]*TransactionRecord, int, error) {
	file, err := z.OpenExistingFile(path, z.ReadOnly)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to open legacy file %q", path)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLegacyLineLength)

	var records []*TransactionRecord
	skipped, lineNumber := 0, 0
	for scanner.Scan() {
		lineNumber++

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		record, err := parseLegacyLine(line)
		if err != nil {
			timber.Warningf("skipping line %d of legacy file %s: %v", lineNumber, path, err)
			skipped++
			continue
		}

		records = append(records, record)
	}

	if err := scanner.Err(); err != nil {
		return nil, 0, errors.Wrapf(err, "failed to read legacy file %q", path)
	}

	return records, skipped, nil
}

// parseLegacyLine reads a single transaction written by the legacy layout.
func parseLegacyLine(line string) (*TransactionRecord, error) {
	parts := strings.Split(line, ":")
	if len(parts) != legacyFieldCount {
		return nil, errors.Errorf("expected %d fields, got %d", legacyFieldCount, len(parts))
	}

	id, err := chainhash.NewHashFromStr(parts[0])
	if err != nil {
		return nil, errors.Wrap(err, "invalid transaction id")
	}

	raw, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, errors.Wrap(err, "invalid transaction hex")
	}

	tx, err := deserializeTransaction(raw)
	if err != nil {
		return nil, err
	}

	if hash := tx.TxHash(); hash != *id {
		return nil, errors.Errorf("transaction hashes to %s but is listed as %s", hash, id)
	}

	record := &TransactionRecord{
		Tx:     tx,
		Height: MempoolHeight,
		Label:  parts[5],
	}

	switch heightField := parts[2]; heightField {
	case legacyMempoolHeight, legacyUnknownHeight:
	default:
		height, err := strconv.ParseInt(heightField, 10, 32)
		if err != nil || height < 0 {
			return nil, errors.Errorf("invalid height %q", heightField)
		}
		record.Height = int32(height)
	}

	if record.Confirmed() {
		if parts[3] != "" {
			blockHash, err := chainhash.NewHashFromStr(parts[3])
			if err != nil {
				return nil, errors.Wrap(err, "invalid block hash")
			}
			record.BlockHash = *blockHash
		}

		if parts[4] != "" {
			blockIndex, err := strconv.ParseUint(parts[4], 10, 32)
			if err != nil {
				return nil, errors.Wrap(err, "invalid block index")
			}
			record.BlockIndex = uint32(blockIndex)
		}
	}

	if parts[6] != "" {
		firstSeen, err := strconv.ParseInt(parts[6], 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "invalid first seen time")
		}

		if firstSeen != 0 {
			record.FirstSeen = time.Unix(firstSeen, 0).UTC()
		}
	}

	if parts[7] != "" {
		isReplacement, err := strconv.ParseBool(parts[7])
		if err != nil {
			return nil, errors.Wrap(err, "invalid replacement flag")
		}
		record.IsReplacement = isReplacement
	}

	return record, nil
}
