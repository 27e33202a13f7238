package txstore

import (
	"bufio"
	"encoding/binary"
	"io"
	"io/ioutil"
	"os"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/elliotcourant/timber"
	"github.com/elliotcourant/txstore/layout"
	"github.com/elliotcourant/txstore/options"
	"github.com/elliotcourant/txstore/pb"
	"github.com/elliotcourant/txstore/z"
	"github.com/pkg/errors"
	"golang.org/x/net/trace"
)

const (
	// frameHeaderSize is the length and checksum that precede every change in a partition file.
	frameHeaderSize = 8
)

var (
	errTornFrame   = errors.New("frame runs past the end of the file")
	errBadChecksum = errors.New("bad checksum")
)

type (
	// Partition is a durable mapping from transaction identifier to transaction record backed by a single file.
	//
	// The file is a sequence of frames, each made of a 4 byte length, a 4 byte xxhash checksum and a pb.Change. The
	// live records are found by replaying the changes in order. Changes that no longer describe a live record are
	// counted and removed by rewriting the file once there are enough of them.
	Partition struct {
		// Guards the index and the file. Mutations take it exclusively.
		lock sync.RWMutex

		kind      options.PartitionKind
		directory string

		file *os.File

		// size is the offset the next frame is written at.
		size int64

		lockGuard *directoryLockGuard

		index map[chainhash.Hash]*indexEntry

		// lastVersion is bumped every time an index entry is written, cached records carry the version they were
		// decoded from.
		lastVersion uint64

		// garbage is the number of frames in the file that do not describe a live record.
		garbage int

		cache    *recordCache
		eventLog trace.EventLog
		options  partitionOptions
		closed   bool
	}

	indexEntry struct {
		record  pb.TransactionRecord
		version uint64
	}

	partitionOptions struct {
		syncWrites           bool
		checksumVerification options.ChecksumVerificationMode
		rewriteThreshold     int
		rewriteRatio         int
		cacheNumCounters     int64
		cacheMaxCost         int64
		eventLogging         bool
	}

	// replayResult is what was learned from reading a partition file.
	replayResult struct {
		index map[chainhash.Hash]*indexEntry

		// Number of frames that were superseded or deleted.
		garbage int

		// Number of unreadable stretches of the file, and how many bytes they covered.
		skipped      int
		skippedBytes int64

		// truncateOffset is the end of the last complete frame.
		truncateOffset int64

		fileSize int64
	}
)

// openPartition opens the partition stored in directory, creating the directory and an empty file if there is none.
func openPartition(kind options.PartitionKind, directory string, opts partitionOptions) (*Partition, error) {
	if err := os.MkdirAll(directory, 0700); err != nil {
		return nil, z.Wrapf(err, "Error Creating Dir: %q", directory)
	}

	lockGuard, err := acquireDirectoryLock(directory, lockFileName)
	if err != nil {
		return nil, err
	}

	p := &Partition{
		kind:      kind,
		directory: directory,
		lockGuard: lockGuard,
		options:   opts,
		eventLog:  z.NewEventLog("txstore.Partition", directory, opts.eventLogging),
	}

	if err := p.load(); err != nil {
		_ = p.close()
		return nil, err
	}

	return p, nil
}

// load replays the partition file into the index and leaves the file ready for appending.
func (p *Partition) load() error {
	// A rewrite that did not make it to the rename is of no use, the original file is still intact.
	if err := os.Remove(layout.RewriteFile(p.directory)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove stale rewrite file")
	}

	path := layout.PartitionFile(p.directory)
	file, err := z.OpenOrCreateFile(path, false)
	if err != nil {
		return errors.Wrapf(err, "failed to open partition file %q", path)
	}
	p.file = file

	result, err := replayPartitionFile(file, p.options.checksumVerification)
	if err != nil {
		return err
	}

	p.index = result.index
	p.garbage = result.garbage
	p.size = result.truncateOffset
	for _, entry := range p.index {
		entry.version = p.nextVersion()
	}

	if p.cache, err = newRecordCache(p.options.cacheNumCounters, p.options.cacheMaxCost); err != nil {
		return err
	}

	// Anything that is not a live record gets compacted away right now so the file mirrors the index again.
	if result.garbage > 0 || result.skipped > 0 {
		timber.Infof(
			"compacting %s partition: %d live records, %d superseded frames, %d unreadable stretches of %d bytes",
			p.kind, len(p.index), result.garbage, result.skipped, result.skippedBytes,
		)
		return p.rewrite()
	}

	if result.truncateOffset < result.fileSize {
		timber.Warningf(
			"truncating %d bytes of a partially written frame from %s",
			result.fileSize-result.truncateOffset, path,
		)
		if err := file.Truncate(result.truncateOffset); err != nil {
			return errors.Wrap(err, "failed to truncate partition file")
		}
	}

	if _, err = file.Seek(result.truncateOffset, io.SeekStart); err != nil {
		return errors.Wrap(err, "failed to seek partition file")
	}

	p.eventLog.Printf("opened with %d records", len(p.index))

	return nil
}

// replayPartitionFile reads every frame of the file. A frame that fails its checksum, can't be decoded, or holds a
// transaction that does not hash to its id is skipped, and replay resumes at the next frame that reads back intact.
// Only a frame with no intact frame after it and cut off by the end of the file is a torn tail, replay ends there.
func replayPartitionFile(file *os.File, verification options.ChecksumVerificationMode) (replayResult, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return replayResult{}, errors.Wrap(err, "failed to seek partition file")
	}

	content, err := ioutil.ReadAll(bufio.NewReader(file))
	if err != nil {
		return replayResult{}, errors.Wrap(err, "failed to replay partition file")
	}

	result := replayResult{
		index:    map[chainhash.Hash]*indexEntry{},
		fileSize: int64(len(content)),
	}

	offset := 0
	for offset < len(content) {
		change, frameSize, err := readFrame(content[offset:], verification)
		if err == nil {
			result.apply(change)
			offset += frameSize
			continue
		}

		next, found := nextFrame(content, offset, frameSize)
		switch {
		case found:
			timber.Warningf(
				"skipping %d bytes at offset %d of %s: %v", next-offset, offset, file.Name(), err,
			)
			result.skipped++
			result.skippedBytes += int64(next - offset)
			offset = next
			continue
		case frameSize > 0:
			// The last frame is complete but unreadable.
			timber.Warningf("skipping frame at offset %d of %s: %v", offset, file.Name(), err)
			result.skipped++
			result.skippedBytes += int64(len(content) - offset)
			offset = len(content)
		}

		break
	}

	result.truncateOffset = int64(offset)

	if _, err := file.Seek(result.truncateOffset, io.SeekStart); err != nil {
		return replayResult{}, errors.Wrap(err, "failed to seek partition file")
	}

	return result, nil
}

// readFrame decodes the frame at the start of buf. The frame size is 0 when buf ends before the frame does.
func readFrame(buf []byte, verification options.ChecksumVerificationMode) (pb.Change, int, error) {
	if len(buf) < frameHeaderSize {
		return pb.Change{}, 0, errTornFrame
	}

	length := binary.BigEndian.Uint32(buf[0:4])

	// A length running past the end of the file can only come from a frame that was not written completely, or
	// from a corrupted length.
	if uint64(length) > uint64(len(buf)-frameHeaderSize) {
		return pb.Change{}, 0, errTornFrame
	}

	frameSize := frameHeaderSize + int(length)
	payload := buf[frameHeaderSize:frameSize]

	if verification == options.OnLoad && xxhash.Checksum32(payload) != binary.BigEndian.Uint32(buf[4:8]) {
		return pb.Change{}, frameSize, errBadChecksum
	}

	var change pb.Change
	if err := change.Unmarshal(payload); err != nil {
		return pb.Change{}, frameSize, err
	}

	if change.Operation == pb.ChangePut {
		if _, err := decodeRecord(&change.Record); err != nil {
			return pb.Change{}, frameSize, err
		}
	}

	return change, frameSize, nil
}

// nextFrame finds where the first intact frame after the unreadable one at offset starts. The frame's own length is
// tried first, then every following byte. Candidates are always checked against their checksum.
func nextFrame(content []byte, offset, frameSize int) (int, bool) {
	if frameSize > 0 && offset+frameSize < len(content) {
		if _, _, err := readFrame(content[offset+frameSize:], options.OnLoad); err == nil {
			return offset + frameSize, true
		}
	}

	for candidate := offset + 1; candidate+frameHeaderSize < len(content); candidate++ {
		// Every change starts with the record version, most positions are ruled out without hashing.
		if content[candidate+frameHeaderSize] != pb.RecordVersion {
			continue
		}

		if _, _, err := readFrame(content[candidate:], options.OnLoad); err == nil {
			return candidate, true
		}
	}

	return 0, false
}

// apply replays a single change into the index.
func (r *replayResult) apply(change pb.Change) {
	id := chainhash.Hash(change.Record.TxId)

	switch change.Operation {
	case pb.ChangePut:
		if _, ok := r.index[id]; ok {
			r.garbage++
		}

		r.index[id] = &indexEntry{
			record: change.Record,
		}
	case pb.ChangeDelete:
		if _, ok := r.index[id]; ok {
			// Both the put and the delete are dead weight now.
			r.garbage += 2
			delete(r.index, id)
		} else {
			r.garbage++
		}
	}
}

// encodeFrames returns the frames for the changes, ready to be written one after another.
func encodeFrames(changes ...pb.Change) ([]byte, error) {
	size := 0
	for i := range changes {
		size += frameHeaderSize + changes[i].EncodedSize()
	}

	buf := make([]byte, size)
	offset := 0
	for i := range changes {
		payloadSize := changes[i].EncodedSize()
		payload := buf[offset+frameHeaderSize : offset+frameHeaderSize+payloadSize]
		if err := changes[i].MarshalEx(payload); err != nil {
			return nil, err
		}

		binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(payloadSize))
		binary.BigEndian.PutUint32(buf[offset+4:offset+8], xxhash.Checksum32(payload))
		offset += frameHeaderSize + payloadSize
	}

	return buf, nil
}

// appendChanges writes the changes to the end of the file. If the write fails the file is cut back to where it was
// so a failed call leaves no partial frame behind. The lock must be held.
func (p *Partition) appendChanges(changes ...pb.Change) error {
	if p.file == nil {
		return errors.Wrapf(ErrUnavailable, "%s partition", p.kind)
	}

	buf, err := encodeFrames(changes...)
	if err != nil {
		return err
	}

	if _, err := p.file.Write(buf); err != nil {
		p.rollback()
		return errors.Wrap(err, "failed to append to partition file")
	}

	if p.options.syncWrites {
		if err := z.FileSync(p.file); err != nil {
			p.rollback()
			return errors.Wrap(err, "failed to sync partition file")
		}
	}

	p.size += int64(len(buf))

	return nil
}

// rollback drops anything written past the last successful append.
func (p *Partition) rollback() {
	if err := p.file.Truncate(p.size); err != nil {
		timber.Errorf("failed to roll back partition file %s: %v", p.file.Name(), err)
		return
	}

	if _, err := p.file.Seek(p.size, io.SeekStart); err != nil {
		timber.Errorf("failed to seek partition file %s after roll back: %v", p.file.Name(), err)
	}
}

// maybeRewrite compacts the file once enough of it is garbage. The mutation that triggered it has already been
// written, so a failed compaction is only logged. If the file could not be reopened the next mutation reports
// ErrUnavailable.
func (p *Partition) maybeRewrite() {
	if p.garbage <= p.options.rewriteThreshold || p.garbage <= p.options.rewriteRatio*len(p.index) {
		return
	}

	if err := p.rewrite(); err != nil {
		if p.file == nil {
			timber.Errorf("failed to compact %s partition, the partition file is unavailable: %v", p.kind, err)
			return
		}

		timber.Warningf("failed to compact %s partition: %v", p.kind, err)
	}
}

// rewrite completely rebuilds the file from the index, the lock must be held to call this method.
func (p *Partition) rewrite() error {
	changes := make([]pb.Change, 0, len(p.index))
	for _, entry := range p.index {
		changes = append(changes, pb.NewPutChange(entry.record))
	}

	buf, err := encodeFrames(changes...)
	if err != nil {
		return err
	}

	rewritePath := layout.RewriteFile(p.directory)

	// We don't need to enable sync here because we will explicitly be calling the sync method.
	file, err := z.OpenTruncFile(rewritePath, false)
	if err != nil {
		return errors.Wrap(err, "failed to create rewrite file")
	}

	if _, err := file.Write(buf); err != nil {
		_ = file.Close()
		return errors.Wrap(err, "failed to write rewrite file")
	}

	if err := z.FileSync(file); err != nil {
		_ = file.Close()
		return errors.Wrap(err, "failed to sync rewrite file")
	}

	// In windows the files should be closed before doing a rename.
	if err = file.Close(); err != nil {
		return err
	}

	path := layout.PartitionFile(p.directory)

	if err := p.file.Close(); err != nil {
		return err
	}
	p.file = nil

	renameErr := os.Rename(rewritePath, path)

	// Whether or not the rename worked the partition needs its file back.
	if p.file, err = z.OpenExistingFile(path, 0); err != nil {
		p.file = nil
		return errors.Wrap(err, "failed to reopen partition file")
	}

	if renameErr != nil {
		_ = os.Remove(rewritePath)
		if _, err := p.file.Seek(p.size, io.SeekStart); err != nil {
			return errors.Wrap(err, "failed to seek partition file")
		}

		return errors.Wrap(renameErr, "failed to rename rewrite file")
	}

	if _, err := p.file.Seek(0, io.SeekEnd); err != nil {
		return errors.Wrap(err, "failed to seek partition file")
	}

	if err := syncDir(p.directory); err != nil {
		return err
	}

	p.size = int64(len(buf))
	p.garbage = 0
	p.eventLog.Printf("rewrote %d records", len(p.index))

	return nil
}

func (p *Partition) nextVersion() uint64 {
	p.lastVersion++
	return p.lastVersion
}

// record decodes the entry, going through the cache first. The result is a copy the caller may modify.
func (p *Partition) record(id chainhash.Hash, entry *indexEntry) *TransactionRecord {
	if cached, ok := p.cache.get(id, entry.version); ok {
		return cached.Copy()
	}

	record, err := decodeRecord(&entry.record)

	// Every record was decoded once before it was put into the index.
	z.AssertTruef(err == nil, "record %s in %s partition can't be decoded: %v", id, p.kind, err)

	p.cache.set(id, entry.version, record, len(entry.record.Transaction))

	return record.Copy()
}

// Kind returns which partition this is.
func (p *Partition) Kind() options.PartitionKind {
	return p.kind
}

// Directory returns the directory the partition is stored in.
func (p *Partition) Directory() string {
	return p.directory
}

// Contains returns true if a record with the identifier is stored in the partition.
func (p *Partition) Contains(id chainhash.Hash) bool {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return p.containsLocked(id)
}

func (p *Partition) containsLocked(id chainhash.Hash) bool {
	_, ok := p.index[id]
	return ok
}

// TryGet returns a copy of the record with the identifier if the partition has one.
func (p *Partition) TryGet(id chainhash.Hash) (*TransactionRecord, bool) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return p.tryGetLocked(id)
}

func (p *Partition) tryGetLocked(id chainhash.Hash) (*TransactionRecord, bool) {
	entry, ok := p.index[id]
	if !ok {
		return nil, false
	}

	return p.record(id, entry), true
}

// Add stores a record whose identifier is not in the partition yet. It returns false without touching the file if
// the identifier is already there, an existing record is never overwritten.
func (p *Partition) Add(record *TransactionRecord) (bool, error) {
	id, encoded, err := record.encode()
	if err != nil {
		return false, err
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	return p.addLocked(id, encoded)
}

func (p *Partition) addLocked(id chainhash.Hash, encoded pb.TransactionRecord) (bool, error) {
	if p.closed {
		return false, ErrClosed
	}

	if _, ok := p.index[id]; ok {
		return false, nil
	}

	if err := p.appendChanges(pb.NewPutChange(encoded)); err != nil {
		return false, err
	}

	p.index[id] = &indexEntry{
		record:  encoded,
		version: p.nextVersion(),
	}
	p.eventLog.Printf("added %s", id)

	return true, nil
}

// addManyLocked stores every record whose identifier is not in the partition yet with a single write. Records are
// expected to have distinct identifiers. It returns how many were added.
func (p *Partition) addManyLocked(ids []chainhash.Hash, records []pb.TransactionRecord) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}

	changes := make([]pb.Change, 0, len(records))
	added := make([]int, 0, len(records))
	for i := range records {
		if _, ok := p.index[ids[i]]; ok {
			continue
		}

		changes = append(changes, pb.NewPutChange(records[i]))
		added = append(added, i)
	}

	if len(changes) == 0 {
		return 0, nil
	}

	if err := p.appendChanges(changes...); err != nil {
		return 0, err
	}

	for _, i := range added {
		p.index[ids[i]] = &indexEntry{
			record:  records[i],
			version: p.nextVersion(),
		}
	}
	p.eventLog.Printf("added %d records", len(added))

	return len(added), nil
}

// TryUpdate replaces the metadata of the record with the same identifier. It returns false, and leaves the partition
// and its file untouched, when the identifier is not in the partition. The stored transaction is kept, so the
// identity of the record never changes. A label or first seen time left empty keeps the stored value.
func (p *Partition) TryUpdate(record *TransactionRecord) (bool, error) {
	id, encoded, err := record.encode()
	if err != nil {
		return false, err
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	return p.updateLocked(id, encoded)
}

func (p *Partition) updateLocked(id chainhash.Hash, encoded pb.TransactionRecord) (bool, error) {
	if p.closed {
		return false, ErrClosed
	}

	entry, ok := p.index[id]
	if !ok {
		return false, nil
	}

	updated := mergeMetadata(encoded, &entry.record)
	if sameRecord(&updated, &entry.record) {
		return true, nil
	}

	if err := p.appendChanges(pb.NewPutChange(updated)); err != nil {
		return false, err
	}

	p.index[id] = &indexEntry{
		record:  updated,
		version: p.nextVersion(),
	}
	p.cache.del(id)
	p.garbage++
	p.eventLog.Printf("updated %s", id)
	p.maybeRewrite()

	return true, nil
}

// TryRemove removes the record with the identifier and returns it. It returns false without touching the file if
// the identifier is not in the partition.
func (p *Partition) TryRemove(id chainhash.Hash) (*TransactionRecord, bool, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	entry, ok, err := p.removeLocked(id)
	if err != nil || !ok {
		return nil, false, err
	}

	return p.record(id, entry), true, nil
}

// removeLocked returns the index entry that was removed.
func (p *Partition) removeLocked(id chainhash.Hash) (*indexEntry, bool, error) {
	if p.closed {
		return nil, false, ErrClosed
	}

	entry, ok := p.index[id]
	if !ok {
		return nil, false, nil
	}

	if err := p.appendChanges(pb.NewDeleteChange(id)); err != nil {
		return nil, false, err
	}

	delete(p.index, id)
	p.cache.del(id)
	p.garbage += 2
	p.eventLog.Printf("removed %s", id)
	p.maybeRewrite()

	return entry, true, nil
}

// GetAll returns a snapshot of every record in the partition, in no particular order.
func (p *Partition) GetAll() []*TransactionRecord {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return p.appendAllLocked(nil)
}

func (p *Partition) appendAllLocked(records []*TransactionRecord) []*TransactionRecord {
	for id, entry := range p.index {
		records = append(records, p.record(id, entry))
	}

	return records
}

// GetAllIds returns a snapshot of every identifier in the partition, in no particular order.
func (p *Partition) GetAllIds() []chainhash.Hash {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return p.appendAllIdsLocked(nil)
}

func (p *Partition) appendAllIdsLocked(ids []chainhash.Hash) []chainhash.Hash {
	for id := range p.index {
		ids = append(ids, id)
	}

	return ids
}

// IsEmpty returns true if the partition holds no records.
func (p *Partition) IsEmpty() bool {
	return p.Len() == 0
}

// Len returns the number of records in the partition.
func (p *Partition) Len() int {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return len(p.index)
}

// Size returns the size in bytes of the partition file.
func (p *Partition) Size() (int64, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	if p.closed {
		return 0, ErrClosed
	}

	if p.file == nil {
		return 0, errors.Wrapf(ErrUnavailable, "%s partition", p.kind)
	}

	stat, err := p.file.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read partition file stats")
	}

	return stat.Size(), nil
}

// Close closes the partition file and releases the directory. Afterwards the partition reads as empty and mutations
// return ErrClosed.
func (p *Partition) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.close()
}

func (p *Partition) close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	var err error
	if p.file != nil {
		if p.options.syncWrites {
			err = z.FileSync(p.file)
		}

		if closeErr := p.file.Close(); err == nil {
			err = closeErr
		}
		p.file = nil
	}

	if releaseErr := p.lockGuard.release(); err == nil {
		err = releaseErr
	}

	p.index = nil
	p.cache.close()
	p.cache = nil
	p.eventLog.Finish()

	return err
}
