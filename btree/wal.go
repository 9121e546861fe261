package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	natomic "github.com/natefinch/atomic"
	"github.com/google/uuid"

	"github.com/bradcypert/lowkeydb-sub000/common"
)

// Record types. Every record is logical, not a physical page image:
// it names an operation and its key/value bytes, plus (for data
// records) the id of the page it landed on. Insert and update are
// distinct record types because their payloads carry different
// before/after images.
const (
	recBegin      byte = 1
	recCommit     byte = 2
	recAbort      byte = 3
	recInsert     byte = 4
	recDelete     byte = 5
	recCheckpoint byte = 6
	recUpdate     byte = 7
)

// recordHeaderSize is {type(1), txID(8), timestamp_millis(8), data_len(4), crc32(4)}.
const recordHeaderSize = 1 + 8 + 8 + 4 + 4

// Record is one decoded WAL entry.
type Record struct {
	Type      byte
	TxID      uint64
	Timestamp uint64
	Data      []byte
	LSN       uint64
}

// InsertPayload/UpdatePayload/DeletePayload are the logical
// before/after images carried by recInsert/recUpdate/recDelete
// records: page_id names which page the mutation landed on (or was
// removed from). Recovery redoes committed operations from them; undo
// on abort uses the transaction manager's in-memory undo log instead.
type InsertPayload struct {
	PageID uint32
	Key    []byte
	Value  []byte
}

type UpdatePayload struct {
	PageID   uint32
	Key      []byte
	OldValue []byte
	NewValue []byte
}

type DeletePayload struct {
	PageID   uint32
	Key      []byte
	OldValue []byte
}

// encodeInsert lays out {u32 page_id, u32 key_len, u32 value_len, key, value}.
func encodeInsert(p InsertPayload) []byte {
	buf := make([]byte, 12+len(p.Key)+len(p.Value))
	binary.LittleEndian.PutUint32(buf[0:4], p.PageID)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(p.Key)))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(p.Value)))
	off := 12
	off += copy(buf[off:], p.Key)
	copy(buf[off:], p.Value)
	return buf
}

func decodeInsert(data []byte) InsertPayload {
	pageID := binary.LittleEndian.Uint32(data[0:4])
	keyLen := binary.LittleEndian.Uint32(data[4:8])
	valLen := binary.LittleEndian.Uint32(data[8:12])
	off := 12
	key := data[off : off+int(keyLen)]
	off += int(keyLen)
	value := data[off : off+int(valLen)]
	return InsertPayload{PageID: pageID, Key: key, Value: value}
}

// encodeUpdate lays out {u32 page_id, u32 key_len, u32 old_len, u32 new_len, key, old, new}.
func encodeUpdate(p UpdatePayload) []byte {
	buf := make([]byte, 16+len(p.Key)+len(p.OldValue)+len(p.NewValue))
	binary.LittleEndian.PutUint32(buf[0:4], p.PageID)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(p.Key)))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(p.OldValue)))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(p.NewValue)))
	off := 16
	off += copy(buf[off:], p.Key)
	off += copy(buf[off:], p.OldValue)
	copy(buf[off:], p.NewValue)
	return buf
}

func decodeUpdate(data []byte) UpdatePayload {
	pageID := binary.LittleEndian.Uint32(data[0:4])
	keyLen := binary.LittleEndian.Uint32(data[4:8])
	oldLen := binary.LittleEndian.Uint32(data[8:12])
	newLen := binary.LittleEndian.Uint32(data[12:16])
	off := 16
	key := data[off : off+int(keyLen)]
	off += int(keyLen)
	oldVal := data[off : off+int(oldLen)]
	off += int(oldLen)
	newVal := data[off : off+int(newLen)]
	return UpdatePayload{PageID: pageID, Key: key, OldValue: oldVal, NewValue: newVal}
}

// encodeDelete lays out {u32 page_id, u32 key_len, u32 old_value_len, key, old_value}.
func encodeDelete(p DeletePayload) []byte {
	buf := make([]byte, 12+len(p.Key)+len(p.OldValue))
	binary.LittleEndian.PutUint32(buf[0:4], p.PageID)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(p.Key)))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(p.OldValue)))
	off := 12
	off += copy(buf[off:], p.Key)
	copy(buf[off:], p.OldValue)
	return buf
}

func decodeDelete(data []byte) DeletePayload {
	pageID := binary.LittleEndian.Uint32(data[0:4])
	keyLen := binary.LittleEndian.Uint32(data[4:8])
	oldLen := binary.LittleEndian.Uint32(data[8:12])
	off := 12
	key := data[off : off+int(keyLen)]
	off += int(keyLen)
	oldVal := data[off : off+int(oldLen)]
	return DeletePayload{PageID: pageID, Key: key, OldValue: oldVal}
}

// encodeCheckpoint lays out {u64 last_checkpoint_lsn, u32 active_tx}.
func encodeCheckpoint(lastCheckpointLSN uint64, activeTx uint32) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint64(buf[0:8], lastCheckpointLSN)
	binary.LittleEndian.PutUint32(buf[8:12], activeTx)
	return buf
}

func decodeCheckpoint(data []byte) (lastCheckpointLSN uint64, activeTx uint32) {
	return binary.LittleEndian.Uint64(data[0:8]), binary.LittleEndian.Uint32(data[8:12])
}

// WAL is the append-only, force-flush-on-commit write-ahead log.
// Writers append under mu in strict program order; LSNs are assigned
// sequentially and returned to the caller. Pages are not stamped with
// them, and recovery does not compare page state against the log.
type WAL struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	nextLSN atomic.Uint64

	recoveryMode bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	intervalMs  int
	maxWALBytes int64
	maxArchived int

	lastCheckpointLSN atomic.Uint64
	checkpointCount   atomic.Uint64
}

// OpenWAL opens (creating if absent) the log file at path and assigns
// nextLSN by scanning past any records already in it.
func OpenWAL(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	w := &WAL{file: f, path: path}
	lsn, err := w.scanForNextLSN()
	if err != nil {
		f.Close()
		return nil, err
	}
	w.nextLSN.Store(lsn)
	return w, nil
}

func (w *WAL) scanForNextLSN() (uint64, error) {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return 1, err
	}
	var lsn uint64 = 1
	for {
		_, ok, err := readRecordAt(w.file)
		if err != nil {
			return 1, err
		}
		if !ok {
			break
		}
		lsn++
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return 1, err
	}
	return lsn, nil
}

// readRecordAt reads one record from r's current position. ok=false,
// err=nil means a clean or truncated end of log (no more complete
// records) rather than a real error.
func readRecordAt(r io.Reader) (Record, bool, error) {
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}

	typ := header[0]
	txID := binary.LittleEndian.Uint64(header[1:9])
	ts := binary.LittleEndian.Uint64(header[9:17])
	dataLen := binary.LittleEndian.Uint32(header[17:21])
	storedCRC := binary.LittleEndian.Uint32(header[21:25])

	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}

	crc := crc32.NewIEEE()
	crc.Write(header[:21])
	crc.Write(data)
	if crc.Sum32() != storedCRC {
		return Record{}, false, common.NewWALError(common.WALCorrupted, "checksum mismatch")
	}

	return Record{Type: typ, TxID: txID, Timestamp: ts, Data: data}, true, nil
}

// append writes one record and returns the LSN assigned to it. Under
// recoveryMode, append is a no-op returning 0 (redo application during
// recovery must not re-log itself).
func (w *WAL) append(typ byte, txID uint64, data []byte) (uint64, error) {
	if w.recoveryMode {
		return 0, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	lsn := w.nextLSN.Add(1) - 1

	header := make([]byte, recordHeaderSize)
	header[0] = typ
	binary.LittleEndian.PutUint64(header[1:9], txID)
	binary.LittleEndian.PutUint64(header[9:17], uint64(time.Now().UnixMilli()))
	binary.LittleEndian.PutUint32(header[17:21], uint32(len(data)))

	crc := crc32.NewIEEE()
	crc.Write(header[:21])
	crc.Write(data)
	binary.LittleEndian.PutUint32(header[21:25], crc.Sum32())

	if _, err := w.file.Write(header); err != nil {
		return 0, err
	}
	if _, err := w.file.Write(data); err != nil {
		return 0, err
	}
	return lsn, nil
}

func (w *WAL) forceFlush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		return common.NewWALError(common.WALFlushFailed, err.Error())
	}
	return nil
}

// WriteBegin/WriteCommit/WriteAbort log transaction boundary records.
// Commit and abort force-flush before returning, since both are
// durability points the caller may be relying on.
func (w *WAL) WriteBegin(txID uint64) (uint64, error) {
	return w.append(recBegin, txID, nil)
}

func (w *WAL) WriteCommit(txID uint64) (uint64, error) {
	lsn, err := w.append(recCommit, txID, nil)
	if err != nil {
		return 0, err
	}
	return lsn, w.forceFlush()
}

func (w *WAL) WriteAbort(txID uint64) (uint64, error) {
	lsn, err := w.append(recAbort, txID, nil)
	if err != nil {
		return 0, err
	}
	return lsn, w.forceFlush()
}

func (w *WAL) WriteInsert(txID uint64, pageID uint32, key, value []byte) (uint64, error) {
	return w.append(recInsert, txID, encodeInsert(InsertPayload{PageID: pageID, Key: key, Value: value}))
}

func (w *WAL) WriteUpdate(txID uint64, pageID uint32, key, oldValue, newValue []byte) (uint64, error) {
	return w.append(recUpdate, txID, encodeUpdate(UpdatePayload{PageID: pageID, Key: key, OldValue: oldValue, NewValue: newValue}))
}

func (w *WAL) WriteDelete(txID uint64, pageID uint32, key, oldValue []byte) (uint64, error) {
	return w.append(recDelete, txID, encodeDelete(DeletePayload{PageID: pageID, Key: key, OldValue: oldValue}))
}

// WriteCheckpoint emits a checkpoint record carrying the previous
// checkpoint's LSN and the caller's active-transaction count, then
// records the new LSN as the latest checkpoint.
func (w *WAL) WriteCheckpoint(activeTxCount uint32) (uint64, error) {
	prevLSN := w.lastCheckpointLSN.Load()
	lsn, err := w.append(recCheckpoint, 0, encodeCheckpoint(prevLSN, activeTxCount))
	if err != nil {
		return 0, err
	}
	if err := w.forceFlush(); err != nil {
		return 0, err
	}
	w.lastCheckpointLSN.Store(lsn)
	w.checkpointCount.Add(1)
	return lsn, nil
}

func (w *WAL) Flush() error { return w.forceFlush() }

// Replayer is the minimal surface recover() needs from the engine
// being restored: apply a redo-logged mutation without re-logging it.
type Replayer interface {
	ReplayPut(key, value []byte) error
	ReplayDelete(key []byte) error
}

// Recover performs redo-only, two-pass recovery: pass one collects
// which transactions committed or aborted; pass two replays every
// put/delete belonging to a committed transaction, in log order, with
// WAL writes suppressed.
func (w *WAL) Recover(target Replayer) error {
	committed, err := w.collectCommitted()
	if err != nil {
		return err
	}

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	w.recoveryMode = true
	defer func() { w.recoveryMode = false }()

	for {
		rec, ok, err := readRecordAt(w.file)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if !committed[rec.TxID] {
			continue
		}
		switch rec.Type {
		case recInsert:
			p := decodeInsert(rec.Data)
			if err := target.ReplayPut(p.Key, p.Value); err != nil {
				return err
			}
		case recUpdate:
			p := decodeUpdate(rec.Data)
			if err := target.ReplayPut(p.Key, p.NewValue); err != nil {
				return err
			}
		case recDelete:
			p := decodeDelete(rec.Data)
			if err := target.ReplayDelete(p.Key); err != nil {
				return err
			}
		}
	}

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

func (w *WAL) collectCommitted() (map[uint64]bool, error) {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	committed := make(map[uint64]bool)
	aborted := make(map[uint64]bool)

	for {
		rec, ok, err := readRecordAt(w.file)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch rec.Type {
		case recCommit:
			committed[rec.TxID] = true
		case recAbort:
			aborted[rec.TxID] = true
		}
	}
	for txID := range aborted {
		delete(committed, txID)
	}
	return committed, nil
}

// Configure sets the background checkpoint task's cadence and the
// rotation/archival thresholds.
func (w *WAL) Configure(intervalMs int, maxWALBytes int64, maxArchived int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.intervalMs = intervalMs
	w.maxWALBytes = maxWALBytes
	w.maxArchived = maxArchived
}

// StartCheckpointTask launches a background goroutine that calls
// checkpoint on the configured interval until StopCheckpointTask is
// called.
func (w *WAL) StartCheckpointTask(checkpoint func() error) {
	w.mu.Lock()
	interval := w.intervalMs
	w.mu.Unlock()
	if interval <= 0 {
		interval = 5000
	}

	w.stopCh = make(chan struct{})
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(time.Duration(interval) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				_ = checkpoint()
			}
		}
	}()
}

func (w *WAL) StopCheckpointTask() {
	if w.stopCh == nil {
		return
	}
	close(w.stopCh)
	w.wg.Wait()
	w.stopCh = nil
}

// Size returns the current WAL file size in bytes, used to decide
// whether a rotation is due.
func (w *WAL) Size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, err := w.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (w *WAL) Stats() common.CheckpointStats {
	size, _ := w.Size()
	archived := 0
	if entries, err := os.ReadDir(filepath.Dir(w.path)); err == nil {
		prefix := filepath.Base(w.path) + "."
		for _, e := range entries {
			if !e.IsDir() && len(e.Name()) > len(prefix) && e.Name()[:len(prefix)] == prefix {
				archived++
			}
		}
	}
	return common.CheckpointStats{
		LastCheckpointLSN: w.lastCheckpointLSN.Load(),
		CheckpointCount:   w.checkpointCount.Load(),
		ArchivedSegments:  archived,
		CurrentWALBytes:   size,
	}
}

func (w *WAL) Close() error {
	w.StopCheckpointTask()
	return w.file.Close()
}

// RotateIfDue archives the current log segment under a uuid-suffixed
// name and starts a fresh empty one, once the configured byte
// threshold is crossed. The replacement segment is written with
// natefinch/atomic's temp-file-then-rename so a crash mid-rotation
// never leaves neither a valid active segment nor the archived one.
func (w *WAL) RotateIfDue() (rotated bool, err error) {
	w.mu.Lock()
	threshold := w.maxWALBytes
	w.mu.Unlock()
	if threshold <= 0 {
		return false, nil
	}

	size, err := w.Size()
	if err != nil {
		return false, err
	}
	if size < threshold {
		return false, nil
	}

	return true, w.rotate()
}

func (w *WAL) rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Sync(); err != nil {
		return common.NewWALError(common.WALFlushFailed, err.Error())
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	archivedPath := fmt.Sprintf("%s.%s", w.path, uuid.New().String())
	if err := os.Rename(w.path, archivedPath); err != nil {
		return common.NewWALError(common.WALCorrupted, "rotation rename failed: "+err.Error())
	}

	if err := natomic.WriteFile(w.path, newEmptyReader()); err != nil {
		return common.NewWALError(common.WALCorrupted, "fresh segment write failed: "+err.Error())
	}

	f, err := os.OpenFile(w.path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.nextLSN.Store(1)

	return w.pruneArchives()
}

func newEmptyReader() io.Reader { return bytes.NewReader(nil) }

// pruneArchives deletes the oldest archived segments past maxArchived.
func (w *WAL) pruneArchives() error {
	if w.maxArchived <= 0 {
		return nil
	}
	dir := filepath.Dir(w.path)
	base := filepath.Base(w.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	type archive struct {
		name string
		mod  time.Time
	}
	var archives []archive
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if len(e.Name()) > len(base)+1 && e.Name()[:len(base)+1] == base+"." {
			info, err := e.Info()
			if err != nil {
				return err
			}
			archives = append(archives, archive{name: e.Name(), mod: info.ModTime()})
		}
	}
	sort.Slice(archives, func(i, j int) bool { return archives[i].mod.Before(archives[j].mod) })

	for len(archives) > w.maxArchived {
		if err := os.Remove(filepath.Join(dir, archives[0].name)); err != nil {
			return err
		}
		archives = archives[1:]
	}
	return nil
}
