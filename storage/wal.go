package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ruskaruma/stonedb/common"
)

// RecordType identifies the kind of a WAL entry.
type RecordType uint8

const (
	RecordBegin RecordType = iota + 1
	RecordCommit
	RecordAbort
	RecordPut
	RecordDelete
)

func (t RecordType) String() string {
	switch t {
	case RecordBegin:
		return "BEGIN"
	case RecordCommit:
		return "COMMIT"
	case RecordAbort:
		return "ABORT"
	case RecordPut:
		return "PUT"
	case RecordDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

const (
	// WALHeaderSize is the reserved header region at the start of the WAL
	// file. Only the first 8 bytes (magic, version) are meaningful; the
	// rest is zero.
	WALHeaderSize = 32

	// MaxWALKey and MaxWALValue bound a single entry's key/value size
	// during replay; an entry exceeding either is treated as the start of
	// a corrupt tail.
	MaxWALKey   = 1 << 20      // 1 MiB
	MaxWALValue = 10 << 20     // 10 MiB

	walMagic   uint32 = 0x57414c31 // "WAL1"
	walVersion uint32 = 1
)

// Entry is one WAL record. Key/Value are nil for BEGIN/COMMIT/ABORT.
type Entry struct {
	Type      RecordType
	TxnID     uint64
	Timestamp uint64
	Key       []byte
	Value     []byte
}

// WAL is an append-only log of typed entries over a sibling file to the
// database. It performs no per-record checksumming: replay bounds-checks
// every length instead (spec.md §4.4).
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	offset   int64
	counters *common.Counters
}

// OpenWAL opens or creates the WAL file at path.
func OpenWAL(path string, counters *common.Counters) (*WAL, error) {
	_, statErr := os.Stat(path)
	exists := statErr == nil

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, common.NewError(common.ErrCodeFileOpenFailed, err)
	}

	w := &WAL{file: file, path: path, counters: counters}

	if exists {
		if err := w.validateHeader(); err != nil {
			file.Close()
			return nil, err
		}
		end, err := file.Seek(0, io.SeekEnd)
		if err != nil {
			file.Close()
			return nil, common.NewError(common.ErrCodeFileSeekError, err)
		}
		w.offset = end
	} else {
		if err := w.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
		w.offset = WALHeaderSize
	}

	return w, nil
}

func (w *WAL) writeHeader() error {
	buf := make([]byte, WALHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], walMagic)
	binary.LittleEndian.PutUint32(buf[4:8], walVersion)
	if _, err := w.file.WriteAt(buf, 0); err != nil {
		return common.NewError(common.ErrCodeWalError, err)
	}
	return nil
}

func (w *WAL) validateHeader() error {
	buf := make([]byte, WALHeaderSize)
	n, err := w.file.ReadAt(buf, 0)
	if err != nil || n != WALHeaderSize {
		return common.NewError(common.ErrCodeWalError, fmt.Errorf("short wal header"))
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != walMagic || binary.LittleEndian.Uint32(buf[4:8]) != walVersion {
		return common.NewError(common.ErrCodeWalError, fmt.Errorf("wal magic/version mismatch"))
	}
	return nil
}

// encodeEntry serializes e as type:u8, txnId:u64, timestamp:u64, keyLen:u16,
// key, valLen:u16, value — all little-endian.
func encodeEntry(e Entry) []byte {
	size := 1 + 8 + 8 + 2 + len(e.Key) + 2 + len(e.Value)
	buf := make([]byte, size)
	o := 0
	buf[o] = byte(e.Type)
	o++
	binary.LittleEndian.PutUint64(buf[o:o+8], e.TxnID)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:o+8], e.Timestamp)
	o += 8
	binary.LittleEndian.PutUint16(buf[o:o+2], uint16(len(e.Key)))
	o += 2
	copy(buf[o:o+len(e.Key)], e.Key)
	o += len(e.Key)
	binary.LittleEndian.PutUint16(buf[o:o+2], uint16(len(e.Value)))
	o += 2
	copy(buf[o:o+len(e.Value)], e.Value)
	return buf
}

// Append serializes e and writes it at the end of the log. It does not
// flush.
func (w *WAL) Append(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := encodeEntry(e)
	if _, err := w.file.WriteAt(buf, w.offset); err != nil {
		return common.NewError(common.ErrCodeWalError, err)
	}
	w.offset += int64(len(buf))
	return nil
}

// Flush fsyncs the WAL file. Commit entries invoke this; abort and
// put/delete do not by themselves.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		return common.NewError(common.ErrCodeWalError, err)
	}
	return nil
}

// LogBegin appends a BEGIN entry for txnID.
func (w *WAL) LogBegin(txnID uint64, ts uint64) error {
	return w.Append(Entry{Type: RecordBegin, TxnID: txnID, Timestamp: ts})
}

// LogCommit appends a COMMIT entry for txnID.
func (w *WAL) LogCommit(txnID uint64, ts uint64) error {
	return w.Append(Entry{Type: RecordCommit, TxnID: txnID, Timestamp: ts})
}

// LogAbort appends an ABORT entry for txnID.
func (w *WAL) LogAbort(txnID uint64, ts uint64) error {
	return w.Append(Entry{Type: RecordAbort, TxnID: txnID, Timestamp: ts})
}

// LogPut appends a PUT entry.
func (w *WAL) LogPut(txnID uint64, ts uint64, key, value []byte) error {
	if len(key) > MaxWALKey {
		return common.NewError(common.ErrCodeKeyTooLarge, nil)
	}
	if len(value) > MaxWALValue {
		return common.NewError(common.ErrCodeValueTooLarge, nil)
	}
	return w.Append(Entry{Type: RecordPut, TxnID: txnID, Timestamp: ts, Key: key, Value: value})
}

// LogDelete appends a DELETE entry.
func (w *WAL) LogDelete(txnID uint64, ts uint64, key []byte) error {
	if len(key) > MaxWALKey {
		return common.NewError(common.ErrCodeKeyTooLarge, nil)
	}
	return w.Append(Entry{Type: RecordDelete, TxnID: txnID, Timestamp: ts, Key: key})
}

// decodeOne reads one entry starting at offset. It returns the entry,
// the offset just past it, and ok=false when the entry is malformed,
// oversized, or the file ends mid-record (a corrupt or truncated tail).
func (w *WAL) decodeOne(offset int64) (Entry, int64, bool) {
	head := make([]byte, 1+8+8+2)
	n, err := w.file.ReadAt(head, offset)
	if err != nil && err != io.EOF {
		return Entry{}, offset, false
	}
	if n < len(head) {
		return Entry{}, offset, false
	}

	e := Entry{}
	o := 0
	typ := RecordType(head[o])
	o++
	switch typ {
	case RecordBegin, RecordCommit, RecordAbort, RecordPut, RecordDelete:
	default:
		return Entry{}, offset, false
	}
	e.Type = typ
	e.TxnID = binary.LittleEndian.Uint64(head[o : o+8])
	o += 8
	e.Timestamp = binary.LittleEndian.Uint64(head[o : o+8])
	o += 8
	keyLen := binary.LittleEndian.Uint16(head[o : o+2])
	if int(keyLen) > MaxWALKey {
		return Entry{}, offset, false
	}

	cursor := offset + int64(len(head))
	if keyLen > 0 {
		e.Key = make([]byte, keyLen)
		if n, err := w.file.ReadAt(e.Key, cursor); err != nil || n != int(keyLen) {
			return Entry{}, offset, false
		}
		cursor += int64(keyLen)
	}

	valLenBuf := make([]byte, 2)
	if n, err := w.file.ReadAt(valLenBuf, cursor); err != nil || n != 2 {
		return Entry{}, offset, false
	}
	valLen := binary.LittleEndian.Uint16(valLenBuf)
	if int(valLen) > MaxWALValue {
		return Entry{}, offset, false
	}
	cursor += 2

	if valLen > 0 {
		e.Value = make([]byte, valLen)
		if n, err := w.file.ReadAt(e.Value, cursor); err != nil || n != int(valLen) {
			return Entry{}, offset, false
		}
		cursor += int64(valLen)
	}

	return e, cursor, true
}

// Replay parses every entry from just past the header up to the first
// parse failure or EOF, then returns only the PUT/DELETE entries that
// belong to committed transactions, in file order. A corrupt or
// truncated tail is tolerated: everything decoded before it is kept.
func (w *WAL) Replay() ([]Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var all []Entry
	offset := int64(WALHeaderSize)
	for offset < w.offset {
		e, next, ok := w.decodeOne(offset)
		if !ok {
			break
		}
		all = append(all, e)
		offset = next
	}

	committed := make(map[uint64]bool)
	for _, e := range all {
		if e.Type == RecordCommit {
			committed[e.TxnID] = true
		}
	}

	var out []Entry
	for _, e := range all {
		if (e.Type == RecordPut || e.Type == RecordDelete) && committed[e.TxnID] {
			out = append(out, e)
		}
	}
	return out, nil
}

// Checkpoint flushes pager, flushes the WAL, then truncates the log back
// to just its header.
func (w *WAL) Checkpoint(pager *Pager) error {
	if err := pager.Sync(); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return w.Truncate()
}

// Truncate drops the log to just the header, atomically from the
// caller's point of view.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Close(); err != nil {
		return common.NewError(common.ErrCodeWalError, err)
	}
	file, err := os.OpenFile(w.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return common.NewError(common.ErrCodeFileOpenFailed, err)
	}
	w.file = file
	if err := w.writeHeader(); err != nil {
		return err
	}
	w.offset = WALHeaderSize
	return nil
}

// Close fsyncs and closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		return common.NewError(common.ErrCodeWalError, err)
	}
	if err := w.file.Close(); err != nil {
		return common.NewError(common.ErrCodeWalError, err)
	}
	return nil
}

// Path returns the path this WAL was opened against.
func (w *WAL) Path() string { return w.path }
