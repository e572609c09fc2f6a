package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ruskaruma/stonedb/common"
	"github.com/ruskaruma/stonedb/common/testutil"
)

func openTestWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "test.wal")
	w, err := OpenWAL(path, &common.Counters{})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, path
}

func TestWALAppendFlushRoundTrip(t *testing.T) {
	w, _ := openTestWAL(t)
	require.NoError(t, w.LogBegin(1, 100))
	require.NoError(t, w.LogPut(1, 101, []byte("k"), []byte("v")))
	require.NoError(t, w.LogCommit(1, 102))
	require.NoError(t, w.Flush())

	entries, err := w.Replay()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, RecordPut, entries[0].Type)
	require.Equal(t, []byte("k"), entries[0].Key)
	require.Equal(t, []byte("v"), entries[0].Value)
}

func TestWALReplayExcludesUncommittedTxn(t *testing.T) {
	w, _ := openTestWAL(t)
	require.NoError(t, w.LogBegin(1, 1))
	require.NoError(t, w.LogPut(1, 2, []byte("committed-key"), []byte("v1")))
	require.NoError(t, w.LogCommit(1, 3))

	require.NoError(t, w.LogBegin(2, 4))
	require.NoError(t, w.LogPut(2, 5, []byte("uncommitted-key"), []byte("v2")))
	// txn 2 never commits.

	entries, err := w.Replay()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, []byte("committed-key"), entries[0].Key)
}

func TestWALReplayExcludesAbortedTxn(t *testing.T) {
	w, _ := openTestWAL(t)
	require.NoError(t, w.LogBegin(1, 1))
	require.NoError(t, w.LogPut(1, 2, []byte("a"), []byte("1")))
	require.NoError(t, w.LogAbort(1, 3))

	entries, err := w.Replay()
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestWALReplayToleratesCorruptTail(t *testing.T) {
	w, path := openTestWAL(t)
	require.NoError(t, w.LogBegin(1, 1))
	require.NoError(t, w.LogPut(1, 2, []byte("good"), []byte("value")))
	require.NoError(t, w.LogCommit(1, 3))
	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	info, err := f.Stat()
	require.NoError(t, err)
	// Append a few garbage bytes that can't decode as a full entry.
	_, err = f.WriteAt([]byte{0xFF, 0xFF, 0xFF}, info.Size())
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := OpenWAL(path, &common.Counters{})
	require.NoError(t, err)
	defer w2.Close()

	entries, err := w2.Replay()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, []byte("good"), entries[0].Key)
}

func TestWALReplayIsIdempotent(t *testing.T) {
	w, _ := openTestWAL(t)
	require.NoError(t, w.LogBegin(1, 1))
	require.NoError(t, w.LogPut(1, 2, []byte("k1"), []byte("v1")))
	require.NoError(t, w.LogPut(1, 3, []byte("k2"), []byte("v2")))
	require.NoError(t, w.LogCommit(1, 4))

	first, err := w.Replay()
	require.NoError(t, err)
	second, err := w.Replay()
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestWALCheckpointTruncatesLog(t *testing.T) {
	w, _ := openTestWAL(t)
	require.NoError(t, w.LogBegin(1, 1))
	require.NoError(t, w.LogPut(1, 2, []byte("k"), []byte("v")))
	require.NoError(t, w.LogCommit(1, 3))

	dir := testutil.TempDir(t)
	p, err := OpenPager(filepath.Join(dir, "db.sdb"), true, DefaultPageSize, 16, &common.Counters{})
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, w.Checkpoint(p))

	entries, err := w.Replay()
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestWALLogPutRejectsOversizedKey(t *testing.T) {
	w, _ := openTestWAL(t)
	err := w.LogPut(1, 1, make([]byte, MaxWALKey+1), []byte("v"))
	require.Error(t, err)
}

func TestWALLogPutRejectsOversizedValue(t *testing.T) {
	w, _ := openTestWAL(t)
	err := w.LogPut(1, 1, []byte("k"), make([]byte, MaxWALValue+1))
	require.Error(t, err)
}

func TestWALLogDeleteRejectsOversizedKey(t *testing.T) {
	w, _ := openTestWAL(t)
	err := w.LogDelete(1, 1, make([]byte, MaxWALKey+1))
	require.Error(t, err)
}

func TestWALReopenPreservesOffset(t *testing.T) {
	_, path := openTestWAL(t)
	w, err := OpenWAL(path, &common.Counters{})
	require.NoError(t, err)
	require.NoError(t, w.LogBegin(1, 1))
	require.NoError(t, w.LogCommit(1, 2))
	require.NoError(t, w.Close())

	w2, err := OpenWAL(path, &common.Counters{})
	require.NoError(t, err)
	defer w2.Close()
	require.NoError(t, w2.LogBegin(2, 3))
	require.NoError(t, w2.LogCommit(2, 4))

	entries, err := w2.Replay()
	require.NoError(t, err)
	// Both BEGIN/COMMIT pairs produce no PUT/DELETE entries, but replay
	// must not error out walking past the first txn's records.
	require.Empty(t, entries)
}

func TestWALCorruptHeaderRejected(t *testing.T) {
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "bad.wal")

	w, err := OpenWAL(path, &common.Counters{})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0, 0, 0, 0}, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = OpenWAL(path, &common.Counters{})
	require.Error(t, err)
}
