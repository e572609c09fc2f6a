package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ruskaruma/stonedb/common/testutil"
)

func testEnginePaths(t *testing.T) (string, string) {
	t.Helper()
	dir := testutil.TempDir(t)
	return filepath.Join(dir, "stonedb.sdb"), filepath.Join(dir, "stonedb.wal")
}

func TestEngineOpenPutCommitCloseReopenGet(t *testing.T) {
	dbPath, walPath := testEnginePaths(t)

	e, err := Open(dbPath, walPath, Options{Quiet: true})
	require.NoError(t, err)

	id, err := e.Txns.Begin()
	require.NoError(t, err)
	require.NoError(t, e.Txns.Put(id, []byte("k"), []byte("v")))
	require.NoError(t, e.Txns.Commit(id))
	require.NoError(t, e.Close())

	e2, err := Open(dbPath, walPath, Options{Quiet: true})
	require.NoError(t, err)
	defer e2.Close()

	id2, err := e2.Txns.Begin()
	require.NoError(t, err)
	v, found, err := e2.Txns.Get(id2, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), v)
	require.NoError(t, e2.Txns.Commit(id2))
}

func TestEngineUncommittedWriteLostOnRestart(t *testing.T) {
	dbPath, walPath := testEnginePaths(t)

	e, err := Open(dbPath, walPath, Options{Quiet: true})
	require.NoError(t, err)

	id, err := e.Txns.Begin()
	require.NoError(t, err)
	require.NoError(t, e.Txns.Put(id, []byte("k"), []byte("uncommitted")))
	// No Commit call: simulate a crash by closing the pager's file
	// directly, skipping Pager.Close's flush of dirty cached pages, so
	// neither a COMMIT entry nor the page holding the write is persisted.
	require.NoError(t, e.Pager.file.Close())
	require.NoError(t, e.WAL.Close())

	e2, err := Open(dbPath, walPath, Options{Quiet: true})
	require.NoError(t, err)
	defer e2.Close()

	id2, err := e2.Txns.Begin()
	require.NoError(t, err)
	_, found, err := e2.Txns.Get(id2, []byte("k"))
	require.NoError(t, err)
	require.False(t, found, "uncommitted write must not survive a restart")
	require.NoError(t, e2.Txns.Commit(id2))
}

func TestEngineCommittedWriteReplayedAfterUncheckpointedRestart(t *testing.T) {
	dbPath, walPath := testEnginePaths(t)

	e, err := Open(dbPath, walPath, Options{Quiet: true})
	require.NoError(t, err)

	id, err := e.Txns.Begin()
	require.NoError(t, err)
	require.NoError(t, e.Txns.Put(id, []byte("k"), []byte("durable")))
	require.NoError(t, e.Txns.Commit(id))

	// Close without an explicit checkpoint: replay on next open must
	// still recover the committed write from the WAL.
	require.NoError(t, e.Pager.Close())
	require.NoError(t, e.WAL.Close())

	e2, err := Open(dbPath, walPath, Options{Quiet: true})
	require.NoError(t, err)
	defer e2.Close()

	id2, err := e2.Txns.Begin()
	require.NoError(t, err)
	v, found, err := e2.Txns.Get(id2, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("durable"), v)
	require.NoError(t, e2.Txns.Commit(id2))
}

func TestEngineDeletedSlotReusedAcrossRestart(t *testing.T) {
	dbPath, walPath := testEnginePaths(t)

	e, err := Open(dbPath, walPath, Options{Quiet: true})
	require.NoError(t, err)

	id, err := e.Txns.Begin()
	require.NoError(t, err)
	require.NoError(t, e.Txns.Put(id, []byte("a"), []byte("1")))
	require.NoError(t, e.Txns.Commit(id))

	found, err := e.Store.Delete([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)

	countBefore := e.Pager.PageCount()
	require.NoError(t, e.Checkpoint())
	require.NoError(t, e.Close())

	e2, err := Open(dbPath, walPath, Options{Quiet: true})
	require.NoError(t, err)
	defer e2.Close()

	id2, err := e2.Txns.Begin()
	require.NoError(t, err)
	require.NoError(t, e2.Txns.Put(id2, []byte("b"), []byte("2")))
	require.NoError(t, e2.Txns.Commit(id2))

	// The delete before restart left a tombstone in the existing page;
	// the new record should land in that page rather than growing the
	// file with a fresh one.
	require.Equal(t, countBefore, e2.Pager.PageCount())
}

func TestEngineDeadlockEndToEnd(t *testing.T) {
	dbPath, walPath := testEnginePaths(t)
	e, err := Open(dbPath, walPath, Options{Quiet: true})
	require.NoError(t, err)
	defer e.Close()

	t1, err := e.Txns.Begin()
	require.NoError(t, err)
	t2, err := e.Txns.Begin()
	require.NoError(t, err)

	require.NoError(t, e.Txns.Put(t1, []byte("a"), []byte("1")))
	require.NoError(t, e.Txns.Put(t2, []byte("b"), []byte("2")))

	type outcome struct {
		txn uint64
		err error
	}
	results := make(chan outcome, 2)
	go func() { results <- outcome{t1, e.Txns.Put(t1, []byte("b"), []byte("x"))} }()
	go func() { results <- outcome{t2, e.Txns.Put(t2, []byte("a"), []byte("y"))} }()

	first := <-results
	if first.err != nil {
		// A deadlock victim's caller always aborts it, which releases
		// every lock it holds and unblocks the other transaction.
		require.NoError(t, e.Txns.Abort(first.txn))
	} else {
		require.NoError(t, e.Txns.Commit(first.txn))
	}

	second := <-results
	require.True(t, (first.err != nil) != (second.err != nil), "exactly one of the two transactions must fail with a deadlock error")
	if second.err != nil {
		require.NoError(t, e.Txns.Abort(second.txn))
	} else {
		require.NoError(t, e.Txns.Commit(second.txn))
	}
}
