package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ruskaruma/stonedb/storage"
)

func testEngine(t *testing.T) *storage.Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := storage.Open(filepath.Join(dir, "test.sdb"), filepath.Join(dir, "test.wal"), storage.Options{Quiet: true})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func captureOutput(t *testing.T, f func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	f()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	require.NoError(t, err)
	return buf.String()
}

func TestWalPathForReplacesExtension(t *testing.T) {
	require.Equal(t, "/tmp/foo.wal", walPathFor("/tmp/foo.sdb"))
	require.Equal(t, "/tmp/nodot.wal", walPathFor("/tmp/nodot"))
}

func TestShellPutThenGetRoundTrips(t *testing.T) {
	sh := &shell{engine: testEngine(t)}

	out := captureOutput(t, func() { sh.cmdPut([]string{"greeting", "hello", "world"}) })
	require.Equal(t, "OK\n", out)

	out = captureOutput(t, func() { sh.cmdGet([]string{"greeting"}) })
	require.Equal(t, "hello world\n", out)
}

func TestShellGetMissingKeyReportsNotFound(t *testing.T) {
	sh := &shell{engine: testEngine(t)}

	out := captureOutput(t, func() { sh.cmdGet([]string{"absent"}) })
	require.Equal(t, "NOT FOUND\n", out)
}

func TestShellDeleteReportsFoundOrNotFound(t *testing.T) {
	sh := &shell{engine: testEngine(t)}
	require.NoError(t, sh.engine.Put([]byte("k"), []byte("v")))

	out := captureOutput(t, func() { sh.cmdDel([]string{"k"}) })
	require.Equal(t, "OK\n", out)

	out = captureOutput(t, func() { sh.cmdDel([]string{"k"}) })
	require.Equal(t, "NOT FOUND\n", out)
}

func TestShellScanListsEveryLiveKey(t *testing.T) {
	sh := &shell{engine: testEngine(t)}
	require.NoError(t, sh.engine.Put([]byte("a"), []byte("1")))
	require.NoError(t, sh.engine.Put([]byte("b"), []byte("2")))

	out := captureOutput(t, func() { sh.cmdScan(nil) })
	require.Contains(t, out, "a = 1")
	require.Contains(t, out, "b = 2")
}

func TestShellScanOnEmptyStoreReportsEmpty(t *testing.T) {
	sh := &shell{engine: testEngine(t)}

	out := captureOutput(t, func() { sh.cmdScan(nil) })
	require.Equal(t, "(empty)\n", out)
}

func TestShellDispatchQuitStopsTheLoop(t *testing.T) {
	sh := &shell{engine: testEngine(t)}
	require.False(t, sh.dispatch("quit"))
	require.True(t, sh.dispatch("stats"))
}

func TestShellUnknownCommandReportsError(t *testing.T) {
	sh := &shell{engine: testEngine(t)}

	out := captureOutput(t, func() { sh.dispatch("frobnicate") })
	require.Contains(t, out, "ERROR")
	require.Contains(t, out, "frobnicate")
}

func TestShellRunBatchExecutesEachLine(t *testing.T) {
	sh := &shell{engine: testEngine(t)}
	input := bytes.NewBufferString("put a 1\nget a\nquit\nget a\n")

	out := captureOutput(t, func() {
		code := sh.runBatch(input)
		require.Equal(t, 0, code)
	})
	require.Contains(t, out, "OK")
	require.Contains(t, out, "1")
}
