package storage

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetFindRoundTrip(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	res, err := PutIntoPage(buf, []byte("user1"), []byte("alice"))
	require.NoError(t, err)
	require.Equal(t, PutOK, res)

	v, ok := GetFromPage(buf, []byte("user1"))
	require.True(t, ok)
	require.Equal(t, []byte("alice"), v)
}

func TestPutOverwriteSameSize(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	_, err := PutIntoPage(buf, []byte("k"), []byte("vv"))
	require.NoError(t, err)

	res, err := PutIntoPage(buf, []byte("k"), []byte("ww"))
	require.NoError(t, err)
	require.Equal(t, PutOK, res)

	v, ok := GetFromPage(buf, []byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("ww"), v)
}

func TestPutOverwriteShrinkLeavesPageWalkable(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	_, err := PutIntoPage(buf, []byte("k1"), bytes.Repeat([]byte{'a'}, 100))
	require.NoError(t, err)
	_, err = PutIntoPage(buf, []byte("k2"), []byte("second"))
	require.NoError(t, err)

	res, err := PutIntoPage(buf, []byte("k1"), []byte("short"))
	require.NoError(t, err)
	require.Equal(t, PutOK, res)

	v1, ok := GetFromPage(buf, []byte("k1"))
	require.True(t, ok)
	require.Equal(t, []byte("short"), v1)

	v2, ok := GetFromPage(buf, []byte("k2"))
	require.True(t, ok)
	require.Equal(t, []byte("second"), v2)
}

func TestPutOverwriteGrowRelocatesWithinPage(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	_, err := PutIntoPage(buf, []byte("k1"), []byte("a"))
	require.NoError(t, err)
	_, err = PutIntoPage(buf, []byte("k2"), []byte("b"))
	require.NoError(t, err)

	res, err := PutIntoPage(buf, []byte("k1"), bytes.Repeat([]byte{'z'}, 50))
	require.NoError(t, err)
	require.Equal(t, PutOK, res)

	v1, ok := GetFromPage(buf, []byte("k1"))
	require.True(t, ok)
	require.Equal(t, bytes.Repeat([]byte{'z'}, 50), v1)

	v2, ok := GetFromPage(buf, []byte("k2"))
	require.True(t, ok)
	require.Equal(t, []byte("b"), v2)
}

func TestDeleteTombstonesAndSubsequentGetMisses(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	_, err := PutIntoPage(buf, []byte("k"), []byte("v"))
	require.NoError(t, err)

	require.True(t, DeleteFromPage(buf, []byte("k")))

	_, ok := GetFromPage(buf, []byte("k"))
	require.False(t, ok)

	require.False(t, DeleteFromPage(buf, []byte("k")))
}

func TestDeleteThenPutReusesTombstone(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	_, err := PutIntoPage(buf, []byte("k1"), []byte("value-one"))
	require.NoError(t, err)
	require.True(t, DeleteFromPage(buf, []byte("k1")))

	res, err := PutIntoPage(buf, []byte("k2"), []byte("fits"))
	require.NoError(t, err)
	require.Equal(t, PutOK, res)

	v, ok := GetFromPage(buf, []byte("k2"))
	require.True(t, ok)
	require.Equal(t, []byte("fits"), v)
}

func TestScanVisitsOnlyLiveSlots(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	_, _ = PutIntoPage(buf, []byte("a"), []byte("1"))
	_, _ = PutIntoPage(buf, []byte("b"), []byte("2"))
	_, _ = PutIntoPage(buf, []byte("c"), []byte("3"))
	DeleteFromPage(buf, []byte("b"))

	seen := map[string]string{}
	ScanPage(buf, func(k, v []byte) {
		seen[string(k)] = string(v)
	})

	require.Equal(t, map[string]string{"a": "1", "c": "3"}, seen)
}

func TestPutKeyTooLarge(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	longKey := strings.Repeat("x", MaxKey+1)
	_, err := PutIntoPage(buf, []byte(longKey), []byte("v"))
	require.Error(t, err)
}

func TestPutValueTooLarge(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	_, err := PutIntoPage(buf, []byte("k"), make([]byte, MaxValue+1))
	require.Error(t, err)
}

func TestPutExactMaxKeyValueRoundTrips(t *testing.T) {
	buf := make([]byte, 2*MaxValue+4096) // plenty of room
	key := bytes.Repeat([]byte{'k'}, MaxKey)
	value := bytes.Repeat([]byte{'v'}, MaxValue)

	res, err := PutIntoPage(buf, key, value)
	require.NoError(t, err)
	require.Equal(t, PutOK, res)

	got, ok := GetFromPage(buf, key)
	require.True(t, ok)
	require.Equal(t, value, got)
}

func TestPutNoSpaceReturnsWithoutCorruptingPage(t *testing.T) {
	buf := make([]byte, slotHeaderSize+4) // room for exactly one slot with a 2-byte key and 2-byte value, and nothing more
	key := []byte("ab")
	value := []byte("cd")

	res, err := PutIntoPage(buf, key, value)
	require.NoError(t, err)
	require.Equal(t, PutOK, res)

	res, err = PutIntoPage(buf, []byte("ef"), []byte("gh"))
	require.Error(t, err)
	require.Equal(t, PutNoSpace, res)

	// The original slot is untouched.
	v, ok := GetFromPage(buf, key)
	require.True(t, ok)
	require.Equal(t, value, v)
}
