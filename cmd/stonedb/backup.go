package main

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"

	"github.com/ruskaruma/stonedb/storage"
)

// backupEntry is one key/value pair as it appears in a JSON snapshot.
// Both fields are base64 so arbitrary binary keys and values round-trip.
type backupEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// backupFile is the on-disk JSON format written by the backup command
// and read back by restore. RunID identifies the backup that produced
// a given file, independent of its path or mtime.
type backupFile struct {
	RunID   string        `json:"run_id"`
	Entries []backupEntry `json:"entries"`
}

// writeBackup snapshots every live key/value pair in e and writes it to
// path as JSON, atomically: a partially-written backup file is never
// observable at path, even if the process is killed mid-write.
func writeBackup(e *storage.Engine, path string) error {
	id, err := uuid.NewRandom()
	if err != nil {
		return err
	}

	snap := backupFile{RunID: id.String()}
	err = e.Store.Scan(func(key, value []byte) {
		snap.Entries = append(snap.Entries, backupEntry{
			Key:   base64.StdEncoding.EncodeToString(key),
			Value: base64.StdEncoding.EncodeToString(value),
		})
	})
	if err != nil {
		return err
	}

	body, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	return atomic.WriteFile(path, strings.NewReader(string(body)))
}

// loadBackup reads a JSON snapshot written by writeBackup and puts every
// entry into e, overwriting any key already present. It returns the
// number of entries restored.
func loadBackup(e *storage.Engine, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	var snap backupFile
	if err := json.Unmarshal(raw, &snap); err != nil {
		return 0, err
	}

	for _, ent := range snap.Entries {
		key, err := base64.StdEncoding.DecodeString(ent.Key)
		if err != nil {
			return 0, err
		}
		value, err := base64.StdEncoding.DecodeString(ent.Value)
		if err != nil {
			return 0, err
		}
		if err := e.Put(key, value); err != nil {
			return 0, err
		}
	}

	return len(snap.Entries), nil
}
