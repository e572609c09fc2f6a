package storage

import (
	"github.com/rs/zerolog"

	"github.com/ruskaruma/stonedb/common"
)

// Options configures a new Engine.
type Options struct {
	PageSize  uint32 // ignored when the database file already exists
	CacheSize int    // page cache capacity; 0 uses DefaultCacheSize
	Quiet     bool   // suppress info-level logging
}

// Engine is the top-level handle gluing the Pager, WAL, LockManager and
// TransactionManager together as long-lived collaborators, per §9's
// "shared collaborators as owned singletons" note. Nothing here is
// process-global: every Open call returns an independent instance, so
// tests can run many engines in one process.
type Engine struct {
	Pager *Pager
	WAL   *WAL
	Locks *LockManager
	Store *RecordStore
	Txns  *TransactionManager

	counters *common.Counters
	log      zerolog.Logger
}

// Open opens (or creates) the database at dbPath and its WAL at walPath,
// re-applies every committed PUT/DELETE still in the WAL, and, when
// replay re-applied anything, checkpoints the WAL.
func Open(dbPath, walPath string, opts Options) (*Engine, error) {
	log := NewLogger(opts.Quiet)
	counters := &common.Counters{}

	pager, err := OpenPager(dbPath, true, opts.PageSize, opts.CacheSize, counters)
	if err != nil {
		return nil, err
	}

	wal, err := OpenWAL(walPath, counters)
	if err != nil {
		pager.Close()
		return nil, err
	}

	store, err := OpenRecordStore(pager, counters)
	if err != nil {
		wal.Close()
		pager.Close()
		return nil, err
	}

	entries, err := wal.Replay()
	if err != nil {
		wal.Close()
		pager.Close()
		return nil, err
	}
	for _, e := range entries {
		switch e.Type {
		case RecordPut:
			if err := store.Put(e.Key, e.Value); err != nil {
				log.Warn().Err(err).Msg("replay: put failed, continuing")
			}
		case RecordDelete:
			if _, err := store.Delete(e.Key); err != nil {
				log.Warn().Err(err).Msg("replay: delete failed, continuing")
			}
		}
	}
	if len(entries) > 0 {
		log.Info().Int("entries", len(entries)).Msg("replayed committed wal entries")
		if err := wal.Checkpoint(pager); err != nil {
			log.Warn().Err(err).Msg("post-replay checkpoint failed")
		}
	}

	locks := NewLockManager(counters)
	txns := NewTransactionManager(pager, wal, locks, store, counters, log)

	return &Engine{
		Pager:    pager,
		WAL:      wal,
		Locks:    locks,
		Store:    store,
		Txns:     txns,
		counters: counters,
		log:      log,
	}, nil
}

// Checkpoint flushes the pager, flushes the WAL, and truncates it. Safe
// to call only when no transaction is mid-commit.
func (e *Engine) Checkpoint() error {
	return e.WAL.Checkpoint(e.Pager)
}

// Put wraps a single key/value write in its own begin/commit pair, for
// callers (the shell, benchmarks, demos) that don't need multi-key
// transactions.
func (e *Engine) Put(key, value []byte) error {
	id, err := e.Txns.Begin()
	if err != nil {
		return err
	}
	if err := e.Txns.Put(id, key, value); err != nil {
		e.Txns.Abort(id)
		return err
	}
	return e.Txns.Commit(id)
}

// Get wraps a single key read in its own begin/commit pair.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	id, err := e.Txns.Begin()
	if err != nil {
		return nil, false, err
	}
	value, found, err := e.Txns.Get(id, key)
	if err != nil {
		e.Txns.Abort(id)
		return nil, false, err
	}
	if err := e.Txns.Commit(id); err != nil {
		return value, found, err
	}
	return value, found, nil
}

// Delete wraps a single key delete in its own begin/commit pair.
func (e *Engine) Delete(key []byte) (bool, error) {
	id, err := e.Txns.Begin()
	if err != nil {
		return false, err
	}
	found, err := e.Txns.Delete(id, key)
	if err != nil {
		e.Txns.Abort(id)
		return false, err
	}
	if err := e.Txns.Commit(id); err != nil {
		return found, err
	}
	return found, nil
}

// Sync checkpoints the engine; it satisfies the benchmark package's
// Engine interface.
func (e *Engine) Sync() error {
	return e.Checkpoint()
}

// Close flushes and closes the WAL and the pager, best-effort.
func (e *Engine) Close() error {
	walErr := e.WAL.Close()
	pagerErr := e.Pager.Close()
	if walErr != nil {
		return walErr
	}
	return pagerErr
}

// Stats snapshots the engine's counters alongside page/key accounting.
func (e *Engine) Stats() common.Stats {
	s := e.counters.Snapshot()
	s.NumKeys = int64(e.Store.KeyCount())
	s.PageCount = int64(e.Pager.PageCount())
	free, err := e.Pager.FreeListIDs()
	if err == nil {
		s.FreePages = int64(len(free))
	}
	return s
}
