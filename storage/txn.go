package storage

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ruskaruma/stonedb/common"
)

// TxnState is a transaction's lifecycle state.
type TxnState int

const (
	TxnActive TxnState = iota
	TxnCommitted
	TxnAborted
)

func (s TxnState) String() string {
	switch s {
	case TxnActive:
		return "Active"
	case TxnCommitted:
		return "Committed"
	case TxnAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// InvalidTxnID is returned by Begin when transaction allocation fails.
const InvalidTxnID = 0

// Transaction is the in-flight bookkeeping for one unit of work.
type Transaction struct {
	ID       uint64
	State    TxnState
	ReadSet  map[string]struct{}
	WriteSet map[string]struct{}
}

// TransactionManager issues transaction ids and orders WAL append,
// storage mutation, lock retention and commit-flush for every operation.
// It owns only the transaction table; Pager, WAL and LockManager are
// long-lived collaborators shared across every transaction.
type TransactionManager struct {
	mu     sync.Mutex
	nextID uint64
	active map[uint64]*Transaction

	pager *Pager
	wal   *WAL
	locks *LockManager
	store *RecordStore

	counters *common.Counters
	log      zerolog.Logger
}

// NewTransactionManager wires the shared collaborators together. counters
// and log may be nil/zero-valued.
func NewTransactionManager(pager *Pager, wal *WAL, locks *LockManager, store *RecordStore, counters *common.Counters, log zerolog.Logger) *TransactionManager {
	return &TransactionManager{
		nextID:   1,
		active:   make(map[uint64]*Transaction),
		pager:    pager,
		wal:      wal,
		locks:    locks,
		store:    store,
		counters: counters,
		log:      log,
	}
}

func nowMillis() uint64 { return uint64(time.Now().UnixMilli()) }

// Begin allocates a new transaction id, records it as Active, and logs a
// BEGIN entry. On WAL failure the allocation is rolled back and
// InvalidTxnID is returned.
func (tm *TransactionManager) Begin() (uint64, error) {
	tm.mu.Lock()
	id := tm.nextID
	tm.nextID++
	if tm.nextID == 0 { // wrapped past math.MaxUint64; 0 is never a valid id
		tm.nextID = 1
	}
	tm.active[id] = &Transaction{ID: id, State: TxnActive, ReadSet: make(map[string]struct{}), WriteSet: make(map[string]struct{})}
	tm.mu.Unlock()

	if err := tm.wal.LogBegin(id, nowMillis()); err != nil {
		tm.mu.Lock()
		delete(tm.active, id)
		tm.mu.Unlock()
		return InvalidTxnID, err
	}

	if tm.counters != nil {
		tm.counters.IncTxn()
	}
	tm.log.Debug().Uint64("txn", id).Msg("began transaction")
	return id, nil
}

// requireActive validates txnID is known and Active. The transaction
// mutex is held only for the duration of this check.
func (tm *TransactionManager) requireActive(txnID uint64) (*Transaction, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	t, ok := tm.active[txnID]
	if !ok {
		return nil, common.NewError(common.ErrCodeTransactionNotFound, common.ErrTransactionNotFound)
	}
	if t.State != TxnActive {
		return nil, common.NewError(common.ErrCodeTransactionNotActive, common.ErrTransactionNotActive)
	}
	return t, nil
}

// Put acquires an exclusive lock on key, appends the write to the WAL
// (made durable by Commit's flush), applies it to storage, and records
// key in the transaction's write set.
func (tm *TransactionManager) Put(txnID uint64, key, value []byte) error {
	if _, err := tm.requireActive(txnID); err != nil {
		return err
	}

	if err := tm.locks.Acquire(txnID, string(key), LockExclusive); err != nil {
		return err
	}
	if err := tm.wal.LogPut(txnID, nowMillis(), key, value); err != nil {
		return err
	}
	if err := tm.store.Put(key, value); err != nil {
		return err
	}

	tm.mu.Lock()
	if t, ok := tm.active[txnID]; ok {
		t.WriteSet[string(key)] = struct{}{}
	}
	tm.mu.Unlock()

	if tm.counters != nil {
		tm.counters.IncPut()
	}
	return nil
}

// Get acquires a shared lock on key and returns its value. A miss is not
// an error; found is false.
func (tm *TransactionManager) Get(txnID uint64, key []byte) (value []byte, found bool, err error) {
	if _, err := tm.requireActive(txnID); err != nil {
		return nil, false, err
	}

	if err := tm.locks.Acquire(txnID, string(key), LockShared); err != nil {
		return nil, false, err
	}

	value, found, err = tm.store.Get(key)
	if err != nil {
		return nil, false, err
	}
	if found {
		tm.mu.Lock()
		if t, ok := tm.active[txnID]; ok {
			t.ReadSet[string(key)] = struct{}{}
		}
		tm.mu.Unlock()
	}

	if tm.counters != nil {
		tm.counters.IncGet()
	}
	return value, found, nil
}

// Delete acquires an exclusive lock on key, logs the delete, and applies
// it. A missing key returns found=false without aborting the transaction.
func (tm *TransactionManager) Delete(txnID uint64, key []byte) (found bool, err error) {
	if _, err := tm.requireActive(txnID); err != nil {
		return false, err
	}

	if err := tm.locks.Acquire(txnID, string(key), LockExclusive); err != nil {
		return false, err
	}
	if err := tm.wal.LogDelete(txnID, nowMillis(), key); err != nil {
		return false, err
	}

	found, err = tm.store.Delete(key)
	if err != nil {
		return false, err
	}

	tm.mu.Lock()
	if t, ok := tm.active[txnID]; ok {
		t.WriteSet[string(key)] = struct{}{}
	}
	tm.mu.Unlock()

	if tm.counters != nil {
		tm.counters.IncDelete()
	}
	return found, nil
}

// Commit durably logs COMMIT, flushes dirty pages, releases every lock
// held by txnID and marks it Committed. A WAL failure leaves the
// transaction Active (the caller may retry commit or abort); a pager
// flush failure after a durable COMMIT forces the transaction to
// Aborted, since the WAL already records it as committed and a later
// replay would redo its writes regardless of what the caller does next.
func (tm *TransactionManager) Commit(txnID uint64) error {
	t, err := tm.requireActive(txnID)
	if err != nil {
		return err
	}

	if err := tm.wal.LogCommit(txnID, nowMillis()); err != nil {
		return err
	}
	if err := tm.wal.Flush(); err != nil {
		return err
	}

	if err := tm.pager.Flush(); err != nil {
		tm.locks.ReleaseAll(txnID)
		tm.mu.Lock()
		t.State = TxnAborted
		delete(tm.active, txnID)
		tm.mu.Unlock()
		if tm.counters != nil {
			tm.counters.IncAbort()
		}
		tm.log.Warn().Uint64("txn", txnID).Err(err).Msg("storage flush failed after durable commit, forcing abort")
		return err
	}

	tm.locks.ReleaseAll(txnID)
	tm.mu.Lock()
	t.State = TxnCommitted
	delete(tm.active, txnID)
	tm.mu.Unlock()

	if tm.counters != nil {
		tm.counters.IncCommit()
	}
	tm.log.Debug().Uint64("txn", txnID).Msg("committed transaction")
	return nil
}

// Abort logs ABORT, releases every lock held by txnID, and marks it
// Aborted. No rollback of storage is performed: writes the transaction
// already applied stay in the pages, are visible to later transactions,
// and reach the database file on the next pager flush. Replay on the
// next open re-applies only entries covered by a COMMIT; it does not
// undo a write that already reached the file.
func (tm *TransactionManager) Abort(txnID uint64) error {
	t, err := tm.requireActive(txnID)
	if err != nil {
		return err
	}

	if err := tm.wal.LogAbort(txnID, nowMillis()); err != nil {
		return err
	}

	tm.locks.ReleaseAll(txnID)
	tm.mu.Lock()
	t.State = TxnAborted
	delete(tm.active, txnID)
	tm.mu.Unlock()

	if tm.counters != nil {
		tm.counters.IncAbort()
	}
	tm.log.Debug().Uint64("txn", txnID).Msg("aborted transaction")
	return nil
}

// ActiveTransactions returns a snapshot of every currently active
// transaction's id and state.
func (tm *TransactionManager) ActiveTransactions() []Transaction {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	out := make([]Transaction, 0, len(tm.active))
	for _, t := range tm.active {
		out = append(out, Transaction{ID: t.ID, State: t.State})
	}
	return out
}
