package storage

import (
	"sync"

	"github.com/ruskaruma/stonedb/common"
)

// LockMode is a lock's acquisition mode on a key.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

func (m LockMode) String() string {
	if m == LockExclusive {
		return "X"
	}
	return "S"
}

// waiter is one pending request in a key's FIFO queue. ready is set by
// the holder of LockManager.mu once the request is granted; aborted is
// set when deadlock-victim selection revokes the wait.
type waiter struct {
	txnID   uint64
	mode    LockMode
	ready   bool
	aborted bool
}

// keyState is the per-key lock table entry: the granted-holder set and
// the FIFO queue of pending requests, plus which txn (if any) is
// currently waiting to upgrade its shared hold to exclusive.
type keyState struct {
	holders    map[uint64]LockMode
	waitQueue  []*waiter
	upgrading  uint64 // 0 means no pending upgrade on this key
}

// LockManager implements per-key two-phase locking with shared/exclusive
// compatibility, FIFO-with-compatibility grant scanning, explicit
// upgrade semantics, and waits-for-graph deadlock detection. All state
// mutation and waiting happens behind one mutex and one condition
// variable, matching the "release never blocks" discipline of §5.
type LockManager struct {
	mu   sync.Mutex
	cond *sync.Cond

	table     map[string]*keyState
	heldKeys  map[uint64]map[string]LockMode
	waitingOn map[uint64]string // txn -> key it is currently blocked on

	counters *common.Counters
}

// NewLockManager constructs an empty lock manager. counters may be nil.
func NewLockManager(counters *common.Counters) *LockManager {
	lm := &LockManager{
		table:     make(map[string]*keyState),
		heldKeys:  make(map[uint64]map[string]LockMode),
		waitingOn: make(map[uint64]string),
		counters:  counters,
	}
	lm.cond = sync.NewCond(&lm.mu)
	return lm
}

func (lm *LockManager) getOrCreateKey(key string) *keyState {
	ks, ok := lm.table[key]
	if !ok {
		ks = &keyState{holders: make(map[uint64]LockMode)}
		lm.table[key] = ks
	}
	return ks
}

func compatible(holders map[uint64]LockMode, txnID uint64, mode LockMode) bool {
	for id, m := range holders {
		if id == txnID {
			continue
		}
		if mode == LockShared && m == LockShared {
			continue
		}
		return false
	}
	return true
}

// tryGrant grants contiguous compatible requests from the head of the
// queue. Must be called with lm.mu held.
func (lm *LockManager) tryGrant(ks *keyState) {
	for len(ks.waitQueue) > 0 {
		head := ks.waitQueue[0]
		if head.aborted {
			ks.waitQueue = ks.waitQueue[1:]
			continue
		}
		if !compatible(ks.holders, head.txnID, head.mode) {
			break
		}
		ks.holders[head.txnID] = head.mode
		head.ready = true
		ks.waitQueue = ks.waitQueue[1:]
	}
}

// Acquire blocks until txnID holds mode on key, or returns
// common.ErrDeadlockDetected if this acquire was chosen (or is) a
// deadlock victim. The caller must abort the transaction on that error.
func (lm *LockManager) Acquire(txnID uint64, key string, mode LockMode) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	ks := lm.getOrCreateKey(key)

	if existing, held := ks.holders[txnID]; held {
		if existing == LockExclusive || mode == LockShared {
			return nil
		}
		return lm.acquireUpgrade(txnID, key, ks)
	}

	w := &waiter{txnID: txnID, mode: mode}
	ks.waitQueue = append(ks.waitQueue, w)
	lm.waitingOn[txnID] = key
	lm.tryGrant(ks)

	if !w.ready && lm.hasDeadlockLocked(txnID) {
		lm.removeWaiterLocked(ks, w)
		delete(lm.waitingOn, txnID)
		if lm.counters != nil {
			lm.counters.IncDeadlock()
		}
		return common.NewError(common.ErrCodeDeadlockDetected, common.ErrDeadlockDetected)
	}

	for !w.ready && !w.aborted {
		if lm.counters != nil {
			lm.counters.IncLockWait()
		}
		lm.cond.Wait()
	}

	delete(lm.waitingOn, txnID)
	if w.aborted {
		return common.NewError(common.ErrCodeDeadlockDetected, common.ErrDeadlockDetected)
	}

	if lm.heldKeys[txnID] == nil {
		lm.heldKeys[txnID] = make(map[string]LockMode)
	}
	lm.heldKeys[txnID][key] = mode
	return nil
}

// acquireUpgrade implements the S->X upgrade state machine of §4.5. Must
// be called with lm.mu held; the txn is known to already hold S on key.
func (lm *LockManager) acquireUpgrade(txnID uint64, key string, ks *keyState) error {
	if len(ks.holders) == 1 {
		ks.holders[txnID] = LockExclusive
		lm.heldKeys[txnID][key] = LockExclusive
		return nil
	}

	if ks.upgrading != 0 && ks.upgrading != txnID {
		// Two concurrent upgrade requests on the same key is a guaranteed
		// deadlock; abort the younger (higher-id) of the two.
		if txnID > ks.upgrading {
			if lm.counters != nil {
				lm.counters.IncDeadlock()
			}
			return common.NewError(common.ErrCodeDeadlockDetected, common.ErrDeadlockDetected)
		}
		for _, w := range ks.waitQueue {
			if w.txnID == ks.upgrading {
				w.aborted = true
			}
		}
		ks.upgrading = txnID
		lm.cond.Broadcast()
	} else {
		ks.upgrading = txnID
	}

	w := &waiter{txnID: txnID, mode: LockExclusive}
	ks.waitQueue = append(ks.waitQueue, w)
	lm.waitingOn[txnID] = key

	for {
		if len(ks.holders) == 1 {
			ks.holders[txnID] = LockExclusive
			lm.removeWaiterLocked(ks, w)
			delete(lm.waitingOn, txnID)
			if ks.upgrading == txnID {
				ks.upgrading = 0
			}
			lm.heldKeys[txnID][key] = LockExclusive
			lm.cond.Broadcast()
			return nil
		}
		if w.aborted {
			lm.removeWaiterLocked(ks, w)
			delete(lm.waitingOn, txnID)
			if ks.upgrading == txnID {
				ks.upgrading = 0
			}
			if lm.counters != nil {
				lm.counters.IncDeadlock()
			}
			return common.NewError(common.ErrCodeDeadlockDetected, common.ErrDeadlockDetected)
		}
		if lm.counters != nil {
			lm.counters.IncLockWait()
		}
		lm.cond.Wait()
	}
}

func (lm *LockManager) removeWaiterLocked(ks *keyState, target *waiter) {
	for i, w := range ks.waitQueue {
		if w == target {
			ks.waitQueue = append(ks.waitQueue[:i], ks.waitQueue[i+1:]...)
			return
		}
	}
}

// Release drops txnID's grant (and any pending request) on key.
func (lm *LockManager) Release(txnID uint64, key string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.releaseLocked(txnID, key)
	lm.cond.Broadcast()
}

func (lm *LockManager) releaseLocked(txnID uint64, key string) {
	ks, ok := lm.table[key]
	if !ok {
		return
	}
	delete(ks.holders, txnID)

	filtered := ks.waitQueue[:0]
	for _, w := range ks.waitQueue {
		if w.txnID != txnID {
			filtered = append(filtered, w)
		}
	}
	ks.waitQueue = filtered
	if ks.upgrading == txnID {
		ks.upgrading = 0
	}

	if locks, ok := lm.heldKeys[txnID]; ok {
		delete(locks, key)
	}

	if len(ks.holders) == 0 && len(ks.waitQueue) == 0 {
		delete(lm.table, key)
		return
	}
	lm.tryGrant(ks)
}

// ReleaseAll drops every lock txnID holds. Never blocks.
func (lm *LockManager) ReleaseAll(txnID uint64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	keys := make([]string, 0, len(lm.heldKeys[txnID]))
	for k := range lm.heldKeys[txnID] {
		keys = append(keys, k)
	}
	for _, k := range keys {
		lm.releaseLocked(txnID, k)
	}
	delete(lm.heldKeys, txnID)
	delete(lm.waitingOn, txnID)
	lm.cond.Broadcast()
}

// waitsForNeighbors returns the transactions holding key incompatibly
// with the mode txnID is itself waiting for, i.e. the out-edges of
// txnID in the waits-for graph. Must be called with lm.mu held.
func (lm *LockManager) waitsForNeighbors(txnID uint64) []uint64 {
	key, ok := lm.waitingOn[txnID]
	if !ok {
		return nil
	}
	ks := lm.table[key]
	if ks == nil {
		return nil
	}
	var mode LockMode
	found := false
	for _, w := range ks.waitQueue {
		if w.txnID == txnID {
			mode = w.mode
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	var out []uint64
	for holder, holderMode := range ks.holders {
		if holder == txnID {
			continue
		}
		if mode == LockShared && holderMode == LockShared {
			continue
		}
		out = append(out, holder)
	}
	return out
}

// hasDeadlockLocked runs DFS with a recursion stack over the waits-for
// graph computed on demand from the per-key queues, starting at start.
// Must be called with lm.mu held.
func (lm *LockManager) hasDeadlockLocked(start uint64) bool {
	visited := make(map[uint64]bool)
	onStack := make(map[uint64]bool)

	var dfs func(uint64) bool
	dfs = func(cur uint64) bool {
		if onStack[cur] {
			return true
		}
		if visited[cur] {
			return false
		}
		visited[cur] = true
		onStack[cur] = true
		for _, next := range lm.waitsForNeighbors(cur) {
			if dfs(next) {
				return true
			}
		}
		onStack[cur] = false
		return false
	}

	return dfs(start)
}
