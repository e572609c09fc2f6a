package common

import "sync/atomic"

// Stats holds the counters the operational shell's `stats` command
// reports. Fields are plain int64s snapshotted by Engine.Stats(); the
// live counters backing them are atomic.Int64 (see Counters below) so
// concurrent transactions never race updating them.
type Stats struct {
	NumKeys     int64
	PageCount   int64
	FreePages   int64

	TxnCount     int64
	CommitCount  int64
	AbortCount   int64
	PutCount     int64
	GetCount     int64
	DeleteCount  int64
	LockWaits    int64
	Deadlocks    int64

	CacheHits   int64
	CacheMisses int64
}

// CacheHitRatio returns hits/(hits+misses), or 0 when there has been no
// cache activity yet.
func (s Stats) CacheHitRatio() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// Counters is the set of atomic counters shared by the Pager, the lock
// manager and the transaction manager. It is the engine-internal
// collaborator that Stats snapshots from; the engine never imports a
// "statistics" package, it only exposes these counters for one to read.
type Counters struct {
	txnCount    atomic.Int64
	commitCount atomic.Int64
	abortCount  atomic.Int64
	putCount    atomic.Int64
	getCount    atomic.Int64
	deleteCount atomic.Int64
	lockWaits   atomic.Int64
	deadlocks   atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
}

func (c *Counters) IncTxn()      { c.txnCount.Add(1) }
func (c *Counters) IncCommit()   { c.commitCount.Add(1) }
func (c *Counters) IncAbort()    { c.abortCount.Add(1) }
func (c *Counters) IncPut()      { c.putCount.Add(1) }
func (c *Counters) IncGet()      { c.getCount.Add(1) }
func (c *Counters) IncDelete()   { c.deleteCount.Add(1) }
func (c *Counters) IncLockWait() { c.lockWaits.Add(1) }
func (c *Counters) IncDeadlock() { c.deadlocks.Add(1) }
func (c *Counters) IncCacheHit() { c.cacheHits.Add(1) }
func (c *Counters) IncCacheMiss() { c.cacheMisses.Add(1) }

// Snapshot fills in the transaction/lock/cache fields of a Stats value;
// callers add the storage-specific fields (NumKeys, PageCount, FreePages)
// themselves since Counters doesn't know about page layout.
func (c *Counters) Snapshot() Stats {
	return Stats{
		TxnCount:    c.txnCount.Load(),
		CommitCount: c.commitCount.Load(),
		AbortCount:  c.abortCount.Load(),
		PutCount:    c.putCount.Load(),
		GetCount:    c.getCount.Load(),
		DeleteCount: c.deleteCount.Load(),
		LockWaits:   c.lockWaits.Load(),
		Deadlocks:   c.deadlocks.Load(),
		CacheHits:   c.cacheHits.Load(),
		CacheMisses: c.cacheMisses.Load(),
	}
}
