package storage

import (
	"sort"
	"sync"

	"github.com/ruskaruma/stonedb/common"
)

// RecordStore layers the slotted per-page record layout over a Pager: it
// keeps a key-to-page hint index and decides where new records land.
// The hint index is rebuilt by walking every allocated page on Open; it
// is never treated as a source of truth afterward — a miss on the
// hinted page always falls back to a linear scan, which also repairs
// the hint.
type RecordStore struct {
	pager *Pager

	mu        sync.Mutex
	keyIndex  map[string]PageID
	allocated []PageID // canonical roster, increasing page id order

	counters *common.Counters
}

// OpenRecordStore reconstructs a RecordStore's hint index and allocated
// page roster from pager's current contents: every page in
// [1, pageCount) that isn't on the free-list is walked for live slots.
func OpenRecordStore(pager *Pager, counters *common.Counters) (*RecordStore, error) {
	rs := &RecordStore{
		pager:    pager,
		keyIndex: make(map[string]PageID),
		counters: counters,
	}

	free, err := pager.FreeListIDs()
	if err != nil {
		return nil, err
	}
	freeSet := make(map[PageID]bool, len(free))
	for _, id := range free {
		freeSet[id] = true
	}

	pageSize := pager.PageSize()
	buf := make([]byte, pageSize)
	for id := PageID(1); id < PageID(pager.PageCount()); id++ {
		if freeSet[id] {
			continue
		}
		if err := pager.Read(id, buf); err != nil {
			return nil, err
		}
		rs.allocated = append(rs.allocated, id)
		ScanPage(buf, func(key, value []byte) {
			k := make([]byte, len(key))
			copy(k, key)
			rs.keyIndex[string(k)] = id
		})
	}
	sort.Slice(rs.allocated, func(i, j int) bool { return rs.allocated[i] < rs.allocated[j] })

	return rs, nil
}

// locate finds the page currently holding key's live slot, preferring
// the hint but falling back to (and repairing from) a linear scan.
func (rs *RecordStore) locate(key []byte) (PageID, []byte, bool, error) {
	ks := string(key)
	pageSize := rs.pager.PageSize()

	if hint, ok := rs.keyIndex[ks]; ok {
		buf := make([]byte, pageSize)
		if err := rs.pager.Read(hint, buf); err != nil {
			return 0, nil, false, err
		}
		if _, ok := findLivePage(buf, key); ok {
			return hint, buf, true, nil
		}
		delete(rs.keyIndex, ks)
	}

	for _, id := range rs.allocated {
		buf := make([]byte, pageSize)
		if err := rs.pager.Read(id, buf); err != nil {
			return 0, nil, false, err
		}
		if _, ok := findLivePage(buf, key); ok {
			rs.keyIndex[ks] = id
			return id, buf, true, nil
		}
	}
	return 0, nil, false, nil
}

// Put places key/value following the placement policy: the hint page
// first, then existing allocated pages in increasing id order, then a
// freshly allocated page. The first page with enough room wins.
func (rs *RecordStore) Put(key, value []byte) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	pageSize := rs.pager.PageSize()
	ks := string(key)

	if id, buf, found, err := rs.locate(key); err != nil {
		return err
	} else if found {
		result, err := PutIntoPage(buf, key, value)
		if err != nil {
			return err
		}
		if werr := rs.pager.Write(id, buf); werr != nil {
			return werr
		}
		if result == PutOK {
			rs.keyIndex[ks] = id
			return nil
		}
		// The old slot was tombstoned as part of the failed in-place
		// attempt (grown value, or an unrepresentable shrink gap); fall
		// through to the general insertion search below.
		delete(rs.keyIndex, ks)
	}

	tried := make(map[PageID]bool)
	if hint, ok := rs.keyIndex[ks]; ok {
		tried[hint] = true
	}

	for _, id := range rs.allocated {
		if tried[id] {
			continue
		}
		tried[id] = true
		buf := make([]byte, pageSize)
		if err := rs.pager.Read(id, buf); err != nil {
			return err
		}
		result, err := PutIntoPage(buf, key, value)
		if err != nil {
			if err == common.ErrNoSpace {
				continue
			}
			if se, ok := err.(*common.StoneError); ok && se.Code == common.ErrCodeNoSpace {
				continue
			}
			return err
		}
		if result == PutOK {
			if werr := rs.pager.Write(id, buf); werr != nil {
				return werr
			}
			rs.keyIndex[ks] = id
			return nil
		}
	}

	newID, err := rs.pager.Allocate()
	if err != nil {
		return err
	}
	buf := make([]byte, pageSize)
	result, err := PutIntoPage(buf, key, value)
	if err != nil {
		return err
	}
	if result != PutOK {
		return common.NewError(common.ErrCodeNoSpace, nil)
	}
	if err := rs.pager.Write(newID, buf); err != nil {
		return err
	}
	rs.allocated = append(rs.allocated, newID)
	sort.Slice(rs.allocated, func(i, j int) bool { return rs.allocated[i] < rs.allocated[j] })
	rs.keyIndex[ks] = newID
	return nil
}

// Get returns the value for key and true if a live slot exists.
func (rs *RecordStore) Get(key []byte) ([]byte, bool, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	_, buf, found, err := rs.locate(key)
	if err != nil || !found {
		return nil, false, err
	}
	v, ok := GetFromPage(buf, key)
	return v, ok, nil
}

// Delete tombstones key's live slot, if any, and returns whether one was
// found.
func (rs *RecordStore) Delete(key []byte) (bool, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	id, buf, found, err := rs.locate(key)
	if err != nil || !found {
		return false, err
	}
	if !DeleteFromPage(buf, key) {
		return false, nil
	}
	if err := rs.pager.Write(id, buf); err != nil {
		return false, err
	}
	delete(rs.keyIndex, string(key))
	return true, nil
}

// Scan calls visit for every live key/value pair across all allocated
// pages, in page-id then slot order.
func (rs *RecordStore) Scan(visit func(key, value []byte)) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	pageSize := rs.pager.PageSize()
	buf := make([]byte, pageSize)
	for _, id := range rs.allocated {
		if err := rs.pager.Read(id, buf); err != nil {
			return err
		}
		ScanPage(buf, visit)
	}
	return nil
}

// KeyCount returns the number of keys currently indexed. It is a hint
// count (it reflects the index, not a fresh scan) — cheap for Stats.
func (rs *RecordStore) KeyCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.keyIndex)
}
