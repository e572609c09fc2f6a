// Package storage implements the paged file, write-ahead log, lock
// manager and transaction coordinator of an embedded key-value store.
package storage

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/ruskaruma/stonedb/common"
)

// PageID identifies a fixed-size page within a database file. Page 0 is
// reserved for the header; ids handed to callers are always >= 1.
type PageID uint64

const (
	// Magic is the database file's magic number (ASCII-ish "SDB1").
	Magic uint32 = 0x53444231
	// Version is the only on-disk format version this package writes.
	Version uint32 = 1

	// HeaderSize is the fixed size of the reserved header region at the
	// start of the database file.
	HeaderSize = 32

	// MinPageSize is the smallest page size Open will accept.
	MinPageSize = 512

	// DefaultPageSize is used by callers that don't care.
	DefaultPageSize = 4096

	// DefaultCacheSize is the default page-cache capacity in pages.
	DefaultCacheSize = 256
)

// header is the 32-byte on-disk file header. Field order and widths
// match the wire layout exactly; see writeTo/readFrom.
type header struct {
	magic        uint32
	version      uint32
	pageSize     uint32
	_pad         uint32
	pageCount    uint64
	freelistHead int64 // -1 when the free-list is empty
}

func (h *header) writeTo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.version)
	binary.LittleEndian.PutUint32(buf[8:12], h.pageSize)
	binary.LittleEndian.PutUint32(buf[12:16], h._pad)
	binary.LittleEndian.PutUint64(buf[16:24], h.pageCount)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.freelistHead))
}

func (h *header) readFrom(buf []byte) {
	h.magic = binary.LittleEndian.Uint32(buf[0:4])
	h.version = binary.LittleEndian.Uint32(buf[4:8])
	h.pageSize = binary.LittleEndian.Uint32(buf[8:12])
	h._pad = binary.LittleEndian.Uint32(buf[12:16])
	h.pageCount = binary.LittleEndian.Uint64(buf[16:24])
	h.freelistHead = int64(binary.LittleEndian.Uint64(buf[24:32]))
}

// cachedPage is one page's cached bytes plus its dirty flag.
type cachedPage struct {
	id    PageID
	data  []byte
	dirty bool
}

// Pager owns the database file descriptor, the header, the free-list
// allocator and a bounded page cache with LRU eviction. All page-cache
// and file operations are serialized behind mu.
type Pager struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	header   header
	cache    map[PageID]*cachedPage
	lru      *list.List
	lruElems map[PageID]*list.Element
	cacheCap int
	closed   bool

	counters *common.Counters
}

// OpenPager opens path, creating it (with a fresh header and a zeroed
// page 0) if createIfMissing is true and the file doesn't exist. On open
// of an existing file, pageSize is ignored in favor of the value stored
// in the header. counters may be nil, in which case cache-hit/miss
// accounting is skipped.
func OpenPager(path string, createIfMissing bool, pageSize uint32, cacheCap int, counters *common.Counters) (*Pager, error) {
	if cacheCap <= 0 {
		cacheCap = DefaultCacheSize
	}

	_, statErr := os.Stat(path)
	exists := statErr == nil

	var file *os.File
	var err error
	if exists {
		file, err = os.OpenFile(path, os.O_RDWR, 0644)
	} else if createIfMissing {
		file, err = os.Create(path)
	} else {
		return nil, common.NewError(common.ErrCodeFileNotFound, common.ErrFileNotFound)
	}
	if err != nil {
		return nil, common.NewError(common.ErrCodeFileOpenFailed, err)
	}

	p := &Pager{
		file:     file,
		path:     path,
		cache:    make(map[PageID]*cachedPage),
		lru:      list.New(),
		lruElems: make(map[PageID]*list.Element),
		cacheCap: cacheCap,
		counters: counters,
	}

	if exists {
		if err := p.loadHeader(); err != nil {
			file.Close()
			return nil, err
		}
	} else {
		if pageSize < MinPageSize {
			pageSize = DefaultPageSize
		}
		p.header = header{
			magic:        Magic,
			version:      Version,
			pageSize:     pageSize,
			pageCount:    1, // page 0 is the header page
			freelistHead: -1,
		}
		if err := p.writeHeaderLocked(); err != nil {
			file.Close()
			return nil, err
		}
		if err := p.file.Truncate(int64(pageSize)); err != nil {
			file.Close()
			return nil, common.NewError(common.ErrCodeFileWriteError, err)
		}
	}

	return p, nil
}

func (p *Pager) loadHeader() error {
	buf := make([]byte, HeaderSize)
	n, err := p.file.ReadAt(buf, 0)
	if err != nil || n != HeaderSize {
		return common.NewError(common.ErrCodeCorruptHeader, fmt.Errorf("short header read"))
	}
	p.header.readFrom(buf)
	if p.header.magic != Magic || p.header.version != Version {
		return common.NewError(common.ErrCodeCorruptHeader, fmt.Errorf("magic/version mismatch"))
	}
	if p.header.pageSize < MinPageSize {
		return common.NewError(common.ErrCodeCorruptHeader, fmt.Errorf("page size %d below minimum", p.header.pageSize))
	}
	return nil
}

// writeHeaderLocked rewrites the header page. Called with mu held.
func (p *Pager) writeHeaderLocked() error {
	buf := make([]byte, HeaderSize)
	p.header.writeTo(buf)
	if _, err := p.file.WriteAt(buf, 0); err != nil {
		return common.NewError(common.ErrCodeFileWriteError, err)
	}
	return nil
}

// PageSize returns the fixed page size for this file.
func (p *Pager) PageSize() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header.pageSize
}

// PageCount returns the total number of pages, including page 0.
func (p *Pager) PageCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header.pageCount
}

func (p *Pager) offsetOf(id PageID) int64 {
	return int64(id) * int64(p.header.pageSize)
}

// Allocate returns a reused page id from the free-list if one is
// available, otherwise extends the file by one page. The returned page's
// content is undefined; callers must overwrite it before reading it
// semantically.
func (p *Pager) Allocate() (PageID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, common.NewError(common.ErrCodeStorageError, fmt.Errorf("pager closed"))
	}

	if p.header.freelistHead != -1 {
		id := PageID(p.header.freelistHead)
		next, err := p.readFreelistLinkLocked(id)
		if err != nil {
			return 0, err
		}
		p.header.freelistHead = next
		if err := p.writeHeaderLocked(); err != nil {
			return 0, err
		}
		return id, nil
	}

	id := PageID(p.header.pageCount)
	p.header.pageCount++
	if err := p.file.Truncate(p.offsetOf(id) + int64(p.header.pageSize)); err != nil {
		p.header.pageCount--
		return 0, common.NewError(common.ErrCodeFileWriteError, err)
	}
	if err := p.writeHeaderLocked(); err != nil {
		return 0, err
	}
	return id, nil
}

// readFreelistLinkLocked reads the next-pointer stored in a freed page's
// first 8 bytes. Called with mu held.
func (p *Pager) readFreelistLinkLocked(id PageID) (int64, error) {
	if cp, ok := p.cache[id]; ok {
		return int64(binary.LittleEndian.Uint64(cp.data[0:8])), nil
	}
	buf := make([]byte, 8)
	if _, err := p.file.ReadAt(buf, p.offsetOf(id)); err != nil {
		return 0, common.NewError(common.ErrCodeFileReadError, err)
	}
	return int64(binary.LittleEndian.Uint64(buf)), nil
}

// Free links id into the free-list head, writing the prior head into the
// page's first 8 bytes.
func (p *Pager) Free(id PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id == 0 || uint64(id) >= p.header.pageCount {
		return common.NewError(common.ErrCodeBadPageID, fmt.Errorf("page id %d out of range", id))
	}

	link := make([]byte, p.header.pageSize)
	binary.LittleEndian.PutUint64(link[0:8], uint64(p.header.freelistHead))
	if _, err := p.file.WriteAt(link, p.offsetOf(id)); err != nil {
		return common.NewError(common.ErrCodeFileWriteError, err)
	}

	// The cached copy, if any, no longer reflects a live record page; drop
	// it rather than let a later read serve stale content.
	p.evictFromCacheLocked(id)

	p.header.freelistHead = int64(id)
	return p.writeHeaderLocked()
}

func (p *Pager) evictFromCacheLocked(id PageID) {
	if elem, ok := p.lruElems[id]; ok {
		p.lru.Remove(elem)
		delete(p.lruElems, id)
	}
	delete(p.cache, id)
}

// Read copies page id's bytes into buf, which must have length
// PageSize().
func (p *Pager) Read(id PageID, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if uint32(len(buf)) != p.header.pageSize {
		return common.NewError(common.ErrCodeSizeMismatch, fmt.Errorf("buffer len %d != page size %d", len(buf), p.header.pageSize))
	}
	if id == 0 || uint64(id) >= p.header.pageCount {
		return common.NewError(common.ErrCodeBadPageID, fmt.Errorf("page id %d out of range", id))
	}

	if cp, ok := p.cache[id]; ok {
		copy(buf, cp.data)
		if elem, ok := p.lruElems[id]; ok {
			p.lru.MoveToFront(elem)
		}
		if p.counters != nil {
			p.counters.IncCacheHit()
		}
		return nil
	}

	if p.counters != nil {
		p.counters.IncCacheMiss()
	}

	data := make([]byte, p.header.pageSize)
	if _, err := p.file.ReadAt(data, p.offsetOf(id)); err != nil {
		return common.NewError(common.ErrCodeFileReadError, err)
	}
	copy(buf, data)
	p.addToCacheLocked(&cachedPage{id: id, data: data})
	return nil
}

// Write copies buf (which must have length PageSize()) into the cache for
// page id and marks it dirty. Persistence happens on Flush, Sync, or
// eviction of a dirty page.
func (p *Pager) Write(id PageID, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if uint32(len(buf)) != p.header.pageSize {
		return common.NewError(common.ErrCodeSizeMismatch, fmt.Errorf("buffer len %d != page size %d", len(buf), p.header.pageSize))
	}
	if id == 0 || uint64(id) >= p.header.pageCount {
		return common.NewError(common.ErrCodeBadPageID, fmt.Errorf("page id %d out of range", id))
	}

	if cp, ok := p.cache[id]; ok {
		copy(cp.data, buf)
		cp.dirty = true
		if elem, ok := p.lruElems[id]; ok {
			p.lru.MoveToFront(elem)
		}
		return nil
	}

	data := make([]byte, p.header.pageSize)
	copy(data, buf)
	p.addToCacheLocked(&cachedPage{id: id, data: data, dirty: true})
	return nil
}

// addToCacheLocked inserts cp into the cache, evicting per policy first
// if the cache is already at capacity. Called with mu held.
func (p *Pager) addToCacheLocked(cp *cachedPage) {
	if len(p.cache) >= p.cacheCap {
		p.evictOneLocked()
	}
	p.cache[cp.id] = cp
	elem := p.lru.PushFront(cp.id)
	p.lruElems[cp.id] = elem
}

// evictOneLocked evicts the least-recently-used clean page; if every
// cached page is dirty, it flushes the least-recently-used one to disk
// first and evicts that.
func (p *Pager) evictOneLocked() {
	for e := p.lru.Back(); e != nil; e = e.Prev() {
		id := e.Value.(PageID)
		if cp := p.cache[id]; cp != nil && !cp.dirty {
			p.lru.Remove(e)
			delete(p.lruElems, id)
			delete(p.cache, id)
			return
		}
	}

	e := p.lru.Back()
	if e == nil {
		return
	}
	id := e.Value.(PageID)
	cp := p.cache[id]
	if cp != nil {
		_ = p.flushPageLocked(cp)
	}
	p.lru.Remove(e)
	delete(p.lruElems, id)
	delete(p.cache, id)
}

func (p *Pager) flushPageLocked(cp *cachedPage) error {
	if !cp.dirty {
		return nil
	}
	if _, err := p.file.WriteAt(cp.data, p.offsetOf(cp.id)); err != nil {
		return common.NewError(common.ErrCodeFileWriteError, err)
	}
	cp.dirty = false
	return nil
}

// Flush writes every dirty cached page to disk without fsyncing.
func (p *Pager) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushAllLocked()
}

func (p *Pager) flushAllLocked() error {
	for _, cp := range p.cache {
		if err := p.flushPageLocked(cp); err != nil {
			return err
		}
	}
	return nil
}

// Sync flushes all dirty pages, rewrites the header, and fsyncs the file.
func (p *Pager) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.flushAllLocked(); err != nil {
		return err
	}
	if err := p.writeHeaderLocked(); err != nil {
		return err
	}
	if err := p.file.Sync(); err != nil {
		return common.NewError(common.ErrCodeFileWriteError, err)
	}
	return nil
}

// Close flushes best-effort and closes the underlying file. Close is
// idempotent.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	_ = p.flushAllLocked()
	_ = p.writeHeaderLocked()
	_ = p.file.Sync()
	err := p.file.Close()
	p.closed = true
	if err != nil {
		return common.NewError(common.ErrCodeFileWriteError, err)
	}
	return nil
}

// Path returns the path this pager was opened against.
func (p *Pager) Path() string { return p.path }

// FreeListIDs returns every page id currently on the free-list, in list
// order (head first). Used to reconstruct the allocated-pages roster on
// open, since the roster itself isn't persisted.
func (p *Pager) FreeListIDs() ([]PageID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []PageID
	cur := p.header.freelistHead
	seen := make(map[PageID]bool)
	for cur != -1 {
		id := PageID(cur)
		if seen[id] {
			return nil, common.NewError(common.ErrCodeCorruptHeader, fmt.Errorf("free-list cycle at page %d", id))
		}
		seen[id] = true
		ids = append(ids, id)
		next, err := p.readFreelistLinkLocked(id)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return ids, nil
}
