package pagemanager

import (
	"sync"
)

// --- Page Management ---

// PageSize is the fixed size of every page in the database file.
const PageSize = 1 << 13

// Page represents an in-memory copy of a disk page. It is owned by the
// PageCache; holders obtained it from GetPage and must hand it back with
// Release.
type Page struct {
	pgno    int
	data    []byte
	isDirty bool
	// latch protects the in-memory contents of this specific page.
	latch sync.Mutex
	pc    *PageCache
}

// NewPage creates a new Page instance over data.
func NewPage(pgno int, data []byte, pc *PageCache) *Page {
	return &Page{
		pgno: pgno,
		data: data,
		pc:   pc,
	}
}

func (p *Page) GetPageNumber() int { return p.pgno }
func (p *Page) GetData() []byte    { return p.data }

func (p *Page) IsDirty() bool {
	p.latch.Lock()
	defer p.latch.Unlock()
	return p.isDirty
}

func (p *Page) SetDirty(dirty bool) {
	p.latch.Lock()
	p.isDirty = dirty
	p.latch.Unlock()
}

// Lock acquires the page latch. It serializes free-space-offset updates.
func (p *Page) Lock() { p.latch.Lock() }

// Unlock releases the page latch.
func (p *Page) Unlock() { p.latch.Unlock() }

// Release hands the page back to its cache.
func (p *Page) Release() error {
	if p.pc == nil {
		return nil
	}
	return p.pc.Release(p)
}
