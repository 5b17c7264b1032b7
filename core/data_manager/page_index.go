package datamanager

import (
	"sync"

	pagemanager "github.com/suxiao1228/mydb/core/write_engine/page_manager"
)

// The free space index splits a page into intervalsNo equal intervals and
// keeps one bucket of pages per interval. It is rebuilt on every open.
const (
	intervalsNo = 40
	threshold   = pagemanager.PageSize / intervalsNo
)

// PageInfo is a page number and the free space it had when indexed.
type PageInfo struct {
	Pgno      int
	FreeSpace int
}

// PageIndex finds pages with enough free space for an insert.
type PageIndex struct {
	mu    sync.Mutex
	lists [intervalsNo + 1][]PageInfo
}

func NewPageIndex() *PageIndex {
	return &PageIndex{}
}

// Add files the page under the interval of its free space.
func (pi *PageIndex) Add(pgno int, freeSpace int) {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	number := freeSpace / threshold
	pi.lists[number] = append(pi.lists[number], PageInfo{Pgno: pgno, FreeSpace: freeSpace})
}

// Select removes and returns a page that holds at least spaceSize free
// bytes. A selected page is owned by the caller until it is added back.
// Requests in the top interval check each page, since that interval also
// holds pages with less room than they need.
func (pi *PageIndex) Select(spaceSize int) (PageInfo, bool) {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	number := spaceSize / threshold
	if number < intervalsNo {
		number++
	}
	for ; number <= intervalsNo; number++ {
		list := pi.lists[number]
		for i, info := range list {
			if info.FreeSpace < spaceSize {
				continue
			}
			pi.lists[number] = append(list[:i:i], list[i+1:]...)
			return info, true
		}
	}
	return PageInfo{}, false
}
