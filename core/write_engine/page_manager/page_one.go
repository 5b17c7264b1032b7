package pagemanager

import (
	"bytes"

	"github.com/google/uuid"
)

// Page one holds the validity check of the database file. On every open a
// fresh random marker is written at offsetVc; a clean close copies it to
// offsetVc+lenVc. Differing markers on open mean the last shutdown was not
// clean.
const (
	offsetVc = 100
	lenVc    = 8
)

// PageOneInitRaw returns the initial content of page one with an armed open marker.
func PageOneInitRaw() []byte {
	raw := make([]byte, PageSize)
	setVcOpen(raw)
	return raw
}

// PageOneSetVcOpen arms a new open marker.
func PageOneSetVcOpen(p *Page) {
	p.Lock()
	defer p.Unlock()
	p.isDirty = true
	setVcOpen(p.data)
}

func setVcOpen(raw []byte) {
	marker := uuid.New()
	copy(raw[offsetVc:offsetVc+lenVc], marker[:lenVc])
}

// PageOneSetVcClose records a clean shutdown.
func PageOneSetVcClose(p *Page) {
	p.Lock()
	defer p.Unlock()
	p.isDirty = true
	copy(p.data[offsetVc+lenVc:offsetVc+2*lenVc], p.data[offsetVc:offsetVc+lenVc])
}

// PageOneCheckVc reports whether the last shutdown was clean.
func PageOneCheckVc(p *Page) bool {
	p.Lock()
	defer p.Unlock()
	return checkVc(p.data)
}

func checkVc(raw []byte) bool {
	return bytes.Equal(raw[offsetVc:offsetVc+lenVc], raw[offsetVc+lenVc:offsetVc+2*lenVc])
}
