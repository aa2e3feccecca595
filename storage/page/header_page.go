/*
The header page is the process-wide page 0.
Each index stores one (index name -> root page id) record here so that the
root can be found again after the index object is re-created.

layout:
  [record count u32][record 0][record 1]...
  record: [name [32]byte, 0-padded][root page id u32]
*/
package page

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// headerPageMaxNameSize is the fixed byte size of an index name within a record
	headerPageMaxNameSize = 32
	// headerPageRecordSize is the byte size of one record
	headerPageRecordSize = headerPageMaxNameSize + 4
	// headerPageMaxRecordNum is how many records fit in one page
	headerPageMaxRecordNum = (PageSize - 4) / headerPageRecordSize
)

// byte offsets within the header page
const (
	recordCountOffset = 0
	recordsOffset     = 4
)

// GetRecordCount returns the number of records stored in the header page
func GetRecordCount(p PagePtr) uint32 {
	return binary.LittleEndian.Uint32(p[recordCountOffset : recordCountOffset+4])
}

func setRecordCount(p PagePtr, count uint32) {
	binary.LittleEndian.PutUint32(p[recordCountOffset:recordCountOffset+4], count)
}

// recordOffset returns the byte offset of the i-th record
func recordOffset(i uint32) uint32 {
	return recordsOffset + i*headerPageRecordSize
}

// findRecord returns the index of the record for name, or false
func findRecord(p PagePtr, name string) (uint32, bool) {
	count := GetRecordCount(p)
	for i := uint32(0); i < count; i++ {
		off := recordOffset(i)
		stored := p[off : off+headerPageMaxNameSize]
		if recordNameEqual(stored, name) {
			return i, true
		}
	}
	return 0, false
}

func recordNameEqual(stored []byte, name string) bool {
	trimmed := bytes.TrimRight(stored, "\x00")
	return string(trimmed) == name
}

// InsertRecord inserts a new (name, root page id) record.
// fails when the name already exists, is too long, or the page is full.
func InsertRecord(p PagePtr, name string, rootID PageID) error {
	if len(name) > headerPageMaxNameSize {
		return errors.Errorf("index name %q exceeds %d bytes", name, headerPageMaxNameSize)
	}
	if _, ok := findRecord(p, name); ok {
		return errors.Errorf("record for index %q already exists", name)
	}
	count := GetRecordCount(p)
	if count >= headerPageMaxRecordNum {
		return errors.New("header page is full")
	}
	off := recordOffset(count)
	for i := 0; i < headerPageMaxNameSize; i++ {
		p[off+uint32(i)] = 0
	}
	copy(p[off:off+headerPageMaxNameSize], name)
	binary.LittleEndian.PutUint32(p[off+headerPageMaxNameSize:off+headerPageRecordSize], uint32(rootID))
	setRecordCount(p, count+1)
	return nil
}

// UpdateRecord updates the root page id of an existing record
func UpdateRecord(p PagePtr, name string, rootID PageID) error {
	i, ok := findRecord(p, name)
	if !ok {
		return errors.Errorf("no record for index %q", name)
	}
	off := recordOffset(i)
	binary.LittleEndian.PutUint32(p[off+headerPageMaxNameSize:off+headerPageRecordSize], uint32(rootID))
	return nil
}

// LookupRecord returns the root page id recorded for name
func LookupRecord(p PagePtr, name string) (PageID, bool) {
	i, ok := findRecord(p, name)
	if !ok {
		return InvalidPageID, false
	}
	off := recordOffset(i)
	id := binary.LittleEndian.Uint32(p[off+headerPageMaxNameSize : off+headerPageRecordSize])
	return PageID(int32(id)), true
}

// DeleteRecord removes the record for name, compacting the record array
func DeleteRecord(p PagePtr, name string) error {
	i, ok := findRecord(p, name)
	if !ok {
		return errors.Errorf("no record for index %q", name)
	}
	count := GetRecordCount(p)
	from := recordOffset(i + 1)
	to := recordOffset(i)
	end := recordOffset(count)
	copy(p[to:], p[from:end])
	setRecordCount(p, count-1)
	return nil
}
