/*
common holds the small value types shared across the storage packages.
*/
package common

import (
	"encoding/binary"
	"fmt"
)

// RIDSize is the byte size of the fixed RID encoding
const RIDSize = 8

// RID is a record identifier: the heap page number and the slot within it.
// Both indexes store RIDs as their values.
// this is kept free of storage/page types so that every package can import it.
type RID struct {
	PageNum int32
	SlotNum uint32
}

// NewRID initializes a RID
func NewRID(pageNum int32, slotNum uint32) RID {
	return RID{PageNum: pageNum, SlotNum: slotNum}
}

// Serialize writes the fixed 8-byte encoding into buf
func (r RID) Serialize(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.PageNum))
	binary.LittleEndian.PutUint32(buf[4:8], r.SlotNum)
}

// DeserializeRID reads a RID from its fixed 8-byte encoding
func DeserializeRID(buf []byte) RID {
	return RID{
		PageNum: int32(binary.LittleEndian.Uint32(buf[0:4])),
		SlotNum: binary.LittleEndian.Uint32(buf[4:8]),
	}
}

// String returns the debug representation
func (r RID) String() string {
	return fmt.Sprintf("(%d,%d)", r.PageNum, r.SlotNum)
}
