package storage

import (
	"bytes"
	"encoding/binary"

	"github.com/ruskaruma/stonedb/common"
)

const (
	// MaxKey is the largest key length in bytes a slot can hold.
	MaxKey = 255
	// MaxValue is the largest value length in bytes a slot can hold. Slot
	// lengths are u16, and a tombstone's valLen must cover a whole slot's
	// key and value, so MaxKey+MaxValue is the u16 maximum.
	MaxValue = 1<<16 - 1 - MaxKey

	// slotHeaderSize is the (keyLen:u16, valLen:u16) prefix of every slot.
	slotHeaderSize = 4

	// minTombstoneWidth is the smallest width a tombstone can occupy: a
	// 4-byte header plus at least 1 skip byte. A tombstone's valLen must
	// be > 0, since (0,0) is reserved for the end-of-used-region marker.
	minTombstoneWidth = slotHeaderSize + 1
)

// slot describes one parsed slot: its header offset, the decoded
// lengths, and whether it's a tombstone.
type slot struct {
	offset    int
	keyLen    uint16
	valLen    uint16
	tombstone bool
}

// walkPage scans buf from offset 0, calling visit for each slot in
// order. visit returns false to stop the walk early. walkPage returns
// the offset at which the walk stopped: either the end-of-used-region
// marker, the first corrupt/out-of-bounds slot, or the offset of the
// slot visit asked to stop at.
func walkPage(buf []byte, visit func(s slot) bool) int {
	pageSize := len(buf)
	offset := 0

	for {
		if offset+slotHeaderSize > pageSize {
			return offset
		}
		keyLen := binary.LittleEndian.Uint16(buf[offset : offset+2])
		valLen := binary.LittleEndian.Uint16(buf[offset+2 : offset+4])

		if keyLen == 0 && valLen == 0 {
			return offset // end of used region
		}
		if int(keyLen) > MaxKey || (keyLen != 0 && int(valLen) > MaxValue) {
			return offset // corrupt, stop before reading this slot's body
		}
		if offset+slotHeaderSize+int(keyLen)+int(valLen) > pageSize {
			return offset // would exceed page
		}

		s := slot{offset: offset, keyLen: keyLen, valLen: valLen, tombstone: keyLen == 0}
		if !visit(s) {
			return offset
		}

		if s.tombstone {
			offset += slotHeaderSize + int(valLen)
		} else {
			offset += slotHeaderSize + int(keyLen) + int(valLen)
		}
	}
}

func slotKey(buf []byte, s slot) []byte {
	return buf[s.offset+slotHeaderSize : s.offset+slotHeaderSize+int(s.keyLen)]
}

func slotValue(buf []byte, s slot) []byte {
	start := s.offset + slotHeaderSize + int(s.keyLen)
	return buf[start : start+int(s.valLen)]
}

func writeSlotHeader(buf []byte, offset int, keyLen, valLen uint16) {
	binary.LittleEndian.PutUint16(buf[offset:offset+2], keyLen)
	binary.LittleEndian.PutUint16(buf[offset+2:offset+4], valLen)
}

// writeTombstone writes a tombstone header at offset with the given
// total width (header + skip bytes). width must be >= minTombstoneWidth.
func writeTombstone(buf []byte, offset, width int) {
	writeSlotHeader(buf, offset, 0, uint16(width-slotHeaderSize))
}

// findLivePage returns the slot matching key, if any live (non-tombstone)
// slot matches.
func findLivePage(buf []byte, key []byte) (slot, bool) {
	var found slot
	ok := false
	walkPage(buf, func(s slot) bool {
		if !s.tombstone && int(s.keyLen) == len(key) && bytes.Equal(slotKey(buf, s), key) {
			found = s
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

// GetFromPage looks up key within a single page's slotted region. It
// returns a copy of the value and true on a live match.
func GetFromPage(buf []byte, key []byte) ([]byte, bool) {
	s, ok := findLivePage(buf, key)
	if !ok {
		return nil, false
	}
	v := make([]byte, s.valLen)
	copy(v, slotValue(buf, s))
	return v, true
}

// DeleteFromPage tombstones the live slot matching key, if any, setting
// its valLen to the slot's former key+value width so the walk's skip
// width stays correct. Returns true if a live slot was found and
// tombstoned.
func DeleteFromPage(buf []byte, key []byte) bool {
	s, ok := findLivePage(buf, key)
	if !ok {
		return false
	}
	writeTombstone(buf, s.offset, slotHeaderSize+int(s.keyLen)+int(s.valLen))
	return true
}

// PutResult is the outcome of attempting to place a record in one page.
type PutResult int

const (
	// PutOK means the key/value was written (overwritten in place, slotted
	// into a reused tombstone, or appended).
	PutOK PutResult = iota
	// PutNoSpace means the page could not hold the record. If an existing
	// differently-sized value for the same key was present, it has been
	// tombstoned as part of this call even though the call reports
	// PutNoSpace — the caller must still record the delete.
	PutNoSpace
)

// PutIntoPage attempts to place key/value into a single page's slotted
// region, following the update-in-place / tombstone-reuse / append order.
func PutIntoPage(buf []byte, key, value []byte) (PutResult, error) {
	if len(key) == 0 {
		return PutNoSpace, common.NewError(common.ErrCodeInvalidKey, nil)
	}
	if len(key) > MaxKey {
		return PutNoSpace, common.NewError(common.ErrCodeKeyTooLarge, nil)
	}
	if len(value) > MaxValue {
		return PutNoSpace, common.NewError(common.ErrCodeValueTooLarge, nil)
	}

	tombstonedMatch := false

	if s, ok := findLivePage(buf, key); ok {
		oldValLen := int(s.valLen)
		newValLen := len(value)

		switch {
		case oldValLen == newValLen:
			copy(slotValue(buf, s), value)
			return PutOK, nil

		case oldValLen > newValLen:
			gap := oldValLen - newValLen
			if gap == 0 || gap >= minTombstoneWidth {
				writeSlotHeader(buf, s.offset, s.keyLen, uint16(newValLen))
				valStart := s.offset + slotHeaderSize + int(s.keyLen)
				copy(buf[valStart:valStart+newValLen], value)
				if gap >= minTombstoneWidth {
					writeTombstone(buf, valStart+newValLen, gap)
				}
				return PutOK, nil
			}
			// Gap too small (1-4 bytes) to leave a well-formed tombstone
			// behind; tombstone the whole slot and fall through to the
			// general free-space search below.
			writeTombstone(buf, s.offset, slotHeaderSize+int(s.keyLen)+oldValLen)
			tombstonedMatch = true

		default: // new value is larger: must relocate
			writeTombstone(buf, s.offset, slotHeaderSize+int(s.keyLen)+oldValLen)
			tombstonedMatch = true
		}
	}

	needed := slotHeaderSize + len(key) + len(value)

	// Reuse an existing tombstone with enough width, preferring an exact
	// fit or one whose leftover can itself become a well-formed tombstone.
	placed := false
	endOffset := walkPage(buf, func(s slot) bool {
		if !s.tombstone {
			return true
		}
		width := slotHeaderSize + int(s.valLen)
		if width < needed {
			return true
		}
		leftover := width - needed
		if leftover != 0 && leftover < minTombstoneWidth {
			return true // unusable sliver, keep looking
		}
		writeSlotHeader(buf, s.offset, uint16(len(key)), uint16(len(value)))
		valStart := s.offset + slotHeaderSize + len(key)
		copy(buf[s.offset+slotHeaderSize:valStart], key)
		copy(buf[valStart:valStart+len(value)], value)
		if leftover >= minTombstoneWidth {
			writeTombstone(buf, valStart+len(value), leftover)
		}
		placed = true
		return false
	})
	if placed {
		return PutOK, nil
	}

	if len(buf)-endOffset >= needed {
		writeSlotHeader(buf, endOffset, uint16(len(key)), uint16(len(value)))
		valStart := endOffset + slotHeaderSize + len(key)
		copy(buf[endOffset+slotHeaderSize:valStart], key)
		copy(buf[valStart:valStart+len(value)], value)
		return PutOK, nil
	}

	if tombstonedMatch {
		return PutNoSpace, nil
	}
	return PutNoSpace, common.NewError(common.ErrCodeNoSpace, nil)
}

// ScanPage calls visit for every live (key, value) pair in the page, in
// slot order. It does not allocate copies; visit must not retain the
// slices past the call.
func ScanPage(buf []byte, visit func(key, value []byte)) {
	walkPage(buf, func(s slot) bool {
		if !s.tombstone {
			visit(slotKey(buf, s), slotValue(buf, s))
		}
		return true
	})
}

// FreeSpace returns the number of bytes available for new slots at the
// end of the used region (ignoring reusable tombstones).
func FreeSpace(buf []byte) int {
	end := walkPage(buf, func(slot) bool { return true })
	return len(buf) - end
}
