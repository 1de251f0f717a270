package lstore

import "encoding/binary"

// page is a fixed 4096-byte byte block, logically 512 slots of 8 bytes
// each. A slot holds a big-endian unsigned 64-bit integer; the partition
// layer stores int64 column values by reinterpreting their two's-complement
// bits as uint64 and back. The page tracks no per-slot metadata — liveness
// is the enclosing partition's responsibility.
type page struct {
	bytes [PageSize]byte
}

// newPage returns a zeroed page.
func newPage() *page {
	return &page{}
}

// read returns the big-endian uint64 stored at slot.
func (p *page) read(slot int) (uint64, error) {
	if slot < 0 || slot >= SlotsPerPage {
		return 0, ErrOutOfRange
	}

	off := slot * SlotSize

	return binary.BigEndian.Uint64(p.bytes[off : off+SlotSize]), nil
}

// write overwrites the value stored at slot.
func (p *page) write(slot int, value uint64) error {
	if slot < 0 || slot >= SlotsPerPage {
		return ErrOutOfRange
	}

	off := slot * SlotSize

	binary.BigEndian.PutUint64(p.bytes[off:off+SlotSize], value)

	return nil
}

// scan performs a linear equality comparison against the first limit slots
// and returns the indices of matching slots. If firstOnly is true, scan
// stops and returns at most one match.
func (p *page) scan(value uint64, limit int, firstOnly bool) ([]int, error) {
	if limit < 0 || limit > SlotsPerPage {
		return nil, ErrOutOfRange
	}

	var matches []int

	for slot := range limit {
		got, err := p.read(slot)
		if err != nil {
			return nil, err
		}

		if got == value {
			matches = append(matches, slot)

			if firstOnly {
				return matches, nil
			}
		}
	}

	return matches, nil
}
