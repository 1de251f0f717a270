package lstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// LSP1 on-disk partition format.
//
// Uses a fixed header (magic, version, CRC32C) plus an offset table, shaped
// for a positional base+tail columnar layout rather than a hash-bucket keyed
// one. Header fields use little-endian; user/meta column slots within the
// base and tail pages use big-endian per spec.md §4.1, unchanged by
// persistence.
const (
	lsp1Magic      = "LSP1"
	lsp1Version    = 1
	lsp1HeaderSize = 0x40

	offMagic            = 0x00
	offVersion          = 0x04
	offUserColumns      = 0x08
	offCountBase        = 0x0C
	offCountTail        = 0x10
	offTailPageCount    = 0x18
	offUpdatedSlotCount = 0x1C
	offHeaderCRC32      = 0x20
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// encodePartition serializes p to its LSP1 byte representation.
func encodePartition(p *partition) []byte {
	header := make([]byte, lsp1HeaderSize)

	copy(header[offMagic:], lsp1Magic)
	binary.LittleEndian.PutUint32(header[offVersion:], lsp1Version)
	binary.LittleEndian.PutUint32(header[offUserColumns:], uint32(p.userColumns))
	binary.LittleEndian.PutUint32(header[offCountBase:], uint32(p.countBase))
	binary.LittleEndian.PutUint64(header[offCountTail:], p.countTail)
	binary.LittleEndian.PutUint32(header[offTailPageCount:], uint32(len(p.tailPages)))
	binary.LittleEndian.PutUint32(header[offUpdatedSlotCount:], uint32(len(p.updatedSlots)))

	headerCRC := crc32.Checksum(header[:offHeaderCRC32], crc32cTable)
	binary.LittleEndian.PutUint32(header[offHeaderCRC32:], headerCRC)

	slots := sortedSlots(p.updatedSlots)

	slotBytes := make([]byte, len(slots)*4)
	for i, s := range slots {
		binary.LittleEndian.PutUint32(slotBytes[i*4:], uint32(s))
	}

	body := make([]byte, 0, len(slotBytes)+columnGroupBytes(p.totalColumns)*(1+len(p.tailPages)))
	body = append(body, slotBytes...)
	body = appendColumnGroup(body, p.base)

	for _, cg := range p.tailPages {
		body = appendColumnGroup(body, cg)
	}

	bodyCRC := crc32.Checksum(body, crc32cTable)

	out := make([]byte, 0, len(header)+len(body)+4)
	out = append(out, header...)
	out = append(out, body...)

	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], bodyCRC)
	out = append(out, crcBuf[:]...)

	return out
}

// decodePartition parses an LSP1 byte representation, validating the magic,
// version, and both CRCs. A mismatch returns an error wrapping [ErrIO].
func decodePartition(data []byte) (*partition, error) {
	if len(data) < lsp1HeaderSize+4 {
		return nil, fmt.Errorf("%w: partition file too small (%d bytes)", ErrIO, len(data))
	}

	header := data[:lsp1HeaderSize]

	if string(header[offMagic:offMagic+4]) != lsp1Magic {
		return nil, fmt.Errorf("%w: bad magic", ErrIO)
	}

	if version := binary.LittleEndian.Uint32(header[offVersion:]); version != lsp1Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrIO, version)
	}

	wantHeaderCRC := binary.LittleEndian.Uint32(header[offHeaderCRC32:])
	if gotHeaderCRC := crc32.Checksum(header[:offHeaderCRC32], crc32cTable); gotHeaderCRC != wantHeaderCRC {
		return nil, fmt.Errorf("%w: header checksum mismatch", ErrIO)
	}

	userColumns := int(binary.LittleEndian.Uint32(header[offUserColumns:]))
	countBase := int(binary.LittleEndian.Uint32(header[offCountBase:]))
	countTail := binary.LittleEndian.Uint64(header[offCountTail:])
	tailPageCount := int(binary.LittleEndian.Uint32(header[offTailPageCount:]))
	updatedSlotCount := int(binary.LittleEndian.Uint32(header[offUpdatedSlotCount:]))

	body := data[lsp1HeaderSize : len(data)-4]
	wantBodyCRC := binary.LittleEndian.Uint32(data[len(data)-4:])

	if gotBodyCRC := crc32.Checksum(body, crc32cTable); gotBodyCRC != wantBodyCRC {
		return nil, fmt.Errorf("%w: body checksum mismatch", ErrIO)
	}

	total := numMetaColumns + userColumns
	cgSize := columnGroupBytes(total)

	wantBodyLen := updatedSlotCount*4 + cgSize*(1+tailPageCount)
	if len(body) != wantBodyLen {
		return nil, fmt.Errorf("%w: body length %d, want %d", ErrIO, len(body), wantBodyLen)
	}

	p := newPartition(userColumns)
	p.countBase = countBase
	p.countTail = countTail
	p.tailPages = make([]*columnGroup, tailPageCount)

	off := 0

	updatedSlots := make(map[int]struct{}, updatedSlotCount)
	for range updatedSlotCount {
		updatedSlots[int(binary.LittleEndian.Uint32(body[off:]))] = struct{}{}
		off += 4
	}

	p.updatedSlots = updatedSlots

	p.base, off = readColumnGroup(body, off, total)

	for i := range tailPageCount {
		p.tailPages[i], off = readColumnGroup(body, off, total)
	}

	return p, nil
}

func columnGroupBytes(cols int) int {
	return cols * PageSize
}

func appendColumnGroup(dst []byte, cg *columnGroup) []byte {
	for _, pg := range cg.pages {
		dst = append(dst, pg.bytes[:]...)
	}

	return dst
}

func readColumnGroup(body []byte, off, cols int) (*columnGroup, int) {
	cg := newColumnGroup(cols)
	for i := range cg.pages {
		copy(cg.pages[i].bytes[:], body[off:off+PageSize])
		off += PageSize
	}

	return cg, off
}

func sortedSlots(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for s := range m {
		out = append(out, s)
	}

	// Simple insertion sort: updatedSlots sets are bounded by SlotsPerPage
	// (512), so this stays cheap and avoids pulling in sort for one call
	// site.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}

	return out
}
