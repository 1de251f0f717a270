package lstore

import "time"

// partition is a fixed-capacity unit of 512 base records plus an unbounded,
// append-only tail. Updates never touch a base record in place: they
// append a new tail version and flip the base record's Indirection to
// point at it. See doc.go for the overall algorithm and spec.md §3/§4.3
// for the formal contract this implements.
type partition struct {
	userColumns  int
	totalColumns int

	base      *columnGroup
	tailPages []*columnGroup

	countBase int
	countTail uint64

	dirty bool

	// updatedSlots is the set of base slots with a live tail chain, used
	// by Merge to know which slots to reconcile.
	updatedSlots map[int]struct{}
}

// newPartition allocates an empty partition for a table with userColumns
// user-defined columns.
func newPartition(userColumns int) *partition {
	total := numMetaColumns + userColumns

	return &partition{
		userColumns:  userColumns,
		totalColumns: total,
		base:         newColumnGroup(total),
		tailPages:    []*columnGroup{newColumnGroup(total)},
		updatedSlots: make(map[int]struct{}),
	}
}

// hasCapacity reports whether the base page has a free slot.
func (p *partition) hasCapacity() bool {
	return p.countBase < SlotsPerPage
}

// isDirty reports whether the partition has unpersisted changes.
func (p *partition) isDirty() bool {
	return p.dirty
}

func (p *partition) setClean() {
	p.dirty = false
}

// insert writes row (full width: meta columns followed by user columns) to
// the next free base slot. It returns false iff the base page is already
// full.
func (p *partition) insert(row []int64) (bool, error) {
	if len(row) != p.totalColumns {
		return false, ErrOutOfRange
	}

	if !p.hasCapacity() {
		return false, nil
	}

	slot := p.countBase

	for col, v := range row {
		uv := uint64(v)
		if err := p.base.writeCell(slot, col, uv); err != nil {
			return false, err
		}
	}

	p.countBase++
	p.dirty = true

	return true, nil
}

// read reconstructs the record at slot for the columns mask selects,
// consulting the latest tail version when one exists. Meta columns always
// come from the base; user columns fall back to the base value when the
// reconstructed SchemaEncoding bit for that column is 0.
func (p *partition) read(slot int, mask []bool) ([]int64, error) {
	if len(mask) != p.totalColumns {
		return nil, ErrOutOfRange
	}

	if slot < 0 || slot >= p.countBase {
		return nil, ErrOutOfRange
	}

	indirection, err := p.base.readCell(slot, colIndirection)
	if err != nil {
		return nil, err
	}

	if indirection == 0 {
		raw, err := p.base.readRow(slot, mask)
		if err != nil {
			return nil, err
		}

		return toInt64s(raw), nil
	}

	tailCG, tailSlot, err := p.locateTail(tid(indirection))
	if err != nil {
		return nil, err
	}

	enc, err := tailCG.readCell(tailSlot, colSchemaEnc)
	if err != nil {
		return nil, err
	}

	result := make([]int64, 0, len(mask))

	for col, want := range mask {
		if !want {
			continue
		}

		if col < numMetaColumns {
			v, err := p.base.readCell(slot, col)
			if err != nil {
				return nil, err
			}

			result = append(result, int64(v))

			continue
		}

		userIdx := col - numMetaColumns
		if schemaEncBit(enc, userIdx, p.userColumns) {
			v, err := tailCG.readCell(tailSlot, col)
			if err != nil {
				return nil, err
			}

			result = append(result, int64(v))
		} else {
			v, err := p.base.readCell(slot, col)
			if err != nil {
				return nil, err
			}

			result = append(result, int64(v))
		}
	}

	return result, nil
}

// update applies newValues (width userColumns, nil entries mean "no
// change") to the record at slot, which is identified by rid for the
// purpose of seeding the first tail record's back-pointer.
func (p *partition) update(slot int, rid RID, newValues []*int64) error {
	if len(newValues) != p.userColumns {
		return ErrOutOfRange
	}

	if slot < 0 || slot >= p.countBase {
		return ErrOutOfRange
	}

	enc := encodeMask(newValues)

	indirection, err := p.base.readCell(slot, colIndirection)
	if err != nil {
		return err
	}

	p.growTailIfNeeded()

	newTID := tid(p.countTail + 1)
	now := uint64(time.Now().Unix())

	if indirection == 0 {
		if err := p.writeBaseAfterUpdate(slot, uint64(newTID), enc); err != nil {
			return err
		}

		tailRow := make([]*uint64, p.totalColumns)
		tailRow[colIndirection] = u64ptr(uint64(rid) | baseBackpointerBit)
		tailRow[colRID] = u64ptr(uint64(newTID))
		tailRow[colTimestamp] = u64ptr(now)
		tailRow[colSchemaEnc] = u64ptr(enc)

		for i, v := range newValues {
			if v != nil {
				tailRow[numMetaColumns+i] = u64ptr(uint64(*v))
			}
		}

		if err := p.writeTail(newTID, tailRow); err != nil {
			return err
		}
	} else {
		oldTID := tid(indirection)

		oldEnc, err := p.base.readCell(slot, colSchemaEnc)
		if err != nil {
			return err
		}

		newEnc := enc | oldEnc

		if err := p.writeBaseAfterUpdate(slot, uint64(newTID), newEnc); err != nil {
			return err
		}

		prevCG, prevSlot, err := p.locateTail(oldTID)
		if err != nil {
			return err
		}

		tailRow := make([]*uint64, p.totalColumns)
		tailRow[colIndirection] = u64ptr(uint64(oldTID))
		tailRow[colRID] = u64ptr(uint64(newTID))
		tailRow[colTimestamp] = u64ptr(now)
		tailRow[colSchemaEnc] = u64ptr(newEnc)

		for i, v := range newValues {
			col := numMetaColumns + i

			switch {
			case v != nil:
				tailRow[col] = u64ptr(uint64(*v))
			case schemaEncBit(oldEnc, i, p.userColumns):
				prevVal, err := prevCG.readCell(prevSlot, col)
				if err != nil {
					return err
				}

				tailRow[col] = u64ptr(prevVal)
			default:
				// Leave nil: this column has never been updated, so the
				// base value (materialised at insert or last merge) is
				// still authoritative.
			}
		}

		if err := p.writeTail(newTID, tailRow); err != nil {
			return err
		}
	}

	p.countTail++
	p.updatedSlots[slot] = struct{}{}
	p.dirty = true

	return nil
}

// writeBaseAfterUpdate writes the post-update base row: new Indirection and
// SchemaEncoding, everything else left untouched.
func (p *partition) writeBaseAfterUpdate(slot int, newIndirection, newEnc uint64) error {
	row := make([]*uint64, p.totalColumns)
	row[colIndirection] = u64ptr(newIndirection)
	row[colSchemaEnc] = u64ptr(newEnc)

	return p.base.writeRow(slot, row)
}

// delete logically removes the record at slot: Indirection and RID are
// zeroed (RID=0 is the tombstone bit readers must gate on — see SPEC_FULL.md
// §9 Open Question resolutions), SchemaEncoding is cleared, and the slot is
// dropped from updatedSlots. Timestamp and user columns are left untouched.
func (p *partition) delete(slot int) error {
	if slot < 0 || slot >= p.countBase {
		return ErrOutOfRange
	}

	row := make([]*uint64, p.totalColumns)
	row[colIndirection] = u64ptr(0)
	row[colRID] = u64ptr(0)
	row[colSchemaEnc] = u64ptr(0)

	if err := p.base.writeRow(slot, row); err != nil {
		return err
	}

	delete(p.updatedSlots, slot)
	p.dirty = true

	return nil
}

// isLive reports whether the base slot holds a live (non-deleted) record.
func (p *partition) isLive(slot int) (bool, error) {
	if slot < 0 || slot >= p.countBase {
		return false, ErrOutOfRange
	}

	ridVal, err := p.base.readCell(slot, colRID)
	if err != nil {
		return false, err
	}

	return ridVal != 0, nil
}

// merge reconciles every updated slot's tail chain back into the base
// page, then discards all tail history. It is idempotent: a merge with no
// updatedSlots is a no-op.
func (p *partition) merge() error {
	for slot := range p.updatedSlots {
		indirection, err := p.base.readCell(slot, colIndirection)
		if err != nil {
			return err
		}

		if indirection == 0 {
			continue
		}

		tailCG, tailSlot, err := p.locateTail(tid(indirection))
		if err != nil {
			return err
		}

		enc, err := tailCG.readCell(tailSlot, colSchemaEnc)
		if err != nil {
			return err
		}

		row := make([]*uint64, p.totalColumns)
		row[colIndirection] = u64ptr(0)
		row[colSchemaEnc] = u64ptr(0)

		for i := range p.userColumns {
			if !schemaEncBit(enc, i, p.userColumns) {
				continue
			}

			col := numMetaColumns + i

			v, err := tailCG.readCell(tailSlot, col)
			if err != nil {
				return err
			}

			row[col] = u64ptr(v)
		}

		if err := p.base.writeRow(slot, row); err != nil {
			return err
		}
	}

	p.updatedSlots = make(map[int]struct{})
	p.countTail = 0
	p.tailPages = []*columnGroup{newColumnGroup(p.totalColumns)}
	p.dirty = true

	return nil
}

// growTailIfNeeded appends a blank tail page whenever the next TID would
// not fit in the current tail pages.
func (p *partition) growTailIfNeeded() {
	for uint64(len(p.tailPages))*SlotsPerPage <= p.countTail {
		p.tailPages = append(p.tailPages, newColumnGroup(p.totalColumns))
	}
}

func (p *partition) locateTail(t tid) (*columnGroup, int, error) {
	page, slot := t.locate()
	if page < 0 || page >= len(p.tailPages) {
		return nil, 0, ErrOutOfRange
	}

	return p.tailPages[page], slot, nil
}

func (p *partition) writeTail(t tid, row []*uint64) error {
	cg, slot, err := p.locateTail(t)
	if err != nil {
		return err
	}

	return cg.writeRow(slot, row)
}

// encodeMask builds the SchemaEncoding bitmask for a set of new values:
// bit i (MSB-first, so column 0 occupies the highest bit of the
// userColumns-bit field) is 1 iff newValues[i] is being updated now.
func encodeMask(newValues []*int64) uint64 {
	u := len(newValues)

	var enc uint64

	for i, v := range newValues {
		if v != nil {
			enc |= 1 << (u - 1 - i)
		}
	}

	return enc
}

// schemaEncBit reports whether bit i (of u total user columns, MSB-first)
// is set in enc.
func schemaEncBit(enc uint64, i, u int) bool {
	return enc&(1<<(u-1-i)) != 0
}

func toInt64s(raw []uint64) []int64 {
	out := make([]int64, len(raw))
	for i, v := range raw {
		out[i] = int64(v)
	}

	return out
}

func u64ptr(v uint64) *uint64 {
	return &v
}
