package lstore

// columnGroup is an ordered sequence of pages, one per column, addressed by
// a common row index. Reads accept a bitmask of columns to return; writes
// accept a row vector whose unset elements (nil, "no change") leave the
// underlying page bytes untouched.
type columnGroup struct {
	pages []*page
}

// newColumnGroup allocates a columnGroup with cols blank pages.
func newColumnGroup(cols int) *columnGroup {
	pages := make([]*page, cols)
	for i := range pages {
		pages[i] = newPage()
	}

	return &columnGroup{pages: pages}
}

func (cg *columnGroup) columnCount() int {
	return len(cg.pages)
}

// readCell returns the raw uint64 stored for (slot, col).
func (cg *columnGroup) readCell(slot, col int) (uint64, error) {
	if col < 0 || col >= len(cg.pages) {
		return 0, ErrOutOfRange
	}

	return cg.pages[col].read(slot)
}

// writeCell overwrites the raw uint64 stored for (slot, col).
func (cg *columnGroup) writeCell(slot, col int, value uint64) error {
	if col < 0 || col >= len(cg.pages) {
		return ErrOutOfRange
	}

	return cg.pages[col].write(slot, value)
}

// readRow returns the raw uint64 values for every column where mask[i] is
// true, in ascending column order. len(mask) must equal the column count.
func (cg *columnGroup) readRow(slot int, mask []bool) ([]uint64, error) {
	if len(mask) != len(cg.pages) {
		return nil, ErrOutOfRange
	}

	result := make([]uint64, 0, len(mask))

	for col, want := range mask {
		if !want {
			continue
		}

		v, err := cg.pages[col].read(slot)
		if err != nil {
			return nil, err
		}

		result = append(result, v)
	}

	return result, nil
}

// writeRow writes values to slot across all columns. values must have the
// column count's length; a nil entry leaves that column's bytes untouched.
func (cg *columnGroup) writeRow(slot int, values []*uint64) error {
	if len(values) != len(cg.pages) {
		return ErrOutOfRange
	}

	for col, v := range values {
		if v == nil {
			continue
		}

		if err := cg.pages[col].write(slot, *v); err != nil {
			return err
		}
	}

	return nil
}
