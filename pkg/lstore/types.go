package lstore

const (
	// PageSize is the fixed size in bytes of every Page.
	PageSize = 4096

	// SlotSize is the size in bytes of a single slot within a Page.
	SlotSize = 8

	// SlotsPerPage is the number of addressable slots in a Page, and the
	// number of base records a Partition can hold.
	SlotsPerPage = PageSize / SlotSize

	// numMetaColumns is the count of fixed meta columns that precede user
	// columns in every ColumnGroup: Indirection, RID, Timestamp,
	// SchemaEncoding.
	numMetaColumns = 4

	colIndirection = 0
	colRID         = 1
	colTimestamp   = 2
	colSchemaEnc   = 3

	// baseBackpointerBit marks a tail record's Indirection as pointing at
	// the base record's RID rather than at a prior TID.
	baseBackpointerBit = uint64(1) << 63
)

// RID is a record identifier: a monotonically increasing positive integer,
// globally unique within a table. RID zero denotes "none". It maps
// positionally to (partition, slot) via [RID.Locate].
type RID uint64

// Locate returns the (partition index, slot index) that a live RID maps to.
// It panics if rid is zero; callers must check for the "none" sentinel
// first.
func (rid RID) Locate() (partition int, slot int) {
	if rid == 0 {
		panic("lstore: Locate called on RID zero")
	}

	n := uint64(rid) - 1

	return int(n / SlotsPerPage), int(n % SlotsPerPage)
}

// ridForSlot computes the RID that positionally maps to (partition, slot).
func ridForSlot(partition, slot int) RID {
	return RID(uint64(partition)*SlotsPerPage + uint64(slot) + 1)
}

// tid is a tail identifier: a positive integer unique within a single
// partition's tail, mapping positionally to a (tail page, tail slot) pair
// the same way RID maps to (partition, slot) at the table level.
type tid uint64

func (t tid) locate() (page int, slot int) {
	n := uint64(t) - 1

	return int(n / SlotsPerPage), int(n % SlotsPerPage)
}

// Record is the result of a successful read: the owning RID, the key
// column's value at read time, and the requested column values in the
// order the caller's mask named them.
type Record struct {
	RID     RID
	Key     int64
	Columns []int64
}
