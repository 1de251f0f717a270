// Package query is a thin pass-through façade over [lstore.Table], grounded
// on the original engine's query wrapper: it adds no state or locking of
// its own beyond the table reference, building the equivalent Table calls
// and handing back the Records Table already produces.
package query

import "github.com/calvinalkan/lstore/pkg/lstore"

// Query wraps a single table and forwards each call to it one-to-one.
type Query struct {
	table *lstore.Table
}

// New wraps table for query-style access.
func New(table *lstore.Table) *Query {
	return &Query{table: table}
}

// Insert inserts a row of user column values.
func (q *Query) Insert(userCols ...int64) (lstore.RID, error) {
	return q.table.Insert(userCols)
}

// Select returns every live record matching key, with mask selecting which
// user columns to populate.
func (q *Query) Select(key int64, mask []bool) ([]lstore.Record, error) {
	return q.table.Select(key, mask)
}

// SelectVersion is an alias for Select: the engine does not retain
// historical versions once a partition has been merged, so every version
// argument resolves to the latest one.
func (q *Query) SelectVersion(key int64, mask []bool, _ int) ([]lstore.Record, error) {
	return q.table.Select(key, mask)
}

// Update applies newValues (nil entries mean "no change") to every record
// matching key.
func (q *Query) Update(key int64, newValues []*int64) (bool, error) {
	return q.table.Update(key, newValues)
}

// Delete removes every record matching key.
func (q *Query) Delete(key int64) (bool, error) {
	return q.table.Delete(key)
}

// Increment adds one to col for every record matching key.
func (q *Query) Increment(key int64, col int) (bool, error) {
	return q.table.Increment(key, col)
}

// Sum accumulates col across every key in [startRange, endRange].
func (q *Query) Sum(startRange, endRange int64, col int) (int64, error) {
	return q.table.Sum(startRange, endRange, col)
}

// Merge folds every partition's tail history back into its base page.
func (q *Query) Merge() error {
	return q.table.MergeAll()
}
