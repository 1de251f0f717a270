package lstore

// Transaction is an ordered batch of operations over a single table. See
// spec.md §4.7: Run submits the whole batch to the table's lock pre-check;
// if every lock is granted atomically, the batch executes in submission
// order and Run returns (true, results). Otherwise nothing executes and
// Run returns (false, nil) — no partial application, no retry.
type Transaction struct {
	table *Table
	ops   []Op
}

// NewTransaction starts an empty transaction against table.
func NewTransaction(table *Table) *Transaction {
	return &Transaction{table: table}
}

// Add appends op to the transaction's batch. Ops execute in the order they
// were added.
func (tx *Transaction) Add(op Op) {
	tx.ops = append(tx.ops, op)
}

// Run attempts to commit the transaction: all locks needed by every queued
// op are acquired atomically, under a no-wait policy (spec.md §5) — any
// conflict aborts the whole batch with no partial effects.
func (tx *Transaction) Run() (committed bool, results []OpResult, err error) {
	return tx.table.runBatch(tx.ops)
}
