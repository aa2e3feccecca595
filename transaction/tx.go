/*
The transaction handle the indexes receive is an opaque ledger, not a full
transaction: it records the pages an operation currently holds write-latched
(drained when the operation releases them) and the page ids whose
deallocation is deferred until every latch is dropped. Deferring the
deallocation avoids freeing a page that a still-latched ancestor references
during structural mutation.
*/
package transaction

import (
	"github.com/google/uuid"

	"github.com/karashiro/minibase/storage/page"
)

// Transaction is the handle carried through index operations.
// concrete implementations may be no-ops in tests.
type Transaction interface {
	// AddIntoPageSet records a page the operation has write-latched
	AddIntoPageSet(p *page.Page)
	// PageSet returns the latched pages in acquisition order
	PageSet() []*page.Page
	// ClearPageSet drains the page set
	ClearPageSet()
	// AddIntoDeletedPageSet records a page to deallocate after release
	AddIntoDeletedPageSet(pid page.PageID)
	// DeletedPageSet returns the page ids queued for deallocation
	DeletedPageSet() map[page.PageID]struct{}
	// ClearDeletedPageSet drains the deleted page set
	ClearDeletedPageSet()
}

// Tx is the concrete transaction handle
type Tx struct {
	id       uuid.UUID
	pageSet  []*page.Page
	deferred map[page.PageID]struct{}
}

var _ Transaction = (*Tx)(nil)

// New initializes a transaction handle
func New() *Tx {
	return &Tx{
		id:       uuid.New(),
		deferred: make(map[page.PageID]struct{}),
	}
}

// ID returns the transaction id
func (tx *Tx) ID() uuid.UUID {
	return tx.id
}

// AddIntoPageSet records a page the transaction has write-latched
func (tx *Tx) AddIntoPageSet(p *page.Page) {
	tx.pageSet = append(tx.pageSet, p)
}

// PageSet returns the latched pages in acquisition order
func (tx *Tx) PageSet() []*page.Page {
	return tx.pageSet
}

// ClearPageSet drains the page set
func (tx *Tx) ClearPageSet() {
	tx.pageSet = tx.pageSet[:0]
}

// AddIntoDeletedPageSet records a page to deallocate after release
func (tx *Tx) AddIntoDeletedPageSet(pid page.PageID) {
	tx.deferred[pid] = struct{}{}
}

// DeletedPageSet returns the page ids queued for deallocation
func (tx *Tx) DeletedPageSet() map[page.PageID]struct{} {
	return tx.deferred
}

// ClearDeletedPageSet drains the deleted page set
func (tx *Tx) ClearDeletedPageSet() {
	for pid := range tx.deferred {
		delete(tx.deferred, pid)
	}
}
