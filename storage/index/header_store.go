/*
Every index records its root page id under its name in the header page, so
the root can be found again after the index object is re-created. The store
is an interface so tests can substitute an in-memory implementation.
*/
package index

import (
	log "github.com/sirupsen/logrus"
	"github.com/pkg/errors"

	"github.com/karashiro/minibase/storage/buffer"
	"github.com/karashiro/minibase/storage/page"
)

// HeaderStore persists (index name -> root page id) records
type HeaderStore interface {
	Insert(name string, rootID page.PageID) error
	Update(name string, rootID page.PageID) error
	Lookup(name string) (page.PageID, bool)
}

// HeaderPageStore is the header-page-backed store. the records live in the
// process-wide page 0, pinned and marked dirty for the duration of each
// mutation.
type HeaderPageStore struct {
	pool buffer.Pool
}

var _ HeaderStore = (*HeaderPageStore)(nil)

// NewHeaderPageStore allocates the header page of a fresh database.
// it must be the first allocation: the header page is page 0 by convention.
func NewHeaderPageStore(pool buffer.Pool) (*HeaderPageStore, error) {
	p, err := pool.NewPage()
	if err != nil {
		return nil, errors.Wrap(err, "pool.NewPage failed")
	}
	if p.ID() != page.HeaderPageID {
		log.Panicf("header page allocated as page %d; the header store must be created first", p.ID())
	}
	pool.UnpinPage(p.ID(), true)
	return &HeaderPageStore{pool: pool}, nil
}

// OpenHeaderPageStore attaches to the header page of an existing database
func OpenHeaderPageStore(pool buffer.Pool) *HeaderPageStore {
	return &HeaderPageStore{pool: pool}
}

// Insert adds a new record for name
func (s *HeaderPageStore) Insert(name string, rootID page.PageID) error {
	p, err := s.pool.FetchPage(page.HeaderPageID)
	if err != nil {
		return errors.Wrap(err, "pool.FetchPage failed")
	}
	p.WLatch()
	err = page.InsertRecord(p.Data(), name, rootID)
	p.WUnlatch()
	s.pool.UnpinPage(page.HeaderPageID, err == nil)
	return err
}

// Update rewrites the root page id recorded for name
func (s *HeaderPageStore) Update(name string, rootID page.PageID) error {
	p, err := s.pool.FetchPage(page.HeaderPageID)
	if err != nil {
		return errors.Wrap(err, "pool.FetchPage failed")
	}
	p.WLatch()
	err = page.UpdateRecord(p.Data(), name, rootID)
	p.WUnlatch()
	s.pool.UnpinPage(page.HeaderPageID, err == nil)
	return err
}

// Lookup returns the root page id recorded for name
func (s *HeaderPageStore) Lookup(name string) (page.PageID, bool) {
	p, err := s.pool.FetchPage(page.HeaderPageID)
	if err != nil {
		return page.InvalidPageID, false
	}
	p.RLatch()
	id, ok := page.LookupRecord(p.Data(), name)
	p.RUnlatch()
	s.pool.UnpinPage(page.HeaderPageID, false)
	return id, ok
}
