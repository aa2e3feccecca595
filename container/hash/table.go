/*
Extendible hash table built on the buffer pool.

The table is a directory page plus bucket pages. A key hashes to the
directory slot given by its low global-depth bits; the slot points at the
bucket. When a bucket overflows, its local depth grows and its entries are
redistributed over the bucket and a new image bucket; when the local depth
would exceed the global depth, the directory doubles first. Removals that
empty a bucket merge it back into its image and shrink the directory when
every bucket's local depth has fallen below the global depth.

Concurrency is two-level: a table-wide reader/writer lock plus per-bucket
page latches. Lookups and in-place updates take the table lock shared and
latch the single bucket they touch; structural changes (split, merge) take
the table lock exclusive. A lookup drops the table lock before it scans its
bucket under the bucket's read latch alone, so a split also write-latches
the bucket it rewrites; a merge only reads the buckets it touches and takes
no bucket latch.

The insert fast path runs under the shared lock and retries as a split
under the exclusive lock when the bucket is full. Everything read under the
shared lock is discarded: the split re-fetches the directory and bucket and
treats that snapshot as authoritative, because the table may have changed
between the two phases.
*/
package hash

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/pkg/errors"

	"github.com/karashiro/minibase/common"
	"github.com/karashiro/minibase/storage/buffer"
	"github.com/karashiro/minibase/storage/page"
	"github.com/karashiro/minibase/transaction"
)

// DefaultBucketCapacity is the page-filling bucket capacity
const DefaultBucketCapacity = page.HashBucketCapacity

// Table is an extendible hash index from int64 keys to RIDs.
// equal keys may map to multiple values; the (key, value) pair is unique.
type Table struct {
	pool buffer.Pool
	// mu is the table-wide lock; see the comment at the head of this file
	mu              sync.RWMutex
	directoryPageID page.PageID
	bucketCapacity  uint32
	hashFn          Fn
}

// New initializes an empty table: a directory of global depth 0 whose single
// slot points at one empty bucket. a nil hashFn selects DefaultFn.
func New(pool buffer.Pool, bucketCapacity uint32, hashFn Fn) (*Table, error) {
	if hashFn == nil {
		hashFn = DefaultFn
	}
	dirPage, err := pool.NewPage()
	if err != nil {
		return nil, errors.Wrap(err, "pool.NewPage failed")
	}
	dir := page.InitHashDirectoryPage(dirPage.Data(), dirPage.ID())

	bucketPage, err := pool.NewPage()
	if err != nil {
		return nil, errors.Wrap(err, "pool.NewPage failed")
	}
	dir.SetBucketPageID(0, bucketPage.ID())
	dir.SetLocalDepth(0, 0)

	pool.UnpinPage(bucketPage.ID(), true)
	pool.UnpinPage(dirPage.ID(), true)

	return &Table{
		pool:            pool,
		directoryPageID: dirPage.ID(),
		bucketCapacity:  bucketCapacity,
		hashFn:          hashFn,
	}, nil
}

// fetchPage pins a page the table cannot make progress without.
// running out of evictable frames mid-operation is fatal.
func (t *Table) fetchPage(pid page.PageID) *page.Page {
	p, err := t.pool.FetchPage(pid)
	if err != nil {
		log.Panicf("fetch of page %d failed: %v", pid, err)
	}
	return p
}

// newPage allocates a page the table cannot make progress without
func (t *Table) newPage() *page.Page {
	p, err := t.pool.NewPage()
	if err != nil {
		log.Panicf("page allocation failed: %v", err)
	}
	return p
}

// GetValue collects into result every value stored under key.
// returns whether anything was found. never mutates the table.
func (t *Table) GetValue(tx transaction.Transaction, key int64, result *[]common.RID) bool {
	t.mu.RLock()

	dirPage := t.fetchPage(t.directoryPageID)
	dir := page.NewHashDirectoryPage(dirPage.Data())
	idx := t.hashFn(key) & dir.GlobalDepthMask()
	bucketPID := dir.BucketPageID(idx)

	bucketPage := t.fetchPage(bucketPID)
	bucketPage.RLatch()

	t.pool.UnpinPage(t.directoryPageID, false)
	t.mu.RUnlock()

	bucket := page.NewHashBucketPage(bucketPage.Data(), t.bucketCapacity)
	found := bucket.GetValue(key, result)

	bucketPage.RUnlatch()
	t.pool.UnpinPage(bucketPID, false)

	return found
}

// Insert inserts the (key, value) pair.
// returns false when the exact pair is already present.
func (t *Table) Insert(tx transaction.Transaction, key int64, value common.RID) bool {
	t.mu.RLock()

	dirPage := t.fetchPage(t.directoryPageID)
	dir := page.NewHashDirectoryPage(dirPage.Data())
	idx := t.hashFn(key) & dir.GlobalDepthMask()
	bucketPID := dir.BucketPageID(idx)

	bucketPage := t.fetchPage(bucketPID)
	bucketPage.WLatch()

	t.pool.UnpinPage(t.directoryPageID, false)

	bucket := page.NewHashBucketPage(bucketPage.Data(), t.bucketCapacity)
	if bucket.IsExist(key, value) {
		bucketPage.WUnlatch()
		t.pool.UnpinPage(bucketPID, false)
		t.mu.RUnlock()
		return false
	}
	if bucket.Insert(key, value) {
		bucketPage.WUnlatch()
		t.pool.UnpinPage(bucketPID, true)
		t.mu.RUnlock()
		return true
	}

	// bucket full; retry as a split under the exclusive lock
	bucketPage.WUnlatch()
	t.pool.UnpinPage(bucketPID, false)
	t.mu.RUnlock()
	return t.splitInsert(tx, key, value)
}

// splitInsert grows the target bucket until the pair fits, then inserts.
// a single split may not suffice: when every key in the bucket shares more
// low hash bits, the split repeats at the next depth.
func (t *Table) splitInsert(tx transaction.Transaction, key int64, value common.RID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	// authoritative snapshot; the table may have changed since the fast path
	dirPage := t.fetchPage(t.directoryPageID)
	dir := page.NewHashDirectoryPage(dirPage.Data())
	idx := t.hashFn(key) & dir.GlobalDepthMask()
	bucketPID := dir.BucketPageID(idx)
	bucketPage := t.fetchPage(bucketPID)
	// a lookup may still be scanning this bucket under its read latch
	bucketPage.WLatch()
	bucket := page.NewHashBucketPage(bucketPage.Data(), t.bucketCapacity)

	if bucket.IsExist(key, value) {
		bucketPage.WUnlatch()
		t.pool.UnpinPage(bucketPID, false)
		t.pool.UnpinPage(t.directoryPageID, false)
		return false
	}

	dirDirty := false
	for bucket.IsFull() {
		imagePage := t.newPage()
		image := page.NewHashBucketPage(imagePage.Data(), t.bucketCapacity)
		imagePID := imagePage.ID()
		imageIdx := idx ^ (1 << dir.LocalDepth(idx))

		dir.IncrLocalDepth(idx)
		localDepth := dir.LocalDepth(idx)
		mask := dir.LocalDepthMask(idx)

		if localDepth > dir.GlobalDepth() {
			// double the directory: the upper half mirrors the lower half,
			// then the image slot is retargeted
			n := dir.Size()
			for i := uint32(0); i < n; i++ {
				dir.SetBucketPageID(i+n, dir.BucketPageID(i))
				dir.SetLocalDepth(i+n, dir.LocalDepth(i))
			}
			dir.IncrGlobalDepth()
			dir.SetLocalDepth(imageIdx, localDepth)
			dir.SetBucketPageID(imageIdx, imagePID)
		} else {
			// retarget every slot sharing the image's low bits, and bump the
			// depth of every slot sharing the original's low bits
			diff := uint32(1) << localDepth
			n := dir.Size()
			for i := idx & mask; i < n; i += diff {
				dir.SetLocalDepth(i, localDepth)
			}
			for i := imageIdx & mask; i < n; i += diff {
				dir.SetLocalDepth(i, localDepth)
				dir.SetBucketPageID(i, imagePID)
			}
		}

		// with the directory fully rewritten, redistribute the entries over
		// the two buckets by their low local-depth bits
		pairs := bucket.GetAllPairs()
		bucket.Clear()
		for _, pair := range pairs {
			if t.hashFn(pair.Key)&mask == idx&mask {
				bucket.Insert(pair.Key, pair.Value)
			} else {
				image.Insert(pair.Key, pair.Value)
			}
		}
		log.Debugf("split bucket %d at depth %d: %d kept, image bucket %d",
			bucketPID, localDepth, bucket.NumReadable(), imagePID)

		// continue with whichever bucket now owns the key
		newIdx := t.hashFn(key) & dir.GlobalDepthMask()
		if dir.BucketPageID(newIdx) == bucketPID {
			t.pool.UnpinPage(imagePID, true)
		} else {
			bucketPage.WUnlatch()
			t.pool.UnpinPage(bucketPID, true)
			idx = newIdx
			bucketPID = imagePID
			bucket = image
			bucketPage = imagePage
			bucketPage.WLatch()
		}
		dirDirty = true
	}

	inserted := bucket.Insert(key, value)
	bucketPage.WUnlatch()
	t.pool.UnpinPage(bucketPID, inserted)
	t.pool.UnpinPage(t.directoryPageID, dirDirty)
	return inserted
}

// Remove removes the exact (key, value) pair.
// returns whether it was present. a removal that empties a bucket whose
// image sits at the same local depth upgrades to a merge.
func (t *Table) Remove(tx transaction.Transaction, key int64, value common.RID) bool {
	t.mu.RLock()

	dirPage := t.fetchPage(t.directoryPageID)
	dir := page.NewHashDirectoryPage(dirPage.Data())
	idx := t.hashFn(key) & dir.GlobalDepthMask()
	bucketPID := dir.BucketPageID(idx)

	bucketPage := t.fetchPage(bucketPID)
	bucketPage.WLatch()

	bucket := page.NewHashBucketPage(bucketPage.Data(), t.bucketCapacity)
	removed := bucket.Remove(key, value)

	needMerge := false
	if removed {
		if localDepth := dir.LocalDepth(idx); localDepth > 0 {
			imageIdx := idx ^ (1 << (localDepth - 1))
			needMerge = dir.LocalDepth(imageIdx) == localDepth && bucket.IsEmpty()
		}
	}

	bucketPage.WUnlatch()
	t.pool.UnpinPage(bucketPID, removed)
	t.pool.UnpinPage(t.directoryPageID, false)
	t.mu.RUnlock()

	if needMerge {
		t.merge(tx, key)
	}
	return removed
}

// merge folds the key's empty bucket into its image, repeatedly: the merged
// bucket may itself be empty at its new depth, in which case it merges again.
func (t *Table) merge(tx transaction.Transaction, key int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	dirPage := t.fetchPage(t.directoryPageID)
	dir := page.NewHashDirectoryPage(dirPage.Data())
	idx := t.hashFn(key) & dir.GlobalDepthMask()
	bucketPID := dir.BucketPageID(idx)
	bucketPage := t.fetchPage(bucketPID)
	bucket := page.NewHashBucketPage(bucketPage.Data(), t.bucketCapacity)

	merged := false
	for {
		localDepth := dir.LocalDepth(idx)
		if localDepth == 0 {
			break
		}
		imageIdx := idx ^ (1 << (localDepth - 1))
		if dir.LocalDepth(imageIdx) != localDepth || !bucket.IsEmpty() {
			break
		}
		imagePID := dir.BucketPageID(imageIdx)
		diff := uint32(1) << localDepth
		n := dir.Size()

		// every slot mapping to the empty bucket follows the image now, and
		// both groups drop to the shallower depth
		for i := idx & (diff - 1); i < n; i += diff {
			dir.SetLocalDepth(i, localDepth-1)
			dir.SetBucketPageID(i, imagePID)
		}
		for i := imageIdx & (diff - 1); i < n; i += diff {
			dir.SetLocalDepth(i, localDepth-1)
		}

		t.pool.UnpinPage(bucketPID, false)
		t.pool.DeletePage(bucketPID)
		log.Debugf("merged empty bucket %d into %d at depth %d", bucketPID, imagePID, localDepth-1)

		dir.Shrink()

		// continue with the surviving bucket at its new depth
		idx = t.hashFn(key) & dir.GlobalDepthMask()
		bucketPID = dir.BucketPageID(idx)
		bucketPage = t.fetchPage(bucketPID)
		bucket = page.NewHashBucketPage(bucketPage.Data(), t.bucketCapacity)
		merged = true
	}

	t.pool.UnpinPage(bucketPID, false)
	t.pool.UnpinPage(t.directoryPageID, merged)
}

// GetGlobalDepth returns the directory's global depth
func (t *Table) GetGlobalDepth() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	dirPage := t.fetchPage(t.directoryPageID)
	dir := page.NewHashDirectoryPage(dirPage.Data())
	depth := dir.GlobalDepth()
	t.pool.UnpinPage(t.directoryPageID, false)
	return depth
}

// VerifyIntegrity checks the directory and bucket invariants, panicking on
// violation: consistent local depths and slot counts in the directory, and
// every live entry resident in the bucket its hash selects.
func (t *Table) VerifyIntegrity() {
	t.mu.RLock()
	defer t.mu.RUnlock()

	dirPage := t.fetchPage(t.directoryPageID)
	dir := page.NewHashDirectoryPage(dirPage.Data())
	dir.VerifyIntegrity()

	verified := make(map[page.PageID]struct{})
	for i := uint32(0); i < dir.Size(); i++ {
		bucketPID := dir.BucketPageID(i)
		if _, done := verified[bucketPID]; done {
			continue
		}
		verified[bucketPID] = struct{}{}

		bucketPage := t.fetchPage(bucketPID)
		bucketPage.RLatch()
		bucket := page.NewHashBucketPage(bucketPage.Data(), t.bucketCapacity)
		mask := dir.LocalDepthMask(i)
		for _, pair := range bucket.GetAllPairs() {
			if t.hashFn(pair.Key)&mask != i&mask {
				log.Panicf("key %d resides in bucket %d but hashes elsewhere", pair.Key, bucketPID)
			}
		}
		bucketPage.RUnlatch()
		t.pool.UnpinPage(bucketPID, false)
	}
	t.pool.UnpinPage(t.directoryPageID, false)
}
