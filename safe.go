package codernitydb

import (
	"sync"
)

// ThreadSafeDatabase decorates the single-writer engine with locking so
// multiple goroutines can share it. The discipline mirrors the engine's
// side-effect order:
//
//   - an open/close mutex serializes lifecycle transitions;
//   - a main mutex serializes every mutating pipeline and registry change;
//   - a per-index RWMutex (keyed by name, populated at create/open/add
//     time) lets reads of one index run concurrently while blocking
//     against compaction or reindex of the same index.
//
// Results are computed before locks are released, Destroy included.
// Cursors returned by Get-many and All hold their index's read lock until
// they are closed or exhausted; close cursors promptly.
type ThreadSafeDatabase struct {
	db *Database

	main      sync.Mutex
	openClose sync.Mutex

	lockTableMu sync.Mutex
	indexLocks  map[string]*sync.RWMutex
}

// NewThreadSafeDatabase wraps a fresh engine at path.
func NewThreadSafeDatabase(path string, opts ...Option) *ThreadSafeDatabase {
	return &ThreadSafeDatabase{
		db:         NewDatabase(path, opts...),
		indexLocks: make(map[string]*sync.RWMutex),
	}
}

// Unwrap exposes the raw engine. Callers own the locking from then on.
func (t *ThreadSafeDatabase) Unwrap() *Database { return t.db }

func (t *ThreadSafeDatabase) indexLock(name string) *sync.RWMutex {
	t.lockTableMu.Lock()
	defer t.lockTableMu.Unlock()

	lock, ok := t.indexLocks[name]
	if !ok {
		lock = &sync.RWMutex{}
		t.indexLocks[name] = lock
	}

	return lock
}

func (t *ThreadSafeDatabase) populateLocks() {
	for _, name := range t.db.IndexesNames() {
		t.indexLock(name)
	}
}

// lockAllIndexes takes every per-index write lock in ordinal order so
// concurrent mutators cannot deadlock.
func (t *ThreadSafeDatabase) lockAllIndexes() []*sync.RWMutex {
	names := t.db.IndexesNames()
	locks := make([]*sync.RWMutex, 0, len(names))

	for _, name := range names {
		lock := t.indexLock(name)
		lock.Lock()
		locks = append(locks, lock)
	}

	return locks
}

func unlockAll(locks []*sync.RWMutex) {
	for i := len(locks) - 1; i >= 0; i-- {
		locks[i].Unlock()
	}
}

// Create initializes the database. See Database.Create.
func (t *ThreadSafeDatabase) Create() error {
	t.openClose.Lock()
	defer t.openClose.Unlock()

	err := t.db.Create()
	if err == nil {
		t.populateLocks()
	}

	return err
}

// Open opens the database. See Database.Open.
func (t *ThreadSafeDatabase) Open() error {
	t.openClose.Lock()
	defer t.openClose.Unlock()

	err := t.db.Open()
	if err == nil {
		t.populateLocks()
	}

	return err
}

// Close closes the database.
func (t *ThreadSafeDatabase) Close() error {
	t.openClose.Lock()
	defer t.openClose.Unlock()

	return t.db.Close()
}

// Destroy closes and removes the database.
func (t *ThreadSafeDatabase) Destroy() error {
	t.openClose.Lock()
	defer t.openClose.Unlock()

	return t.db.Destroy()
}

// Exists reports whether the path holds a database.
func (t *ThreadSafeDatabase) Exists() bool { return t.db.Exists() }

// Insert stores a new document.
func (t *ThreadSafeDatabase) Insert(doc Document) (Document, error) {
	t.main.Lock()
	defer t.main.Unlock()

	locks := t.lockAllIndexes()
	defer unlockAll(locks)

	return t.db.Insert(doc)
}

// Update replaces a document under its rev precondition.
func (t *ThreadSafeDatabase) Update(doc Document) (Document, error) {
	t.main.Lock()
	defer t.main.Unlock()

	locks := t.lockAllIndexes()
	defer unlockAll(locks)

	return t.db.Update(doc)
}

// Delete tombstones a document under its rev precondition.
func (t *ThreadSafeDatabase) Delete(doc Document) error {
	t.main.Lock()
	defer t.main.Unlock()

	locks := t.lockAllIndexes()
	defer unlockAll(locks)

	return t.db.Delete(doc)
}

// Get looks a key up in one index under that index's read lock.
func (t *ThreadSafeDatabase) Get(indexName string, key any, withDoc bool) (Entry, error) {
	lock := t.indexLock(indexName)
	lock.RLock()
	defer lock.RUnlock()

	return t.db.Get(indexName, key, withDoc)
}

// GetMany queries one index. The returned cursor keeps the index read
// lock until closed or exhausted.
func (t *ThreadSafeDatabase) GetMany(indexName string, q Query) (*Cursor, error) {
	lock := t.indexLock(indexName)
	lock.RLock()

	cur, err := t.db.GetMany(indexName, q)
	if err != nil {
		lock.RUnlock()

		return nil, err
	}

	return lockedCursor(cur, lock), nil
}

// All scans one index. The returned cursor keeps the index read lock
// until closed or exhausted.
func (t *ThreadSafeDatabase) All(indexName string, limit, offset int, withDoc bool) (*Cursor, error) {
	lock := t.indexLock(indexName)
	lock.RLock()

	cur, err := t.db.All(indexName, limit, offset, withDoc)
	if err != nil {
		lock.RUnlock()

		return nil, err
	}

	return lockedCursor(cur, lock), nil
}

// lockedCursor releases the read lock exactly once, on exhaustion, error
// or close.
func lockedCursor(inner *Cursor, lock *sync.RWMutex) *Cursor {
	released := false

	release := func() {
		if !released {
			released = true

			lock.RUnlock()
		}
	}

	out := newCursor(func() (Entry, bool, error) {
		if !inner.Next() {
			release()

			return Entry{}, false, inner.Err()
		}

		return inner.Entry(), true, nil
	})
	out.closeFn = func() {
		_ = inner.Close()

		release()
	}

	return out
}

// Count drains a lazy sequence.
func (t *ThreadSafeDatabase) Count(cur *Cursor, err error) (int, error) {
	return t.db.Count(cur, err)
}

// AddIndex registers a textual index definition.
func (t *ThreadSafeDatabase) AddIndex(src string) (string, error) {
	t.main.Lock()
	defer t.main.Unlock()

	name, err := t.db.AddIndex(src)
	if err == nil {
		t.indexLock(name)
	}

	return name, err
}

// AddIndexProps registers a Go-authored index.
func (t *ThreadSafeDatabase) AddIndexProps(props IndexProps) (string, error) {
	t.main.Lock()
	defer t.main.Unlock()

	name, err := t.db.AddIndexProps(props)
	if err == nil {
		t.indexLock(name)
	}

	return name, err
}

// EditIndex replaces an index definition. The per-index write lock is
// held for the whole operation, reindex included, so reads block until
// the replacement is consistent.
func (t *ThreadSafeDatabase) EditIndex(src string, reindex bool) (string, error) {
	t.main.Lock()
	defer t.main.Unlock()

	locks := t.lockAllIndexes()
	defer unlockAll(locks)

	return t.db.EditIndex(src, reindex)
}

// RevertIndex restores the previous definition of an index.
func (t *ThreadSafeDatabase) RevertIndex(name string, reindex bool) error {
	t.main.Lock()
	defer t.main.Unlock()

	locks := t.lockAllIndexes()
	defer unlockAll(locks)

	return t.db.RevertIndex(name, reindex)
}

// DestroyIndex removes an index.
func (t *ThreadSafeDatabase) DestroyIndex(ref any) error {
	t.main.Lock()
	defer t.main.Unlock()

	locks := t.lockAllIndexes()
	defer unlockAll(locks)

	return t.db.DestroyIndex(ref)
}

// CompactIndex compacts one index under its write lock.
func (t *ThreadSafeDatabase) CompactIndex(ref any) error {
	t.main.Lock()
	defer t.main.Unlock()

	ix, err := t.db.resolveIndex(ref)
	if err != nil {
		return err
	}

	lock := t.indexLock(ix.Name())
	lock.Lock()
	defer lock.Unlock()

	return t.db.CompactIndex(ref)
}

// ReindexIndex rebuilds one index under its write lock.
func (t *ThreadSafeDatabase) ReindexIndex(ref any) error {
	t.main.Lock()
	defer t.main.Unlock()

	ix, err := t.db.resolveIndex(ref)
	if err != nil {
		return err
	}

	lock := t.indexLock(ix.Name())
	lock.Lock()
	defer lock.Unlock()

	return t.db.ReindexIndex(ref)
}

// Compact rewrites storage and every index.
func (t *ThreadSafeDatabase) Compact() error {
	t.main.Lock()
	defer t.main.Unlock()

	locks := t.lockAllIndexes()
	defer unlockAll(locks)

	return t.db.Compact()
}

// Reindex rebuilds every secondary index.
func (t *ThreadSafeDatabase) Reindex() error {
	t.main.Lock()
	defer t.main.Unlock()

	locks := t.lockAllIndexes()
	defer unlockAll(locks)

	return t.db.Reindex()
}

// Run invokes a user-defined index method under the index read lock.
func (t *ThreadSafeDatabase) Run(indexName, method string, args ...any) (any, error) {
	lock := t.indexLock(indexName)
	lock.RLock()
	defer lock.RUnlock()

	return t.db.Run(indexName, method, args...)
}

// Flush hands buffered writes to the OS.
func (t *ThreadSafeDatabase) Flush() error {
	t.main.Lock()
	defer t.main.Unlock()

	return t.db.Flush()
}

// Fsync forces all files to disk.
func (t *ThreadSafeDatabase) Fsync() error {
	t.main.Lock()
	defer t.main.Unlock()

	return t.db.Fsync()
}

// IndexesNames lists registered indexes.
func (t *ThreadSafeDatabase) IndexesNames() []string {
	t.main.Lock()
	defer t.main.Unlock()

	return t.db.IndexesNames()
}

// SuperThreadSafeDatabase takes the blunt approach: one lock around every
// public operation plus an automatic flush after each successful
// mutation. Sequences are materialized before the lock is released, so
// cursors never escape the critical section.
type SuperThreadSafeDatabase struct {
	db   *Database
	lock sync.Mutex
}

// NewSuperThreadSafeDatabase wraps a fresh engine at path.
func NewSuperThreadSafeDatabase(path string, opts ...Option) *SuperThreadSafeDatabase {
	return &SuperThreadSafeDatabase{db: NewDatabase(path, opts...)}
}

// Unwrap exposes the raw engine.
func (s *SuperThreadSafeDatabase) Unwrap() *Database { return s.db }

func (s *SuperThreadSafeDatabase) withLock(fn func() error) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	return fn()
}

func (s *SuperThreadSafeDatabase) mutate(fn func() error) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	err := fn()
	if err != nil {
		return err
	}

	if s.db.Opened() {
		return s.db.Flush()
	}

	return nil
}

// Create initializes the database.
func (s *SuperThreadSafeDatabase) Create() error {
	return s.mutate(s.db.Create)
}

// Open opens the database.
func (s *SuperThreadSafeDatabase) Open() error {
	return s.withLock(s.db.Open)
}

// Close closes the database.
func (s *SuperThreadSafeDatabase) Close() error {
	return s.withLock(s.db.Close)
}

// Destroy closes and removes the database.
func (s *SuperThreadSafeDatabase) Destroy() error {
	return s.withLock(s.db.Destroy)
}

// Exists reports whether the path holds a database.
func (s *SuperThreadSafeDatabase) Exists() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.db.Exists()
}

// Insert stores a new document and flushes.
func (s *SuperThreadSafeDatabase) Insert(doc Document) (Document, error) {
	var out Document

	err := s.mutate(func() error {
		var err error

		out, err = s.db.Insert(doc)

		return err
	})

	return out, err
}

// Update replaces a document and flushes.
func (s *SuperThreadSafeDatabase) Update(doc Document) (Document, error) {
	var out Document

	err := s.mutate(func() error {
		var err error

		out, err = s.db.Update(doc)

		return err
	})

	return out, err
}

// Delete tombstones a document and flushes.
func (s *SuperThreadSafeDatabase) Delete(doc Document) error {
	return s.mutate(func() error { return s.db.Delete(doc) })
}

// Get looks a key up in one index.
func (s *SuperThreadSafeDatabase) Get(indexName string, key any, withDoc bool) (Entry, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.db.Get(indexName, key, withDoc)
}

// GetMany queries one index, materialized inside the lock.
func (s *SuperThreadSafeDatabase) GetMany(indexName string, q Query) ([]Entry, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	cur, err := s.db.GetMany(indexName, q)
	if err != nil {
		return nil, err
	}

	return drainCursor(cur)
}

// All scans one index, materialized inside the lock.
func (s *SuperThreadSafeDatabase) All(indexName string, limit, offset int, withDoc bool) ([]Entry, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	cur, err := s.db.All(indexName, limit, offset, withDoc)
	if err != nil {
		return nil, err
	}

	return drainCursor(cur)
}

func drainCursor(cur *Cursor) ([]Entry, error) {
	defer func() { _ = cur.Close() }()

	var out []Entry

	for cur.Next() {
		out = append(out, cur.Entry())
	}

	if cur.Err() != nil {
		return nil, cur.Err()
	}

	return out, nil
}

// AddIndex registers a textual definition and flushes.
func (s *SuperThreadSafeDatabase) AddIndex(src string) (string, error) {
	var name string

	err := s.mutate(func() error {
		var err error

		name, err = s.db.AddIndex(src)

		return err
	})

	return name, err
}

// AddIndexProps registers a Go-authored index and flushes.
func (s *SuperThreadSafeDatabase) AddIndexProps(props IndexProps) (string, error) {
	var name string

	err := s.mutate(func() error {
		var err error

		name, err = s.db.AddIndexProps(props)

		return err
	})

	return name, err
}

// EditIndex replaces an index definition and flushes.
func (s *SuperThreadSafeDatabase) EditIndex(src string, reindex bool) (string, error) {
	var name string

	err := s.mutate(func() error {
		var err error

		name, err = s.db.EditIndex(src, reindex)

		return err
	})

	return name, err
}

// RevertIndex restores the previous definition and flushes.
func (s *SuperThreadSafeDatabase) RevertIndex(name string, reindex bool) error {
	return s.mutate(func() error { return s.db.RevertIndex(name, reindex) })
}

// DestroyIndex removes an index and flushes.
func (s *SuperThreadSafeDatabase) DestroyIndex(ref any) error {
	return s.mutate(func() error { return s.db.DestroyIndex(ref) })
}

// CompactIndex compacts one index and flushes.
func (s *SuperThreadSafeDatabase) CompactIndex(ref any) error {
	return s.mutate(func() error { return s.db.CompactIndex(ref) })
}

// ReindexIndex rebuilds one index and flushes.
func (s *SuperThreadSafeDatabase) ReindexIndex(ref any) error {
	return s.mutate(func() error { return s.db.ReindexIndex(ref) })
}

// Compact rewrites storage and all indexes, then flushes.
func (s *SuperThreadSafeDatabase) Compact() error {
	return s.mutate(s.db.Compact)
}

// Reindex rebuilds every secondary index, then flushes.
func (s *SuperThreadSafeDatabase) Reindex() error {
	return s.mutate(s.db.Reindex)
}

// Run invokes a user-defined index method.
func (s *SuperThreadSafeDatabase) Run(indexName, method string, args ...any) (any, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.db.Run(indexName, method, args...)
}

// Flush hands buffered writes to the OS.
func (s *SuperThreadSafeDatabase) Flush() error {
	return s.withLock(s.db.Flush)
}

// Fsync forces all files to disk.
func (s *SuperThreadSafeDatabase) Fsync() error {
	return s.withLock(s.db.Fsync)
}

// IndexesNames lists registered indexes.
func (s *SuperThreadSafeDatabase) IndexesNames() []string {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.db.IndexesNames()
}
