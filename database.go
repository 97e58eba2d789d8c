package codernitydb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Database is the single-writer engine façade. It owns the storage file,
// the id index and every secondary index, and threads documents through
// them. It performs no locking of its own; wrap it in a
// ThreadSafeDatabase (or SuperThreadSafeDatabase) for concurrent use.
type Database struct {
	path  string
	log   zerolog.Logger
	codec Codec
	cache *Cache

	storage  *Storage
	indexes  []Index
	byName   map[string]Index
	ordinals map[string]int

	opened bool
}

// NewDatabase prepares a database handle rooted at path. Nothing touches
// the filesystem until Create or Open.
func NewDatabase(path string, opts ...Option) *Database {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	var cache *Cache
	if !options.noCache && options.CacheSize > 0 {
		cache = NewCache(options.CacheSize, options.CachePolicy)
	}

	return &Database{
		path:  path,
		log:   options.Logger.With().Str("component", "codernitydb").Str("path", path).Logger(),
		codec: options.Codec,
		cache: cache,
	}
}

// Path returns the database directory.
func (db *Database) Path() string { return db.path }

// Exists reports whether path holds a database.
func (db *Database) Exists() bool {
	_, err := os.Stat(filepath.Join(db.path, metadataName))

	return err == nil
}

// Opened reports whether the database is open.
func (db *Database) Opened() bool { return db.opened }

// Create initializes an empty database directory and leaves it open.
func (db *Database) Create() error {
	if db.opened {
		return fmt.Errorf("%w: %w", ErrPrecondition, errDatabaseOpened)
	}

	if db.Exists() {
		return fmt.Errorf("%w: %s", ErrDatabaseConflict, db.path)
	}

	err := os.MkdirAll(filepath.Join(db.path, indexesDirName), 0o755)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %w", ErrDatabasePath, db.path, err)
	}

	err = saveMetadata(filepath.Join(db.path, metadataName), Metadata{
		Name:    filepath.Base(db.path),
		Version: databaseVersion,
	})
	if err != nil {
		return err
	}

	db.storage, err = openStorage(filepath.Join(db.path, storageName), true)
	if err != nil {
		return err
	}

	err = writeDefinition(definitionPath(db.path, 0, idIndexName), idIndexDefinition)
	if err != nil {
		return err
	}

	return db.loadIndexes(true)
}

// Open loads an existing database: metadata, storage (repairing a torn
// tail), and every index definition in ordinal order.
func (db *Database) Open() error {
	if db.opened {
		return fmt.Errorf("%w: %w", ErrPrecondition, errDatabaseOpened)
	}

	_, err := loadMetadata(filepath.Join(db.path, metadataName))
	if err != nil {
		return err
	}

	db.storage, err = openStorage(filepath.Join(db.path, storageName), false)
	if err != nil {
		return err
	}

	return db.loadIndexes(false)
}

func (db *Database) loadIndexes(create bool) error {
	defs, err := loadDefinitions(db.path)
	if err != nil {
		return err
	}

	db.indexes = nil
	db.byName = make(map[string]Index, len(defs))
	db.ordinals = make(map[string]int, len(defs))

	for _, loaded := range defs {
		ix, err := buildIndex(db.path, loaded.ordinal, loaded.def)
		if err != nil {
			return err
		}

		db.attachCache(ix)

		err = ix.Open(create)
		if err != nil {
			return err
		}

		db.indexes = append(db.indexes, ix)
		db.byName[ix.Name()] = ix
		db.ordinals[ix.Name()] = loaded.ordinal
	}

	db.opened = true
	db.log.Debug().Int("indexes", len(db.indexes)).Bool("created", create).Msg("database opened")

	return nil
}

func (db *Database) attachCache(ix Index) {
	type cacheable interface{ setCache(*Cache) }

	if c, ok := ix.(cacheable); ok {
		c.setCache(db.cache)
	}
}

// Close flushes and releases every file.
func (db *Database) Close() error {
	if !db.opened {
		return fmt.Errorf("%w: %w", ErrPrecondition, errDatabaseClosed)
	}

	var firstErr error

	for _, ix := range db.indexes {
		err := ix.Close()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	err := db.storage.Close()
	if err != nil && firstErr == nil {
		firstErr = err
	}

	db.opened = false
	db.log.Debug().Msg("database closed")

	return firstErr
}

// Destroy closes the database and removes all of its files.
func (db *Database) Destroy() error {
	if db.opened {
		err := db.Close()
		if err != nil {
			return err
		}
	}

	if !db.Exists() {
		return fmt.Errorf("%w: %s", ErrDatabasePath, db.path)
	}

	err := os.RemoveAll(db.path)
	if err != nil {
		return fmt.Errorf("destroying database: %w", err)
	}

	db.log.Debug().Msg("database destroyed")

	return nil
}

func (db *Database) requireOpen() error {
	if !db.opened {
		return fmt.Errorf("%w: %w", ErrPrecondition, errDatabaseClosed)
	}

	return nil
}

func (db *Database) idIndex() Index { return db.indexes[0] }

func (db *Database) index(name string) (Index, error) {
	ix, ok := db.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errIndexNotFound, name)
	}

	return ix, nil
}

// resolveIndex accepts an index name or a registered index instance.
// Passing an instance that is not the registered one of the same name is
// an identity mismatch.
func (db *Database) resolveIndex(ref any) (Index, error) {
	switch v := ref.(type) {
	case string:
		return db.index(v)
	case Index:
		registered, err := db.index(v.Name())
		if err != nil {
			return nil, err
		}

		if registered != v {
			return nil, fmt.Errorf("%w: foreign instance for index %q", ErrIndexConflict, v.Name())
		}

		return registered, nil
	default:
		return nil, fmt.Errorf("%w: index reference must be a name or Index", ErrPrecondition)
	}
}

// projectedKeys runs an index projection over a document and encodes the
// resulting key set. Substring helpers may expand one document into many
// keys; a nil key projects to no entries at all.
func projectedKeys(ix Index, doc Document) ([][]byte, Document, error) {
	key, value, err := ix.MakeKeyValue(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: index %s projection: %w", ErrIndex, ix.Name(), err)
	}

	if key == nil {
		return nil, nil, nil
	}

	list, multi := key.([]any)
	if !multi {
		list = []any{key}
	}

	keys := make([][]byte, 0, len(list))
	seen := make(map[string]bool, len(list))

	for _, k := range list {
		encoded, err := ix.KeyFormat().Encode(k)
		if err != nil {
			return nil, nil, fmt.Errorf("index %s: %w", ix.Name(), err)
		}

		if !seen[string(encoded)] {
			seen[string(encoded)] = true
			keys = append(keys, encoded)
		}
	}

	return keys, value, nil
}

// lookupKey normalizes and encodes a caller-supplied key for one index.
func lookupKey(ix Index, key any) ([]byte, error) {
	normalized, err := ix.MakeKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: index %s make_key: %w", ErrIndex, ix.Name(), err)
	}

	if normalized == nil {
		return nil, fmt.Errorf("%w: index %s make_key returned no key", ErrPrecondition, ix.Name())
	}

	encoded, err := ix.KeyFormat().Encode(normalized)
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", ix.Name(), err)
	}

	return encoded, nil
}

// Insert stores a new document. A missing _id is generated; a supplied
// one must be 32 lowercase hex chars and unused. The returned document
// carries _id and _rev.
func (db *Database) Insert(doc Document) (Document, error) {
	err := db.requireOpen()
	if err != nil {
		return nil, err
	}

	if _, hasRev := doc[FieldRev]; hasRev {
		return nil, fmt.Errorf("%w: insert must not carry _rev", ErrPrecondition)
	}

	id := doc.ID()
	if _, hasID := doc[FieldID]; hasID && id == "" {
		return nil, fmt.Errorf("%w: _id must be a string", ErrPrecondition)
	}

	if id == "" {
		id = newID()
	}

	rawID, err := validateID(id)
	if err != nil {
		return nil, err
	}

	stored := doc.Copy()
	stored[FieldID] = id
	stored[FieldRev] = firstRev

	rev, _ := revToUint(firstRev)

	// Project into every secondary index up front so a bad projection
	// aborts before anything is written.
	type projected struct {
		ix   Index
		keys [][]byte
	}

	plan := make([]projected, 0, len(db.indexes)-1)

	for _, ix := range db.indexes[1:] {
		keys, _, err := projectedKeys(ix, stored)
		if err != nil {
			return nil, err
		}

		if len(keys) > 0 {
			plan = append(plan, projected{ix: ix, keys: keys})
		}
	}

	payload, err := db.codec.Encode(stored)
	if err != nil {
		return nil, err
	}

	handle, err := db.storage.Append(payload)
	if err != nil {
		return nil, err
	}

	err = db.idIndex().Insert(rawID, rawID, rev, handle)
	if err != nil {
		_ = db.storage.MarkDeleted(handle.Start)

		return nil, err
	}

	// Fan out; on failure roll back what was inserted so all indexes
	// accept or reject as a group.
	for pi, p := range plan {
		for ki, key := range p.keys {
			insErr := p.ix.Insert(key, rawID, rev, handle)
			if insErr == nil {
				continue
			}

			for undo := 0; undo <= pi; undo++ {
				limit := len(plan[undo].keys)
				if undo == pi {
					limit = ki
				}

				for _, done := range plan[undo].keys[:limit] {
					_ = plan[undo].ix.Delete(done, rawID)
				}
			}

			_ = db.idIndex().Delete(rawID, rawID)
			_ = db.storage.MarkDeleted(handle.Start)

			return nil, insErr
		}
	}

	return stored, nil
}

// currentByID fetches the live id entry and decoded document for id.
func (db *Database) currentByID(rawID []byte) (Entry, Document, error) {
	entry, err := db.idIndex().Get(rawID)
	if err != nil {
		return Entry{}, nil, err
	}

	payload, err := db.storage.Read(entry.Handle)
	if err != nil {
		return Entry{}, nil, err
	}

	doc, err := db.codec.Decode(payload)
	if err != nil {
		return Entry{}, nil, err
	}

	return entry, doc, nil
}

// probeEntry reports whether an index holds a live entry for (key, id).
func probeEntry(ix Index, key []byte, id string) (bool, error) {
	cur, err := ix.GetMany(key, key, false, false, -1, 0)
	if err != nil {
		return false, err
	}

	defer func() { _ = cur.Close() }()

	for cur.Next() {
		if cur.Entry().ID == id {
			return true, nil
		}
	}

	return false, cur.Err()
}

// checkSecondaryEntries verifies that every projected key of the stored
// document has its live entry, so a stale index (added without reindex)
// aborts the write before any side effect.
func (db *Database) checkSecondaryEntries(oldDoc Document, id string) error {
	for _, ix := range db.indexes[1:] {
		keys, _, err := projectedKeys(ix, oldDoc)
		if err != nil {
			return err
		}

		for _, key := range keys {
			found, err := probeEntry(ix, key, id)
			if err != nil {
				return err
			}

			if !found {
				return fmt.Errorf("%w: index %s", ErrTryReindex, ix.Name())
			}
		}
	}

	return nil
}

// Update replaces a document. The caller's _rev must match the current
// one; the stored document gets a fresh _rev, the old storage record is
// tombstoned, and every secondary entry moves with it.
func (db *Database) Update(doc Document) (Document, error) {
	err := db.requireOpen()
	if err != nil {
		return nil, err
	}

	id := doc.ID()

	rawID, err := validateID(id)
	if err != nil {
		return nil, err
	}

	if doc.Rev() == "" {
		return nil, fmt.Errorf("%w: update requires _rev", ErrPrecondition)
	}

	current, oldDoc, err := db.currentByID(rawID)
	if err != nil {
		return nil, err
	}

	if doc.Rev() != current.Rev {
		return nil, fmt.Errorf("%w: have %s, stored %s", ErrRevConflict, doc.Rev(), current.Rev)
	}

	err = db.checkSecondaryEntries(oldDoc, id)
	if err != nil {
		return nil, err
	}

	newRevStr, err := nextRev(current.Rev)
	if err != nil {
		return nil, err
	}

	newRev, _ := revToUint(newRevStr)

	stored := doc.Copy()
	stored[FieldRev] = newRevStr

	payload, err := db.codec.Encode(stored)
	if err != nil {
		return nil, err
	}

	handle, err := db.storage.Append(payload)
	if err != nil {
		return nil, err
	}

	err = db.idIndex().Update(rawID, rawID, newRev, handle, rawID)
	if err != nil {
		_ = db.storage.MarkDeleted(handle.Start)

		return nil, err
	}

	for _, ix := range db.indexes[1:] {
		err = db.moveSecondaryEntries(ix, rawID, oldDoc, stored, newRev, handle)
		if err != nil {
			return nil, err
		}
	}

	err = db.storage.MarkDeleted(current.Handle.Start)
	if err != nil {
		return nil, err
	}

	return stored, nil
}

// moveSecondaryEntries reconciles one index's key set for a document:
// unchanged keys are overwritten in place, vanished ones deleted, new
// ones inserted.
func (db *Database) moveSecondaryEntries(ix Index, rawID []byte, oldDoc, newDoc Document, rev uint32, h Handle) error {
	oldKeys, _, err := projectedKeys(ix, oldDoc)
	if err != nil {
		return err
	}

	newKeys, _, err := projectedKeys(ix, newDoc)
	if err != nil {
		return err
	}

	oldSet := make(map[string]bool, len(oldKeys))
	for _, key := range oldKeys {
		oldSet[string(key)] = true
	}

	newSet := make(map[string]bool, len(newKeys))
	for _, key := range newKeys {
		newSet[string(key)] = true
	}

	for _, key := range newKeys {
		if oldSet[string(key)] {
			err = ix.Update(rawID, key, rev, h, key)
		} else {
			err = ix.Insert(key, rawID, rev, h)
		}

		if err != nil {
			return err
		}
	}

	for _, key := range oldKeys {
		if !newSet[string(key)] {
			err = ix.Delete(key, rawID)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// Delete tombstones a document. The caller's _rev must match.
func (db *Database) Delete(doc Document) error {
	err := db.requireOpen()
	if err != nil {
		return err
	}

	rawID, err := validateID(doc.ID())
	if err != nil {
		return err
	}

	if doc.Rev() == "" {
		return fmt.Errorf("%w: delete requires _rev", ErrPrecondition)
	}

	current, oldDoc, err := db.currentByID(rawID)
	if err != nil {
		return err
	}

	if doc.Rev() != current.Rev {
		return fmt.Errorf("%w: have %s, stored %s", ErrRevConflict, doc.Rev(), current.Rev)
	}

	err = db.checkSecondaryEntries(oldDoc, doc.ID())
	if err != nil {
		return err
	}

	for _, ix := range db.indexes[1:] {
		keys, _, err := projectedKeys(ix, oldDoc)
		if err != nil {
			return err
		}

		for _, key := range keys {
			err = ix.Delete(key, rawID)
			if err != nil {
				return err
			}
		}
	}

	err = db.idIndex().Delete(rawID, rawID)
	if err != nil {
		return err
	}

	return db.storage.MarkDeleted(current.Handle.Start)
}

// resolve attaches the stored document (and recomputed projection value)
// to an index entry.
func (db *Database) resolve(ix Index, entry *Entry) error {
	payload, err := db.storage.Read(entry.Handle)
	if err != nil {
		return err
	}

	doc, err := db.codec.Decode(payload)
	if err != nil {
		return err
	}

	entry.Doc = doc

	if ix != db.idIndex() {
		_, value, err := ix.MakeKeyValue(doc)
		if err == nil && value != nil {
			entry.Value = value
		}
	}

	return nil
}

// Get looks a key up in one index. withDoc resolves the entry to its
// stored document; a storage slot tombstoned between the index lookup
// and the read surfaces ErrRecordDeleted.
func (db *Database) Get(indexName string, key any, withDoc bool) (Entry, error) {
	err := db.requireOpen()
	if err != nil {
		return Entry{}, err
	}

	ix, err := db.index(indexName)
	if err != nil {
		return Entry{}, err
	}

	encoded, err := lookupKey(ix, key)
	if err != nil {
		return Entry{}, err
	}

	entry, err := ix.Get(encoded)
	if err != nil {
		return Entry{}, err
	}

	if withDoc {
		err = db.resolve(ix, &entry)
		if err != nil {
			return Entry{}, err
		}
	}

	return entry, nil
}

// GetMany runs a bounded query against one index and returns a lazy
// sequence. Hash indexes serve q.Key; tree indexes serve q.Key or the
// q.Start/q.End range.
func (db *Database) GetMany(indexName string, q Query) (*Cursor, error) {
	err := db.requireOpen()
	if err != nil {
		return nil, err
	}

	ix, err := db.index(indexName)
	if err != nil {
		return nil, err
	}

	var start, end []byte

	excludeStart, excludeEnd := q.ExcludeStart, q.ExcludeEnd

	if q.Key != nil {
		start, err = lookupKey(ix, q.Key)
		if err != nil {
			return nil, err
		}

		end = start
		excludeStart, excludeEnd = false, false
	} else {
		if q.Start != nil {
			start, err = lookupKey(ix, q.Start)
			if err != nil {
				return nil, err
			}
		}

		if q.End != nil {
			end, err = lookupKey(ix, q.End)
			if err != nil {
				return nil, err
			}
		}
	}

	limit := q.Limit
	if limit == 0 {
		limit = -1
	}

	cur, err := ix.GetMany(start, end, excludeStart, excludeEnd, limit, q.Offset)
	if err != nil {
		return nil, err
	}

	if !q.WithDoc {
		return cur, nil
	}

	return db.resolvingCursor(ix, cur), nil
}

// All returns a lazy sequence over every live entry of one index.
// limit -1 means unlimited.
func (db *Database) All(indexName string, limit, offset int, withDoc bool) (*Cursor, error) {
	err := db.requireOpen()
	if err != nil {
		return nil, err
	}

	ix, err := db.index(indexName)
	if err != nil {
		return nil, err
	}

	cur, err := ix.All(limit, offset)
	if err != nil {
		return nil, err
	}

	if !withDoc {
		return cur, nil
	}

	return db.resolvingCursor(ix, cur), nil
}

func (db *Database) resolvingCursor(ix Index, inner *Cursor) *Cursor {
	out := newCursor(func() (Entry, bool, error) {
		if !inner.Next() {
			return Entry{}, false, inner.Err()
		}

		entry := inner.Entry()

		err := db.resolve(ix, &entry)
		if err != nil {
			return Entry{}, false, err
		}

		return entry, true, nil
	})
	out.closeFn = func() { _ = inner.Close() }

	return out
}

// Count drains a lazy sequence and returns its length. It composes with
// the generator methods:
//
//	n, err := db.Count(db.All("id", -1, 0, false))
func (db *Database) Count(cur *Cursor, err error) (int, error) {
	if err != nil {
		return 0, err
	}

	defer func() { _ = cur.Close() }()

	n := 0
	for cur.Next() {
		n++
	}

	if cur.Err() != nil {
		return 0, cur.Err()
	}

	return n, nil
}

// Runner is implemented by index types that expose user-defined
// aggregation methods to Database.Run.
type Runner interface {
	RunCommand(db *Database, method string, args []any) (any, error)
}

// Run invokes a user-defined method on an index. Reserved names
// (anything starting with "destroy" or "_") are rejected.
func (db *Database) Run(indexName, method string, args ...any) (any, error) {
	err := db.requireOpen()
	if err != nil {
		return nil, err
	}

	ix, err := db.index(indexName)
	if err != nil {
		return nil, err
	}

	if strings.HasPrefix(method, "destroy") || strings.HasPrefix(method, "_") {
		return nil, fmt.Errorf("%w: %w: %s", ErrPrecondition, errForbiddenMethod, method)
	}

	runner, ok := ix.(Runner)
	if !ok {
		return nil, fmt.Errorf("%w: index %s has no runnable methods", ErrPrecondition, indexName)
	}

	return runner.RunCommand(db, method, args)
}

// Fsync forces storage and every index to disk.
func (db *Database) Fsync() error {
	err := db.requireOpen()
	if err != nil {
		return err
	}

	err = db.storage.Fsync()
	if err != nil {
		return err
	}

	for _, ix := range db.indexes {
		err = ix.Fsync()
		if err != nil {
			return err
		}
	}

	return nil
}

// Flush hands buffered entries to the OS. The engine writes through, so
// flush only verifies the database is open; Fsync adds the disk barrier.
func (db *Database) Flush() error {
	return db.requireOpen()
}

// IndexesNames returns the registered index names in ordinal order.
func (db *Database) IndexesNames() []string {
	names := make([]string, 0, len(db.indexes))
	for _, ix := range db.indexes {
		names = append(names, ix.Name())
	}

	return names
}

// GetIndex returns a registered index by name.
func (db *Database) GetIndex(name string) (Index, error) {
	if err := db.requireOpen(); err != nil {
		return nil, err
	}

	return db.index(name)
}

