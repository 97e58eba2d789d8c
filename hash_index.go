package codernitydb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/natefinch/atomic"
)

// Hash index file format constants.
const (
	hashMagic      = "CDBH"
	hashVersion    = 1
	hashHeaderSize = 32

	// DefaultHashLim is the bucket count used when a definition does not
	// set hash_lim.
	DefaultHashLim = 4096
)

// HashIndex is an on-disk hash map from key bytes to document entries.
// The file starts with a directory of hash_lim entry records serving as
// bucket heads; colliding writes append overflow entries and splice them
// into the bucket chain through the next pointer. Deletes flip the status
// byte and leave the chain intact so concurrent readers never observe a
// broken link; compaction reclaims tombstones.
//
// With hash_lim == 1 the directory is a single chain and the index
// degenerates to a coarse grouping, which is intentional for
// bucket-by-coarse-key indexes.
type HashIndex struct {
	name    string
	path    string
	file    *os.File
	keyFmt  KeyFormat
	hashLim uint32
	unique  bool
	proj    Projection
	cache   *Cache
	size    int64
	entrySz int
}

// NewHashIndex builds a hash index from its props. unique selects the
// variant that rejects duplicate live keys.
func NewHashIndex(filePath string, props IndexProps, unique bool) (*HashIndex, error) {
	keyFmt, err := ParseKeyFormat(props.KeyFormat)
	if err != nil {
		return nil, err
	}

	hashLim := props.HashLim
	if hashLim == 0 {
		hashLim = DefaultHashLim
	}

	if props.Projection == nil {
		return nil, fmt.Errorf("%w: index %q has no projection", ErrPrecondition, props.Name)
	}

	return &HashIndex{
		name:    props.Name,
		path:    filePath,
		keyFmt:  keyFmt,
		hashLim: hashLim,
		unique:  unique,
		proj:    props.Projection,
		entrySz: entrySize(keyFmt.Size()),
	}, nil
}

// Name returns the logical index name.
func (ix *HashIndex) Name() string { return ix.name }

// KeyFormat returns the index key format.
func (ix *HashIndex) KeyFormat() KeyFormat { return ix.keyFmt }

func (ix *HashIndex) setCache(c *Cache) { ix.cache = c }

// Open opens or creates the index file.
func (ix *HashIndex) Open(create bool) error {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_EXCL
	}

	file, err := os.OpenFile(ix.path, flags, 0o644) //nolint:gosec
	if err != nil {
		if create && os.IsExist(err) {
			return fmt.Errorf("%w: index file %s exists", ErrIndexConflict, ix.path)
		}

		if os.IsNotExist(err) {
			return fmt.Errorf("%w: index file %s", ErrDatabasePath, ix.path)
		}

		return fmt.Errorf("opening index %s: %w", ix.name, err)
	}

	ix.file = file

	if create {
		err = ix.writeEmpty()
		if err != nil {
			_ = file.Close()

			return err
		}

		return nil
	}

	err = ix.validate()
	if err != nil {
		_ = file.Close()

		return err
	}

	return nil
}

func (ix *HashIndex) writeEmpty() error {
	header := make([]byte, hashHeaderSize)
	copy(header[0:4], hashMagic)
	binary.LittleEndian.PutUint16(header[4:6], hashVersion)
	binary.LittleEndian.PutUint16(header[6:8], uint16(ix.keyFmt.Size()))
	binary.LittleEndian.PutUint32(header[8:12], ix.hashLim)

	if ix.unique {
		header[12] = 1
	}

	directory := make([]byte, int64(ix.hashLim)*int64(ix.entrySz))

	_, err := ix.file.WriteAt(header, 0)
	if err == nil {
		_, err = ix.file.WriteAt(directory, hashHeaderSize)
	}

	if err != nil {
		return fmt.Errorf("initializing index %s: %w", ix.name, err)
	}

	ix.size = hashHeaderSize + int64(len(directory))

	return nil
}

func (ix *HashIndex) validate() error {
	header := make([]byte, hashHeaderSize)

	_, err := ix.file.ReadAt(header, 0)
	if err != nil {
		return fmt.Errorf("reading index header %s: %w", ix.name, err)
	}

	if string(header[0:4]) != hashMagic {
		return fmt.Errorf("%w: index %s", errInvalidMagic, ix.name)
	}

	if binary.LittleEndian.Uint16(header[4:6]) != hashVersion {
		return fmt.Errorf("%w: index %s", errVersionMismatch, ix.name)
	}

	keySize := int(binary.LittleEndian.Uint16(header[6:8]))
	hashLim := binary.LittleEndian.Uint32(header[8:12])
	unique := header[12] == 1

	if keySize != ix.keyFmt.Size() || hashLim != ix.hashLim || unique != ix.unique {
		return fmt.Errorf("%w: index %s definition does not match file", errVersionMismatch, ix.name)
	}

	info, err := ix.file.Stat()
	if err != nil {
		return fmt.Errorf("stat index %s: %w", ix.name, err)
	}

	dirEnd := hashHeaderSize + int64(ix.hashLim)*int64(ix.entrySz)
	if info.Size() < dirEnd {
		return fmt.Errorf("%w: index %s directory truncated", errEntryCorrupt, ix.name)
	}

	// Drop a torn overflow append at the tail.
	size := info.Size()

	tail := (size - dirEnd) % int64(ix.entrySz)
	if tail != 0 {
		size -= tail

		err = ix.file.Truncate(size)
		if err != nil {
			return fmt.Errorf("truncating torn index tail %s: %w", ix.name, err)
		}
	}

	ix.size = size

	return nil
}

func (ix *HashIndex) bucketOffset(key []byte) int64 {
	h := fnv.New64a()
	_, _ = h.Write(key)

	return hashHeaderSize + int64(h.Sum64()%uint64(ix.hashLim))*int64(ix.entrySz)
}

func (ix *HashIndex) readEntry(off int64) (hashEntry, error) {
	if cached, ok := ix.cache.Get(ix.path, off); ok {
		entry, ok := cached.(hashEntry)
		if ok {
			return entry, nil
		}
	}

	buf := make([]byte, ix.entrySz)

	_, err := ix.file.ReadAt(buf, off)
	if err != nil {
		return hashEntry{}, fmt.Errorf("reading index entry %s@%d: %w", ix.name, off, err)
	}

	entry, err := unmarshalEntry(buf, ix.keyFmt.Size())
	if err != nil {
		return hashEntry{}, fmt.Errorf("index %s: %w", ix.name, err)
	}

	ix.cache.Put(ix.path, off, entry)

	return entry, nil
}

func (ix *HashIndex) writeEntry(off int64, e hashEntry) error {
	buf := make([]byte, ix.entrySz)
	marshalEntry(buf, ix.keyFmt.Size(), e)

	ix.cache.Invalidate(ix.path, off)

	_, err := ix.file.WriteAt(buf, off)
	if err != nil {
		return fmt.Errorf("writing index entry %s@%d: %w", ix.name, off, err)
	}

	if off+int64(ix.entrySz) > ix.size {
		ix.size = off + int64(ix.entrySz)
	}

	return nil
}

// Insert adds one entry. In the unique variant a live entry with the same
// key fails with a duplicate-key index error.
func (ix *HashIndex) Insert(key []byte, docID []byte, rev uint32, h Handle) error {
	head := ix.bucketOffset(key)

	entry, err := ix.readEntry(head)
	if err != nil {
		return err
	}

	newEntry := hashEntry{
		key:    key,
		docID:  docID,
		rev:    rev,
		handle: h,
		status: statusLive,
	}

	if entry.status == statusEmpty {
		return ix.writeEntry(head, newEntry)
	}

	// Walk the chain to its tail, checking uniqueness on the way.
	cur := head

	for {
		if entry.status == statusLive && bytes.Equal(entry.key, key) {
			if ix.unique {
				return fmt.Errorf("%w: %w: index %s", ErrIndex, errDuplicateKey, ix.name)
			}
		}

		if entry.next == 0 || int64(entry.next)+int64(ix.entrySz) > ix.size {
			break
		}

		cur = int64(entry.next)

		entry, err = ix.readEntry(cur)
		if err != nil {
			return err
		}
	}

	// Append the overflow entry first, splice second: a crash in between
	// leaves an orphan that compaction discards, never a broken chain.
	newOff := ix.size

	err = ix.writeEntry(newOff, newEntry)
	if err != nil {
		return err
	}

	entry.next = uint64(newOff)

	return ix.writeEntry(cur, entry)
}

// findLive locates the live entry for (key, docID). sawDeleted reports
// whether a tombstoned match was passed on the way.
func (ix *HashIndex) findLive(key []byte, docID []byte) (int64, hashEntry, bool, bool, error) {
	off := ix.bucketOffset(key)

	var sawDeleted bool

	for {
		entry, err := ix.readEntry(off)
		if err != nil {
			return 0, hashEntry{}, false, sawDeleted, err
		}

		if entry.status == statusEmpty {
			return 0, hashEntry{}, false, sawDeleted, nil
		}

		if bytes.Equal(entry.key, key) && (docID == nil || bytes.Equal(entry.docID, docID)) {
			if entry.status == statusLive {
				return off, entry, true, sawDeleted, nil
			}

			sawDeleted = true
		}

		if entry.next == 0 || int64(entry.next)+int64(ix.entrySz) > ix.size {
			return 0, hashEntry{}, false, sawDeleted, nil
		}

		off = int64(entry.next)
	}
}

// Update overwrites the entry in place when the key is unchanged and
// otherwise relocates it with a delete plus insert.
func (ix *HashIndex) Update(docID []byte, newKey []byte, rev uint32, h Handle, oldKey []byte) error {
	if bytes.Equal(newKey, oldKey) {
		off, entry, found, _, err := ix.findLive(oldKey, docID)
		if err != nil {
			return err
		}

		if !found {
			return fmt.Errorf("%w: index %s", ErrTryReindex, ix.name)
		}

		entry.rev = rev
		entry.handle = h

		return ix.writeEntry(off, entry)
	}

	err := ix.Delete(oldKey, docID)
	if err != nil {
		return err
	}

	return ix.Insert(newKey, docID, rev, h)
}

// Delete tombstones the entry for (key, docID) without unlinking it.
func (ix *HashIndex) Delete(key []byte, docID []byte) error {
	off, entry, found, _, err := ix.findLive(key, docID)
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("%w: index %s", ErrTryReindex, ix.name)
	}

	entry.status = statusDeleted

	return ix.writeEntry(off, entry)
}

// Get returns the first live entry for key.
func (ix *HashIndex) Get(key []byte) (Entry, error) {
	_, entry, found, sawDeleted, err := ix.findLive(key, nil)
	if err != nil {
		return Entry{}, err
	}

	if !found {
		if sawDeleted {
			return Entry{}, ErrRecordDeleted
		}

		return Entry{}, ErrNotFound
	}

	return entry.toEntry(ix.keyFmt), nil
}

// GetMany lazily yields all live entries for one key. Hash indexes only
// serve exact-match queries, so start and end must carry the same key.
func (ix *HashIndex) GetMany(start, end []byte, excludeStart, excludeEnd bool, limit, offset int) (*Cursor, error) {
	if start == nil || end == nil || !bytes.Equal(start, end) || excludeStart || excludeEnd {
		return nil, fmt.Errorf("%w: hash index %s serves exact-match queries only", ErrPrecondition, ix.name)
	}

	key := start
	off := ix.bucketOffset(key)
	done := false
	remaining := limit
	skip := offset

	return newCursor(func() (Entry, bool, error) {
		for !done {
			if remaining == 0 {
				return Entry{}, false, nil
			}

			entry, err := ix.readEntry(off)
			if err != nil {
				return Entry{}, false, err
			}

			advance := func() {
				if entry.next == 0 || int64(entry.next)+int64(ix.entrySz) > ix.size {
					done = true
				} else {
					off = int64(entry.next)
				}
			}

			if entry.status == statusEmpty {
				done = true

				break
			}

			if entry.status == statusLive && bytes.Equal(entry.key, key) {
				if skip > 0 {
					skip--
					advance()

					continue
				}

				if remaining > 0 {
					remaining--
				}

				out := entry.toEntry(ix.keyFmt)
				advance()

				return out, true, nil
			}

			advance()
		}

		return Entry{}, false, nil
	}), nil
}

// All lazily yields every live entry in file order.
func (ix *HashIndex) All(limit, offset int) (*Cursor, error) {
	off := int64(hashHeaderSize)
	remaining := limit
	skip := offset

	return newCursor(func() (Entry, bool, error) {
		for {
			if remaining == 0 || off+int64(ix.entrySz) > ix.size {
				return Entry{}, false, nil
			}

			entry, err := ix.readEntry(off)
			if err != nil {
				return Entry{}, false, err
			}

			off += int64(ix.entrySz)

			if entry.status != statusLive {
				continue
			}

			if skip > 0 {
				skip--

				continue
			}

			if remaining > 0 {
				remaining--
			}

			return entry.toEntry(ix.keyFmt), true, nil
		}
	}), nil
}

// Compact rewrites the file keeping only live entries, rehashed into
// fresh chains.
func (ix *HashIndex) Compact() error {
	return ix.compactRemap(nil)
}

// compactRemap is Compact with an optional storage handle translation,
// used by whole-database compaction.
func (ix *HashIndex) compactRemap(mapping map[Handle]Handle) error {
	tmpPath := ix.path + ".compact"

	_ = os.Remove(tmpPath)

	fresh := &HashIndex{
		name:    ix.name,
		path:    tmpPath,
		keyFmt:  ix.keyFmt,
		hashLim: ix.hashLim,
		unique:  ix.unique,
		proj:    ix.proj,
		entrySz: ix.entrySz,
	}

	err := fresh.Open(true)
	if err != nil {
		return fmt.Errorf("creating compaction target for %s: %w", ix.name, err)
	}

	err = ix.scan(func(entry hashEntry) error {
		if entry.status != statusLive {
			return nil
		}

		handle := entry.handle
		if mapping != nil {
			moved, ok := mapping[handle]
			if !ok {
				// The record vanished from storage; drop the entry.
				return nil
			}

			handle = moved
		}

		return fresh.Insert(entry.key, entry.docID, entry.rev, handle)
	})

	closeErr := fresh.file.Close()

	if err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("compacting index %s: %w", ix.name, err)
	}

	err = ix.file.Close()
	if err != nil {
		return fmt.Errorf("closing index %s for compaction: %w", ix.name, err)
	}

	err = atomic.ReplaceFile(tmpPath, ix.path)
	if err != nil {
		return fmt.Errorf("replacing index %s: %w", ix.name, err)
	}

	ix.cache.InvalidateFile(ix.path)

	file, err := os.OpenFile(ix.path, os.O_RDWR, 0o644) //nolint:gosec
	if err != nil {
		return fmt.Errorf("reopening compacted index %s: %w", ix.name, err)
	}

	ix.file = file

	return ix.validate()
}

// scan walks every entry record in file order.
func (ix *HashIndex) scan(fn func(entry hashEntry) error) error {
	buf := make([]byte, ix.entrySz)

	for off := int64(hashHeaderSize); off+int64(ix.entrySz) <= ix.size; off += int64(ix.entrySz) {
		_, err := ix.file.ReadAt(buf, off)
		if err != nil {
			return fmt.Errorf("scanning index %s: %w", ix.name, err)
		}

		entry, err := unmarshalEntry(buf, ix.keyFmt.Size())
		if err != nil {
			return fmt.Errorf("index %s: %w", ix.name, err)
		}

		err = fn(entry)
		if err != nil {
			return err
		}
	}

	return nil
}

// MakeKeyValue delegates to the index projection.
func (ix *HashIndex) MakeKeyValue(doc Document) (any, Document, error) {
	return ix.proj.MakeKeyValue(doc)
}

// MakeKey delegates to the index projection.
func (ix *HashIndex) MakeKey(key any) (any, error) {
	return ix.proj.MakeKey(key)
}

// Fsync forces the index file to disk.
func (ix *HashIndex) Fsync() error {
	err := ix.file.Sync()
	if err != nil {
		return fmt.Errorf("syncing index %s: %w", ix.name, err)
	}

	return nil
}

// Close releases the file handle.
func (ix *HashIndex) Close() error {
	ix.cache.InvalidateFile(ix.path)

	err := ix.file.Close()
	if err != nil && !isAlreadyClosed(err) {
		return fmt.Errorf("closing index %s: %w", ix.name, err)
	}

	return nil
}

// Destroy closes and removes the index file.
func (ix *HashIndex) Destroy() error {
	ix.cache.InvalidateFile(ix.path)

	_ = ix.file.Close()

	err := os.Remove(ix.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing index %s: %w", ix.name, err)
	}

	return nil
}

var _ Index = (*HashIndex)(nil)
