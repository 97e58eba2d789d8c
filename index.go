package codernitydb

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// keyKind discriminates KeyFormat encodings.
type keyKind int

const (
	keyUint32 keyKind = iota
	keyUint64
	keyBytes
)

// KeyFormat fixes the byte layout of an index key. Supported formats:
// "I" (uint32), "Q" (uint64), and "Ns" for fixed N-byte strings (for
// example "16s" for an md5 digest). Numeric keys are stored big-endian so
// byte order matches numeric order in the B-tree.
type KeyFormat struct {
	code string
	kind keyKind
	size int
}

// ParseKeyFormat parses a key format code.
func ParseKeyFormat(code string) (KeyFormat, error) {
	switch {
	case code == "I":
		return KeyFormat{code: code, kind: keyUint32, size: 4}, nil
	case code == "Q":
		return KeyFormat{code: code, kind: keyUint64, size: 8}, nil
	case strings.HasSuffix(code, "s"):
		n, err := strconv.Atoi(strings.TrimSuffix(code, "s"))
		if err != nil || n <= 0 || n > 255 {
			return KeyFormat{}, fmt.Errorf("%w: bad key format %q", ErrPrecondition, code)
		}

		return KeyFormat{code: code, kind: keyBytes, size: n}, nil
	default:
		return KeyFormat{}, fmt.Errorf("%w: bad key format %q", ErrPrecondition, code)
	}
}

// Code returns the format code string.
func (f KeyFormat) Code() string { return f.code }

// Size returns the fixed encoded size in bytes.
func (f KeyFormat) Size() int { return f.size }

// Encode converts a projection key to its fixed byte form. Oversized or
// undersized keys from a projection are a programming error and rejected.
func (f KeyFormat) Encode(key any) ([]byte, error) {
	switch f.kind {
	case keyUint32:
		n, err := toUint64(key)
		if err != nil || n > 0xffffffff {
			return nil, fmt.Errorf("%w: %w: key %v does not fit format I", ErrIndex, errKeySize, key)
		}

		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(n))

		return buf, nil
	case keyUint64:
		n, err := toUint64(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %w: key %v does not fit format Q", ErrIndex, errKeySize, key)
		}

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, n)

		return buf, nil
	default:
		var raw []byte

		switch v := key.(type) {
		case []byte:
			raw = v
		case string:
			raw = []byte(v)
		default:
			return nil, fmt.Errorf("%w: %w: key %T for format %s", ErrIndex, errKeySize, key, f.code)
		}

		if len(raw) != f.size {
			return nil, fmt.Errorf("%w: %w: got %d bytes, format %s", ErrIndex, errKeySize, len(raw), f.code)
		}

		out := make([]byte, f.size)
		copy(out, raw)

		return out, nil
	}
}

// Decode converts stored key bytes back to the caller-facing form.
func (f KeyFormat) Decode(raw []byte) any {
	switch f.kind {
	case keyUint32:
		return int64(binary.BigEndian.Uint32(raw))
	case keyUint64:
		return binary.BigEndian.Uint64(raw)
	default:
		out := make([]byte, len(raw))
		copy(out, raw)

		return out
	}
}

func toUint64(key any) (uint64, error) {
	switch v := key.(type) {
	case int:
		if v < 0 {
			return 0, errKeySize
		}

		return uint64(v), nil
	case int64:
		if v < 0 {
			return 0, errKeySize
		}

		return uint64(v), nil
	case uint32:
		return uint64(v), nil
	case uint64:
		return v, nil
	case uint:
		return uint64(v), nil
	case json.Number:
		n, err := strconv.ParseUint(v.String(), 10, 64)
		if err != nil {
			return 0, errKeySize
		}

		return n, nil
	case float64:
		if v < 0 || v != float64(uint64(v)) {
			return 0, errKeySize
		}

		return uint64(v), nil
	default:
		return 0, errKeySize
	}
}

// Entry is one index row resolved for a caller.
type Entry struct {
	ID     string
	Rev    string
	Key    any
	Handle Handle

	// Value holds the index projection's value part, recomputed from the
	// document when the read requested it. Nil otherwise.
	Value Document

	// Doc holds the full document when the read requested it.
	Doc Document
}

// Query bounds a get_many call. For hash indexes only Key is meaningful;
// for tree indexes Key is shorthand for Start == End == Key inclusive.
// Limit -1 means unlimited.
type Query struct {
	Key   any
	Start any
	End   any

	ExcludeStart bool
	ExcludeEnd   bool

	Limit   int
	Offset  int
	WithDoc bool
}

// Cursor is a lazy sequence of entries. Usage:
//
//	cur, err := db.All("id", -1, 0, false)
//	if err != nil { ... }
//	defer cur.Close()
//	for cur.Next() {
//	    e := cur.Entry()
//	    ...
//	}
//	if cur.Err() != nil { ... }
//
// Close releases per-cursor state; it is safe to call more than once.
type Cursor struct {
	next    func() (Entry, bool, error)
	closeFn func()

	entry  Entry
	err    error
	closed bool
}

func newCursor(next func() (Entry, bool, error)) *Cursor {
	return &Cursor{next: next}
}

// Next advances the cursor. It returns false at the end of the sequence or
// on error; check Err afterwards.
func (c *Cursor) Next() bool {
	if c.closed || c.err != nil {
		return false
	}

	entry, ok, err := c.next()
	if err != nil {
		c.err = err

		return false
	}

	if !ok {
		return false
	}

	c.entry = entry

	return true
}

// Entry returns the current entry.
func (c *Cursor) Entry() Entry { return c.entry }

// Err returns the first error the cursor hit, if any.
func (c *Cursor) Err() error { return c.err }

// Close drops the cursor and releases any per-cursor state.
func (c *Cursor) Close() error {
	if !c.closed {
		c.closed = true
		if c.closeFn != nil {
			c.closeFn()
		}
	}

	return nil
}

// Projection derives an index key (and optional small value) from a
// document. Returning a nil key means the document has no entry in this
// index.
type Projection interface {
	// MakeKeyValue projects a document to its index key and value.
	MakeKeyValue(doc Document) (key any, value Document, err error)

	// MakeKey normalizes a caller-supplied lookup key the same way
	// MakeKeyValue normalizes projected keys.
	MakeKey(key any) (any, error)
}

// Index is one on-disk secondary (or id) index. Implementations are not
// safe for concurrent use; the locking wrappers add that.
type Index interface {
	Name() string
	KeyFormat() KeyFormat

	Open(create bool) error
	Close() error
	Destroy() error
	Fsync() error

	Insert(key []byte, docID []byte, rev uint32, h Handle) error
	Update(docID []byte, newKey []byte, rev uint32, h Handle, oldKey []byte) error
	Delete(key []byte, docID []byte) error

	Get(key []byte) (Entry, error)
	GetMany(start, end []byte, excludeStart, excludeEnd bool, limit, offset int) (*Cursor, error)
	All(limit, offset int) (*Cursor, error)

	Compact() error

	Projection
}

// IndexProps carries the constructor parameters read from a definition
// file or supplied programmatically.
type IndexProps struct {
	Name         string
	Type         string
	KeyFormat    string
	HashLim      uint32
	NodeCapacity int

	// Projection overrides the definition-file functions for Go-authored
	// index types.
	Projection Projection
}

// IndexConstructor builds an index rooted at filePath from its props.
type IndexConstructor func(filePath string, props IndexProps) (Index, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]IndexConstructor{}
)

// RegisterIndexType registers a constructor under a type name. Definition
// files name the type; the registry instantiates. Built-in types "hash",
// "unique_hash" and "tree" are pre-registered. Registering an existing
// name replaces it.
func RegisterIndexType(name string, c IndexConstructor) {
	registryMu.Lock()
	defer registryMu.Unlock()

	registry[name] = c
}

func lookupIndexType(name string) (IndexConstructor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	c, ok := registry[name]

	return c, ok
}

func registeredIndexTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func init() {
	RegisterIndexType("hash", func(filePath string, props IndexProps) (Index, error) {
		return NewHashIndex(filePath, props, false)
	})
	RegisterIndexType("unique_hash", func(filePath string, props IndexProps) (Index, error) {
		return NewHashIndex(filePath, props, true)
	})
	RegisterIndexType("tree", func(filePath string, props IndexProps) (Index, error) {
		return NewTreeIndex(filePath, props)
	})
}
