package codernitydb

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"strings"
)

// MaxShards bounds the fan-out of a sharded index.
const MaxShards = 255

// ShardRouter picks the shard (0..n-1) for an encoded key.
type ShardRouter func(key []byte, n int) int

// DefaultShardRouter derives the shard from FNV-1a of the key bytes.
func DefaultShardRouter(key []byte, n int) int {
	h := fnv.New64a()
	_, _ = h.Write(key)

	return int(h.Sum64() % uint64(n))
}

// ShardedIndex multiplexes one logical index across N sub-indexes of the
// same type. Point operations dispatch to the shard the router picks;
// All and GetMany merge lazily across every shard.
type ShardedIndex struct {
	name   string
	shards []Index
	router ShardRouter
}

// NewShardedIndex assembles a sharded index over pre-built sub-indexes.
// All shards must share one key format.
func NewShardedIndex(name string, router ShardRouter, shards []Index) (*ShardedIndex, error) {
	if len(shards) < 1 || len(shards) > MaxShards {
		return nil, fmt.Errorf("%w: shard count must be 1..%d, got %d", ErrPrecondition, MaxShards, len(shards))
	}

	format := shards[0].KeyFormat().Code()
	for _, shard := range shards[1:] {
		if shard.KeyFormat().Code() != format {
			return nil, fmt.Errorf("%w: shards disagree on key format", ErrPrecondition)
		}
	}

	if router == nil {
		router = DefaultShardRouter
	}

	return &ShardedIndex{name: name, shards: shards, router: router}, nil
}

// NewShardedHashIndex builds n hash sub-indexes beside filePath, named by
// shard number.
func NewShardedHashIndex(filePath string, props IndexProps, n int, router ShardRouter) (*ShardedIndex, error) {
	shards := make([]Index, 0, n)

	for i := 0; i < n; i++ {
		shard, err := NewHashIndex(shardPath(filePath, i), props, false)
		if err != nil {
			return nil, err
		}

		shards = append(shards, shard)
	}

	return NewShardedIndex(props.Name, router, shards)
}

// NewShardedTreeIndex builds n tree sub-indexes beside filePath, named by
// shard number.
func NewShardedTreeIndex(filePath string, props IndexProps, n int, router ShardRouter) (*ShardedIndex, error) {
	shards := make([]Index, 0, n)

	for i := 0; i < n; i++ {
		shard, err := NewTreeIndex(shardPath(filePath, i), props)
		if err != nil {
			return nil, err
		}

		shards = append(shards, shard)
	}

	return NewShardedIndex(props.Name, router, shards)
}

func shardPath(filePath string, shard int) string {
	dir := filepath.Dir(filePath)
	base := filepath.Base(filePath)
	ext := filepath.Ext(base)

	return filepath.Join(dir, fmt.Sprintf("%s.%02d%s", strings.TrimSuffix(base, ext), shard, ext))
}

// Name returns the logical index name.
func (sx *ShardedIndex) Name() string { return sx.name }

// KeyFormat returns the shared key format.
func (sx *ShardedIndex) KeyFormat() KeyFormat { return sx.shards[0].KeyFormat() }

func (sx *ShardedIndex) setCache(c *Cache) {
	type cacheable interface{ setCache(*Cache) }

	for _, shard := range sx.shards {
		if s, ok := shard.(cacheable); ok {
			s.setCache(c)
		}
	}
}

func (sx *ShardedIndex) pick(key []byte) Index {
	return sx.shards[sx.router(key, len(sx.shards))]
}

// Open opens or creates every shard.
func (sx *ShardedIndex) Open(create bool) error {
	for _, shard := range sx.shards {
		err := shard.Open(create)
		if err != nil {
			return err
		}
	}

	return nil
}

// Close closes every shard.
func (sx *ShardedIndex) Close() error {
	var firstErr error

	for _, shard := range sx.shards {
		err := shard.Close()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Destroy removes every shard file.
func (sx *ShardedIndex) Destroy() error {
	var firstErr error

	for _, shard := range sx.shards {
		err := shard.Destroy()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Fsync syncs every shard.
func (sx *ShardedIndex) Fsync() error {
	for _, shard := range sx.shards {
		err := shard.Fsync()
		if err != nil {
			return err
		}
	}

	return nil
}

// Insert dispatches to the routed shard.
func (sx *ShardedIndex) Insert(key []byte, docID []byte, rev uint32, h Handle) error {
	return sx.pick(key).Insert(key, docID, rev, h)
}

// Update keeps the entry in its shard when the key is unchanged and
// otherwise moves it between shards.
func (sx *ShardedIndex) Update(docID []byte, newKey []byte, rev uint32, h Handle, oldKey []byte) error {
	oldShard := sx.pick(oldKey)

	newShard := sx.pick(newKey)
	if oldShard == newShard {
		return oldShard.Update(docID, newKey, rev, h, oldKey)
	}

	err := oldShard.Delete(oldKey, docID)
	if err != nil {
		return err
	}

	return newShard.Insert(newKey, docID, rev, h)
}

// Delete dispatches to the routed shard.
func (sx *ShardedIndex) Delete(key []byte, docID []byte) error {
	return sx.pick(key).Delete(key, docID)
}

// Get dispatches to the routed shard.
func (sx *ShardedIndex) Get(key []byte) (Entry, error) {
	return sx.pick(key).Get(key)
}

// GetMany serves exact-match queries from the routed shard and merges
// range queries lazily across all shards in key order.
func (sx *ShardedIndex) GetMany(start, end []byte, excludeStart, excludeEnd bool, limit, offset int) (*Cursor, error) {
	if start != nil && end != nil && string(start) == string(end) && !excludeStart && !excludeEnd {
		return sx.pick(start).GetMany(start, end, excludeStart, excludeEnd, limit, offset)
	}

	cursors := make([]*Cursor, 0, len(sx.shards))

	for _, shard := range sx.shards {
		cur, err := shard.GetMany(start, end, excludeStart, excludeEnd, -1, 0)
		if err != nil {
			for _, open := range cursors {
				_ = open.Close()
			}

			return nil, err
		}

		cursors = append(cursors, cur)
	}

	return mergeCursors(sx.KeyFormat(), cursors, limit, offset), nil
}

// All merges every shard's sequence lazily.
func (sx *ShardedIndex) All(limit, offset int) (*Cursor, error) {
	cursors := make([]*Cursor, 0, len(sx.shards))

	for _, shard := range sx.shards {
		cur, err := shard.All(-1, 0)
		if err != nil {
			for _, open := range cursors {
				_ = open.Close()
			}

			return nil, err
		}

		cursors = append(cursors, cur)
	}

	return mergeCursors(sx.KeyFormat(), cursors, limit, offset), nil
}

// mergeCursors k-way merges shard cursors by key, applying offset and
// limit after the merge.
func mergeCursors(format KeyFormat, cursors []*Cursor, limit, offset int) *Cursor {
	heads := make([]*Entry, len(cursors))
	primed := false
	remaining := limit
	skip := offset

	prime := func(i int) error {
		if cursors[i].Next() {
			e := cursors[i].Entry()
			heads[i] = &e

			return nil
		}

		heads[i] = nil

		return cursors[i].Err()
	}

	out := newCursor(func() (Entry, bool, error) {
		if !primed {
			primed = true

			for i := range cursors {
				err := prime(i)
				if err != nil {
					return Entry{}, false, err
				}
			}
		}

		for {
			if remaining == 0 {
				return Entry{}, false, nil
			}

			best := -1

			for i, head := range heads {
				if head == nil {
					continue
				}

				if best < 0 || compareEntryKeys(format, *head, *heads[best]) < 0 {
					best = i
				}
			}

			if best < 0 {
				return Entry{}, false, nil
			}

			entry := *heads[best]

			err := prime(best)
			if err != nil {
				return Entry{}, false, err
			}

			if skip > 0 {
				skip--

				continue
			}

			if remaining > 0 {
				remaining--
			}

			return entry, true, nil
		}
	})
	out.closeFn = func() {
		for _, cur := range cursors {
			_ = cur.Close()
		}
	}

	return out
}

func compareEntryKeys(format KeyFormat, a, b Entry) int {
	ka, errA := format.Encode(a.Key)

	kb, errB := format.Encode(b.Key)
	if errA != nil || errB != nil {
		return 0
	}

	return bytes.Compare(ka, kb)
}

// MakeKeyValue delegates to the first shard's projection.
func (sx *ShardedIndex) MakeKeyValue(doc Document) (any, Document, error) {
	return sx.shards[0].MakeKeyValue(doc)
}

// MakeKey delegates to the first shard's projection.
func (sx *ShardedIndex) MakeKey(key any) (any, error) {
	return sx.shards[0].MakeKey(key)
}

// Compact compacts every shard.
func (sx *ShardedIndex) Compact() error {
	for _, shard := range sx.shards {
		err := shard.Compact()
		if err != nil {
			return err
		}
	}

	return nil
}

// compactRemap translates storage handles in every shard.
func (sx *ShardedIndex) compactRemap(mapping map[Handle]Handle) error {
	for _, shard := range sx.shards {
		r, ok := shard.(remapper)
		if !ok {
			return fmt.Errorf("%w: shard of %s cannot be compacted", ErrPrecondition, sx.name)
		}

		err := r.compactRemap(mapping)
		if err != nil {
			return err
		}
	}

	return nil
}

var _ Index = (*ShardedIndex)(nil)
