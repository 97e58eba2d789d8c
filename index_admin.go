package codernitydb

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/perchouli/codernitydb/internal/indexdef"
)

// AddIndex parses a textual index definition, persists it under
// _indexes/, and opens the new index. Documents inserted before the add
// are invisible to it until ReindexIndex.
func (db *Database) AddIndex(src string) (string, error) {
	err := db.requireOpen()
	if err != nil {
		return "", err
	}

	def, err := indexdef.Parse(src)
	if err != nil {
		return "", err
	}

	return db.addParsedIndex(def, src)
}

// AddIndexProps registers an index whose projection lives in Go code:
// props.Type must name a registered index type. The persisted definition
// records the props so the registry can rebuild the index at open time.
func (db *Database) AddIndexProps(props IndexProps) (string, error) {
	err := db.requireOpen()
	if err != nil {
		return "", err
	}

	switch props.Type {
	case "hash", "unique_hash", "tree", idIndexName:
		// Built-in types take their projection from a definition file; a
		// Go projection could not be rebuilt at the next open.
		return "", fmt.Errorf("%w: register a named index type instead of %q for Go projections",
			ErrPrecondition, props.Type)
	}

	src := propsDefinitionSource(props)

	def, err := indexdef.Parse(src)
	if err != nil {
		return "", err
	}

	return db.addParsedIndex(def, src)
}

func (db *Database) addParsedIndex(def *indexdef.Definition, src string) (string, error) {
	name := def.Name()
	if name == "" {
		return "", fmt.Errorf("%w: definition has no name", ErrPrecondition)
	}

	if _, exists := db.byName[name]; exists {
		return "", fmt.Errorf("%w: duplicate index %q", ErrIndexConflict, name)
	}

	ordinal := db.nextOrdinal()

	ix, err := buildIndex(db.path, ordinal, def)
	if err != nil {
		return "", err
	}

	db.attachCache(ix)

	err = writeDefinition(definitionPath(db.path, ordinal, name), src)
	if err != nil {
		return "", err
	}

	err = ix.Open(true)
	if err != nil {
		_ = os.Remove(definitionPath(db.path, ordinal, name))

		return "", err
	}

	db.indexes = append(db.indexes, ix)
	db.byName[name] = ix
	db.ordinals[name] = ordinal

	db.log.Debug().Str("index", name).Int("ordinal", ordinal).Msg("index added")

	return name, nil
}

func (db *Database) nextOrdinal() int {
	next := 0
	for _, ordinal := range db.ordinals {
		if ordinal >= next {
			next = ordinal + 1
		}
	}

	return next
}

// EditIndex atomically replaces the definition of an existing index with
// one of the same name. The previous definition is retained as a revert
// point until the next edit. With reindex set, the index file is rebuilt
// from the live documents; otherwise existing entries are kept and only
// the projection changes.
func (db *Database) EditIndex(src string, reindex bool) (string, error) {
	err := db.requireOpen()
	if err != nil {
		return "", err
	}

	def, err := indexdef.Parse(src)
	if err != nil {
		return "", err
	}

	name := def.Name()
	if name == idIndexName {
		return "", fmt.Errorf("%w: cannot edit the id index", ErrPrecondition)
	}

	old, err := db.index(name)
	if err != nil {
		return "", err
	}

	ordinal := db.ordinals[name]
	defPath := definitionPath(db.path, ordinal, name)

	previous, err := os.ReadFile(defPath) //nolint:gosec
	if err != nil {
		return "", fmt.Errorf("reading current definition %s: %w", name, err)
	}

	err = writeDefinition(defPath+revertExt, string(previous))
	if err != nil {
		return "", err
	}

	err = writeDefinition(defPath, src)
	if err != nil {
		return "", err
	}

	err = old.Close()
	if err != nil {
		return "", err
	}

	return name, db.swapIndex(ordinal, def, reindex)
}

// RevertIndex restores the definition retained by the last EditIndex of
// the same name. A second revert in a row fails: the revert point is
// consumed.
func (db *Database) RevertIndex(name string, reindex bool) error {
	err := db.requireOpen()
	if err != nil {
		return err
	}

	old, err := db.index(name)
	if err != nil {
		return err
	}

	ordinal := db.ordinals[name]
	defPath := definitionPath(db.path, ordinal, name)

	previous, err := os.ReadFile(defPath + revertExt) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: index %s", ErrRevertUnavailable, name)
		}

		return fmt.Errorf("reading revert definition %s: %w", name, err)
	}

	def, err := indexdef.Parse(string(previous))
	if err != nil {
		return err
	}

	err = writeDefinition(defPath, string(previous))
	if err != nil {
		return err
	}

	err = os.Remove(defPath + revertExt)
	if err != nil {
		return fmt.Errorf("consuming revert point %s: %w", name, err)
	}

	err = old.Close()
	if err != nil {
		return err
	}

	return db.swapIndex(ordinal, def, reindex)
}

// swapIndex rebuilds the in-memory index at ordinal from a definition.
func (db *Database) swapIndex(ordinal int, def *indexdef.Definition, reindex bool) error {
	ix, err := buildIndex(db.path, ordinal, def)
	if err != nil {
		return err
	}

	db.attachCache(ix)

	if reindex {
		_ = os.Remove(bucketPath(db.path, ordinal, ix.Name()))

		err = ix.Open(true)
	} else {
		err = ix.Open(false)
	}

	if err != nil {
		return err
	}

	for i, existing := range db.indexes {
		if existing.Name() == ix.Name() {
			db.indexes[i] = ix

			break
		}
	}

	db.byName[ix.Name()] = ix

	if reindex {
		return db.fillIndex(ix)
	}

	return nil
}

// DestroyIndex removes an index, its file and its definition. Accepts a
// name or the registered index instance; the id index is protected.
func (db *Database) DestroyIndex(ref any) error {
	err := db.requireOpen()
	if err != nil {
		return err
	}

	ix, err := db.resolveIndex(ref)
	if err != nil {
		return err
	}

	name := ix.Name()
	if name == idIndexName {
		return fmt.Errorf("%w: cannot destroy the id index", ErrPrecondition)
	}

	err = ix.Destroy()
	if err != nil {
		return err
	}

	ordinal := db.ordinals[name]

	_ = os.Remove(definitionPath(db.path, ordinal, name))
	_ = os.Remove(definitionPath(db.path, ordinal, name) + revertExt)

	for i, existing := range db.indexes {
		if existing == ix {
			db.indexes = append(db.indexes[:i], db.indexes[i+1:]...)

			break
		}
	}

	delete(db.byName, name)
	delete(db.ordinals, name)

	db.log.Debug().Str("index", name).Msg("index destroyed")

	return nil
}

// CompactIndex rewrites one index file keeping only live entries.
func (db *Database) CompactIndex(ref any) error {
	err := db.requireOpen()
	if err != nil {
		return err
	}

	ix, err := db.resolveIndex(ref)
	if err != nil {
		return err
	}

	return ix.Compact()
}

// ReindexIndex rebuilds one secondary index from a scan of the live id
// index. Reindexing the id index is forbidden.
func (db *Database) ReindexIndex(ref any) error {
	err := db.requireOpen()
	if err != nil {
		return err
	}

	ix, err := db.resolveIndex(ref)
	if err != nil {
		return err
	}

	if ix.Name() == idIndexName {
		return fmt.Errorf("%w: cannot reindex the id index", ErrPrecondition)
	}

	err = ix.Destroy()
	if err != nil {
		return err
	}

	err = ix.Open(true)
	if err != nil {
		return err
	}

	return db.fillIndex(ix)
}

// fillIndex replays every live document into one index.
func (db *Database) fillIndex(ix Index) error {
	cur, err := db.idIndex().All(-1, 0)
	if err != nil {
		return err
	}

	defer func() { _ = cur.Close() }()

	for cur.Next() {
		idEntry := cur.Entry()

		payload, err := db.storage.Read(idEntry.Handle)
		if err != nil {
			if err == ErrRecordDeleted {
				continue
			}

			return err
		}

		doc, err := db.codec.Decode(payload)
		if err != nil {
			return err
		}

		keys, _, err := projectedKeys(ix, doc)
		if err != nil {
			return err
		}

		rawID, err := hex.DecodeString(idEntry.ID)
		if err != nil {
			return fmt.Errorf("%w: bad id in index: %q", errEntryCorrupt, idEntry.ID)
		}

		rev, err := revToUint(idEntry.Rev)
		if err != nil {
			return err
		}

		for _, key := range keys {
			err = ix.Insert(key, rawID, rev, idEntry.Handle)
			if err != nil {
				return err
			}
		}
	}

	return cur.Err()
}

// Reindex rebuilds every secondary index from storage.
func (db *Database) Reindex() error {
	err := db.requireOpen()
	if err != nil {
		return err
	}

	for _, ix := range db.indexes[1:] {
		err = db.ReindexIndex(ix.Name())
		if err != nil {
			return err
		}
	}

	db.log.Debug().Msg("reindex complete")

	return nil
}

// remapper lets compaction translate storage handles while rewriting an
// index file.
type remapper interface {
	compactRemap(mapping map[Handle]Handle) error
}

// Compact rewrites storage without tombstones, then rewrites every index
// translating entries to the new storage offsets. An interrupted storage
// compaction leaves the original files untouched.
func (db *Database) Compact() error {
	err := db.requireOpen()
	if err != nil {
		return err
	}

	cur, err := db.idIndex().All(-1, 0)
	if err != nil {
		return err
	}

	var handles []Handle

	for cur.Next() {
		handles = append(handles, cur.Entry().Handle)
	}

	if cur.Err() != nil {
		return cur.Err()
	}

	tmpPath, mapping, err := db.storage.CompactInto(handles)
	if err != nil {
		return err
	}

	err = db.storage.replaceWith(tmpPath)
	if err != nil {
		return err
	}

	for _, ix := range db.indexes {
		r, ok := ix.(remapper)
		if !ok {
			return fmt.Errorf("%w: index %s cannot be compacted", ErrPrecondition, ix.Name())
		}

		err = r.compactRemap(mapping)
		if err != nil {
			return err
		}
	}

	db.log.Debug().Int("live", len(handles)).Msg("compaction complete")

	return nil
}
