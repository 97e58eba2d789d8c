package codernitydb

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const customIndexDef = `name = custom
type = hash
key_format = I
hash_lim = 1

make_key_value:
test > 5: 1, {"test": test}
0, {"test": test}

make_key:
key
`

const treeIndexDef = `name = x
type = tree
key_format = I
node_capacity = 10

make_key_value:
x, None
`

const withAIndexDef = `name = with_a
type = hash
key_format = 16s
hash_lim = 128

make_key_value:
md5(str(a)), None

make_key:
md5(str(key))
`

func newTestDB(t *testing.T) *Database {
	t.Helper()

	db := NewDatabase(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, db.Create())

	t.Cleanup(func() {
		if db.Opened() {
			_ = db.Close()
		}
	})

	return db
}

func mustHexDecode(t *testing.T, s string) []byte {
	t.Helper()

	raw, err := hex.DecodeString(s)
	require.NoError(t, err)

	return raw
}

func stripEngineFields(doc Document) Document {
	out := doc.Copy()
	delete(out, FieldID)
	delete(out, FieldRev)

	return out
}

func TestInsertGetUpdateDelete(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)

	doc, err := db.Insert(Document{"a": int64(1)})
	require.NoError(t, err)
	require.Len(t, doc.ID(), 32)
	require.Len(t, doc.Rev(), 8)

	got, err := db.Get("id", doc.ID(), true)
	require.NoError(t, err)
	require.Equal(t, doc.ID(), got.Doc.ID())
	require.Equal(t, doc.Rev(), got.Doc.Rev())
	require.Empty(t, cmp.Diff(Document{"a": int64(1)}, stripEngineFields(got.Doc)))

	updated := doc.Copy()
	updated["x"] = "x"

	updated, err = db.Update(updated)
	require.NoError(t, err)
	require.NotEqual(t, doc.Rev(), updated.Rev())

	got, err = db.Get("id", doc.ID(), true)
	require.NoError(t, err)
	require.Equal(t, "x", got.Doc["x"])

	require.NoError(t, db.Delete(updated))

	_, err = db.Get("id", doc.ID(), false)
	require.ErrorIs(t, err, ErrRecordDeleted)
}

func TestInsertWithSuppliedID(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)

	const literalID = "54bee5c4628648b5a742379a1de89b2d"

	doc, err := db.Insert(Document{FieldID: literalID, "a": int64(1)})
	require.NoError(t, err)
	require.Equal(t, literalID, doc.ID())

	// A second insert with the same id fails and leaves one document.
	_, err = db.Insert(Document{FieldID: literalID, "a": int64(2)})
	require.ErrorIs(t, err, ErrIndex)

	n, err := db.Count(db.All("id", -1, 0, false))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestInsertRejectsBadIDs(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)

	_, err := db.Insert(Document{FieldID: "1", "a": int64(1)})
	require.ErrorIs(t, err, ErrPrecondition)

	_, err = db.Insert(Document{FieldID: 1, "a": int64(1)})
	require.ErrorIs(t, err, ErrPrecondition)

	upper := "54BEE5C4628648B5A742379A1DE89B2D"

	_, err = db.Insert(Document{FieldID: upper})
	require.ErrorIs(t, err, ErrPrecondition)

	_, err = db.Insert(Document{FieldRev: "00000001"})
	require.ErrorIs(t, err, ErrPrecondition)
}

func TestRevConflict(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)

	doc, err := db.Insert(Document{"a": int64(1)})
	require.NoError(t, err)

	stale := doc.Copy()
	stale[FieldRev] = "00000000"

	_, err = db.Update(stale)
	require.ErrorIs(t, err, ErrRevConflict)

	require.ErrorIs(t, db.Delete(stale), ErrRevConflict)

	// The original is untouched.
	got, err := db.Get("id", doc.ID(), true)
	require.NoError(t, err)
	require.Equal(t, doc.Rev(), got.Rev)
}

func TestOpenClosePersistence(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "db")

	db := NewDatabase(path)
	require.NoError(t, db.Create())

	var docs []Document

	for i := 0; i < 5; i++ {
		doc, err := db.Insert(Document{"i": int64(i)})
		require.NoError(t, err)

		docs = append(docs, doc)
	}

	require.NoError(t, db.Close())
	require.NoError(t, db.Open())
	require.NoError(t, db.Close())

	db2 := NewDatabase(path)
	require.NoError(t, db2.Open())

	defer func() { _ = db2.Close() }()

	for _, doc := range docs {
		got, err := db2.Get("id", doc.ID(), true)
		require.NoError(t, err)
		require.Empty(t, cmp.Diff(doc, got.Doc))
	}
}

func TestExistsAndDestroy(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "db")
	db := NewDatabase(path)

	require.False(t, db.Exists())
	require.NoError(t, db.Create())
	require.True(t, db.Exists())

	for i := 0; i < 5; i++ {
		_, err := db.Insert(Document{"i": int64(i)})
		require.NoError(t, err)
	}

	require.NoError(t, db.Destroy())
	require.False(t, db.Exists())

	fresh := NewDatabase(path)
	require.ErrorIs(t, fresh.Open(), ErrDatabasePath)
}

func TestDoubleCreateConflicts(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "db")

	db := NewDatabase(path)
	require.NoError(t, db.Create())
	require.NoError(t, db.Close())

	db2 := NewDatabase(path)
	require.ErrorIs(t, db2.Create(), ErrDatabaseConflict)

	// But it opens fine.
	require.NoError(t, db2.Open())
	require.NoError(t, db2.Close())
}

func TestCompactionPreservesData(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)

	ids := make([]string, 10)

	for i := 0; i < 10; i++ {
		doc, err := db.Insert(Document{"i": int64(i)})
		require.NoError(t, err)

		ids[i] = doc.ID()
	}

	for _, id := range ids {
		got, err := db.Get("id", id, true)
		require.NoError(t, err)

		doc := got.Doc.Copy()
		doc["update"] = true

		_, err = db.Update(doc)
		require.NoError(t, err)
	}

	require.NoError(t, db.Compact())

	for i, id := range ids {
		got, err := db.Get("id", id, true)
		require.NoError(t, err)
		require.Equal(t, int64(i), got.Doc["i"])
		require.Equal(t, true, got.Doc["update"])
	}

	// Idempotence: a second compaction observes the same live set.
	require.NoError(t, db.Compact())

	n, err := db.Count(db.All("id", -1, 0, false))
	require.NoError(t, err)
	require.Equal(t, 10, n)

	for i, id := range ids {
		got, err := db.Get("id", id, true)
		require.NoError(t, err)
		require.Equal(t, int64(i), got.Doc["i"])
	}
}

func TestCustomHashLim1Bucketing(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)

	name, err := db.AddIndex(customIndexDef)
	require.NoError(t, err)
	require.Equal(t, "custom", name)

	var docs []Document

	for i := 0; i < 100; i++ {
		doc, err := db.Insert(Document{"test": int64(6)})
		require.NoError(t, err)

		docs = append(docs, doc)
	}

	n, err := db.Count(db.GetMany("custom", Query{Key: 1, Limit: 101}))
	require.NoError(t, err)
	require.Equal(t, 100, n)

	n, err = db.Count(db.GetMany("custom", Query{Key: 0, Limit: 101}))
	require.NoError(t, err)
	require.Equal(t, 0, n)

	require.NoError(t, db.Delete(docs[0]))

	n, err = db.Count(db.GetMany("custom", Query{Key: 1, Limit: 101}))
	require.NoError(t, err)
	require.Equal(t, 99, n)

	// Projected values ride along when documents are resolved.
	cur, err := db.GetMany("custom", Query{Key: 1, Limit: 1, WithDoc: true})
	require.NoError(t, err)
	require.True(t, cur.Next())
	require.Equal(t, int64(6), cur.Entry().Value["test"])
	require.NoError(t, cur.Close())
}

func TestTreeIndexRangeThroughDatabase(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)

	_, err := db.AddIndex(treeIndexDef)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		_, err := db.Insert(Document{"x": int64(i)})
		require.NoError(t, err)
	}

	cur, err := db.GetMany("x", Query{Start: int64(10), End: int64(30), Limit: -1})
	require.NoError(t, err)

	var keys []int64

	for cur.Next() {
		keys = append(keys, cur.Entry().Key.(int64))
	}

	require.NoError(t, cur.Err())
	require.Len(t, keys, 21)

	for i, key := range keys {
		require.Equal(t, int64(10+i), key)
	}

	// Exclusive end drops exactly the boundary key.
	n, err := db.Count(db.GetMany("x", Query{Start: int64(10), End: int64(30), ExcludeEnd: true, Limit: -1}))
	require.NoError(t, err)
	require.Equal(t, 20, n)
}

func TestSecondaryIndexFollowsUpdates(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)

	_, err := db.AddIndex(treeIndexDef)
	require.NoError(t, err)

	doc, err := db.Insert(Document{"x": int64(5)})
	require.NoError(t, err)

	moved := doc.Copy()
	moved["x"] = int64(70)

	moved, err = db.Update(moved)
	require.NoError(t, err)

	_, err = db.Get("x", int64(5), false)
	require.ErrorIs(t, err, ErrNotFound)

	got, err := db.Get("x", int64(70), true)
	require.NoError(t, err)
	require.Equal(t, doc.ID(), got.ID)

	// Dropping the projected field removes the entry.
	gone := moved.Copy()
	delete(gone, "x")

	_, err = db.Update(gone)
	require.NoError(t, err)

	_, err = db.Get("x", int64(70), false)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAddIndexRequiresReindexForOldDocs(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)

	before, err := db.Insert(Document{"x": int64(1)})
	require.NoError(t, err)

	_, err = db.AddIndex(treeIndexDef)
	require.NoError(t, err)

	// The new index only sees documents written after the add.
	n, err := db.Count(db.All("x", -1, 0, false))
	require.NoError(t, err)
	require.Equal(t, 0, n)

	// Touching an old document through the new index trips try-reindex.
	_, err = db.Update(before.Copy())
	require.ErrorIs(t, err, ErrTryReindex)

	require.NoError(t, db.ReindexIndex("x"))

	n, err = db.Count(db.All("x", -1, 0, false))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// After reindex the update goes through.
	_, err = db.Update(before.Copy())
	require.NoError(t, err)
}

func TestReindexPreservesTriples(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)

	_, err := db.AddIndex(treeIndexDef)
	require.NoError(t, err)

	_, err = db.AddIndex(withAIndexDef)
	require.NoError(t, err)

	for i := 0; i < 40; i++ {
		_, err := db.Insert(Document{"x": int64(i % 10), "a": fmt.Sprintf("name-%d", i%4)})
		require.NoError(t, err)
	}

	collect := func(index string) map[string]bool {
		out := make(map[string]bool)

		cur, err := db.All(index, -1, 0, false)
		require.NoError(t, err)

		for cur.Next() {
			e := cur.Entry()
			out[fmt.Sprintf("%v|%s|%s|%d", e.Key, e.ID, e.Rev, e.Handle.Start)] = true
		}

		require.NoError(t, cur.Err())

		return out
	}

	beforeX := collect("x")
	beforeA := collect("with_a")

	require.NoError(t, db.Reindex())

	require.Equal(t, beforeX, collect("x"))
	require.Equal(t, beforeA, collect("with_a"))
}

func TestDestroyIndex(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)

	_, err := db.AddIndex(treeIndexDef)
	require.NoError(t, err)

	_, err = db.Insert(Document{"x": int64(1)})
	require.NoError(t, err)

	require.NoError(t, db.DestroyIndex("x"))

	_, err = db.Get("x", int64(1), false)
	require.ErrorIs(t, err, errIndexNotFound)

	// The id index is protected.
	require.ErrorIs(t, db.DestroyIndex("id"), ErrPrecondition)

	// A foreign instance of the same name is an identity mismatch.
	_, err = db.AddIndex(treeIndexDef)
	require.NoError(t, err)

	foreign, err := NewTreeIndex(filepath.Join(t.TempDir(), "01x.buck"), IndexProps{
		Name: "x", KeyFormat: "I", NodeCapacity: 10, Projection: passProjection{},
	})
	require.NoError(t, err)
	require.ErrorIs(t, db.DestroyIndex(foreign), ErrIndexConflict)
}

func TestReindexIDIndexForbidden(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)

	require.ErrorIs(t, db.ReindexIndex("id"), ErrPrecondition)
}

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	codec := JSONCodec{}

	doc := Document{
		"s":      "text",
		"i":      int64(42),
		"f":      1.5,
		"b":      true,
		"nested": map[string]any{"k": int64(1)},
		"list":   []any{int64(1), "two"},
	}

	data, err := codec.Encode(doc)
	require.NoError(t, err)

	back, err := codec.Decode(data)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(doc, back))
}

func TestGetWithDocSurfacesDeletedStorage(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)

	_, err := db.AddIndex(treeIndexDef)
	require.NoError(t, err)

	doc, err := db.Insert(Document{"x": int64(1)})
	require.NoError(t, err)

	// Flip the storage slot behind the index's back: a reader resolving
	// the entry must see the tombstone, not a stale payload.
	entry, err := db.Get("x", int64(1), false)
	require.NoError(t, err)
	require.NoError(t, db.storage.MarkDeleted(entry.Handle.Start))

	_, err = db.Get("x", int64(1), true)
	require.ErrorIs(t, err, ErrRecordDeleted)

	_ = doc
}
