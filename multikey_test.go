package codernitydb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// A substring-search index: every infix of the w field becomes a key, so
// one document owns many entries.
const wordsIndexDef = `name = words
type = tree
key_format = 8s
node_capacity = 16

make_key_value:
infix(w, 2, 8, 8), {"name": w}

make_key:
fix_r(key, 8)
`

func TestMultiKeySubstringSearch(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)

	_, err := db.AddIndex(wordsIndexDef)
	require.NoError(t, err)

	kangaroo, err := db.Insert(Document{"w": "kangaroo"})
	require.NoError(t, err)

	horse, err := db.Insert(Document{"w": "horse"})
	require.NoError(t, err)

	for _, sub := range []string{"ang", "roo", "kan", "garoo"} {
		got, err := db.Get("words", sub, true)
		require.NoError(t, err, sub)
		require.Equal(t, kangaroo.ID(), got.ID, sub)
		require.Equal(t, "kangaroo", got.Value["name"], sub)
	}

	for _, sub := range []string{"hor", "orse", "se"} {
		got, err := db.Get("words", sub, false)
		require.NoError(t, err, sub)
		require.Equal(t, horse.ID(), got.ID, sub)
	}

	_, err = db.Get("words", "zebra", false)
	require.ErrorIs(t, err, ErrNotFound)

	// Shared substrings resolve to both documents.
	rooster, err := db.Insert(Document{"w": "rooster"})
	require.NoError(t, err)

	n, err := db.Count(db.GetMany("words", Query{Key: "roo", Limit: -1}))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, db.Delete(rooster))

	// Updating the word moves every derived key.
	moved := kangaroo.Copy()
	moved["w"] = "koala"

	_, err = db.Update(moved)
	require.NoError(t, err)

	_, err = db.Get("words", "garoo", false)
	require.ErrorIs(t, err, ErrNotFound)

	got, err := db.Get("words", "oala", false)
	require.NoError(t, err)
	require.Equal(t, kangaroo.ID(), got.ID)

	// Deleting removes the rest.
	require.NoError(t, db.Delete(horse))

	_, err = db.Get("words", "orse", false)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestProjectionAcceptsPlainGoNumbers(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)

	_, err := db.AddIndex(treeIndexDef)
	require.NoError(t, err)

	// Plain int and float values normalize before hitting the key codec.
	_, err = db.Insert(Document{"x": 12})
	require.NoError(t, err)

	got, err := db.Get("x", 12, false)
	require.NoError(t, err)
	require.Equal(t, int64(12), got.Key)

	_, err = db.Get("x", int64(12), false)
	require.NoError(t, err)
}
