package codernitydb

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// sumIndex is a Go-authored index type: documents with an "a" field are
// keyed by it, and run_sum adds up their "x" values.
type sumIndex struct {
	*HashIndex
}

type sumProjection struct{}

func (sumProjection) MakeKeyValue(doc Document) (any, Document, error) {
	a, ok := doc["a"]
	if !ok {
		return nil, nil, nil
	}

	x, hasX := doc["x"]
	if !hasX {
		x = int64(0)
	}

	return a, Document{"x": x}, nil
}

func (sumProjection) MakeKey(key any) (any, error) { return key, nil }

func (ix *sumIndex) RunCommand(db *Database, method string, args []any) (any, error) {
	if method != "sum" {
		return nil, fmt.Errorf("%w: unknown method %q", ErrPrecondition, method)
	}

	if len(args) != 1 {
		return nil, fmt.Errorf("%w: sum takes one key", ErrPrecondition)
	}

	cur, err := db.GetMany(ix.Name(), Query{Key: args[0], Limit: -1, WithDoc: true})
	if err != nil {
		return nil, err
	}

	defer func() { _ = cur.Close() }()

	var total int64

	for cur.Next() {
		if x, ok := cur.Entry().Value["x"].(int64); ok {
			total += x
		}
	}

	return total, cur.Err()
}

func init() {
	RegisterIndexType("with_sum", func(filePath string, props IndexProps) (Index, error) {
		props.Projection = sumProjection{}

		inner, err := NewHashIndex(filePath, props, false)
		if err != nil {
			return nil, err
		}

		return &sumIndex{HashIndex: inner}, nil
	})
}

func TestRunInvokesCustomMethod(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)

	_, err := db.AddIndexProps(IndexProps{Name: "sums", Type: "with_sum", KeyFormat: "I", HashLim: 64})
	require.NoError(t, err)

	for i := int64(0); i < 10; i++ {
		_, err := db.Insert(Document{"a": i % 2, "x": i})
		require.NoError(t, err)
	}

	// Keys 0,2,4,6,8 land under a=0; 1,3,5,7,9 under a=1.
	got, err := db.Run("sums", "sum", int64(0))
	require.NoError(t, err)
	require.Equal(t, int64(20), got)

	got, err = db.Run("sums", "sum", int64(1))
	require.NoError(t, err)
	require.Equal(t, int64(25), got)
}

func TestRunRejectsReservedMethods(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)

	_, err := db.AddIndexProps(IndexProps{Name: "sums", Type: "with_sum", KeyFormat: "I", HashLim: 64})
	require.NoError(t, err)

	_, err = db.Run("sums", "destroy", nil)
	require.ErrorIs(t, err, ErrPrecondition)

	_, err = db.Run("sums", "_internal", nil)
	require.ErrorIs(t, err, ErrPrecondition)

	// The id index exposes nothing runnable.
	_, err = db.Run("id", "sum")
	require.ErrorIs(t, err, ErrPrecondition)
}

func TestGoIndexTypeSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "db")

	db := NewDatabase(path)
	require.NoError(t, db.Create())

	_, err := db.AddIndexProps(IndexProps{Name: "sums", Type: "with_sum", KeyFormat: "I", HashLim: 64})
	require.NoError(t, err)

	_, err = db.Insert(Document{"a": int64(3), "x": int64(7)})
	require.NoError(t, err)

	require.NoError(t, db.Close())
	require.NoError(t, db.Open())

	defer func() { _ = db.Close() }()

	got, err := db.Run("sums", "sum", int64(3))
	require.NoError(t, err)
	require.Equal(t, int64(7), got)
}

func TestAddIndexPropsRejectsBuiltinTypes(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)

	_, err := db.AddIndexProps(IndexProps{Name: "bad", Type: "hash", KeyFormat: "I"})
	require.ErrorIs(t, err, ErrPrecondition)
}
