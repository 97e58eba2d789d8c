package codernitydb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := openStorage(filepath.Join(t.TempDir(), storageName), true)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestStorageAppendRead(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)

	first, err := s.Append([]byte("hello"))
	require.NoError(t, err)

	second, err := s.Append([]byte("world!"))
	require.NoError(t, err)

	require.Equal(t, uint32(5), first.Length)
	require.Equal(t, uint32(6), second.Length)
	require.Greater(t, second.Start, first.Start)

	got, err := s.Read(first)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	got, err = s.Read(second)
	require.NoError(t, err)
	require.Equal(t, []byte("world!"), got)
}

func TestStorageMarkDeleted(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)

	h, err := s.Append([]byte("doomed"))
	require.NoError(t, err)

	require.NoError(t, s.MarkDeleted(h.Start))

	_, err = s.Read(h)
	require.ErrorIs(t, err, ErrRecordDeleted)

	// Idempotent.
	require.NoError(t, s.MarkDeleted(h.Start))
}

func TestStorageReopenKeepsRecords(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), storageName)

	s, err := openStorage(path, true)
	require.NoError(t, err)

	h, err := s.Append([]byte("persist"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = openStorage(path, false)
	require.NoError(t, err)

	defer func() { _ = s.Close() }()

	got, err := s.Read(h)
	require.NoError(t, err)
	require.Equal(t, []byte("persist"), got)
}

func TestStorageTornTailTruncated(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), storageName)

	s, err := openStorage(path, true)
	require.NoError(t, err)

	h, err := s.Append([]byte("complete"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Simulate a crash mid-append: a length prefix promising more bytes
	// than were written.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)

	_, err = f.Write([]byte{200, 0, 0, 0, statusLive, 'x', 'y'})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = openStorage(path, false)
	require.NoError(t, err)

	defer func() { _ = s.Close() }()

	got, err := s.Read(h)
	require.NoError(t, err)
	require.Equal(t, []byte("complete"), got)

	// The torn record is gone; the next append lands on a clean tail.
	h2, err := s.Append([]byte("after"))
	require.NoError(t, err)

	got, err = s.Read(h2)
	require.NoError(t, err)
	require.Equal(t, []byte("after"), got)
}

func TestStorageCompactInto(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)

	live1, err := s.Append([]byte("keep-1"))
	require.NoError(t, err)

	dead, err := s.Append([]byte("drop"))
	require.NoError(t, err)

	live2, err := s.Append([]byte("keep-2"))
	require.NoError(t, err)

	require.NoError(t, s.MarkDeleted(dead.Start))

	tmpPath, mapping, err := s.CompactInto([]Handle{live1, live2})
	require.NoError(t, err)
	require.Len(t, mapping, 2)

	require.NoError(t, s.replaceWith(tmpPath))

	got, err := s.Read(mapping[live1])
	require.NoError(t, err)
	require.Equal(t, []byte("keep-1"), got)

	got, err = s.Read(mapping[live2])
	require.NoError(t, err)
	require.Equal(t, []byte("keep-2"), got)

	// The compacted file holds exactly the two live records.
	require.Equal(t, int64(storageHeaderSize+2*recordHeaderSize+len("keep-1")+len("keep-2")), s.size)
}
