package codernitydb

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/natefinch/atomic"
)

// Storage file format constants.
const (
	storageMagic      = "CDBS"
	storageVersion    = 1
	storageHeaderSize = 16

	// Each record is: payload length (4 bytes LE) | status byte | payload.
	// Handles address the payload start, so the status byte sits at a
	// fixed offset of -1 from every handle.
	recordHeaderSize = 5
)

// Record status bytes, shared with index entry files.
const (
	statusEmpty   byte = 0
	statusLive    byte = 'o'
	statusDeleted byte = 'd'
)

// Handle locates one stored payload.
type Handle struct {
	Start  uint64
	Length uint32
}

// Storage is the append-only byte log of serialized documents. Live data is
// never rewritten in place; updates append a new record and the old one
// stays until compaction. The only in-place mutation is the status flip.
type Storage struct {
	path string
	file *os.File
	size int64
}

// openStorage opens or creates the storage file at path. On reopen a torn
// tail record (partial write at crash) is detected and truncated away.
func openStorage(path string, create bool) (*Storage, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_EXCL
	}

	file, err := os.OpenFile(path, flags, 0o644) //nolint:gosec
	if err != nil {
		if create && os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDatabaseConflict, path)
		}

		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDatabasePath, path)
		}

		return nil, fmt.Errorf("opening storage: %w", err)
	}

	s := &Storage{path: path, file: file}

	if create {
		header := make([]byte, storageHeaderSize)
		copy(header[0:4], storageMagic)
		binary.LittleEndian.PutUint16(header[4:6], storageVersion)

		_, err = file.WriteAt(header, 0)
		if err != nil {
			_ = file.Close()

			return nil, fmt.Errorf("writing storage header: %w", err)
		}

		s.size = storageHeaderSize

		return s, nil
	}

	err = s.validateAndRepair()
	if err != nil {
		_ = file.Close()

		return nil, err
	}

	return s, nil
}

// validateAndRepair checks the header and truncates any incomplete record
// at the tail so the file ends on a record boundary.
func (s *Storage) validateAndRepair() error {
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat storage: %w", err)
	}

	size := info.Size()
	if size < storageHeaderSize {
		return fmt.Errorf("%w: file smaller than header", errStorageCorrupt)
	}

	header := make([]byte, storageHeaderSize)

	_, err = s.file.ReadAt(header, 0)
	if err != nil {
		return fmt.Errorf("reading storage header: %w", err)
	}

	if string(header[0:4]) != storageMagic {
		return fmt.Errorf("%w: storage", errInvalidMagic)
	}

	if binary.LittleEndian.Uint16(header[4:6]) != storageVersion {
		return fmt.Errorf("%w: storage", errVersionMismatch)
	}

	// Walk records to the last complete one.
	pos := int64(storageHeaderSize)
	head := make([]byte, recordHeaderSize)

	for pos < size {
		if pos+recordHeaderSize > size {
			break
		}

		_, err = s.file.ReadAt(head, pos)
		if err != nil {
			return fmt.Errorf("scanning storage: %w", err)
		}

		length := int64(binary.LittleEndian.Uint32(head[0:4]))
		status := head[4]

		if status != statusLive && status != statusDeleted {
			break
		}

		if pos+recordHeaderSize+length > size {
			break
		}

		pos += recordHeaderSize + length
	}

	if pos < size {
		err = s.file.Truncate(pos)
		if err != nil {
			return fmt.Errorf("truncating torn storage tail: %w", err)
		}
	}

	s.size = pos

	return nil
}

// Append writes a length-prefixed payload and returns its handle.
func (s *Storage) Append(payload []byte) (Handle, error) {
	record := make([]byte, recordHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(record[0:4], uint32(len(payload)))
	record[4] = statusLive
	copy(record[recordHeaderSize:], payload)

	_, err := s.file.WriteAt(record, s.size)
	if err != nil {
		return Handle{}, fmt.Errorf("appending to storage: %w", err)
	}

	handle := Handle{
		Start:  uint64(s.size) + recordHeaderSize,
		Length: uint32(len(payload)),
	}
	s.size += int64(len(record))

	return handle, nil
}

// Read returns the payload at the handle, or ErrRecordDeleted if the slot
// was tombstoned between an index lookup and this read.
func (s *Storage) Read(h Handle) ([]byte, error) {
	if h.Start < recordHeaderSize || int64(h.Start)+int64(h.Length) > s.size {
		return nil, fmt.Errorf("%w: handle out of range", errStorageCorrupt)
	}

	buf := make([]byte, 1+h.Length)

	_, err := s.file.ReadAt(buf, int64(h.Start)-1)
	if err != nil {
		return nil, fmt.Errorf("reading storage: %w", err)
	}

	if buf[0] == statusDeleted {
		return nil, ErrRecordDeleted
	}

	if buf[0] != statusLive {
		return nil, fmt.Errorf("%w: bad record status %d", errStorageCorrupt, buf[0])
	}

	return buf[1:], nil
}

// MarkDeleted flips the record status. Idempotent.
func (s *Storage) MarkDeleted(start uint64) error {
	if start < recordHeaderSize || int64(start) > s.size {
		return fmt.Errorf("%w: handle out of range", errStorageCorrupt)
	}

	_, err := s.file.WriteAt([]byte{statusDeleted}, int64(start)-1)
	if err != nil {
		return fmt.Errorf("marking storage record deleted: %w", err)
	}

	return nil
}

// CompactInto writes each live handle's payload sequentially into a fresh
// file beside the current one and returns the old-to-new handle mapping.
// The caller completes the swap with replaceWith; until then the original
// file is untouched, so an aborted compaction loses nothing.
func (s *Storage) CompactInto(handles []Handle) (string, map[Handle]Handle, error) {
	tmpPath := s.path + ".compact"

	_ = os.Remove(tmpPath)

	dst, err := openStorage(tmpPath, true)
	if err != nil {
		return "", nil, fmt.Errorf("creating compaction target: %w", err)
	}

	mapping := make(map[Handle]Handle, len(handles))

	for _, h := range handles {
		payload, readErr := s.Read(h)
		if readErr != nil {
			_ = dst.Close()
			_ = os.Remove(tmpPath)

			return "", nil, fmt.Errorf("compacting storage: %w", readErr)
		}

		newHandle, appendErr := dst.Append(payload)
		if appendErr != nil {
			_ = dst.Close()
			_ = os.Remove(tmpPath)

			return "", nil, appendErr
		}

		mapping[h] = newHandle
	}

	err = dst.Close()
	if err != nil {
		_ = os.Remove(tmpPath)

		return "", nil, fmt.Errorf("closing compaction target: %w", err)
	}

	return tmpPath, mapping, nil
}

// replaceWith atomically replaces the storage file with the compacted one
// and reopens it.
func (s *Storage) replaceWith(tmpPath string) error {
	err := s.file.Close()
	if err != nil {
		return fmt.Errorf("closing storage for replace: %w", err)
	}

	err = atomic.ReplaceFile(tmpPath, s.path)
	if err != nil {
		return fmt.Errorf("replacing storage: %w", err)
	}

	file, err := os.OpenFile(s.path, os.O_RDWR, 0o644) //nolint:gosec
	if err != nil {
		return fmt.Errorf("reopening compacted storage: %w", err)
	}

	s.file = file

	return s.validateAndRepair()
}

// Fsync forces the file contents to disk.
func (s *Storage) Fsync() error {
	err := s.file.Sync()
	if err != nil {
		return fmt.Errorf("syncing storage: %w", err)
	}

	return nil
}

// Close releases the file handle.
func (s *Storage) Close() error {
	err := s.file.Close()
	if err != nil && !isAlreadyClosed(err) {
		return fmt.Errorf("closing storage: %w", err)
	}

	return nil
}

// Destroy closes and removes the storage file.
func (s *Storage) Destroy() error {
	_ = s.file.Close()

	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing storage: %w", err)
	}

	return nil
}

func isAlreadyClosed(err error) bool {
	pathErr, ok := err.(*os.PathError)

	return ok && pathErr.Err == os.ErrClosed
}

var _ io.Closer = (*Storage)(nil)
