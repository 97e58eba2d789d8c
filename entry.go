package codernitydb

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Hash entry record layout, sized by the index key format:
//
//	key[keySize] | doc_id[16] | rev u32 | start u64 | length u32 |
//	status byte | next u64
//
// next is the file offset of the following entry in the bucket chain,
// 0 meaning end of chain. All integers little-endian.
const entryFixedSize = idRawLen + 4 + 8 + 4 + 1 + 8

type hashEntry struct {
	key    []byte
	docID  []byte
	rev    uint32
	handle Handle
	status byte
	next   uint64
}

func entrySize(keySize int) int {
	return keySize + entryFixedSize
}

func marshalEntry(buf []byte, keySize int, e hashEntry) {
	copy(buf[0:keySize], e.key)

	pos := keySize
	copy(buf[pos:pos+idRawLen], e.docID)
	pos += idRawLen

	binary.LittleEndian.PutUint32(buf[pos:], e.rev)
	pos += 4

	binary.LittleEndian.PutUint64(buf[pos:], e.handle.Start)
	pos += 8

	binary.LittleEndian.PutUint32(buf[pos:], e.handle.Length)
	pos += 4

	buf[pos] = e.status
	pos++

	binary.LittleEndian.PutUint64(buf[pos:], e.next)
}

func unmarshalEntry(buf []byte, keySize int) (hashEntry, error) {
	if len(buf) < entrySize(keySize) {
		return hashEntry{}, fmt.Errorf("%w: short entry record", errEntryCorrupt)
	}

	e := hashEntry{
		key:   make([]byte, keySize),
		docID: make([]byte, idRawLen),
	}
	copy(e.key, buf[0:keySize])

	pos := keySize
	copy(e.docID, buf[pos:pos+idRawLen])
	pos += idRawLen

	e.rev = binary.LittleEndian.Uint32(buf[pos:])
	pos += 4

	e.handle.Start = binary.LittleEndian.Uint64(buf[pos:])
	pos += 8

	e.handle.Length = binary.LittleEndian.Uint32(buf[pos:])
	pos += 4

	e.status = buf[pos]
	pos++

	e.next = binary.LittleEndian.Uint64(buf[pos:])

	switch e.status {
	case statusEmpty, statusLive, statusDeleted:
	default:
		return hashEntry{}, fmt.Errorf("%w: bad entry status %d", errEntryCorrupt, e.status)
	}

	return e, nil
}

// toEntry resolves a raw record to the caller-facing form.
func (e hashEntry) toEntry(format KeyFormat) Entry {
	return Entry{
		ID:     hex.EncodeToString(e.docID),
		Rev:    revToString(e.rev),
		Key:    format.Decode(e.key),
		Handle: e.handle,
	}
}
