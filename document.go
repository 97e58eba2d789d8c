package codernitydb

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Reserved document fields.
const (
	FieldID  = "_id"
	FieldRev = "_rev"
)

const (
	idHexLen  = 32
	idRawLen  = 16
	revHexLen = 8
)

// firstRev is assigned on insert; every successful update bumps the
// counter, so "00000000" never identifies a live revision.
const firstRev = "00000001"

// Document is an arbitrary mapping persisted under a unique id.
// The engine only touches the reserved _id and _rev fields; everything
// else is opaque except through index projections.
type Document map[string]any

// ID returns the document id, or "" if unset or not a string.
func (d Document) ID() string {
	id, _ := d[FieldID].(string)

	return id
}

// Rev returns the document revision, or "" if unset or not a string.
func (d Document) Rev() string {
	rev, _ := d[FieldRev].(string)

	return rev
}

// Copy returns a shallow copy of the document.
func (d Document) Copy() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}

	return out
}

// newID generates a fresh 32-lowercase-hex document id.
func newID() string {
	u := uuid.New()

	return hex.EncodeToString(u[:])
}

// validateID checks the 32-lowercase-hex format and returns the raw
// 16-byte form used as the id index key.
func validateID(id string) ([]byte, error) {
	if len(id) != idHexLen {
		return nil, fmt.Errorf("%w: _id must be %d hex chars, got %q", ErrPrecondition, idHexLen, id)
	}

	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return nil, fmt.Errorf("%w: _id must be lowercase hex, got %q", ErrPrecondition, id)
		}
	}

	raw, err := hex.DecodeString(id)
	if err != nil {
		return nil, fmt.Errorf("%w: _id not hex: %q", ErrPrecondition, id)
	}

	return raw, nil
}

// nextRev advances an 8-hex revision token.
func nextRev(rev string) (string, error) {
	n, err := strconv.ParseUint(rev, 16, 32)
	if err != nil || len(rev) != revHexLen {
		return "", fmt.Errorf("%w: malformed _rev %q", ErrPrecondition, rev)
	}

	return fmt.Sprintf("%08x", uint32(n)+1), nil
}

// revToUint parses an 8-hex revision for entry records.
func revToUint(rev string) (uint32, error) {
	if len(rev) != revHexLen {
		return 0, fmt.Errorf("%w: malformed _rev %q", ErrPrecondition, rev)
	}

	n, err := strconv.ParseUint(rev, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed _rev %q", ErrPrecondition, rev)
	}

	return uint32(n), nil
}

func revToString(rev uint32) string {
	return fmt.Sprintf("%08x", rev)
}

// Codec converts documents to and from the stored byte form. Implementations
// must be pure: Decode(Encode(doc)) == doc. The engine treats the blob
// opaquely, so a codec may compress or encrypt.
type Codec interface {
	Encode(doc Document) ([]byte, error)
	Decode(data []byte) (Document, error)
}

// JSONCodec is the default document codec. Integral numbers decode as
// int64 and fractional ones as float64, so documents written with those
// types compare equal after a round trip.
type JSONCodec struct{}

// Encode marshals the document as compact JSON.
func (JSONCodec) Encode(doc Document) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding document: %w", ErrPrecondition, err)
	}

	return data, nil
}

// Decode unmarshals a stored payload.
func (JSONCodec) Decode(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc Document

	err := dec.Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding document: %w", errStorageCorrupt, err)
	}

	for k, v := range doc {
		doc[k] = normalizeJSON(v)
	}

	return doc, nil
}

// normalizeJSON rewrites decoded json.Number values to int64 (or float64
// when fractional), recursively through objects and arrays.
func normalizeJSON(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}

		f, _ := t.Float64()

		return f
	case map[string]any:
		for k, inner := range t {
			t[k] = normalizeJSON(inner)
		}

		return t
	case []any:
		for i, inner := range t {
			t[i] = normalizeJSON(inner)
		}

		return t
	default:
		return v
	}
}
