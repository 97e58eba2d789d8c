package codernitydb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/perchouli/codernitydb/internal/indexdef"
)

// Database directory layout.
const (
	indexesDirName = "_indexes"
	definitionExt  = ".idx"
	bucketExt      = ".buck"
	revertExt      = ".bck"
	storageName    = "main.stor"
	metadataName   = "db.json"
)

// idIndexName is the reserved ordinal-00 index.
const idIndexName = "id"

// langProjection adapts a parsed definition's function chains to the
// Projection interface.
type langProjection struct {
	def *indexdef.Definition
}

func (p langProjection) MakeKeyValue(doc Document) (any, Document, error) {
	fields := make(map[string]any, len(doc))
	for k, v := range doc {
		fields[k] = normalizeValue(v)
	}

	res, ok, err := p.def.MakeKeyValue.Eval(indexdef.DocEnv(fields))
	if err != nil {
		return nil, nil, err
	}

	if !ok {
		return nil, nil, nil
	}

	pair, isPair := res.(indexdef.Pair)
	if !isPair {
		// A bare expression is a key with no value part.
		return res, nil, nil
	}

	if pair.Key == nil || indexdef.IsNone(pair.Key) {
		return nil, nil, nil
	}

	switch v := pair.Value.(type) {
	case nil:
		return pair.Key, nil, nil
	case map[string]any:
		return pair.Key, Document(v), nil
	default:
		if indexdef.IsNone(pair.Value) {
			return pair.Key, nil, nil
		}

		return nil, nil, fmt.Errorf("%w: make_key_value value must be None or a dict, got %T",
			indexdef.ErrValue, pair.Value)
	}
}

func (p langProjection) MakeKey(key any) (any, error) {
	if p.def.MakeKey == nil {
		return normalizeValue(key), nil
	}

	res, ok, err := p.def.MakeKey.Eval(indexdef.KeyEnv(normalizeValue(key)))
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, nil
	}

	return res, nil
}

// normalizeValue maps decoded JSON values onto the evaluator's types.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}

		f, _ := n.Float64()

		return f
	case int:
		return int64(n)
	case uint32:
		return int64(n)
	case float64:
		if n == float64(int64(n)) {
			return int64(n)
		}

		return n
	default:
		return v
	}
}

// idProjection keys documents by their raw 16-byte id.
type idProjection struct{}

func (idProjection) MakeKeyValue(doc Document) (any, Document, error) {
	raw, err := validateID(doc.ID())
	if err != nil {
		return nil, nil, err
	}

	return raw, nil, nil
}

func (idProjection) MakeKey(key any) (any, error) {
	switch id := key.(type) {
	case string:
		return validateID(id)
	case []byte:
		if len(id) != idRawLen {
			return nil, fmt.Errorf("%w: id key must be %d bytes", ErrPrecondition, idRawLen)
		}

		return id, nil
	default:
		return nil, fmt.Errorf("%w: id key must be a hex string", ErrPrecondition)
	}
}

func init() {
	RegisterIndexType(idIndexName, func(filePath string, props IndexProps) (Index, error) {
		props.Projection = idProjection{}

		return NewHashIndex(filePath, props, true)
	})
}

// idIndexDefinition is the ordinal-00 definition written at create time.
const idIndexDefinition = "name = id\n" +
	"type = id\n" +
	"key_format = 16s\n" +
	"hash_lim = 4096\n"

// definitionProps extracts constructor props from a parsed definition.
func definitionProps(def *indexdef.Definition) (IndexProps, error) {
	name := def.Name()
	if name == "" {
		return IndexProps{}, fmt.Errorf("%w: definition has no name", ErrPrecondition)
	}

	keyFormat := def.Props["key_format"]
	if keyFormat == "" {
		keyFormat = "32s"
	}

	hashLim, err := def.IntProp("hash_lim", 0)
	if err != nil {
		return IndexProps{}, err
	}

	nodeCapacity, err := def.IntProp("node_capacity", 0)
	if err != nil {
		return IndexProps{}, err
	}

	props := IndexProps{
		Name:         name,
		Type:         def.Type(),
		KeyFormat:    keyFormat,
		HashLim:      uint32(hashLim),
		NodeCapacity: nodeCapacity,
	}

	if def.MakeKeyValue != nil {
		props.Projection = langProjection{def: def}
	}

	return props, nil
}

// buildIndex instantiates an index from a definition through the type
// registry.
func buildIndex(dbPath string, ordinal int, def *indexdef.Definition) (Index, error) {
	props, err := definitionProps(def)
	if err != nil {
		return nil, err
	}

	ctor, ok := lookupIndexType(props.Type)
	if !ok {
		return nil, fmt.Errorf("%w: unknown index type %q (registered: %s)",
			ErrPrecondition, props.Type, strings.Join(registeredIndexTypes(), ", "))
	}

	filePath := bucketPath(dbPath, ordinal, props.Name)

	return ctor(filePath, props)
}

func bucketPath(dbPath string, ordinal int, name string) string {
	return filepath.Join(dbPath, fmt.Sprintf("%02d%s%s", ordinal, name, bucketExt))
}

func definitionPath(dbPath string, ordinal int, name string) string {
	return filepath.Join(dbPath, indexesDirName, fmt.Sprintf("%02d%s%s", ordinal, name, definitionExt))
}

// loadedDefinition pairs a parsed definition with its ordinal.
type loadedDefinition struct {
	ordinal int
	name    string
	path    string
	def     *indexdef.Definition
}

// loadDefinitions reads _indexes/ in ordinal order.
func loadDefinitions(dbPath string) ([]loadedDefinition, error) {
	dir := filepath.Join(dbPath, indexesDirName)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrDatabasePath, dir, err)
	}

	var out []loadedDefinition

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, definitionExt) {
			continue
		}

		base := strings.TrimSuffix(name, definitionExt)
		if len(base) < 3 {
			return nil, fmt.Errorf("%w: bad definition file name %q", ErrDatabasePath, name)
		}

		ordinal, err := strconv.Atoi(base[:2])
		if err != nil {
			return nil, fmt.Errorf("%w: bad definition ordinal in %q", ErrDatabasePath, name)
		}

		src, err := os.ReadFile(filepath.Join(dir, name)) //nolint:gosec
		if err != nil {
			return nil, fmt.Errorf("reading definition %s: %w", name, err)
		}

		def, err := indexdef.Parse(string(src))
		if err != nil {
			return nil, fmt.Errorf("definition %s: %w", name, err)
		}

		if def.Name() != base[2:] {
			return nil, fmt.Errorf("%w: definition %q names index %q", ErrDatabasePath, name, def.Name())
		}

		out = append(out, loadedDefinition{
			ordinal: ordinal,
			name:    def.Name(),
			path:    filepath.Join(dir, name),
			def:     def,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ordinal < out[j].ordinal })

	if len(out) == 0 || out[0].ordinal != 0 || out[0].name != idIndexName {
		return nil, fmt.Errorf("%w: id index definition missing", ErrDatabasePath)
	}

	return out, nil
}

// writeDefinition persists a definition file atomically.
func writeDefinition(path, src string) error {
	err := atomic.WriteFile(path, bytes.NewReader([]byte(src)))
	if err != nil {
		return fmt.Errorf("writing definition %s: %w", path, err)
	}

	return nil
}

// propsDefinitionSource renders a props-only definition for an index
// whose projection lives in registered Go code.
func propsDefinitionSource(props IndexProps) string {
	var b strings.Builder

	fmt.Fprintf(&b, "name = %s\n", props.Name)
	fmt.Fprintf(&b, "type = %s\n", props.Type)
	fmt.Fprintf(&b, "key_format = %s\n", props.KeyFormat)

	if props.HashLim != 0 {
		fmt.Fprintf(&b, "hash_lim = %d\n", props.HashLim)
	}

	if props.NodeCapacity != 0 {
		fmt.Fprintf(&b, "node_capacity = %d\n", props.NodeCapacity)
	}

	return b.String()
}
