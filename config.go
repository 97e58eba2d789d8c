package codernitydb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"
	"github.com/tailscale/hujson"
)

// databaseVersion is bumped on incompatible layout changes; open refuses
// a mismatch.
const databaseVersion = 1

// Metadata is the db.json file at the database root. Comments and
// trailing commas are tolerated when reading.
type Metadata struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

func loadMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, fmt.Errorf("%w: %s", ErrDatabasePath, path)
		}

		return Metadata{}, fmt.Errorf("reading metadata: %w", err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: invalid metadata JSONC: %w", ErrDatabasePath, err)
	}

	var meta Metadata

	err = json.Unmarshal(standardized, &meta)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: invalid metadata JSON: %w", ErrDatabasePath, err)
	}

	if meta.Version != databaseVersion {
		return Metadata{}, fmt.Errorf("%w: database version %d, engine version %d",
			ErrDatabasePath, meta.Version, databaseVersion)
	}

	return meta, nil
}

func saveMetadata(path string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("formatting metadata: %w", err)
	}

	err = atomic.WriteFile(path, bytes.NewReader(append(data, '\n')))
	if err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}

	return nil
}

// Options configures a database instance. NewDatabase starts from the
// defaults (no-op logger, JSON codec, a 4096-entry LRU cache) and applies
// each Option over them; a CacheSize of zero or less disables the cache.
type Options struct {
	Logger      zerolog.Logger
	Codec       Codec
	CacheSize   int
	CachePolicy EvictionPolicy

	noCache bool
}

// Option mutates Options at construction.
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		Logger:    zerolog.Nop(),
		Codec:     JSONCodec{},
		CacheSize: 4096,
	}
}

// WithLogger sets the instance logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithCodec replaces the storage codec.
func WithCodec(codec Codec) Option {
	return func(o *Options) { o.Codec = codec }
}

// WithCacheSize bounds the entry cache.
func WithCacheSize(entries int) Option {
	return func(o *Options) { o.CacheSize = entries }
}

// WithCachePolicy replaces the eviction policy.
func WithCachePolicy(policy EvictionPolicy) Option {
	return func(o *Options) { o.CachePolicy = policy }
}

// WithoutCache disables entry caching entirely.
func WithoutCache() Option {
	return func(o *Options) { o.noCache = true }
}
