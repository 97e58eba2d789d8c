package codernitydb

import "errors"

// Error kinds surfaced by the engine. Callers match with errors.Is.
var (
	// ErrPrecondition covers malformed input: bad ids, reserved field
	// misuse, missing required fields, out-of-range parameters.
	ErrPrecondition = errors.New("precondition failed")

	// ErrNotFound means no live entry exists for the given key or id.
	ErrNotFound = errors.New("record not found")

	// ErrRecordDeleted means the entry exists but is tombstoned.
	ErrRecordDeleted = errors.New("record deleted")

	// ErrRevConflict means an update or delete carried a stale _rev.
	ErrRevConflict = errors.New("rev conflict")

	// ErrIndexConflict covers duplicate index names and wrong-identity
	// instances passed to destroy/compact.
	ErrIndexConflict = errors.New("index conflict")

	// ErrTryReindex means the operation touched an index that was added
	// but never reindexed.
	ErrTryReindex = errors.New("index requires reindex")

	// ErrDatabasePath means the path cannot be opened or is not a database.
	ErrDatabasePath = errors.New("database path invalid")

	// ErrDatabaseConflict means create was called on an existing database.
	ErrDatabaseConflict = errors.New("database already exists")

	// ErrIndex covers duplicate unique keys and key encoding mismatches.
	ErrIndex = errors.New("index error")

	// ErrRevertUnavailable means revert was requested with no prior
	// definition retained.
	ErrRevertUnavailable = errors.New("no index definition to revert to")
)

// Internal sentinels.
var (
	errDatabaseClosed  = errors.New("database is not opened")
	errDatabaseOpened  = errors.New("database is already opened")
	errIndexNotFound   = errors.New("index not found")
	errStorageCorrupt  = errors.New("storage file corrupt")
	errEntryCorrupt    = errors.New("entry file corrupt")
	errInvalidMagic    = errors.New("invalid file magic")
	errVersionMismatch = errors.New("file version mismatch")
	errKeySize         = errors.New("key does not match index key format")
	errDuplicateKey    = errors.New("duplicate key in unique index")
	errForbiddenMethod = errors.New("forbidden method name")
)
