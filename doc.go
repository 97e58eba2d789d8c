// Package codernitydb is an embedded, schema-less document store. Every
// document is a mapping of string keys to values, assigned a stable
// 32-hex id and a short revision tag, and persisted in an append-only
// storage file under a local directory. Documents are retrieved by id or
// through user-defined secondary indexes — an on-disk bucket-chained hash
// map for point lookups or an on-disk B+tree for range scans.
//
// The raw Database is single-writer and performs no locking; wrap it in
// ThreadSafeDatabase or SuperThreadSafeDatabase for concurrent use.
//
//	db := codernitydb.NewDatabase(dir)
//	if err := db.Create(); err != nil { ... }
//	doc, err := db.Insert(codernitydb.Document{"x": 1})
//	got, err := db.Get("id", doc.ID(), true)
//
// Secondary indexes are declared either as textual definition files in a
// small expression language (see internal/indexdef) or as registered Go
// index types supplying a Projection.
package codernitydb
