// Package sqlitestore is a durable bizsync.LocalStore on a single SQLite file.
//
// Values live in one key/value table created by the embedded goose
// migrations. The pure-Go modernc.org/sqlite driver is used, so the store
// builds without cgo.
package sqlitestore
