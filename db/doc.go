/*

Package db is the persistent content-addressed decision store used by
pitingest. It remembers which file contents have already been accepted by a
hook so the same content is never processed twice.

Vocabulary:

- dir: the store directory; holds config.json, the lock file, and the
  SQLite database
- algo: name (string) describing a hash algorithm, e.g. "sha256"
- fingerprint: digest of a file's full contents under one algo
- tree: named, ordered key-value partition of the store
- hash tree: a tree named "hashes:" + algo, mapping fingerprint to an
  (always empty) value
- decision: accepted (key present) or rejected (key absent); a rejected
  fingerprint leaves no record so a later run retries it
- dump: portable export of hash trees (msgpack records, optionally zstd
  compressed)

Every write is a single SQLite transaction, so a record is either fully
present or fully absent even if the process dies mid-write.  Flush
checkpoints the write-ahead log so that everything written so far survives
a power loss.

*/

package db
