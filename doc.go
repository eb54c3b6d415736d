/*

Pitingest feeds files through an external hook exactly once per
distinct content, remembering every accepted fingerprint in a store so
that later runs skip it.

Vocabulary:

- candidate: a path produced by a listing
- listing: an index file, or a set of glob patterns under a base dir
- fingerprint: hash of a candidate's full contents
- algo: name (string) describing hash algorithm
- hook: external command invoked with the candidate path as its last
  argument; exit 0 accepts, anything else rejects
- accepted: fingerprint present in the algo's hash tree
- rejected: fingerprint absent from the hash tree, same as never seen,
  so that the next run tries it again
- dedup hit: a candidate whose fingerprint is already accepted
- critical section: hook run plus store write, during which an
  interrupt is deferred instead of killing the process

*/

package pitingest
