// Package listing turns a description of which files to ingest into a
// lazy stream of paths.
package listing

import (
	"context"
	"fmt"
)

// Source describes where candidate paths come from.  It is one of
// IndexFile, GlobPattern or WatchPattern.
type Source interface {
	fmt.Stringer
	open() (Iterator, error)
}

// Iterator yields paths one at a time.
//
//	it, err := listing.Open(src)
//	...
//	defer it.Close()
//	for it.Next(ctx) {
//		use(it.Path())
//	}
//	if err := it.Err(); err != nil {
//		...
//	}
//
// Next returns false when the listing is exhausted, fails, or ctx is
// done.  Cancellation is not an error.
type Iterator interface {
	Next(ctx context.Context) bool
	Path() string
	Err() error
	Close() error
}

// ListingError means a source could not be read.
type ListingError struct {
	Source Source
	Err    error
}

func (e *ListingError) Error() string {
	return fmt.Sprintf("listing %s: %v", e.Source, e.Err)
}

func (e *ListingError) Unwrap() error { return e.Err }

// Open starts iterating src.  Failures that can be detected up front
// (an unreadable index file, a malformed pattern) are returned here as
// a *ListingError.
func Open(src Source) (Iterator, error) {
	return src.open()
}

// Collect drains src into a slice.
func Collect(ctx context.Context, src Source) (paths []string, err error) {
	it, err := Open(src)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	for it.Next(ctx) {
		paths = append(paths, it.Path())
	}
	return paths, it.Err()
}
