package db

import (
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrLocked means another process holds the store lock.
	ErrLocked = errors.New("store is locked by another process")

	// ErrSchemaMismatch means config.json names a version or engine
	// this build doesn't understand.
	ErrSchemaMismatch = errors.New("schema version mismatch")

	// ErrUnknownSpecifier is returned for confirmation answers that are
	// neither a recognized yes nor a recognized no.
	ErrUnknownSpecifier = errors.New("unknown specifier")
)

// StoreOpenError means the store at Dir could not be used at all.
type StoreOpenError struct {
	Dir string
	Err error
}

func (e *StoreOpenError) Error() string {
	return fmt.Sprintf("cannot open store %s: %v", e.Dir, e.Err)
}

func (e *StoreOpenError) Unwrap() error { return e.Err }

// StoreWriteError means a tree mutation failed.  The write may or may
// not have taken effect.
type StoreWriteError struct {
	Tree string
	Key  []byte
	Op   string
	Err  error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Tree, hex.EncodeToString(e.Key), e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// NotDbError means Dir exists and has contents, but isn't a store.
type NotDbError struct {
	Dir string
}

func (e *NotDbError) Error() string {
	return fmt.Sprintf("not a database: %s", e.Dir)
}
