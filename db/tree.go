package db

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"
)

// HashesPrefix starts the name of every hash tree.
const HashesPrefix = "hashes:"

// Tree is a named, ordered partition of the store.  Keys are compared
// bytewise.  Each method is one SQLite statement, so each is atomic.
type Tree struct {
	Db   *Db
	Name string
}

func hashAlgo(name string) (algo string, ok bool) {
	if !strings.HasPrefix(name, HashesPrefix) {
		return "", false
	}
	return name[len(HashesPrefix):], true
}

// Algo returns the hash algorithm of a hash tree, or "" for any other
// tree.
func (tree *Tree) Algo() string {
	algo, _ := hashAlgo(tree.Name)
	return algo
}

// Contains reports whether key is present.
func (tree *Tree) Contains(key []byte) (ok bool, err error) {
	var one int
	err = tree.Db.queryRow(context.Background(),
		"SELECT 1 FROM entries WHERE tree = ? AND key = ?",
		[]interface{}{tree.Name, key}, &one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "contains %s", tree.Name)
	}
	return true, nil
}

// Get returns the value stored under key.  ok is false if key is
// absent.
func (tree *Tree) Get(key []byte) (value []byte, ok bool, err error) {
	var stored []byte
	err = tree.Db.queryRow(context.Background(),
		"SELECT value FROM entries WHERE tree = ? AND key = ?",
		[]interface{}{tree.Name, key}, &stored)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "get %s", tree.Name)
	}
	value, err = tree.Db.decode(stored)
	if err != nil {
		return nil, false, errors.Wrapf(err, "get %s", tree.Name)
	}
	return value, true, nil
}

// Insert stores value under key, replacing any previous value.
func (tree *Tree) Insert(key, value []byte) error {
	err := tree.Db.exec(context.Background(),
		`INSERT INTO entries (tree, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (tree, key) DO UPDATE SET value = excluded.value`,
		tree.Name, key, tree.Db.encode(value))
	if err != nil {
		return &StoreWriteError{Tree: tree.Name, Key: key, Op: "insert", Err: err}
	}
	return nil
}

// InsertIfAbsent stores value under key only if key is absent, and
// reports whether this call created the entry.
func (tree *Tree) InsertIfAbsent(key, value []byte) (created bool, err error) {
	res, err := tree.Db.execResult(context.Background(),
		`INSERT INTO entries (tree, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (tree, key) DO NOTHING`,
		tree.Name, key, tree.Db.encode(value))
	if err != nil {
		return false, &StoreWriteError{Tree: tree.Name, Key: key, Op: "insert", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &StoreWriteError{Tree: tree.Name, Key: key, Op: "insert", Err: err}
	}
	return n == 1, nil
}

// Remove deletes key.  Removing an absent key is not an error.
func (tree *Tree) Remove(key []byte) error {
	err := tree.Db.exec(context.Background(),
		"DELETE FROM entries WHERE tree = ? AND key = ?", tree.Name, key)
	if err != nil {
		return &StoreWriteError{Tree: tree.Name, Key: key, Op: "remove", Err: err}
	}
	return nil
}

// Len counts the entries in the tree.
func (tree *Tree) Len() (n int, err error) {
	err = tree.Db.queryRow(context.Background(),
		"SELECT COUNT(*) FROM entries WHERE tree = ?",
		[]interface{}{tree.Name}, &n)
	return n, errors.Wrapf(err, "len %s", tree.Name)
}

// Scan calls fn for every entry in key order.  It stops at and returns
// the first error from fn.
func (tree *Tree) Scan(fn func(key, value []byte) error) (err error) {
	rows, err := tree.Db.sql.Query(
		"SELECT key, value FROM entries WHERE tree = ? ORDER BY key", tree.Name)
	if err != nil {
		return errors.Wrapf(err, "scan %s", tree.Name)
	}
	defer rows.Close()
	for rows.Next() {
		var key, stored []byte
		err = rows.Scan(&key, &stored)
		if err != nil {
			return errors.Wrapf(err, "scan %s", tree.Name)
		}
		value, err := tree.Db.decode(stored)
		if err != nil {
			return errors.Wrapf(err, "scan %s", tree.Name)
		}
		err = fn(key, value)
		if err != nil {
			return err
		}
	}
	return errors.Wrapf(rows.Err(), "scan %s", tree.Name)
}

// Decision returns Accepted if key is present and Unknown otherwise;
// a rejected key is never stored.
func (tree *Tree) Decision(key []byte) (Decision, error) {
	ok, err := tree.Contains(key)
	if err != nil || !ok {
		return Unknown, err
	}
	return Accepted, nil
}

// Record applies a decision: Accepted inserts key with an empty value,
// Rejected removes it.  A *StoreWriteError means the outcome is
// unknown.
func (tree *Tree) Record(key []byte, d Decision) error {
	switch d {
	case Accepted:
		return tree.Insert(key, nil)
	case Rejected:
		return tree.Remove(key)
	}
	return errors.Wrapf(ErrUnknownSpecifier, "decision %v", d)
}

// Confirm translates a yes/no answer into a decision and records it.
func (tree *Tree) Confirm(key []byte, answer string) error {
	d, err := ParseDecision(answer)
	if err != nil {
		return err
	}
	return tree.Record(key, d)
}
