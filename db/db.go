package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"

	_ "modernc.org/sqlite"
)

const (
	// Version is the on-disk layout version written to config.json.
	Version = 1
	// Engine names the storage engine behind the trees.
	Engine = "sqlite"

	configName = "config.json"
	lockName   = "lock"
	sqlName    = "store.db"
)

// Mode selects the durability/throughput tradeoff of the engine.
type Mode int

const (
	// HighThroughput uses a write-ahead log and only syncs on
	// checkpoints; Flush makes everything durable.
	HighThroughput Mode = iota
	// LowSpace uses a rollback journal and syncs every commit.
	LowSpace
)

// Options tune the store.  The zero value is usable; DefaultOptions
// matches what the CLI uses.
type Options struct {
	CacheCapacity     int64 // page cache budget in bytes
	Compression       bool  // zstd-compress non-empty values and dumps
	CompressionFactor int   // zstd level, 1..22
	Mode              Mode
}

// DefaultOptions returns a 1 MiB cache, compression at factor 5, and
// HighThroughput mode.
func DefaultOptions() Options {
	return Options{
		CacheCapacity:     1 << 20,
		Compression:       true,
		CompressionFactor: 5,
		Mode:              HighThroughput,
	}
}

// Db is a key-value database of named trees.  Dir is the store
// directory.  A Db is safe for concurrent use by multiple goroutines;
// only one process may have a given Dir open at a time.
type Db struct {
	Dir     string `json:"-"`
	Version int
	Engine  string

	opts  Options
	sql   *sql.DB
	lock  *flock.Flock
	enc   *zstd.Encoder
	dec   *zstd.Decoder
	mu    sync.Mutex
	trees map[string]*Tree
}

// Open opens the store in dir, creating dir and an empty store if
// needed.  Every failure is returned as a *StoreOpenError.
func Open(dir string, opts Options) (db *Db, err error) {
	dir = filepath.Clean(dir)
	d := &Db{Dir: dir, opts: opts, trees: make(map[string]*Tree)}
	defer func() {
		if err != nil {
			d.release()
			db = nil
			err = &StoreOpenError{Dir: dir, Err: err}
		}
	}()
	defer Return(&err)

	err = mkdir(dir)
	Ck(err)

	lock := flock.New(filepath.Join(dir, lockName))
	ok, err := lock.TryLock()
	Ck(err)
	if !ok {
		return nil, ErrLocked
	}
	d.lock = lock

	err = d.loadConfig()
	Ck(err)

	d.sql, err = sql.Open("sqlite", d.dsn())
	Ck(err)
	err = d.sql.Ping()
	Ck(err)
	err = d.initSchema(context.Background())
	Ck(err)

	level := zstd.EncoderLevelFromZstd(clampFactor(opts.CompressionFactor))
	d.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	Ck(err)
	d.dec, err = zstd.NewReader(nil)
	Ck(err)

	log.WithFields(log.Fields{"dir": dir, "mode": opts.Mode}).Debug("store open")
	return d, nil
}

// loadConfig reads config.json, or writes a fresh one if dir holds
// nothing but our lock file.
func (db *Db) loadConfig() (err error) {
	defer Return(&err)

	fn := filepath.Join(db.Dir, configName)
	buf, err := ioutil.ReadFile(fn)
	if os.IsNotExist(err) {
		var files []os.FileInfo
		files, err = ioutil.ReadDir(db.Dir)
		Ck(err)
		for _, f := range files {
			if f.Name() != lockName {
				return &NotDbError{Dir: db.Dir}
			}
		}
		db.Version = Version
		db.Engine = Engine
		buf, err = json.Marshal(db)
		Ck(err)
		return renameio.WriteFile(fn, buf, 0644)
	}
	Ck(err)

	err = json.Unmarshal(buf, db)
	if err != nil {
		return &NotDbError{Dir: db.Dir}
	}
	if db.Version != Version || db.Engine != Engine {
		return errors.Wrapf(ErrSchemaMismatch, "store has version %d engine %q, expected %d %q",
			db.Version, db.Engine, Version, Engine)
	}
	return
}

// dsn builds the sqlite data source name.  Pragmas go in the DSN so
// that every pooled connection gets them, not just the first one.
func (db *Db) dsn() string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	switch db.opts.Mode {
	case LowSpace:
		q.Add("_pragma", "journal_mode(DELETE)")
		q.Add("_pragma", "synchronous(FULL)")
	default:
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
	}
	if db.opts.CacheCapacity > 0 {
		// negative cache_size is in KiB rather than pages
		kib := db.opts.CacheCapacity / 1024
		if kib < 1 {
			kib = 1
		}
		q.Add("_pragma", fmt.Sprintf("cache_size(-%d)", kib))
	}
	return filepath.Join(db.Dir, sqlName) + "?" + q.Encode()
}

func (db *Db) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trees (
			name TEXT PRIMARY KEY
		) WITHOUT ROWID`,
		`CREATE TABLE IF NOT EXISTS entries (
			tree  TEXT NOT NULL,
			key   BLOB NOT NULL,
			value BLOB,
			PRIMARY KEY (tree, key)
		) WITHOUT ROWID`,
	}
	for _, stmt := range stmts {
		if err := db.exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "create schema")
		}
	}
	return nil
}

// Flush forces all buffered writes to durable storage.
func (db *Db) Flush() error {
	if db.opts.Mode == LowSpace {
		// every commit is already synced
		return nil
	}
	err := db.exec(context.Background(), "PRAGMA wal_checkpoint(FULL)")
	return errors.Wrap(err, "flush")
}

// Close closes the database and releases the store lock.  It does not
// flush; call Flush first if durability matters.
func (db *Db) Close() (err error) {
	if db == nil {
		return nil
	}
	return db.release()
}

func (db *Db) release() (err error) {
	if db.enc != nil {
		db.enc.Close()
		db.enc = nil
	}
	if db.dec != nil {
		db.dec.Close()
		db.dec = nil
	}
	if db.sql != nil {
		// idempotent; queries on a closed store return errors
		err = db.sql.Close()
	}
	if db.lock != nil {
		uerr := db.lock.Unlock()
		if err == nil {
			err = uerr
		}
		db.lock = nil
	}
	return
}

// OpenTree returns the tree called name, creating it if absent.
func (db *Db) OpenTree(name string) (tree *Tree, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if tree, ok := db.trees[name]; ok {
		return tree, nil
	}
	err = db.exec(context.Background(),
		"INSERT INTO trees (name) VALUES (?) ON CONFLICT (name) DO NOTHING", name)
	if err != nil {
		return nil, errors.Wrapf(err, "open tree %s", name)
	}
	tree = &Tree{Db: db, Name: name}
	db.trees[name] = tree
	return
}

// Tree returns the hash tree for algo, creating it if absent.
func (db *Db) Tree(algo string) (*Tree, error) {
	if algo == "" {
		return nil, fmt.Errorf("empty algorithm name")
	}
	return db.OpenTree(HashesPrefix + algo)
}

// LookupTree returns the hash tree for algo if it exists.  Unlike
// Tree it never creates one.
func (db *Db) LookupTree(algo string) (tree *Tree, ok bool, err error) {
	name := HashesPrefix + algo
	db.mu.Lock()
	tree, ok = db.trees[name]
	db.mu.Unlock()
	if ok {
		return
	}
	var n int
	err = db.sql.QueryRow("SELECT COUNT(*) FROM trees WHERE name = ?", name).Scan(&n)
	if err != nil {
		return nil, false, errors.Wrapf(err, "lookup tree %s", name)
	}
	if n == 0 {
		return nil, false, nil
	}
	tree, err = db.OpenTree(name)
	if err != nil {
		return nil, false, err
	}
	return tree, true, nil
}

// TreeNames lists every tree in name order.
func (db *Db) TreeNames() (names []string, err error) {
	rows, err := db.sql.Query("SELECT name FROM trees ORDER BY name")
	if err != nil {
		return nil, errors.Wrap(err, "list trees")
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		err = rows.Scan(&name)
		if err != nil {
			return nil, errors.Wrap(err, "list trees")
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ForEachHashTree calls fn for every hash tree with the algo name
// stripped of its prefix.  It stops at and returns the first error
// from fn.
func (db *Db) ForEachHashTree(fn func(algo string, tree *Tree) error) error {
	names, err := db.TreeNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		algo, ok := hashAlgo(name)
		if !ok {
			continue
		}
		tree, err := db.OpenTree(name)
		if err != nil {
			return err
		}
		err = fn(algo, tree)
		if err != nil {
			return err
		}
	}
	return nil
}

func (db *Db) encode(value []byte) []byte {
	if len(value) == 0 {
		return nil
	}
	if !db.opts.Compression {
		return append([]byte{tagRaw}, value...)
	}
	return db.enc.EncodeAll(value, []byte{tagZstd})
}

func (db *Db) decode(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return []byte{}, nil
	}
	switch stored[0] {
	case tagRaw:
		return stored[1:], nil
	case tagZstd:
		return db.dec.DecodeAll(stored[1:], nil)
	}
	return nil, fmt.Errorf("unknown value tag %d", stored[0])
}

// value tags
const (
	tagRaw  byte = 0
	tagZstd byte = 1
)

func clampFactor(n int) int {
	switch {
	case n < 1:
		return 1
	case n > 22:
		return 22
	}
	return n
}

func mkdir(dir string) (err error) {
	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return errors.Wrapf(err, "mkdir %s", dir)
	}
	return
}
