package db

import (
	"bufio"
	"bytes"
	"io"
	"os"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/vmihailenco/msgpack"
)

// zstdMagic starts every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// record is one dumped hash tree entry.
type record struct {
	Algo  string `msgpack:"algo"`
	Key   []byte `msgpack:"key"`
	Value []byte `msgpack:"value"`
}

// Dump writes the entries of the hash trees for algos (all hash trees
// if algos is empty) to w as a stream of msgpack records, zstd
// compressed if the store has compression enabled.  It returns the
// number of records written.
func (db *Db) Dump(w io.Writer, algos ...string) (n int, err error) {
	defer Return(&err)

	want := make(map[string]bool)
	for _, algo := range algos {
		want[algo] = true
	}

	out := w
	var zw *zstd.Encoder
	if db.opts.Compression {
		level := zstd.EncoderLevelFromZstd(clampFactor(db.opts.CompressionFactor))
		zw, err = zstd.NewWriter(w, zstd.WithEncoderLevel(level))
		Ck(err)
		out = zw
	}
	enc := msgpack.NewEncoder(out)

	err = db.ForEachHashTree(func(algo string, tree *Tree) error {
		if len(want) > 0 && !want[algo] {
			return nil
		}
		return tree.Scan(func(key, value []byte) error {
			n++
			return enc.Encode(&record{Algo: algo, Key: key, Value: value})
		})
	})
	Ck(err)

	if zw != nil {
		err = zw.Close()
		Ck(err)
	}
	return
}

// DumpFile dumps to path, replacing it atomically.
func (db *Db) DumpFile(path string, algos ...string) (n int, err error) {
	defer Return(&err)
	pf, err := renameio.TempFile("", path)
	Ck(err)
	defer pf.Cleanup()
	n, err = db.Dump(pf, algos...)
	Ck(err)
	err = pf.CloseAtomicallyReplace()
	Ck(err)
	log.WithFields(log.Fields{"path": path, "records": n}).Debug("dump written")
	return
}

// Load reads a dump written by Dump, compressed or not, and inserts
// every record into its hash tree.  It returns the number of records
// loaded.
func (db *Db) Load(r io.Reader) (n int, err error) {
	defer Return(&err)

	br := bufio.NewReader(r)
	var in io.Reader = br
	head, err := br.Peek(len(zstdMagic))
	if err == nil && bytes.Equal(head, zstdMagic) {
		zr, err := zstd.NewReader(br)
		Ck(err)
		defer zr.Close()
		in = zr
	}
	dec := msgpack.NewDecoder(in)

	for {
		var rec record
		err = dec.Decode(&rec)
		if errors.Cause(err) == io.EOF {
			return n, nil
		}
		Ck(err)
		tree, err := db.Tree(rec.Algo)
		Ck(err)
		err = tree.Insert(rec.Key, rec.Value)
		Ck(err)
		n++
	}
}

// LoadFile loads the dump at path.
func (db *Db) LoadFile(path string) (n int, err error) {
	fh, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer fh.Close()
	n, err = db.Load(fh)
	if err != nil {
		return n, errors.Wrapf(err, "load %s", path)
	}
	return
}
