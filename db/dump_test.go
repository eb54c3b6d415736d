package db

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"
)

func fill(t *testing.T, db *Db, algo string, n int) {
	tree, err := db.Tree(algo)
	tassert(t, err == nil, "%v", err)
	for i := 0; i < n; i++ {
		fp, err := Hash(algo, mkbuf(fmt.Sprintf("file %d", i)))
		tassert(t, err == nil, "%v", err)
		err = tree.Record(fp, Accepted)
		tassert(t, err == nil, "%v", err)
	}
}

func treeLen(t *testing.T, db *Db, algo string) int {
	tree, err := db.Tree(algo)
	tassert(t, err == nil, "%v", err)
	n, err := tree.Len()
	tassert(t, err == nil, "%v", err)
	return n
}

func TestDumpLoad(t *testing.T) {
	for _, compress := range []bool{false, true} {
		opts := DefaultOptions()
		opts.Compression = compress
		src := setup(t, &opts)
		fill(t, src, "sha256", 20)
		fill(t, src, "blake3", 7)

		buf := &bytes.Buffer{}
		n, err := src.Dump(buf)
		tassert(t, err == nil, "%v", err)
		tassert(t, n == 27, "dumped %d", n)
		if compress {
			tassert(t, bytes.HasPrefix(buf.Bytes(), zstdMagic), "dump not compressed")
		} else {
			tassert(t, !bytes.HasPrefix(buf.Bytes(), zstdMagic), "dump compressed")
		}

		// the loading store's compression setting doesn't matter
		dst := setup(t, nil)
		n, err = dst.Load(buf)
		tassert(t, err == nil, "%v", err)
		tassert(t, n == 27, "loaded %d", n)
		tassert(t, treeLen(t, dst, "sha256") == 20, "sha256 len %d", treeLen(t, dst, "sha256"))
		tassert(t, treeLen(t, dst, "blake3") == 7, "blake3 len %d", treeLen(t, dst, "blake3"))

		fp, _ := Hash("sha256", mkbuf("file 3"))
		tree, err := dst.Tree("sha256")
		tassert(t, err == nil, "%v", err)
		d, err := tree.Decision(fp)
		tassert(t, err == nil && d == Accepted, "decision %v err %v", d, err)
	}
}

func TestDumpFileSelectsAlgos(t *testing.T) {
	src := setup(t, nil)
	fill(t, src, "sha256", 5)
	fill(t, src, "sha512", 3)

	fn := filepath.Join(t.TempDir(), "dump")
	n, err := src.DumpFile(fn, "sha512")
	tassert(t, err == nil, "%v", err)
	tassert(t, n == 3, "dumped %d", n)

	dst := setup(t, nil)
	n, err = dst.LoadFile(fn)
	tassert(t, err == nil, "%v", err)
	tassert(t, n == 3, "loaded %d", n)
	names, err := dst.TreeNames()
	tassert(t, err == nil, "%v", err)
	tassert(t, len(names) == 1 && names[0] == "hashes:sha512", "trees %v", names)
}

func TestLoadEmpty(t *testing.T) {
	db := setup(t, nil)
	n, err := db.Load(&bytes.Buffer{})
	tassert(t, err == nil, "%v", err)
	tassert(t, n == 0, "loaded %d", n)
}

func TestLoadMissing(t *testing.T) {
	db := setup(t, nil)
	_, err := db.LoadFile(filepath.Join(t.TempDir(), "nope"))
	tassert(t, err != nil, "expected error")
}
