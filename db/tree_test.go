package db

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/pkg/errors"
)

func TestTreeInsertGetRemove(t *testing.T) {
	for _, compress := range []bool{false, true} {
		opts := DefaultOptions()
		opts.Compression = compress
		db := setup(t, &opts)
		tree, err := db.OpenTree("kv")
		tassert(t, err == nil, "%v", err)

		key := mkbuf("somekey")
		val := bytes.Repeat(mkbuf("somevalue"), 100)
		err = tree.Insert(key, val)
		tassert(t, err == nil, "%v", err)
		got, ok, err := tree.Get(key)
		tassert(t, err == nil, "%v", err)
		tassert(t, ok, "key missing")
		tassert(t, bytes.Equal(val, got), "compress %v: expected %q, got %q", compress, val, got)

		// empty values read back as empty
		err = tree.Insert(key, nil)
		tassert(t, err == nil, "%v", err)
		got, ok, err = tree.Get(key)
		tassert(t, err == nil && ok, "ok %v err %v", ok, err)
		tassert(t, len(got) == 0, "expected empty value, got %q", got)

		err = tree.Remove(key)
		tassert(t, err == nil, "%v", err)
		ok, err = tree.Contains(key)
		tassert(t, err == nil, "%v", err)
		tassert(t, !ok, "key not removed")

		// removing again is fine
		err = tree.Remove(key)
		tassert(t, err == nil, "%v", err)
	}
}

func TestTreeScanOrder(t *testing.T) {
	db := setup(t, nil)
	tree, err := db.OpenTree("kv")
	tassert(t, err == nil, "%v", err)
	for _, k := range []string{"c", "a", "b"} {
		err = tree.Insert(mkbuf(k), mkbuf("v"+k))
		tassert(t, err == nil, "%v", err)
	}
	var keys string
	err = tree.Scan(func(key, value []byte) error {
		tassert(t, string(value) == "v"+string(key), "key %s value %s", key, value)
		keys += string(key)
		return nil
	})
	tassert(t, err == nil, "%v", err)
	tassert(t, keys == "abc", "got %q", keys)

	n, err := tree.Len()
	tassert(t, err == nil, "%v", err)
	tassert(t, n == 3, "len %d", n)
}

func TestInsertIfAbsent(t *testing.T) {
	db := setup(t, nil)
	tree, err := db.Tree("sha256")
	tassert(t, err == nil, "%v", err)
	created, err := tree.InsertIfAbsent(mkbuf("k"), nil)
	tassert(t, err == nil && created, "created %v err %v", created, err)
	created, err = tree.InsertIfAbsent(mkbuf("k"), nil)
	tassert(t, err == nil && !created, "created %v err %v", created, err)
}

func TestDecisionTranslation(t *testing.T) {
	db := setup(t, nil)
	tree, err := db.Tree("sha256")
	tassert(t, err == nil, "%v", err)
	key, err := Hash("sha256", mkbuf("somevalue"))
	tassert(t, err == nil, "%v", err)

	for _, yes := range []string{"Y", "YES", "Yes", "y", "yes"} {
		err = tree.Confirm(key, yes)
		tassert(t, err == nil, "%s: %v", yes, err)
		d, err := tree.Decision(key)
		tassert(t, err == nil, "%v", err)
		tassert(t, d == Accepted, "%s: got %v", yes, d)

		for _, no := range []string{"N", "NO", "No", "n", "no"} {
			err = tree.Confirm(key, no)
			tassert(t, err == nil, "%s: %v", no, err)
			ok, err := tree.Contains(key)
			tassert(t, err == nil, "%v", err)
			tassert(t, !ok, "%s: key still present", no)
			err = tree.Confirm(key, yes)
			tassert(t, err == nil, "%v", err)
		}
	}

	for _, bad := range []string{"", "maybe", "yEs", "nope", " y"} {
		err = tree.Confirm(key, bad)
		tassert(t, errors.Is(err, ErrUnknownSpecifier), "%q: expected ErrUnknownSpecifier, got %v", bad, err)
	}
	// the unknown answers left the previous decision alone
	d, err := tree.Decision(key)
	tassert(t, err == nil && d == Accepted, "decision %v err %v", d, err)
}

func TestConcurrentRecord(t *testing.T) {
	db := setup(t, nil)
	tree, err := db.Tree("sha256")
	tassert(t, err == nil, "%v", err)

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				// half the keys are shared between workers
				key := mkbuf(fmt.Sprintf("key-%d", i))
				if i%2 == 1 {
					key = mkbuf(fmt.Sprintf("key-%d-%d", w, i))
				}
				if _, err := tree.Contains(key); err != nil {
					errs <- err
					return
				}
				if err := tree.Record(key, Accepted); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	n, err := tree.Len()
	tassert(t, err == nil, "%v", err)
	// 13 shared even keys plus 12 odd keys per worker
	tassert(t, n == 13+8*12, "len %d", n)
}
