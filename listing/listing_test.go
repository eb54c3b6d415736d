package listing

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}

// mkfiles creates each of names (slash separated) under dir.
func mkfiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		fn := filepath.Join(dir, filepath.FromSlash(name))
		err := os.MkdirAll(filepath.Dir(fn), 0755)
		tassert(t, err == nil, "%v", err)
		err = ioutil.WriteFile(fn, []byte(name), 0644)
		tassert(t, err == nil, "%v", err)
	}
}

func equal(a, b []string) bool {
	return strings.Join(a, "\n") == strings.Join(b, "\n")
}

func TestIndexFile(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "listing")
	err := ioutil.WriteFile(fn, []byte("a.txt\r\n\nsub/b.txt\n\n\nc.txt"), 0644)
	tassert(t, err == nil, "%v", err)

	got, err := Collect(context.Background(), IndexFile{Path: fn})
	tassert(t, err == nil, "%v", err)
	expect := []string{"a.txt", "sub/b.txt", "c.txt"}
	tassert(t, equal(got, expect), "expected %q, got %q", expect, got)
}

func TestIndexFileMissing(t *testing.T) {
	_, err := Open(IndexFile{Path: filepath.Join(t.TempDir(), "nope")})
	var lerr *ListingError
	tassert(t, errors.As(err, &lerr), "expected ListingError, got %v", err)
	tassert(t, os.IsNotExist(errors.Cause(lerr.Err)), "got %v", lerr.Err)
}

func TestIndexFileLongLine(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "listing")
	long := strings.Repeat("x", maxLine+1)
	err := ioutil.WriteFile(fn, []byte("a\n"+long+"\nb\n"), 0644)
	tassert(t, err == nil, "%v", err)

	it, err := Open(IndexFile{Path: fn})
	tassert(t, err == nil, "%v", err)
	defer it.Close()
	ctx := context.Background()
	tassert(t, it.Next(ctx) && it.Path() == "a", "first path")
	tassert(t, !it.Next(ctx), "read past an overlong line")
	var lerr *ListingError
	tassert(t, errors.As(it.Err(), &lerr), "expected ListingError, got %v", it.Err())
}

func TestIndexFileCancel(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "listing")
	err := ioutil.WriteFile(fn, []byte("a\nb\n"), 0644)
	tassert(t, err == nil, "%v", err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := Collect(ctx, IndexFile{Path: fn})
	tassert(t, err == nil, "%v", err)
	tassert(t, len(got) == 0, "got %q", got)
}

func TestGlobPattern(t *testing.T) {
	dir := t.TempDir()
	mkfiles(t, dir, "b.txt", "a.txt", "c.log", "sub/d.txt", "sub/deeper/e.txt")

	src := GlobPattern{Base: dir, Patterns: []string{"*.txt", "**/*.txt", "*.log"}}
	got, err := Collect(context.Background(), src)
	tassert(t, err == nil, "%v", err)
	var expect []string
	for _, name := range []string{
		// *.txt
		"a.txt", "b.txt",
		// **/*.txt, not deduplicated against the first pattern
		"a.txt", "b.txt", "sub/d.txt", "sub/deeper/e.txt",
		// *.log
		"c.log",
	} {
		expect = append(expect, filepath.Join(dir, filepath.FromSlash(name)))
	}
	tassert(t, equal(got, expect), "expected %q, got %q", expect, got)
}

func TestGlobPatternNoMatch(t *testing.T) {
	dir := t.TempDir()
	got, err := Collect(context.Background(), GlobPattern{Base: dir, Patterns: []string{"*.nope"}})
	tassert(t, err == nil, "%v", err)
	tassert(t, len(got) == 0, "got %q", got)
}

func TestGlobPatternInvalid(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(GlobPattern{Base: dir, Patterns: []string{"*.txt", "[a-"}})
	var lerr *ListingError
	tassert(t, errors.As(err, &lerr), "expected ListingError, got %v", err)

	_, err = Open(GlobPattern{Base: filepath.Join(dir, "nope"), Patterns: []string{"*"}})
	tassert(t, errors.As(err, &lerr), "expected ListingError, got %v", err)
}

func TestWatchPattern(t *testing.T) {
	dir := t.TempDir()
	mkfiles(t, dir, "a.txt", "skip.log")

	src := WatchPattern{
		GlobPattern: GlobPattern{Base: dir, Patterns: []string{"**/*.txt"}},
		Settle:      50 * time.Millisecond,
	}
	it, err := Open(src)
	tassert(t, err == nil, "%v", err)
	defer it.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tassert(t, it.Next(ctx), "no initial match: %v", it.Err())
	tassert(t, it.Path() == filepath.Join(dir, "a.txt"), "got %q", it.Path())

	go func() {
		time.Sleep(100 * time.Millisecond)
		ioutil.WriteFile(filepath.Join(dir, "new.log"), []byte("x"), 0644)
		os.MkdirAll(filepath.Join(dir, "sub"), 0755)
		ioutil.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("b"), 0644)
	}()
	tassert(t, it.Next(ctx), "new file not listed: %v", it.Err())
	tassert(t, it.Path() == filepath.Join(dir, "sub", "b.txt"), "got %q", it.Path())

	cancel()
	tassert(t, !it.Next(ctx), "listing continued after cancel")
	tassert(t, it.Err() == nil, "%v", it.Err())
}
