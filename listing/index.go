package listing

import (
	"bufio"
	"context"
	"os"
	"strings"
)

// maxLine is the longest path line an index file may hold.
const maxLine = 1 << 20

// IndexFile lists paths one per line.  Blank lines are skipped and a
// trailing carriage return is dropped.
type IndexFile struct {
	Path string
}

func (src IndexFile) String() string {
	return src.Path
}

func (src IndexFile) open() (Iterator, error) {
	fh, err := os.Open(src.Path)
	if err != nil {
		return nil, &ListingError{Source: src, Err: err}
	}
	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	return &indexIter{src: src, fh: fh, sc: sc}, nil
}

type indexIter struct {
	src  IndexFile
	fh   *os.File
	sc   *bufio.Scanner
	path string
	err  error
}

func (it *indexIter) Next(ctx context.Context) bool {
	for it.err == nil && ctx.Err() == nil {
		if !it.sc.Scan() {
			if err := it.sc.Err(); err != nil {
				it.err = &ListingError{Source: it.src, Err: err}
			}
			return false
		}
		line := strings.TrimSuffix(it.sc.Text(), "\r")
		if line == "" {
			continue
		}
		it.path = line
		return true
	}
	return false
}

func (it *indexIter) Path() string { return it.path }
func (it *indexIter) Err() error   { return it.err }

func (it *indexIter) Close() error {
	return it.fh.Close()
}
