package db

import (
	"bytes"
	"io/ioutil"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/pkg/errors"
)

func TestHash(t *testing.T) {
	val := mkbuf("somevalue")
	binhash, err := Hash("sha256", val)
	if err != nil {
		t.Fatal(err)
	}
	hexhash := bin2hex(binhash)
	expect := "70a524688ced8e45d26776fd4dc56410725b566cd840c044546ab30c4b499342"
	tassert(t, expect == hexhash, "expected %q got %q", expect, hexhash)

	binhash, err = Hash("sha512", val)
	if err != nil {
		t.Fatal(err)
	}
	hexhash = bin2hex(binhash)
	expect = "8e77e71abe427ced1c93d883aeeddfa57ce39b787f229caaf176fdd71353f3466d340a2cdb5a219c429c53ad37f2f144c7ce01b985b6b33e397c4b8fd1433cc3"
	tassert(t, expect == hexhash, "expected %q got %q", expect, hexhash)

	empty := map[string]string{
		"blake3":  "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262",
		"blake2b": "0e5751c026e543b2e8ab2eb06099daa1d1e5df47778f7787faab45cdf12fe3a8",
	}
	for algo, expect := range empty {
		binhash, err = Hash(algo, nil)
		tassert(t, err == nil, "%v", err)
		tassert(t, binhash.String() == expect, "%s: expected %q got %q", algo, expect, binhash)
	}

	_, err = Hash("foobar", val)
	tassert(t, errors.Is(err, syscall.ENOSYS), "expected ENOSYS, got %v", err)
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "f")
	val := bytes.Repeat(mkbuf("somevalue"), 10000)
	err := ioutil.WriteFile(fn, val, 0644)
	tassert(t, err == nil, "%v", err)
	for _, algo := range Algos() {
		got, err := HashFile(algo, fn)
		tassert(t, err == nil, "%v", err)
		expect, err := Hash(algo, val)
		tassert(t, err == nil, "%v", err)
		tassert(t, bytes.Equal(got, expect), "%s: file hash %s, buffer hash %s", algo, got, expect)
	}

	_, err = HashFile("sha256", filepath.Join(dir, "missing"))
	tassert(t, err != nil, "expected error for missing file")
}

func TestParseFingerprint(t *testing.T) {
	fp, err := ParseFingerprint("70a524688ced8e45d26776fd4dc56410725b566cd840c044546ab30c4b499342")
	tassert(t, err == nil, "%v", err)
	expect, _ := Hash("sha256", mkbuf("somevalue"))
	tassert(t, bytes.Equal(fp, expect), "got %s", fp)

	_, err = ParseFingerprint("xyz")
	tassert(t, err != nil, "expected error for non-hex input")
}
