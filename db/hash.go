package db

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"syscall"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

// DefaultAlgo is used when no algorithm is configured.
const DefaultAlgo = "sha256"

// Fingerprint is the digest of a file's full contents.
type Fingerprint []byte

func (fp Fingerprint) String() string {
	return bin2hex(fp)
}

// ParseFingerprint decodes a hex fingerprint.
func ParseFingerprint(txt string) (Fingerprint, error) {
	buf, err := hex.DecodeString(txt)
	if err != nil {
		return nil, errors.Wrapf(err, "fingerprint %q", txt)
	}
	return Fingerprint(buf), nil
}

// Algos lists the supported hash algorithms.
func Algos() []string {
	return []string{"blake2b", "blake3", "sha256", "sha512"}
}

// NewHash returns a fresh hash.Hash for algo.
func NewHash(algo string) (h hash.Hash, err error) {
	switch algo {
	case "sha256":
		h = sha256.New()
	case "sha512":
		h = sha512.New()
	case "blake3":
		h = blake3.New()
	case "blake2b":
		h, err = blake2b.New256(nil)
	default:
		err = fmt.Errorf("%w: %s", syscall.ENOSYS, algo)
	}
	return
}

// Hash returns the digest of buf.
func Hash(algo string, buf []byte) (Fingerprint, error) {
	h, err := NewHash(algo)
	if err != nil {
		return nil, err
	}
	h.Write(buf)
	return h.Sum(nil), nil
}

// HashReader returns the digest of everything rd yields.
func HashReader(algo string, rd io.Reader) (Fingerprint, error) {
	h, err := NewHash(algo)
	if err != nil {
		return nil, err
	}
	_, err = io.Copy(h, rd)
	if err != nil {
		return nil, errors.Wrap(err, "hash")
	}
	return h.Sum(nil), nil
}

// HashFile returns the digest of the file at path.
func HashFile(algo, path string) (Fingerprint, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return HashReader(algo, fh)
}

func bin2hex(buf []byte) string {
	return hex.EncodeToString(buf)
}
