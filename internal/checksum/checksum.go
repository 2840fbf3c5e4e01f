// Package checksum computes the content digests recorded in sealed pairs.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// BlockSize is the read granularity used when digesting files.
const BlockSize = 8 * 1024

// ErrIO reports that the input could not be opened or read to the end.
var ErrIO = errors.New("checksum: i/o failure")

// File returns the lowercase hex SHA-256 digest of the file at path.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}
	defer f.Close()

	sum, err := Reader(f)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return sum, nil
}

// Reader digests r in BlockSize reads until EOF.
func Reader(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, BlockSize)
	if _, err := io.CopyBuffer(h, onlyReader{r}, buf); err != nil {
		return "", fmt.Errorf("%w: read: %v", ErrIO, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// onlyReader hides WriterTo/ReaderFrom so CopyBuffer honours the block size.
type onlyReader struct {
	io.Reader
}
