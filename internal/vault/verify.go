package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/terminus/agent/internal/checksum"
	"github.com/terminus/agent/internal/wav"
	"github.com/terminus/agent/internal/workerpool"
)

var (
	// ErrMismatch reports that a sealed audio file no longer matches its
	// metadata record.
	ErrMismatch = errors.New("vault: audio does not match metadata")
	// ErrMissingMetadata reports audio with no metadata record.
	ErrMissingMetadata = errors.New("vault: metadata missing")
)

// Entry is one stem found in the vault.
type Entry struct {
	Stem        string
	SizeBytes   int64
	HasMetadata bool
}

// Orphan reports audio with no metadata, the trace of a failed metadata
// write.
func (e Entry) Orphan() bool { return !e.HasMetadata }

// List enumerates sealed audio by stem in lexical (chronological) order.
// A vault that has never been written to lists as empty.
func (v *Vault) List() ([]Entry, error) {
	dirents, err := os.ReadDir(v.DataDir())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrIO, v.DataDir(), err)
	}

	var entries []Entry
	for _, d := range dirents {
		name := d.Name()
		if !d.Type().IsRegular() || !strings.HasSuffix(name, AudioExt) {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		stem := strings.TrimSuffix(name, AudioExt)
		meta, metaErr := os.Stat(v.MetadataPath(stem))
		entries = append(entries, Entry{
			Stem:        stem,
			SizeBytes:   info.Size(),
			HasMetadata: metaErr == nil && meta.Mode().IsRegular(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Stem < entries[j].Stem })
	return entries, nil
}

// Report is the verification result for one stem. Err is nil when the
// audio matches its metadata.
type Report struct {
	Stem string
	Err  error
}

// Verify re-digests the audio for stem and checks it against the recorded
// size and checksum, and checks the WAV header against the file length.
func (v *Vault) Verify(stem string) error {
	if err := ValidStem(stem); err != nil {
		return err
	}
	audioPath := v.AudioPath(stem)

	meta, err := ReadMetadata(v.MetadataPath(stem))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", stem, ErrMissingMetadata)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIO, stem, err)
	}

	f, err := os.Open(audioPath)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIO, stem, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIO, stem, err)
	}
	if st.Size() != meta.FileSizeBytes {
		return fmt.Errorf("%w: %s: size %d, recorded %d", ErrMismatch, stem, st.Size(), meta.FileSizeBytes)
	}

	hdr := make([]byte, wav.HeaderSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return fmt.Errorf("%w: %s: short header", ErrMismatch, stem)
	}
	info, err := wav.ParseHeader(hdr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMismatch, stem, err)
	}
	if int64(info.DataLen)+wav.HeaderSize != st.Size() {
		return fmt.Errorf("%w: %s: header data length %d, file %d", ErrMismatch, stem, info.DataLen, st.Size())
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIO, stem, err)
	}
	sum, err := checksum.Reader(f)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrChecksum, stem, err)
	}
	if sum != meta.AudioFileSHA256 {
		return fmt.Errorf("%w: %s: sha256 %s, recorded %s", ErrMismatch, stem, sum, meta.AudioFileSHA256)
	}
	return nil
}

// VerifyAll verifies every listed stem on a pool of workers. Reports are
// returned in List order. Stems not reached before ctx ends report
// ctx.Err().
func (v *Vault) VerifyAll(ctx context.Context, workers int) ([]Report, error) {
	entries, err := v.List()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	reports := make([]Report, len(entries))
	pool := workerpool.New(workers, len(entries))
	for i, e := range entries {
		i, stem := i, e.Stem
		reports[i].Stem = stem
		submitted := pool.Submit(func() {
			if err := ctx.Err(); err != nil {
				reports[i].Err = err
				return
			}
			reports[i].Err = v.Verify(stem)
		})
		if !submitted {
			reports[i].Err = fmt.Errorf("%s: verification not scheduled", stem)
		}
	}

	if err := pool.Shutdown(ctx); err != nil {
		return nil, err
	}

	failed := 0
	for _, r := range reports {
		if r.Err != nil {
			failed++
		}
	}
	log.Info("vault verification finished", "stems", len(reports), "failed", failed)
	return reports, nil
}
