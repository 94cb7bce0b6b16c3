package archive

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/signalnine/gauntlet/internal/result"
)

// Verify re-reads the archive described by the metadata file at path.
func Verify(path string) (*result.ArchiveMeta, error) {
	var meta result.ArchiveMeta
	if err := result.ReadJSON(path, &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchive, err)
	}
	if err := VerifyMeta(&meta); err != nil {
		return &meta, err
	}
	return &meta, nil
}

// VerifyMeta recomputes the digest of meta.Path, checks its size, and
// decodes the entire tar stream.
func VerifyMeta(meta *result.ArchiveMeta) error {
	digest, size, err := digestFile(meta.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArchive, err)
	}
	if size != meta.SizeBytes {
		return fmt.Errorf("%w: %s is %d bytes, recorded %d", ErrArchive, meta.Path, size, meta.SizeBytes)
	}
	if digest != meta.Digest {
		return fmt.Errorf("%w: %s digest %s, recorded %s", ErrArchive, meta.Path, digest, meta.Digest)
	}
	files, err := decode(meta.Path)
	if err != nil {
		return fmt.Errorf("%w: decoding %s: %v", ErrArchive, meta.Path, err)
	}
	if files != meta.Files {
		return fmt.Errorf("%w: %s holds %d files, recorded %d", ErrArchive, meta.Path, files, meta.Files)
	}
	return nil
}

// VerifyAll verifies every archive metadata file under dir. It returns the
// archives that passed and the joined failures of the rest.
func VerifyAll(dir string) ([]*result.ArchiveMeta, error) {
	var metas []*result.ArchiveMeta
	var errs []error
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, MetaExt) {
			return nil
		}
		meta, err := Verify(path)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		metas = append(metas, meta)
		return nil
	})
	if err != nil {
		return metas, err
	}
	return metas, errors.Join(errs...)
}

func digestFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), n, nil
}

func decode(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return 0, err
	}
	defer dec.Close()

	tr := tar.NewReader(dec)
	files := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return files, err
		}
		if hdr.Typeflag == tar.TypeReg {
			files++
		}
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return files, fmt.Errorf("%s: %w", hdr.Name, err)
		}
	}
}
