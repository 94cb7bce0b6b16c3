// Package archive packages a finished run directory into a single
// zstd-compressed tar stream, verifies it by re-reading, optionally mirrors
// it, and only then deletes the run workspace.
package archive

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/signalnine/gauntlet/internal/result"
)

// ErrArchive marks write, verify, or mirror failures. The workspace is left
// in place whenever it is returned.
var ErrArchive = errors.New("archive failed")

const (
	Ext     = ".tar.zst"
	MetaExt = ".archive.json"
)

// DefaultExclude drops secrets, virtual environments, and dependency caches.
// It is also the archive.exclude default of the experiment config.
var DefaultExclude = []string{
	".env", ".env.*", "*.pem", "*.key", "credentials*", "secrets*", ".netrc",
	".venv", "venv", "node_modules", "__pycache__", ".cache", ".pytest_cache", ".tox",
}

// Mirror receives a copy of every verified archive.
type Mirror interface {
	Key(framework, runID string) string
	Put(ctx context.Context, key, localPath string) (int64, error)
}

type Archiver struct {
	dir     string
	exclude []string
	mirror  Mirror
	logger  zerolog.Logger
}

// New returns an archiver writing under dir. A nil mirror disables mirroring;
// an empty exclude list selects DefaultExclude.
func New(dir string, exclude []string, mirror Mirror, logger zerolog.Logger) *Archiver {
	if len(exclude) == 0 {
		exclude = DefaultExclude
	}
	return &Archiver{
		dir:     dir,
		exclude: exclude,
		mirror:  mirror,
		logger:  logger.With().Str("component", "archiver").Logger(),
	}
}

// Path is the archive location for runID under framework.
func (a *Archiver) Path(framework, runID string) string {
	return filepath.Join(a.dir, framework, runID+Ext)
}

func metaPath(archivePath string) string {
	return strings.TrimSuffix(archivePath, Ext) + MetaExt
}

// Archive writes, verifies, and optionally mirrors the run directory, then
// deletes its workspace. A run is archived at most once.
func (a *Archiver) Archive(ctx context.Context, run *result.Run, paths result.RunPaths) (*result.ArchiveMeta, error) {
	dest := a.Path(run.Framework, run.ID)
	log := a.logger.With().Str("run_id", run.ID).Str("framework", run.Framework).Logger()

	if _, err := os.Stat(dest); err == nil {
		return nil, fmt.Errorf("%w: %s already exists", ErrArchive, dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchive, err)
	}

	digest, files, err := a.write(paths.Root, dest)
	if err != nil {
		os.Remove(dest)
		return nil, fmt.Errorf("%w: writing %s: %v", ErrArchive, dest, err)
	}
	st, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchive, err)
	}
	meta := &result.ArchiveMeta{
		RunID:     run.ID,
		Framework: run.Framework,
		Path:      dest,
		Digest:    digest,
		SizeBytes: st.Size(),
		Files:     files,
		CreatedAt: time.Now().UTC(),
	}
	if err := VerifyMeta(meta); err != nil {
		return nil, err
	}

	if a.mirror != nil {
		key := a.mirror.Key(run.Framework, run.ID)
		n, err := a.mirror.Put(ctx, key, dest)
		if err != nil {
			return nil, fmt.Errorf("%w: mirroring %s: %v", ErrArchive, key, err)
		}
		if n != meta.SizeBytes {
			return nil, fmt.Errorf("%w: mirrored %d bytes, want %d", ErrArchive, n, meta.SizeBytes)
		}
		meta.MirrorKey = key
	}

	if err := result.WriteJSON(metaPath(dest), meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchive, err)
	}
	if err := os.RemoveAll(paths.Workspace); err != nil {
		return nil, fmt.Errorf("%w: deleting workspace: %v", ErrArchive, err)
	}

	log.Info().
		Str("path", dest).
		Str("digest", digest).
		Str("size", humanize.Bytes(uint64(meta.SizeBytes))).
		Int("files", files).
		Str("mirror_key", meta.MirrorKey).
		Msg("run archived")
	return meta, nil
}

// write streams root into dest as tar+zstd and returns the sha256 of the
// compressed bytes and the number of regular files stored.
func (a *Archiver) write(root, dest string) (string, int, error) {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	enc, err := zstd.NewWriter(io.MultiWriter(f, h), zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return "", 0, err
	}
	tw := tar.NewWriter(enc)

	files := 0
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if a.excluded(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		n, err := addEntry(tw, path, filepath.ToSlash(rel), d)
		files += n
		return err
	})
	if walkErr != nil {
		enc.Close()
		return "", files, walkErr
	}
	if err := tw.Close(); err != nil {
		enc.Close()
		return "", files, err
	}
	if err := enc.Close(); err != nil {
		return "", files, err
	}
	if err := f.Sync(); err != nil {
		return "", files, err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), files, nil
}

func addEntry(tw *tar.Writer, path, name string, d fs.DirEntry) (int, error) {
	info, err := d.Info()
	if err != nil {
		return 0, err
	}
	var link string
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		if link, err = os.Readlink(path); err != nil {
			return 0, err
		}
	case info.IsDir(), info.Mode().IsRegular():
	default:
		// sockets, devices, and pipes carry no artifact content
		return 0, nil
	}
	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return 0, err
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}
	hdr.Uid, hdr.Gid, hdr.Uname, hdr.Gname = 0, 0, "", ""
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, nil
	}
	src, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	if _, err := io.Copy(tw, src); err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return 1, nil
}

func (a *Archiver) excluded(name string) bool {
	for _, pat := range a.exclude {
		if ok, _ := filepath.Match(pat, name); ok {
			return true
		}
	}
	return false
}
