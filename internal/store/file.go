package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/signalnine/gauntlet/internal/result"
)

// MetricsLog is the per-framework append-only record file.
const MetricsLog = "metrics.jsonl"

// FileStore keeps one JSONL file per framework under the experiment
// directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(experimentDir string) *FileStore {
	return &FileStore{dir: experimentDir}
}

func (s *FileStore) path(framework string) string {
	return filepath.Join(result.FrameworkDir(s.dir, framework), MetricsLog)
}

func (s *FileStore) Append(_ context.Context, rec *result.MetricRecord) error {
	if err := checkAppend(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.read(rec.Framework)
	if err != nil {
		return err
	}
	for _, r := range existing {
		if r.RunID == rec.RunID {
			return fmt.Errorf("store: run %s already recorded", rec.RunID)
		}
	}
	p := s.path(rec.Framework)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return result.AppendJSONL(p, rec)
}

func (s *FileStore) Completed(_ context.Context, framework string) ([]result.MetricRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.read(framework)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if r.Status == result.StatusCompleted {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *FileStore) read(framework string) ([]result.MetricRecord, error) {
	recs, err := result.ReadJSONL[result.MetricRecord](s.path(framework))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return recs, err
}

// Frameworks lists frameworks with at least one stored record, sorted.
func (s *FileStore) Frameworks(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(s.path(e.Name())); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *FileStore) Close() error { return nil }
