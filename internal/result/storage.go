package result

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Per-run file names.
const (
	RunFile        = "run.json"
	StepsFile      = "steps.jsonl"
	HITLFile       = "hitl.jsonl"
	ValidationFile = "validation.jsonl"
	MetricsFile    = "metrics.json"
	UsageLogFile   = "usage.jsonl"
	WorkspaceDir   = "workspace"
	LogsDir        = "logs"
)

// FrameworkDir is <experimentDir>/<framework>.
func FrameworkDir(experimentDir, framework string) string {
	return filepath.Join(experimentDir, framework)
}

// RunDir is <experimentDir>/<framework>/runs/<runID>.
func RunDir(experimentDir, framework, runID string) string {
	return filepath.Join(FrameworkDir(experimentDir, framework), "runs", runID)
}

// RunPaths names the locations inside one run directory.
type RunPaths struct {
	Root      string
	Workspace string
	Logs      string
}

func NewRunPaths(root string) RunPaths {
	return RunPaths{
		Root:      root,
		Workspace: filepath.Join(root, WorkspaceDir),
		Logs:      filepath.Join(root, LogsDir),
	}
}

// Create makes the run directory. An existing run directory is an error:
// runs never share or reuse a workspace.
func (p RunPaths) Create() error {
	if _, err := os.Stat(p.Root); err == nil {
		return fmt.Errorf("run directory %s already exists", p.Root)
	}
	for _, dir := range []string{p.Root, p.Workspace, p.Logs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

func (p RunPaths) File(name string) string { return filepath.Join(p.Root, name) }

// WriteJSON writes v as indented JSON, replacing path atomically.
func WriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating dir for %s: %w", path, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// AppendJSONL appends one JSON record per line.
func AppendJSONL(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling record for %s: %w", filepath.Base(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("appending to %s: %w", path, err)
	}
	return f.Close()
}

// ReadJSONL decodes every line of path with decode. Blank lines are skipped.
func ReadJSONL[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var out []T
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		out = append(out, v)
	}
	return out, sc.Err()
}

func WriteRun(p RunPaths, run *Run) error {
	return WriteJSON(p.File(RunFile), run)
}

func ReadRun(path string) (*Run, error) {
	var run Run
	if err := ReadJSON(path, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func WriteMetrics(p RunPaths, rec *MetricRecord) error {
	return WriteJSON(p.File(MetricsFile), rec)
}

func ReadMetrics(path string) (*MetricRecord, error) {
	var rec MetricRecord
	if err := ReadJSON(path, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
