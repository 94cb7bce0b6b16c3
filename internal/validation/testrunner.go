package validation

import (
	"context"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/signalnine/gauntlet/internal/docker"
)

// ContainerRunner runs one-shot validation containers.
type ContainerRunner interface {
	Run(ctx context.Context, opts *docker.RunOpts) (*docker.RunResult, error)
}

type TestResult struct {
	Score    float64
	Output   string
	ExitCode int
}

// shell runs cmd under sh in the validation image with the workspace mounted.
func shell(ctx context.Context, r ContainerRunner, workDir, image, cmd string) (string, int, error) {
	var out docker.SyncBuffer
	res, err := r.Run(ctx, &docker.RunOpts{
		Image:   image,
		Command: []string{"sh", "-c", cmd},
		WorkDir: workDir,
		Labels:  map[string]string{"gauntlet.role": "validation"},
		Stdout:  &out,
		Stderr:  &out,
	})
	if err != nil {
		return "", 0, err
	}
	return out.String(), res.ExitCode, nil
}

// RunTests executes the test command in a validation container.
func RunTests(ctx context.Context, r ContainerRunner, workDir, image, installCmd, testCmd string) (*TestResult, error) {
	if installCmd != "" {
		if out, code, err := shell(ctx, r, workDir, image, installCmd); err != nil {
			return nil, fmt.Errorf("running install: %w", err)
		} else if code != 0 {
			return &TestResult{Output: out, ExitCode: code}, nil
		}
	}
	out, code, err := shell(ctx, r, workDir, image, testCmd)
	if err != nil {
		return nil, fmt.Errorf("running tests: %w", err)
	}
	return ParseTestResults(out, code), nil
}

// ParseTestResults scores a test run. A clean exit scores 1; otherwise the
// score is the pass rate found in the output, or 0 when none is reported.
func ParseTestResults(output string, exitCode int) *TestResult {
	res := &TestResult{Output: output, ExitCode: exitCode, Score: 1}
	if exitCode != 0 {
		res.Score = passRate(output)
	}
	return res
}

func passRate(output string) float64 {
	if i := strings.Index(output, "<testsuite"); i >= 0 {
		if tests, bad := junitCounts(output[i:]); tests > 0 {
			return float64(max(tests-bad, 0)) / float64(tests)
		}
	}
	passed, failed := summaryCounts(output)
	if passed+failed == 0 {
		return 0
	}
	return float64(passed) / float64(passed+failed)
}

// summaryCounts reads "N passed" / "M failed" style totals (pytest, jest,
// mocha, go test -json summaries). Later totals override earlier ones so the
// final summary line wins.
func summaryCounts(output string) (passed, failed int) {
	fields := strings.FieldsFunc(output, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == '=' || r == ';' || r == '(' || r == ')'
	})
	for i := 1; i < len(fields); i++ {
		n, err := strconv.Atoi(fields[i-1])
		if err != nil {
			continue
		}
		switch strings.ToLower(fields[i]) {
		case "passed", "passing":
			passed = n
		case "failed", "failing":
			failed = n
		}
	}
	return passed, failed
}

// junitCounts sums tests and failures+errors over every <testsuite> element.
// Truncated or malformed XML yields whatever was read before the error.
func junitCounts(doc string) (tests, bad int) {
	dec := xml.NewDecoder(strings.NewReader(doc))
	dec.Strict = false
	for {
		tok, err := dec.Token()
		if err != nil {
			return tests, bad
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "testsuite" {
			continue
		}
		for _, a := range se.Attr {
			n, err := strconv.Atoi(a.Value)
			if err != nil {
				continue
			}
			switch a.Name.Local {
			case "tests":
				tests += n
			case "failures", "errors":
				bad += n
			}
		}
	}
}
