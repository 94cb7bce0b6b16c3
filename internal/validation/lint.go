package validation

import (
	"context"
	"fmt"
	"strings"
)

type LintResult struct {
	Score    float64
	Output   string
	Issues   int
	ExitCode int
}

// RunLint executes the lint command in a validation container. An empty
// command scores 1.
func RunLint(ctx context.Context, r ContainerRunner, workDir, image, lintCmd string) (*LintResult, error) {
	if lintCmd == "" {
		return &LintResult{Score: 1.0}, nil
	}
	out, code, err := shell(ctx, r, workDir, image, lintCmd)
	if err != nil {
		return nil, fmt.Errorf("running lint: %w", err)
	}
	return ParseLintResults(out, code), nil
}

// ParseLintResults counts issue lines. Each issue costs 0.1.
func ParseLintResults(output string, exitCode int) *LintResult {
	issues := 0
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && (strings.Contains(line, ": error") || strings.Contains(line, ": warning") ||
			strings.Contains(line, "Error:") || strings.Contains(line, "Warning:")) {
			issues++
		}
	}
	if issues == 0 && exitCode != 0 {
		issues = 1
	}
	score := 1.0 - float64(issues)*0.1
	if score < 0 {
		score = 0
	}
	return &LintResult{Score: score, Output: output, Issues: issues, ExitCode: exitCode}
}
