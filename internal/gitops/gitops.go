// Package gitops pins a framework source tree to an exact commit.
package gitops

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

var refPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

func validate(repo, ref string) error {
	if repo == "" || strings.HasPrefix(repo, "-") {
		return fmt.Errorf("invalid repository %q", repo)
	}
	if !refPattern.MatchString(ref) || strings.Contains(ref, "..") {
		return fmt.Errorf("invalid ref %q", ref)
	}
	return nil
}

func git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return out, nil
}

// CloneAndCheckout clones repo into dest and checks out ref (commit, tag or
// branch) as a detached HEAD. It returns the resolved commit.
func CloneAndCheckout(ctx context.Context, repo, ref, dest string) (string, error) {
	if err := validate(repo, ref); err != nil {
		return "", err
	}
	if _, err := git(ctx, "", "clone", "--quiet", "--no-checkout", "--", repo, dest); err != nil {
		return "", err
	}
	if _, err := git(ctx, dest, "checkout", "--quiet", "--detach", ref); err != nil {
		return "", err
	}
	return HeadCommit(ctx, dest)
}

// HeadCommit returns the full SHA of HEAD in dir.
func HeadCommit(ctx context.Context, dir string) (string, error) {
	out, err := git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// MatchesCommit reports whether the pinned commit (full or abbreviated SHA,
// at least 7 characters) identifies head.
func MatchesCommit(pinned, head string) bool {
	pinned = strings.ToLower(strings.TrimSpace(pinned))
	head = strings.ToLower(strings.TrimSpace(head))
	if len(pinned) < 7 || head == "" {
		return false
	}
	return strings.HasPrefix(head, pinned)
}

// CaptureChanges stages all changes (including untracked files) and returns the diff.
func CaptureChanges(ctx context.Context, repoDir string) ([]byte, error) {
	if _, err := git(ctx, repoDir, "add", "-A"); err != nil {
		return nil, err
	}
	diff := exec.CommandContext(ctx, "git", "diff", "--cached")
	diff.Dir = repoDir
	out, err := diff.Output()
	if err != nil {
		return nil, fmt.Errorf("git diff --cached: %w", err)
	}
	return out, nil
}
