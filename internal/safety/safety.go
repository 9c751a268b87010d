// Package safety implements the push executor's advisory credential scan:
// before a branch is pushed, its diff against the base branch is checked for
// leaked credentials and oversized binary blobs. Findings annotate the push,
// they never block it.
package safety

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// maxBlobBytes is the size above which a binary blob added on the branch is
// flagged.
const maxBlobBytes = 1 << 20

// Issue is one finding from a scan.
type Issue struct {
	File   string
	Kind   string // "credential" | "oversized_binary"
	Detail string
}

// rules covers the credential shapes this runner is itself in contact with:
// tokens for the supported git hosts, the oauth2-embedded URL form the git
// driver synthesizes, the agent's API key, and raw key material. An agent
// that writes any of these into the working tree would otherwise push them
// to the user's remote.
var rules = []struct {
	name string
	re   *regexp.Regexp
}{
	{"GitHub token", regexp.MustCompile(`\bgh[oprsu]_[A-Za-z0-9]{30,}\b`)},
	{"GitHub fine-grained token", regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{20,}\b`)},
	{"GitLab token", regexp.MustCompile(`\bgl(pat|dt|rt|soat)-[A-Za-z0-9_-]{20,}\b`)},
	{"credential-embedded remote URL", regexp.MustCompile(`https?://oauth2:[^@\s]+@`)},
	{"Anthropic API key", regexp.MustCompile(`\bsk-ant-[A-Za-z0-9-]{20,}\b`)},
	{"private key block", regexp.MustCompile(`BEGIN [A-Z ]*PRIVATE KEY`)},
}

// Scan diffs branch against origin/<baseBranch> inside dir and reports rule
// matches on the lines the branch adds, plus any oversized binary blobs it
// introduces. A non-nil error indicates a git failure, never a finding.
func Scan(ctx context.Context, dir, baseBranch, branch string) ([]Issue, error) {
	added, err := diffAdditions(ctx, dir, baseBranch, branch)
	if err != nil {
		return nil, err
	}

	var issues []Issue
	for file, text := range added {
		for _, r := range rules {
			if r.re.MatchString(text) {
				issues = append(issues, Issue{
					File:   file,
					Kind:   "credential",
					Detail: r.name + " in added lines",
				})
			}
		}
	}
	issues = append(issues, oversizedBlobs(ctx, dir, baseBranch, branch)...)

	sort.Slice(issues, func(i, j int) bool {
		if issues[i].File != issues[j].File {
			return issues[i].File < issues[j].File
		}
		return issues[i].Detail < issues[j].Detail
	})
	return issues, nil
}

// diffAdditions returns the text each file gains on the branch, keyed by
// path. Context lines are excluded at the git level so rules only ever see
// content the branch itself introduces.
func diffAdditions(ctx context.Context, dir, baseBranch, branch string) (map[string]string, error) {
	out, err := gitOutput(ctx, dir, "diff", "--unified=0", "origin/"+baseBranch+"..."+branch)
	if err != nil {
		return nil, err
	}

	added := make(map[string]string)
	var file string
	var buf strings.Builder
	flush := func() {
		if file != "" && buf.Len() > 0 {
			added[file] += buf.String()
		}
		buf.Reset()
	}
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "+++ "):
			flush()
			file = strings.TrimPrefix(strings.TrimPrefix(line, "+++ "), "b/")
			if file == "/dev/null" {
				file = ""
			}
		case strings.HasPrefix(line, "+"):
			buf.WriteString(line[1:])
			buf.WriteByte('\n')
		}
	}
	flush()
	return added, nil
}

// oversizedBlobs flags binary files the branch adds or rewrites above
// maxBlobBytes. Best-effort: a blob that cannot be sized (e.g. deleted
// later on the branch) is skipped, and a failing enumeration drops the
// check rather than the scan.
func oversizedBlobs(ctx context.Context, dir, baseBranch, branch string) []Issue {
	out, err := gitOutput(ctx, dir, "diff", "--numstat", "origin/"+baseBranch+"..."+branch)
	if err != nil {
		return nil
	}

	var issues []Issue
	for _, row := range strings.Split(strings.TrimSpace(out), "\n") {
		// Binary files report "-\t-\tpath"; text rows carry line counts.
		fields := strings.SplitN(row, "\t", 3)
		if len(fields) != 3 || fields[0] != "-" || fields[1] != "-" {
			continue
		}
		path := fields[2]
		size, err := blobSize(ctx, dir, branch, path)
		if err != nil || size <= maxBlobBytes {
			continue
		}
		issues = append(issues, Issue{
			File:   path,
			Kind:   "oversized_binary",
			Detail: fmt.Sprintf("%d KiB binary exceeds the %d KiB limit", size/1024, int64(maxBlobBytes)/1024),
		})
	}
	return issues
}

func blobSize(ctx context.Context, dir, branch, path string) (int64, error) {
	out, err := gitOutput(ctx, dir, "cat-file", "-s", branch+":"+path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(out), 10, 64)
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...) //nolint:gosec // branch and path operands come from internal git state, not raw user input.
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("git %s: %w: %s", args[0], err, bytes.TrimSpace(exitErr.Stderr))
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return string(out), nil
}
