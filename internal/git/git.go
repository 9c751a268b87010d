// Package git shells out to the git binary with a credential-embedded URL,
// masking the token in every log line and error.
package git

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/repobox/runner/internal/rerror"
)

// Options configures a Driver instance. A fresh Driver is constructed per
// executor invocation so Token never outlives the call that needs it.
type Options struct {
	Token       string
	AuthorName  string
	AuthorEmail string
}

// Driver wraps git subprocess invocations for one credentialed operation.
type Driver struct {
	token       string
	authorName  string
	authorEmail string
	masker      *Masker
}

// NewWithOptions builds a Driver bound to one provider token.
func NewWithOptions(opts Options) *Driver {
	return &Driver{
		token:       opts.Token,
		authorName:  opts.AuthorName,
		authorEmail: opts.AuthorEmail,
		masker:      NewMasker(opts.Token),
	}
}

// Masker exposes the driver's token masker so callers can redact the
// driver's own token from strings that didn't pass through run() (e.g. a
// credential-resolution error message assembled before a Driver existed).
func (d *Driver) Masker() *Masker { return d.masker }

// Failure carries the stage, exit status, and already-masked message of a
// failed git invocation.
type Failure struct {
	Stage      string
	ExitStatus int
	Message    string // already masked
}

func (f *Failure) Error() string {
	return fmt.Sprintf("git %s failed (exit %d): %s", f.Stage, f.ExitStatus, f.Message)
}

// authenticatedURL embeds the token as the oauth2 basic-auth user,
// producing https://oauth2:<TOKEN>@host/path. The raw token lives only on
// the stack of this call.
func authenticatedURL(repoURL, token string) (string, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("invalid repo url: %w", err)
	}
	// Basic-auth userinfo only exists for http(s); file:// and ssh remotes
	// carry their own credentials.
	if token == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return repoURL, nil
	}
	u.User = url.UserPassword("oauth2", token)
	return u.String(), nil
}

func (d *Driver) run(ctx context.Context, stage, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...) //nolint:gosec // args are runner-constructed, never raw user input.
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", &Failure{Stage: stage, ExitStatus: -1, Message: d.masker.Mask(err.Error())}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		return "", &Failure{Stage: stage, ExitStatus: -1, Message: d.masker.Mask(ctx.Err().Error())}
	case err := <-done:
		if err != nil {
			exitStatus := -1
			var exitErr *exec.ExitError
			if ok := asExitError(err, &exitErr); ok {
				exitStatus = exitErr.ExitCode()
			}
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			return "", &Failure{Stage: stage, ExitStatus: exitStatus, Message: d.masker.Mask(msg)}
		}
		return stdout.String(), nil
	}
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	time.AfterFunc(5*time.Second, func() {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	})
}

// Clone performs a full clone of url into dest using the credential-embedded
// URL, then configures commit identity.
func (d *Driver) Clone(ctx context.Context, repoURL, dest string) error {
	authed, err := authenticatedURL(repoURL, d.token)
	if err != nil {
		return rerror.New(rerror.KindGit, "git.Clone", err)
	}
	if _, err := d.run(ctx, "clone", "", "clone", authed, dest); err != nil {
		return rerror.New(rerror.KindGit, "git.Clone", err)
	}
	if _, err := d.run(ctx, "config", dest, "user.name", d.authorName); err != nil {
		return rerror.New(rerror.KindGit, "git.Clone", err)
	}
	if _, err := d.run(ctx, "config", dest, "user.email", d.authorEmail); err != nil {
		return rerror.New(rerror.KindGit, "git.Clone", err)
	}
	return nil
}

// CreateBranch cuts and checks out a new feature branch.
func (d *Driver) CreateBranch(ctx context.Context, dir, name string) error {
	if _, err := d.run(ctx, "checkout", dir, "checkout", "-b", name); err != nil {
		return rerror.New(rerror.KindGit, "git.CreateBranch", err)
	}
	return nil
}

// ErrNoChanges is returned by Commit when the working tree has nothing to
// commit.
var ErrNoChanges = fmt.Errorf("no changes to commit")

// Commit stages everything and commits, returning the (added, removed) line
// counts of that commit, or ErrNoChanges if the tree was clean.
func (d *Driver) Commit(ctx context.Context, dir, message string) (added, removed int, err error) {
	if _, err := d.run(ctx, "add", dir, "add", "-A"); err != nil {
		return 0, 0, rerror.New(rerror.KindGit, "git.Commit", err)
	}
	statusOut, err := d.run(ctx, "status", dir, "status", "--porcelain")
	if err != nil {
		return 0, 0, rerror.New(rerror.KindGit, "git.Commit", err)
	}
	if strings.TrimSpace(statusOut) == "" {
		return 0, 0, ErrNoChanges
	}
	if _, err := d.run(ctx, "commit", dir, "commit", "-m", message); err != nil {
		return 0, 0, rerror.New(rerror.KindGit, "git.Commit", err)
	}
	added, removed, err = d.diffStatsRange(ctx, dir, "HEAD~1", "HEAD")
	if err != nil {
		return 0, 0, nil //nolint:nilerr // the commit itself succeeded; stat failure is non-fatal.
	}
	return added, removed, nil
}

// Push pushes branch to the credential-embedded remote, setting upstream.
func (d *Driver) Push(ctx context.Context, dir, branch string) error {
	remote, err := d.run(ctx, "remote", dir, "remote", "get-url", "origin")
	if err != nil {
		return rerror.New(rerror.KindGit, "git.Push", err)
	}
	authed, err := authenticatedURL(strings.TrimSpace(remote), d.token)
	if err != nil {
		return rerror.New(rerror.KindGit, "git.Push", err)
	}
	if _, err := d.run(ctx, "push", dir, "push", "-u", authed, branch); err != nil {
		return rerror.New(rerror.KindGit, "git.Push", err)
	}
	return nil
}

// DiffStats reports added/removed line counts of the dirty working tree
// against HEAD.
func (d *Driver) DiffStats(ctx context.Context, dir string) (added, removed int, err error) {
	out, err := d.run(ctx, "diff", dir, "diff", "--numstat", "HEAD")
	if err != nil {
		return 0, 0, rerror.New(rerror.KindGit, "git.DiffStats", err)
	}
	a, r := parseNumstat(out)
	return a, r, nil
}

func (d *Driver) diffStatsRange(ctx context.Context, dir, from, to string) (added, removed int, err error) {
	out, err := d.run(ctx, "diff", dir, "diff", "--numstat", from+".."+to)
	if err != nil {
		return 0, 0, rerror.New(rerror.KindGit, "git.diffStatsRange", err)
	}
	a, r := parseNumstat(out)
	return a, r, nil
}

// parseNumstat sums `added\tdeleted\tpath` lines, skipping binary files
// (reported as `-\t-\tpath`).
func parseNumstat(raw string) (added, removed int) {
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) < 2 {
			continue
		}
		if fields[0] == "-" || fields[1] == "-" {
			continue // binary file
		}
		a, err1 := strconv.Atoi(fields[0])
		r, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			continue
		}
		added += a
		removed += r
	}
	return added, removed
}
