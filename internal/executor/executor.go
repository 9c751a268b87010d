// Package executor implements the runner's three session-lifecycle
// executors (init, prompt, push) plus the legacy single-shot sequence. Each
// executor is invoked by a worker-pool goroutine holding exclusive
// ownership of its session's workspace for the duration of the call.
package executor

import (
	"log/slog"
	"time"

	"github.com/repobox/runner/internal/agent"
	"github.com/repobox/runner/internal/git"
	"github.com/repobox/runner/internal/mergerequest"
	"github.com/repobox/runner/internal/output"
	"github.com/repobox/runner/internal/store"
)

// Metrics is the narrow slice of the metrics registry executors report to;
// nil disables reporting (unit tests).
type Metrics interface {
	ObserveJobResult(kind, status string)
}

// Deps bundles the collaborators every executor needs. A single Deps value
// is shared across all executors and all sessions; nothing here is
// session-specific state.
type Deps struct {
	Sessions    *store.SessionStore
	Jobs        *store.JobStore
	Credentials *store.CredentialStore
	Sink        *output.Sink
	Agent       *agent.Adapter

	MRClients map[store.ProviderType]mergerequest.Creator

	TempDir        string
	GitAuthorName  string
	GitAuthorEmail string

	Logger  *slog.Logger
	Metrics Metrics
}

func (d *Deps) observeResult(kind, status string) {
	if d.Metrics != nil {
		d.Metrics.ObserveJobResult(kind, status)
	}
}

func (d *Deps) gitDriver(token string) *git.Driver {
	return git.NewWithOptions(git.Options{
		Token:       token,
		AuthorName:  d.GitAuthorName,
		AuthorEmail: d.GitAuthorEmail,
	})
}

// featureBranch derives the work branch name, repobox/<sessionId[:8]>.
func featureBranch(sessionID string) string {
	return "repobox/" + shortID(sessionID)
}

// shortID is the 8-character session id prefix used in branch names and
// generated MR titles.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncate caps a string at n runes for runner-narration lines.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func maskedError(masker *git.Masker, err error) string {
	if masker == nil {
		return err.Error()
	}
	return masker.Mask(err.Error())
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// errorMessage extracts a user-facing string from an error, defaulting to
// its Error() text.
func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
