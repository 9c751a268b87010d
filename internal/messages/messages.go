// Package messages defines the typed stream envelopes and their parse
// functions, shared by internal/dispatcher (which reads them off Redis
// Streams) and internal/executor (which consumes the parsed values). Kept
// separate from both so neither package needs to import the other.
package messages

import "fmt"

// InitMsg is the session-initialization envelope.
type InitMsg struct {
	SessionID  string
	UserID     string
	ProviderID string
	RepoURL    string
	RepoName   string
	BaseBranch string
}

// PromptMsg is the per-prompt envelope.
type PromptMsg struct {
	SessionID   string
	JobID       string
	UserID      string
	Prompt      string
	Environment string
}

// PushMsg is the push envelope.
type PushMsg struct {
	SessionID   string
	UserID      string
	Title       string
	Description string
}

// LegacyJobMsg is the single-shot, session-less envelope.
type LegacyJobMsg struct {
	JobID      string
	ProviderID string
}

func requireField(fields map[string]string, name string) (string, error) {
	v, ok := fields[name]
	if !ok || v == "" {
		return "", fmt.Errorf("missing required field %q", name)
	}
	return v, nil
}

// ParseInitMsg parses a raw stream field map into an InitMsg. Malformed
// envelopes are poison messages: the caller acks and drops them rather
// than crashing.
func ParseInitMsg(fields map[string]string) (*InitMsg, error) {
	m := &InitMsg{RepoName: fields["repo_name"]}
	var err error
	if m.SessionID, err = requireField(fields, "session_id"); err != nil {
		return nil, err
	}
	if m.UserID, err = requireField(fields, "user_id"); err != nil {
		return nil, err
	}
	if m.ProviderID, err = requireField(fields, "provider_id"); err != nil {
		return nil, err
	}
	if m.RepoURL, err = requireField(fields, "repo_url"); err != nil {
		return nil, err
	}
	if m.BaseBranch, err = requireField(fields, "base_branch"); err != nil {
		return nil, err
	}
	return m, nil
}

// ParsePromptMsg parses a raw stream field map into a PromptMsg.
func ParsePromptMsg(fields map[string]string) (*PromptMsg, error) {
	m := &PromptMsg{Environment: fields["environment"]}
	var err error
	if m.SessionID, err = requireField(fields, "session_id"); err != nil {
		return nil, err
	}
	if m.JobID, err = requireField(fields, "job_id"); err != nil {
		return nil, err
	}
	if m.UserID, err = requireField(fields, "user_id"); err != nil {
		return nil, err
	}
	if m.Prompt, err = requireField(fields, "prompt"); err != nil {
		return nil, err
	}
	return m, nil
}

// ParsePushMsg parses a raw stream field map into a PushMsg. Title and
// Description are optional.
func ParsePushMsg(fields map[string]string) (*PushMsg, error) {
	m := &PushMsg{Title: fields["title"], Description: fields["description"]}
	var err error
	if m.SessionID, err = requireField(fields, "session_id"); err != nil {
		return nil, err
	}
	if m.UserID, err = requireField(fields, "user_id"); err != nil {
		return nil, err
	}
	return m, nil
}

// ParseLegacyJobMsg parses a raw stream field map into a LegacyJobMsg.
func ParseLegacyJobMsg(fields map[string]string) (*LegacyJobMsg, error) {
	m := &LegacyJobMsg{}
	var err error
	if m.JobID, err = requireField(fields, "job_id"); err != nil {
		return nil, err
	}
	if m.ProviderID, err = requireField(fields, "provider_id"); err != nil {
		return nil, err
	}
	return m, nil
}
