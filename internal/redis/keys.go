// Package redis centralizes the store's key schema so every reader and
// writer agrees on the exact string shape of a key.
package redis

import "fmt"

// WorkSessionKey is the hash holding a session's entity fields.
func WorkSessionKey(sessionID string) string {
	return fmt.Sprintf("work_session:%s", sessionID)
}

// WorkSessionOutputKey is the TTL'd list of JSON OutputLine records.
func WorkSessionOutputKey(sessionID string) string {
	return fmt.Sprintf("work_session:%s:output", sessionID)
}

// JobKey is the hash holding a job's entity fields.
func JobKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

// GitProviderKey is the hash holding a user's encrypted provider credential.
func GitProviderKey(userID, providerID string) string {
	return fmt.Sprintf("git_provider:%s:%s", userID, providerID)
}

// AdmissionCounterKey is the per-user in-flight prompt counter.
func AdmissionCounterKey(userID string) string {
	return fmt.Sprintf("runner:user:%s:running", userID)
}

const (
	// InitStream is the session-initialization message stream.
	InitStream = "work_sessions:init:stream"
	// PromptStream is the per-prompt message stream.
	PromptStream = "work_sessions:jobs:stream"
	// PushStream is the session-push message stream.
	PushStream = "work_sessions:push:stream"
	// LegacyJobsStream is the single-shot, session-less job stream.
	LegacyJobsStream = "jobs:stream"

	// InitGroup, PromptGroup, PushGroup, LegacyJobsGroup are the consumer
	// groups attached to their stream of the same name, following the
	// "<stream>:runners" naming convention.
	InitGroup       = InitStream + ":runners"
	PromptGroup     = PromptStream + ":runners"
	PushGroup       = PushStream + ":runners"
	LegacyJobsGroup = LegacyJobsStream + ":runners"
)
