package store

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"github.com/repobox/runner/internal/crypto"
	rediskeys "github.com/repobox/runner/internal/redis"
	"github.com/repobox/runner/internal/rerror"
)

// ProviderType is the git host kind a Provider credential targets.
type ProviderType string

const (
	ProviderGitHub ProviderType = "github"
	ProviderGitLab ProviderType = "gitlab"
)

// Provider is the decrypted, in-memory view of a git_provider:{userId}:{id}
// hash. It is never safe to log: Token is the plaintext.
type Provider struct {
	ID       string
	UserID   string
	Type     ProviderType `validate:"required,oneof=github gitlab"`
	BaseURL  string
	Token    string `validate:"required"`
	Verified bool
}

// CredentialStore resolves encrypted provider records into decrypted
// Provider values. The plaintext token it returns must only be consumed on
// the stack within a single executor invocation; callers must never
// persist, log, or store it beyond that.
type CredentialStore struct {
	rdb       *redis.Client
	decryptor *crypto.Decryptor
	validate  *validator.Validate
}

func NewCredentialStore(rdb *redis.Client, decryptor *crypto.Decryptor) *CredentialStore {
	return &CredentialStore{rdb: rdb, decryptor: decryptor, validate: validator.New()}
}

// GetProvider reads, decrypts, and validates a provider credential.
func (s *CredentialStore) GetProvider(ctx context.Context, userID, providerID string) (*Provider, error) {
	data, err := s.rdb.HGetAll(ctx, rediskeys.GitProviderKey(userID, providerID)).Result()
	if err != nil {
		return nil, rerror.New(rerror.KindTransient, "store.CredentialStore.GetProvider", err)
	}
	if len(data) == 0 {
		return nil, rerror.New(rerror.KindPoison, "store.CredentialStore.GetProvider", fmt.Errorf("provider not found: %s", providerID))
	}

	encrypted, ok := data["token"]
	if !ok {
		return nil, rerror.New(rerror.KindPoison, "store.CredentialStore.GetProvider", fmt.Errorf("provider %s missing token field", providerID))
	}

	token, err := s.decryptor.Decrypt(encrypted)
	if err != nil {
		return nil, err // already a *rerror.Error with KindCredential
	}

	p := &Provider{
		ID:       providerID,
		UserID:   userID,
		Type:     ProviderType(data["type"]),
		BaseURL:  data["url"],
		Token:    token,
		Verified: data["verified"] == "true" || data["verified"] == "1",
	}
	if err := s.validate.Struct(p); err != nil {
		return nil, rerror.New(rerror.KindPoison, "store.CredentialStore.GetProvider", err)
	}
	return p, nil
}
