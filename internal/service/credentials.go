package service

import (
	"fmt"
	"strings"

	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"
)

// StaticCredentialProvider resolves credential references loaded from secrets at startup.
type StaticCredentialProvider struct {
	keys       map[string]string
	baseURLs   map[string]string
	defaultRef string
}

var _ interfaces.CredentialProvider = (*StaticCredentialProvider)(nil)

func NewStaticCredentialProvider(keys, baseURLs map[string]string, defaultRef string) *StaticCredentialProvider {
	return &StaticCredentialProvider{keys: keys, baseURLs: baseURLs, defaultRef: defaultRef}
}

// Resolve returns the credential for ref. An empty ref selects the default credential.
func (p *StaticCredentialProvider) Resolve(ref string) (models.Credential, error) {
	if ref == "" {
		ref = p.defaultRef
	}
	key, ok := p.keys[ref]
	if !ok {
		return models.Credential{}, fmt.Errorf("%w: %q", models.ErrCredentialNotFound, ref)
	}
	return models.Credential{Ref: ref, Key: key, BaseURL: p.baseURLs[ref]}, nil
}

// RedactKey keeps the first 3 and last 4 characters of a key. Keys too short to
// keep both ends hidden are masked entirely.
func RedactKey(key string) string {
	if len(key) <= 7 {
		return strings.Repeat("*", len(key))
	}
	return key[:3] + "..." + key[len(key)-4:]
}
