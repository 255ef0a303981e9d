package service

import (
	"testing"

	"adventure-server/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticCredentialProvider(t *testing.T) {
	p := NewStaticCredentialProvider(
		map[string]string{"default": "sk-default", "studio": "sk-studio"},
		map[string]string{"studio": "http://llm.internal/v1"},
		"default",
	)

	cred, err := p.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, models.Credential{Ref: "default", Key: "sk-default"}, cred)

	cred, err = p.Resolve("studio")
	require.NoError(t, err)
	assert.Equal(t, "http://llm.internal/v1", cred.BaseURL)

	_, err = p.Resolve("missing")
	assert.ErrorIs(t, err, models.ErrCredentialNotFound)
}

func TestRedactKey(t *testing.T) {
	tests := map[string]string{
		"":                    "",
		"short":               "*****",
		"1234567":             "*******",
		"12345678":            "123...5678",
		"sk-proj-abcdefghijk": "sk-...hijk",
	}
	for key, want := range tests {
		assert.Equal(t, want, RedactKey(key), key)
	}
}
