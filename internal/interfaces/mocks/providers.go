package mocks

import (
	"context"

	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"

	"github.com/stretchr/testify/mock"
)

// ConversationAdapter mock
type ConversationAdapter struct {
	mock.Mock
}

func (m *ConversationAdapter) EnsureAgent(ctx context.Context, name, instructions, model string, cred models.Credential) (string, error) {
	args := m.Called(ctx, name, instructions, model, cred)
	return args.String(0), args.Error(1)
}

func (m *ConversationAdapter) OpenContext(ctx context.Context, cred models.Credential) (string, error) {
	args := m.Called(ctx, cred)
	return args.String(0), args.Error(1)
}

func (m *ConversationAdapter) Converse(ctx context.Context, threadID, agentID string, role models.Role, message string, cred models.Credential) (string, error) {
	args := m.Called(ctx, threadID, agentID, role, message, cred)
	return args.String(0), args.Error(1)
}

// ImageGenerator mock
type ImageGenerator struct {
	mock.Mock
}

func (m *ImageGenerator) Generate(ctx context.Context, cred models.Credential, prompt string) ([]byte, error) {
	args := m.Called(ctx, cred, prompt)
	var image []byte
	if v := args.Get(0); v != nil {
		image = v.([]byte)
	}
	return image, args.Error(1)
}

// CredentialProvider mock
type CredentialProvider struct {
	mock.Mock
}

func (m *CredentialProvider) Resolve(ref string) (models.Credential, error) {
	args := m.Called(ref)
	return args.Get(0).(models.Credential), args.Error(1)
}

// SessionLocker mock
type SessionLocker struct {
	mock.Mock
}

func (m *SessionLocker) Lock(ctx context.Context, key string) (func(), error) {
	args := m.Called(ctx, key)
	var unlock func()
	if v := args.Get(0); v != nil {
		unlock = v.(func())
	}
	return unlock, args.Error(1)
}

// ChunkPublisher mock
type ChunkPublisher struct {
	mock.Mock
}

func (m *ChunkPublisher) Publish(ctx context.Context, topic models.StreamTopic, chunk models.Chunk) error {
	args := m.Called(ctx, topic, chunk)
	return args.Error(0)
}

// TaskRunner mock. Submitted functions run synchronously when RunInline is set.
type TaskRunner struct {
	mock.Mock
	RunInline bool
}

func (m *TaskRunner) Submit(name string, fn func(ctx context.Context) error) error {
	args := m.Called(name, fn)
	if err := args.Error(0); err != nil {
		return err
	}
	if m.RunInline {
		_ = fn(context.Background())
	}
	return nil
}

var (
	_ interfaces.ConversationAdapter = (*ConversationAdapter)(nil)
	_ interfaces.ImageGenerator      = (*ImageGenerator)(nil)
	_ interfaces.CredentialProvider  = (*CredentialProvider)(nil)
	_ interfaces.SessionLocker       = (*SessionLocker)(nil)
	_ interfaces.ChunkPublisher      = (*ChunkPublisher)(nil)
	_ interfaces.TaskRunner          = (*TaskRunner)(nil)
)
