// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/anassagd432/aether-agent/api/schemas"
)

// -- LLM Client Mock --

// MockLLMClient mocks schemas.LLMClient.
type MockLLMClient struct {
	mock.Mock
}

func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockLLMClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

var _ schemas.LLMClient = (*MockLLMClient)(nil)

// -- Blob Store Mock --

// MockBlobStore mocks schemas.BlobStore.
type MockBlobStore struct {
	mock.Mock
}

func (m *MockBlobStore) Save(ctx context.Context, key string, blob []byte) error {
	args := m.Called(ctx, key, blob)
	return args.Error(0)
}

func (m *MockBlobStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	args := m.Called(ctx, key)
	var blob []byte
	if args.Get(0) != nil {
		blob = args.Get(0).([]byte)
	}
	return blob, args.Bool(1), args.Error(2)
}

var _ schemas.BlobStore = (*MockBlobStore)(nil)

// -- Tool Executor Mock --

// MockToolExecutor mocks the tool-execution boundary.
type MockToolExecutor struct {
	mock.Mock
}

func (m *MockToolExecutor) Execute(ctx context.Context, req schemas.ToolRequest) (*schemas.ToolResult, error) {
	args := m.Called(ctx, req)
	var res *schemas.ToolResult
	if args.Get(0) != nil {
		res = args.Get(0).(*schemas.ToolResult)
	}
	return res, args.Error(1)
}
