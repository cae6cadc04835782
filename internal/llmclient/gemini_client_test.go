package llmclient_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/anassagd432/aether-agent/api/schemas"
	"github.com/anassagd432/aether-agent/internal/config"
	"github.com/anassagd432/aether-agent/internal/llmclient"
)

func testLLMConfig(endpoint string) config.LLMConfig {
	return config.LLMConfig{
		Provider:          config.ProviderGemini,
		APIKey:            "test-key",
		Endpoint:          endpoint,
		APITimeout:        5 * time.Second,
		MaxTokens:         1024,
		TopP:              0.95,
		TopK:              40,
		RequestsPerMinute: 60000, // Effectively unthrottled for tests.
	}
}

func geminiSuccessBody(text string) string {
	return fmt.Sprintf(`{
		"candidates": [{"content": {"parts": [{"text": %q}], "role": "model"}, "finishReason": "STOP"}],
		"usageMetadata": {"promptTokenCount": 10, "candidatesTokenCount": 5, "totalTokenCount": 15}
	}`, text)
}

func TestGeminiClient_Generate_Success(t *testing.T) {
	var gotAPIKey string
	var gotPayload map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("x-goog-api-key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		fmt.Fprint(w, geminiSuccessBody("generated text"))
	}))
	defer server.Close()

	client, err := llmclient.NewGeminiClient(testLLMConfig(server.URL), "gemini-test", zaptest.NewLogger(t))
	require.NoError(t, err)

	out, err := client.Generate(context.Background(), schemas.GenerationRequest{
		SystemPrompt: "you are a planner",
		UserPrompt:   "decompose this goal",
		Options:      schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0.2},
	})
	require.NoError(t, err)

	assert.Equal(t, "generated text", out)
	assert.Equal(t, "test-key", gotAPIKey)

	genCfg, ok := gotPayload["generationConfig"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "application/json", genCfg["response_mime_type"])
	assert.NotNil(t, gotPayload["system_instruction"])
}

func TestGeminiClient_Generate_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, geminiSuccessBody("recovered"))
	}))
	defer server.Close()

	client, err := llmclient.NewGeminiClient(testLLMConfig(server.URL), "gemini-test", zaptest.NewLogger(t))
	require.NoError(t, err)

	out, err := client.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestGeminiClient_Generate_PermanentErrorDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": "bad request"}`)
	}))
	defer server.Close()

	client, err := llmclient.NewGeminiClient(testLLMConfig(server.URL), "gemini-test", zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGeminiClient_Generate_SafetyBlockIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates": [{"content": {"parts": []}, "finishReason": "SAFETY"}]}`)
	}))
	defer server.Close()

	client, err := llmclient.NewGeminiClient(testLLMConfig(server.URL), "gemini-test", zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SAFETY")
}

func TestNewGeminiClient_Validation(t *testing.T) {
	logger := zaptest.NewLogger(t)

	_, err := llmclient.NewGeminiClient(config.LLMConfig{}, "model", logger)
	assert.Error(t, err, "missing API key must be rejected")

	_, err = llmclient.NewGeminiClient(config.LLMConfig{APIKey: "k"}, "", logger)
	assert.Error(t, err, "missing model name must be rejected")
}
