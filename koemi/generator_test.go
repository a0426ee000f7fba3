package koemi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newCompletionServer returns a backend that replies to every chat
// completion request with the given text, recording request bodies.
func newCompletionServer(
	t *testing.T,
	text string,
) (*httptest.Server, *[]openai.ChatCompletionRequest) {
	t.Helper()
	var requests []openai.ChatCompletionRequest

	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				body, err := io.ReadAll(r.Body)
				require.NoError(t, err)
				var req openai.ChatCompletionRequest
				require.NoError(t, json.Unmarshal(body, &req))
				requests = append(requests, req)

				resp := openai.ChatCompletionResponse{
					ID:     "test-completion",
					Object: "chat.completion",
					Model:  req.Model,
					Choices: []openai.ChatCompletionChoice{
						{
							Message: openai.ChatCompletionMessage{
								Role:    openai.ChatMessageRoleAssistant,
								Content: text,
							},
							FinishReason: openai.FinishReasonStop,
						},
					},
				}
				w.Header().Set("Content-Type", "application/json")
				require.NoError(t, json.NewEncoder(w).Encode(resp))
			},
		),
	)
	t.Cleanup(srv.Close)
	return srv, &requests
}

func testGenerator(t *testing.T, baseURL string) *openAIGenerator {
	t.Helper()
	cfg := DefaultTestConfig(t)
	cfg.Generator.BaseURL = baseURL + "/v1"
	return newOpenAIGenerator(cfg.Generator, nil)
}

func TestGenerateReturnsCompletionText(t *testing.T) {
	srv, requests := newCompletionServer(t, "  hey, what's up  ")
	g := testGenerator(t, srv.URL)

	text, err := g.Generate(
		context.Background(),
		GenerationRequest{Prompt: "alice: hi"},
	)
	require.NoError(t, err)
	assert.Equal(t, "hey, what's up", text)

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.Equal(t, DefaultGeneratorModel, req.Model)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, openai.ChatMessageRoleUser, req.Messages[0].Role)
	assert.Equal(t, "alice: hi", req.Messages[0].Content)
}

func TestGenerateSendsImageParts(t *testing.T) {
	srv, requests := newCompletionServer(t, "nice cat")
	g := testGenerator(t, srv.URL)

	_, err := g.Generate(
		context.Background(),
		GenerationRequest{
			Prompt:    "alice: look at this",
			ImageURLs: []string{"https://cdn.example/cat.png"},
		},
	)
	require.NoError(t, err)

	require.Len(t, *requests, 1)
	msg := (*requests)[0].Messages[0]
	assert.Empty(t, msg.Content)
	require.Len(t, msg.MultiContent, 2)
	assert.Equal(t, openai.ChatMessagePartTypeText, msg.MultiContent[0].Type)
	assert.Equal(t, "alice: look at this", msg.MultiContent[0].Text)
	assert.Equal(t, openai.ChatMessagePartTypeImageURL, msg.MultiContent[1].Type)
	require.NotNil(t, msg.MultiContent[1].ImageURL)
	assert.Equal(t, "https://cdn.example/cat.png", msg.MultiContent[1].ImageURL.URL)
}

func TestGenerateEmptyResponseIsError(t *testing.T) {
	srv, _ := newCompletionServer(t, "   ")
	g := testGenerator(t, srv.URL)

	_, err := g.Generate(
		context.Background(),
		GenerationRequest{Prompt: "alice: hi"},
	)
	assert.ErrorIs(t, err, ErrEmptyGeneration)
}

func TestGenerateBackendError(t *testing.T) {
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusInternalServerError)
			},
		),
	)
	t.Cleanup(srv.Close)
	g := testGenerator(t, srv.URL)

	_, err := g.Generate(
		context.Background(),
		GenerationRequest{Prompt: "alice: hi"},
	)
	assert.Error(t, err)
}
