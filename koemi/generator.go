package koemi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// ErrEmptyGeneration indicates the backend returned a response with no
// usable text. Treated the same as a transient failure by callers.
var ErrEmptyGeneration = errors.New("generation backend returned empty text")

// GenerationRequest is the input to the generation backend: an
// assembled prompt, plus any image references from the triggering
// message.
type GenerationRequest struct {
	Prompt    string
	ImageURLs []string
}

// Generator produces reply text for an assembled prompt. The bot is
// agnostic to which backend serves this; failures are recovered with a
// fixed fallback reply and never reach the event loop.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// openAIGenerator implements Generator using the OpenAI-compatible
// chat completions API.
type openAIGenerator struct {
	client  *openai.Client
	config  *GeneratorConfig
	logger  *slog.Logger
	limiter *rate.Limiter
}

func newOpenAIGenerator(
	config *GeneratorConfig,
	httpClient *http.Client,
) *openAIGenerator {
	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}

	g := &openAIGenerator{
		client: openai.NewClientWithConfig(clientCfg),
		config: config,
		limiter: rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			1,
		),
	}
	g.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "generator")

	return g
}

// Generate sends the prompt (and any image references) as a single
// user message and returns the first choice's text. The configured
// timeout applies on top of whatever deadline the caller set.
func (g *openAIGenerator) Generate(
	ctx context.Context,
	req GenerationRequest,
) (string, error) {
	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = g.logger
	}

	timeout := g.config.Timeout
	if timeout <= 0 {
		timeout = DefaultGenerationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}

	message := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if len(req.ImageURLs) == 0 {
		message.Content = req.Prompt
	} else {
		parts := []openai.ChatMessagePart{
			{
				Type: openai.ChatMessagePartTypeText,
				Text: req.Prompt,
			},
		}
		for _, imageURL := range req.ImageURLs {
			parts = append(
				parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: imageURL,
					},
				},
			)
		}
		message.MultiContent = parts
	}

	started := time.Now()
	resp, err := g.client.CreateChatCompletion(
		ctx, openai.ChatCompletionRequest{
			Model:    g.config.Model,
			Messages: []openai.ChatCompletionMessage{message},
		},
	)
	elapsed := time.Since(started)
	if err != nil {
		log.WarnContext(
			ctx,
			"generation call failed",
			tint.Err(err),
			"elapsed", elapsed,
		)
		return "", err
	}

	if len(resp.Choices) == 0 {
		log.WarnContext(ctx, "generation response had no choices")
		return "", ErrEmptyGeneration
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		log.WarnContext(ctx, "generation response had empty text")
		return "", ErrEmptyGeneration
	}

	log.DebugContext(
		ctx,
		"generation completed",
		"elapsed", elapsed,
		"usage_total_tokens", resp.Usage.TotalTokens,
	)
	return text, nil
}
