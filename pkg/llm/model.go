// Package llm provides the model backends of the pipeline and the task chain using
// langchaingo.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/jdziat/ecoscan/pkg/core"
)

// Provider names a model backend.
type Provider string

const (
	ProviderOllama    Provider = "ollama"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// ErrMalformedOutput is returned when a model answer cannot be parsed.
// It is retryable: the next sample may be well formed.
var ErrMalformedOutput = errors.New("ecoscan: malformed model output")

// Config selects and authenticates a provider.
type Config struct {
	Provider        Provider
	Model           string
	OllamaHost      string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	Temperature     float64
}

// Model wraps a langchaingo model with the prompts ecoscan needs.
type Model struct {
	llm         llms.Model
	modelName   string
	temperature float64
	logger      *slog.Logger
}

// NewModel creates a model based on configuration.
func NewModel(cfg Config) (*Model, error) {
	var model llms.Model
	var err error

	switch cfg.Provider {
	case ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}

	m := New(model, cfg.Model)
	m.temperature = cfg.Temperature
	return m, nil
}

// New wraps an existing langchaingo model.
func New(model llms.Model, name string) *Model {
	return &Model{llm: model, modelName: name, logger: slog.Default().With("component", "llm", "model", name)}
}

// Name returns the model name.
func (m *Model) Name() string {
	return m.modelName
}

// generate sends messages and returns the first choice.
func (m *Model) generate(ctx context.Context, op string, messages []llms.MessageContent, opts ...llms.CallOption) (string, error) {
	opts = append([]llms.CallOption{llms.WithTemperature(m.temperature)}, opts...)

	start := time.Now()
	resp, err := m.llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		m.logger.Warn("generation failed", "op", op, "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return "", fmt.Errorf("%s: %w", op, wrapFatalError(err))
	}
	m.logger.Debug("generated", "op", op, "duration_ms", time.Since(start).Milliseconds())

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: %w: no response choices", op, ErrMalformedOutput)
	}
	return resp.Choices[0].Content, nil
}

// GenerateWithSystem generates text with a system prompt.
func (m *Model) GenerateWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return m.generate(ctx, "generate", []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, userPrompt),
	})
}

// fatalMarkers identify provider errors a retry cannot fix.
var fatalMarkers = []string{
	"credit balance",
	"quota exceeded",
	"billing",
	"invalid api key",
	"authentication",
	"unauthorized",
	"401",
	"403",
}

func isFatalAPIError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range fatalMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// wrapFatalError marks account and credential failures as not retryable.
func wrapFatalError(err error) error {
	if isFatalAPIError(err) {
		return core.NoRetry(err)
	}
	return err
}
