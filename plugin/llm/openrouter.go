package llm

import (
	"context"

	"github.com/pkg/errors"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

const (
	// OpenRouterBaseURL is the OpenAI-compatible endpoint used for chat and embeddings.
	OpenRouterBaseURL      = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel = "openai/gpt-4o-mini"
)

// OpenRouter streams replies through OpenRouter's OpenAI-compatible endpoint.
type OpenRouter struct {
	llm *openai.LLM
	cfg Config
}

func NewOpenRouter() *OpenRouter { return &OpenRouter{} }

func (*OpenRouter) Name() string { return "openrouter" }

func (o *OpenRouter) Init(_ context.Context, cfg Config) error {
	if cfg.APIKey == "" {
		return ErrMissingAPIKey
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = OpenRouterBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenRouterModel
	}
	client, err := openai.New(
		openai.WithToken(cfg.APIKey),
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create openrouter client")
	}
	o.llm = client
	o.cfg = cfg
	return nil
}

func (*OpenRouter) Close() error { return nil }

func (o *OpenRouter) messages(req *Request) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(req.Turns)+1)
	out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, systemOrDefault(req)))
	for _, t := range req.Turns {
		switch t.Role {
		case RoleAssistant:
			out = append(out, llms.TextParts(llms.ChatMessageTypeAI, t.Content))
		case RoleSystem:
			out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, t.Content))
		default:
			out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, t.Content))
		}
	}
	return out
}

func (o *OpenRouter) options(req *Request) []llms.CallOption {
	var opts []llms.CallOption
	if req.Model != "" {
		opts = append(opts, llms.WithModel(req.Model))
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = o.cfg.Temperature
	}
	if temperature > 0 {
		opts = append(opts, llms.WithTemperature(temperature))
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = o.cfg.MaxTokens
	}
	if maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(maxTokens))
	}
	return opts
}

// Stream runs the blocking langchaingo call on its own goroutine and relays
// streamed chunks to the consumer. Stopping early cancels the call.
func (o *OpenRouter) Stream(ctx context.Context, req *Request) FragmentStream {
	if o.llm == nil {
		return Fail(ErrProviderUnavailable)
	}
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		chunks := make(chan string)
		done := make(chan error, 1)
		go func() {
			opts := append(o.options(req), llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
				select {
				case chunks <- string(chunk):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}))
			_, err := o.llm.GenerateContent(ctx, o.messages(req), opts...)
			done <- err
		}()

		for {
			select {
			case chunk := <-chunks:
				if chunk == "" {
					continue
				}
				if !yield(chunk, nil) {
					cancel()
					<-done
					return
				}
			case err := <-done:
				if err != nil {
					yield("", errors.Wrap(err, "openrouter stream"))
				}
				return
			}
		}
	}
}

func (o *OpenRouter) Generate(ctx context.Context, req *Request) (string, error) {
	if o.llm == nil {
		return "", ErrProviderUnavailable
	}
	resp, err := o.llm.GenerateContent(ctx, o.messages(req), o.options(req)...)
	if err != nil {
		return "", errors.Wrap(err, "openrouter generate")
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty response from openrouter")
	}
	return resp.Choices[0].Content, nil
}
