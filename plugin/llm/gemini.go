package llm

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// Gemini streams replies from Google's Gemini API.
type Gemini struct {
	client *genai.Client
	cfg    Config
}

func NewGemini() *Gemini { return &Gemini{} }

func (*Gemini) Name() string { return "gemini" }

func (g *Gemini) Init(ctx context.Context, cfg Config) error {
	if cfg.APIKey == "" {
		return ErrMissingAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create gemini client")
	}
	g.client = client
	g.cfg = cfg
	return nil
}

// Close is a no-op; the genai client holds no resources that need releasing.
func (*Gemini) Close() error { return nil }

func (g *Gemini) params(req *Request) (string, []*genai.Content, *genai.GenerateContentConfig) {
	model := req.Model
	if model == "" {
		model = g.cfg.Model
	}
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemOrDefault(req), genai.RoleUser),
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = g.cfg.Temperature
	}
	if temperature > 0 {
		config.Temperature = genai.Ptr(float32(temperature))
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = g.cfg.MaxTokens
	}
	if maxTokens > 0 {
		config.MaxOutputTokens = int32(maxTokens)
	}
	return model, toGenaiContents(req.Turns), config
}

func (g *Gemini) Stream(ctx context.Context, req *Request) FragmentStream {
	if g.client == nil {
		return Fail(ErrProviderUnavailable)
	}
	model, contents, config := g.params(req)
	return func(yield func(string, error) bool) {
		for resp, err := range g.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				yield("", errors.Wrap(err, "gemini stream"))
				return
			}
			if text := extractText(resp); text != "" {
				if !yield(text, nil) {
					return
				}
			}
		}
	}
}

func (g *Gemini) Generate(ctx context.Context, req *Request) (string, error) {
	if g.client == nil {
		return "", ErrProviderUnavailable
	}
	model, contents, config := g.params(req)
	resp, err := g.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", errors.Wrap(err, "gemini generate")
	}
	return extractText(resp), nil
}

func toGenaiContents(turns []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := genai.Role(genai.RoleUser)
		if t.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Content, role))
	}
	return contents
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && !part.Thought {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}
