package llm

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/pkg/errors"
)

// FragmentStream is a lazy, finite, non-restartable sequence of generated text
// fragments. A non-nil error ends the stream.
type FragmentStream = iter.Seq2[string, error]

var (
	ErrProviderNotFound    = errors.New("generation provider not found")
	ErrProviderUnavailable = errors.New("generation provider unavailable")
	ErrMissingAPIKey       = errors.New("api key not configured")
)

// Role is the author of a message in a generation request.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Message struct {
	Role    Role
	Content string
}

// Attribute is a single labelled fact about a counterpart, rendered in order.
type Attribute struct {
	Key   string
	Value string
}

// CounterpartContext describes the counterpart a conversation is about.
type CounterpartContext struct {
	ID         string
	Name       string
	Attributes []Attribute
	Tags       []string
	Notes      string
}

// Config configures a provider at Init.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Request is one generation call.
type Request struct {
	Model       string
	System      string
	Turns       []Message
	Counterpart CounterpartContext
	// Recalled holds older snippets retrieved for context outside the history window.
	Recalled    []string
	Temperature float64
	MaxTokens   int
}

// Provider is a generation backend.
type Provider interface {
	Name() string
	Init(ctx context.Context, cfg Config) error
	// Stream returns the fragments of one reply. Errors, including failure to
	// start, are delivered through the stream.
	Stream(ctx context.Context, req *Request) FragmentStream
	// Generate returns a whole reply. Used for titles.
	Generate(ctx context.Context, req *Request) (string, error)
	Close() error
}

// DefaultSystemPrompt is the persona used when none is configured.
const DefaultSystemPrompt = "You are Judy, an intelligent AI assistant helping with business communications and relationship management. Be helpful, professional, and context-aware."

// BuildSystemPrompt renders the base persona, the counterpart context and any recalled snippets.
func BuildSystemPrompt(base string, cc CounterpartContext, recalled []string) string {
	if strings.TrimSpace(base) == "" {
		base = DefaultSystemPrompt
	}
	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString("\n\nCurrent Context:\n")
	name := cc.Name
	if name == "" {
		name = cc.ID
	}
	fmt.Fprintf(&sb, "You are helping with communications related to %s.", name)
	for _, attr := range cc.Attributes {
		if attr.Value == "" {
			continue
		}
		fmt.Fprintf(&sb, "\n- %s: %s", attr.Key, attr.Value)
	}
	if len(cc.Tags) > 0 {
		fmt.Fprintf(&sb, "\n- Tags: %s", strings.Join(cc.Tags, ", "))
	}
	if cc.Notes != "" {
		fmt.Fprintf(&sb, "\n- Notes: %s", cc.Notes)
	}
	if len(recalled) > 0 {
		sb.WriteString("\n\nRelevant earlier messages:")
		for _, r := range recalled {
			fmt.Fprintf(&sb, "\n- %s", r)
		}
	}
	sb.WriteString("\n\nPlease provide helpful, contextual assistance based on this information. Be concise but comprehensive.")
	return sb.String()
}

// EstimateTokens approximates the token count of text at four bytes per token.
func EstimateTokens(text string) int32 {
	return int32(len(text) / 4)
}

// Fail returns a stream that yields only err.
func Fail(err error) FragmentStream {
	return func(yield func(string, error) bool) {
		yield("", err)
	}
}

// Collect drains a stream into a single string.
func Collect(stream FragmentStream) (string, error) {
	var sb strings.Builder
	for fragment, err := range stream {
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(fragment)
	}
	return sb.String(), nil
}

func systemOrDefault(req *Request) string {
	if req.System != "" {
		return req.System
	}
	return BuildSystemPrompt("", req.Counterpart, req.Recalled)
}
