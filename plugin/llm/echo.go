package llm

import (
	"context"
	"time"
	"unicode/utf8"
)

// Echo is a deterministic offline provider. It replies by repeating the last user
// message, split into fragments of ChunkRunes runes.
type Echo struct {
	// ChunkRunes is the fragment size; zero means 8.
	ChunkRunes int
	// Delay is slept between fragments.
	Delay time.Duration
	model string
}

func NewEcho() *Echo { return &Echo{} }

func (*Echo) Name() string { return "echo" }

func (e *Echo) Init(_ context.Context, cfg Config) error {
	e.model = cfg.Model
	if e.model == "" {
		e.model = "echo"
	}
	return nil
}

func (*Echo) Close() error { return nil }

func (e *Echo) reply(req *Request) string {
	return "Echo: " + lastUserText(req.Turns)
}

func (e *Echo) Stream(ctx context.Context, req *Request) FragmentStream {
	text := e.reply(req)
	size := e.ChunkRunes
	if size <= 0 {
		size = 8
	}
	return func(yield func(string, error) bool) {
		for len(text) > 0 {
			n, cut := 0, 0
			for cut < len(text) && n < size {
				_, w := utf8.DecodeRuneInString(text[cut:])
				cut += w
				n++
			}
			if e.Delay > 0 {
				select {
				case <-ctx.Done():
					yield("", ctx.Err())
					return
				case <-time.After(e.Delay):
				}
			}
			if !yield(text[:cut], nil) {
				return
			}
			text = text[cut:]
		}
	}
}

func (e *Echo) Generate(_ context.Context, req *Request) (string, error) {
	return e.reply(req), nil
}

func lastUserText(turns []Message) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == RoleUser {
			return turns[i].Content
		}
	}
	return ""
}
