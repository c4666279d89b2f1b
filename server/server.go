package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/philippgille/chromem-go"
	"github.com/pkg/errors"

	"github.com/judyhq/judy/internal/profile"
	"github.com/judyhq/judy/plugin/llm"
	"github.com/judyhq/judy/plugin/vectorstore"
	"github.com/judyhq/judy/server/exchange"
	apiv1 "github.com/judyhq/judy/server/router/api/v1"
	"github.com/judyhq/judy/store"
)

const (
	fallbackEmbeddingDims = 256
	recoverySweepFloor    = 10 * time.Second
	shutdownDrainHeadroom = 5 * time.Second
)

type Server struct {
	Profile  *profile.Profile
	Store    *store.Store
	Registry *llm.Registry
	Service  *exchange.Service

	echoServer *echo.Echo
	httpServer *http.Server
	listener   net.Listener
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewServer wires the generation registry, the vector store and the exchange service around s.
func NewServer(ctx context.Context, p *profile.Profile, s *store.Store) (*Server, error) {
	registry := newRegistry(p)
	if err := registry.Init(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to initialize generation providers")
	}

	vectors, err := vectorstore.New(p.Data, embeddingFunc(p))
	if err != nil {
		// Recall is optional; the service runs without it.
		slog.Warn("vector store unavailable", "err", err)
		vectors = nil
	}

	service := exchange.NewService(s, registry, vectors, nil, p)

	echoServer := echo.New()
	echoServer.Use(middleware.Recover())
	echoServer.GET("/healthz", func(c *echo.Context) error {
		return c.String(http.StatusOK, "Service ready.")
	})
	apiv1.NewAPIV1Service(p, service).RegisterRoutes(echoServer)

	return &Server{
		Profile:    p,
		Store:      s,
		Registry:   registry,
		Service:    service,
		echoServer: echoServer,
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(p.Addr, fmt.Sprint(p.Port)),
			Handler:           echoServer,
			ReadHeaderTimeout: 10 * time.Second,
		},
		done: make(chan struct{}),
	}, nil
}

func newRegistry(p *profile.Profile) *llm.Registry {
	registry := llm.NewRegistry()
	registry.Register(llm.NewEcho(), llm.Config{Model: modelFor(p, "echo")})
	registry.Register(llm.NewGemini(), llm.Config{
		APIKey:      p.GeminiAPIKey,
		Model:       modelFor(p, "gemini"),
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	})
	registry.Register(llm.NewOpenRouter(), llm.Config{
		APIKey:      p.OpenRouterAPIKey,
		Model:       modelFor(p, "openrouter"),
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	})
	if err := registry.SetDefault(p.Backend); err != nil {
		slog.Warn("unknown default backend, falling back", "backend", p.Backend, "default", registry.Default())
	}
	return registry
}

// modelFor applies the configured model to the default backend only.
func modelFor(p *profile.Profile, backend string) string {
	if backend == p.Backend {
		return p.Model
	}
	return ""
}

func embeddingFunc(p *profile.Profile) chromem.EmbeddingFunc {
	if p.OpenRouterAPIKey != "" && p.EmbeddingModel != "" {
		normalized := true
		return chromem.NewEmbeddingFuncOpenAICompat(llm.OpenRouterBaseURL, p.OpenRouterAPIKey, p.EmbeddingModel, &normalized)
	}
	return vectorstore.HashEmbedding(fallbackEmbeddingDims)
}

// Start serves HTTP until Shutdown, and periodically repairs abandoned streams.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.httpServer.Addr)
	}

	s.listener = listener
	ctx, s.cancel = context.WithCancel(ctx)
	go s.runRecoverySweep(ctx)
	go func() {
		defer close(s.done)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server stopped", "err", err)
		}
	}()
	slog.Info("judy started", "addr", listener.Addr().String(), "driver", s.Profile.Driver, "backend", s.Registry.Default())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) runRecoverySweep(ctx context.Context) {
	ticker := time.NewTicker(max(s.Profile.LeaseTTL, recoverySweepFloor))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Server) sweep(ctx context.Context) {
	conversations, err := s.Store.ListConversations(ctx, &store.FindConversation{})
	if err != nil {
		slog.Warn("recovery sweep failed to list conversations", "err", err)
		return
	}
	for _, conversation := range conversations {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Service.Scanner.Reconcile(ctx, conversation.ID); err != nil {
			slog.Warn("recovery sweep failed", "conversation", conversation.ID, "err", err)
		}
	}
}

// Shutdown stops accepting requests and lets in-flight streams finish within ctx.
// Streams still running when ctx expires are left streaming for recovery.
func (s *Server) Shutdown(ctx context.Context) {
	slog.Info("server shutting down")
	if s.cancel != nil {
		s.cancel()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown http server", "err", err)
	}
	if s.cancel != nil {
		<-s.done
	}

	drained := make(chan struct{})
	go func() {
		s.Service.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		slog.Warn("shutdown deadline reached with streams in flight")
	}

	if err := s.Registry.Shutdown(); err != nil {
		slog.Error("failed to close generation providers", "err", err)
	}
	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close database", "err", err)
	}
	slog.Info("server stopped properly")
}

// ShutdownTimeout is the grace period for in-flight streams.
func (s *Server) ShutdownTimeout() time.Duration {
	return s.Profile.MaxStreamDuration + shutdownDrainHeadroom
}
