package v1

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/judyhq/judy/server/auth"
	"github.com/judyhq/judy/server/exchange"
	"github.com/judyhq/judy/store"
)

// Response headers of POST /exchanges.
const (
	HeaderConversationID = "X-Conversation-Id"
	HeaderUserMessageID  = "X-User-Message-Id"
	HeaderAIMessageID    = "X-AI-Message-Id"
	TrailerTurnStatus    = "X-Turn-Status"
	TrailerTurnError     = "X-Turn-Error"
)

// ─────────────────────────────────────────────────────────────────────────────
// Request / Response types
// ─────────────────────────────────────────────────────────────────────────────

type exchangeRequest struct {
	CounterpartID string `json:"counterpartId"`
	Content       string `json:"content"`
	Backend       string `json:"backend"`
}

type renameRequest struct {
	Title string `json:"title"`
}

type conversationResponse struct {
	ID            string `json:"id"`
	CounterpartID string `json:"counterpartId"`
	Backend       string `json:"backend"`
	Title         string `json:"title"`
	CreatedTs     int64  `json:"createdTs"`
	UpdatedTs     int64  `json:"updatedTs"`
}

type turnResponse struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	Status         string `json:"status"`
	Metadata       any    `json:"metadata"`
	Revision       int64  `json:"revision"`
	CreatedTs      int64  `json:"createdTs"`
	UpdatedTs      int64  `json:"updatedTs"`
}

type replyResponse struct {
	ConversationID string       `json:"conversationId"`
	UserTurn       turnResponse `json:"userTurn"`
	AssistantTurn  turnResponse `json:"assistantTurn"`
}

type pageResponse struct {
	ConversationID string         `json:"conversationId,omitempty"`
	Turns          []turnResponse `json:"turns"`
	HasMore        bool           `json:"hasMore"`
	NextCursor     string         `json:"nextCursor,omitempty"`
}

func convertConversation(c *store.Conversation) conversationResponse {
	return conversationResponse{
		ID:            c.ID,
		CounterpartID: c.CounterpartID,
		Backend:       c.Backend,
		Title:         c.Title,
		CreatedTs:     c.CreatedTs,
		UpdatedTs:     c.UpdatedTs,
	}
}

func convertTurn(t *store.Turn) turnResponse {
	return turnResponse{
		ID:             t.ID,
		ConversationID: t.ConversationID,
		Role:           string(t.Role),
		Content:        t.Content,
		Status:         string(t.Status()),
		Metadata:       t.Meta,
		Revision:       t.Revision,
		CreatedTs:      t.CreatedTs,
		UpdatedTs:      t.UpdatedTs,
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Route registration
// ─────────────────────────────────────────────────────────────────────────────

func (s *APIV1Service) registerAIChatRoutes(e *echo.Echo) {
	g := e.Group("/api/v1/ai")
	g.POST("/exchanges", s.createExchange)
	g.POST("/replies", s.createReply)
	g.GET("/conversations", s.listConversations)
	g.PATCH("/conversations/:id", s.renameConversation)
	g.GET("/conversations/:id/turns", s.listTurns)
	g.DELETE("/conversations/:id/turns", s.clearTurns)
	g.POST("/conversations/:id/recover", s.recoverTurns)
	g.GET("/counterparts/:counterpartId/turns", s.listCounterpartTurns)
	g.DELETE("/counterparts/:counterpartId/turns", s.clearCounterpartTurns)
}

// ─────────────────────────────────────────────────────────────────────────────
// Exchange (streamed)
// ─────────────────────────────────────────────────────────────────────────────

func (s *APIV1Service) createExchange(c *echo.Context) error {
	principal, err := s.requireAuth(c)
	if err != nil {
		return err
	}
	begin, err := bindExchange(c, principal)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	ex, err := s.Service.Send(ctx, begin)
	if err != nil {
		return convertExchangeError(err)
	}

	// Both ids reach the caller before the first fragment.
	rw := c.Response()
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("X-Accel-Buffering", "no")
	rw.Header().Set("Trailer", TrailerTurnStatus+", "+TrailerTurnError)
	rw.Header().Set(HeaderConversationID, ex.Conversation.ID)
	rw.Header().Set(HeaderUserMessageID, ex.UserTurn.ID)
	rw.Header().Set(HeaderAIMessageID, ex.AssistantTurn.ID)
	rw.WriteHeader(http.StatusOK)
	out := newStreamWriter(rw, s.Profile.SendTimeout)
	out.flush()

	status, err := s.Service.Stream(ctx, ex, out)
	out.close()
	rw.Header().Set(TrailerTurnStatus, string(status))
	if err != nil {
		slog.Warn("exchange ended with error", "conversation", ex.Conversation.ID, "turn", ex.AssistantTurn.ID, "err", err)
		rw.Header().Set(TrailerTurnError, err.Error())
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Exchange (single reply)
// ─────────────────────────────────────────────────────────────────────────────

func (s *APIV1Service) createReply(c *echo.Context) error {
	principal, err := s.requireAuth(c)
	if err != nil {
		return err
	}
	begin, err := bindExchange(c, principal)
	if err != nil {
		return err
	}
	ex, err := s.Service.Reply(c.Request().Context(), begin)
	if ex == nil {
		return convertExchangeError(err)
	}
	if err != nil {
		if !errors.Is(err, exchange.ErrGenerationFailed) {
			return convertExchangeError(err)
		}
		slog.Warn("reply ended with error", "conversation", ex.Conversation.ID, "turn", ex.AssistantTurn.ID, "err", err)
	}
	return c.JSON(http.StatusOK, replyResponse{
		ConversationID: ex.Conversation.ID,
		UserTurn:       convertTurn(ex.UserTurn),
		AssistantTurn:  convertTurn(ex.AssistantTurn),
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Conversations and history
// ─────────────────────────────────────────────────────────────────────────────

func (s *APIV1Service) listConversations(c *echo.Context) error {
	principal, err := s.requireAuth(c)
	if err != nil {
		return err
	}
	conversations, err := s.Service.Conversations(c.Request().Context(), principal.OwnerID)
	if err != nil {
		return convertExchangeError(err)
	}
	resp := make([]conversationResponse, 0, len(conversations))
	for _, conversation := range conversations {
		resp = append(resp, convertConversation(conversation))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *APIV1Service) renameConversation(c *echo.Context) error {
	principal, err := s.requireAuth(c)
	if err != nil {
		return err
	}
	var req renameRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title required")
	}
	conversation, err := s.Service.Rename(c.Request().Context(), principal.OwnerID, c.Param("id"), req.Title)
	if err != nil {
		return convertExchangeError(err)
	}
	return c.JSON(http.StatusOK, convertConversation(conversation))
}

func (s *APIV1Service) listTurns(c *echo.Context) error {
	principal, err := s.requireAuth(c)
	if err != nil {
		return err
	}
	limit, err := parseLimit(c)
	if err != nil {
		return err
	}
	page, err := s.Service.History(c.Request().Context(), principal.OwnerID, c.Param("id"), c.QueryParam("cursor"), limit)
	if err != nil {
		return convertExchangeError(err)
	}
	return c.JSON(http.StatusOK, convertPage(page))
}

func (s *APIV1Service) clearTurns(c *echo.Context) error {
	principal, err := s.requireAuth(c)
	if err != nil {
		return err
	}
	deleted, err := s.Service.Clear(c.Request().Context(), principal.OwnerID, c.Param("id"))
	if err != nil {
		return convertExchangeError(err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"deleted": deleted})
}

// listCounterpartTurns serves history for a caller that knows only the counterpart.
// A counterpart never talked to has an empty history.
func (s *APIV1Service) listCounterpartTurns(c *echo.Context) error {
	principal, err := s.requireAuth(c)
	if err != nil {
		return err
	}
	limit, err := parseLimit(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	conversation, err := s.Service.FindConversation(ctx, principal.OwnerID, c.Param("counterpartId"), c.QueryParam("backend"))
	if errors.Is(err, exchange.ErrConversationNotFound) {
		return c.JSON(http.StatusOK, pageResponse{Turns: []turnResponse{}})
	}
	if err != nil {
		return convertExchangeError(err)
	}
	page, err := s.Service.History(ctx, principal.OwnerID, conversation.ID, c.QueryParam("cursor"), limit)
	if err != nil {
		return convertExchangeError(err)
	}
	resp := convertPage(page)
	resp.ConversationID = conversation.ID
	return c.JSON(http.StatusOK, resp)
}

func (s *APIV1Service) clearCounterpartTurns(c *echo.Context) error {
	principal, err := s.requireAuth(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	conversation, err := s.Service.FindConversation(ctx, principal.OwnerID, c.Param("counterpartId"), c.QueryParam("backend"))
	if errors.Is(err, exchange.ErrConversationNotFound) {
		return c.JSON(http.StatusOK, map[string]int64{"deleted": 0})
	}
	if err != nil {
		return convertExchangeError(err)
	}
	deleted, err := s.Service.Clear(ctx, principal.OwnerID, conversation.ID)
	if err != nil {
		return convertExchangeError(err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"deleted": deleted})
}

func (s *APIV1Service) recoverTurns(c *echo.Context) error {
	principal, err := s.requireAuth(c)
	if err != nil {
		return err
	}
	recovered, err := s.Service.Recover(c.Request().Context(), principal.OwnerID, c.Param("id"))
	if err != nil {
		return convertExchangeError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"recovered": recovered})
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func bindExchange(c *echo.Context, principal *auth.Principal) (exchange.BeginExchange, error) {
	var req exchangeRequest
	if err := c.Bind(&req); err != nil {
		return exchange.BeginExchange{}, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.CounterpartID) == "" {
		return exchange.BeginExchange{}, echo.NewHTTPError(http.StatusBadRequest, "counterpartId required")
	}
	return exchange.BeginExchange{
		OwnerID:       principal.OwnerID,
		CounterpartID: req.CounterpartID,
		Backend:       req.Backend,
		Content:       req.Content,
	}, nil
}

func parseLimit(c *echo.Context) (int, error) {
	v := c.QueryParam("limit")
	if v == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
	}
	return limit, nil
}

func convertPage(page *exchange.Page) pageResponse {
	resp := pageResponse{
		Turns:      make([]turnResponse, 0, len(page.Turns)),
		HasMore:    page.HasMore,
		NextCursor: page.NextCursor,
	}
	for _, turn := range page.Turns {
		resp.Turns = append(resp.Turns, convertTurn(turn))
	}
	return resp
}

var errStreamClosed = errors.New("response stream closed")

// streamWriter is the exchange sink for one response. Every write carries a
// deadline, and nothing is written after close.
type streamWriter struct {
	mu      sync.Mutex
	rw      http.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration
	closed  bool
}

func newStreamWriter(rw http.ResponseWriter, timeout time.Duration) *streamWriter {
	return &streamWriter{rw: rw, rc: http.NewResponseController(rw), timeout: timeout}
}

func (w *streamWriter) Send(fragment string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errStreamClosed
	}
	if w.timeout > 0 {
		_ = w.rc.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	if _, err := w.rw.Write([]byte(fragment)); err != nil {
		return err
	}
	return w.flushLocked()
}

func (w *streamWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.flushLocked()
}

func (w *streamWriter) flushLocked() error {
	if err := w.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// close waits out a write in progress and clears the deadline so trailers can follow.
func (w *streamWriter) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	_ = w.rc.SetWriteDeadline(time.Time{})
}

func (s *APIV1Service) requireAuth(c *echo.Context) (*auth.Principal, error) {
	principal, err := s.Authenticator.Authenticate(c.Request().Header.Get("Authorization"))
	if err != nil || principal == nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	return principal, nil
}

func convertExchangeError(err error) error {
	switch {
	case errors.Is(err, exchange.ErrEmptyContent),
		errors.Is(err, exchange.ErrInvalidCursor),
		errors.Is(err, exchange.ErrUnknownBackend):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, exchange.ErrConversationNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, exchange.ErrTurnAlreadyStreaming):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, exchange.ErrConversationUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("ai chat request failed", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
