package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Turn is a turn as served by the history API.
type Turn struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	Status         string          `json:"status"`
	Metadata       json.RawMessage `json:"metadata"`
	Revision       int64           `json:"revision"`
	CreatedTs      int64           `json:"createdTs"`
	UpdatedTs      int64           `json:"updatedTs"`
}

type Page struct {
	// ConversationID is set on pages looked up by counterpart.
	ConversationID string  `json:"conversationId"`
	Turns          []*Turn `json:"turns"`
	HasMore        bool    `json:"hasMore"`
	NextCursor     string  `json:"nextCursor"`
}

type Conversation struct {
	ID            string `json:"id"`
	CounterpartID string `json:"counterpartId"`
	Backend       string `json:"backend"`
	Title         string `json:"title"`
	CreatedTs     int64  `json:"createdTs"`
	UpdatedTs     int64  `json:"updatedTs"`
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("judy api: %d %s", e.StatusCode, e.Message)
}

// Client calls the judy HTTP API as one participant.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New returns a client for baseURL authenticating with the bearer token.
// A nil httpClient uses http.DefaultClient.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/") + "/api/v1/ai",
		token:      token,
		httpClient: httpClient,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode request")
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", req.Method, req.URL.Path)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return resp, nil
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err == nil && body.Message != "" {
		apiErr.Message = body.Message
	}
	return apiErr
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}
	return nil
}

func (c *Client) Conversations(ctx context.Context) ([]*Conversation, error) {
	var list []*Conversation
	if err := c.call(ctx, http.MethodGet, "/conversations", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) Rename(ctx context.Context, conversationID, title string) (*Conversation, error) {
	conversation := &Conversation{}
	err := c.call(ctx, http.MethodPatch, "/conversations/"+url.PathEscape(conversationID), map[string]string{"title": title}, conversation)
	if err != nil {
		return nil, err
	}
	return conversation, nil
}

// History fetches one page of turns older than cursor; an empty cursor fetches the newest page.
func (c *Client) History(ctx context.Context, conversationID, cursor string, limit int) (*Page, error) {
	return c.page(ctx, "/conversations/"+url.PathEscape(conversationID)+"/turns", pageQuery(cursor, limit))
}

// CounterpartHistory is History for a caller that knows only the counterpart. An
// empty backend means the server default; a counterpart never talked to yields an empty page.
func (c *Client) CounterpartHistory(ctx context.Context, counterpartID, backend, cursor string, limit int) (*Page, error) {
	q := pageQuery(cursor, limit)
	if backend != "" {
		q.Set("backend", backend)
	}
	return c.page(ctx, "/counterparts/"+url.PathEscape(counterpartID)+"/turns", q)
}

func pageQuery(cursor string, limit int) url.Values {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

func (c *Client) page(ctx context.Context, path string, q url.Values) (*Page, error) {
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	page := &Page{}
	if err := c.call(ctx, http.MethodGet, path, nil, page); err != nil {
		return nil, err
	}
	return page, nil
}

// Clear deletes every turn of the conversation.
func (c *Client) Clear(ctx context.Context, conversationID string) (int64, error) {
	var out struct {
		Deleted int64 `json:"deleted"`
	}
	err := c.call(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(conversationID)+"/turns", nil, &out)
	return out.Deleted, err
}

// ClearCounterpart deletes every turn of the conversation with counterpartID.
func (c *Client) ClearCounterpart(ctx context.Context, counterpartID, backend string) (int64, error) {
	path := "/counterparts/" + url.PathEscape(counterpartID) + "/turns"
	if backend != "" {
		path += "?" + url.Values{"backend": {backend}}.Encode()
	}
	var out struct {
		Deleted int64 `json:"deleted"`
	}
	err := c.call(ctx, http.MethodDelete, path, nil, &out)
	return out.Deleted, err
}

func (c *Client) Recover(ctx context.Context, conversationID string) (int, error) {
	var out struct {
		Recovered int `json:"recovered"`
	}
	err := c.call(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/recover", nil, &out)
	return out.Recovered, err
}

type ExchangeRequest struct {
	CounterpartID string `json:"counterpartId"`
	Content       string `json:"content"`
	Backend       string `json:"backend,omitempty"`
}

// Reply is the response of a non-streamed exchange.
type Reply struct {
	ConversationID string `json:"conversationId"`
	UserTurn       *Turn  `json:"userTurn"`
	AssistantTurn  *Turn  `json:"assistantTurn"`
}

// Reply sends a message and waits for the whole assistant turn. A failed
// generation comes back as an errored assistant turn, not as an error.
func (c *Client) Reply(ctx context.Context, req ExchangeRequest) (*Reply, error) {
	reply := &Reply{}
	if err := c.call(ctx, http.MethodPost, "/replies", req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// ExchangeStream is the response of StartExchange. The turn ids are known before
// any fragment is read.
type ExchangeStream struct {
	ConversationID  string
	UserTurnID      string
	AssistantTurnID string

	resp *http.Response
	done bool
}

// StartExchange sends a message and returns once the server has allocated both turns.
func (c *Client) StartExchange(ctx context.Context, req ExchangeRequest) (*ExchangeStream, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/exchanges", req)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	return &ExchangeStream{
		ConversationID:  resp.Header.Get("X-Conversation-Id"),
		UserTurnID:      resp.Header.Get("X-User-Message-Id"),
		AssistantTurnID: resp.Header.Get("X-AI-Message-Id"),
		resp:            resp,
	}, nil
}

// Fragments yields body chunks as they arrive. Chunk boundaries carry no meaning.
func (s *ExchangeStream) Fragments() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		buf := make([]byte, 4096)
		for {
			n, err := s.resp.Body.Read(buf)
			if n > 0 && !yield(string(buf[:n]), nil) {
				return
			}
			if err == io.EOF {
				s.done = true
				return
			}
			if err != nil {
				yield("", errors.Wrap(err, "exchange stream broken"))
				return
			}
		}
	}
}

// Result reports the assistant turn's status and error from the response
// trailers. It is only meaningful after Fragments has been drained.
func (s *ExchangeStream) Result() (status, errText string) {
	if !s.done {
		return "streaming", ""
	}
	status = s.resp.Trailer.Get("X-Turn-Status")
	if status == "" {
		status = "streaming"
	}
	return status, s.resp.Trailer.Get("X-Turn-Error")
}

func (s *ExchangeStream) Close() error {
	return s.resp.Body.Close()
}
