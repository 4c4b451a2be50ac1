package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/neobase-ai/neobase-web-ui/internal/models"
)

// NeoBase is the client of the NeoBase backend HTTP API. Every call is authenticated with a bearer token
// and every response is wrapped in the {success, data, error} envelope.
type NeoBase struct {
	baseURL string
	token   string

	client *http.Client
}

// APIError is returned when the backend answers with a non-2xx status or with success set to false.
type APIError struct {
	Status  int
	Message string
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *string         `json:"error"`
}

type streamRequest struct {
	StreamID string `json:"stream_id"`
}

type contentRequest struct {
	StreamID string `json:"stream_id"`
	Content  string `json:"content"`
}

type chatList struct {
	Chats []models.Chat `json:"chats"`
	Total int           `json:"total"`
}

// NewNeoBase creates a client for the API rooted at baseURL, for example "http://localhost:3000/api".
func NewNeoBase(baseURL, token string, client *http.Client) NeoBase {
	if client == nil {
		client = &http.Client{}
	}
	return NeoBase{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("neobase api error: status %d", e.Status)
	}
	return fmt.Sprintf("neobase api error: status %d: %s", e.Status, e.Message)
}

// Chats lists the user's chats.
func (n NeoBase) Chats(ctx context.Context) ([]models.Chat, error) {
	var res chatList
	if err := n.do(ctx, http.MethodGet, "/chats", nil, &res); err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	return res.Chats, nil
}

// CreateChat creates a chat together with its database connection.
func (n NeoBase) CreateChat(ctx context.Context, input models.ChatInput) (models.Chat, error) {
	var chat models.Chat
	if err := n.do(ctx, http.MethodPost, "/chats", input, &chat); err != nil {
		return models.Chat{}, fmt.Errorf("failed to create chat: %w", err)
	}
	return chat, nil
}

// UpdateChat edits the connection or settings of a chat.
func (n NeoBase) UpdateChat(ctx context.Context, chatID string, input models.ChatInput) (models.Chat, error) {
	var chat models.Chat
	if err := n.do(ctx, http.MethodPatch, chatPath(chatID), input, &chat); err != nil {
		return models.Chat{}, fmt.Errorf("failed to update chat %s: %w", chatID, err)
	}
	return chat, nil
}

// DeleteChat deletes a chat and its connection.
func (n NeoBase) DeleteChat(ctx context.Context, chatID string) error {
	if err := n.do(ctx, http.MethodDelete, chatPath(chatID), nil, nil); err != nil {
		return fmt.Errorf("failed to delete chat %s: %w", chatID, err)
	}
	return nil
}

// ClearMessages deletes every message of a chat.
func (n NeoBase) ClearMessages(ctx context.Context, chatID string) error {
	if err := n.do(ctx, http.MethodDelete, chatPath(chatID, "messages"), nil, nil); err != nil {
		return fmt.Errorf("failed to clear messages of chat %s: %w", chatID, err)
	}
	return nil
}

// Connect asks the backend to connect the chat's database. The outcome is also reported on the stream with
// a db-connected event.
func (n NeoBase) Connect(ctx context.Context, chatID, streamID string) error {
	if err := n.do(ctx, http.MethodPost, chatPath(chatID, "connect"), streamRequest{StreamID: streamID}, nil); err != nil {
		return fmt.Errorf("failed to connect chat %s: %w", chatID, err)
	}
	return nil
}

// Disconnect asks the backend to close the chat's database connection.
func (n NeoBase) Disconnect(ctx context.Context, chatID, streamID string) error {
	if err := n.do(ctx, http.MethodPost, chatPath(chatID, "disconnect"), streamRequest{StreamID: streamID}, nil); err != nil {
		return fmt.Errorf("failed to disconnect chat %s: %w", chatID, err)
	}
	return nil
}

// ConnectionStatus reports whether the backend holds a live database connection for the chat.
func (n NeoBase) ConnectionStatus(ctx context.Context, chatID string) (models.ConnectionStatus, error) {
	var status models.ConnectionStatus
	if err := n.do(ctx, http.MethodGet, chatPath(chatID, "connection-status"), nil, &status); err != nil {
		return models.ConnectionStatus{}, fmt.Errorf("failed to get connection status of chat %s: %w", chatID, err)
	}
	return status, nil
}

// Messages fetches one page of the chat history. Pages are 1-based and newest first.
func (n NeoBase) Messages(ctx context.Context, chatID string, page, pageSize int) (models.MessagePage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))

	var res models.MessagePage
	if err := n.do(ctx, http.MethodGet, chatPath(chatID, "messages")+"?"+q.Encode(), nil, &res); err != nil {
		return models.MessagePage{}, fmt.Errorf("failed to get messages of chat %s: %w", chatID, err)
	}
	return res, nil
}

// SendMessage posts a user message. The assistant's answer arrives on the stream identified by streamID.
func (n NeoBase) SendMessage(ctx context.Context, chatID, streamID, content string) (models.Message, error) {
	var msg models.Message
	body := contentRequest{StreamID: streamID, Content: content}
	if err := n.do(ctx, http.MethodPost, chatPath(chatID, "messages"), body, &msg); err != nil {
		return models.Message{}, fmt.Errorf("failed to send message: %w", err)
	}
	return msg, nil
}

// EditMessage replaces the content of a user message and re-runs the turn.
func (n NeoBase) EditMessage(ctx context.Context, chatID, messageID, streamID, content string) (models.Message, error) {
	var msg models.Message
	body := contentRequest{StreamID: streamID, Content: content}
	if err := n.do(ctx, http.MethodPatch, chatPath(chatID, "messages", messageID), body, &msg); err != nil {
		return models.Message{}, fmt.Errorf("failed to edit message %s: %w", messageID, err)
	}
	return msg, nil
}

// CancelStream stops the turn being processed on the given stream.
func (n NeoBase) CancelStream(ctx context.Context, chatID, streamID string) error {
	path := chatPath(chatID, "stream", "cancel") + "?stream_id=" + url.QueryEscape(streamID)
	if err := n.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("failed to cancel stream: %w", err)
	}
	return nil
}

// ExecuteQuery runs a query proposed by the assistant.
func (n NeoBase) ExecuteQuery(ctx context.Context, chatID string, req models.QueryRequest) (models.QueryOutcome, error) {
	var res models.QueryOutcome
	if err := n.do(ctx, http.MethodPost, chatPath(chatID, "queries", "execute"), req, &res); err != nil {
		return models.QueryOutcome{}, fmt.Errorf("failed to execute query %s: %w", req.QueryID, err)
	}
	return res, nil
}

// RollbackQuery reverts an executed query.
func (n NeoBase) RollbackQuery(ctx context.Context, chatID string, req models.QueryRequest) (models.QueryOutcome, error) {
	var res models.QueryOutcome
	if err := n.do(ctx, http.MethodPost, chatPath(chatID, "queries", "rollback"), req, &res); err != nil {
		return models.QueryOutcome{}, fmt.Errorf("failed to roll back query %s: %w", req.QueryID, err)
	}
	return res, nil
}

// CancelQuery asks the backend to stop a running execute or rollback.
func (n NeoBase) CancelQuery(ctx context.Context, chatID string, req models.QueryRequest) error {
	if err := n.do(ctx, http.MethodPost, chatPath(chatID, "queries", "cancel"), req, nil); err != nil {
		return fmt.Errorf("failed to cancel query %s: %w", req.QueryID, err)
	}
	return nil
}

// QueryResults fetches a 50-record block of an executed query's results.
func (n NeoBase) QueryResults(ctx context.Context, chatID string, req models.QueryResultsRequest) (models.QueryOutcome, error) {
	var res models.QueryOutcome
	if err := n.do(ctx, http.MethodPost, chatPath(chatID, "queries", "results"), req, &res); err != nil {
		return models.QueryOutcome{}, fmt.Errorf("failed to fetch results of query %s: %w", req.QueryID, err)
	}
	return res, nil
}

// EditQuery replaces the text of a query that was not executed yet.
func (n NeoBase) EditQuery(ctx context.Context, chatID string, req models.EditQueryRequest) error {
	if err := n.do(ctx, http.MethodPatch, chatPath(chatID, "queries", "edit"), req, nil); err != nil {
		return fmt.Errorf("failed to edit query %s: %w", req.QueryID, err)
	}
	return nil
}

// RefreshSchema asks the backend to re-read the schema of the chat's database.
func (n NeoBase) RefreshSchema(ctx context.Context, chatID, streamID string) error {
	if err := n.do(ctx, http.MethodPost, chatPath(chatID, "refresh-schema"), streamRequest{StreamID: streamID}, nil); err != nil {
		return fmt.Errorf("failed to refresh schema of chat %s: %w", chatID, err)
	}
	return nil
}

// StreamURL returns the address of the chat's event stream.
func (n NeoBase) StreamURL(chatID, streamID string) string {
	return n.baseURL + chatPath(chatID, "stream") + "?stream_id=" + url.QueryEscape(streamID)
}

// Authorize sets the bearer token on a request built outside the client.
func (n NeoBase) Authorize(req *http.Request) {
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}
}

func chatPath(chatID string, parts ...string) string {
	elems := append([]string{"chats", url.PathEscape(chatID)}, parts...)
	return "/" + strings.Join(elems, "/")
}

func (n NeoBase) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("error marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, n.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	n.Authorize(req)

	resp, err := n.client.Do(req)
	if err != nil {
		// Callers classify aborts with errors.Is, so cancellation is returned as is.
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return ctxErr
		}
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("error decoding response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest || !env.Success {
		apiErr := &APIError{Status: resp.StatusCode}
		if env.Error != nil {
			apiErr.Message = *env.Error
		}
		return apiErr
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("error decoding response data: %w", err)
	}
	return nil
}
