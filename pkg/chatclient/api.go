package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/casework/messaging/internal/model"
)

// APIError is a non-2xx response from the REST API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// API is a thin client for the /api/messages REST routes.
type API struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPI creates a REST client. baseURL is the server root, e.g.
// https://cases.example.com.
func NewAPI(baseURL, token string, client *http.Client) *API {
	if client == nil {
		client = &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &API{
		baseURL: strings.TrimRight(baseURL, "/") + "/api/messages",
		token:   token,
		http:    client,
	}
}

// Conversations lists the caller's conversations.
func (a *API) Conversations(ctx context.Context) ([]model.ConversationSummary, error) {
	var out []model.ConversationSummary
	err := a.do(ctx, http.MethodGet, "/conversations", nil, &out)
	return out, err
}

// Messages fetches a conversation, which also marks it read server-side.
func (a *API) Messages(ctx context.Context, conversationID int64) ([]model.Message, error) {
	var out []model.Message
	err := a.do(ctx, http.MethodGet, conversationPath(conversationID, "/messages"), nil, &out)
	return out, err
}

// SendMessage persists a message without the socket.
func (a *API) SendMessage(ctx context.Context, conversationID int64, content string, attachmentURL *string) (*model.Message, error) {
	var out model.Message
	body := model.SendMessageRequest{Content: content, AttachmentURL: attachmentURL}
	if err := a.do(ctx, http.MethodPost, conversationPath(conversationID, "/messages"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateConversation starts a conversation with the given participants.
func (a *API) CreateConversation(ctx context.Context, req model.CreateConversationRequest) (*model.ConversationSummary, error) {
	var out model.ConversationSummary
	if err := a.do(ctx, http.MethodPost, "/conversations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddUsers adds members to a conversation.
func (a *API) AddUsers(ctx context.Context, conversationID int64, userIDs []int64) (*model.ConversationSummary, error) {
	var out model.ConversationSummary
	body := model.AddUsersRequest{UserIDs: userIDs}
	if err := a.do(ctx, http.MethodPost, conversationPath(conversationID, "/users"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Participants lists the other members of a conversation.
func (a *API) Participants(ctx context.Context, conversationID int64) ([]model.User, error) {
	var out []model.User
	err := a.do(ctx, http.MethodGet, conversationPath(conversationID, "/participants"), nil, &out)
	return out, err
}

// Users lists everyone the caller can message.
func (a *API) Users(ctx context.Context) ([]model.User, error) {
	var out []model.User
	err := a.do(ctx, http.MethodGet, "/users", nil, &out)
	return out, err
}

func conversationPath(id int64, suffix string) string {
	return "/conversations/" + strconv.FormatInt(id, 10) + suffix
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("x-auth-token", a.token)

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
