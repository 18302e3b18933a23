// Package chatclient is the peer side of the messaging relay. A Session
// keeps a websocket open with reconnects, mirrors pushed frames into a
// local State and sends messages optimistically when the socket is up.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/casework/messaging/internal/auth"
	"github.com/casework/messaging/internal/model"
	"github.com/casework/messaging/pkg/logger"
)

// ErrAuthRejected means the server refused the stored credential; the user
// has to log in again.
var ErrAuthRejected = errors.New("authentication rejected, log in again")

// AuthRejectedError carries the close code and reason sent by the server.
type AuthRejectedError struct {
	Code   int
	Reason string
}

func (e *AuthRejectedError) Error() string {
	return fmt.Sprintf("%s (%d %s)", ErrAuthRejected, e.Code, e.Reason)
}

func (e *AuthRejectedError) Unwrap() error { return ErrAuthRejected }

// Config configures a Session.
type Config struct {
	// BaseURL is the server root; the websocket URL is derived from it.
	BaseURL string
	Token   string

	BaseDelay time.Duration
	MaxDelay  time.Duration

	API    *API
	Dialer *websocket.Dialer
	Logger *logger.Logger
	// OnFrame, if set, is called after each pushed frame is applied.
	OnFrame func(model.Frame)
}

// Session owns one logical connection to the relay.
type Session struct {
	cfg     Config
	wsURL   string
	api     *API
	dialer  *websocket.Dialer
	state   *State
	backoff *Backoff
	logger  *logger.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewSession creates a session. Run must be called to connect.
func NewSession(cfg Config) (*Session, error) {
	wsURL, err := websocketURL(cfg.BaseURL, cfg.Token)
	if err != nil {
		return nil, err
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.API == nil {
		cfg.API = NewAPI(cfg.BaseURL, cfg.Token, nil)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}

	return &Session{
		cfg:     cfg,
		wsURL:   wsURL,
		api:     cfg.API,
		dialer:  cfg.Dialer,
		state:   NewState(),
		backoff: NewBackoff(cfg.BaseDelay, cfg.MaxDelay),
		logger:  cfg.Logger.Named("chatclient"),
	}, nil
}

func websocketURL(base, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

// State returns the session's local state.
func (s *Session) State() *State {
	return s.state
}

// Connected reports whether the socket is open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Run keeps the socket connected until ctx ends or the server rejects the
// credential. Any other disconnect is retried with backoff.
func (s *Session) Run(ctx context.Context) error {
	for {
		err := s.connectOnce(ctx)
		if errors.Is(err, ErrAuthRejected) {
			s.state.setAuthRequired()
			s.logger.Warn("credential rejected", zap.Error(err))
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := s.backoff.Next()
		s.logger.Info("disconnected, reconnecting",
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Session) connectOnce(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	// Unblock the read below when the caller gives up.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		var frame model.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && auth.IsAuthCloseCode(closeErr.Code) {
				return &AuthRejectedError{Code: closeErr.Code, Reason: closeErr.Text}
			}
			return err
		}

		if frame.Type == model.FrameConnectionEstablished {
			s.backoff.Reset()
		}
		if err := s.state.Apply(frame); err != nil {
			s.logger.Warn("failed to apply frame", zap.String("type", string(frame.Type)), zap.Error(err))
			continue
		}
		if s.cfg.OnFrame != nil {
			s.cfg.OnFrame(frame)
		}
	}
}

// Send delivers a message. With the socket open a pending copy is inserted
// and the frame is written; otherwise the REST fallback is used and
// the authoritative record is inserted.
func (s *Session) Send(ctx context.Context, conversationID int64, content string, attachmentURL *string) (LocalMessage, error) {
	if local, ok := s.sendOverSocket(conversationID, content, attachmentURL); ok {
		return local, nil
	}

	msg, err := s.api.SendMessage(ctx, conversationID, content, attachmentURL)
	if err != nil {
		return LocalMessage{}, err
	}
	s.state.AddConfirmed(*msg)
	return LocalMessage{Message: *msg}, nil
}

func (s *Session) sendOverSocket(conversationID int64, content string, attachmentURL *string) (LocalMessage, bool) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return LocalMessage{}, false
	}

	clientID := uuid.NewString()
	frame, err := model.NewFrame(model.FrameSendMessage, model.SendMessageRequest{
		ConversationID: conversationID,
		Content:        content,
		AttachmentURL:  attachmentURL,
		ClientID:       clientID,
	})
	if err != nil {
		return LocalMessage{}, false
	}

	// The pending copy goes in before the write so a fast message_sent
	// always finds it.
	senderID := s.state.UserID()
	local := s.state.AddPending(model.Message{
		ConversationID: conversationID,
		SenderID:       &senderID,
		Content:        content,
		AttachmentURL:  attachmentURL,
		CreatedAt:      time.Now(),
		ClientID:       clientID,
	})

	s.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err = conn.WriteJSON(frame)
	s.writeMu.Unlock()
	if err != nil {
		s.state.removePending(conversationID, clientID)
		s.logger.Warn("socket send failed, using REST", zap.Error(err))
		return LocalMessage{}, false
	}
	return local, true
}

// MarkRead asks the server to clear the unread count of a conversation.
func (s *Session) MarkRead(conversationID int64) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}

	frame, err := model.NewFrame(model.FrameMarkRead, model.MarkReadRequest{ConversationID: conversationID})
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(frame)
}

// FetchConversations loads the conversation list into state.
func (s *Session) FetchConversations(ctx context.Context) ([]model.ConversationSummary, error) {
	convs, err := s.api.Conversations(ctx)
	if err != nil {
		return nil, err
	}
	s.state.SetConversations(convs)
	return convs, nil
}

// FetchMessages opens a conversation: loads its messages, makes it current
// and clears its unread count.
func (s *Session) FetchMessages(ctx context.Context, conversationID int64) ([]model.Message, error) {
	msgs, err := s.api.Messages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	s.state.OpenConversation(conversationID, msgs)
	return msgs, nil
}

// CreateConversation creates a conversation and puts it at the top.
func (s *Session) CreateConversation(ctx context.Context, name *string, isGroup bool, participantIDs []int64) (*model.ConversationSummary, error) {
	conv, err := s.api.CreateConversation(ctx, model.CreateConversationRequest{
		Name:           name,
		IsGroup:        isGroup,
		ParticipantIDs: participantIDs,
	})
	if err != nil {
		return nil, err
	}
	s.state.UpsertConversation(*conv)
	return conv, nil
}

// AddUsers adds members and refreshes the conversation in state.
func (s *Session) AddUsers(ctx context.Context, conversationID int64, userIDs []int64) (*model.ConversationSummary, error) {
	conv, err := s.api.AddUsers(ctx, conversationID, userIDs)
	if err != nil {
		return nil, err
	}
	s.state.UpsertConversation(*conv)
	return conv, nil
}
