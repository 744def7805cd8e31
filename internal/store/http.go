package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bloodbridge/chat-client/internal/auth"
	"github.com/bloodbridge/chat-client/internal/chat"
	"github.com/bloodbridge/chat-client/internal/logging"
	"github.com/bloodbridge/chat-client/internal/metrics"
)

// HTTPConfig holds settings for the REST client.
type HTTPConfig struct {
	BaseURL        string        // e.g. "https://api.example.org"
	RequestTimeout time.Duration // per call, including the wait for the limiter
	RatePerSecond  float64       // sustained request rate; <= 0 disables pacing
	Burst          int
}

// DefaultHTTPConfig returns sensible defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		BaseURL:        "http://localhost:3000",
		RequestTimeout: 10 * time.Second,
		RatePerSecond:  10,
		Burst:          5,
	}
}

// HTTP is a RemoteStore backed by the chat REST API.
type HTTP struct {
	config  HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ RemoteStore = (*HTTP)(nil)

// NewHTTP creates a REST store client.
func NewHTTP(config HTTPConfig, logger *zap.Logger) *HTTP {
	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}
	burst := config.Burst
	if burst < 1 {
		burst = 1
	}
	return &HTTP{
		config:  config,
		client:  &http.Client{},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logging.OrNop(logger).Named("store.http"),
	}
}

// ListChats fetches GET /api/chats?userId=<id>.
func (s *HTTP) ListChats(ctx context.Context, user chat.Identity) ([]chat.Chat, error) {
	var chats []chat.Chat
	path := "/api/chats?userId=" + url.QueryEscape(user.ID)
	if err := s.do(ctx, "list_chats", http.MethodGet, path, nil, &chats); err != nil {
		return nil, err
	}
	if chats == nil {
		chats = []chat.Chat{}
	}
	return chats, nil
}

// ListMessages fetches GET /api/chats/{chatId}/messages.
func (s *HTTP) ListMessages(ctx context.Context, chatID string) ([]chat.Message, error) {
	var msgs []chat.Message
	if err := s.do(ctx, "list_messages", http.MethodGet, messagesPath(chatID), nil, &msgs); err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return msgs, nil
}

// SendMessage posts {"content": ...} to /api/chats/{chatId}/messages.
func (s *HTTP) SendMessage(ctx context.Context, chatID, content string) (chat.Message, error) {
	body := struct {
		Content string `json:"content"`
	}{Content: content}

	var msg chat.Message
	if err := s.do(ctx, "send_message", http.MethodPost, messagesPath(chatID), body, &msg); err != nil {
		return chat.Message{}, err
	}
	if msg.ID == "" {
		return chat.Message{}, fmt.Errorf("store: send_message: response carries no message id")
	}
	if msg.ChatID == "" {
		msg.ChatID = chatID
	}
	return msg, nil
}

func messagesPath(chatID string) string {
	return "/api/chats/" + url.PathEscape(chatID) + "/messages"
}

// StatusError is a non-2xx answer that has no more specific meaning.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("store: %s: unexpected status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("store: %s: unexpected status %d: %s", e.Op, e.Status, e.Body)
}

func (s *HTTP) do(ctx context.Context, op, method, path string, in, out any) (err error) {
	start := time.Now()
	defer func() {
		metrics.StoreLatency.WithLabelValues(op, metrics.Outcome(err)).Observe(time.Since(start).Seconds())
	}()

	if s.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("store: %s: %w", op, err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("store: %s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(s.config.BaseURL, "/")+path, body)
	if err != nil {
		return fmt.Errorf("store: %s: %w", op, err)
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cred, ok := CredentialFrom(ctx); ok {
		req.Header.Set("Authorization", "Bearer "+cred)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("store: %s: %w", op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("store: %s: %w: status %d", op, auth.ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("store: %s: %w", op, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		s.logger.Warn("request failed",
			zap.String("op", op),
			zap.String("request_id", requestID),
			zap.Int("status", resp.StatusCode))
		return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("store: %s: decode response: %w", op, err)
	}
	return nil
}
