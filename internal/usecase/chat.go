// Package usecase contains the chat request pipeline: conversation
// resolution, context-window construction, the resilient LLM invoker, and
// the error taxonomy the HTTP boundary maps to status codes.
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"support-chat/internal/domain"
	"support-chat/internal/integrations/paramstore"
)

const (
	defaultContextWindow = 5
	defaultMaxMessageLen = 2000
	defaultCacheTTL      = 10 * time.Minute
	defaultLLMTimeout    = 30 * time.Second
	defaultLLMAttempts   = 3
	defaultLLMBaseDelay  = time.Second
	defaultLLMMaxDelay   = 8 * time.Second
)

// ConversationStore is the conversation persistence surface the pipeline
// consumes.
type ConversationStore interface {
	Create(ctx context.Context) (domain.Conversation, error)
	FindByToken(ctx context.Context, token string) (domain.Conversation, error)
	LoadWithMessages(ctx context.Context, token string) (domain.Conversation, []domain.Message, error)
}

// MessageStore is the message persistence surface the pipeline consumes.
// Recent returns the last limit messages in chronological order.
type MessageStore interface {
	Append(ctx context.Context, conv domain.Conversation, role domain.Role, text string) (domain.Message, error)
	Recent(ctx context.Context, conv domain.Conversation, limit int) ([]domain.Message, error)
}

// HistoryCache is the read-through cache for history snapshots. All methods
// absorb backend failures: a miss or failed write is never an error.
type HistoryCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool
	Delete(ctx context.Context, key string) bool
}

// ParamGetter supplies configuration parameters (the pinned system prompt).
type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Config carries the tunables injected at construction. Zero values fall
// back to defaults.
type Config struct {
	ContextWindow   int
	MaxMessageLen   int
	HistoryCacheTTL time.Duration
	LLMTimeout      time.Duration
	LLMMaxAttempts  int
	LLMBaseDelay    time.Duration
	LLMMaxDelay     time.Duration
}

func (c Config) withDefaults() Config {
	if c.ContextWindow <= 0 {
		c.ContextWindow = defaultContextWindow
	}
	if c.MaxMessageLen <= 0 {
		c.MaxMessageLen = defaultMaxMessageLen
	}
	if c.HistoryCacheTTL <= 0 {
		c.HistoryCacheTTL = defaultCacheTTL
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = defaultLLMTimeout
	}
	if c.LLMMaxAttempts <= 0 {
		c.LLMMaxAttempts = defaultLLMAttempts
	}
	if c.LLMBaseDelay <= 0 {
		c.LLMBaseDelay = defaultLLMBaseDelay
	}
	if c.LLMMaxDelay <= 0 {
		c.LLMMaxDelay = defaultLLMMaxDelay
	}
	return c
}

// ChatService is the request orchestrator: it resolves the conversation,
// builds the model context, invokes the LLM, and persists both turns.
type ChatService struct {
	conversations ConversationStore
	messages      MessageStore
	cache         HistoryCache
	invoker       *invoker
	params        ParamGetter
	paramPrefix   string
	cfg           Config
	logger        zerolog.Logger

	promptMu     sync.RWMutex
	promptLoaded bool
	systemPrompt string
}

type SendInput struct {
	Message      string
	SessionToken string
}

type SendOutput struct {
	Reply        string
	SessionToken string
}

type MessageView struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type HistoryOutput struct {
	ConversationID string        `json:"conversationId"`
	SessionToken   string        `json:"sessionId"`
	MessageCount   int           `json:"messageCount"`
	Messages       []MessageView `json:"messages"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// NewChatService wires the pipeline. cache may be nil when no cache backend
// is provisioned; every cached path then degrades to the store.
func NewChatService(conversations ConversationStore, messages MessageStore, cache HistoryCache, llm LLMClient, params ParamGetter, paramPrefix string, cfg Config, logger zerolog.Logger) (*ChatService, error) {
	if conversations == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if messages == nil {
		return nil, errors.New("usecase: message store must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if params == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	cfg = cfg.withDefaults()
	return &ChatService{
		conversations: conversations,
		messages:      messages,
		cache:         cache,
		invoker:       newInvoker(llm, cfg.LLMTimeout, cfg.LLMMaxAttempts, cfg.LLMBaseDelay, cfg.LLMMaxDelay, logger),
		params:        params,
		paramPrefix:   paramPrefix,
		cfg:           cfg,
		logger:        logger,
	}, nil
}

// Send handles one chat request end to end. Only validation and the upstream
// call produce user-visible failures; resolution, persistence, and cache
// maintenance degrade gracefully and are logged.
func (s *ChatService) Send(ctx context.Context, in SendInput) (SendOutput, error) {
	text := strings.TrimSpace(in.Message)
	if text == "" {
		return SendOutput{}, newError(ErrorValidation, "empty_message", nil)
	}
	if utf8.RuneCountInString(text) > s.cfg.MaxMessageLen {
		return SendOutput{}, newError(ErrorValidation, "message_too_long", nil)
	}

	conv := s.resolveConversation(ctx, strings.TrimSpace(in.SessionToken))

	// Load context before appending the new user message so the model does
	// not see its own not-yet-answered input twice.
	history, err := s.messages.Recent(ctx, conv, s.cfg.ContextWindow)
	if err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conv.ID).Msg("history load failed, continuing without context")
		history = nil
	}

	if _, err := s.messages.Append(ctx, conv, domain.RoleUser, text); err != nil {
		s.logger.Error().Err(err).Str("conversation_id", conv.ID).Str("content", truncate(text, 80)).Msg("user message persist failed")
	}

	reply, err := s.invoker.GenerateReply(ctx, s.buildModelMessages(ctx, text, history))
	if err != nil {
		return SendOutput{}, err
	}

	if _, err := s.messages.Append(ctx, conv, domain.RoleAssistant, reply); err != nil {
		s.logger.Error().Err(err).Str("conversation_id", conv.ID).Str("content", truncate(reply, 80)).Msg("assistant message persist failed")
	}

	// The cache must never serve a history missing the just-appended turn.
	if s.cache != nil {
		s.cache.Delete(ctx, historyCacheKey(conv.SessionToken))
	}

	return SendOutput{Reply: reply, SessionToken: conv.SessionToken}, nil
}

// resolveConversation finds the conversation for a token, silently starting a
// new one on a stale or foreign token. If even creation fails, the request
// proceeds on an ephemeral unpersisted conversation so the reply can still be
// delivered.
func (s *ChatService) resolveConversation(ctx context.Context, token string) domain.Conversation {
	if token != "" {
		conv, err := s.conversations.FindByToken(ctx, token)
		if err == nil {
			return conv
		}
		if !errors.Is(err, domain.ErrConversationNotFound) {
			s.logger.Warn().Err(err).Msg("conversation lookup failed, starting a new conversation")
		}
	}

	conv, err := s.conversations.Create(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("conversation create failed, continuing unpersisted")
		now := time.Now().UTC()
		return domain.Conversation{
			ID:           uuid.NewString(),
			SessionToken: uuid.NewString(),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}
	return conv
}

func (s *ChatService) buildModelMessages(ctx context.Context, text string, history []domain.Message) []domain.ChatMessage {
	var messages []domain.ChatMessage
	if prompt := s.ensureSystemPrompt(ctx); prompt != "" {
		messages = append(messages, domain.ChatMessage{Role: "system", Content: prompt})
	}
	messages = append(messages, formatForModel(limitContext(history, s.cfg.ContextWindow))...)
	return append(messages, domain.ChatMessage{Role: "user", Content: text})
}

// ensureSystemPrompt loads the pinned prompt from the parameter store once
// and caches it. A load failure is logged and retried on the next request;
// the current request proceeds without a system message.
func (s *ChatService) ensureSystemPrompt(ctx context.Context) string {
	s.promptMu.RLock()
	if s.promptLoaded {
		defer s.promptMu.RUnlock()
		return s.systemPrompt
	}
	s.promptMu.RUnlock()

	s.promptMu.Lock()
	defer s.promptMu.Unlock()
	if s.promptLoaded {
		return s.systemPrompt
	}

	prompt, err := s.params.GetParameter(ctx, paramstore.Join(s.paramPrefix, "system_prompt"))
	if err != nil {
		s.logger.Warn().Err(err).Msg("system prompt load failed, continuing without it")
		return ""
	}
	s.systemPrompt = strings.TrimSpace(prompt)
	s.promptLoaded = true
	return s.systemPrompt
}

// History returns the conversation snapshot for a session token, served from
// cache when possible. Read-path failures are fatal, unlike the write path.
func (s *ChatService) History(ctx context.Context, token string) (HistoryOutput, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return HistoryOutput{}, newError(ErrorValidation, "empty_session_token", nil)
	}

	key := historyCacheKey(token)
	if s.cache != nil {
		if raw, ok := s.cache.Get(ctx, key); ok {
			var out HistoryOutput
			if err := json.Unmarshal(raw, &out); err == nil {
				return out, nil
			}
			s.logger.Warn().Str("session_token", token).Msg("corrupt history cache entry, reloading")
		}
	}

	conv, msgs, err := s.conversations.LoadWithMessages(ctx, token)
	if err != nil {
		if errors.Is(err, domain.ErrConversationNotFound) {
			return HistoryOutput{}, newError(ErrorNotFound, "unknown_session_token", err)
		}
		return HistoryOutput{}, newError(ErrorStorage, "history_load_error", err)
	}

	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, MessageView{
			ID:        m.ID,
			Sender:    string(m.Role),
			Content:   m.Content,
			Timestamp: m.CreatedAt,
		})
	}
	out := HistoryOutput{
		ConversationID: conv.ID,
		SessionToken:   conv.SessionToken,
		MessageCount:   len(views),
		Messages:       views,
		CreatedAt:      conv.CreatedAt,
		UpdatedAt:      conv.UpdatedAt,
	}

	if s.cache != nil {
		if raw, err := json.Marshal(out); err == nil {
			s.cache.Set(ctx, key, raw, s.cfg.HistoryCacheTTL)
		}
	}
	return out, nil
}

func historyCacheKey(token string) string {
	return "conversation:" + token
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
