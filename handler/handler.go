// Package handler exposes the chat pipeline over HTTP and is the single
// place that maps the usecase error taxonomy onto statuses and sanitized
// response bodies.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"support-chat/internal/ratelimit"
	"support-chat/internal/usecase"
)

// ChatUseCase is the pipeline surface the handler consumes.
type ChatUseCase interface {
	Send(ctx context.Context, in usecase.SendInput) (usecase.SendOutput, error)
	History(ctx context.Context, token string) (usecase.HistoryOutput, error)
}

// Pinger reports backing-store reachability for the health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	chat           ChatUseCase
	db             Pinger
	addrLimiter    *ratelimit.Limiter
	sessionLimiter *ratelimit.Limiter
	logger         zerolog.Logger
}

func NewHandler(chat ChatUseCase, db Pinger, addrLimiter, sessionLimiter *ratelimit.Limiter, logger zerolog.Logger) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat usecase must not be nil")
	}
	if db == nil {
		return nil, errors.New("handler: db pinger must not be nil")
	}
	if addrLimiter == nil || sessionLimiter == nil {
		return nil, errors.New("handler: both rate limiters must not be nil")
	}
	return &Handler{
		chat:           chat,
		db:             db,
		addrLimiter:    addrLimiter,
		sessionLimiter: sessionLimiter,
		logger:         logger,
	}, nil
}

// Routes builds the HTTP mux with logging, correlation-id, and CORS
// middleware applied. The health probe bypasses rate limiting.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", h.handleChat)
	mux.HandleFunc("GET /api/chat/history/{sessionId}", h.handleHistory)
	mux.HandleFunc("GET /health", h.handleHealth)
	return chainMiddlewares(mux, withCORS, withLogging(h.logger), withCorrelationID)
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

type chatResponse struct {
	Reply     string `json:"reply"`
	SessionID string `json:"sessionId"`
}

type historyResponse struct {
	Success bool                  `json:"success"`
	Data    usecase.HistoryOutput `json:"data"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   string(usecase.ErrorValidation),
			Message: "request body must be valid JSON",
		})
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID != "" {
		if _, err := uuid.Parse(req.SessionID); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error:   string(usecase.ErrorValidation),
				Message: "malformed session id",
			})
			return
		}
	}

	// Both limiters must pass. The headers of the most recently checked
	// limiter win; on denial the denying limiter's headers are already set.
	addrRes := h.addrLimiter.Check(r.Context(), clientAddr(r))
	setRateHeaders(w, addrRes)
	if !addrRes.Allowed {
		writeRateLimited(w, addrRes)
		return
	}
	sessionIdentity := req.SessionID
	if sessionIdentity == "" {
		sessionIdentity = "anonymous"
	}
	sessRes := h.sessionLimiter.Check(r.Context(), sessionIdentity)
	setRateHeaders(w, sessRes)
	if !sessRes.Allowed {
		writeRateLimited(w, sessRes)
		return
	}

	out, err := h.chat.Send(r.Context(), usecase.SendInput{
		Message:      req.Message,
		SessionToken: req.SessionID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Reply: out.Reply, SessionID: out.SessionToken})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("sessionId")
	if _, err := uuid.Parse(token); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   string(usecase.ErrorValidation),
			Message: "malformed session id",
		})
		return
	}

	out, err := h.chat.History(r.Context(), token)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Success: true, Data: out})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	database := "connected"
	status := "ok"
	if err := h.db.Ping(r.Context()); err != nil {
		h.logger.Warn().Err(err).Msg("health probe: database unreachable")
		database = "disconnected"
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"database":  database,
	})
}

// statusFor is the single taxonomy-to-status table.
func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorValidation:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstreamTimeout, usecase.ErrorUpstream:
		return http.StatusServiceUnavailable
	case usecase.ErrorStorage:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// safeMessages maps stable reasons to user-facing text. Internal error
// strings never reach the response body.
var safeMessages = map[string]string{
	"empty_message":         "message must not be empty",
	"message_too_long":      "message exceeds the maximum length",
	"empty_session_token":   "malformed session id",
	"unknown_session_token": "conversation not found",
	"history_load_error":    "failed to load conversation history",
	"llm_timeout":           "the assistant took too long to respond, please try again",
	"llm_empty_reply":       "the assistant could not produce a reply, please try again",
	"llm_rejected":          "the assistant is currently unavailable",
	"llm_error":             "the assistant is currently unavailable",
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("unclassified error")
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:   string(usecase.ErrorInternal),
			Message: "an unexpected error occurred",
		})
		return
	}

	status := statusFor(ucErr.Code)
	if status >= 500 {
		h.logger.Error().Err(ucErr).Str("path", r.URL.Path).Msg("request failed")
	} else {
		h.logger.Debug().Err(ucErr).Str("path", r.URL.Path).Msg("request rejected")
	}

	msg, ok := safeMessages[ucErr.Reason]
	if !ok {
		msg = "an unexpected error occurred"
	}
	writeJSON(w, status, errorResponse{Error: string(ucErr.Code), Message: msg})
}

func writeRateLimited(w http.ResponseWriter, res ratelimit.Result) {
	retryAfter := int(res.RetryAfter / time.Second)
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeJSON(w, http.StatusTooManyRequests, errorResponse{
		Error:   string(usecase.ErrorRateLimited),
		Message: "too many requests, please slow down",
	})
}

func setRateHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
}

// clientAddr extracts the client network address, preferring the first
// X-Forwarded-For hop when present.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
