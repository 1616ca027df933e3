package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/vizier-ai/vizier/internal/conversation"
	"github.com/vizier-ai/vizier/internal/log"
)

// Pagination bounds.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
	MaxListOffset    = 100000
)

// ConversationStore is the persistence surface the conversation endpoints
// need. Satisfied by *conversation.Store.
type ConversationStore interface {
	CreateConversation(ctx context.Context, userID string, metadata map[string]any) (*conversation.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit, offset int32) ([]*conversation.Conversation, error)
	GetConversation(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error)
	Messages(ctx context.Context, conversationID uuid.UUID, limit, offset int32) ([]*conversation.Message, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
}

// ConversationHandler handles conversation read/lifecycle endpoints.
type ConversationHandler struct {
	store  ConversationStore
	logger log.Logger
}

// NewConversationHandler creates a conversation handler.
func NewConversationHandler(store ConversationStore, logger log.Logger) *ConversationHandler {
	return &ConversationHandler{store: store, logger: logger}
}

// RegisterRoutes registers conversation routes on the given mux.
func (h *ConversationHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/conversations", h.list)
	mux.HandleFunc("POST /api/v1/conversations", h.create)
	mux.HandleFunc("GET /api/v1/conversations/{id}", h.get)
	mux.HandleFunc("GET /api/v1/conversations/{id}/messages", h.messages)
	mux.HandleFunc("DELETE /api/v1/conversations/{id}", h.deactivate)
}

// conversationView is the wire shape of a conversation.
type conversationView struct {
	ID        uuid.UUID      `json:"id"`
	Title     string         `json:"title"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// messageView is the wire shape of a message.
type messageView struct {
	ID         uuid.UUID      `json:"id"`
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	IsComplete bool           `json:"isComplete"`
	CreatedAt  time.Time      `json:"createdAt"`
}

func (h *ConversationHandler) list(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = defaultUserID
	}
	limit := parseIntParam(r, "limit", DefaultListLimit, 1, MaxListLimit)
	offset := parseIntParam(r, "offset", 0, 0, MaxListOffset)

	// #nosec G115 -- bounded by MaxListLimit and MaxListOffset
	convs, err := h.store.ListConversations(r.Context(), userID, int32(limit), int32(offset))
	if err != nil {
		h.logger.Error("listing conversations", "error", err)
		writeError(w, http.StatusInternalServerError, "list_failed", "failed to list conversations")
		return
	}

	views := make([]conversationView, 0, len(convs))
	for _, c := range convs {
		views = append(views, conversationView{
			ID: c.ID, Title: c.Title, Metadata: c.Metadata,
			CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": views,
		"total":         len(views),
		"limit":         limit,
		"offset":        offset,
	})
}

// createConversationRequest is the body of POST /api/v1/conversations.
// Conversations are usually created implicitly by the first chat turn; this
// endpoint lets a client pre-create one to pin attachments or metadata.
type createConversationRequest struct {
	UserID   string         `json:"userId"`
	Metadata map[string]any `json:"metadata"`
}

func (h *ConversationHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.UserID == "" {
		req.UserID = defaultUserID
	}

	conv, err := h.store.CreateConversation(r.Context(), req.UserID, req.Metadata)
	if err != nil {
		h.logger.Error("creating conversation", "error", err)
		writeError(w, http.StatusInternalServerError, "store_error", "failed to create conversation")
		return
	}
	writeJSON(w, http.StatusCreated, conversationView{
		ID: conv.ID, Title: conv.Title, Metadata: conv.Metadata,
		CreatedAt: conv.CreatedAt, UpdatedAt: conv.UpdatedAt,
	})
}

func (h *ConversationHandler) get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid conversation id")
		return
	}
	conv, err := h.store.GetConversation(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "loading conversation")
		return
	}
	writeJSON(w, http.StatusOK, conversationView{
		ID: conv.ID, Title: conv.Title, Metadata: conv.Metadata,
		CreatedAt: conv.CreatedAt, UpdatedAt: conv.UpdatedAt,
	})
}

func (h *ConversationHandler) messages(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid conversation id")
		return
	}
	limit := parseIntParam(r, "limit", DefaultListLimit, 1, MaxListLimit)
	offset := parseIntParam(r, "offset", 0, 0, MaxListOffset)

	if _, err := h.store.GetConversation(r.Context(), id); err != nil {
		h.writeStoreError(w, err, "loading conversation")
		return
	}

	// #nosec G115 -- bounded by MaxListLimit and MaxListOffset
	msgs, err := h.store.Messages(r.Context(), id, int32(limit), int32(offset))
	if err != nil {
		h.logger.Error("listing messages", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "list_failed", "failed to list messages")
		return
	}

	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, messageView{
			ID: m.ID, Role: m.Role, Content: m.Content, Metadata: m.Metadata,
			IsComplete: m.IsComplete, CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": views,
		"total":    len(views),
		"limit":    limit,
		"offset":   offset,
	})
}

func (h *ConversationHandler) deactivate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid conversation id")
		return
	}
	if err := h.store.Deactivate(r.Context(), id); err != nil {
		h.writeStoreError(w, err, "deactivating conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationHandler) writeStoreError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, conversation.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}
	h.logger.Error(op, "error", err)
	writeError(w, http.StatusInternalServerError, "store_error", "persistence failure")
}

// parseIntParam parses an integer query parameter with bounds clamping.
func parseIntParam(r *http.Request, name string, defaultVal, minVal, maxVal int) int {
	str := r.URL.Query().Get(name)
	if str == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return defaultVal
	}
	if val < minVal {
		return minVal
	}
	if val > maxVal {
		return maxVal
	}
	return val
}
