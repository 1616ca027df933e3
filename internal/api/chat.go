package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/vizier-ai/vizier/internal/conversation"
	"github.com/vizier-ai/vizier/internal/log"
	"github.com/vizier-ai/vizier/internal/orchestrator"
)

// MaxMessageLength bounds the user message body.
const MaxMessageLength = 32000

// defaultUserID stands in when the caller supplies no user identity.
// Authentication is handled upstream of this service.
const defaultUserID = "anonymous"

// TurnProcessor runs one conversation turn.
// Satisfied by *orchestrator.Orchestrator.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, req orchestrator.TurnRequest, emit orchestrator.Emitter) (*orchestrator.TurnResult, error)
}

// ChatHandler handles the turn endpoints.
type ChatHandler struct {
	orch   TurnProcessor
	logger log.Logger
}

// NewChatHandler creates a chat handler.
func NewChatHandler(orch TurnProcessor, logger log.Logger) *ChatHandler {
	return &ChatHandler{orch: orch, logger: logger}
}

// RegisterRoutes registers chat routes on the given mux.
func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/chat", h.handleChat)
	mux.HandleFunc("POST /api/v1/chat/stream", h.handleStream)
}

// ChatRequest is the request body for both turn endpoints.
type ChatRequest struct {
	Message        string                    `json:"message"`
	ConversationID string                    `json:"conversationId,omitempty"`
	UserID         string                    `json:"userId,omitempty"`
	Attachments    []orchestrator.Attachment `json:"attachments,omitempty"`
}

func (h *ChatHandler) parseRequest(r *http.Request) (orchestrator.TurnRequest, error) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return orchestrator.TurnRequest{}, fmt.Errorf("invalid request body: %w", err)
	}
	if req.Message == "" {
		return orchestrator.TurnRequest{}, errors.New("message is required")
	}
	if len(req.Message) > MaxMessageLength {
		return orchestrator.TurnRequest{}, fmt.Errorf("message too long (max %d characters)", MaxMessageLength)
	}

	turn := orchestrator.TurnRequest{
		UserID:      req.UserID,
		UserMessage: req.Message,
		Attachments: req.Attachments,
	}
	if turn.UserID == "" {
		turn.UserID = defaultUserID
	}
	if req.ConversationID != "" {
		id, err := uuid.Parse(req.ConversationID)
		if err != nil {
			return orchestrator.TurnRequest{}, fmt.Errorf("invalid conversation id: %w", err)
		}
		turn.ConversationID = id
	}
	return turn, nil
}

// handleChat processes one turn and returns the final result as JSON.
func (h *ChatHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	turn, err := h.parseRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	result, err := h.orch.ProcessTurn(r.Context(), turn, nil)
	if err != nil {
		h.writeTurnError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleStream processes one turn, relaying orchestrator events as SSE.
// Each event is a frame "event: <type>\ndata: <payload JSON>\n\n".
func (h *ChatHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	turn, err := h.parseRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("streaming not supported by response writer")
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	emit := orchestrator.EmitterFunc(func(_ context.Context, ev orchestrator.Event) error {
		return writeSSEEvent(w, flusher, ev)
	})

	if _, err := h.orch.ProcessTurn(r.Context(), turn, emit); err != nil {
		// Headers are sent; report the failure in-stream. The done sentinel
		// still terminates the stream so consumers never see it just close.
		h.logger.Error("turn failed", "error", err)
		_ = writeSSEEvent(w, flusher, orchestrator.Event{
			Type:  orchestrator.EventError,
			Error: &orchestrator.ErrorPayload{Message: "turn processing failed"},
		})
		_ = writeSSEEvent(w, flusher, orchestrator.Event{Type: orchestrator.EventDone})
	}
}

func (h *ChatHandler) writeTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "conversation not found")
	case errors.Is(err, orchestrator.ErrEmptyMessage), errors.Is(err, orchestrator.ErrMissingUser):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		h.logger.Error("turn failed", "error", err)
		writeError(w, http.StatusInternalServerError, "turn_failed", "turn processing failed")
	}
}

// writeSSEEvent writes one event frame and flushes it.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev orchestrator.Event) error {
	data, err := json.Marshal(eventData(ev))
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// eventData selects the payload matching the event type.
func eventData(ev orchestrator.Event) any {
	switch ev.Type {
	case orchestrator.EventMessage:
		return ev.Message
	case orchestrator.EventGenerating:
		return ev.Generating
	case orchestrator.EventVisualization:
		return ev.Visualization
	case orchestrator.EventAnalysis:
		return ev.Analysis
	case orchestrator.EventError:
		return ev.Error
	default:
		return struct{}{}
	}
}
