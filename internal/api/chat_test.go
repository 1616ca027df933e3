package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/vizier-ai/vizier/internal/conversation"
	"github.com/vizier-ai/vizier/internal/log"
	"github.com/vizier-ai/vizier/internal/orchestrator"
)

type fakeProcessor struct {
	result *orchestrator.TurnResult
	events []orchestrator.Event
	err    error
	last   orchestrator.TurnRequest
}

func (f *fakeProcessor) ProcessTurn(ctx context.Context, req orchestrator.TurnRequest, emit orchestrator.Emitter) (*orchestrator.TurnResult, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	if emit != nil {
		for _, ev := range f.events {
			if err := emit.Emit(ctx, ev); err != nil {
				break
			}
		}
	}
	return f.result, nil
}

func newChatHandler(t *testing.T, proc *fakeProcessor) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	NewChatHandler(proc, log.NewNop()).RegisterRoutes(mux)
	return mux
}

func TestHandleChat(t *testing.T) {
	t.Parallel()

	convID := uuid.New()
	proc := &fakeProcessor{result: &orchestrator.TurnResult{
		ConversationID: convID,
		Message:        "A volcano plot shows fold change vs significance.",
	}}
	mux := newChatHandler(t, proc)

	body := `{"message": "what is a volcano plot?", "userId": "u1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result orchestrator.TurnResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if result.ConversationID != convID {
		t.Errorf("conversationId = %s", result.ConversationID)
	}
	if proc.last.UserID != "u1" {
		t.Errorf("userId = %q", proc.last.UserID)
	}
}

func TestHandleChat_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"empty message", `{"message": ""}`},
		{"malformed JSON", `{"message": `},
		{"bad conversation id", `{"message": "hi", "conversationId": "not-a-uuid"}`},
		{"oversized message", `{"message": "` + strings.Repeat("x", MaxMessageLength+1) + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mux := newChatHandler(t, &fakeProcessor{result: &orchestrator.TurnResult{}})
			req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestHandleChat_AnonymousDefault(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{result: &orchestrator.TurnResult{}}
	mux := newChatHandler(t, proc)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"message": "hi"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if proc.last.UserID != defaultUserID {
		t.Errorf("userId = %q, want %q", proc.last.UserID, defaultUserID)
	}
}

func TestHandleChat_NotFound(t *testing.T) {
	t.Parallel()

	mux := newChatHandler(t, &fakeProcessor{err: conversation.ErrNotFound})

	body := `{"message": "hi", "conversationId": "` + uuid.NewString() + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleStream(t *testing.T) {
	t.Parallel()

	convID := uuid.New()
	proc := &fakeProcessor{
		result: &orchestrator.TurnResult{ConversationID: convID},
		events: []orchestrator.Event{
			{Type: orchestrator.EventMessage, Message: &orchestrator.MessagePayload{ConversationID: convID, Delta: "Here "}},
			{Type: orchestrator.EventMessage, Message: &orchestrator.MessagePayload{ConversationID: convID, Content: "Here it is.", Final: true}},
			{Type: orchestrator.EventDone},
		},
	}
	mux := newChatHandler(t, proc)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream", strings.NewReader(`{"message": "plot"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	body := rec.Body.String()
	frames := strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n")
	if len(frames) != 3 {
		t.Fatalf("frames = %d, body:\n%s", len(frames), body)
	}
	if !strings.HasPrefix(frames[0], "event: message\ndata: ") {
		t.Errorf("first frame = %q", frames[0])
	}
	if !strings.HasPrefix(frames[2], "event: done\ndata: ") {
		t.Errorf("last frame = %q", frames[2])
	}

	// Frame data must be valid JSON.
	for _, frame := range frames {
		_, data, ok := strings.Cut(frame, "\ndata: ")
		if !ok {
			t.Fatalf("frame without data line: %q", frame)
		}
		if !json.Valid([]byte(data)) {
			t.Errorf("frame data is not JSON: %q", data)
		}
	}
}

func TestHandleStream_FailureEndsWithDone(t *testing.T) {
	t.Parallel()

	mux := newChatHandler(t, &fakeProcessor{err: errors.New("pool closed")})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream", strings.NewReader(`{"message": "plot"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	frames := strings.Split(strings.TrimSuffix(rec.Body.String(), "\n\n"), "\n\n")
	if len(frames) != 2 {
		t.Fatalf("frames = %d, body:\n%s", len(frames), rec.Body.String())
	}
	if !strings.HasPrefix(frames[0], "event: error\ndata: ") {
		t.Errorf("first frame = %q", frames[0])
	}
	if !strings.HasPrefix(frames[1], "event: done\ndata: ") {
		t.Errorf("failed stream must terminate with done, got %q", frames[1])
	}
}
