package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Role constants define valid message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Well-known metadata keys stored on message rows.
const (
	// MetaVisualizationRequest holds the structured request snapshot that
	// produced a render, including any repaired retries.
	MetaVisualizationRequest = "visualization_request"

	// MetaSuggestions holds follow-up suggestions from the agent.
	MetaSuggestions = "suggestions"

	// MetaAnalysis holds post-render insights and recommendations.
	MetaAnalysis = "analysis"

	// MetaAttachments holds file attachment descriptors from the request.
	MetaAttachments = "attachments"

	// MetaError holds a terminal failure description for the turn.
	MetaError = "error"
)

// Conversation is a persisted conversation record.
type Conversation struct {
	ID        uuid.UUID
	UserID    string
	Title     string
	Metadata  map[string]any
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is a persisted message record. Metadata carries visualization
// request snapshots, suggestions, analysis results, and attachment
// descriptors.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Role           string
	Content        string
	Metadata       map[string]any
	IsComplete     bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Entry is one history item handed to the conversational agent.
type Entry struct {
	Role    string
	Content string
}

// HistoryEntries converts complete messages to agent history entries,
// dropping any incomplete rows defensively. Input order (creation order) is
// preserved.
func HistoryEntries(msgs []*Message) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		if m == nil || !m.IsComplete {
			continue
		}
		entries = append(entries, Entry{Role: m.Role, Content: m.Content})
	}
	return entries
}
