package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// AnonymousOwner is the sentinel owner for chats created without a verified
// identity. Anonymous chats are persisted but never indexed.
const AnonymousOwner = "anonymous"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Identity is a verified user as reported by the auth service. It is resolved
// per request and never persisted. Field names follow the auth service wire
// format.
type Identity struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	DisplayName string   `json:"full_name"`
	Email       string   `json:"email"`
	IsActive    bool     `json:"is_active"`
	Groups      []string `json:"groups"`
}

// Message is a single chat turn. Slice position within ChatRecord.Messages is
// the sole ordering key; CreatedAt is attached for display only.
type Message struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	ToolName  string          `json:"toolName,omitempty"`
	ToolData  json.RawMessage `json:"toolData,omitempty"`
	CreatedAt time.Time       `json:"createdAt,omitempty"`
}

// ModelRef identifies a generation endpoint. Value type, compared by
// structural equality.
type ModelRef struct {
	BaseURL   string `json:"baseUrl"`
	ModelName string `json:"modelName"`
}

// ChatRecord is the durable representation of one chat.
//
// Invariants: ID is immutable after creation, Messages is append-only,
// OwnerID is set once and never reassigned, SharePath once set is never
// cleared, Title is fixed after the first assistant turn completes.
type ChatRecord struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	OwnerID       string    `json:"ownerId"`
	CreatedAt     time.Time `json:"createdAt"`
	Path          string    `json:"path"`
	Messages      []Message `json:"messages"`
	SelectedModel *ModelRef `json:"selectedModel,omitempty"`
	SharePath     string    `json:"sharePath,omitempty"`
}

// ChatPath derives the canonical page path for a chat id.
func ChatPath(chatID string) string {
	return "/chat/" + chatID
}

// SharePathFor derives the share page path for a chat id.
func SharePathFor(chatID string) string {
	return "/share/" + chatID
}

// IsAnonymous reports whether the owner is the anonymous sentinel.
func IsAnonymous(ownerID string) bool {
	return strings.TrimSpace(ownerID) == AnonymousOwner
}

const maxTitleLen = 100

// TitleFromMessage derives a chat title from the first user message.
func TitleFromMessage(content string) string {
	text := strings.TrimSpace(strings.ReplaceAll(content, "\n", " "))
	if text == "" {
		return "New chat"
	}
	runes := []rune(text)
	if len(runes) > maxTitleLen {
		return string(runes[:maxTitleLen])
	}
	return text
}
