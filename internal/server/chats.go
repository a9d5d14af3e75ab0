package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"modelchat/internal/chatstore"
	"modelchat/internal/conversation"
	"modelchat/internal/policy"
	"modelchat/pkg/ai"
	"modelchat/pkg/domain"
)

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request, ownerID string) {
	switch r.Method {
	case http.MethodGet:
		if domain.IsAnonymous(ownerID) {
			writeJSON(w, http.StatusOK, []domain.ChatRecord{})
			return
		}
		chats := s.store.ListForOwner(r.Context(), ownerID)
		if chats == nil {
			chats = []domain.ChatRecord{}
		}
		writeJSON(w, http.StatusOK, chats)
	case http.MethodDelete:
		if domain.IsAnonymous(ownerID) {
			// nothing indexed, nothing to clear
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		owned := s.store.ListForOwner(r.Context(), ownerID)
		if err := s.store.Clear(r.Context(), ownerID); err != nil {
			writeStoreError(w, err)
			return
		}
		for _, chat := range owned {
			s.conversations.Evict(chat.ID)
		}
		s.audit(r, "web.chats.clear", "success", "owner_id", ownerID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleChatByID(w http.ResponseWriter, r *http.Request, ownerID string) {
	chatID, action, ok := splitChatPath(r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.handleGetChat(w, r, chatID, ownerID)
		case http.MethodDelete:
			s.handleRemoveChat(w, r, chatID, ownerID)
		default:
			methodNotAllowed(w)
		}
	case "model":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleSelectModel(w, r, chatID, ownerID)
	case "messages":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleTurn(w, r, chatID, ownerID)
	case "share":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleShare(w, r, chatID, ownerID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request, chatID, ownerID string) {
	record, err := s.store.Get(r.Context(), chatID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := policy.AuthorizeChat(record, ownerID); err != nil {
		// mismatch and absence are indistinguishable to the caller
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleRemoveChat(w http.ResponseWriter, r *http.Request, chatID, ownerID string) {
	if err := s.store.Remove(r.Context(), chatID, ownerID); err != nil {
		s.audit(r, "web.chat.remove", "fail", "chat_id", chatID, "reason", err.Error())
		writeStoreError(w, err)
		return
	}
	s.conversations.Evict(chatID)
	s.audit(r, "web.chat.remove", "success", "chat_id", chatID, "owner_id", ownerID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSelectModel(w http.ResponseWriter, r *http.Request, chatID, ownerID string) {
	var req domain.ModelRef
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.BaseURL == "" || req.ModelName == "" {
		writeError(w, http.StatusBadRequest, "baseUrl and modelName are required")
		return
	}
	if !s.modelEligible(r.Context(), req) {
		writeError(w, http.StatusBadRequest, "model is not available")
		return
	}

	conv, err := s.loadConversation(r.Context(), chatID, ownerID)
	if err != nil {
		writeConversationError(w, err)
		return
	}
	record := conv.SelectModel(req)
	if !s.store.Put(r.Context(), record) {
		writeError(w, http.StatusBadGateway, "chat store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request, chatID, ownerID string) {
	record, err := s.store.SetShare(r.Context(), chatID, ownerID)
	if err != nil {
		s.audit(r, "web.chat.share", "fail", "chat_id", chatID, "reason", err.Error())
		writeStoreError(w, err)
		return
	}
	s.audit(r, "web.chat.share", "success", "chat_id", chatID, "owner_id", ownerID)
	writeJSON(w, http.StatusOK, record)
}

// handleSharedChat serves a shared chat read-only. No admission gate: the
// share path is the capability.
func (s *Server) handleSharedChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	chatID := strings.TrimPrefix(r.URL.Path, "/api/share/")
	if chatID == "" || strings.Contains(chatID, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	record, err := s.store.GetByShare(r.Context(), chatID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if record == nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type turnRequest struct {
	Content string `json:"content"`
}

type deltaEvent struct {
	Content string `json:"content"`
}

type doneEvent struct {
	Message   domain.Message `json:"message"`
	Persisted bool           `json:"persisted"`
}

type errorEvent struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request, chatID, ownerID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	var req turnRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	conv, err := s.loadConversation(r.Context(), chatID, ownerID)
	if err != nil {
		writeConversationError(w, err)
		return
	}
	turn, err := conv.BeginTurn(req.Content)
	if err != nil {
		switch {
		case errors.Is(err, conversation.ErrEmptyMessage):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, conversation.ErrNoModelSelected):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, conversation.ErrTurnInFlight):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	contentCh, errCh := s.streamer.StreamChat(r.Context(), turn.Model(), turn.History())
	var full strings.Builder
	for delta := range contentCh {
		full.WriteString(delta)
		writeEvent(w, flusher, "delta", deltaEvent{Content: delta})
	}
	if err := <-errCh; err != nil {
		turn.Fail()
		s.audit(r, "web.chat.turn", "fail", "chat_id", chatID, "reason", err.Error())
		if r.Context().Err() == nil {
			writeEvent(w, flusher, "error", errorEvent{Error: err.Error(), Retryable: retryable(err)})
		}
		return
	}

	record := turn.Complete(full.String())
	// A client gone after the final delta must not abort persistence.
	persisted := s.store.Put(context.WithoutCancel(r.Context()), record)
	if !persisted {
		s.audit(r, "web.chat.turn", "fail", "chat_id", chatID, "reason", "persist_failed")
	}
	writeEvent(w, flusher, "done", doneEvent{
		Message:   record.Messages[len(record.Messages)-1],
		Persisted: persisted,
	})
}

// loadConversation resolves the in-memory conversation for a chat, hydrating
// from the store when needed. Ownership mismatches surface as not-found. An
// unavailable store aborts the lookup: minting fresh state for an id we
// cannot read would let a later Put reassign someone else's chat.
func (s *Server) loadConversation(ctx context.Context, chatID, ownerID string) (*conversation.Conversation, error) {
	if chatID == "" || len(chatID) > 64 {
		return nil, policy.ErrNotFound
	}
	record, err := s.store.Get(ctx, chatID)
	if err != nil {
		return nil, err
	}
	var conv *conversation.Conversation
	if record != nil {
		conv = s.conversations.Adopt(*record)
	} else {
		conv = s.conversations.GetOrCreate(chatID, ownerID)
	}
	if conv.Snapshot().OwnerID != ownerID {
		return nil, policy.ErrForbidden
	}
	return conv, nil
}

func (s *Server) modelEligible(ctx context.Context, ref domain.ModelRef) bool {
	models, err := s.catalog.Models(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m == ref {
			return true
		}
	}
	return false
}

func splitChatPath(path string) (chatID, action string, ok bool) {
	rest := strings.TrimPrefix(path, "/api/chats/")
	if rest == "" || rest == path {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	switch len(parts) {
	case 1:
		return parts[0], "", parts[0] != ""
	case 2:
		return parts[0], parts[1], parts[0] != "" && parts[1] != ""
	default:
		return "", "", false
	}
}

// writeConversationError maps loadConversation failures. Unavailability is
// the only case the caller may retry; everything else hides the chat.
func writeConversationError(w http.ResponseWriter, err error) {
	if errors.Is(err, chatstore.ErrUnavailable) {
		writeError(w, http.StatusBadGateway, "chat store unavailable")
		return
	}
	writeError(w, http.StatusNotFound, "chat not found")
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "chat not found")
	case errors.Is(err, chatstore.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "forbidden")
	default:
		writeError(w, http.StatusBadGateway, "chat store unavailable")
	}
}

func retryable(err error) bool {
	var streamErr *ai.StreamError
	if errors.As(err, &streamErr) {
		return streamErr.Status == 0 || streamErr.Status == http.StatusTooManyRequests || streamErr.Status >= 500
	}
	return false
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
