package chatstore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"modelchat/pkg/domain"
)

var (
	// ErrUnauthorized indicates the requester does not own the chat.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound indicates the chat record is absent.
	ErrNotFound = errors.New("chat not found")
	// ErrUnavailable indicates the store could not be reached.
	ErrUnavailable = errors.New("chat store unavailable")
)

const (
	chatKeyPrefix  = "chat:"
	ownerKeyPrefix = "user:chat:"
	callTimeout    = 3 * time.Second
	fieldID        = "id"
	fieldOwnerID   = "ownerId"
	fieldTitle     = "title"
	fieldPath      = "path"
	fieldCreatedAt = "createdAt"
	fieldMessages  = "messages"
	fieldModel     = "selectedModel"
	fieldSharePath = "sharePath"
)

// Store persists chat records in Redis: a hash per chat plus a per-owner
// sorted set of chat keys scored by creation time. Anonymous chats are
// written but never indexed, so they stay reachable only by direct id.
type Store struct {
	client *redis.Client
}

// New builds a store from a Redis URL (redis://host:port/db).
func New(storeURL string) (*Store, error) {
	opts, err := redis.ParseURL(storeURL)
	if err != nil {
		return nil, err
	}
	return &Store{client: redis.NewClient(opts)}, nil
}

// NewWithClient wraps an existing client, used by tests.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func chatKey(chatID string) string { return chatKeyPrefix + chatID }

func ownerKey(ownerID string) string { return ownerKeyPrefix + ownerID }

// Get loads a chat record. Absent and corrupt records both return (nil, nil);
// corruption is logged but deliberately not surfaced to callers. A store
// failure returns ErrUnavailable so callers can tell "the chat does not
// exist" apart from "I cannot know right now" — the distinction matters
// because an unreachable store must never look like a free chat id.
func (s *Store) Get(ctx context.Context, chatID string) (*domain.ChatRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, chatKey(chatID)).Result()
	if err != nil {
		slog.Warn("chat load failed", "chat_id", chatID, "err", err)
		return nil, ErrUnavailable
	}
	if len(fields) == 0 {
		return nil, nil
	}
	record, err := recordFromFields(fields)
	if err != nil {
		slog.Warn("corrupt chat record treated as absent", "chat_id", chatID, "err", err)
		return nil, nil
	}
	return record, nil
}

// Put upserts the full record and, for non-anonymous owners, the owner index
// entry in one transaction. Returns false when the write fails.
func (s *Store) Put(ctx context.Context, chat domain.ChatRecord) bool {
	if chat.ID == "" {
		slog.Warn("chat save rejected: missing id")
		return false
	}
	fields, err := recordToFields(chat)
	if err != nil {
		slog.Warn("chat save failed: encode", "chat_id", chat.ID, "err", err)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, chatKey(chat.ID), fields)
	if !domain.IsAnonymous(chat.OwnerID) {
		pipe.ZAdd(ctx, ownerKey(chat.OwnerID), redis.Z{
			Score:  float64(chat.CreatedAt.UnixMilli()),
			Member: chatKey(chat.ID),
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("chat save failed", "chat_id", chat.ID, "err", err)
		return false
	}
	return true
}

// ListForOwner returns the owner's chats, most recent first. Dangling index
// entries are dropped (and counted) rather than failing the listing.
func (s *Store) ListForOwner(ctx context.Context, ownerID string) []domain.ChatRecord {
	if domain.IsAnonymous(ownerID) || strings.TrimSpace(ownerID) == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	keys, err := s.client.ZRevRange(ctx, ownerKey(ownerID), 0, -1).Result()
	if err != nil {
		slog.Warn("chat list failed", "owner_id", ownerID, "err", err)
		return nil
	}
	if len(keys) == 0 {
		return nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGetAll(ctx, key)
		}
		return nil
	})
	if err != nil {
		slog.Warn("chat list fetch failed", "owner_id", ownerID, "err", err)
		return nil
	}

	records := make([]domain.ChatRecord, 0, len(keys))
	dropped := 0
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			dropped++
			continue
		}
		record, err := recordFromFields(fields)
		if err != nil {
			slog.Warn("corrupt chat record skipped", "key", keys[i], "err", err)
			dropped++
			continue
		}
		records = append(records, *record)
	}
	if dropped > 0 {
		slog.Warn("dangling chat index entries dropped", "owner_id", ownerID, "count", dropped)
	}
	return records
}

// Remove deletes a chat and its index entry. Ownership is re-checked against
// the stored record so a stale caller claim cannot delete another owner's
// chat.
func (s *Store) Remove(ctx context.Context, chatID, requesterOwnerID string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	storedOwner, err := s.client.HGet(ctx, chatKey(chatID), fieldOwnerID).Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		slog.Warn("chat remove lookup failed", "chat_id", chatID, "err", err)
		return ErrUnavailable
	}
	if storedOwner != requesterOwnerID {
		return ErrUnauthorized
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, chatKey(chatID))
	pipe.ZRem(ctx, ownerKey(requesterOwnerID), chatKey(chatID))
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("chat remove failed", "chat_id", chatID, "err", err)
		return ErrUnavailable
	}
	return nil
}

// Clear drops every chat in the requester's index along with the index
// itself. Anonymous owners have no index and nothing to clear.
func (s *Store) Clear(ctx context.Context, requesterOwnerID string) error {
	if domain.IsAnonymous(requesterOwnerID) || strings.TrimSpace(requesterOwnerID) == "" {
		return ErrUnauthorized
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	keys, err := s.client.ZRange(ctx, ownerKey(requesterOwnerID), 0, -1).Result()
	if err != nil {
		slog.Warn("chat clear lookup failed", "owner_id", requesterOwnerID, "err", err)
		return ErrUnavailable
	}
	if len(keys) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	for _, key := range keys {
		pipe.Del(ctx, key)
	}
	pipe.Del(ctx, ownerKey(requesterOwnerID))
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("chat clear failed", "owner_id", requesterOwnerID, "err", err)
		return ErrUnavailable
	}
	return nil
}

// SetShare marks a chat shared and returns the updated record. Sharing is
// monotonic: the path is derived once and never cleared here.
func (s *Store) SetShare(ctx context.Context, chatID, requesterOwnerID string) (*domain.ChatRecord, error) {
	record, err := s.Get(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrNotFound
	}
	if record.OwnerID != requesterOwnerID {
		return nil, ErrUnauthorized
	}
	if record.SharePath != "" {
		return record, nil
	}
	record.SharePath = domain.SharePathFor(record.ID)

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if err := s.client.HSet(ctx, chatKey(chatID), fieldSharePath, record.SharePath).Err(); err != nil {
		slog.Warn("chat share failed", "chat_id", chatID, "err", err)
		return nil, ErrUnavailable
	}
	return record, nil
}

// GetByShare loads a chat by id through the share path. Records that were
// never shared are invisible here regardless of ownership.
func (s *Store) GetByShare(ctx context.Context, chatID string) (*domain.ChatRecord, error) {
	record, err := s.Get(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if record == nil || record.SharePath == "" {
		return nil, nil
	}
	return record, nil
}

func recordToFields(chat domain.ChatRecord) (map[string]any, error) {
	messages, err := json.Marshal(chat.Messages)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{
		fieldID:        chat.ID,
		fieldOwnerID:   chat.OwnerID,
		fieldTitle:     chat.Title,
		fieldPath:      chat.Path,
		fieldCreatedAt: chat.CreatedAt.UTC().Format(time.RFC3339Nano),
		fieldMessages:  string(messages),
	}
	if chat.SelectedModel != nil {
		model, err := json.Marshal(chat.SelectedModel)
		if err != nil {
			return nil, err
		}
		fields[fieldModel] = string(model)
	}
	if chat.SharePath != "" {
		fields[fieldSharePath] = chat.SharePath
	}
	return fields, nil
}

func recordFromFields(fields map[string]string) (*domain.ChatRecord, error) {
	if fields[fieldID] == "" {
		return nil, errors.New("missing id field")
	}
	createdAt, err := time.Parse(time.RFC3339Nano, fields[fieldCreatedAt])
	if err != nil {
		return nil, err
	}
	record := &domain.ChatRecord{
		ID:        fields[fieldID],
		OwnerID:   fields[fieldOwnerID],
		Title:     fields[fieldTitle],
		Path:      fields[fieldPath],
		CreatedAt: createdAt,
		SharePath: fields[fieldSharePath],
	}
	if raw := fields[fieldMessages]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &record.Messages); err != nil {
			return nil, err
		}
	}
	if raw := fields[fieldModel]; raw != "" && raw != "null" {
		var ref domain.ModelRef
		if err := json.Unmarshal([]byte(raw), &ref); err != nil {
			return nil, err
		}
		record.SelectedModel = &ref
	}
	return record, nil
}
