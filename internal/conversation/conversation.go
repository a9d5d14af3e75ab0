package conversation

import (
	"errors"
	"strings"
	"sync"
	"time"

	"modelchat/internal/util"
	"modelchat/pkg/domain"
)

var (
	// ErrNoModelSelected blocks generation until a model is bound.
	ErrNoModelSelected = errors.New("no model selected")
	// ErrEmptyMessage rejects blank user input before any state mutation.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrTurnInFlight rejects a second submission while one is streaming.
	ErrTurnInFlight = errors.New("a generation is already in flight for this chat")
)

// State is the lifecycle position of one chat session.
type State int

const (
	// StateEmpty: bound to an id but has no messages yet.
	StateEmpty State = iota
	// StateAwaitingModel: messages may exist but no model is bound, so
	// generation is blocked.
	StateAwaitingModel
	// StateReady: a model is bound and a new user turn is accepted.
	StateReady
	// StateStreaming: exactly one generation is in flight.
	StateStreaming
)

// Conversation is the authoritative in-memory state of a single chat. All
// mutation goes through its methods; the embedded mutex is the streaming
// lock that serializes turns, including the same chat open in two tabs.
type Conversation struct {
	mu         sync.Mutex
	record     domain.ChatRecord
	state      State
	titleFixed bool
}

// New creates conversation state for a chat that has no durable record yet.
// The chat id is chosen by the client before the first round trip.
func New(chatID, ownerID string) *Conversation {
	return &Conversation{
		record: domain.ChatRecord{
			ID:        chatID,
			OwnerID:   ownerID,
			CreatedAt: time.Now().UTC(),
			Path:      domain.ChatPath(chatID),
		},
		state: StateEmpty,
	}
}

// Hydrate builds conversation state from a persisted record.
func Hydrate(record domain.ChatRecord) *Conversation {
	c := &Conversation{record: record}
	switch {
	case record.SelectedModel != nil:
		c.state = StateReady
	case len(record.Messages) > 0:
		c.state = StateAwaitingModel
	default:
		c.state = StateEmpty
	}
	for _, msg := range record.Messages {
		if msg.Role == domain.RoleAssistant {
			c.titleFixed = true
			break
		}
	}
	return c
}

// State returns the current lifecycle state.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the record safe to read concurrently.
func (c *Conversation) Snapshot() domain.ChatRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Conversation) snapshotLocked() domain.ChatRecord {
	record := c.record
	record.Messages = make([]domain.Message, len(c.record.Messages))
	copy(record.Messages, c.record.Messages)
	if c.record.SelectedModel != nil {
		ref := *c.record.SelectedModel
		record.SelectedModel = &ref
	}
	return record
}

// SelectModel binds the generation endpoint. Selection is a first-class
// transition out of AwaitingModel, not metadata: the bound ref rides along
// on every snapshot so historical turns keep the model that produced them.
func (c *Conversation) SelectModel(ref domain.ModelRef) domain.ChatRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record.SelectedModel = &ref
	if c.state == StateEmpty || c.state == StateAwaitingModel {
		c.state = StateReady
	}
	return c.snapshotLocked()
}

// Turn is one in-flight generation. It is handed out by BeginTurn and must
// be finished with exactly one of Complete or Fail.
type Turn struct {
	conv    *Conversation
	model   domain.ModelRef
	history []domain.Message
	done    bool
}

// BeginTurn validates and appends the user message, moving the conversation
// into Streaming. Rejections happen before any state mutation.
func (c *Conversation) BeginTurn(content string) (*Turn, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateStreaming {
		return nil, ErrTurnInFlight
	}
	if c.record.SelectedModel == nil {
		return nil, ErrNoModelSelected
	}

	c.record.Messages = append(c.record.Messages, domain.Message{
		ID:        util.NewID(),
		Role:      domain.RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
	if !c.titleFixed {
		c.record.Title = domain.TitleFromMessage(firstUserContent(c.record.Messages))
	}
	c.state = StateStreaming

	history := make([]domain.Message, len(c.record.Messages))
	copy(history, c.record.Messages)
	return &Turn{
		conv:    c,
		model:   *c.record.SelectedModel,
		history: history,
	}, nil
}

// Model returns the endpoint bound when the turn started.
func (t *Turn) Model() domain.ModelRef {
	return t.model
}

// History returns the message sequence as of the turn start, ending with the
// user message that triggered it.
func (t *Turn) History() []domain.Message {
	return t.history
}

// Complete appends the assistant message, fixes the title after the first
// completed turn, and returns a snapshot for persistence. State goes back
// to Ready.
func (t *Turn) Complete(content string) domain.ChatRecord {
	c := t.conv
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.done {
		return c.snapshotLocked()
	}
	t.done = true

	c.record.Messages = append(c.record.Messages, domain.Message{
		ID:        util.NewID(),
		Role:      domain.RoleAssistant,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
	c.titleFixed = true
	c.state = StateReady
	return c.snapshotLocked()
}

// Fail releases the streaming lock without appending assistant output.
// Partial content is never finalized; the user message stays in memory so
// the caller can surface the failure without losing the turn.
func (t *Turn) Fail() {
	c := t.conv
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	c.state = StateReady
}

func firstUserContent(messages []domain.Message) string {
	for _, msg := range messages {
		if msg.Role == domain.RoleUser {
			return msg.Content
		}
	}
	return ""
}

// maxResident bounds how many chats hold in-memory state at once. Evicted
// chats rehydrate from the store on their next request, so the cap trades a
// store read for bounded memory.
const maxResident = 1024

type residentChat struct {
	conv     *Conversation
	lastUsed time.Time
}

// Manager hands out one Conversation per chat id so every request path for
// the same chat shares the same streaming lock.
type Manager struct {
	mu    sync.Mutex
	chats map[string]*residentChat
}

// NewManager constructs an empty manager.
func NewManager() *Manager {
	return &Manager{chats: make(map[string]*residentChat)}
}

// GetOrCreate returns the live conversation for a chat id, creating fresh
// state when the chat is new.
func (m *Manager) GetOrCreate(chatID, ownerID string) *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.chats[chatID]; ok {
		entry.lastUsed = time.Now()
		return entry.conv
	}
	conv := New(chatID, ownerID)
	m.insertLocked(chatID, conv)
	return conv
}

// Adopt returns the live conversation for a persisted record, hydrating one
// when the chat is not resident. A resident conversation wins over the
// stored record since it may hold a turn the store has not seen yet, with
// one exception: when the stored owner disagrees, the resident state was
// minted against a stale view and the record is authoritative.
func (m *Manager) Adopt(record domain.ChatRecord) *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.chats[record.ID]; ok {
		if entry.conv.Snapshot().OwnerID == record.OwnerID {
			entry.lastUsed = time.Now()
			return entry.conv
		}
		delete(m.chats, record.ID)
	}
	conv := Hydrate(record)
	m.insertLocked(record.ID, conv)
	return conv
}

// Evict drops resident state for a deleted chat.
func (m *Manager) Evict(chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chats, chatID)
}

// insertLocked adds a conversation, evicting the least recently used idle
// chat when the cap is reached. Streaming chats are never evicted; their
// turn still needs the resident lock. Conversation methods never take the
// manager lock, so reading conv state under m.mu cannot deadlock.
func (m *Manager) insertLocked(chatID string, conv *Conversation) {
	if len(m.chats) >= maxResident {
		var oldestID string
		var oldest time.Time
		for id, entry := range m.chats {
			if entry.conv.State() == StateStreaming {
				continue
			}
			if oldestID == "" || entry.lastUsed.Before(oldest) {
				oldestID = id
				oldest = entry.lastUsed
			}
		}
		if oldestID != "" {
			delete(m.chats, oldestID)
		}
	}
	m.chats[chatID] = &residentChat{conv: conv, lastUsed: time.Now()}
}
