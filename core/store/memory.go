package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/m3rciful/salesbot/core/model"
)

// Memory is an in-memory implementation of every store contract, used in
// tests and local development. Safe for concurrent use.
type Memory struct {
	mu            sync.RWMutex
	contacts      map[string]model.Contact
	conversations map[string]model.Conversation
	messages      map[string][]model.Message
	flows         map[string]model.Flow
	nodes         map[string]model.FlowNode
	flowNodes     map[string][]string
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		contacts:      make(map[string]model.Contact),
		conversations: make(map[string]model.Conversation),
		messages:      make(map[string][]model.Message),
		flows:         make(map[string]model.Flow),
		nodes:         make(map[string]model.FlowNode),
		flowNodes:     make(map[string][]string),
	}
}

var (
	_ ContactStore      = (*Memory)(nil)
	_ ConversationStore = (*Memory)(nil)
	_ FlowStore         = (*Memory)(nil)
	_ FlowWriter        = (*Memory)(nil)
)

// GetContact returns a contact by id.
func (m *Memory) GetContact(_ context.Context, id string) (*model.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

// GetContactByExternalID resolves a contact by its channel-native id.
func (m *Memory) GetContactByExternalID(_ context.Context, externalID, channelID string) (*model.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.contacts {
		if c.ExternalID == externalID && c.ChannelID == channelID {
			contact := c
			return &contact, nil
		}
	}
	return nil, ErrNotFound
}

// CreateContact stores a new contact, assigning id and timestamps if absent.
func (m *Memory) CreateContact(_ context.Context, draft model.Contact) (*model.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = now
	}
	draft.UpdatedAt = now
	m.contacts[draft.ID] = draft
	return &draft, nil
}

// GetConversation returns a conversation by id.
func (m *Memory) GetConversation(_ context.Context, id string) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

// GetConversationsByContact lists a contact's conversations, most recent
// creation first.
func (m *Memory) GetConversationsByContact(_ context.Context, contactID string) ([]model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Conversation
	for _, c := range m.conversations {
		if c.ContactID == contactID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListConversations returns conversations ordered by last activity.
func (m *Memory) ListConversations(_ context.Context, limit int) ([]model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateConversation stores a new conversation.
func (m *Memory) CreateConversation(_ context.Context, draft model.Conversation) (*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}
	if draft.Mode == "" {
		draft.Mode = model.ModeBot
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = now
	}
	if draft.LastMessageAt.IsZero() {
		draft.LastMessageAt = now
	}
	draft.UpdatedAt = now
	m.conversations[draft.ID] = draft
	return &draft, nil
}

// UpdateConversation applies the non-nil fields of update.
func (m *Memory) UpdateConversation(_ context.Context, id string, update ConversationUpdate) (*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if update.Mode != nil {
		c.Mode = *update.Mode
	}
	if update.LastMessageAt != nil {
		c.LastMessageAt = *update.LastMessageAt
	}
	c.UpdatedAt = time.Now().UTC()
	m.conversations[id] = c
	return &c, nil
}

// CreateMessage appends a message to its conversation's history.
func (m *Memory) CreateMessage(_ context.Context, draft model.Message) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}
	if draft.Timestamp.IsZero() {
		draft.Timestamp = time.Now().UTC()
	}
	m.messages[draft.ConversationID] = append(m.messages[draft.ConversationID], draft)
	return &draft, nil
}

// GetMessagesByConversation returns history ordered by timestamp.
func (m *Memory) GetMessagesByConversation(_ context.Context, conversationID string) ([]model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := append([]model.Message(nil), m.messages[conversationID]...)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	return msgs, nil
}

// GetFlow returns a flow definition by id.
func (m *Memory) GetFlow(_ context.Context, flowID string) (*model.Flow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.flows[flowID]
	if !ok {
		return nil, ErrNotFound
	}
	return &f, nil
}

// ListFlows returns every stored flow definition.
func (m *Memory) ListFlows(_ context.Context) ([]model.Flow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Flow, 0, len(m.flows))
	for _, f := range m.flows {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetNodesByFlow returns a flow's nodes in insertion order.
func (m *Memory) GetNodesByFlow(_ context.Context, flowID string) ([]model.FlowNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.flowNodes[flowID]
	out := make([]model.FlowNode, 0, len(ids))
	for _, id := range ids {
		if n, ok := m.nodes[id]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

// GetNode returns a node by id.
func (m *Memory) GetNode(_ context.Context, nodeID string) (*model.FlowNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	return &n, nil
}

// CreateFlow stores a flow definition.
func (m *Memory) CreateFlow(_ context.Context, flow model.Flow) (*model.Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if flow.ID == "" {
		flow.ID = uuid.NewString()
	}
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}
	flow.UpdatedAt = now
	m.flows[flow.ID] = flow
	return &flow, nil
}

// CreateNode stores a node and links it to its flow in insertion order.
func (m *Memory) CreateNode(_ context.Context, node model.FlowNode) (*model.FlowNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	m.nodes[node.ID] = node
	m.flowNodes[node.FlowID] = append(m.flowNodes[node.FlowID], node.ID)
	return &node, nil
}
