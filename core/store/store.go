// Package store defines the persistence contracts for contacts,
// conversations, messages, and flow definitions, with Postgres and in-memory
// implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/m3rciful/salesbot/core/model"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("store: not found")

// ContactStore resolves and creates contacts per channel.
type ContactStore interface {
	GetContact(ctx context.Context, id string) (*model.Contact, error)
	GetContactByExternalID(ctx context.Context, externalID, channelID string) (*model.Contact, error)
	CreateContact(ctx context.Context, draft model.Contact) (*model.Contact, error)
}

// ConversationUpdate carries the mutable conversation fields. Nil pointers
// leave the stored value untouched.
type ConversationUpdate struct {
	Mode          *model.Mode
	LastMessageAt *time.Time
}

// ConversationStore owns conversation and message records. Conversations for
// a contact are returned most-recent-first; messages are timestamp-ordered.
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	GetConversationsByContact(ctx context.Context, contactID string) ([]model.Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]model.Conversation, error)
	CreateConversation(ctx context.Context, draft model.Conversation) (*model.Conversation, error)
	UpdateConversation(ctx context.Context, id string, update ConversationUpdate) (*model.Conversation, error)
	CreateMessage(ctx context.Context, draft model.Message) (*model.Message, error)
	GetMessagesByConversation(ctx context.Context, conversationID string) ([]model.Message, error)
}

// FlowStore supplies immutable flow definitions to the engine.
type FlowStore interface {
	GetFlow(ctx context.Context, flowID string) (*model.Flow, error)
	GetNodesByFlow(ctx context.Context, flowID string) ([]model.FlowNode, error)
	GetNode(ctx context.Context, nodeID string) (*model.FlowNode, error)
	ListFlows(ctx context.Context) ([]model.Flow, error)
}

// FlowWriter persists flow definitions. Used by the startup seeder and the
// dashboard; the engine never writes flows.
type FlowWriter interface {
	CreateFlow(ctx context.Context, flow model.Flow) (*model.Flow, error)
	CreateNode(ctx context.Context, node model.FlowNode) (*model.FlowNode, error)
}
