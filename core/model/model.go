// Package model defines the domain entities shared across the engine,
// orchestrator, stores, and transports.
package model

import "time"

// Mode identifies who currently drives a conversation.
type Mode string

const (
	// ModeBot means the flow engine answers inbound messages.
	ModeBot Mode = "bot"
	// ModeHuman means an agent has taken over and the engine stays silent.
	ModeHuman Mode = "human"
)

// Valid reports whether the mode is one of the known values.
func (m Mode) Valid() bool {
	return m == ModeBot || m == ModeHuman
}

// Direction marks a message as inbound or outbound relative to the platform.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Sender identifies the author of a message.
type Sender string

const (
	SenderContact Sender = "contact"
	SenderBot     Sender = "bot"
	SenderHuman   Sender = "human"
)

// NodeType enumerates the supported flow node kinds. Unknown values are
// tolerated at runtime and treated as passthrough nodes.
type NodeType string

const (
	NodeStart     NodeType = "start"
	NodeMessage   NodeType = "message"
	NodeCondition NodeType = "condition"
	NodeInput     NodeType = "input"
	NodeWait      NodeType = "wait"
	NodeAPI       NodeType = "api"
	NodeHandoff   NodeType = "handoff"
	NodeEnd       NodeType = "end"
)

// Contact is a person reachable through exactly one channel. ExternalID is
// the channel's own identifier for them (e.g. the Telegram user id).
type Contact struct {
	ID         string    `db:"id" json:"id"`
	ExternalID string    `db:"external_id" json:"externalId"`
	Name       string    `db:"name" json:"name,omitempty"`
	ChannelID  string    `db:"channel_id" json:"channelId"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}

// Conversation tracks one contact's thread on one channel. Mode is mutated
// only by the orchestrator.
type Conversation struct {
	ID            string    `db:"id" json:"id"`
	ContactID     string    `db:"contact_id" json:"contactId"`
	ChannelID     string    `db:"channel_id" json:"channelId"`
	Mode          Mode      `db:"mode" json:"mode"`
	LastMessageAt time.Time `db:"last_message_at" json:"lastMessageAt"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time `db:"updated_at" json:"updatedAt"`
}

// Message is an append-only record of one exchanged message. Ordering by
// Timestamp defines conversation history.
type Message struct {
	ID             string    `db:"id" json:"id"`
	ConversationID string    `db:"conversation_id" json:"conversationId"`
	ContactID      string    `db:"contact_id" json:"contactId"`
	ChannelID      string    `db:"channel_id" json:"channelId"`
	Direction      Direction `db:"direction" json:"direction"`
	Sender         Sender    `db:"sender" json:"sender"`
	Content        string    `db:"content" json:"content"`
	Timestamp      time.Time `db:"ts" json:"timestamp"`
}

// Flow is an immutable bot-behavior definition. The engine only reads it.
type Flow struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description,omitempty"`
	IsActive    bool      `db:"is_active" json:"isActive"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// FlowNode is one step of a flow graph. Config carries the parsed,
// type-specific settings; Next lists successor node ids in priority order.
type FlowNode struct {
	ID     string     `json:"id"`
	FlowID string     `json:"flowId"`
	Type   NodeType   `json:"type"`
	Config NodeConfig `json:"config"`
	Next   []string   `json:"next"`
}
