package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/m3rciful/salesbot/core/logger"
	"github.com/m3rciful/salesbot/core/model"
)

// Postgres implements the store contracts on top of sqlx.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

var (
	_ ContactStore      = (*Postgres)(nil)
	_ ConversationStore = (*Postgres)(nil)
	_ FlowStore         = (*Postgres)(nil)
	_ FlowWriter        = (*Postgres)(nil)
)

// GetContact returns a contact by id.
func (p *Postgres) GetContact(ctx context.Context, id string) (*model.Contact, error) {
	var c model.Contact
	err := p.db.GetContext(ctx, &c,
		`SELECT id, external_id, name, channel_id, created_at, updated_at
		 FROM contacts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return &c, nil
}

// GetContactByExternalID resolves a contact by its channel-native id.
func (p *Postgres) GetContactByExternalID(ctx context.Context, externalID, channelID string) (*model.Contact, error) {
	var c model.Contact
	err := p.db.GetContext(ctx, &c,
		`SELECT id, external_id, name, channel_id, created_at, updated_at
		 FROM contacts WHERE external_id = $1 AND channel_id = $2`, externalID, channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact by external id: %w", err)
	}
	return &c, nil
}

// CreateContact inserts a contact, assigning id and timestamps if absent.
func (p *Postgres) CreateContact(ctx context.Context, draft model.Contact) (*model.Contact, error) {
	now := time.Now().UTC()
	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = now
	}
	draft.UpdatedAt = now
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO contacts (id, external_id, name, channel_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		draft.ID, draft.ExternalID, draft.Name, draft.ChannelID, draft.CreatedAt, draft.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create contact: %w", err)
	}
	return &draft, nil
}

// GetConversation returns a conversation by id.
func (p *Postgres) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var c model.Conversation
	err := p.db.GetContext(ctx, &c,
		`SELECT id, contact_id, channel_id, mode, last_message_at, created_at, updated_at
		 FROM conversations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// GetConversationsByContact lists a contact's conversations, most recent
// creation first.
func (p *Postgres) GetConversationsByContact(ctx context.Context, contactID string) ([]model.Conversation, error) {
	var out []model.Conversation
	err := p.db.SelectContext(ctx, &out,
		`SELECT id, contact_id, channel_id, mode, last_message_at, created_at, updated_at
		 FROM conversations WHERE contact_id = $1 ORDER BY created_at DESC`, contactID)
	if err != nil {
		return nil, fmt.Errorf("conversations by contact: %w", err)
	}
	return out, nil
}

// ListConversations returns conversations ordered by last activity.
func (p *Postgres) ListConversations(ctx context.Context, limit int) ([]model.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []model.Conversation
	err := p.db.SelectContext(ctx, &out,
		`SELECT id, contact_id, channel_id, mode, last_message_at, created_at, updated_at
		 FROM conversations ORDER BY last_message_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}

// CreateConversation inserts a conversation record.
func (p *Postgres) CreateConversation(ctx context.Context, draft model.Conversation) (*model.Conversation, error) {
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
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO conversations (id, contact_id, channel_id, mode, last_message_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		draft.ID, draft.ContactID, draft.ChannelID, draft.Mode, draft.LastMessageAt, draft.CreatedAt, draft.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &draft, nil
}

// UpdateConversation applies the non-nil fields of update and returns the
// stored record.
func (p *Postgres) UpdateConversation(ctx context.Context, id string, update ConversationUpdate) (*model.Conversation, error) {
	var c model.Conversation
	err := p.db.GetContext(ctx, &c,
		`UPDATE conversations SET
			mode = COALESCE($2::text, mode),
			last_message_at = COALESCE($3::timestamptz, last_message_at),
			updated_at = now()
		 WHERE id = $1
		 RETURNING id, contact_id, channel_id, mode, last_message_at, created_at, updated_at`,
		id, update.Mode, update.LastMessageAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}
	return &c, nil
}

// CreateMessage appends a message record.
func (p *Postgres) CreateMessage(ctx context.Context, draft model.Message) (*model.Message, error) {
	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}
	if draft.Timestamp.IsZero() {
		draft.Timestamp = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, contact_id, channel_id, direction, sender, content, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		draft.ID, draft.ConversationID, draft.ContactID, draft.ChannelID,
		draft.Direction, draft.Sender, draft.Content, draft.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return &draft, nil
}

// GetMessagesByConversation returns history ordered by timestamp.
func (p *Postgres) GetMessagesByConversation(ctx context.Context, conversationID string) ([]model.Message, error) {
	var out []model.Message
	err := p.db.SelectContext(ctx, &out,
		`SELECT id, conversation_id, contact_id, channel_id, direction, sender, content, ts
		 FROM messages WHERE conversation_id = $1 ORDER BY ts ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("messages by conversation: %w", err)
	}
	return out, nil
}

// GetFlow returns a flow definition by id.
func (p *Postgres) GetFlow(ctx context.Context, flowID string) (*model.Flow, error) {
	var f model.Flow
	err := p.db.GetContext(ctx, &f,
		`SELECT id, name, description, is_active, created_at, updated_at
		 FROM flows WHERE id = $1`, flowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get flow: %w", err)
	}
	return &f, nil
}

// ListFlows returns every flow definition.
func (p *Postgres) ListFlows(ctx context.Context) ([]model.Flow, error) {
	var out []model.Flow
	err := p.db.SelectContext(ctx, &out,
		`SELECT id, name, description, is_active, created_at, updated_at
		 FROM flows ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	return out, nil
}

type flowNodeRow struct {
	ID     string         `db:"id"`
	FlowID string         `db:"flow_id"`
	Type   string         `db:"type"`
	Config []byte         `db:"config"`
	Next   pq.StringArray `db:"next"`
}

// GetNodesByFlow returns a flow's nodes in definition order.
func (p *Postgres) GetNodesByFlow(ctx context.Context, flowID string) ([]model.FlowNode, error) {
	var rows []flowNodeRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT id, flow_id, type, config, next
		 FROM flow_nodes WHERE flow_id = $1 ORDER BY position ASC`, flowID)
	if err != nil {
		return nil, fmt.Errorf("nodes by flow: %w", err)
	}
	out := make([]model.FlowNode, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toNode(ctx))
	}
	return out, nil
}

// GetNode returns a node by id.
func (p *Postgres) GetNode(ctx context.Context, nodeID string) (*model.FlowNode, error) {
	var row flowNodeRow
	err := p.db.GetContext(ctx, &row,
		`SELECT id, flow_id, type, config, next
		 FROM flow_nodes WHERE id = $1`, nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	node := row.toNode(ctx)
	return &node, nil
}

// toNode parses the stored config into its typed variant. Malformed configs
// degrade the node to a passthrough instead of failing the load.
func (r flowNodeRow) toNode(ctx context.Context) model.FlowNode {
	node := model.FlowNode{
		ID:     r.ID,
		FlowID: r.FlowID,
		Type:   model.NodeType(r.Type),
		Next:   append([]string(nil), r.Next...),
	}
	var raw map[string]any
	if len(r.Config) > 0 {
		if err := json.Unmarshal(r.Config, &raw); err != nil {
			logger.Warn(ctx, "db", "flow_node.config.malformed",
				slog.String("node_id", r.ID),
				slog.String("node_type", r.Type),
				slog.String("err", err.Error()),
			)
			return node
		}
	}
	cfg, err := model.ParseNodeConfig(node.Type, raw)
	if err != nil {
		logger.Warn(ctx, "db", "flow_node.config.malformed",
			slog.String("node_id", r.ID),
			slog.String("node_type", r.Type),
			slog.String("err", err.Error()),
		)
		return node
	}
	node.Config = cfg
	return node
}

// CreateFlow inserts a flow definition.
func (p *Postgres) CreateFlow(ctx context.Context, flow model.Flow) (*model.Flow, error) {
	now := time.Now().UTC()
	if flow.ID == "" {
		flow.ID = uuid.NewString()
	}
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}
	flow.UpdatedAt = now
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO flows (id, name, description, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		flow.ID, flow.Name, flow.Description, flow.IsActive, flow.CreatedAt, flow.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create flow: %w", err)
	}
	return &flow, nil
}

// CreateNode inserts a flow node. Position follows insertion order so that
// GetNodesByFlow preserves the author's ordering.
func (p *Postgres) CreateNode(ctx context.Context, node model.FlowNode) (*model.FlowNode, error) {
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	cfg, err := json.Marshal(nodeConfigToRaw(node))
	if err != nil {
		return nil, fmt.Errorf("encode node config: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO flow_nodes (id, flow_id, type, config, next, position)
		 VALUES ($1, $2, $3, $4, $5,
			 COALESCE((SELECT MAX(position) + 1 FROM flow_nodes WHERE flow_id = $2), 0))`,
		node.ID, node.FlowID, string(node.Type), cfg, pq.StringArray(node.Next))
	if err != nil {
		return nil, fmt.Errorf("create node: %w", err)
	}
	return &node, nil
}

// nodeConfigToRaw flattens the typed config back into the stored key-value
// shape so definitions written through FlowWriter round-trip through
// ParseNodeConfig.
func nodeConfigToRaw(node model.FlowNode) map[string]any {
	raw := map[string]any{}
	switch {
	case node.Config.Message != nil:
		raw["content"] = node.Config.Message.Content
	case node.Config.Condition != nil:
		branches := make([]any, 0, len(node.Config.Condition.Branches))
		for _, b := range node.Config.Condition.Branches {
			branches = append(branches, map[string]any{"when": b.When, "to": b.To})
		}
		raw["branches"] = branches
		if node.Config.Condition.Default != "" {
			raw["default"] = node.Config.Condition.Default
		}
	case node.Config.Input != nil:
		raw["key"] = node.Config.Input.Key
		if node.Config.Input.Prompt != "" {
			raw["prompt"] = node.Config.Input.Prompt
		}
	case node.Config.Wait != nil:
		raw["delay"] = node.Config.Wait.Delay.String()
	case node.Config.API != nil:
		raw["provider"] = node.Config.API.Provider
		if node.Config.API.Endpoint != "" {
			raw["endpoint"] = node.Config.API.Endpoint
		}
		raw["method"] = node.Config.API.Method
		if node.Config.API.Params != nil {
			raw["params"] = node.Config.API.Params
		}
		if node.Config.API.Capture != nil {
			capture := make(map[string]any, len(node.Config.API.Capture))
			for k, v := range node.Config.API.Capture {
				capture[k] = v
			}
			raw["capture"] = capture
		}
		if node.Config.API.Required {
			raw["required"] = true
		}
	case node.Config.Handoff != nil:
		if node.Config.Handoff.Notice != "" {
			raw["notice"] = node.Config.Handoff.Notice
		}
	}
	return raw
}
