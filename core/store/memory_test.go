package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/salesbot/core/model"
)

func TestMemoryContactRoundTrip(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	created, err := mem.CreateContact(ctx, model.Contact{ExternalID: "42", Name: "ACME", ChannelID: "telegram"})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	byID, err := mem.GetContact(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "ACME", byID.Name)

	byExternal, err := mem.GetContactByExternalID(ctx, "42", "telegram")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byExternal.ID)

	_, err = mem.GetContactByExternalID(ctx, "42", "whatsapp")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryConversationsMostRecentFirst(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	older, err := mem.CreateConversation(ctx, model.Conversation{
		ContactID: "c1", ChannelID: "telegram", Mode: model.ModeBot,
		CreatedAt: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	newer, err := mem.CreateConversation(ctx, model.Conversation{
		ContactID: "c1", ChannelID: "telegram", Mode: model.ModeBot,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	convs, err := mem.GetConversationsByContact(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, newer.ID, convs[0].ID)
	assert.Equal(t, older.ID, convs[1].ID)
}

func TestMemoryUpdateConversationPartial(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	conv, err := mem.CreateConversation(ctx, model.Conversation{
		ContactID: "c1", ChannelID: "telegram", Mode: model.ModeBot,
	})
	require.NoError(t, err)

	human := model.ModeHuman
	updated, err := mem.UpdateConversation(ctx, conv.ID, ConversationUpdate{Mode: &human})
	require.NoError(t, err)
	assert.Equal(t, model.ModeHuman, updated.Mode)

	at := time.Now().Add(time.Minute).UTC()
	updated, err = mem.UpdateConversation(ctx, conv.ID, ConversationUpdate{LastMessageAt: &at})
	require.NoError(t, err)
	assert.Equal(t, model.ModeHuman, updated.Mode, "nil mode pointer must not reset the mode")
	assert.Equal(t, at, updated.LastMessageAt)

	_, err = mem.UpdateConversation(ctx, "ghost", ConversationUpdate{Mode: &human})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryMessagesOrderedByTimestamp(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	base := time.Now().UTC()
	for i, content := range []string{"third", "first", "second"} {
		offset := []time.Duration{2 * time.Second, 0, time.Second}[i]
		_, err := mem.CreateMessage(ctx, model.Message{
			ConversationID: "conv1",
			Direction:      model.DirectionIn,
			Sender:         model.SenderContact,
			Content:        content,
			Timestamp:      base.Add(offset),
		})
		require.NoError(t, err)
	}

	msgs, err := mem.GetMessagesByConversation(ctx, "conv1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Equal(t, "third", msgs[2].Content)
}

func TestMemoryFlowNodesKeepDefinitionOrder(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	_, err := mem.CreateFlow(ctx, model.Flow{ID: "f1", Name: "f1"})
	require.NoError(t, err)
	for _, id := range []string{"start", "middle", "end"} {
		_, err := mem.CreateNode(ctx, model.FlowNode{ID: id, FlowID: "f1", Type: model.NodeMessage})
		require.NoError(t, err)
	}

	nodes, err := mem.GetNodesByFlow(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, "start", nodes[0].ID)
	assert.Equal(t, "middle", nodes[1].ID)
	assert.Equal(t, "end", nodes[2].ID)

	_, err = mem.GetNode(ctx, "middle")
	require.NoError(t, err)
	_, err = mem.GetNode(ctx, "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCachedFlowStoreServesAndInvalidates(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	_, err := mem.CreateFlow(ctx, model.Flow{ID: "f1", Name: "original"})
	require.NoError(t, err)

	cached := NewCachedFlowStore(mem)
	got, err := cached.GetFlow(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "original", got.Name)

	// Mutate behind the cache; the stale name is served until invalidation.
	mem.mu.Lock()
	f := mem.flows["f1"]
	f.Name = "renamed"
	mem.flows["f1"] = f
	mem.mu.Unlock()

	got, err = cached.GetFlow(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "original", got.Name)

	cached.Invalidate("f1")
	got, err = cached.GetFlow(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
}

func TestCachedFlowStoreInvalidateDropsNodeEntries(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	_, err := mem.CreateFlow(ctx, model.Flow{ID: "f1", Name: "intake"})
	require.NoError(t, err)
	_, err = mem.CreateNode(ctx, model.FlowNode{
		ID:     "welcome",
		FlowID: "f1",
		Type:   model.NodeMessage,
		Config: model.NodeConfig{Message: &model.MessageConfig{Content: "Hello"}},
	})
	require.NoError(t, err)

	cached := NewCachedFlowStore(mem)
	// Populates both the node list and the per-node entries.
	_, err = cached.GetNodesByFlow(ctx, "f1")
	require.NoError(t, err)

	// Redefine the node behind the cache.
	mem.mu.Lock()
	n := mem.nodes["welcome"]
	n.Config = model.NodeConfig{Message: &model.MessageConfig{Content: "Hello again"}}
	mem.nodes["welcome"] = n
	mem.mu.Unlock()

	got, err := cached.GetNode(ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, "Hello", got.Config.Message.Content, "stale until invalidation")

	cached.Invalidate("f1")

	got, err = cached.GetNode(ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, "Hello again", got.Config.Message.Content)
}
