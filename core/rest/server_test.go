package rest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/salesbot/core/model"
	"github.com/m3rciful/salesbot/core/notify"
	"github.com/m3rciful/salesbot/core/orchestrator"
	"github.com/m3rciful/salesbot/core/store"
)

type apiFixture struct {
	mem    *store.Memory
	hub    *notify.Hub
	orch   *orchestrator.Orchestrator
	server *Server
	convID string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()

	_, err := mem.CreateFlow(ctx, model.Flow{ID: "flow_default", Name: "Default", IsActive: true})
	require.NoError(t, err)
	for _, n := range []struct {
		id   string
		typ  model.NodeType
		raw  map[string]any
		next []string
	}{
		{id: "start", typ: model.NodeStart, next: []string{"ask"}},
		{id: "ask", typ: model.NodeInput, raw: map[string]any{"key": "inquiry"}, next: []string{"done"}},
		{id: "done", typ: model.NodeEnd},
	} {
		cfg, err := model.ParseNodeConfig(n.typ, n.raw)
		require.NoError(t, err)
		_, err = mem.CreateNode(ctx, model.FlowNode{ID: n.id, FlowID: "flow_default", Type: n.typ, Config: cfg, Next: n.next})
		require.NoError(t, err)
	}

	contact, err := mem.CreateContact(ctx, model.Contact{ExternalID: "7", Name: "Buyer", ChannelID: "telegram"})
	require.NoError(t, err)

	hub := notify.NewHub()
	orch := orchestrator.New(orchestrator.Options{
		Store: mem,
		Flows: mem,
		Hub:   hub,
		Deliverer: orchestrator.DeliverFunc(func(context.Context, *model.Conversation, string) error {
			return nil
		}),
	})

	msg, err := orch.HandleIncomingMessage(ctx, orchestrator.IncomingMessage{
		ContactID: contact.ID,
		ChannelID: "telegram",
		Content:   "hello",
	})
	require.NoError(t, err)

	server := NewServer(":0", Deps{
		Orchestrator:  orch,
		Conversations: mem,
		Flows:         mem,
		FlowWriter:    mem,
		Hub:           hub,
	})
	return &apiFixture{mem: mem, hub: hub, orch: orch, server: server, convID: msg.ConversationID}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestListAndGetConversations(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var conversations []model.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conversations))
	require.Len(t, conversations, 1)
	assert.Equal(t, f.convID, conversations[0].ID)

	rec = f.do(t, http.MethodGet, "/api/conversations/"+f.convID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/conversations/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/conversations?limit=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMessagesReturnsHistory(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/conversations/"+f.convID+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var messages []model.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &messages))
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].Content)
	assert.Equal(t, model.SenderContact, messages[0].Sender)
}

func TestSendMessageEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/conversations/"+f.convID+"/messages",
		map[string]string{"content": "We have stock available."})
	require.Equal(t, http.StatusCreated, rec.Code)
	var msg model.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, model.SenderHuman, msg.Sender)
	assert.Equal(t, model.DirectionOut, msg.Direction)

	rec = f.do(t, http.MethodPost, "/api/conversations/"+f.convID+"/messages", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTakeoverReleaseAndFlowState(t *testing.T) {
	f := newAPIFixture(t)

	// The default flow suspended at the input node.
	rec := f.do(t, http.MethodGet, "/api/conversations/"+f.convID+"/flow-state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, "ask", state["nodeId"])

	rec = f.do(t, http.MethodPost, "/api/conversations/"+f.convID+"/takeover", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var conv model.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	assert.Equal(t, model.ModeHuman, conv.Mode)

	rec = f.do(t, http.MethodPost, "/api/conversations/"+f.convID+"/release", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	assert.Equal(t, model.ModeBot, conv.Mode)
}

func TestTriggerAndCancelFlow(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodDelete, "/api/conversations/"+f.convID+"/flow", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Nothing left to cancel: invalid state maps to conflict.
	rec = f.do(t, http.MethodDelete, "/api/conversations/"+f.convID+"/flow", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/conversations/"+f.convID+"/flow",
		map[string]string{"flowId": "flow_default"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/conversations/"+f.convID+"/flow-state", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/conversations/"+f.convID+"/flow",
		map[string]string{"flowId": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFlowEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/flows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var flows []model.Flow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &flows))
	require.Len(t, flows, 1)

	rec = f.do(t, http.MethodGet, "/api/flows/flow_default", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail flowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Len(t, detail.Nodes, 3)

	rec = f.do(t, http.MethodGet, "/api/flows/flow_default/nodes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var nodes []model.FlowNode
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nodes))
	require.Len(t, nodes, 3)
	assert.Equal(t, "start", nodes[0].ID)

	rec = f.do(t, http.MethodGet, "/api/flows/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateFlowValidatesNodeConfigs(t *testing.T) {
	f := newAPIFixture(t)

	body := map[string]any{
		"id":   "flow_promo",
		"name": "Promo blast",
		"nodes": []map[string]any{
			{"id": "start", "type": "start", "next": []string{"pitch"}},
			{"id": "pitch", "type": "message", "config": map[string]any{"content": "Bulk discount this week!"}, "next": []string{"done"}},
			{"id": "done", "type": "end"},
		},
	}
	rec := f.do(t, http.MethodPost, "/api/flows", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created flowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "flow_promo", created.ID)
	assert.Len(t, created.Nodes, 3)

	bad := map[string]any{
		"id":   "flow_bad",
		"name": "Broken",
		"nodes": []map[string]any{
			{"id": "w", "type": "wait", "config": map[string]any{"delay": "whenever"}},
		},
	}
	rec = f.do(t, http.MethodPost, "/api/flows", bad)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "node w")

	rec = f.do(t, http.MethodPost, "/api/flows", map[string]any{"name": "Empty"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventStreamDeliversPublishedEvents(t *testing.T) {
	f := newAPIFixture(t)
	srv := httptest.NewServer(f.server.Handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?conversationId="+f.convID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Let the handler subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	f.hub.Publish(notify.Event{ConversationID: f.convID, Kind: notify.EventModeChanged, Payload: map[string]any{"mode": "human"}})
	f.hub.Publish(notify.Event{ConversationID: "other", Kind: notify.EventMessageNew})

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: conversation:mode_changed", strings.TrimSpace(line))
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "data: "), "got %q", line)
	assert.Contains(t, line, f.convID)
}
