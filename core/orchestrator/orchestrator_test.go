package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/salesbot/core/flow"
	"github.com/m3rciful/salesbot/core/model"
	"github.com/m3rciful/salesbot/core/notify"
	"github.com/m3rciful/salesbot/core/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(evt notify.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) kinds() []notify.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]notify.EventKind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

type recordingDeliverer struct {
	mu        sync.Mutex
	delivered []string
	err       error
}

func (d *recordingDeliverer) Deliver(_ context.Context, _ *model.Conversation, content string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.delivered = append(d.delivered, content)
	return nil
}

func (d *recordingDeliverer) contents() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.delivered...)
}

// manualScheduler collects timer callbacks so tests fire them outside the
// engine turn that scheduled them.
type manualScheduler struct {
	mu     sync.Mutex
	fns    []func()
	delays []time.Duration
}

func (s *manualScheduler) AfterFunc(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = append(s.fns, fn)
	s.delays = append(s.delays, d)
}

func (s *manualScheduler) fire() {
	s.mu.Lock()
	fns := s.fns
	s.fns = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type nodeSpec struct {
	id     string
	typ    model.NodeType
	config map[string]any
	next   []string
}

func seedFlow(t *testing.T, mem *store.Memory, flowID string, nodes []nodeSpec) {
	t.Helper()
	ctx := context.Background()
	_, err := mem.CreateFlow(ctx, model.Flow{ID: flowID, Name: flowID, IsActive: true})
	require.NoError(t, err)
	for _, n := range nodes {
		cfg, err := model.ParseNodeConfig(n.typ, n.config)
		require.NoError(t, err)
		_, err = mem.CreateNode(ctx, model.FlowNode{
			ID: n.id, FlowID: flowID, Type: n.typ, Config: cfg, Next: n.next,
		})
		require.NoError(t, err)
	}
}

type fixture struct {
	mem       *store.Memory
	publisher *recordingPublisher
	deliverer *recordingDeliverer
	sched     *manualScheduler
	orch      *Orchestrator
	contactID string
}

func newFixture(t *testing.T, nodes []nodeSpec) *fixture {
	t.Helper()
	mem := store.NewMemory()
	if nodes != nil {
		seedFlow(t, mem, "flow_default", nodes)
	}
	contact, err := mem.CreateContact(context.Background(), model.Contact{
		ExternalID: "42", Name: "Test Buyer", ChannelID: "telegram",
	})
	require.NoError(t, err)

	publisher := &recordingPublisher{}
	deliverer := &recordingDeliverer{}
	sched := &manualScheduler{}
	orch := New(Options{
		Store:     mem,
		Flows:     mem,
		Hub:       publisher,
		Deliverer: deliverer,
		Scheduler: sched,
	})
	return &fixture{
		mem:       mem,
		publisher: publisher,
		deliverer: deliverer,
		sched:     sched,
		orch:      orch,
		contactID: contact.ID,
	}
}

func (f *fixture) inbound(t *testing.T, content string) *model.Message {
	t.Helper()
	msg, err := f.orch.HandleIncomingMessage(context.Background(), IncomingMessage{
		ContactID: f.contactID,
		ChannelID: "telegram",
		Content:   content,
	})
	require.NoError(t, err)
	return msg
}

func greetingFlow() []nodeSpec {
	return []nodeSpec{
		{id: "start", typ: model.NodeStart, next: []string{"welcome"}},
		{id: "welcome", typ: model.NodeMessage, config: map[string]any{"content": "Welcome"}, next: []string{"done"}},
		{id: "done", typ: model.NodeEnd},
	}
}

func inputFlow() []nodeSpec {
	return []nodeSpec{
		{id: "start", typ: model.NodeStart, next: []string{"ask"}},
		{id: "ask", typ: model.NodeInput, config: map[string]any{"key": "inquiry", "prompt": "What do you need?"}, next: []string{"thanks"}},
		{id: "thanks", typ: model.NodeMessage, config: map[string]any{"content": "Noted!"}, next: []string{"done"}},
		{id: "done", typ: model.NodeEnd},
	}
}

func TestInboundMessageCreatesConversationAndRunsDefaultFlow(t *testing.T) {
	f := newFixture(t, greetingFlow())
	ctx := context.Background()

	msg := f.inbound(t, "hello")
	require.NotNil(t, msg)
	assert.Equal(t, model.DirectionIn, msg.Direction)
	assert.Equal(t, model.SenderContact, msg.Sender)

	convs, err := f.mem.GetConversationsByContact(ctx, f.contactID)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, model.ModeBot, convs[0].Mode)

	history, err := f.mem.GetMessagesByConversation(ctx, convs[0].ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, "Welcome", history[1].Content)
	assert.Equal(t, model.SenderBot, history[1].Sender)

	assert.Equal(t, []string{"Welcome"}, f.deliverer.contents())
	assert.Contains(t, f.publisher.kinds(), notify.EventMessageNew)
	assert.Contains(t, f.publisher.kinds(), notify.EventFlowAdvanced)
}

func TestConcurrentFirstMessagesShareOneConversation(t *testing.T) {
	f := newFixture(t, greetingFlow())
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = f.orch.HandleIncomingMessage(ctx, IncomingMessage{
				ContactID: f.contactID,
				ChannelID: "telegram",
				Content:   "hi",
			})
		}()
	}
	wg.Wait()

	convs, err := f.mem.GetConversationsByContact(ctx, f.contactID)
	require.NoError(t, err)
	assert.Len(t, convs, 1, "get-or-create must be idempotent under concurrency")
}

func TestTakeoverStopsBotAndReleaseResumes(t *testing.T) {
	f := newFixture(t, inputFlow())
	ctx := context.Background()

	f.inbound(t, "hello")
	convs, err := f.mem.GetConversationsByContact(ctx, f.contactID)
	require.NoError(t, err)
	convID := convs[0].ID

	state := f.orch.GetFlowState(convID)
	require.NotNil(t, state)
	assert.Equal(t, "ask", state.NodeID)

	conv, err := f.orch.Takeover(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, model.ModeHuman, conv.Mode)
	assert.Contains(t, f.publisher.kinds(), notify.EventModeChanged)

	// Inbound while handed off is persisted but does not drive the flow.
	before := len(f.deliverer.contents())
	f.inbound(t, "are you a robot?")
	assert.Len(t, f.deliverer.contents(), before, "no bot sends after takeover")
	assert.NotNil(t, f.orch.GetFlowState(convID), "takeover does not cancel the flow")

	// Takeover is idempotent.
	conv, err = f.orch.Takeover(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, model.ModeHuman, conv.Mode)

	conv, err = f.orch.Release(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, model.ModeBot, conv.Mode)

	// Next inbound answers the suspended input.
	f.inbound(t, "pricing for 500 units")
	assert.Contains(t, f.deliverer.contents(), "Noted!")
	assert.Nil(t, f.orch.GetFlowState(convID))

	state = f.orch.GetFlowState(convID)
	assert.Nil(t, state)
}

func TestSendMessageAsHuman(t *testing.T) {
	f := newFixture(t, greetingFlow())
	ctx := context.Background()

	f.inbound(t, "hello")
	convs, err := f.mem.GetConversationsByContact(ctx, f.contactID)
	require.NoError(t, err)
	convID := convs[0].ID

	msg, err := f.orch.SendMessage(ctx, convID, "An agent here, how can I help?", model.SenderHuman)
	require.NoError(t, err)
	assert.Equal(t, model.DirectionOut, msg.Direction)
	assert.Equal(t, model.SenderHuman, msg.Sender)
	assert.Contains(t, f.deliverer.contents(), "An agent here, how can I help?")
}

func TestSendMessageRejectsContactSender(t *testing.T) {
	f := newFixture(t, greetingFlow())
	_, err := f.orch.SendMessage(context.Background(), "whatever", "hi", model.SenderContact)
	require.Error(t, err)
}

func TestSendMessageUnknownConversation(t *testing.T) {
	f := newFixture(t, greetingFlow())
	_, err := f.orch.SendMessage(context.Background(), "ghost", "hi", model.SenderHuman)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestWaitResumeIsFencedByMode(t *testing.T) {
	f := newFixture(t, []nodeSpec{
		{id: "start", typ: model.NodeStart, next: []string{"pause"}},
		{id: "pause", typ: model.NodeWait, config: map[string]any{"delay": "1s"}, next: []string{"followup"}},
		{id: "followup", typ: model.NodeMessage, config: map[string]any{"content": "Still there?"}, next: []string{"done"}},
		{id: "done", typ: model.NodeEnd},
	})
	ctx := context.Background()

	f.inbound(t, "hello")
	convs, err := f.mem.GetConversationsByContact(ctx, f.contactID)
	require.NoError(t, err)
	convID := convs[0].ID
	require.NotNil(t, f.orch.GetFlowState(convID))

	_, err = f.orch.Takeover(ctx, convID)
	require.NoError(t, err)

	// Timer fires during human control: the resume is skipped.
	f.sched.fire()
	assert.NotContains(t, f.deliverer.contents(), "Still there?")
	state := f.orch.GetFlowState(convID)
	require.NotNil(t, state)
	assert.Equal(t, flow.StatusWaitingTimer, state.Status)

	// An inbound message cannot unstick a waiting timer, so release itself
	// must re-arm the discarded one.
	f.inbound(t, "hello?")
	assert.NotContains(t, f.deliverer.contents(), "Still there?")

	_, err = f.orch.Release(ctx, convID)
	require.NoError(t, err)
	f.sched.fire()

	assert.Contains(t, f.deliverer.contents(), "Still there?")
	assert.Nil(t, f.orch.GetFlowState(convID))
}

func TestReleaseResumesFenceStoppedRun(t *testing.T) {
	f := newFixture(t, []nodeSpec{
		{id: "start", typ: model.NodeStart, next: []string{"transfer"}},
		{id: "transfer", typ: model.NodeHandoff, config: map[string]any{"notice": "Agent incoming"}, next: []string{"after"}},
		{id: "after", typ: model.NodeMessage, config: map[string]any{"content": "Back with you"}, next: []string{"done"}},
		{id: "done", typ: model.NodeEnd},
	})
	ctx := context.Background()

	msg := f.inbound(t, "hello")
	convID := msg.ConversationID

	// The handoff flipped the mode mid-run, so the follow-up send stopped
	// with its state parked on that node.
	state := f.orch.GetFlowState(convID)
	require.NotNil(t, state)
	assert.Equal(t, "after", state.NodeID)
	assert.NotContains(t, f.deliverer.contents(), "Back with you")

	_, err := f.orch.Release(ctx, convID)
	require.NoError(t, err)
	f.sched.fire()

	assert.Contains(t, f.deliverer.contents(), "Back with you")
	assert.Nil(t, f.orch.GetFlowState(convID), "resumed run must finish")
}

func TestTriggerFlowRefusedDuringHandoff(t *testing.T) {
	f := newFixture(t, greetingFlow())
	ctx := context.Background()

	f.inbound(t, "hello")
	convs, err := f.mem.GetConversationsByContact(ctx, f.contactID)
	require.NoError(t, err)
	convID := convs[0].ID

	_, err = f.orch.Takeover(ctx, convID)
	require.NoError(t, err)

	err = f.orch.TriggerFlow(ctx, convID, "flow_default")
	require.Error(t, err)
}

func TestBusyFlowIgnoresUnrelatedInbound(t *testing.T) {
	f := newFixture(t, []nodeSpec{
		{id: "start", typ: model.NodeStart, next: []string{"pause"}},
		{id: "pause", typ: model.NodeWait, config: map[string]any{"delay": "1s"}, next: []string{"done"}},
		{id: "done", typ: model.NodeEnd},
	})
	ctx := context.Background()

	f.inbound(t, "hello")
	convs, err := f.mem.GetConversationsByContact(ctx, f.contactID)
	require.NoError(t, err)
	convID := convs[0].ID

	// A message during the timer neither restarts nor continues the flow.
	f.inbound(t, "anyone?")
	state := f.orch.GetFlowState(convID)
	require.NotNil(t, state)
	assert.Equal(t, "pause", state.NodeID)
}

func TestCancelFlowUnsticksConversation(t *testing.T) {
	f := newFixture(t, inputFlow())
	msg := f.inbound(t, "hi")

	state := f.orch.GetFlowState(msg.ConversationID)
	require.NotNil(t, state)
	require.Equal(t, "ask", state.NodeID)

	require.NoError(t, f.orch.CancelFlow(context.Background(), msg.ConversationID))
	assert.Nil(t, f.orch.GetFlowState(msg.ConversationID))
	assert.Contains(t, f.publisher.kinds(), notify.EventConversationUpdated)

	// The next inbound message starts the default flow from scratch.
	f.inbound(t, "hello again")
	state = f.orch.GetFlowState(msg.ConversationID)
	require.NotNil(t, state)
	assert.Equal(t, "ask", state.NodeID)
	assert.Empty(t, state.Data)
}

func TestCancelFlowWithoutState(t *testing.T) {
	f := newFixture(t, greetingFlow())
	msg := f.inbound(t, "hi")

	// The greeting flow runs to completion, so there is nothing to cancel.
	err := f.orch.CancelFlow(context.Background(), msg.ConversationID)
	require.ErrorIs(t, err, flow.ErrNoActiveFlow)

	err = f.orch.CancelFlow(context.Background(), "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)
}
