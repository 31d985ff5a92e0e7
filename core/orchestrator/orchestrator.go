// Package orchestrator is the serializing entry point between channels and
// the flow engine. It is the only writer of conversation mode, guarantees
// at most one flow execution drives a conversation at a time, and fences
// every engine side effect behind a fresh mode check.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/m3rciful/salesbot/core/ai"
	"github.com/m3rciful/salesbot/core/flow"
	"github.com/m3rciful/salesbot/core/logger"
	"github.com/m3rciful/salesbot/core/model"
	"github.com/m3rciful/salesbot/core/notify"
	"github.com/m3rciful/salesbot/core/store"
)

// Deliverer pushes an outbound message to the conversation's channel. The
// channel adapter (Telegram) implements it; delivery failures are surfaced
// to the caller but already-persisted records stay committed.
type Deliverer interface {
	Deliver(ctx context.Context, conv *model.Conversation, content string) error
}

// DeliverFunc adapts a function to the Deliverer interface.
type DeliverFunc func(ctx context.Context, conv *model.Conversation, content string) error

func (f DeliverFunc) Deliver(ctx context.Context, conv *model.Conversation, content string) error {
	return f(ctx, conv, content)
}

// IncomingMessage is one inbound contact message, already resolved to a
// platform contact by the channel adapter.
type IncomingMessage struct {
	ContactID string
	ChannelID string
	Content   string
}

// Options wires an orchestrator. Store, Flows, Hub, and Deliverer are
// required; the rest default sensibly.
type Options struct {
	Store         store.ConversationStore
	Flows         store.FlowStore
	Hub           notify.Publisher
	Deliverer     Deliverer
	Oracle        ai.Oracle
	HTTPClient    *http.Client
	Scheduler     Scheduler
	DefaultFlowID string
}

// Orchestrator serializes all per-conversation work. Exported methods
// acquire the conversation lock; the flow.Effects methods are the engine's
// callback surface and run under a lock already held by the caller.
type Orchestrator struct {
	conversations store.ConversationStore
	hub           notify.Publisher
	deliver       Deliverer
	sched         Scheduler
	defaultFlowID string
	engine        *flow.Engine
	locks         *keyedMutex
}

func New(opts Options) *Orchestrator {
	if opts.Scheduler == nil {
		opts.Scheduler = NewClockScheduler()
	}
	if opts.DefaultFlowID == "" {
		opts.DefaultFlowID = "flow_default"
	}
	o := &Orchestrator{
		conversations: opts.Store,
		hub:           opts.Hub,
		deliver:       opts.Deliverer,
		sched:         opts.Scheduler,
		defaultFlowID: opts.DefaultFlowID,
		locks:         newKeyedMutex(),
	}
	o.engine = flow.NewEngine(opts.Flows, o, opts.Oracle, opts.HTTPClient)
	return o
}

func convKey(conversationID string) string { return "conv:" + conversationID }

// HandleIncomingMessage is the single entry point for contact messages. It
// resolves or creates the conversation, persists the message, and, when the
// conversation is in bot mode, drives the flow engine. The persisted
// message is returned even when the flow turn errors.
func (o *Orchestrator) HandleIncomingMessage(ctx context.Context, in IncomingMessage) (*model.Message, error) {
	conv, err := o.getOrCreateConversation(ctx, in.ContactID, in.ChannelID)
	if err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(convKey(conv.ID))
	defer unlock()

	// Re-read under the lock so the mode decision is current.
	conv, err = o.conversations.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	ctx = logger.WithConversationMeta(ctx, conv.ID, conv.ContactID, conv.ChannelID)

	msg, err := o.persistMessage(ctx, conv, model.DirectionIn, model.SenderContact, in.Content)
	if err != nil {
		return nil, err
	}

	if conv.Mode != model.ModeBot {
		logger.Debug(ctx, "orchestrator", "flow.skip.human_mode")
		return msg, nil
	}
	if err := o.driveFlow(ctx, conv.ID, in.Content); err != nil {
		return msg, fmt.Errorf("flow turn: %w", err)
	}
	return msg, nil
}

// driveFlow decides how an inbound message affects the engine: answer a
// suspended input, start the default flow when idle, or leave a running
// execution alone.
func (o *Orchestrator) driveFlow(ctx context.Context, conversationID, content string) error {
	switch {
	case o.engine.HasSuspendedInput(conversationID):
		return o.engine.ContinueFlow(ctx, conversationID, map[string]any{"text": content})
	case o.engine.HasActiveFlow(conversationID):
		logger.Debug(ctx, "orchestrator", "flow.skip.busy")
		return nil
	default:
		return o.engine.StartFlow(ctx, conversationID, o.defaultFlowID)
	}
}

// Takeover flips the conversation to human mode. In-flight flow state is
// kept but the mode fence stops any further bot sends. Idempotent.
func (o *Orchestrator) Takeover(ctx context.Context, conversationID string) (*model.Conversation, error) {
	unlock := o.locks.Lock(convKey(conversationID))
	defer unlock()

	conv, err := o.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Mode == model.ModeHuman {
		return conv, nil
	}
	conv, err = o.setMode(ctx, conv, model.ModeHuman)
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "orchestrator", "conversation.takeover",
		slog.String("conversation_id", conversationID),
	)
	return conv, nil
}

// Release returns the conversation to bot mode and restarts whatever the
// mode fence stopped while a human held the conversation: a wait timer whose
// firing was discarded is re-armed, and a turn stopped mid-node is re-driven
// from that node. A flow suspended on input resumes on the next inbound
// message as usual.
func (o *Orchestrator) Release(ctx context.Context, conversationID string) (*model.Conversation, error) {
	unlock := o.locks.Lock(convKey(conversationID))
	defer unlock()

	conv, err := o.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Mode == model.ModeBot {
		return conv, nil
	}
	conv, err = o.setMode(ctx, conv, model.ModeBot)
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "orchestrator", "conversation.release",
		slog.String("conversation_id", conversationID),
	)
	o.resumeAfterRelease(ctx, conversationID)
	return conv, nil
}

// resumeAfterRelease inspects the execution state left behind by the fence
// and schedules the matching recovery. Runs under the conversation lock; the
// scheduled callbacks re-acquire it, so nothing here drives the engine
// directly.
func (o *Orchestrator) resumeAfterRelease(ctx context.Context, conversationID string) {
	state := o.engine.GetFlowState(conversationID)
	if state == nil {
		return
	}
	switch state.Status {
	case flow.StatusWaitingTimer:
		// The timer fired during human mode and was discarded; re-arm it
		// with no delay so the wait completes now.
		logger.Info(ctx, "orchestrator", "release.rearm_timer",
			slog.String("conversation_id", conversationID),
			slog.String("node_id", state.NodeID),
		)
		o.ScheduleResume(conversationID, state.NodeID, 0)
	case flow.StatusRunning:
		// A running status can only persist here because the fence stopped a
		// turn mid-node; no turn is in flight while we hold the lock.
		logger.Info(ctx, "orchestrator", "release.resume_run",
			slog.String("conversation_id", conversationID),
			slog.String("node_id", state.NodeID),
		)
		o.sched.AfterFunc(0, func() {
			ctx := context.Background()
			unlock := o.locks.Lock(convKey(conversationID))
			defer unlock()

			conv, err := o.conversations.GetConversation(ctx, conversationID)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					logger.Error(ctx, "orchestrator", "release.resume.load_fail",
						slog.String("conversation_id", conversationID),
						slog.String("err", err.Error()),
					)
				}
				return
			}
			if conv.Mode != model.ModeBot {
				return
			}
			ctx = logger.WithConversationMeta(ctx, conv.ID, conv.ContactID, conv.ChannelID)
			err = o.engine.ContinueFlow(ctx, conversationID, nil)
			if err != nil && !errors.Is(err, flow.ErrNoActiveFlow) {
				logger.Error(ctx, "orchestrator", "release.resume.fail",
					slog.String("conversation_id", conversationID),
					slog.String("err", err.Error()),
				)
			}
		})
	}
}

// SendMessage persists and delivers an outbound message attributed to
// sender. Agents use it with SenderHuman; it does not touch the mode.
func (o *Orchestrator) SendMessage(ctx context.Context, conversationID, content string, sender model.Sender) (*model.Message, error) {
	if sender != model.SenderBot && sender != model.SenderHuman {
		return nil, fmt.Errorf("invalid sender %q", sender)
	}

	unlock := o.locks.Lock(convKey(conversationID))
	defer unlock()

	conv, err := o.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithConversationMeta(ctx, conv.ID, conv.ContactID, conv.ChannelID)

	msg, err := o.persistMessage(ctx, conv, model.DirectionOut, sender, content)
	if err != nil {
		return nil, err
	}
	if err := o.deliver.Deliver(ctx, conv, content); err != nil {
		logger.Error(ctx, "orchestrator", "message.deliver.fail",
			slog.String("err", err.Error()),
		)
		return msg, fmt.Errorf("deliver message: %w", err)
	}
	return msg, nil
}

// TriggerFlow starts a specific flow for the conversation, discarding any
// prior execution. Refused with flow.ErrHandedOff while in human mode.
func (o *Orchestrator) TriggerFlow(ctx context.Context, conversationID, flowID string) error {
	unlock := o.locks.Lock(convKey(conversationID))
	defer unlock()

	conv, err := o.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Mode != model.ModeBot {
		return fmt.Errorf("%w: conversation %s", flow.ErrHandedOff, conversationID)
	}
	ctx = logger.WithConversationMeta(ctx, conv.ID, conv.ContactID, conv.ChannelID)
	return o.engine.StartFlow(ctx, conversationID, flowID)
}

// CancelFlow discards the conversation's execution state so an operator can
// unstick a stalled flow. Works in either mode; the conversation record is
// untouched.
func (o *Orchestrator) CancelFlow(ctx context.Context, conversationID string) error {
	unlock := o.locks.Lock(convKey(conversationID))
	defer unlock()

	conv, err := o.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	ctx = logger.WithConversationMeta(ctx, conv.ID, conv.ContactID, conv.ChannelID)
	if err := o.engine.CancelFlow(ctx, conversationID); err != nil {
		return err
	}
	o.hub.Publish(notify.Event{
		ConversationID: conversationID,
		Kind:           notify.EventConversationUpdated,
		Payload:        conv,
	})
	return nil
}

// GetFlowState exposes the engine's execution state for debugging and the
// dashboard. Nil means no flow is in progress.
func (o *Orchestrator) GetFlowState(conversationID string) *flow.ExecutionState {
	return o.engine.GetFlowState(conversationID)
}

// getOrCreateConversation returns the most recent conversation for the
// contact on the channel, creating one in bot mode when none exists. The
// create path is serialized per (contact, channel) so concurrent first
// messages produce exactly one conversation.
func (o *Orchestrator) getOrCreateConversation(ctx context.Context, contactID, channelID string) (*model.Conversation, error) {
	unlock := o.locks.Lock("create:" + contactID + "|" + channelID)
	defer unlock()

	existing, err := o.conversations.GetConversationsByContact(ctx, contactID)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	for i := range existing {
		if existing[i].ChannelID == channelID {
			return &existing[i], nil
		}
	}

	conv, err := o.conversations.CreateConversation(ctx, model.Conversation{
		ContactID: contactID,
		ChannelID: channelID,
		Mode:      model.ModeBot,
	})
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	logger.Info(ctx, "orchestrator", "conversation.create",
		slog.String("conversation_id", conv.ID),
		slog.String("contact_id", contactID),
		slog.String("channel", channelID),
	)
	o.hub.Publish(notify.Event{
		ConversationID: conv.ID,
		Kind:           notify.EventConversationUpdated,
		Payload:        conv,
	})
	return conv, nil
}

// --- flow.Effects ---------------------------------------------------------
// These run inside an engine turn, under the conversation lock held by the
// exported method that started the turn. They must not re-acquire it.

// SendBotMessage persists and delivers one engine-originated message. The
// mode is re-checked immediately before the send; once a human has taken
// over it refuses with flow.ErrHandedOff.
func (o *Orchestrator) SendBotMessage(ctx context.Context, conversationID, content string) error {
	conv, err := o.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Mode != model.ModeBot {
		return fmt.Errorf("%w: conversation %s", flow.ErrHandedOff, conversationID)
	}
	msg, err := o.persistMessage(ctx, conv, model.DirectionOut, model.SenderBot, content)
	if err != nil {
		return err
	}
	if err := o.deliver.Deliver(ctx, conv, content); err != nil {
		logger.Error(ctx, "orchestrator", "message.deliver.fail",
			slog.String("message_id", msg.ID),
			slog.String("err", err.Error()),
		)
		return fmt.Errorf("deliver message: %w", err)
	}
	return nil
}

// EnsureBotMode re-checks the conversation mode for side-effecting node
// actions that are not bot sends (external api calls). Refuses with
// flow.ErrHandedOff once a human has taken over.
func (o *Orchestrator) EnsureBotMode(ctx context.Context, conversationID string) error {
	conv, err := o.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Mode != model.ModeBot {
		return fmt.Errorf("%w: conversation %s", flow.ErrHandedOff, conversationID)
	}
	return nil
}

// BeginHandoff flips the conversation to human mode and then sends the
// notice as the bot's final word, bypassing the fence the flip just raised.
func (o *Orchestrator) BeginHandoff(ctx context.Context, conversationID, notice string) error {
	conv, err := o.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Mode != model.ModeHuman {
		conv, err = o.setMode(ctx, conv, model.ModeHuman)
		if err != nil {
			return err
		}
	}
	if notice == "" {
		return nil
	}
	if _, err := o.persistMessage(ctx, conv, model.DirectionOut, model.SenderBot, notice); err != nil {
		return err
	}
	if err := o.deliver.Deliver(ctx, conv, notice); err != nil {
		logger.Error(ctx, "orchestrator", "handoff.deliver.fail",
			slog.String("err", err.Error()),
		)
		return fmt.Errorf("deliver handoff notice: %w", err)
	}
	return nil
}

// ScheduleResume arranges a serialized engine resume after the wait-node
// delay. The callback re-checks the mode: a takeover during the wait
// silently cancels the resume.
func (o *Orchestrator) ScheduleResume(conversationID, nodeID string, delay time.Duration) {
	o.sched.AfterFunc(delay, func() {
		ctx := context.Background()
		unlock := o.locks.Lock(convKey(conversationID))
		defer unlock()

		conv, err := o.conversations.GetConversation(ctx, conversationID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				logger.Error(ctx, "orchestrator", "wait.resume.load_fail",
					slog.String("conversation_id", conversationID),
					slog.String("err", err.Error()),
				)
			}
			return
		}
		if conv.Mode != model.ModeBot {
			logger.Debug(ctx, "orchestrator", "wait.resume.skip.human_mode",
				slog.String("conversation_id", conversationID),
			)
			return
		}
		ctx = logger.WithConversationMeta(ctx, conv.ID, conv.ContactID, conv.ChannelID)
		if err := o.engine.ResumeWait(ctx, conversationID, nodeID); err != nil {
			logger.Error(ctx, "orchestrator", "wait.resume.fail",
				slog.String("conversation_id", conversationID),
				slog.String("node_id", nodeID),
				slog.String("err", err.Error()),
			)
		}
	})
}

// FlowAdvanced broadcasts each node transition for dashboards and debugging.
func (o *Orchestrator) FlowAdvanced(conversationID, nodeID string, nodeType model.NodeType) {
	o.hub.Publish(notify.Event{
		ConversationID: conversationID,
		Kind:           notify.EventFlowAdvanced,
		Payload: map[string]any{
			"nodeId":   nodeID,
			"nodeType": nodeType,
		},
	})
}

// --- internals ------------------------------------------------------------

func (o *Orchestrator) persistMessage(ctx context.Context, conv *model.Conversation, direction model.Direction, sender model.Sender, content string) (*model.Message, error) {
	msg, err := o.conversations.CreateMessage(ctx, model.Message{
		ConversationID: conv.ID,
		ContactID:      conv.ContactID,
		ChannelID:      conv.ChannelID,
		Direction:      direction,
		Sender:         sender,
		Content:        content,
		Timestamp:      time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	at := msg.Timestamp
	if _, err := o.conversations.UpdateConversation(ctx, conv.ID, store.ConversationUpdate{LastMessageAt: &at}); err != nil {
		logger.Warn(ctx, "orchestrator", "conversation.touch.fail",
			slog.String("err", err.Error()),
		)
	}
	logger.Debug(ctx, "orchestrator", "message.persist",
		slog.String("message_id", msg.ID),
		slog.String("direction", string(direction)),
		slog.String("sender", string(sender)),
	)
	o.hub.Publish(notify.Event{
		ConversationID: conv.ID,
		Kind:           notify.EventMessageNew,
		Payload:        msg,
	})
	return msg, nil
}

func (o *Orchestrator) setMode(ctx context.Context, conv *model.Conversation, mode model.Mode) (*model.Conversation, error) {
	updated, err := o.conversations.UpdateConversation(ctx, conv.ID, store.ConversationUpdate{Mode: &mode})
	if err != nil {
		return nil, fmt.Errorf("update mode: %w", err)
	}
	o.hub.Publish(notify.Event{
		ConversationID: updated.ID,
		Kind:           notify.EventModeChanged,
		Payload:        map[string]any{"mode": updated.Mode},
	})
	o.hub.Publish(notify.Event{
		ConversationID: updated.ID,
		Kind:           notify.EventConversationUpdated,
		Payload:        updated,
	})
	return updated, nil
}
