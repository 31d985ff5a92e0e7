// Package flow implements the per-conversation flow execution engine: a
// state machine that walks a directed graph of typed nodes, emitting
// side effects through the Effects contract and suspending on input and
// wait nodes until an external event resumes it.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/oliveagle/jsonpath"

	"github.com/m3rciful/salesbot/core/ai"
	"github.com/m3rciful/salesbot/core/logger"
	"github.com/m3rciful/salesbot/core/model"
	"github.com/m3rciful/salesbot/core/store"
)

// Status describes what an execution state is currently doing.
type Status string

const (
	// StatusRunning means the engine is between node executions.
	StatusRunning Status = "running"
	// StatusWaitingInput means execution halted at an input node until the
	// contact replies.
	StatusWaitingInput Status = "waiting_input"
	// StatusWaitingTimer means execution halted at a wait node until its
	// timer fires.
	StatusWaitingTimer Status = "waiting_timer"
)

// ExecutionState is the live, in-memory state of one flow run. At most one
// exists per conversation; starting a new flow discards the previous one.
type ExecutionState struct {
	ConversationID string         `json:"conversationId"`
	FlowID         string         `json:"flowId"`
	NodeID         string         `json:"nodeId"`
	Status         Status         `json:"status"`
	Data           map[string]any `json:"data"`
	VisitedNodes   []string       `json:"visitedNodes"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Effects is the engine's outbound contract, implemented by the
// orchestrator. SendBotMessage must refuse with ErrHandedOff when the
// conversation is no longer in bot mode, and EnsureBotMode must report the
// same refusal for side-effecting actions that are not sends; BeginHandoff
// flips the mode and delivers the notice in one step. ScheduleResume
// arranges a serialized callback into ResumeWait after the delay.
type Effects interface {
	SendBotMessage(ctx context.Context, conversationID, content string) error
	EnsureBotMode(ctx context.Context, conversationID string) error
	BeginHandoff(ctx context.Context, conversationID, notice string) error
	ScheduleResume(conversationID, nodeID string, delay time.Duration)
	FlowAdvanced(conversationID, nodeID string, nodeType model.NodeType)
}

const (
	defaultMessageContent = "Default message"
	defaultHandoffNotice  = "Transferring to a human agent..."
	defaultInputKey       = "input"
)

// lastInputKey always mirrors the most recent contact reply captured by an
// input node, regardless of the node's configured key.
const lastInputKey = "last_input"

// Engine interprets flow graphs per conversation. All mutating entry points
// (StartFlow, ContinueFlow, ResumeWait) must be called under the
// orchestrator's per-conversation serialization; the internal lock only
// protects the state map across conversations.
type Engine struct {
	flows   store.FlowStore
	effects Effects
	oracle  ai.Oracle
	api     *apiInvoker

	mu     sync.RWMutex
	states map[string]*ExecutionState
}

// NewEngine builds an engine over the given flow store and effects sink.
// oracle may be nil when no AI service is configured; client may be nil to
// use a default HTTP client for api nodes.
func NewEngine(flows store.FlowStore, effects Effects, oracle ai.Oracle, client *http.Client) *Engine {
	if oracle == nil {
		oracle = ai.New(ai.Options{})
	}
	return &Engine{
		flows:   flows,
		effects: effects,
		oracle:  oracle,
		api:     newAPIInvoker(client),
		states:  make(map[string]*ExecutionState),
	}
}

// StartFlow begins executing flowID for the conversation, discarding any
// prior execution state. The start node is the node typed "start" when
// present, otherwise the first node in definition order.
func (e *Engine) StartFlow(ctx context.Context, conversationID, flowID string) error {
	flow, err := e.flows.GetFlow(ctx, flowID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrFlowNotFound, flowID)
		}
		return fmt.Errorf("load flow %s: %w", flowID, err)
	}

	nodes, err := e.flows.GetNodesByFlow(ctx, flowID)
	if err != nil {
		return fmt.Errorf("load nodes for flow %s: %w", flowID, err)
	}
	startNode := pickStartNode(nodes)
	if startNode == nil {
		return fmt.Errorf("%w: flow %s", ErrNoStartNode, flowID)
	}

	now := time.Now().UTC()
	state := &ExecutionState{
		ConversationID: conversationID,
		FlowID:         flow.ID,
		NodeID:         startNode.ID,
		Status:         StatusRunning,
		Data:           make(map[string]any),
		VisitedNodes:   []string{startNode.ID},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	e.setState(state)

	logger.Info(ctx, "engine", "flow.start",
		slog.String("conversation_id", conversationID),
		slog.String("flow_id", flowID),
		slog.String("node_id", startNode.ID),
	)
	return e.run(ctx, conversationID, startNode, nil, true)
}

// ContinueFlow resumes a suspended execution with caller-supplied input.
// The current node is re-executed with the input; for input nodes this
// captures the reply and advances instead of suspending again.
func (e *Engine) ContinueFlow(ctx context.Context, conversationID string, input map[string]any) error {
	state := e.stateRef(conversationID)
	if state == nil {
		return fmt.Errorf("%w: conversation %s", ErrNoActiveFlow, conversationID)
	}

	node, err := e.flows.GetNode(ctx, state.NodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, state.NodeID)
		}
		return fmt.Errorf("load node %s: %w", state.NodeID, err)
	}

	e.withState(conversationID, func(s *ExecutionState) {
		s.Status = StatusRunning
	})
	return e.run(ctx, conversationID, node, input, true)
}

// ResumeWait advances past a wait node after its timer fired. Resume
// requests that no longer match the current state (flow restarted, already
// resumed, conversation ended) are ignored.
func (e *Engine) ResumeWait(ctx context.Context, conversationID, nodeID string) error {
	state := e.stateRef(conversationID)
	if state == nil || state.Status != StatusWaitingTimer || state.NodeID != nodeID {
		logger.Debug(ctx, "engine", "wait.resume.skip",
			slog.String("conversation_id", conversationID),
			slog.String("node_id", nodeID),
		)
		return nil
	}

	node, err := e.flows.GetNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
		}
		return fmt.Errorf("load node %s: %w", nodeID, err)
	}

	e.withState(conversationID, func(s *ExecutionState) {
		s.Status = StatusRunning
	})
	// The wait node already did its work; advance directly.
	return e.run(ctx, conversationID, node, nil, false)
}

// GetFlowState returns a snapshot of the conversation's execution state, or
// nil when no flow is in progress.
func (e *Engine) GetFlowState(conversationID string) *ExecutionState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state, ok := e.states[conversationID]
	if !ok {
		return nil
	}
	snapshot := *state
	snapshot.Data = make(map[string]any, len(state.Data))
	for k, v := range state.Data {
		snapshot.Data[k] = v
	}
	snapshot.VisitedNodes = append([]string(nil), state.VisitedNodes...)
	return &snapshot
}

// CancelFlow discards the conversation's execution state, returning the
// conversation to idle. Pending wait timers become no-ops because resumption
// checks the state first. Fails with ErrNoActiveFlow when nothing is running.
func (e *Engine) CancelFlow(ctx context.Context, conversationID string) error {
	state := e.stateRef(conversationID)
	if state == nil {
		return fmt.Errorf("%w: conversation %s", ErrNoActiveFlow, conversationID)
	}
	e.clearState(conversationID)
	logger.Info(ctx, "engine", "flow.cancel",
		slog.String("flow_id", state.FlowID),
		slog.String("node_id", state.NodeID),
	)
	return nil
}

// HasSuspendedInput reports whether the conversation is waiting for a
// contact reply. The orchestrator uses this to decide between continuing
// and starting the default flow.
func (e *Engine) HasSuspendedInput(conversationID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state, ok := e.states[conversationID]
	return ok && state.Status == StatusWaitingInput
}

// HasActiveFlow reports whether any execution state exists.
func (e *Engine) HasActiveFlow(conversationID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.states[conversationID]
	return ok
}

type stepKind int

const (
	stepAdvance stepKind = iota
	stepSuspend
	stepComplete
	stepStop
)

type step struct {
	kind stepKind
	// target overrides the default first-successor rule; set by condition
	// nodes.
	target string
}

// run drives the execution loop from node until it suspends, completes,
// stalls, or is stopped by a handoff fence. When executeFirst is false the
// loop starts by advancing past node instead of executing it.
func (e *Engine) run(ctx context.Context, conversationID string, node *model.FlowNode, input map[string]any, executeFirst bool) error {
	next := step{kind: stepAdvance}
	for {
		if executeFirst {
			var err error
			next, err = e.executeNode(ctx, conversationID, node, input)
			input = nil
			if err != nil {
				return err
			}
		}
		executeFirst = true

		switch next.kind {
		case stepSuspend, stepStop:
			return nil
		case stepComplete:
			e.clearState(conversationID)
			logger.Info(ctx, "engine", "flow.complete",
				slog.String("conversation_id", conversationID),
			)
			return nil
		}

		targetID := next.target
		if targetID == "" {
			if len(node.Next) == 0 {
				// Terminal by omission.
				e.clearState(conversationID)
				logger.Info(ctx, "engine", "flow.complete",
					slog.String("conversation_id", conversationID),
				)
				return nil
			}
			targetID = node.Next[0]
		}

		nextNode, err := e.flows.GetNode(ctx, targetID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// State intentionally stays pointed at the node that
				// attempted the advance so the stall is observable.
				logger.Error(ctx, "engine", "flow.stalled",
					slog.String("conversation_id", conversationID),
					slog.String("node_id", node.ID),
					slog.String("missing_node_id", targetID),
				)
				return fmt.Errorf("%w: %s", ErrNodeNotFound, targetID)
			}
			return fmt.Errorf("load node %s: %w", targetID, err)
		}

		e.withState(conversationID, func(s *ExecutionState) {
			s.NodeID = nextNode.ID
			s.VisitedNodes = append(s.VisitedNodes, nextNode.ID)
			s.UpdatedAt = time.Now().UTC()
		})
		e.effects.FlowAdvanced(conversationID, nextNode.ID, nextNode.Type)
		node = nextNode
	}
}

// executeNode dispatches one node by type. Unknown types are logged and
// treated as passthrough so one malformed node cannot stall a conversation.
func (e *Engine) executeNode(ctx context.Context, conversationID string, node *model.FlowNode, input map[string]any) (step, error) {
	logger.Debug(ctx, "engine", "node.execute",
		slog.String("conversation_id", conversationID),
		slog.String("node_id", node.ID),
		slog.String("node_type", string(node.Type)),
	)

	switch node.Type {
	case model.NodeStart:
		return step{kind: stepAdvance}, nil
	case model.NodeMessage:
		return e.execMessage(ctx, conversationID, node)
	case model.NodeCondition:
		return e.execCondition(ctx, conversationID, node)
	case model.NodeInput:
		return e.execInput(ctx, conversationID, node, input)
	case model.NodeWait:
		return e.execWait(ctx, conversationID, node)
	case model.NodeAPI:
		return e.execAPI(ctx, conversationID, node)
	case model.NodeHandoff:
		return e.execHandoff(ctx, conversationID, node)
	case model.NodeEnd:
		return step{kind: stepComplete}, nil
	default:
		logger.Warn(ctx, "engine", "node.unknown_type",
			slog.String("conversation_id", conversationID),
			slog.String("node_id", node.ID),
			slog.String("node_type", string(node.Type)),
		)
		return step{kind: stepAdvance}, nil
	}
}

func (e *Engine) execMessage(ctx context.Context, conversationID string, node *model.FlowNode) (step, error) {
	content := defaultMessageContent
	if node.Config.Message != nil && node.Config.Message.Content != "" {
		content = node.Config.Message.Content
	}
	if err := e.sendFenced(ctx, conversationID, node.ID, content); err != nil {
		if errors.Is(err, ErrHandedOff) {
			return step{kind: stepStop}, nil
		}
		return step{}, err
	}
	return step{kind: stepAdvance}, nil
}

func (e *Engine) execCondition(ctx context.Context, conversationID string, node *model.FlowNode) (step, error) {
	data := e.dataSnapshot(conversationID)
	target, ok, err := evalBranches(node.Config.Condition, data)
	if err != nil {
		// A broken guard is a malformed definition, not a fatal error: fall
		// through to the first successor.
		logger.Warn(ctx, "engine", "condition.guard_failed",
			slog.String("conversation_id", conversationID),
			slog.String("node_id", node.ID),
			slog.String("err", err.Error()),
		)
		return step{kind: stepAdvance}, nil
	}
	if !ok {
		return step{kind: stepAdvance}, nil
	}
	logger.Debug(ctx, "engine", "condition.matched",
		slog.String("conversation_id", conversationID),
		slog.String("node_id", node.ID),
		slog.String("target", target),
	)
	return step{kind: stepAdvance, target: target}, nil
}

func (e *Engine) execInput(ctx context.Context, conversationID string, node *model.FlowNode, input map[string]any) (step, error) {
	key := defaultInputKey
	prompt := ""
	if node.Config.Input != nil {
		if node.Config.Input.Key != "" {
			key = node.Config.Input.Key
		}
		prompt = node.Config.Input.Prompt
	}

	if input != nil {
		value := any(input)
		if text, ok := input["text"]; ok {
			value = text
		}
		e.withState(conversationID, func(s *ExecutionState) {
			s.Data[key] = value
			s.Data[lastInputKey] = value
			s.UpdatedAt = time.Now().UTC()
		})
		return step{kind: stepAdvance}, nil
	}

	if prompt != "" {
		if err := e.sendFenced(ctx, conversationID, node.ID, prompt); err != nil {
			if errors.Is(err, ErrHandedOff) {
				return step{kind: stepStop}, nil
			}
			return step{}, err
		}
	}
	e.withState(conversationID, func(s *ExecutionState) {
		s.Status = StatusWaitingInput
		s.UpdatedAt = time.Now().UTC()
	})
	return step{kind: stepSuspend}, nil
}

func (e *Engine) execWait(ctx context.Context, conversationID string, node *model.FlowNode) (step, error) {
	if node.Config.Wait == nil {
		// Malformed wait config was degraded at load; pass through.
		return step{kind: stepAdvance}, nil
	}
	delay := node.Config.Wait.Delay
	e.withState(conversationID, func(s *ExecutionState) {
		s.Status = StatusWaitingTimer
		s.UpdatedAt = time.Now().UTC()
	})
	e.effects.ScheduleResume(conversationID, node.ID, delay)
	logger.Debug(ctx, "engine", "wait.scheduled",
		slog.String("conversation_id", conversationID),
		slog.String("node_id", node.ID),
		slog.Duration("delay", delay),
	)
	return step{kind: stepSuspend}, nil
}

func (e *Engine) execAPI(ctx context.Context, conversationID string, node *model.FlowNode) (step, error) {
	cfg := node.Config.API
	if cfg == nil {
		return step{kind: stepAdvance}, nil
	}
	// The external call is a side effect like a send: re-check the mode so a
	// takeover or handoff earlier in the run stops it from firing.
	if err := e.effects.EnsureBotMode(ctx, conversationID); err != nil {
		if errors.Is(err, ErrHandedOff) {
			logger.Info(ctx, "engine", "node.fenced",
				slog.String("conversation_id", conversationID),
				slog.String("node_id", node.ID),
			)
			return step{kind: stepStop}, nil
		}
		return step{}, err
	}
	data := e.dataSnapshot(conversationID)

	var (
		captured map[string]any
		err      error
	)
	switch cfg.Provider {
	case model.APIProviderAI:
		captured, err = e.callOracle(ctx, cfg, data)
		if err != nil && !cfg.Required {
			logger.Warn(ctx, "engine", "api.oracle.degraded",
				slog.String("conversation_id", conversationID),
				slog.String("node_id", node.ID),
				slog.String("err", err.Error()),
			)
			return step{kind: stepAdvance}, nil
		}
	default:
		captured, err = e.api.invoke(ctx, cfg, data)
	}
	if err != nil {
		return step{}, fmt.Errorf("api node %s: %w", node.ID, err)
	}

	if len(captured) > 0 {
		e.withState(conversationID, func(s *ExecutionState) {
			for k, v := range captured {
				s.Data[k] = v
			}
			s.UpdatedAt = time.Now().UTC()
		})
	}
	return step{kind: stepAdvance}, nil
}

func (e *Engine) execHandoff(ctx context.Context, conversationID string, node *model.FlowNode) (step, error) {
	notice := defaultHandoffNotice
	if node.Config.Handoff != nil && node.Config.Handoff.Notice != "" {
		notice = node.Config.Handoff.Notice
	}
	if err := e.effects.BeginHandoff(ctx, conversationID, notice); err != nil {
		return step{}, fmt.Errorf("handoff node %s: %w", node.ID, err)
	}
	logger.Info(ctx, "engine", "flow.handoff",
		slog.String("conversation_id", conversationID),
		slog.String("node_id", node.ID),
	)
	return step{kind: stepAdvance}, nil
}

// callOracle parses the latest contact text and captures the structured
// result into scratch-data keys. Without an explicit capture mapping the
// intent and confidence land under their own names.
func (e *Engine) callOracle(ctx context.Context, cfg *model.APIConfig, data map[string]any) (map[string]any, error) {
	text := ""
	if params := resolveParams(cfg.Params, data); params != nil {
		if v, ok := params["text"]; ok {
			text = fmt.Sprint(v)
		}
	}
	if text == "" {
		if v, ok := data[lastInputKey]; ok {
			text = fmt.Sprint(v)
		}
	}

	result, err := e.oracle.ParseIntent(ctx, text)
	if err != nil {
		return nil, err
	}

	if len(cfg.Capture) == 0 {
		out := map[string]any{
			"intent":     result.Intent,
			"confidence": result.Confidence,
		}
		if len(result.Entities) > 0 {
			out["entities"] = result.Entities
		}
		return out, nil
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode oracle result: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return nil, fmt.Errorf("decode oracle result: %w", err)
	}
	out := make(map[string]any, len(cfg.Capture))
	for key, path := range cfg.Capture {
		value, lookupErr := jsonpath.JsonPathLookup(decoded, path)
		if lookupErr != nil {
			continue
		}
		out[key] = value
	}
	return out, nil
}

// sendFenced delivers a bot message through the effects sink. The sink is
// expected to refuse with ErrHandedOff once the conversation left bot mode.
func (e *Engine) sendFenced(ctx context.Context, conversationID, nodeID, content string) error {
	err := e.effects.SendBotMessage(ctx, conversationID, content)
	if errors.Is(err, ErrHandedOff) {
		logger.Info(ctx, "engine", "node.fenced",
			slog.String("conversation_id", conversationID),
			slog.String("node_id", nodeID),
		)
	}
	return err
}

func pickStartNode(nodes []model.FlowNode) *model.FlowNode {
	for i := range nodes {
		if nodes[i].Type == model.NodeStart {
			return &nodes[i]
		}
	}
	if len(nodes) > 0 {
		return &nodes[0]
	}
	return nil
}

func (e *Engine) setState(state *ExecutionState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[state.ConversationID] = state
}

func (e *Engine) clearState(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, conversationID)
}

func (e *Engine) stateRef(conversationID string) *ExecutionState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.states[conversationID]
}

func (e *Engine) withState(conversationID string, fn func(*ExecutionState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.states[conversationID]; ok {
		fn(state)
	}
}

func (e *Engine) dataSnapshot(conversationID string) map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state, ok := e.states[conversationID]
	if !ok {
		return map[string]any{}
	}
	out := make(map[string]any, len(state.Data))
	for k, v := range state.Data {
		out[k] = v
	}
	return out
}
