package flow

import "errors"

var (
	// ErrFlowNotFound is returned when the requested flow id is unknown.
	ErrFlowNotFound = errors.New("flow: flow not found")
	// ErrNoStartNode is returned when a flow definition has no nodes at all.
	ErrNoStartNode = errors.New("flow: no start node")
	// ErrNodeNotFound is returned when a node referenced by the graph does
	// not exist. Execution state is left where it was so the stall is
	// observable through GetFlowState.
	ErrNodeNotFound = errors.New("flow: node not found")
	// ErrNoActiveFlow is returned by ContinueFlow when the conversation has
	// no execution state.
	ErrNoActiveFlow = errors.New("flow: no active flow")
	// ErrHandedOff signals that the conversation is under human control and
	// the attempted bot-side effect was refused.
	ErrHandedOff = errors.New("flow: conversation under human control")
)
