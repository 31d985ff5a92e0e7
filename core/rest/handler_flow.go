package rest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/m3rciful/salesbot/core/logger"
	"github.com/m3rciful/salesbot/core/model"
	"github.com/m3rciful/salesbot/core/store"
)

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := s.deps.Flows.ListFlows(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, flows)
}

type flowResponse struct {
	model.Flow
	Nodes []model.FlowNode `json:"nodes"`
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	flow, err := s.deps.Flows.GetFlow(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	nodes, err := s.deps.Flows.GetNodesByFlow(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, flowResponse{Flow: *flow, Nodes: nodes})
}

func (s *Server) handleGetFlowNodes(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.deps.Flows.GetFlow(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	nodes, err := s.deps.Flows.GetNodesByFlow(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nodes)
}

type createFlowNode struct {
	ID     string         `json:"id"`
	Type   model.NodeType `json:"type"`
	Config map[string]any `json:"config"`
	Next   []string       `json:"next"`
}

type createFlowRequest struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	IsActive    *bool            `json:"isActive"`
	Nodes       []createFlowNode `json:"nodes"`
}

func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	if s.deps.FlowWriter == nil {
		respondError(w, http.StatusNotImplemented, "flow creation disabled")
		return
	}
	var req createFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	defer r.Body.Close()
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if len(req.Nodes) == 0 {
		respondError(w, http.StatusBadRequest, "at least one node is required")
		return
	}

	// Configs are validated up front so a malformed definition is rejected
	// here instead of degrading at execution time.
	parsed := make([]model.FlowNode, 0, len(req.Nodes))
	for _, n := range req.Nodes {
		if n.ID == "" {
			respondError(w, http.StatusBadRequest, "node id is required")
			return
		}
		cfg, err := model.ParseNodeConfig(n.Type, n.Config)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("node %s: %v", n.ID, err))
			return
		}
		parsed = append(parsed, model.FlowNode{
			ID:     n.ID,
			Type:   n.Type,
			Config: cfg,
			Next:   n.Next,
		})
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	flow, err := s.deps.FlowWriter.CreateFlow(r.Context(), model.Flow{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		IsActive:    active,
	})
	if err != nil {
		logger.API.Error("create flow failed",
			slog.String("event", "flows.create"),
			slog.String("err", err.Error()),
		)
		respondDomainError(w, err)
		return
	}
	for i := range parsed {
		parsed[i].FlowID = flow.ID
		if _, err := s.deps.FlowWriter.CreateNode(r.Context(), parsed[i]); err != nil {
			logger.API.Error("create flow node failed",
				slog.String("event", "flows.create"),
				slog.String("flow_id", flow.ID),
				slog.String("node_id", parsed[i].ID),
				slog.String("err", err.Error()),
			)
			respondDomainError(w, err)
			return
		}
	}

	if cached, ok := s.deps.Flows.(*store.CachedFlowStore); ok {
		cached.Invalidate(flow.ID)
	}
	nodes, err := s.deps.Flows.GetNodesByFlow(r.Context(), flow.ID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, flowResponse{Flow: *flow, Nodes: nodes})
}
