package rest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/m3rciful/salesbot/core/logger"
	"github.com/m3rciful/salesbot/core/model"
)

const defaultConversationLimit = 50

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := defaultConversationLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	conversations, err := s.deps.Conversations.ListConversations(r.Context(), limit)
	if err != nil {
		logger.API.Error("list conversations failed",
			slog.String("event", "conversations.list"),
			slog.String("err", err.Error()),
		)
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conversations)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conv, err := s.deps.Conversations.GetConversation(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.deps.Conversations.GetConversation(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	messages, err := s.deps.Conversations.GetMessagesByConversation(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, messages)
}

type sendMessageRequest struct {
	Content string       `json:"content"`
	Sender  model.Sender `json:"sender"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	defer r.Body.Close()
	if req.Content == "" {
		respondError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Sender == "" {
		req.Sender = model.SenderHuman
	}

	msg, err := s.deps.Orchestrator.SendMessage(r.Context(), id, req.Content, req.Sender)
	if err != nil {
		logger.API.Error("send message failed",
			slog.String("event", "conversations.send"),
			slog.String("conversation_id", id),
			slog.String("err", err.Error()),
		)
		if msg != nil {
			// Persisted but not delivered; surface both facts.
			respondJSON(w, http.StatusAccepted, msg)
			return
		}
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleTakeover(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conv, err := s.deps.Orchestrator.Takeover(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conv, err := s.deps.Orchestrator.Release(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (s *Server) handleGetFlowState(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.deps.Conversations.GetConversation(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	state := s.deps.Orchestrator.GetFlowState(id)
	if state == nil {
		respondError(w, http.StatusNotFound, "no active flow")
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) handleCancelFlow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Orchestrator.CancelFlow(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type triggerFlowRequest struct {
	FlowID string `json:"flowId"`
}

func (s *Server) handleTriggerFlow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req triggerFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	defer r.Body.Close()
	if req.FlowID == "" {
		respondError(w, http.StatusBadRequest, "flowId is required")
		return
	}
	if err := s.deps.Orchestrator.TriggerFlow(r.Context(), id, req.FlowID); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"flowId": req.FlowID})
}
